package domain

import (
	"errors"
	"fmt"
)

// ErrConcurrencyConflict indicates that the store rejected a conditional
// write because the entity changed after it was loaded.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ErrNoAssigneeAvailable is returned by smart assign when the roster is empty.
var ErrNoAssigneeAvailable = errors.New("no users available for assignment")

// ValidationError reports bad, missing or duplicate caller input.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string { return e.Reason }

// NotFoundError reports a referenced entity that does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

// ConflictError rejects an edit carrying a stale version token. It carries
// the full current server-side task and the caller's unapplied changes so
// the caller can resolve by discarding or forcing its change.
type ConflictError struct {
	Current     Task
	YourChanges TaskChanges
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("task %s was modified by %s", e.Current.ID, e.Current.LastModifiedBy)
}
