package api

import (
	"taskboard-api/domain"
)

// Authenticator is implemented by types able to extract user IDs from
// bearer credentials.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Subscriber is the observer side of the change broadcaster, used by the
// SSE stream handler.
type Subscriber interface {
	Subscribe() chan domain.ChangeEvent
	Unsubscribe(chan domain.ChangeEvent)
}

const mutationBodyMaxSize = 64 * 1024 // 64 KiB

type errorResponse struct {
	Error string `json:"error"`
}

type deleteResponse struct {
	Success bool `json:"success"`
}

// conflictResponse is the 409 body: everything the caller needs to resolve
// the conflict by discarding or forcing its change.
type conflictResponse struct {
	Conflict    bool               `json:"conflict"`
	Current     domain.Task        `json:"current"`
	YourChanges domain.TaskChanges `json:"yourChanges"`
}
