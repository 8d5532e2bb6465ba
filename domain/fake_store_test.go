package domain

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// fakeStore is an in-memory Store with real conditional-write semantics:
// every successful task write bumps an etag and stale etags fail with
// ErrConcurrencyConflict, mirroring the table storage behavior.
type fakeStore struct {
	mu      sync.Mutex
	tasks   map[string]Task
	users   []User
	logs    []AuditLogEntry
	etagSeq int

	// conflictUpdates makes the next n UpdateTask calls fail as if a
	// concurrent writer landed first, advancing the stored version.
	conflictUpdates int

	updateCalls int
	appendErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]Task{}}
}

func (f *fakeStore) nextETag() string {
	f.etagSeq++
	return "W/\"" + strconv.Itoa(f.etagSeq) + "\""
}

func (f *fakeStore) GetTask(_ context.Context, id string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (f *fakeStore) FindTaskByTitle(_ context.Context, board, title string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.Board == board && t.Title == title {
			t := t
			return &t, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) InsertTask(_ context.Context, t Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.tasks[t.ID]; exists {
		return fmt.Errorf("task %s: %w", t.ID, ErrConcurrencyConflict)
	}
	t.ETag = f.nextETag()
	t.Assignee = nil
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) UpdateTask(_ context.Context, t Task, etag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	cur, ok := f.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrConcurrencyConflict)
	}
	if f.conflictUpdates > 0 {
		f.conflictUpdates--
		cur.LastModifiedAt = NextVersion()
		cur.LastModifiedBy = "someone-else"
		cur.ETag = f.nextETag()
		f.tasks[t.ID] = cur
		return fmt.Errorf("task %s: %w", t.ID, ErrConcurrencyConflict)
	}
	if cur.ETag != etag {
		return fmt.Errorf("task %s: %w", t.ID, ErrConcurrencyConflict)
	}
	t.ETag = f.nextETag()
	t.Assignee = nil
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) DeleteTask(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	return nil
}

func (f *fakeStore) ListTasks(_ context.Context) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.tasks))
	for id := range f.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.tasks[id])
	}
	return out, nil
}

func (f *fakeStore) GetUser(_ context.Context, id string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ID == id {
			u := u
			return &u, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindUser(_ context.Context, identifier string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == identifier || (u.Username != "" && u.Username == identifier) {
			u := u
			return &u, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListUsers(_ context.Context) ([]User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]User, len(f.users))
	copy(out, f.users)
	return out, nil
}

func (f *fakeStore) AppendLogs(_ context.Context, entries []AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.logs = append(f.logs, entries...)
	return nil
}

func (f *fakeStore) RecentLogs(_ context.Context, limit int) ([]AuditLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AuditLogEntry, len(f.logs))
	copy(out, f.logs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) TaskLogs(_ context.Context, taskID string) ([]AuditLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []AuditLogEntry
	for _, e := range f.logs {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

// taskLogActions returns the recorded actions for a task in append order.
func (f *fakeStore) taskLogActions(taskID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.logs {
		if e.TaskID == taskID {
			out = append(out, e.Action)
		}
	}
	return out
}

// fakeBroadcaster records every published event.
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (b *fakeBroadcaster) Publish(_ context.Context, ev ChangeEvent) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *fakeBroadcaster) published() []ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ChangeEvent, len(b.events))
	copy(out, b.events)
	return out
}
