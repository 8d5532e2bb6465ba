package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Store abstracts the durable entity store. GetTask, FindTaskByTitle, GetUser
// and FindUser return nil without error when the entity is absent.
// UpdateTask is a conditional write: it must fail with ErrConcurrencyConflict
// when the stored entity no longer matches the given etag, so the version
// check and the write happen as one atomic step.
type Store interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	FindTaskByTitle(ctx context.Context, board, title string) (*Task, error)
	InsertTask(ctx context.Context, t Task) error
	UpdateTask(ctx context.Context, t Task, etag string) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context) ([]Task, error)

	GetUser(ctx context.Context, id string) (*User, error)
	FindUser(ctx context.Context, identifier string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	AppendLogs(ctx context.Context, entries []AuditLogEntry) error
	RecentLogs(ctx context.Context, limit int) ([]AuditLogEntry, error)
	TaskLogs(ctx context.Context, taskID string) ([]AuditLogEntry, error)
}

// Broadcaster pushes a change event to every observer connected at the
// moment of the call. Delivery is fire-and-forget.
type Broadcaster interface {
	Publish(ctx context.Context, ev ChangeEvent)
}

// EventQueue hands applied change events to an external integration queue.
type EventQueue interface {
	EnqueueEvent(ctx context.Context, ev ChangeEvent) error
}

const defaultRecentLogLimit = 20

// casAttempts bounds the reload-and-retry loop for forced writes. A forced
// write only retries against concurrent interleavings, so a handful of
// attempts is plenty.
const casAttempts = 5

// Coordinator orchestrates every mutation: load, version guard, persist,
// audit, broadcast, in that order. It holds no state across requests.
type Coordinator struct {
	store  Store
	events Broadcaster
	queue  EventQueue
	logger *log.Logger
	now    func() int64
	newID  func() string
}

// Option tweaks a Coordinator, used by tests to pin clocks and ids.
type Option func(*Coordinator)

func WithClock(now func() int64) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithIDs(newID func() string) Option {
	return func(c *Coordinator) { c.newID = newID }
}

// WithEventQueue adds a best-effort integration queue sink. Enqueue
// failures are logged and swallowed, like broadcast failures.
func WithEventQueue(q EventQueue) Option {
	return func(c *Coordinator) { c.queue = q }
}

func NewCoordinator(store Store, events Broadcaster, logger *log.Logger, opts ...Option) *Coordinator {
	if store == nil {
		panic("domain.NewCoordinator: store is nil")
	}
	if events == nil {
		panic("domain.NewCoordinator: broadcaster is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	c := &Coordinator{
		store:  store,
		events: events,
		logger: logger,
		now:    NextVersion,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateRequest carries the fields of a create mutation. AssignedTo is an
// email or username, or the Unassigned sentinel; it is always required.
type CreateRequest struct {
	Title       string
	Description string
	Board       string
	Priority    string
	Actor       string
	AssignedTo  string
}

// Create validates the request, persists a new Todo task and reports it.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (Task, error) {
	if req.AssignedTo == "" {
		return Task{}, ValidationError{Reason: "task must be assigned to a user"}
	}
	if req.Title == "" {
		return Task{}, ValidationError{Reason: "title must not be empty"}
	}
	if IsColumnName(req.Title) {
		return Task{}, ValidationError{Reason: "title cannot match a column name"}
	}
	existing, err := c.store.FindTaskByTitle(ctx, req.Board, req.Title)
	if err != nil {
		return Task{}, fmt.Errorf("check title: %w", err)
	}
	if existing != nil {
		return Task{}, ValidationError{Reason: "title already exists on this board"}
	}

	var assignee *User
	if req.AssignedTo != Unassigned {
		assignee, err = c.store.FindUser(ctx, req.AssignedTo)
		if err != nil {
			return Task{}, fmt.Errorf("resolve assignee: %w", err)
		}
		if assignee == nil {
			return Task{}, ValidationError{Reason: "assigned user not found"}
		}
	}

	priority := req.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !ValidPriority(priority) {
		return Task{}, ValidationError{Reason: "invalid priority"}
	}

	task := Task{
		ID:             c.newID(),
		Title:          req.Title,
		Description:    req.Description,
		Board:          req.Board,
		Status:         StatusTodo,
		Priority:       priority,
		LastModifiedBy: req.Actor,
		LastModifiedAt: c.now(),
	}
	if assignee != nil {
		task.AssignedTo = assignee.ID
	}
	if err := c.store.InsertTask(ctx, task); err != nil {
		return Task{}, fmt.Errorf("persist task: %w", err)
	}

	task.Assignee = assignee
	c.finish(ctx, ChangeEvent{Type: EventCreate, Task: &task}, []AuditLogEntry{{
		ID:        c.newID(),
		TaskID:    task.ID,
		User:      req.Actor,
		Action:    ActionCreated,
		Timestamp: task.LastModifiedAt,
	}})
	return task, nil
}

// Edit applies a partial update under the optimistic concurrency protocol.
// A version that differs from the stored one yields a ConflictError with
// nothing applied. An absent version is a forced write and always lands.
func (c *Coordinator) Edit(ctx context.Context, taskID string, changes TaskChanges, version *int64, actor string) (Task, error) {
	if err := changes.Validate(); err != nil {
		return Task{}, err
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		task, err := c.store.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, fmt.Errorf("load task: %w", err)
		}
		if task == nil {
			return Task{}, NotFoundError{Kind: "task", ID: taskID}
		}
		if version != nil && *version != task.LastModifiedAt {
			current := *task
			c.join(ctx, &current)
			return Task{}, ConflictError{Current: current, YourChanges: changes}
		}

		diffs := changes.Diff(*task)
		updated := *task
		changes.Apply(&updated)
		updated.LastModifiedBy = actor
		updated.LastModifiedAt = c.now()

		err = c.store.UpdateTask(ctx, updated, task.ETag)
		if errors.Is(err, ErrConcurrencyConflict) {
			// Lost the race between load and write. Reload: a guarded
			// edit now sees a different version and conflicts; a forced
			// write tries again against the fresh etag.
			continue
		}
		if err != nil {
			return Task{}, fmt.Errorf("persist task: %w", err)
		}

		entries := make([]AuditLogEntry, 0, len(diffs)+1)
		entries = append(entries, AuditLogEntry{
			ID:        c.newID(),
			TaskID:    taskID,
			User:      actor,
			Action:    ActionEdited,
			Timestamp: updated.LastModifiedAt,
		})
		entries = append(entries, FieldEntries(c.newID, taskID, actor, updated.LastModifiedAt, diffs)...)

		c.join(ctx, &updated)
		c.finish(ctx, ChangeEvent{Type: EventEdit, Task: &updated}, entries)
		return updated, nil
	}
	return Task{}, fmt.Errorf("edit task %s: %w", taskID, ErrConcurrencyConflict)
}

// Delete removes the task unconditionally; the audit trail remains the
// historical record for the id.
func (c *Coordinator) Delete(ctx context.Context, taskID, actor string) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return NotFoundError{Kind: "task", ID: taskID}
	}
	if err := c.store.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	c.finish(ctx, ChangeEvent{Type: EventDelete, TaskID: taskID}, []AuditLogEntry{{
		ID:        c.newID(),
		TaskID:    taskID,
		User:      actor,
		Action:    ActionDeleted,
		Timestamp: c.now(),
	}})
	return nil
}

// SmartAssign hands the task to the least-loaded roster user. The candidate
// is computed from a snapshot read; when the conditional write loses a race
// the counts are recomputed once before giving up.
func (c *Coordinator) SmartAssign(ctx context.Context, taskID, actor string) (Task, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		task, err := c.store.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, fmt.Errorf("load task: %w", err)
		}
		if task == nil {
			return Task{}, NotFoundError{Kind: "task", ID: taskID}
		}

		users, err := c.store.ListUsers(ctx)
		if err != nil {
			return Task{}, fmt.Errorf("list users: %w", err)
		}
		tasks, err := c.store.ListTasks(ctx)
		if err != nil {
			return Task{}, fmt.Errorf("list tasks: %w", err)
		}
		open := tasks[:0:0]
		for _, t := range tasks {
			if t.Status != StatusDone {
				open = append(open, t)
			}
		}
		winner, err := LeastLoaded(users, open)
		if err != nil {
			return Task{}, err
		}

		updated := *task
		updated.AssignedTo = winner.ID
		updated.LastModifiedBy = actor
		updated.LastModifiedAt = c.now()

		err = c.store.UpdateTask(ctx, updated, task.ETag)
		if errors.Is(err, ErrConcurrencyConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return Task{}, fmt.Errorf("persist task: %w", err)
		}

		updated.Assignee = &winner
		c.finish(ctx, ChangeEvent{Type: EventEdit, Task: &updated}, []AuditLogEntry{{
			ID:        c.newID(),
			TaskID:    taskID,
			User:      actor,
			Action:    ActionSmartAssigned,
			Field:     "assignedTo",
			OldValue:  task.AssignedTo,
			NewValue:  winner.DisplayName(),
			Timestamp: updated.LastModifiedAt,
		}})
		return updated, nil
	}
	return Task{}, fmt.Errorf("smart assign task %s: %w", taskID, lastErr)
}

// ListTasks returns every task with assignee display fields joined.
func (c *Coordinator) ListTasks(ctx context.Context) ([]Task, error) {
	tasks, err := c.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	users, err := c.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	for i := range tasks {
		if u, ok := byID[tasks[i].AssignedTo]; ok {
			assignee := u
			tasks[i].Assignee = &assignee
		}
	}
	return tasks, nil
}

// RecentLogs returns the newest audit entries across all tasks.
func (c *Coordinator) RecentLogs(ctx context.Context, limit int) ([]AuditLogEntry, error) {
	if limit <= 0 {
		limit = defaultRecentLogLimit
	}
	return c.store.RecentLogs(ctx, limit)
}

// TaskLogs returns the audit history of one task, newest first. The history
// outlives the task itself.
func (c *Coordinator) TaskLogs(ctx context.Context, taskID string) ([]AuditLogEntry, error) {
	return c.store.TaskLogs(ctx, taskID)
}

// UserTaskCount pairs a roster user with the number of tasks assigned to them.
type UserTaskCount struct {
	User  User `json:"user"`
	Count int  `json:"count"`
}

// UserTaskCounts aggregates task ownership across the board, most loaded
// first. Users without any task do not appear.
func (c *Coordinator) UserTaskCounts(ctx context.Context) ([]UserTaskCount, error) {
	tasks, err := c.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	users, err := c.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, t := range tasks {
		if t.AssignedTo != "" {
			counts[t.AssignedTo]++
		}
	}
	out := make([]UserTaskCount, 0, len(counts))
	for _, u := range users {
		if n := counts[u.ID]; n > 0 {
			out = append(out, UserTaskCount{User: u, Count: n})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out, nil
}

// ListUsers exposes the roster for the create-task form.
func (c *Coordinator) ListUsers(ctx context.Context) ([]User, error) {
	return c.store.ListUsers(ctx)
}

// join resolves assignee display fields onto a single task, best-effort.
func (c *Coordinator) join(ctx context.Context, t *Task) {
	if t.AssignedTo == "" {
		return
	}
	u, err := c.store.GetUser(ctx, t.AssignedTo)
	if err != nil {
		c.logger.WithError(err).WithField("user", t.AssignedTo).Warn("join assignee failed")
		return
	}
	t.Assignee = u
}

// finish runs the post-persist side effects in order: audit entries, then
// broadcast, then the integration queue. The mutation is already committed,
// so failures here are logged and never propagated, and a caller-side
// cancellation no longer stops them.
func (c *Coordinator) finish(ctx context.Context, ev ChangeEvent, entries []AuditLogEntry) {
	ctx = context.WithoutCancel(ctx)
	if err := c.store.AppendLogs(ctx, entries); err != nil {
		c.logger.WithError(err).WithField("task", entries[0].TaskID).Error("audit append failed")
	}
	c.events.Publish(ctx, ev)
	if c.queue != nil {
		if err := c.queue.EnqueueEvent(ctx, ev); err != nil {
			c.logger.WithError(err).Warn("event enqueue failed")
		}
	}
}
