package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"taskboard-api/domain"
)

// queueClient is the slice of azqueue.QueueClient the event sink needs.
type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Storage persists tasks, audit logs and the user roster in Azure Table
// Storage, with an optional events queue for downstream consumers.
type Storage struct {
	taskTable  *aztables.Client
	logTable   *aztables.Client
	userTable  *aztables.Client
	eventQueue queueClient
}

// New creates a Storage from the given connection string. eventsQueue may be
// empty, in which case EnqueueEvent reports an error when called.
func New(connStr, tasksTable, logsTable, usersTable, eventsQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	s := &Storage{
		taskTable: svc.NewClient(tasksTable),
		logTable:  svc.NewClient(logsTable),
		userTable: svc.NewClient(usersTable),
	}
	if eventsQueue != "" {
		queueClientOptions := azqueue.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				Retry: policy.RetryOptions{
					MaxRetries:    5,
					TryTimeout:    time.Minute * 5,
					RetryDelay:    time.Second * 1,
					MaxRetryDelay: time.Second * 60,
					StatusCodes:   []int{408, 429, 500, 502, 503, 504},
				},
			},
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
		if err != nil {
			return nil, err
		}
		s.eventQueue = q
	}
	return s, nil
}

// taskEntity stores one task under PartitionKey = RowKey = task id.
type taskEntity struct {
	aztables.Entity
	ETag           string `json:"odata.etag,omitempty"`
	Title          string `json:"Title"`
	Description    string `json:"Description"`
	Board          string `json:"Board"`
	Status         string `json:"Status"`
	Priority       string `json:"Priority"`
	AssignedTo     string `json:"AssignedTo"`
	LastModifiedBy string `json:"LastModifiedBy"`
	LastModifiedAt int64  `json:"LastModifiedAt,string"`
}

func (e taskEntity) toDomain() domain.Task {
	return domain.Task{
		ID:             e.RowKey,
		Title:          e.Title,
		Description:    e.Description,
		Board:          e.Board,
		Status:         e.Status,
		Priority:       e.Priority,
		AssignedTo:     e.AssignedTo,
		LastModifiedBy: e.LastModifiedBy,
		LastModifiedAt: e.LastModifiedAt,
		ETag:           e.ETag,
	}
}

func taskToEntity(t domain.Task) taskEntity {
	return taskEntity{
		Entity:         aztables.Entity{PartitionKey: t.ID, RowKey: t.ID},
		Title:          t.Title,
		Description:    t.Description,
		Board:          t.Board,
		Status:         t.Status,
		Priority:       t.Priority,
		AssignedTo:     t.AssignedTo,
		LastModifiedBy: t.LastModifiedBy,
		LastModifiedAt: t.LastModifiedAt,
	}
}

// logEntity stores one audit entry under PartitionKey = task id. The row
// key is an inverted timestamp plus the entry's position in its batch, so a
// lexical ascending scan yields newest-first with the summary entry ahead
// of its field entries.
type logEntity struct {
	aztables.Entity
	EntryID   string `json:"EntryId"`
	User      string `json:"User"`
	Action    string `json:"Action"`
	Field     string `json:"Field"`
	OldValue  string `json:"OldValue"`
	NewValue  string `json:"NewValue"`
	Timestamp int64  `json:"LoggedAt,string"`
}

func logRowKey(ts int64, seq int) string {
	return fmt.Sprintf("%020d-%04d", math.MaxInt64-ts, seq)
}

func (e logEntity) toDomain() domain.AuditLogEntry {
	return domain.AuditLogEntry{
		ID:        e.EntryID,
		TaskID:    e.PartitionKey,
		User:      e.User,
		Action:    e.Action,
		Field:     e.Field,
		OldValue:  e.OldValue,
		NewValue:  e.NewValue,
		Timestamp: e.Timestamp,
	}
}

// userEntity stores one roster user under PartitionKey = RowKey = user id.
type userEntity struct {
	aztables.Entity
	Email    string `json:"Email"`
	Username string `json:"Username"`
}

func (e userEntity) toDomain() domain.User {
	return domain.User{ID: e.RowKey, Email: e.Email, Username: e.Username}
}

// GetTask retrieves a task if present, nil otherwise.
func (s *Storage) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, nil
		}
		return nil, err
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	t := ent.toDomain()
	return &t, nil
}

// FindTaskByTitle looks for a task with the given title on a board.
func (s *Storage) FindTaskByTitle(ctx context.Context, board, title string) (*domain.Task, error) {
	filter := fmt.Sprintf("Board eq '%s' and Title eq '%s'", escapeFilter(board), escapeFilter(title))
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			t := ent.toDomain()
			return &t, nil
		}
	}
	return nil, nil
}

// InsertTask adds a new task, failing when the id already exists.
func (s *Storage) InsertTask(ctx context.Context, t domain.Task) error {
	payload, err := json.Marshal(taskToEntity(t))
	if err != nil {
		return err
	}
	_, err = s.taskTable.AddEntity(ctx, payload, nil)
	if isStatus(err, 409) {
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrConcurrencyConflict)
	}
	return err
}

// UpdateTask replaces a task only when its stored etag still matches,
// surfacing ErrConcurrencyConflict when a concurrent writer got there first.
func (s *Storage) UpdateTask(ctx context.Context, t domain.Task, etag string) error {
	payload, err := json.Marshal(taskToEntity(t))
	if err != nil {
		return err
	}
	match := azcore.ETag(etag)
	if etag == "" {
		match = azcore.ETagAny
	}
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &match,
		UpdateMode: aztables.UpdateModeReplace,
	})
	if isStatus(err, 412) || isStatus(err, 409) {
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrConcurrencyConflict)
	}
	return err
}

// DeleteTask removes a task regardless of its version.
func (s *Storage) DeleteTask(ctx context.Context, id string) error {
	_, err := s.taskTable.DeleteEntity(ctx, id, id, nil)
	if isStatus(err, 404) {
		return nil
	}
	return err
}

// ListTasks returns every task on every board.
func (s *Storage) ListTasks(ctx context.Context) ([]domain.Task, error) {
	pager := s.taskTable.NewListEntitiesPager(nil)
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, ent.toDomain())
		}
	}
	return tasks, nil
}

// GetUser retrieves one roster user if present.
func (s *Storage) GetUser(ctx context.Context, id string) (*domain.User, error) {
	resp, err := s.userTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, nil
		}
		return nil, err
	}
	var ent userEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	u := ent.toDomain()
	return &u, nil
}

// FindUser matches a user by email or username. Some deployments store
// emails in the username column, so both are checked.
func (s *Storage) FindUser(ctx context.Context, identifier string) (*domain.User, error) {
	filter := fmt.Sprintf("Email eq '%s' or Username eq '%s'", escapeFilter(identifier), escapeFilter(identifier))
	pager := s.userTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent userEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			u := ent.toDomain()
			return &u, nil
		}
	}
	return nil, nil
}

// ListUsers returns the full roster.
func (s *Storage) ListUsers(ctx context.Context) ([]domain.User, error) {
	pager := s.userTable.NewListEntitiesPager(nil)
	users := []domain.User{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent userEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			users = append(users, ent.toDomain())
		}
	}
	return users, nil
}

// AppendLogs writes audit entries in batch order. Entries are immutable
// once written; nothing in this codebase updates or deletes them.
func (s *Storage) AppendLogs(ctx context.Context, entries []domain.AuditLogEntry) error {
	for i, entry := range entries {
		ent := logEntity{
			Entity:    aztables.Entity{PartitionKey: entry.TaskID, RowKey: logRowKey(entry.Timestamp, i)},
			EntryID:   entry.ID,
			User:      entry.User,
			Action:    entry.Action,
			Field:     entry.Field,
			OldValue:  entry.OldValue,
			NewValue:  entry.NewValue,
			Timestamp: entry.Timestamp,
		}
		payload, err := json.Marshal(ent)
		if err != nil {
			return err
		}
		if _, err := s.logTable.AddEntity(ctx, payload, nil); err != nil {
			return err
		}
	}
	return nil
}

// RecentLogs returns the newest entries across all tasks. The log table is
// scanned in full; row keys carry an inverted timestamp so the in-memory
// sort is cheap and newest-first ties keep their batch order.
func (s *Storage) RecentLogs(ctx context.Context, limit int) ([]domain.AuditLogEntry, error) {
	entities, err := s.listLogs(ctx, nil)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entities, func(i, j int) bool { return entities[i].RowKey < entities[j].RowKey })
	if limit > 0 && len(entities) > limit {
		entities = entities[:limit]
	}
	out := make([]domain.AuditLogEntry, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.toDomain())
	}
	return out, nil
}

// TaskLogs returns one task's audit history, newest first.
func (s *Storage) TaskLogs(ctx context.Context, taskID string) ([]domain.AuditLogEntry, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", escapeFilter(taskID))
	entities, err := s.listLogs(ctx, &filter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entities, func(i, j int) bool { return entities[i].RowKey < entities[j].RowKey })
	out := make([]domain.AuditLogEntry, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.toDomain())
	}
	return out, nil
}

func (s *Storage) listLogs(ctx context.Context, filter *string) ([]logEntity, error) {
	var opts *aztables.ListEntitiesOptions
	if filter != nil {
		opts = &aztables.ListEntitiesOptions{Filter: filter}
	}
	pager := s.logTable.NewListEntitiesPager(opts)
	var entities []logEntity
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent logEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			entities = append(entities, ent)
		}
	}
	return entities, nil
}

// EnqueueEvent sends an applied change event to the integration queue.
func (s *Storage) EnqueueEvent(ctx context.Context, ev domain.ChangeEvent) error {
	if s.eventQueue == nil {
		return errors.New("events queue not configured")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.eventQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

func escapeFilter(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}
