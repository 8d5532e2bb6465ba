package domain

// Audit actions written by the coordinator.
const (
	ActionCreated       = "Created task"
	ActionEdited        = "Edited task"
	ActionDeleted       = "Deleted task"
	ActionSmartAssigned = "Smart Assigned task"
)

// AuditLogEntry is an immutable record of one lifecycle action or one field
// change on a task. Entries are append-only and survive deletion of the
// task they reference.
type AuditLogEntry struct {
	ID        string `json:"id"`
	TaskID    string `json:"taskId"`
	User      string `json:"user"`
	Action    string `json:"action"`
	Field     string `json:"field,omitempty"`
	OldValue  string `json:"oldValue,omitempty"`
	NewValue  string `json:"newValue,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// FieldEntries derives one audit entry per differing field. All entries of
// a request share the same timestamp; the caller appends the summary entry
// ahead of them.
func FieldEntries(newID func() string, taskID, actor string, ts int64, diffs []FieldChange) []AuditLogEntry {
	entries := make([]AuditLogEntry, 0, len(diffs))
	for _, d := range diffs {
		entries = append(entries, AuditLogEntry{
			ID:        newID(),
			TaskID:    taskID,
			User:      actor,
			Action:    "Changed " + d.Field,
			Field:     d.Field,
			OldValue:  d.OldValue,
			NewValue:  d.NewValue,
			Timestamp: ts,
		})
	}
	return entries
}
