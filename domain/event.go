package domain

// Change event kinds pushed to live observers.
const (
	EventCreate = "create"
	EventEdit   = "edit"
	EventDelete = "delete"
)

// ChangeEvent describes one applied mutation. It is transient: delivered to
// observers connected at publish time and never replayed. Delete events
// carry only the task id.
type ChangeEvent struct {
	Type   string `json:"type"`
	Task   *Task  `json:"task,omitempty"`
	TaskID string `json:"id,omitempty"`
}
