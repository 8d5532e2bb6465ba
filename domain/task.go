package domain

// Board column names double as task status values.
const (
	StatusTodo       = "Todo"
	StatusInProgress = "In Progress"
	StatusDone       = "Done"
)

const (
	PriorityLow    = "Low"
	PriorityMedium = "Medium"
	PriorityHigh   = "High"
)

// Unassigned is the sentinel assignee identifier used by the two-step
// smart-assign flow: the task is created without an owner and assigned
// in a follow-up SmartAssign call.
const Unassigned = "unassigned"

// Task represents a single board item. LastModifiedAt is the version
// token checked by the optimistic concurrency protocol.
type Task struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	Board          string `json:"board"`
	Status         string `json:"status"`
	Priority       string `json:"priority"`
	AssignedTo     string `json:"assignedTo,omitempty"`
	Assignee       *User  `json:"assignee,omitempty"`
	LastModifiedBy string `json:"lastModifiedBy,omitempty"`
	LastModifiedAt int64  `json:"lastModifiedAt"`

	// ETag is the storage concurrency token captured when the task was
	// loaded. Never serialized; conditional writes pass it back to the
	// store so the version check and the write happen as one step.
	ETag string `json:"-"`
}

// IsColumnName reports whether title shadows a board column. Such titles
// are reserved and rejected on create.
func IsColumnName(title string) bool {
	return title == StatusTodo || title == StatusInProgress || title == StatusDone
}

func ValidStatus(s string) bool {
	return s == StatusTodo || s == StatusInProgress || s == StatusDone
}

func ValidPriority(p string) bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}
