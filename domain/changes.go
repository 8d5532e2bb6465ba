package domain

// TaskChanges is the closed set of fields an edit may touch. Nil pointers
// mean "leave untouched"; partial updates never reset absent fields.
type TaskChanges struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	AssignedTo  *string `json:"assignedTo,omitempty"`
}

// Empty reports whether no field is present at all.
func (c TaskChanges) Empty() bool {
	return c.Title == nil && c.Description == nil && c.Status == nil &&
		c.Priority == nil && c.AssignedTo == nil
}

// Validate rejects values outside the status and priority enumerations and
// reserved or blank titles.
func (c TaskChanges) Validate() error {
	if c.Title != nil {
		if *c.Title == "" {
			return ValidationError{Reason: "title must not be empty"}
		}
		if IsColumnName(*c.Title) {
			return ValidationError{Reason: "title cannot match a column name"}
		}
	}
	if c.Status != nil && !ValidStatus(*c.Status) {
		return ValidationError{Reason: "invalid status"}
	}
	if c.Priority != nil && !ValidPriority(*c.Priority) {
		return ValidationError{Reason: "invalid priority"}
	}
	return nil
}

// FieldChange records one field whose value actually differed.
type FieldChange struct {
	Field    string
	OldValue string
	NewValue string
}

// Diff returns the fields whose new value differs from the stored one.
// Fields whose value is unchanged produce no entry, so no-op changes stay
// silent in the audit trail.
func (c TaskChanges) Diff(t Task) []FieldChange {
	var out []FieldChange
	add := func(field, old string, val *string) {
		if val != nil && *val != old {
			out = append(out, FieldChange{Field: field, OldValue: old, NewValue: *val})
		}
	}
	add("title", t.Title, c.Title)
	add("description", t.Description, c.Description)
	add("status", t.Status, c.Status)
	add("priority", t.Priority, c.Priority)
	add("assignedTo", t.AssignedTo, c.AssignedTo)
	return out
}

// Apply copies every present field onto the task.
func (c TaskChanges) Apply(t *Task) {
	if c.Title != nil {
		t.Title = *c.Title
	}
	if c.Description != nil {
		t.Description = *c.Description
	}
	if c.Status != nil {
		t.Status = *c.Status
	}
	if c.Priority != nil {
		t.Priority = *c.Priority
	}
	if c.AssignedTo != nil {
		t.AssignedTo = *c.AssignedTo
	}
}
