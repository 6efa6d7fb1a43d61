package domain

import (
	"fmt"
	"time"
)

// Priority is the ordered urgency of a task. The zero value is not a valid
// priority; it marks "unset" in filters and inputs.
type Priority uint8

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

var priorityNames = [...]string{
	PriorityLow:    "Low",
	PriorityMedium: "Medium",
	PriorityHigh:   "High",
	PriorityUrgent: "Urgent",
}

// ParsePriority converts the wire name of a priority into its value.
func ParsePriority(s string) (Priority, error) {
	for p := PriorityLow; p <= PriorityUrgent; p++ {
		if priorityNames[p] == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityUrgent }

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Priority(%d)", uint8(p))
	}
	return priorityNames[p]
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", uint8(p))
	}
	return []byte(priorityNames[p]), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Status is the board column a task sits in.
type Status uint8

const (
	StatusToDo Status = iota + 1
	StatusInProgress
	StatusReview
	StatusCompleted
)

var statusNames = [...]string{
	StatusToDo:       "To Do",
	StatusInProgress: "In Progress",
	StatusReview:     "Review",
	StatusCompleted:  "Completed",
}

// ParseStatus converts the wire name of a status into its value.
func ParseStatus(s string) (Status, error) {
	for st := StatusToDo; st <= StatusCompleted; st++ {
		if statusNames[st] == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

func (s Status) Valid() bool { return s >= StatusToDo && s <= StatusCompleted }

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", uint8(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Task represents a single board item.
type Task struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	DueDate      time.Time `json:"dueDate"`
	Priority     Priority  `json:"priority"`
	Status       Status    `json:"status"`
	CreatorID    string    `json:"creatorId"`
	AssignedToID string    `json:"assignedToId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TaskFilter narrows a task listing. Zero fields match everything.
type TaskFilter struct {
	Status   Status
	Priority Priority
}

// Matches reports whether t passes the filter.
func (f TaskFilter) Matches(t Task) bool {
	if f.Status != 0 && t.Status != f.Status {
		return false
	}
	if f.Priority != 0 && t.Priority != f.Priority {
		return false
	}
	return true
}

// TaskPatch carries the mutable subset of task fields for an update.
// A nil field is left untouched. An empty AssignedToID clears the assignee.
type TaskPatch struct {
	Title        *string
	Description  *string
	DueDate      *time.Time
	Priority     *Priority
	Status       *Status
	AssignedToID *string
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.DueDate == nil &&
		p.Priority == nil && p.Status == nil && p.AssignedToID == nil
}

// Apply writes the patch fields onto t and stamps the modification time.
func (p TaskPatch) Apply(t *Task, now time.Time) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.DueDate != nil {
		t.DueDate = *p.DueDate
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.AssignedToID != nil {
		t.AssignedToID = *p.AssignedToID
	}
	t.UpdatedAt = now
}

// Actor is a known user who can create and be assigned tasks.
type Actor struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Timestamp truncates t to the precision kept by every store.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
