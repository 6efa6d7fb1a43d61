package domain

import (
	"encoding/json"
	"strings"
	"time"
)

var dueDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseDueDate accepts RFC 3339 timestamps, HTML datetime-local values and
// plain calendar dates (interpreted as midnight UTC).
func ParseDueDate(s string) (time.Time, error) {
	var err error
	for _, layout := range dueDateLayouts {
		var t time.Time
		t, err = time.Parse(layout, strings.TrimSpace(s))
		if err == nil {
			return Timestamp(t), nil
		}
	}
	return time.Time{}, err
}

// CreateTaskInput is the request body of a task creation. Fields are pointers
// so that absence can be told apart from zero values.
type CreateTaskInput struct {
	Title        *string `json:"title"`
	Description  *string `json:"description"`
	DueDate      *string `json:"dueDate"`
	Priority     *string `json:"priority"`
	AssignedToID *string `json:"assignedToId"`
}

// NewTask is a validated creation request.
type NewTask struct {
	Title        string
	Description  string
	DueDate      time.Time
	Priority     Priority
	AssignedToID string
}

// Validate checks every field and returns the typed request, or a
// ValidationError naming all violations.
func (in CreateTaskInput) Validate() (NewTask, error) {
	var (
		out  NewTask
		verr ValidationError
	)
	if in.Title == nil || strings.TrimSpace(*in.Title) == "" {
		verr.add("title", "must not be empty")
	} else {
		out.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description == nil {
		verr.add("description", "is required")
	} else {
		out.Description = *in.Description
	}
	if in.DueDate == nil {
		verr.add("dueDate", "is required")
	} else if d, err := ParseDueDate(*in.DueDate); err != nil {
		verr.add("dueDate", "is not a valid date")
	} else {
		out.DueDate = d
	}
	out.Priority = PriorityMedium
	if in.Priority != nil {
		p, err := ParsePriority(*in.Priority)
		if err != nil {
			verr.add("priority", "must be one of Low, Medium, High, Urgent")
		} else {
			out.Priority = p
		}
	}
	if in.AssignedToID != nil {
		out.AssignedToID = strings.TrimSpace(*in.AssignedToID)
	}
	if err := verr.errOrNil(); err != nil {
		return NewTask{}, err
	}
	return out, nil
}

// UpdateTaskInput is the request body of a partial task update. Immutable
// fields are decoded only so that their presence can be rejected.
type UpdateTaskInput struct {
	ID        json.RawMessage `json:"id"`
	CreatorID json.RawMessage `json:"creatorId"`
	CreatedAt json.RawMessage `json:"createdAt"`
	UpdatedAt json.RawMessage `json:"updatedAt"`

	Title        *string `json:"title"`
	Description  *string `json:"description"`
	DueDate      *string `json:"dueDate"`
	Priority     *string `json:"priority"`
	Status       *string `json:"status"`
	AssignedToID *string `json:"assignedToId"`
}

// Validate converts the input into a TaskPatch. Immutable fields and empty
// patches are rejected.
func (in UpdateTaskInput) Validate() (TaskPatch, error) {
	var (
		patch TaskPatch
		verr  ValidationError
	)
	if len(in.ID) > 0 {
		verr.add("id", "is immutable")
	}
	if len(in.CreatorID) > 0 {
		verr.add("creatorId", "is immutable")
	}
	if len(in.CreatedAt) > 0 {
		verr.add("createdAt", "is immutable")
	}
	if len(in.UpdatedAt) > 0 {
		verr.add("updatedAt", "is managed by the server")
	}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			verr.add("title", "must not be empty")
		} else {
			patch.Title = &title
		}
	}
	if in.Description != nil {
		desc := *in.Description
		patch.Description = &desc
	}
	if in.DueDate != nil {
		d, err := ParseDueDate(*in.DueDate)
		if err != nil {
			verr.add("dueDate", "is not a valid date")
		} else {
			patch.DueDate = &d
		}
	}
	if in.Priority != nil {
		p, err := ParsePriority(*in.Priority)
		if err != nil {
			verr.add("priority", "must be one of Low, Medium, High, Urgent")
		} else {
			patch.Priority = &p
		}
	}
	if in.Status != nil {
		s, err := ParseStatus(*in.Status)
		if err != nil {
			verr.add("status", "must be one of To Do, In Progress, Review, Completed")
		} else {
			patch.Status = &s
		}
	}
	if in.AssignedToID != nil {
		a := strings.TrimSpace(*in.AssignedToID)
		patch.AssignedToID = &a
	}
	if len(verr.Fields) == 0 && patch.Empty() {
		verr.add("body", "no updatable fields")
	}
	if err := verr.errOrNil(); err != nil {
		return TaskPatch{}, err
	}
	return patch, nil
}

// ParseFilter converts list query parameters into a TaskFilter.
func ParseFilter(status, priority string) (TaskFilter, error) {
	var (
		f    TaskFilter
		verr ValidationError
	)
	if status != "" {
		s, err := ParseStatus(status)
		if err != nil {
			verr.add("status", err.Error())
		}
		f.Status = s
	}
	if priority != "" {
		p, err := ParsePriority(priority)
		if err != nil {
			verr.add("priority", err.Error())
		}
		f.Priority = p
	}
	if err := verr.errOrNil(); err != nil {
		return TaskFilter{}, err
	}
	return f, nil
}
