package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func strp(s string) *string { return &s }

func TestCreateTaskInputDefaults(t *testing.T) {
	in := CreateTaskInput{
		Title:       strp("  Write report "),
		Description: strp(""),
		DueDate:     strp("2030-01-02"),
	}
	out, err := in.Validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if out.Title != "Write report" {
		t.Fatalf("expected trimmed title, got %q", out.Title)
	}
	if out.Priority != PriorityMedium {
		t.Fatalf("expected default priority Medium, got %v", out.Priority)
	}
	want := time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC)
	if !out.DueDate.Equal(want) {
		t.Fatalf("expected due date %v, got %v", want, out.DueDate)
	}
}

func TestCreateTaskInputCollectsAllViolations(t *testing.T) {
	in := CreateTaskInput{
		Title:    strp("   "),
		DueDate:  strp("tomorrow"),
		Priority: strp("Critical"),
	}
	_, err := in.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	fields := map[string]bool{}
	for _, f := range verr.Fields {
		fields[f.Field] = true
	}
	for _, name := range []string{"title", "description", "dueDate", "priority"} {
		if !fields[name] {
			t.Fatalf("expected violation for %s, got %+v", name, verr.Fields)
		}
	}
}

func TestCreateTaskInputEmptyAssigneeIsAbsent(t *testing.T) {
	in := CreateTaskInput{Title: strp("abc"), Description: strp("d"), DueDate: strp("2030-01-02T10:00:00Z"), AssignedToID: strp("")}
	out, err := in.Validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if out.AssignedToID != "" {
		t.Fatalf("expected no assignee, got %q", out.AssignedToID)
	}
}

func TestUpdateTaskInputRejectsImmutableFields(t *testing.T) {
	var in UpdateTaskInput
	if err := sonic.Unmarshal([]byte(`{"id":"x","creatorId":"u","title":"ok"}`), &in); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	_, err := in.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Fields) != 2 || verr.Fields[0].Field != "id" || verr.Fields[1].Field != "creatorId" {
		t.Fatalf("unexpected fields %+v", verr.Fields)
	}
}

func TestUpdateTaskInputRejectsEmptyPatch(t *testing.T) {
	_, err := UpdateTaskInput{}.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestUpdateTaskInputBuildsPatch(t *testing.T) {
	in := UpdateTaskInput{Status: strp("Completed"), AssignedToID: strp("")}
	patch, err := in.Validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if patch.Status == nil || *patch.Status != StatusCompleted {
		t.Fatalf("expected status Completed, got %v", patch.Status)
	}
	if patch.AssignedToID == nil || *patch.AssignedToID != "" {
		t.Fatalf("expected assignee clear, got %v", patch.AssignedToID)
	}
	if patch.Title != nil || patch.Priority != nil {
		t.Fatalf("expected untouched fields to stay nil")
	}

	task := Task{ID: "t1", Status: StatusToDo, AssignedToID: "u2"}
	now := Timestamp(time.Now())
	patch.Apply(&task, now)
	if task.Status != StatusCompleted || task.AssignedToID != "" || !task.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected task after apply: %+v", task)
	}
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("In Progress", "")
	if err != nil {
		t.Fatalf("parse filter: %v", err)
	}
	if !f.Matches(Task{Status: StatusInProgress, Priority: PriorityLow}) {
		t.Fatalf("expected match on status")
	}
	if f.Matches(Task{Status: StatusReview}) {
		t.Fatalf("expected no match on other status")
	}
	if _, err := ParseFilter("Done", ""); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}
