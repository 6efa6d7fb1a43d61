package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestTaskMarshalUsesEnumNames(t *testing.T) {
	task := Task{ID: "t1", Title: "Title", Priority: PriorityUrgent, Status: StatusInProgress, DueDate: time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC)}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	if !strings.Contains(string(payload), `"priority":"Urgent"`) || !strings.Contains(string(payload), `"status":"In Progress"`) {
		t.Fatalf("expected enum names, got %s", payload)
	}
	if strings.Contains(string(payload), "assignedToId") {
		t.Fatalf("expected empty assignee to be omitted, got %s", payload)
	}

	var back Task
	if err := sonic.Unmarshal([]byte(strings.Replace(string(payload), "Urgent", "Critical", 1)), &back); err == nil {
		t.Fatalf("expected unknown priority to be rejected")
	}
}

func TestDeletedEnvelopeCarriesOnlyID(t *testing.T) {
	b, err := Deleted("t9").EncodeEnvelope()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(b) != `{"event":"task:deleted","data":"t9"}` {
		t.Fatalf("unexpected envelope %s", b)
	}
	ev, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != TaskDeleted || ev.TaskID != "t9" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestCreatedEnvelopeCarriesRecord(t *testing.T) {
	task := Task{ID: "t1", Title: "a", Priority: PriorityLow, Status: StatusToDo}
	b, err := Created(task).EncodeEnvelope()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ev, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != TaskCreated || ev.Task.ID != "t1" || ev.Task.Priority != PriorityLow {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestDecodeEventRejectsUnknownName(t *testing.T) {
	if _, err := DecodeEvent("task:moved", []byte(`"x"`)); err == nil {
		t.Fatalf("expected error for unknown event")
	}
	if _, err := DecodeEvent(TaskUpdated, []byte(`{}`)); err == nil {
		t.Fatalf("expected error for record without id")
	}
}
