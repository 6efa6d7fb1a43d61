package domain

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// EventType names a change event on the push channel.
type EventType string

const (
	TaskCreated EventType = "task:created"
	TaskUpdated EventType = "task:updated"
	TaskDeleted EventType = "task:deleted"
)

// ChangeEvent is the outcome of one successful mutation. Created and Updated
// carry the full record; Deleted carries only the identifier.
type ChangeEvent struct {
	Type   EventType
	Task   Task
	TaskID string
}

func Created(t Task) ChangeEvent { return ChangeEvent{Type: TaskCreated, Task: t, TaskID: t.ID} }

func Updated(t Task) ChangeEvent { return ChangeEvent{Type: TaskUpdated, Task: t, TaskID: t.ID} }

func Deleted(id string) ChangeEvent { return ChangeEvent{Type: TaskDeleted, TaskID: id} }

// Payload returns the value pushed to observers for this event.
func (e ChangeEvent) Payload() any {
	if e.Type == TaskDeleted {
		return e.TaskID
	}
	return e.Task
}

// Envelope is the wire form of a change event used by the websocket
// transport and the redis relay.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeEvent rebuilds a change event from its wire name and JSON payload.
func DecodeEvent(name EventType, data []byte) (ChangeEvent, error) {
	switch name {
	case TaskCreated, TaskUpdated:
		var t Task
		if err := sonic.Unmarshal(data, &t); err != nil {
			return ChangeEvent{}, fmt.Errorf("decode %s: %w", name, err)
		}
		if t.ID == "" {
			return ChangeEvent{}, fmt.Errorf("decode %s: missing id", name)
		}
		return ChangeEvent{Type: name, Task: t, TaskID: t.ID}, nil
	case TaskDeleted:
		var id string
		if err := sonic.Unmarshal(data, &id); err != nil {
			return ChangeEvent{}, fmt.Errorf("decode %s: %w", name, err)
		}
		if id == "" {
			return ChangeEvent{}, fmt.Errorf("decode %s: missing id", name)
		}
		return Deleted(id), nil
	default:
		return ChangeEvent{}, fmt.Errorf("unknown event %q", name)
	}
}

// EncodePayload marshals the observer payload of e.
func (e ChangeEvent) EncodePayload() ([]byte, error) {
	return sonic.Marshal(e.Payload())
}

// EncodeEnvelope marshals e into its Envelope wire form.
func (e ChangeEvent) EncodeEnvelope() ([]byte, error) {
	data, err := e.EncodePayload()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(Envelope{Event: e.Type, Data: data})
}

// DecodeEnvelope parses the Envelope wire form.
func DecodeEnvelope(b []byte) (ChangeEvent, error) {
	var env Envelope
	if err := sonic.Unmarshal(b, &env); err != nil {
		return ChangeEvent{}, fmt.Errorf("decode envelope: %w", err)
	}
	return DecodeEvent(env.Event, env.Data)
}
