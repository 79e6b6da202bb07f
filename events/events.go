// Package events publishes ledger change notifications.
//
// Publishing is best-effort: a failed publish is logged by the caller and
// never fails the ledger write that triggered it.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/warp/dues-engine/generic"
)

type Type string

const (
	RecordCreated   Type = "record.created"
	RecordReviewed  Type = "record.reviewed"
	RecordDeleted   Type = "record.deleted"
	ImportCompleted Type = "import.completed"
)

// Event is the JSON message body.
type Event struct {
	Type       Type      `json:"type"`
	RecordID   string    `json:"record_id,omitempty"`
	MemberID   string    `json:"member_id,omitempty"`
	PlanID     string    `json:"plan_id,omitempty"`
	Slot       string    `json:"slot,omitempty"`
	Status     string    `json:"status,omitempty"`
	Actor      string    `json:"actor"`
	Successes  int       `json:"successes,omitempty"`
	Errors     int       `json:"errors,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e Event) ToJSON() ([]byte, error) { return json.Marshal(e) }

// ForRecord builds a record-level event.
func ForRecord(t Type, rec generic.Record, actor generic.Actor, at time.Time) Event {
	e := Event{
		Type:       t,
		RecordID:   string(rec.ID),
		MemberID:   string(rec.MemberID),
		PlanID:     string(rec.PlanID),
		Status:     string(rec.Status),
		Actor:      actor.ID,
		OccurredAt: at.UTC(),
	}
	if rec.Slot != nil {
		e.Slot = rec.Slot.Key()
	}
	return e
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Memory keeps published events in order. Used by tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
	Err    error // returned from every Publish when set
}

func (m *Memory) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfType filters Events by type.
func (m *Memory) OfType(t Type) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
