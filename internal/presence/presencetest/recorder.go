// Package presencetest provides an in-memory presence.Channel for tests.
package presencetest

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/resonance/backend/internal/presence"
)

// RecordedEvent is one payload captured by a Recorder.
type RecordedEvent struct {
	Event        string
	Payload      any
	Acknowledged bool
}

// Recorder captures everything sent to it and answers deliveries with a configurable outcome.
type Recorder struct {
	id string

	mu          sync.Mutex
	events      []RecordedEvent
	acknowledge bool
}

// NewRecorder returns a Recorder that acknowledges deliveries when acknowledge is true.
func NewRecorder(id string, acknowledge bool) *Recorder {
	return &Recorder{id: id, acknowledge: acknowledge}
}

func (r *Recorder) ID() string {
	return r.id
}

func (r *Recorder) Notify(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{Event: event, Payload: payload})
	return nil
}

func (r *Recorder) Deliver(_ context.Context, event string, payload any) presence.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{Event: event, Payload: payload, Acknowledged: r.acknowledge})
	if r.acknowledge {
		return presence.OutcomeAcknowledged
	}
	return presence.OutcomePending
}

// SetAcknowledge changes how later deliveries are answered.
func (r *Recorder) SetAcknowledge(acknowledge bool) {
	r.mu.Lock()
	r.acknowledge = acknowledge
	r.mu.Unlock()
}

// Events returns a copy of the captured events.
func (r *Recorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make([]RecordedEvent, len(r.events))
	copy(copied, r.events)
	return copied
}

// Filter returns captured events named event.
func (r *Recorder) Filter(event string) []RecordedEvent {
	var filtered []RecordedEvent
	for _, recorded := range r.Events() {
		if recorded.Event == event {
			filtered = append(filtered, recorded)
		}
	}
	return filtered
}
