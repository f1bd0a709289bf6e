package testsupport

import (
	"encoding/json"
	"sync"
	"testing"

	"ecobin/internal/broadcast"
)

// EventRecorder captures emitted events in order.
type EventRecorder struct {
	mu     sync.Mutex
	events []broadcast.Event
}

// Emit records the event. It satisfies the emitter interfaces used by the
// session loops.
func (r *EventRecorder) Emit(eventType broadcast.EventType, payload any) int {
	evt := broadcast.NewEvent(eventType, payload)
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return 1
}

// Events returns a copy of the recorded events.
func (r *EventRecorder) Events() []broadcast.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broadcast.Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *EventRecorder) Types() []broadcast.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]broadcast.EventType, 0, len(r.events))
	for _, evt := range r.events {
		types = append(types, evt.Type)
	}
	return types
}

// Count returns how many events of eventType were recorded.
func (r *EventRecorder) Count(eventType broadcast.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Type == eventType {
			n++
		}
	}
	return n
}

// Last decodes the payload of the most recent event of eventType into
// target and reports whether one was found.
func (r *EventRecorder) Last(t testing.TB, eventType broadcast.EventType, target any) bool {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type != eventType {
			continue
		}
		if target != nil {
			if err := json.Unmarshal(r.events[i].Payload, target); err != nil {
				t.Fatalf("decode %s payload: %v", eventType, err)
			}
		}
		return true
	}
	return false
}
