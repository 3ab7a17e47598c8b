package testutil

import (
	"context"
	"sync"

	"github.com/t77yq/drs-orchestrator/internal/model"
)

// EventRecorder collects notified events in memory
type EventRecorder struct {
	mu     sync.Mutex
	events []model.Event
}

// Notify records event
func (r *EventRecorder) Notify(_ context.Context, event model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns recorded events in order
func (r *EventRecorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// Types returns the type of every recorded event in order
func (r *EventRecorder) Types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]model.EventType, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}
