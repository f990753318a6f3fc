// Package notifytest provides an in-memory notifier for tests.
package notifytest

import (
	"context"
	"sync"

	"github.com/capitalize-ai/meeting-coordinator/internal/model"
)

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []model.Notification
}

// Notify records n.
func (r *Recorder) Notify(_ context.Context, n *model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *n)
	return nil
}

// Events returns the recorded events in emission order.
func (r *Recorder) Events() []model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Notification(nil), r.events...)
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(t model.EventType) []model.Notification {
	var out []model.Notification
	for _, n := range r.Events() {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}
