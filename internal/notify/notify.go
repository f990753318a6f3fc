// Package notify bridges committed scheduling events to delivery sinks.
//
// The coordination engine only guarantees an event was handed to the bridge.
// Sinks such as the organizer inbox or the NATS stream report their own
// failures, which are logged and counted but never fail the operation that
// produced the event.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-coordinator/internal/model"
	"github.com/capitalize-ai/meeting-coordinator/pkg/logger"
	"github.com/capitalize-ai/meeting-coordinator/pkg/metrics"
)

// Notifier receives structured scheduling events.
type Notifier interface {
	Notify(ctx context.Context, n *model.Notification) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, n *model.Notification) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, n *model.Notification) error {
	return f(ctx, n)
}

// Nop discards every event.
var Nop Notifier = Func(func(context.Context, *model.Notification) error { return nil })

// Sink is a named delivery target.
type Sink struct {
	Name     string
	Notifier Notifier
}

// Fanout delivers each event to every sink in order.
type Fanout struct {
	sinks  []Sink
	logger *logger.Logger
}

// NewFanout creates a fanout over the given sinks.
func NewFanout(log *logger.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: log}
}

// Add registers another sink.
func (f *Fanout) Add(name string, n Notifier) {
	f.sinks = append(f.sinks, Sink{Name: name, Notifier: n})
}

// Notify delivers n to all sinks. A failing sink does not stop delivery to
// the others; the joined error is returned.
func (f *Fanout) Notify(ctx context.Context, n *model.Notification) error {
	var errs []error
	for _, s := range f.sinks {
		err := s.Notifier.Notify(ctx, n)
		metrics.RecordNotification(string(n.Type), s.Name, err)
		if err != nil {
			f.logger.Warn("notification sink failed",
				zap.String("sink", s.Name),
				zap.String("type", string(n.Type)),
				zap.String("thread_id", n.ActionTargetID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// InboxStore is the subset of the store used by the inbox sink.
type InboxStore interface {
	AppendNotification(ctx context.Context, n *model.Notification) error
}

// Inbox writes events into the organizer's notification inbox.
type Inbox struct {
	store InboxStore
}

// NewInbox creates an inbox sink.
func NewInbox(store InboxStore) *Inbox {
	return &Inbox{store: store}
}

// Notify appends n to the organizer's inbox.
func (i *Inbox) Notify(ctx context.Context, n *model.Notification) error {
	if n.OrganizerID == "" {
		return errors.New("notification has no organizer")
	}
	return i.store.AppendNotification(ctx, n)
}
