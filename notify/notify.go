// Package notify delivers committed escrow events to the outside world.
// Delivery is fire-and-forget: a failed notification never rolls back the
// transition that produced it.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Event describes one committed transition.
type Event struct {
	Kind     string
	EscrowID string
	Fields   map[string]any
	At       time.Time
}

// Sink accepts events.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// LogSink writes each event as a structured log line.
type LogSink struct {
	log logrus.FieldLogger
}

func NewLogSink(log logrus.FieldLogger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Notify(_ context.Context, ev Event) error {
	s.log.WithFields(logrus.Fields(ev.Fields)).
		WithField("event", ev.Kind).
		WithField("escrow_id", ev.EscrowID).
		Info("escrow event")
	return nil
}

// Multi delivers to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, ev Event) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Notify(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
