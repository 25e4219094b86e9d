package sampler

import (
	"context"
	"errors"
	"fmt"

	"github.com/jkaflik/hass-sampler/internal/metrics"
)

// Sink receives every state a sensor writes.
type Sink interface {
	Name() string
	Write(ctx context.Context, state State) error
}

// Remover is implemented by sinks that keep per-entry resources, such as retained
// MQTT topics, which must be cleaned up when an entry is deleted.
type Remover interface {
	Remove(ctx context.Context, entryID string) error
}

// MultiSink fans a state out to several sinks. A failing sink does not stop the others.
type MultiSink []Sink

func (m MultiSink) Name() string {
	return "multi"
}

func (m MultiSink) Write(ctx context.Context, state State) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, state); err != nil {
			metrics.SinkErrorsTotal.WithLabelValues(s.Name()).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Remove calls Remove on every sink implementing Remover.
func (m MultiSink) Remove(ctx context.Context, entryID string) error {
	var errs []error
	for _, s := range m {
		r, ok := s.(Remover)
		if !ok {
			continue
		}
		if err := r.Remove(ctx, entryID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
