package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaflik/hass-sampler/hass"
	"github.com/jkaflik/hass-sampler/internal/metrics"
	"github.com/jkaflik/hass-sampler/internal/restore"
)

// StateGetter looks up the current state of an entity. Implemented by hass.States.
type StateGetter interface {
	Get(entityID string) *hass.State
}

// SensorConfig identifies a sampled sensor.
type SensorConfig struct {
	EntryID        string
	Name           string
	SourceEntityID string
	Period         time.Duration
}

// Sensor copies the state of its source entity once per period.
type Sensor struct {
	cfg    SensorConfig
	states StateGetter
	store  restore.Store
	sink   Sink
	logger zerolog.Logger

	mtx   sync.RWMutex
	state State
}

// NewSensor creates a sensor. store may be nil to disable restore.
func NewSensor(cfg SensorConfig, states StateGetter, store restore.Store, sink Sink) *Sensor {
	if sink == nil {
		sink = MultiSink{}
	}

	return &Sensor{
		cfg:    cfg,
		states: states,
		store:  store,
		sink:   sink,
		logger: log.With().Str("entry_id", cfg.EntryID).Str("source", cfg.SourceEntityID).Logger(),
		state: State{
			EntryID:        cfg.EntryID,
			Name:           cfg.Name,
			SourceEntityID: cfg.SourceEntityID,
		},
	}
}

// Snapshot returns a copy of the current state.
func (s *Sensor) Snapshot() State {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.state
}

// Restore seeds value, unit and device class from the stored state. Stored unknown or
// unavailable states are ignored. The sensor stays unavailable until the first sample.
func (s *Sensor) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	stored, err := s.store.Get(ctx, s.cfg.EntryID)
	if err != nil {
		return fmt.Errorf("failed to load restore state: %w", err)
	}
	if !stored.Restorable() {
		return nil
	}

	value := stored.State

	s.mtx.Lock()
	s.state.Value = &value
	s.state.Unit = stored.UnitOfMeasurement
	s.state.DeviceClass = stored.DeviceClass
	s.mtx.Unlock()

	s.logger.Debug().Str("state", value).Msg("Restored sensor state")
	return nil
}

// Sample reads the source entity and writes the resulting state. An absent or unavailable
// source makes the sensor unavailable and keeps the previous value.
func (s *Sensor) Sample(ctx context.Context, now time.Time) error {
	source := s.states.Get(s.cfg.SourceEntityID)

	s.mtx.Lock()
	previous := s.state.Value
	s.state.LastSample = &now

	if source == nil || source.State == hass.UnavailableValue {
		s.state.Available = false
		metrics.SamplesTotal.WithLabelValues("unavailable").Inc()
	} else {
		s.state.Available = true
		s.state.Value = nil
		if source.State != hass.UnknownValue {
			value := source.State
			s.state.Value = &value
		}
		s.state.Unit = source.UnitOfMeasurement()
		s.state.DeviceClass = source.DeviceClass()
		metrics.SamplesTotal.WithLabelValues("available").Inc()
	}

	state := s.state
	s.mtx.Unlock()

	if state.Available {
		metrics.SensorAvailable.WithLabelValues(s.cfg.EntryID).Set(1)
		if !equalValue(previous, state.Value) {
			s.logger.Debug().Str("name", s.cfg.Name).Str("state", state.StateString()).Msg("Sensor changed")
		}
	} else {
		metrics.SensorAvailable.WithLabelValues(s.cfg.EntryID).Set(0)
	}

	return s.write(ctx, state, now)
}

// Run restores the sensor, writes its initial state and samples on every period until
// ctx is done.
func (s *Sensor) Run(ctx context.Context) error {
	if s.cfg.Period <= 0 {
		return fmt.Errorf("invalid sampling period %s", s.cfg.Period)
	}

	if err := s.Restore(ctx); err != nil {
		s.logger.Err(err).Msg("Failed to restore sensor state")
	}

	if err := s.sink.Write(ctx, s.Snapshot()); err != nil {
		s.logger.Err(err).Msg("Failed to write initial sensor state")
	}

	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := s.Sample(ctx, now); err != nil {
				s.logger.Err(err).Msg("Failed to write sample")
			}
		}
	}
}

func (s *Sensor) write(ctx context.Context, state State, now time.Time) error {
	sinkErr := s.sink.Write(ctx, state)

	var storeErr error
	if s.store != nil {
		storeErr = s.store.Save(ctx, s.cfg.EntryID, state.stored(now))
	}

	return errors.Join(sinkErr, storeErr)
}

func equalValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
