package sampler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/jkaflik/hass-sampler/internal/entry"
	"github.com/jkaflik/hass-sampler/internal/metrics"
	"github.com/jkaflik/hass-sampler/internal/restore"
)

var (
	ErrNotStarted = errors.New("sampler: manager not started")
	ErrNotLoaded  = errors.New("sampler: entry not loaded")
)

// EntrySource provides the stored config entries.
type EntrySource interface {
	Get(ctx context.Context, id string) (*entry.Entry, error)
	List(ctx context.Context) ([]entry.Entry, error)
}

// EntityResolver turns the entity reference stored in an entry into an entity ID.
type EntityResolver interface {
	ResolveEntityID(ctx context.Context, ref string) (string, error)
}

type running struct {
	sensor *Sensor
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs one Sensor per config entry.
type Manager struct {
	entries  EntrySource
	resolver EntityResolver
	states   StateGetter
	store    restore.Store
	sink     Sink

	mtx     sync.Mutex
	ctx     context.Context
	sensors map[string]*running
}

func NewManager(entries EntrySource, resolver EntityResolver, states StateGetter, store restore.Store, sink Sink) *Manager {
	return &Manager{
		entries:  entries,
		resolver: resolver,
		states:   states,
		store:    store,
		sink:     sink,
		sensors:  make(map[string]*running),
	}
}

// Start sets up a sensor for every stored entry. Sensors run until ctx is done or Stop is
// called. An entry that fails to set up is logged and skipped.
func (m *Manager) Start(ctx context.Context) error {
	m.mtx.Lock()
	m.ctx = ctx
	m.mtx.Unlock()

	entries, err := m.entries.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}

	for _, e := range entries {
		if err := m.Setup(ctx, e); err != nil {
			log.Err(err).Str("entry_id", e.ID).Msg("Failed to set up entry")
		}
	}

	log.Info().Int("entries", len(entries)).Msg("Sampler started")
	return nil
}

// Setup starts the sensor of an entry, replacing a running one.
func (m *Manager) Setup(ctx context.Context, e entry.Entry) error {
	entityID, err := m.resolver.ResolveEntityID(ctx, e.Options.EntityID)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", e.Options.EntityID, err)
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.ctx == nil {
		return ErrNotStarted
	}

	m.stopLocked(e.ID)

	sensor := NewSensor(SensorConfig{
		EntryID:        e.ID,
		Name:           e.Title,
		SourceEntityID: entityID,
		Period:         e.Options.PeriodDuration(),
	}, m.states, m.store, m.sink)

	runCtx, cancel := context.WithCancel(m.ctx)
	r := &running{sensor: sensor, cancel: cancel, done: make(chan struct{})}
	m.sensors[e.ID] = r
	metrics.SensorsRunning.Inc()

	go func() {
		defer close(r.done)
		if err := sensor.Run(runCtx); err != nil {
			log.Err(err).Str("entry_id", e.ID).Msg("Sensor stopped")
		}
	}()

	log.Info().
		Str("entry_id", e.ID).
		Str("source", entityID).
		Dur("period", e.Options.PeriodDuration()).
		Msg("Sensor set up")
	return nil
}

// Reload restarts the sensor of an entry with its stored options.
func (m *Manager) Reload(ctx context.Context, id string) error {
	e, err := m.entries.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.Setup(ctx, *e)
}

// Unload stops the sensor of an entry.
func (m *Manager) Unload(_ context.Context, id string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if !m.stopLocked(id) {
		return ErrNotLoaded
	}
	return nil
}

// Remove unloads an entry and deletes everything kept for it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.Unload(ctx, id); err != nil && !errors.Is(err, ErrNotLoaded) {
		return err
	}

	var errs []error
	if m.store != nil {
		errs = append(errs, m.store.Delete(ctx, id))
	}
	if r, ok := m.sink.(Remover); ok {
		errs = append(errs, r.Remove(ctx, id))
	}
	metrics.SensorAvailable.DeleteLabelValues(id)

	return errors.Join(errs...)
}

// HandleChange applies an entry change. It is registered as an entry.Flow listener.
func (m *Manager) HandleChange(ctx context.Context, change entry.Change) error {
	switch change.Kind {
	case entry.ChangeAdded:
		return m.Setup(ctx, change.Entry)
	case entry.ChangeUpdated:
		return m.Reload(ctx, change.Entry.ID)
	case entry.ChangeRemoved:
		return m.Remove(ctx, change.Entry.ID)
	default:
		return fmt.Errorf("unknown entry change %q", change.Kind)
	}
}

// Snapshot returns the current state of an entry's sensor.
func (m *Manager) Snapshot(id string) (State, bool) {
	m.mtx.Lock()
	r, ok := m.sensors[id]
	m.mtx.Unlock()

	if !ok {
		return State{}, false
	}
	return r.sensor.Snapshot(), true
}

// Snapshots returns the states of all running sensors ordered by entry ID.
func (m *Manager) Snapshots() []State {
	m.mtx.Lock()
	states := make([]State, 0, len(m.sensors))
	for _, r := range m.sensors {
		states = append(states, r.sensor.Snapshot())
	}
	m.mtx.Unlock()

	sort.Slice(states, func(i, j int) bool { return states[i].EntryID < states[j].EntryID })
	return states
}

// Stop stops all sensors and waits for them to exit.
func (m *Manager) Stop() {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for id := range m.sensors {
		m.stopLocked(id)
	}
}

func (m *Manager) stopLocked(id string) bool {
	r, ok := m.sensors[id]
	if !ok {
		return false
	}

	r.cancel()
	<-r.done
	delete(m.sensors, id)
	metrics.SensorsRunning.Dec()
	return true
}
