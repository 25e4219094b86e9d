package sampler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaflik/hass-sampler/hass"
	"github.com/jkaflik/hass-sampler/internal/entry"
	"github.com/jkaflik/hass-sampler/internal/restore"
)

type fakeStates struct {
	mtx    sync.Mutex
	states map[string]*hass.State
}

func newFakeStates() *fakeStates {
	return &fakeStates{states: make(map[string]*hass.State)}
}

func (f *fakeStates) set(entityID, state, attributes string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.states[entityID] = &hass.State{EntityID: entityID, State: state, Attributes: []byte(attributes)}
}

func (f *fakeStates) remove(entityID string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	delete(f.states, entityID)
}

func (f *fakeStates) Get(entityID string) *hass.State {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.states[entityID]
}

type memoryStore struct {
	mtx    sync.Mutex
	states map[string]restore.StoredState
}

func newMemoryStore() *memoryStore {
	return &memoryStore{states: make(map[string]restore.StoredState)}
}

func (m *memoryStore) Get(_ context.Context, entryID string) (*restore.StoredState, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	st, ok := m.states[entryID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *memoryStore) Save(_ context.Context, entryID string, state restore.StoredState) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.states[entryID] = state
	return nil
}

func (m *memoryStore) Delete(_ context.Context, entryID string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.states, entryID)
	return nil
}

type recordingSink struct {
	mtx     sync.Mutex
	name    string
	err     error
	written []State
	removed []string
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Write(_ context.Context, state State) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.written = append(r.written, state)
	return r.err
}

func (r *recordingSink) Remove(_ context.Context, entryID string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.removed = append(r.removed, entryID)
	return nil
}

func (r *recordingSink) states() []State {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]State(nil), r.written...)
}

func ptr(s string) *string { return &s }

const temperatureAttributes = `{"unit_of_measurement":"°C","device_class":"temperature","friendly_name":"Outdoor"}`

func newTestSensor(states StateGetter, store restore.Store, sink Sink) *Sensor {
	return NewSensor(SensorConfig{
		EntryID:        "entry-1",
		Name:           "Outdoor sample",
		SourceEntityID: "sensor.outdoor",
		Period:         time.Second,
	}, states, store, sink)
}

func TestSensorSample(t *testing.T) {
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		previous State
		source   *hass.State
		expected State
		storedAs string
	}{
		{
			name:   "copies value unit and device class",
			source: &hass.State{State: "21.5", Attributes: []byte(temperatureAttributes)},
			expected: State{
				Available:   true,
				Value:       ptr("21.5"),
				Unit:        "°C",
				DeviceClass: "temperature",
			},
			storedAs: "21.5",
		},
		{
			name:     "unknown source becomes empty value",
			previous: State{Value: ptr("20")},
			source:   &hass.State{State: "unknown", Attributes: []byte(temperatureAttributes)},
			expected: State{
				Available:   true,
				Unit:        "°C",
				DeviceClass: "temperature",
			},
			storedAs: "unknown",
		},
		{
			name:     "unavailable source keeps previous value",
			previous: State{Value: ptr("20"), Unit: "°C", DeviceClass: "temperature"},
			source:   &hass.State{State: "unavailable", Attributes: []byte(`{"unit_of_measurement":"K"}`)},
			expected: State{Available: false, Value: ptr("20"), Unit: "°C", DeviceClass: "temperature"},
			storedAs: "unavailable",
		},
		{
			name:     "missing source keeps previous value",
			previous: State{Value: ptr("19"), Unit: "kWh", DeviceClass: "energy"},
			expected: State{Available: false, Value: ptr("19"), Unit: "kWh", DeviceClass: "energy"},
			storedAs: "unavailable",
		},
		{
			name:     "source without attributes clears unit",
			previous: State{Value: ptr("off"), Unit: "W", DeviceClass: "power"},
			source:   &hass.State{State: "on"},
			expected: State{Available: true, Value: ptr("on")},
			storedAs: "on",
		},
	}

	t.Parallel()
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			states := newFakeStates()
			if tt.source != nil {
				tt.source.EntityID = "sensor.outdoor"
				states.states["sensor.outdoor"] = tt.source
			}
			store := newMemoryStore()
			sink := &recordingSink{name: "test"}

			sensor := newTestSensor(states, store, sink)
			sensor.state.Value = tt.previous.Value
			sensor.state.Unit = tt.previous.Unit
			sensor.state.DeviceClass = tt.previous.DeviceClass

			require.NoError(t, sensor.Sample(context.Background(), now))

			got := sensor.Snapshot()
			assert.Equal(t, tt.expected.Available, got.Available)
			assert.Equal(t, tt.expected.Value, got.Value)
			assert.Equal(t, tt.expected.Unit, got.Unit)
			assert.Equal(t, tt.expected.DeviceClass, got.DeviceClass)
			require.NotNil(t, got.LastSample)
			assert.Equal(t, map[string]string{AttributeLastSample: "2026-06-01T08:00:00Z"}, got.Attributes())

			written := sink.states()
			require.Len(t, written, 1)
			assert.Equal(t, got, written[0])

			stored, err := store.Get(context.Background(), "entry-1")
			require.NoError(t, err)
			require.NotNil(t, stored)
			assert.Equal(t, tt.storedAs, stored.State)
			assert.Equal(t, tt.expected.Unit, stored.UnitOfMeasurement)
			assert.Equal(t, tt.expected.DeviceClass, stored.DeviceClass)
		})
	}
}

func TestSensorRestore(t *testing.T) {
	tests := []struct {
		name     string
		stored   *restore.StoredState
		expected *string
	}{
		{name: "nothing stored"},
		{name: "unknown is ignored", stored: &restore.StoredState{State: "unknown", UnitOfMeasurement: "W"}},
		{name: "unavailable is ignored", stored: &restore.StoredState{State: "unavailable", UnitOfMeasurement: "W"}},
		{
			name:     "value is restored",
			stored:   &restore.StoredState{State: "230", UnitOfMeasurement: "W", DeviceClass: "power"},
			expected: ptr("230"),
		},
	}

	t.Parallel()
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := newMemoryStore()
			if tt.stored != nil {
				store.states["entry-1"] = *tt.stored
			}

			sensor := newTestSensor(newFakeStates(), store, nil)
			require.NoError(t, sensor.Restore(context.Background()))

			got := sensor.Snapshot()
			assert.False(t, got.Available, "restored sensors stay unavailable until sampled")
			assert.Equal(t, tt.expected, got.Value)
			if tt.expected != nil {
				assert.Equal(t, "W", got.Unit)
				assert.Equal(t, "power", got.DeviceClass)
			} else {
				assert.Empty(t, got.Unit)
			}
		})
	}
}

func TestSensorRun(t *testing.T) {
	t.Parallel()

	states := newFakeStates()
	states.set("sensor.outdoor", "21.5", temperatureAttributes)
	store := newMemoryStore()
	store.states["entry-1"] = restore.StoredState{State: "18", UnitOfMeasurement: "°C"}
	sink := &recordingSink{name: "test"}

	sensor := NewSensor(SensorConfig{
		EntryID:        "entry-1",
		Name:           "Outdoor sample",
		SourceEntityID: "sensor.outdoor",
		Period:         20 * time.Millisecond,
	}, states, store, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sensor.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.states()) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	written := sink.states()
	initial := written[0]
	assert.False(t, initial.Available)
	assert.Equal(t, ptr("18"), initial.Value)
	assert.Nil(t, initial.LastSample)

	sampled := written[1]
	assert.True(t, sampled.Available)
	assert.Equal(t, ptr("21.5"), sampled.Value)
	assert.NotNil(t, sampled.LastSample)
}

func TestSensorRunInvalidPeriod(t *testing.T) {
	t.Parallel()

	sensor := NewSensor(SensorConfig{EntryID: "e"}, newFakeStates(), nil, nil)
	assert.Error(t, sensor.Run(context.Background()))
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "unavailable", State{Value: ptr("1")}.StateString())
	assert.Equal(t, "unknown", State{Available: true}.StateString())
	assert.Equal(t, "1", State{Available: true, Value: ptr("1")}.StateString())
	assert.Empty(t, State{}.Attributes())
}

func TestMultiSink(t *testing.T) {
	t.Parallel()

	ok := &recordingSink{name: "ok"}
	failing := &recordingSink{name: "failing", err: errors.New("broker down")}
	sink := MultiSink{failing, ok}

	err := sink.Write(context.Background(), State{EntryID: "e"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing: broker down")
	assert.Len(t, ok.states(), 1, "a failing sink does not stop the others")

	require.NoError(t, sink.Remove(context.Background(), "e"))
	assert.Equal(t, []string{"e"}, ok.removed)
	assert.Equal(t, []string{"e"}, failing.removed)
}

type fakeEntries struct {
	mtx     sync.Mutex
	entries map[string]entry.Entry
}

func (f *fakeEntries) Get(_ context.Context, id string) (*entry.Entry, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, entry.ErrNotFound
	}
	return &e, nil
}

func (f *fakeEntries) List(_ context.Context) ([]entry.Entry, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	var out []entry.Entry
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

type fakeResolver map[string]string

func (r fakeResolver) ResolveEntityID(_ context.Context, ref string) (string, error) {
	if hass.ValidEntityID(ref) {
		return ref, nil
	}
	if id, ok := r[ref]; ok {
		return id, nil
	}
	return "", hass.ErrUnknownEntity
}

func TestManager(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	states := newFakeStates()
	states.set("sensor.outdoor", "21.5", temperatureAttributes)
	states.set("sensor.power", "230", `{"unit_of_measurement":"W"}`)

	entries := &fakeEntries{entries: map[string]entry.Entry{
		"a": {ID: "a", Title: "Outdoor", Options: entry.Options{EntityID: "sensor.outdoor", Period: 3600}},
		"b": {ID: "b", Title: "Power", Options: entry.Options{EntityID: "reg-power", Period: 3600}},
		"c": {ID: "c", Title: "Broken", Options: entry.Options{EntityID: "reg-missing", Period: 3600}},
	}}
	store := newMemoryStore()
	store.states["a"] = restore.StoredState{State: "20"}
	sink := &recordingSink{name: "test"}

	m := NewManager(entries, fakeResolver{"reg-power": "sensor.power"}, states, store, sink)
	t.Cleanup(m.Stop)

	assert.ErrorIs(t, m.Setup(ctx, entries.entries["a"]), ErrNotStarted)

	require.NoError(t, m.Start(ctx))

	snapshots := m.Snapshots()
	require.Len(t, snapshots, 2, "entry with an unresolvable reference is skipped")
	assert.Equal(t, "a", snapshots[0].EntryID)
	assert.Equal(t, "sensor.power", snapshots[1].SourceEntityID)

	require.Eventually(t, func() bool {
		st, ok := m.Snapshot("a")
		return ok && st.Value != nil && *st.Value == "20"
	}, time.Second, 5*time.Millisecond, "restored before the first sample")

	entries.mtx.Lock()
	e := entries.entries["a"]
	e.Options.Period = 60
	entries.entries["a"] = e
	entries.mtx.Unlock()
	require.NoError(t, m.HandleChange(ctx, entry.Change{Kind: entry.ChangeUpdated, Entry: e}))

	_, ok := m.Snapshot("a")
	assert.True(t, ok)

	require.NoError(t, m.HandleChange(ctx, entry.Change{Kind: entry.ChangeRemoved, Entry: e}))
	_, ok = m.Snapshot("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"a"}, sink.removed)
	_, stored := store.states["a"]
	assert.False(t, stored)

	assert.ErrorIs(t, m.Unload(ctx, "a"), ErrNotLoaded)
	assert.Error(t, m.HandleChange(ctx, entry.Change{Kind: "renamed"}))

	m.Stop()
	assert.Empty(t, m.Snapshots())
}
