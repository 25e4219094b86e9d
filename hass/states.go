package hass

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/valyala/fastjson"

	"github.com/jkaflik/hass-sampler/pkg/channel"
)

// States is a local copy of the Home Assistant state machine, kept current from
// state_changed events.
type States struct {
	mtx    sync.RWMutex
	states map[string]*State

	loaded   chan struct{}
	loadOnce sync.Once
}

func NewStates() *States {
	return &States{
		states: make(map[string]*State),
		loaded: make(chan struct{}),
	}
}

// Loaded is closed once the first full state load completed.
func (s *States) Loaded() <-chan struct{} {
	return s.loaded
}

// Get returns the current state of entityID, or nil when the entity does not exist.
func (s *States) Get(entityID string) *State {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.states[entityID]
}

// Len returns the number of known entities.
func (s *States) Len() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.states)
}

// Load replaces all known states.
func (s *States) Load(states []State) {
	m := make(map[string]*State, len(states))
	for i := range states {
		m[states[i].EntityID] = &states[i]
	}

	s.mtx.Lock()
	s.states = m
	s.mtx.Unlock()

	s.loadOnce.Do(func() { close(s.loaded) })
}

// Apply updates the state machine from a state_changed event. A missing new state
// means the entity was removed.
func (s *States) Apply(event *EventMessage) {
	if event.Event.EventType != EventTypeStateChanged {
		return
	}

	data := event.Event.Data
	entityID := data.EntityID
	if entityID == "" && data.NewState != nil {
		entityID = data.NewState.EntityID
	}
	if entityID == "" {
		return
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if data.NewState == nil {
		delete(s.states, entityID)
		return
	}

	s.states[entityID] = data.NewState
}

// Sync subscribes to state_changed events, loads the full state once and then keeps
// the state machine current until ctx is done. All states are reloaded after the
// client reconnects.
func (s *States) Sync(ctx context.Context, client *Client) error {
	events, err := client.SubscribeEvents(ctx, SubscribeEventsWithEventType(EventTypeStateChanged))
	if err != nil {
		return fmt.Errorf("failed to subscribe to state changes: %w", err)
	}

	if err := s.reload(ctx, client); err != nil {
		return err
	}

	reload := make(chan struct{}, 1)
	client.OnReconnect(func() {
		select {
		case reload <- struct{}{}:
		default:
		}
	})

	stateChanges := channel.Filter(ctx, events, isStateChangedEvent)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reload:
			if err := s.reload(ctx, client); err != nil {
				log.Err(err).Msg("Failed to reload states after reconnect")
			}
		case v, ok := <-stateChanges:
			if !ok {
				return nil
			}

			msg, err := UnmarshalMessage(v.MarshalTo(nil))
			if err != nil {
				log.Err(err).Msg("Failed to decode state change event")
				continue
			}

			if event, ok := msg.(*EventMessage); ok {
				s.Apply(event)
			}
		}
	}
}

func (s *States) reload(ctx context.Context, client *Client) error {
	states, err := client.GetStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load states: %w", err)
	}

	s.Load(states)
	log.Info().Int("entities", len(states)).Msg("Loaded Home Assistant states")

	return nil
}

func isStateChangedEvent(v *fastjson.Value) bool {
	return EventType(v.GetStringBytes("event", "event_type")) == EventTypeStateChanged
}
