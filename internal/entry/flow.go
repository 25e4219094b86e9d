package entry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jkaflik/hass-sampler/hass"
)

// EntityResolver turns an entity reference into an entity ID. Implemented by hass.Registry.
type EntityResolver interface {
	ResolveEntityID(ctx context.Context, ref string) (string, error)
}

// StateGetter looks up current entity states. Implemented by hass.States.
type StateGetter interface {
	Get(entityID string) *hass.State
}

// ChangeKind says what happened to an entry.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// Change is delivered to listeners after an entry is persisted.
type Change struct {
	Kind  ChangeKind
	Entry Entry
}

// Listener reacts to entry changes. Errors are logged and do not roll back the change.
type Listener func(ctx context.Context, change Change) error

// Flow runs the config and options flows on top of a Repository.
type Flow struct {
	repo     Repository
	resolver EntityResolver
	states   StateGetter
	now      func() time.Time

	mtx       sync.RWMutex
	listeners []Listener
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) FlowOption {
	return func(f *Flow) {
		f.now = now
	}
}

// NewFlow creates a Flow. states may be nil, in which case entity existence is not checked.
func NewFlow(repo Repository, resolver EntityResolver, states StateGetter, opts ...FlowOption) *Flow {
	f := &Flow{
		repo:     repo,
		resolver: resolver,
		states:   states,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// OnChange registers a listener called after every successful create, update or delete.
func (f *Flow) OnChange(l Listener) {
	f.mtx.Lock()
	f.listeners = append(f.listeners, l)
	f.mtx.Unlock()
}

// Create validates the config form and stores a new entry titled with the submitted name.
func (f *Flow) Create(ctx context.Context, in CreateInput) (*Entry, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.EntityID = strings.TrimSpace(in.EntityID)

	if err := ValidateCreate(in); err != nil {
		return nil, err
	}

	if err := f.checkEntity(ctx, in.EntityID); err != nil {
		return nil, err
	}

	now := f.now().UTC()
	e := &Entry{
		ID:    uuid.NewString(),
		Title: in.Name,
		Options: Options{
			EntityID: in.EntityID,
			Period:   in.Period,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := f.repo.Create(ctx, e); err != nil {
		return nil, err
	}

	log.Info().
		Str("entry_id", e.ID).
		Str("title", e.Title).
		Str("entity_id", e.Options.EntityID).
		Int("period", e.Options.Period).
		Msg("Config entry created")

	f.notify(ctx, Change{Kind: ChangeAdded, Entry: *e})
	return e, nil
}

// UpdateOptions applies the options form to an existing entry. The source entity is kept.
func (f *Flow) UpdateOptions(ctx context.Context, id string, in OptionsInput) (*Entry, error) {
	if err := ValidateOptions(in); err != nil {
		return nil, err
	}

	e, err := f.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	e.Options.Period = in.Period
	e.UpdatedAt = f.now().UTC()

	if err := f.repo.UpdateOptions(ctx, id, e.Options, e.UpdatedAt); err != nil {
		return nil, err
	}

	log.Info().Str("entry_id", id).Int("period", in.Period).Msg("Config entry options updated")

	f.notify(ctx, Change{Kind: ChangeUpdated, Entry: *e})
	return e, nil
}

// Delete removes an entry.
func (f *Flow) Delete(ctx context.Context, id string) error {
	e, err := f.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := f.repo.Delete(ctx, id); err != nil {
		return err
	}

	log.Info().Str("entry_id", id).Msg("Config entry removed")

	f.notify(ctx, Change{Kind: ChangeRemoved, Entry: *e})
	return nil
}

// Get returns a single entry.
func (f *Flow) Get(ctx context.Context, id string) (*Entry, error) {
	return f.repo.Get(ctx, id)
}

// List returns all entries.
func (f *Flow) List(ctx context.Context) ([]Entry, error) {
	return f.repo.List(ctx)
}

// checkEntity enforces the entity picker restrictions: the reference must resolve to an
// existing entity of the sensor domain.
func (f *Flow) checkEntity(ctx context.Context, ref string) error {
	entityID := ref
	if f.resolver != nil {
		resolved, err := f.resolver.ResolveEntityID(ctx, ref)
		if errors.Is(err, hass.ErrUnknownEntity) {
			return fmt.Errorf("%w: %s", ErrEntityNotFound, ref)
		}
		if err != nil {
			return fmt.Errorf("resolving %s: %w", ref, err)
		}
		entityID = resolved
	}

	if !hass.ValidEntityID(entityID) {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, ref)
	}
	if hass.Domain(entityID) != hass.EntitySensor {
		return fmt.Errorf("%w: %s", ErrNotSensor, entityID)
	}
	if f.states != nil && f.states.Get(entityID) == nil {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	return nil
}

func (f *Flow) notify(ctx context.Context, change Change) {
	f.mtx.RLock()
	listeners := append([]Listener(nil), f.listeners...)
	f.mtx.RUnlock()

	for _, l := range listeners {
		if err := l(ctx, change); err != nil {
			log.Err(err).
				Str("entry_id", change.Entry.ID).
				Str("change", string(change.Kind)).
				Msg("Entry change listener failed")
		}
	}
}
