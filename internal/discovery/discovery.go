// Package discovery publishes sampled sensors to Home Assistant through MQTT discovery.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/jkaflik/hass-sampler/internal/mqtt"
	"github.com/jkaflik/hass-sampler/internal/sampler"
)

// Publisher publishes retained MQTT messages. Implemented by *mqtt.Client.
type Publisher interface {
	PublishRetained(kind, topic string, payload []byte) error
}

type Config struct {
	Prefix  string
	NodeID  string
	Version string
}

// Discovery is a sampler.Sink that mirrors every written state to MQTT.
type Discovery struct {
	pub Publisher
	cfg Config

	// publishMtx orders publishes so retained topics end with the latest state.
	publishMtx sync.Mutex

	mtx     sync.Mutex
	configs map[string][]byte
	last    map[string]sampler.State
}

func New(pub Publisher, cfg Config) *Discovery {
	return &Discovery{
		pub:     pub,
		cfg:     cfg,
		configs: make(map[string][]byte),
		last:    make(map[string]sampler.State),
	}
}

func (d *Discovery) Name() string {
	return "mqtt"
}

// ConfigTopic returns <prefix>/sensor/<node_id>/<entry_id>/config.
func (d *Discovery) ConfigTopic(entryID string) string {
	return fmt.Sprintf("%s/sensor/%s/%s/config", d.cfg.Prefix, d.cfg.NodeID, entryID)
}

func (d *Discovery) StateTopic(entryID string) string {
	return fmt.Sprintf("%s/%s/state", d.cfg.NodeID, entryID)
}

func (d *Discovery) AttributesTopic(entryID string) string {
	return fmt.Sprintf("%s/%s/attributes", d.cfg.NodeID, entryID)
}

func (d *Discovery) AvailabilityTopic(entryID string) string {
	return fmt.Sprintf("%s/%s/availability", d.cfg.NodeID, entryID)
}

// BirthTopic is where Home Assistant announces it (re)started.
func (d *Discovery) BirthTopic() string {
	return d.cfg.Prefix + "/status"
}

// Write publishes the discovery config when it changed, then the state, attributes and
// availability of the sensor.
func (d *Discovery) Write(_ context.Context, state sampler.State) error {
	d.publishMtx.Lock()
	defer d.publishMtx.Unlock()

	d.mtx.Lock()
	d.last[state.EntryID] = state
	d.mtx.Unlock()

	return d.publish(state)
}

// publish must be called with publishMtx held.
func (d *Discovery) publish(state sampler.State) error {
	config, err := json.Marshal(d.sensorConfig(state))
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config: %w", err)
	}

	d.mtx.Lock()
	changed := !bytes.Equal(d.configs[state.EntryID], config)
	d.mtx.Unlock()

	if changed {
		if err := d.pub.PublishRetained("config", d.ConfigTopic(state.EntryID), config); err != nil {
			return err
		}

		d.mtx.Lock()
		d.configs[state.EntryID] = config
		d.mtx.Unlock()

		log.Debug().Str("entry_id", state.EntryID).Str("topic", d.ConfigTopic(state.EntryID)).Msg("Published discovery config")
	}

	return d.publishState(state)
}

func (d *Discovery) publishState(state sampler.State) error {
	attributes, err := json.Marshal(state.Attributes())
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	availability := payloadNotAvailable
	if state.Available {
		availability = payloadAvailable
	}

	return errors.Join(
		d.pub.PublishRetained("state", d.StateTopic(state.EntryID), []byte(statePayload(state))),
		d.pub.PublishRetained("attributes", d.AttributesTopic(state.EntryID), attributes),
		d.pub.PublishRetained("availability", d.AvailabilityTopic(state.EntryID), []byte(availability)),
	)
}

// Remove clears every retained topic of an entry, which deletes the entity from Home Assistant.
// The entry is forgotten before publishing, so a concurrent Republish skips it.
func (d *Discovery) Remove(_ context.Context, entryID string) error {
	d.mtx.Lock()
	delete(d.configs, entryID)
	delete(d.last, entryID)
	d.mtx.Unlock()

	d.publishMtx.Lock()
	defer d.publishMtx.Unlock()

	return errors.Join(
		d.pub.PublishRetained("config", d.ConfigTopic(entryID), nil),
		d.pub.PublishRetained("state", d.StateTopic(entryID), nil),
		d.pub.PublishRetained("attributes", d.AttributesTopic(entryID), nil),
		d.pub.PublishRetained("availability", d.AvailabilityTopic(entryID), nil),
	)
}

// Republish publishes the config and latest state of every known sensor again.
func (d *Discovery) Republish(_ context.Context) error {
	d.mtx.Lock()
	ids := make([]string, 0, len(d.last))
	for id := range d.last {
		ids = append(ids, id)
	}
	d.configs = make(map[string][]byte)
	d.mtx.Unlock()

	sort.Strings(ids)

	var (
		errs        []error
		republished int
	)
	for _, id := range ids {
		ok, err := d.republish(id)
		if ok {
			republished++
		}
		errs = append(errs, err)
	}

	log.Info().Int("sensors", republished).Msg("Republished discovery")
	return errors.Join(errs...)
}

// republish publishes the state last written for id, if the entry is still known.
func (d *Discovery) republish(id string) (bool, error) {
	d.publishMtx.Lock()
	defer d.publishMtx.Unlock()

	d.mtx.Lock()
	state, ok := d.last[id]
	d.mtx.Unlock()

	if !ok {
		return false, nil
	}
	return true, d.publish(state)
}

// HandleBirth republishes everything when Home Assistant comes online.
func (d *Discovery) HandleBirth(_ string, payload []byte) error {
	if string(payload) != mqtt.PayloadOnline {
		return nil
	}
	return d.Republish(context.Background())
}

func (d *Discovery) sensorConfig(state sampler.State) sensorConfig {
	return sensorConfig{
		Name:                state.Name,
		UniqueID:            state.EntryID,
		StateTopic:          d.StateTopic(state.EntryID),
		JSONAttributesTopic: d.AttributesTopic(state.EntryID),
		Availability: []availability{
			{
				Topic:               mqtt.StatusTopic(d.cfg.NodeID),
				PayloadAvailable:    mqtt.PayloadOnline,
				PayloadNotAvailable: mqtt.PayloadOffline,
			},
			{
				Topic:               d.AvailabilityTopic(state.EntryID),
				PayloadAvailable:    payloadAvailable,
				PayloadNotAvailable: payloadNotAvailable,
			},
		},
		AvailabilityMode:  "all",
		UnitOfMeasurement: state.Unit,
		DeviceClass:       state.DeviceClass,
		Device: device{
			Identifiers:  []string{d.cfg.NodeID + "_" + state.EntryID},
			Name:         state.Name,
			Manufacturer: manufacturer,
			Model:        model,
			SWVersion:    d.cfg.Version,
		},
		Origin: origin{
			Name:      manufacturer,
			SWVersion: d.cfg.Version,
		},
	}
}

func statePayload(state sampler.State) string {
	if state.Value == nil {
		return StateNone
	}
	return *state.Value
}
