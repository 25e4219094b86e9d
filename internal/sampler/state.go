package sampler

import (
	"time"

	"github.com/jkaflik/hass-sampler/hass"
	"github.com/jkaflik/hass-sampler/internal/restore"
)

// AttributeLastSample holds the time of the most recent sample.
const AttributeLastSample = "last_sample"

// State is what a sampled sensor currently shows.
type State struct {
	EntryID        string     `json:"entry_id"`
	Name           string     `json:"name"`
	SourceEntityID string     `json:"source_entity_id"`
	Available      bool       `json:"available"`
	Value          *string    `json:"value"`
	Unit           string     `json:"unit_of_measurement,omitempty"`
	DeviceClass    string     `json:"device_class,omitempty"`
	LastSample     *time.Time `json:"last_sample,omitempty"`
}

// StateString renders the state the way Home Assistant stores it.
func (s State) StateString() string {
	switch {
	case !s.Available:
		return hass.UnavailableValue
	case s.Value == nil:
		return hass.UnknownValue
	default:
		return *s.Value
	}
}

// Attributes returns the extra state attributes.
func (s State) Attributes() map[string]string {
	if s.LastSample == nil {
		return map[string]string{}
	}
	return map[string]string{AttributeLastSample: s.LastSample.Format(time.RFC3339Nano)}
}

func (s State) stored(at time.Time) restore.StoredState {
	return restore.StoredState{
		State:             s.StateString(),
		UnitOfMeasurement: s.Unit,
		DeviceClass:       s.DeviceClass,
		LastUpdated:       at,
	}
}
