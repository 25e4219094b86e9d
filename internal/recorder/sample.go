// Package recorder keeps a history of samples in external time series stores.
package recorder

import (
	"strconv"
	"time"

	"github.com/jkaflik/hass-sampler/internal/sampler"
)

// Sample is one recorded sample, encoded as a ClickHouse JSONEachRow row.
type Sample struct {
	Timestamp      time.Time `json:"timestamp"`
	EntryID        string    `json:"entry_id"`
	Name           string    `json:"name"`
	SourceEntityID string    `json:"source_entity_id"`
	Available      bool      `json:"available"`
	Value          *string   `json:"value"`
	NumericValue   *float64  `json:"numeric_value"`
	Unit           string    `json:"unit_of_measurement"`
	DeviceClass    string    `json:"device_class"`
}

// newSample converts a sensor state. States without a sample time, such as the restored
// state written on startup, are not recorded.
func newSample(state sampler.State) (Sample, bool) {
	if state.LastSample == nil {
		return Sample{}, false
	}

	s := Sample{
		Timestamp:      state.LastSample.UTC(),
		EntryID:        state.EntryID,
		Name:           state.Name,
		SourceEntityID: state.SourceEntityID,
		Available:      state.Available,
		Value:          state.Value,
		Unit:           state.Unit,
		DeviceClass:    state.DeviceClass,
	}

	if state.Value != nil {
		if f, err := strconv.ParseFloat(*state.Value, 64); err == nil {
			s.NumericValue = &f
		}
	}

	return s, true
}
