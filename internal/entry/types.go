package entry

import "time"

// Entry is a configured sampler. Its title is the display name of the sampled sensor.
type Entry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Options   Options   `json:"options"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Options are the stored settings of an entry. EntityID holds the reference picked in
// the config form, either an entity ID or an entity registry ID.
type Options struct {
	EntityID string `json:"entity_id"`
	Period   int    `json:"period"`
}

// Sampling period bounds in seconds.
const (
	MinPeriod = 1
	MaxPeriod = 365 * 24 * 60 * 60
)

// PeriodDuration returns the sampling period.
func (o Options) PeriodDuration() time.Duration {
	return time.Duration(o.Period) * time.Second
}

// CreateInput is the submitted config form.
type CreateInput struct {
	Name     string `json:"name"`
	EntityID string `json:"entity_id"`
	Period   int    `json:"period"`
}

// OptionsInput is the submitted options form. Only the period is editable.
type OptionsInput struct {
	Period int `json:"period"`
}
