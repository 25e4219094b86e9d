package entry

import "github.com/jkaflik/hass-sampler/hass"

// Form field keys.
const (
	FieldName     = "name"
	FieldEntityID = "entity_id"
	FieldPeriod   = "period"
)

// Field types rendered by a form.
const (
	FieldTypeText            = "text"
	FieldTypeEntity          = "entity"
	FieldTypePositiveInteger = "positive_int"
)

// Field describes one input of a form.
type Field struct {
	Key      string `json:"key"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Domain   string `json:"domain,omitempty"`
	Min      *int   `json:"min,omitempty"`
	Max      *int   `json:"max,omitempty"`
}

// Schema is an ordered list of form fields.
type Schema struct {
	Step   string  `json:"step"`
	Fields []Field `json:"fields"`
}

func periodField() Field {
	minPeriod, maxPeriod := MinPeriod, MaxPeriod
	return Field{Key: FieldPeriod, Type: FieldTypePositiveInteger, Required: true, Min: &minPeriod, Max: &maxPeriod}
}

// ConfigSchema is the form shown when creating an entry.
func ConfigSchema() Schema {
	return Schema{
		Step: "user",
		Fields: []Field{
			{Key: FieldName, Type: FieldTypeText, Required: true},
			{Key: FieldEntityID, Type: FieldTypeEntity, Required: true, Domain: hass.EntitySensor},
			periodField(),
		},
	}
}

// OptionsSchema is the form shown when editing an entry.
func OptionsSchema() Schema {
	return Schema{
		Step:   "init",
		Fields: []Field{periodField()},
	}
}
