package discovery

const (
	manufacturer = "hass-sampler"
	model        = "Sampler"

	// StateNone is read by Home Assistant MQTT sensors as an unknown value.
	StateNone = "None"

	payloadAvailable    = "online"
	payloadNotAvailable = "offline"
)

type availability struct {
	Topic               string `json:"topic"`
	PayloadAvailable    string `json:"payload_available"`
	PayloadNotAvailable string `json:"payload_not_available"`
}

type device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

type origin struct {
	Name      string `json:"name"`
	SWVersion string `json:"sw_version,omitempty"`
}

// sensorConfig is the retained discovery config of one sampled sensor.
type sensorConfig struct {
	Name                string         `json:"name"`
	UniqueID            string         `json:"unique_id"`
	StateTopic          string         `json:"state_topic"`
	JSONAttributesTopic string         `json:"json_attributes_topic"`
	Availability        []availability `json:"availability"`
	AvailabilityMode    string         `json:"availability_mode"`
	UnitOfMeasurement   string         `json:"unit_of_measurement,omitempty"`
	DeviceClass         string         `json:"device_class,omitempty"`
	Device              device         `json:"device"`
	Origin              origin         `json:"origin"`
}
