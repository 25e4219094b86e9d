package hass

import "strings"

const (
	EntitySensor       = "sensor"
	EntityBinarySensor = "binary_sensor"
	EntityNumber       = "number"
	EntityInputNumber  = "input_number"
	EntityCounter      = "counter"
)

const (
	UnknownValue     = "unknown"
	UnavailableValue = "unavailable"
)

const (
	AttributeUnitOfMeasurement = "unit_of_measurement"
	AttributeDeviceClass       = "device_class"
	AttributeFriendlyName      = "friendly_name"
)

// SplitEntityID splits an entity ID into its domain and object ID.
func SplitEntityID(entityID string) (domain, objectID string) {
	domain, objectID, _ = strings.Cut(entityID, ".")
	return domain, objectID
}

// Domain returns the domain part of an entity ID.
func Domain(entityID string) string {
	domain, _ := SplitEntityID(entityID)
	return domain
}

// ValidEntityID reports whether entityID has the domain.object_id shape Home Assistant accepts.
// The domain must not contain a double underscore and neither part may start or end with one.
func ValidEntityID(entityID string) bool {
	domain, objectID, ok := strings.Cut(entityID, ".")
	if !ok {
		return false
	}

	if strings.Contains(domain, "__") {
		return false
	}

	return validSlugPart(domain) && validSlugPart(objectID)
}

func validSlugPart(s string) bool {
	if s == "" || s[0] == '_' || s[len(s)-1] == '_' {
		return false
	}

	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}

	return true
}
