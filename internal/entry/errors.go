package entry

import "errors"

// Errors returned by the config and options flows. Use errors.Is to check them.
var (
	ErrNotFound       = errors.New("entry: not found")
	ErrInvalidName    = errors.New("entry: name is required")
	ErrInvalidEntity  = errors.New("entry: entity_id is required")
	ErrInvalidPeriod  = errors.New("entry: period must be between 1 second and 365 days")
	ErrEntityNotFound = errors.New("entry: entity does not exist")
	ErrNotSensor      = errors.New("entry: entity is not a sensor")
)
