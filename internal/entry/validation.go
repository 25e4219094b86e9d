package entry

import (
	"errors"
	"strings"
)

// ValidateCreate checks the config form. All field errors are reported together.
func ValidateCreate(in CreateInput) error {
	var errs []error

	if strings.TrimSpace(in.Name) == "" {
		errs = append(errs, ErrInvalidName)
	}
	if strings.TrimSpace(in.EntityID) == "" {
		errs = append(errs, ErrInvalidEntity)
	}
	if err := validatePeriod(in.Period); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ValidateOptions checks the options form.
func ValidateOptions(in OptionsInput) error {
	return validatePeriod(in.Period)
}

func validatePeriod(period int) error {
	if period < MinPeriod || period > MaxPeriod {
		return ErrInvalidPeriod
	}
	return nil
}
