package config

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingRequiredField indicates a required setting is absent.
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidValue indicates a setting has an invalid value.
	ErrInvalidValue = errors.New("invalid field value")
)

// ConfigError wraps a startup configuration failure with the setting that
// caused it. All configuration errors are fatal: the process must not start
// with a partial or ambiguous configuration.
type ConfigError struct {
	Setting string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %v", e.Setting, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func missingField(setting string) error {
	return &ConfigError{Setting: setting, Err: ErrMissingRequiredField}
}

func invalidValue(setting string, detail string) error {
	return &ConfigError{Setting: setting, Err: fmt.Errorf("%w: %s", ErrInvalidValue, detail)}
}
