package config

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/go-playground/validator.v9"
)

// ValidationError reports a malformed or missing configuration field.
type ValidationError struct {
	Address string
	Field   string
	Err     error
}

func newValidationError(address string, err error) *ValidationError {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return &ValidationError{Address: address, Err: err}
	}

	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = fmt.Sprintf("%s(%s)", f.Field(), f.Tag())
	}
	return &ValidationError{
		Address: address,
		Field:   fields[0].Field(),
		Err:     fmt.Errorf("invalid %s", strings.Join(names, ", ")),
	}
}

func (e *ValidationError) Error() string {
	msg := "invalid configuration"
	if e.Address != "" {
		msg = fmt.Sprintf("%s for device %s", msg, e.Address)
	}
	if e.Field != "" {
		msg = fmt.Sprintf("%s, field %s", msg, e.Field)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
