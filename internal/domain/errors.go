package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedOperation is returned when a payload operation has no canonical kind.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrMalformedRule is returned when a rule record cannot be parsed.
	ErrMalformedRule = errors.New("malformed rule")

	// ErrConfiguration is returned when a rule carries a value outside its enum.
	// It means no decision can be rendered, which is distinct from a deny.
	ErrConfiguration = errors.New("invalid policy configuration")

	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// UnsupportedOperationError names the operation that could not be mapped.
type UnsupportedOperationError struct {
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("unsupported operation %q", e.Operation)
}

func (e *UnsupportedOperationError) Unwrap() error { return ErrUnsupportedOperation }

// ConfigError reports an unsupported enum value found while evaluating a rule.
type ConfigError struct {
	Field string
	Value string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("unsupported %s %q", e.Field, e.Value)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// ParseError reports a rule record field that could not be mapped.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("rule field %s: %s", e.Field, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrMalformedRule }
