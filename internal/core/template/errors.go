// Package template contains pure functions for resolving variable
// placeholders in topology templates. This is part of the Functional Core -
// all functions are pure with no I/O.
package template

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrInvalidTemplate is returned when the template is not valid YAML.
	ErrInvalidTemplate = errors.New("invalid template document")

	// ErrMissingVariable is returned when a placeholder has no binding.
	ErrMissingVariable = errors.New("missing variable binding")

	// ErrTypeMismatch is returned when a binding's type does not fit the
	// context the placeholder appears in.
	ErrTypeMismatch = errors.New("variable type mismatch")

	// ErrUnsupportedValue is returned when a bindings source carries a
	// value that is not a string, integer, or boolean scalar.
	ErrUnsupportedValue = errors.New("unsupported binding value")
)

// ResolveError wraps errors with context about which placeholder failed.
type ResolveError struct {
	Name    string // Variable name, e.g. "image_tag"
	Message string
	Err     error
}

func (e *ResolveError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// NewResolveError creates a new ResolveError.
func NewResolveError(name, message string, err error) *ResolveError {
	return &ResolveError{
		Name:    name,
		Message: message,
		Err:     err,
	}
}
