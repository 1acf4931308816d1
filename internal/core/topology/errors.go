// Package topology contains pure functions for building a validated
// topology model from a concrete document. This is part of the Functional
// Core - all functions are pure with no I/O.
package topology

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Input validation errors
	ErrEmptyInput  = errors.New("topology document is empty")
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// Structure errors
	ErrNoServices    = errors.New("topology must define at least one service")
	ErrDuplicateName = errors.New("duplicate name within category")

	// Cross-reference errors
	ErrUnknownVolume  = errors.New("service references undeclared volume")
	ErrUnknownNetwork = errors.New("service references undeclared network")

	// Service validation errors
	ErrServiceNoImage      = errors.New("service must have an image")
	ErrInvalidPort         = errors.New("invalid port configuration")
	ErrPortConflict        = errors.New("host port claimed by multiple services")
	ErrInvalidReplicas     = errors.New("replica count must be at least 1")
	ErrReplicaPortConflict = errors.New("replicated service cannot publish a host port")

	// Volume validation errors
	ErrInvalidVolumeSource = errors.New("bind volume source must be an absolute path")

	// Network validation errors
	ErrAmbiguousDefaultNetwork = errors.New("topology must have exactly one default network")

	// Unsupported feature errors
	ErrUnsupportedFeature = errors.New("unsupported topology feature")
)

// BuildError wraps errors with context about where validation failed.
type BuildError struct {
	Field   string // e.g. "services.web.ports[0]"
	Message string
	Err     error
}

func (e *BuildError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// NewBuildError creates a new BuildError.
func NewBuildError(field, message string, err error) *BuildError {
	return &BuildError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
