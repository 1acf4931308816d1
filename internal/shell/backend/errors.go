package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrConnectionFailed is returned when the backend is unreachable.
	ErrConnectionFailed = errors.New("backend connection failed")

	// ErrServiceNotFound is returned when a named service has no replicas.
	ErrServiceNotFound = errors.New("service not found")

	// ErrHealthTimeout is returned when a service does not become healthy
	// within the wait deadline.
	ErrHealthTimeout = errors.New("timed out waiting for service to become healthy")

	// ErrUnhealthy is returned when a replica reports an unhealthy status.
	ErrUnhealthy = errors.New("service replica is unhealthy")
)

// Error wraps a backend failure with its operation context and a
// transient/permanent classification. Transient errors are retried by the
// Executor; permanent ones require spec or operator intervention.
type Error struct {
	Op        string // Operation that failed, e.g. "CreateService"
	Service   string
	Message   string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Service, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new backend Error.
func NewError(op, service, message string, transient bool, err error) *Error {
	return &Error{
		Op:        op,
		Service:   service,
		Message:   message,
		Transient: transient,
		Err:       err,
	}
}

// IsTransient reports whether the error is a retryable backend failure.
func IsTransient(err error) bool {
	var berr *Error
	if errors.As(err, &berr) {
		return berr.Transient
	}
	return false
}

// transientMessage classifies a raw backend error message as transient.
// Connection problems, timeouts, and daemon-side 5xx failures are worth
// retrying; validation rejections and conflicts are not.
func transientMessage(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"timed out",
		"temporarily unavailable",
		"service unavailable",
		"too many requests",
		"internal server error",
		"500 internal",
		"eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
