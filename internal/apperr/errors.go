// ABOUTME: Error taxonomy shared by the orchestration engine and its collaborators
// ABOUTME: Classifies external failures as transient or permanent and marks persistence failures

package apperr

import (
	"errors"
	"fmt"
)

// Classification sentinels. Match with errors.Is.
var (
	// ErrTransient marks a failure expected to succeed on retry (timeout, network, 5xx).
	ErrTransient = errors.New("transient external error")

	// ErrPermanent marks a failure that must not be retried (4xx).
	ErrPermanent = errors.New("permanent external error")

	// ErrPersistence marks a storage failure. Always fatal for a turn.
	ErrPersistence = errors.New("persistence error")
)

// ExternalError describes a failed call to a remote dependency (LLM provider, workflow platform).
type ExternalError struct {
	Service    string // "llm", "workflow:email_search", ...
	StatusCode int    // 0 when no HTTP response was received
	Transient  bool
	Err        error
}

func (e *ExternalError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s failure (status %d): %v", e.Service, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Service, kind, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

// Is lets errors.Is match the classification sentinels.
func (e *ExternalError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Transient
	case ErrPermanent:
		return !e.Transient
	}
	return false
}

// Transient wraps err as a retryable external failure.
func Transient(service string, statusCode int, err error) *ExternalError {
	return &ExternalError{Service: service, StatusCode: statusCode, Transient: true, Err: err}
}

// Permanent wraps err as a non-retryable external failure.
func Permanent(service string, statusCode int, err error) *ExternalError {
	return &ExternalError{Service: service, StatusCode: statusCode, Transient: false, Err: err}
}

// FromStatus classifies an HTTP status code: 5xx is transient, everything else permanent.
func FromStatus(service string, statusCode int, err error) *ExternalError {
	if IsTransientStatus(statusCode) {
		return Transient(service, statusCode, err)
	}
	return Permanent(service, statusCode, err)
}

// IsTransientStatus reports whether an HTTP status should be retried.
func IsTransientStatus(statusCode int) bool {
	return statusCode >= 500
}

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// PersistenceError wraps a storage failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Persistence wraps err as a PersistenceError. Returns nil for a nil err.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
