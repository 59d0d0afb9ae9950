// Package errors defines the typed errors surfaced by the session state store.
//
// Routine outcomes such as lock contention or a lost lock are not errors; they are
// reported through status values by the store packages. The types here cover the
// faults that abort an acquire or release.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrInvalidArgument is returned when an invalid argument is provided
	ErrInvalidArgument = "invalid_argument"

	// ErrIDTooLong is returned when a session id exceeds the configured maximum length
	ErrIDTooLong = "id_too_long"

	// ErrRecordTooLarge is returned when an encoded record exceeds what a backend can hold
	ErrRecordTooLarge = "record_too_large"

	// ErrBackendConnection is returned when a remote or relational backend cannot be reached
	ErrBackendConnection = "backend_connection"

	// ErrStateUnavailable is returned to callers when session state could not be acquired or released
	ErrStateUnavailable = "state_unavailable"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Phase identifies how far a backend connection attempt progressed before it failed.
type Phase string

// Connection phases.
const (
	PhaseInitializing Phase = "initializing"
	PhaseConnecting   Phase = "connecting"
	PhaseSending      Phase = "sending"
	PhaseReading      Phase = "reading"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// ConnectionError is a backend connection failure. Phase is set by the remote
// backend; Transient is set by backends that classify faults as retryable.
type ConnectionError struct {
	Message   string
	Cause     error
	Partition string
	Phase     Phase
	Transient bool
}

// Error returns the error message including the phase, when known.
func (e *ConnectionError) Error() string {
	msg := e.Message
	if e.Partition != "" {
		msg = fmt.Sprintf("%s (partition %s)", msg, e.Partition)
	}
	if e.Phase != "" {
		msg = fmt.Sprintf("%s during %s", msg, e.Phase)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", ErrBackendConnection, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", ErrBackendConnection, msg)
}

// Unwrap returns the underlying error
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewIDTooLongError creates a new id too long error
func NewIDTooLongError(id string, limit int) *Error {
	return NewError(ErrIDTooLong, fmt.Sprintf("session id of length %d exceeds limit %d", len(id), limit), nil)
}

// NewRecordTooLargeError creates a new record too large error
func NewRecordTooLargeError(message string, cause error) *Error {
	return NewError(ErrRecordTooLarge, message, cause)
}

// NewStateUnavailableError creates a new state unavailable error
func NewStateUnavailableError(message string, cause error) *Error {
	return NewError(ErrStateUnavailable, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// NewConnectionError creates a new backend connection error for the given partition and phase.
func NewConnectionError(partition string, phase Phase, message string, cause error) *ConnectionError {
	return &ConnectionError{
		Message:   message,
		Cause:     cause,
		Partition: partition,
		Phase:     phase,
	}
}

// NewTransientConnectionError creates a backend connection error that may be retried.
func NewTransientConnectionError(partition, message string, cause error) *ConnectionError {
	e := NewConnectionError(partition, "", message, cause)
	e.Transient = true
	return e
}

// typeOf returns the type of the outermost typed error in err's chain.
func typeOf(err error) (string, bool) {
	for ; err != nil; err = errors.Unwrap(err) {
		switch e := err.(type) {
		case *Error:
			return e.Type, true
		case *ConnectionError:
			return ErrBackendConnection, true
		}
	}
	return "", false
}

// IsInvalidArgument checks if the error is an invalid argument error
func IsInvalidArgument(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrInvalidArgument
}

// IsIDTooLong checks if the error is an id too long error
func IsIDTooLong(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrIDTooLong
}

// IsRecordTooLarge checks if the error is a record too large error
func IsRecordTooLarge(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrRecordTooLarge
}

// IsStateUnavailable checks if the error is a state unavailable error
func IsStateUnavailable(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrStateUnavailable
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrInternal
}

// IsBackendConnection checks if the error is a backend connection error
func IsBackendConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsTransient checks if the error is a backend connection error classified as retryable
func IsTransient(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Transient
}

// PhaseOf returns the connection phase recorded in err, if any.
func PhaseOf(err error) (Phase, bool) {
	var ce *ConnectionError
	if errors.As(err, &ce) && ce.Phase != "" {
		return ce.Phase, true
	}
	return "", false
}
