package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Core error codes
const (
	ErrValidation    ErrorCode = "VALIDATION"
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrIntegrity     ErrorCode = "INTEGRITY"
	ErrTransient     ErrorCode = "TRANSIENT"
	ErrTimeout       ErrorCode = "TIMEOUT"
	ErrEvaluator     ErrorCode = "EVALUATOR"
	ErrInternal      ErrorCode = "INTERNAL_ERROR"
	ErrSerialization ErrorCode = "SERIALIZATION"
)

// Handoff error codes
const (
	ErrCompressionFailed  ErrorCode = "COMPRESSION_FAILED"
	ErrPreservationFailed ErrorCode = "PRESERVATION_FAILED"
	ErrRollbackFailed     ErrorCode = "ROLLBACK_FAILED"
	ErrHandoffExhausted   ErrorCode = "HANDOFF_EXHAUSTED"
	ErrCallerMismatch     ErrorCode = "CALLER_MISMATCH"
)

// Session error codes
const (
	ErrSessionFull        ErrorCode = "SESSION_FULL"
	ErrSessionClosed      ErrorCode = "SESSION_CLOSED"
	ErrBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Resource  string    `json:"resource,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource: %s)", msg, e.Resource)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithResource attaches the id of the resource the error refers to.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// CodeOf extracts the ErrorCode from err, or ErrInternal if err is not a *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return IsCode(err, ErrNotFound) }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return IsCode(err, ErrValidation) }

// IsIntegrity reports whether err is a checksum/integrity error.
func IsIntegrity(err error) bool { return IsCode(err, ErrIntegrity) }

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
