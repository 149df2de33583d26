package kagami

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine errors so callers can decide whether an
// operation is worth retrying.
type ErrorCode string

const (
	// ErrCodeValidation indicates malformed input (bad tx hash, bad agent
	// identifier, hop depth out of bounds). Never retryable; nothing was
	// mutated.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeVerification indicates a transient failure talking to the
	// external payment verifier for a single item.
	ErrCodeVerification ErrorCode = "VERIFICATION"

	// ErrCodePersistence indicates the backing store was unavailable or
	// rejected a write for operational reasons.
	ErrCodePersistence ErrorCode = "PERSISTENCE"

	// ErrCodeConflict indicates two concurrent forwards raced for the same
	// hop number on the same root transaction. Retryable with a freshly
	// assigned hop number.
	ErrCodeConflict ErrorCode = "CONFLICT"
)

// Error is the engine's error type. It carries a code for classification
// and optionally wraps an underlying cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the caller may reasonably retry the operation.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrCodeVerification, ErrCodePersistence, ErrCodeConflict:
		return true
	default:
		return false
	}
}

// NewValidationError creates a non-retryable input validation error.
func NewValidationError(format string, args ...interface{}) *Error {
	return &Error{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewVerificationError creates a transient verifier error.
func NewVerificationError(message string, cause error) *Error {
	return &Error{Code: ErrCodeVerification, Message: message, Cause: cause}
}

// NewPersistenceError creates a store-unavailable error.
func NewPersistenceError(message string, cause error) *Error {
	return &Error{Code: ErrCodePersistence, Message: message, Cause: cause}
}

// NewConflictError creates a hop-sequence race error.
func NewConflictError(message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message}
}

// CodeOf extracts the ErrorCode from err, or "" if err is not an engine error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

// IsConflict reports whether err is a hop-sequence conflict.
func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeConflict
}

// IsRetryable reports whether err may be retried by the caller.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
