// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrComputation = errors.New("computation error")
	ErrUnavailable = errors.New("service unavailable")
	ErrInternal    = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "prompt", "transaction_key")
	Resource string // For not found errors (e.g., "job")
	Op       string // Operation that failed (e.g., "worker.compute")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Computation wraps a failure raised by a generation backend. These are
// recorded on the job and observed by polling, never returned to a submitter.
func Computation(op string, cause error) error {
	msg := "computation failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Sentinel: ErrComputation,
		Message:  msg,
		Op:       op,
		Cause:    cause,
	}
}

// Unavailable reports that the service cannot accept work right now.
func Unavailable(reason string) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  reason,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
