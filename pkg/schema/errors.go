package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeUpdateFailed      = "UPDATE_FAILED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeInterruptFailed   = "INTERRUPT_FAILED"
	ErrCodeExecution         = "EXECUTION_ERROR"
)

// Error is the structured error type returned across nodeflow packages.
type Error struct {
	Code            string         `json:"code"`
	Message         string         `json:"message"`
	Details         map[string]any `json:"details,omitempty"`
	NodeExecutionID string         `json:"node_execution_id,omitempty"`
	Cause           error          `json:"-"`
}

func (e *Error) Error() string {
	if e.NodeExecutionID != "" {
		return fmt.Sprintf("[%s] node execution %s: %s", e.Code, e.NodeExecutionID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the operation that produced the error may be
// attempted again. Missing entities and validation failures are permanent;
// store and update failures are transient.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeStore, ErrCodeUpdateFailed, ErrCodeConflict, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node execution ID to the error.
func (e *Error) WithNode(nodeExecutionID string) *Error {
	e.NodeExecutionID = nodeExecutionID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// HasCode reports whether err (or anything it wraps) is an *Error with the given code.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNotFound reports whether err signals a missing entity.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}
