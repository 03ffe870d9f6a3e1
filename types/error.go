package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across npcflow.
type ErrorCode string

// Backend error codes
const (
	ErrBackendTimeout     ErrorCode = "BACKEND_TIMEOUT"
	ErrBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	ErrBackendError       ErrorCode = "BACKEND_ERROR"
	ErrModelNotFound      ErrorCode = "MODEL_NOT_FOUND"
)

// Routing error codes
const (
	ErrChainExhausted ErrorCode = "CHAIN_EXHAUSTED"
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
)

// Dialogue error codes. Stale and superseded results are expected outcomes
// of conversation switching, not faults; they are logged and discarded.
const (
	ErrStaleResult    ErrorCode = "STALE_RESULT"
	ErrSuperseded     ErrorCode = "SUPERSEDED"
	ErrRequestPending ErrorCode = "REQUEST_PENDING"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Model      string    `json:"model,omitempty"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
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

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithModel sets the model the error originated from.
func (e *Error) WithModel(model string) *Error {
	e.Model = model
	return e
}

// WithHTTPStatus sets the upstream HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// AsError extracts a *Error from err's chain, or nil.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsRetryable checks if an error is marked retryable.
func IsRetryable(err error) bool {
	if e := AsError(err); e != nil {
		return e.Retryable
	}
	return false
}

// IsErrorCode checks whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	if e := AsError(err); e != nil {
		return e.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e := AsError(err); e != nil {
		return e.Code
	}
	return ""
}

// NewBackendTimeoutError builds a retryable timeout error for a model attempt.
func NewBackendTimeoutError(model string, cause error) *Error {
	return NewError(ErrBackendTimeout, "backend call timed out").
		WithModel(model).
		WithRetryable(true).
		WithCause(cause)
}

// NewBackendUnavailableError builds a retryable connection-level error.
func NewBackendUnavailableError(model string, cause error) *Error {
	return NewError(ErrBackendUnavailable, "backend unavailable").
		WithModel(model).
		WithRetryable(true).
		WithCause(cause)
}

// NewChainExhaustedError builds the terminal routing error, carrying the
// last underlying cause observed on the fallback chain.
func NewChainExhaustedError(taskType string, cause error) *Error {
	return NewError(ErrChainExhausted, fmt.Sprintf("all models exhausted for task %q", taskType)).
		WithCause(cause)
}
