package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the runner and its API.
type ErrorCode string

// Request error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrInvalidFlow    ErrorCode = "INVALID_FLOW"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Runner error codes
const (
	ErrRunnerAlreadyClaimed ErrorCode = "RUNNER_ALREADY_CLAIMED"
	ErrRunnerNotClaimed     ErrorCode = "RUNNER_NOT_CLAIMED"
	ErrThreadNotFound       ErrorCode = "THREAD_NOT_FOUND"
	ErrPoolExhausted        ErrorCode = "POOL_EXHAUSTED"
)

var defaultStatus = map[ErrorCode]int{
	ErrInvalidRequest:       http.StatusBadRequest,
	ErrInvalidFlow:          http.StatusUnprocessableEntity,
	ErrUnauthorized:         http.StatusUnauthorized,
	ErrRateLimited:          http.StatusTooManyRequests,
	ErrTimeout:              http.StatusGatewayTimeout,
	ErrInternalError:        http.StatusInternalServerError,
	ErrRunnerAlreadyClaimed: http.StatusConflict,
	ErrRunnerNotClaimed:     http.StatusConflict,
	ErrThreadNotFound:       http.StatusNotFound,
	ErrPoolExhausted:        http.StatusServiceUnavailable,
}

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
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

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// ErrorName is used by the cross-boundary codec.
func (e *Error) ErrorName() string { return string(e.Code) }

// NewError creates a new Error with the given code and message. The HTTP
// status defaults to the one registered for the code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: defaultStatus[code]}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// HTTPStatusOf returns the status for err, 500 when it carries none.
func HTTPStatusOf(err error) int {
	if e, ok := AsError(err); ok && e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}
