package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrUnauthorized
	ErrStaleTransition
	ErrInternal
)

// StaleTransitionError is returned when a respond or deadline-expiry attempt
// loses the at-most-once race on a flow. Committed carries the terminal status
// that won, so the losing side can reconcile instead of retrying blindly.
type StaleTransitionError struct {
	Committed string `json:"committed_status"`
}

func (e *StaleTransitionError) Error() string {
	return fmt.Sprintf("flow already %s", e.Committed)
}

// Error constructors
func NewNotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func NewBadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Message: message,
		Err:     err,
	}
}

func NewStaleTransition(committed string) *AppError {
	return &AppError{
		Code:    ErrStaleTransition,
		Message: "flow already responded",
		Err:     &StaleTransitionError{Committed: committed},
	}
}

func NewInternal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal server error",
		Err:     err,
	}
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

// IsNotFound reports whether err is an ErrNotFound AppError.
func IsNotFound(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == ErrNotFound
}

// AsStaleTransition extracts a StaleTransitionError if err carries one.
func AsStaleTransition(err error) (*StaleTransitionError, bool) {
	var stale *StaleTransitionError
	if errors.As(err, &stale) {
		return stale, true
	}
	return nil, false
}
