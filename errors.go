package ixmp

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// Not-found errors: the named thing does not exist in the engine
	ErrNotFound      = errors.New("not found")
	ErrRunNotFound   = errors.New("run not found")
	ErrItemNotFound  = errors.New("item not found")
	ErrAlreadyExists = errors.New("already exists")

	// Precondition errors: the session is in the wrong state for the call
	ErrCheckoutRequired = errors.New("session must be checked out first")
	ErrCheckedOut       = errors.New("session is checked out by another handle")
	ErrNotCheckedOut    = errors.New("session is not checked out")
	ErrSolutionExists   = errors.New("session contains a model solution; remove it or clone without it")

	// Validation errors: malformed input, rejected before any engine call
	ErrInvalidData   = errors.New("invalid data")
	ErrInvalidConfig = errors.New("invalid configuration")

	// Engine errors: the underlying storage or connection failed
	ErrBackendUnavailable = errors.New("backend unavailable")

	// Unsupported: this engine does not implement the operation/combination
	ErrUnsupported = errors.New("operation not supported by this backend")

	// Lifecycle errors
	ErrPlatformGone   = errors.New("owning platform no longer exists")
	ErrPlatformClosed = errors.New("platform is closed")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// Common error checking helpers

// IsNotFound checks if an error reports missing data rather than a malformed request
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrItemNotFound)
}

// IsPrecondition checks if an error reports a session-state violation
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrCheckoutRequired) ||
		errors.Is(err, ErrCheckedOut) ||
		errors.Is(err, ErrNotCheckedOut) ||
		errors.Is(err, ErrSolutionExists)
}

// IsValidation checks if an error reports malformed input
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidData) || errors.Is(err, ErrInvalidConfig)
}

// IsUnsupported distinguishes "engine too limited" from "data missing"
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// IsDetached checks if an error means the owning platform is gone or closed
func IsDetached(err error) bool {
	return errors.Is(err, ErrPlatformGone) || errors.Is(err, ErrPlatformClosed)
}
