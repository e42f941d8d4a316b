package errors

import (
	"errors"
	"fmt"
)

// Error is the structured error type for docfold.
// It provides rich context for error handling, logging, and retry decisions.
type Error struct {
	// Code is the unique error code (e.g., "ERR_301_NETWORK_TIMEOUT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the retry category (NETWORK, TIMEOUT, RATE_LIMIT, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with Error.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given code and message.
// Category and severity are derived from the code.
func New(code string, message string, cause error) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Category: categoryFromCode(code),
		Severity: severityFromCode(code),
		Cause:    cause,
	}
}

// Wrap creates an Error from an existing error.
// The error's message becomes the Error message. Returns nil for nil input.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *Error {
	return New(ErrCodeInvalidInput, message, cause)
}

// NotFoundError creates a missing-resource error.
func NotFoundError(message string, cause error) *Error {
	return New(ErrCodeNotFound, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *Error {
	return New(ErrCodeInternal, message, cause)
}

// GetCode extracts the error code from an Error anywhere in the chain.
// Returns empty string if no Error is found.
func GetCode(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// As is a convenience re-export of the standard errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is a convenience re-export of the standard errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
