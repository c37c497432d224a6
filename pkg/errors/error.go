// Package errors provides structured error handling with typed error codes.
//
// Error codes are organized into categories:
//   - General errors (1-99): Unknown and general errors
//   - Validation errors (100-199): Rejected bar payloads, one code per check
//   - Transport errors (700-799): Stream connection, heartbeat and write failures
//   - Polling errors (800-899): Alternate transport fetch failures
//   - Configuration errors (900-999): Loading and validating configuration
//
// Usage:
//
//	// Create a new error
//	err := errors.New(errors.ErrCodeMissingSymbol, "symbol is required")
//
//	// Create an error tied to one payload field
//	err := errors.NewField(errors.ErrCodeNonNumericField, "high", "value %q is not numeric", raw)
//
//	// Wrap an existing error
//	err := errors.Wrap(errors.ErrCodeFetchFailed, "failed to fetch klines", originalErr)
//
//	// Check error code
//	if errors.HasCode(err, errors.ErrCodePingTimeout) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Error represents a structured error with an error code and message.
type Error struct {
	Code ErrorCode
	// Field names the payload field that failed validation, if any.
	Field   string
	Message string
	Cause   error
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Field:   "",
		Message: message,
		Cause:   nil,
	}
}

// Newf creates a new Error with the given code and formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Field:   "",
		Message: fmt.Sprintf(format, args...),
		Cause:   nil,
	}
}

// NewField creates a new Error for a specific payload field.
func NewField(code ErrorCode, field string, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
		Cause:   nil,
	}
}

// Wrap wraps an existing error with a new Error containing the given code and message.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Field:   "",
		Message: message,
		Cause:   cause,
	}
}

// Wrapf wraps an existing error with a new Error containing the given code and formatted message.
func Wrapf(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Field:   "",
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}

	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, msg, e.Cause)
	}

	return fmt.Sprintf("[%d] %s", e.Code, msg)
}

// Unwrap returns the underlying error cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around the standard errors.Is function.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around the standard errors.As function.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// GetCode extracts the ErrorCode from an error if it's an *Error type.
// Returns ErrCodeUnknown if the error is not an *Error type.
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return ErrCodeUnknown
}

// GetField extracts the offending field name from an error if it's an *Error type.
func GetField(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}

	return ""
}

// HasCode checks if an error has a specific ErrorCode.
func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// IsValidationError reports whether err carries a validation error code.
func IsValidationError(err error) bool {
	return GetCode(err).IsValidation()
}
