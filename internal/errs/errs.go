// Package errs defines the error taxonomy shared by the broker engine and its
// tool surface. Every error crossing a component boundary carries a Code so
// handlers can render a stable "[CODE] message" envelope without inspecting
// error strings.
package errs

import (
	"errors"
	"fmt"
)

// Code classifies an error for external consumers.
type Code string

const (
	CodeValidation Code = "VALIDATION"
	CodeNotFound   Code = "NOT_FOUND"
	CodeConflict   Code = "CONFLICT"
	CodePermission Code = "PERMISSION"
	CodeTimeout    Code = "TIMEOUT"
	CodeInternal   Code = "INTERNAL"
)

// Error is a coded error. The rendered form is "[CODE] message" so it can be
// passed through to tool responses verbatim.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a coded error with a formatted message.
func New(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, cause error, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Validation reports malformed or missing input.
func Validation(format string, args ...any) error {
	return New(CodeValidation, format, args...)
}

// NotFound reports a missing entity.
func NotFound(format string, args ...any) error {
	return New(CodeNotFound, format, args...)
}

// Conflict reports a state-machine violation, duplicate id, or reservation mismatch.
func Conflict(format string, args ...any) error {
	return New(CodeConflict, format, args...)
}

// Permission reports a rejected operation (failed prompt validation, eviction
// without a reason).
func Permission(format string, args ...any) error {
	return New(CodePermission, format, args...)
}

// Timeout reports a long-poll that expired without a result.
func Timeout(format string, args ...any) error {
	return New(CodeTimeout, format, args...)
}

// Internal wraps an unexpected persistence or invariant failure.
func Internal(cause error, format string, args ...any) error {
	return &Error{Code: CodeInternal, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the code from an error chain, defaulting to INTERNAL for
// errors that never passed through this package.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsNotFound reports whether the error chain carries NOT_FOUND.
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// IsConflict reports whether the error chain carries CONFLICT.
func IsConflict(err error) bool {
	return HasCode(err, CodeConflict)
}
