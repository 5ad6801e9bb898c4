// Package errors provides the coded error type used across the service and the
// reservation engine's error taxonomy.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code is a machine-readable error code.
type Code string

const (
	ErrCodeInternal               Code = "INTERNAL"
	ErrCodeInvalidInput           Code = "INVALID_INPUT"
	ErrCodeNotFound               Code = "NOT_FOUND"
	ErrCodeConflict               Code = "CONFLICT"
	ErrCodeUnavailable            Code = "UNAVAILABLE"
	ErrCodeInsufficientInventory  Code = "INSUFFICIENT_INVENTORY"
	ErrCodeConflictDetected       Code = "CONFLICT_DETECTED"
	ErrCodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	ErrCodeApprovalAlreadyDecided Code = "APPROVAL_ALREADY_DECIDED"
	ErrCodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
)

// Error is a coded error with optional details and a wrapped cause.
type Error struct {
	Code    Code
	Message string
	Fields  map[string]string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrorCode returns the machine-readable code.
func (e *Error) ErrorCode() Code { return e.Code }

// Details returns the structured fields attached to the error.
func (e *Error) Details() map[string]any {
	if len(e.Fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		out[k] = v
	}
	return out
}

// Is matches two coded errors by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
		Fields:  map[string]string{"resource": resource, "id": id},
	}
}

// InvalidInput reports a rejected request field.
func InvalidInput(field, message string) *Error {
	return &Error{
		Code:    ErrCodeInvalidInput,
		Message: fmt.Sprintf("invalid %s: %s", field, message),
		Fields:  map[string]string{"field": field},
	}
}

type coded interface {
	ErrorCode() Code
}

type detailed interface {
	Details() map[string]any
}

// CodeOf returns the code carried by err, or ErrCodeInternal when err carries none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var c coded
	if stderrors.As(err, &c) {
		return c.ErrorCode()
	}
	return ErrCodeInternal
}

// DetailsOf returns the structured details carried by err, if any.
func DetailsOf(err error) map[string]any {
	var d detailed
	if stderrors.As(err, &d) {
		return d.Details()
	}
	return nil
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// Is and As forward to the standard library so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
