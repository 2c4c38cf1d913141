package errors

import (
	stderrors "errors"

	"google.golang.org/grpc/status"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Class    Class             // How callers must react
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs/telemetry)
	Metadata map[string]string // Additional context
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Retryable reports whether the dispatcher should requeue this error.
func (e *Error) Retryable() bool {
	return e.Class.Retryable()
}

// GRPCStatus lets grpc/status recover a classified status from this error.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Class.GRPCCode(), e.Error())
}

// New creates a classified domain error.
func New(class Class, code Code, message string) *Error {
	return &Error{Class: class, Code: code, Message: message}
}

// Wrap creates a classified domain error that wraps an underlying cause.
func Wrap(class Class, code Code, message string, cause error) *Error {
	return &Error{Class: class, Code: code, Message: message, Cause: cause}
}

// WithMetadata attaches key/value context and returns the same error.
func (e *Error) WithMetadata(key, value string) *Error {
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	e.Metadata[key] = value
	return e
}

// Validation creates a ValidationFailure error.
func Validation(code Code, message string) *Error {
	return New(ClassValidation, code, message)
}

// Conflict creates a Conflict error.
func Conflict(code Code, message string) *Error {
	return New(ClassConflict, code, message)
}

// NotFound creates a NotFound error.
func NotFound(code Code, message string) *Error {
	return New(ClassNotFound, code, message)
}

// Invariant creates an InvariantViolation error.
func Invariant(code Code, message string) *Error {
	return New(ClassInvariant, code, message)
}

// Transient wraps an infrastructure failure as retryable.
func Transient(message string, cause error) *Error {
	return Wrap(ClassTransient, CodeUnavailable, message, cause)
}

// As extracts a classified error from err.
func As(err error) (*Error, bool) {
	var target *Error
	if stderrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// ClassOf returns the class of err. Unclassified errors, including context
// deadlines, are treated as transient infrastructure failures.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	if domainErr, ok := As(err); ok {
		return domainErr.Class
	}
	return ClassTransient
}

// CodeOf returns the code of err, or CodeUnknown for unclassified errors.
func CodeOf(err error) Code {
	if domainErr, ok := As(err); ok {
		return domainErr.Code
	}
	if err == nil {
		return ""
	}
	return CodeUnknown
}
