// Package errors defines the classified error taxonomy of the theme engine.
// Every failure surfaced by a component carries a stable code, a class that
// decides retryability, and the operation that produced it.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// ErrorClass represents the classification of an error
type ErrorClass int

const (
	// ClassUnknown indicates an unclassified error
	ClassUnknown ErrorClass = iota
	// ClassTransient indicates a temporary error that may be retried
	ClassTransient
	// ClassPermanent indicates a permanent error that should not be retried
	ClassPermanent
	// ClassValidation indicates input or configuration validation failure
	ClassValidation
	// ClassConflict indicates a constraint conflict (duplicate key, monotonic guard)
	ClassConflict
	// ClassNotFound indicates a missing resource
	ClassNotFound
	// ClassTimeout indicates a deadline was exceeded
	ClassTimeout
	// ClassCancelled indicates the caller cancelled the operation
	ClassCancelled
)

// Stable error codes. These are the engine's public failure taxonomy.
const (
	CodeEmbeddingFailed      = "embedding_failed"
	CodeGenerationFailed     = "generation_failed"
	CodeExtractorParseFailed = "extractor_parse_failed"
	CodeIntegrityConflict    = "integrity_conflict"
	CodeStoreUnavailable     = "store_unavailable"
	CodeCancelled            = "cancelled"
	CodeConfigurationInvalid = "configuration_invalid"
	CodeInputInvalid         = "input_invalid"
)

// classForCode returns the default classification for a code.
func classForCode(code string) ErrorClass {
	switch code {
	case CodeEmbeddingFailed, CodeGenerationFailed, CodeStoreUnavailable:
		return ClassTransient
	case CodeExtractorParseFailed:
		return ClassPermanent
	case CodeIntegrityConflict:
		return ClassConflict
	case CodeCancelled:
		return ClassCancelled
	case CodeConfigurationInvalid, CodeInputInvalid:
		return ClassValidation
	default:
		return ClassUnknown
	}
}

// ClassifiedError is an error with a stable code and classification.
type ClassifiedError struct {
	Code    string
	Message string
	Class   ErrorClass
	Op      string

	cause error
}

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Op, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// IsRetryable returns true if the error class permits a local retry.
func (e *ClassifiedError) IsRetryable() bool {
	return e.Class == ClassTransient || e.Class == ClassTimeout
}

// WithOp records the operation that produced the error.
func (e *ClassifiedError) WithOp(op string) *ClassifiedError {
	e.Op = op
	return e
}

// New creates a new classified error with the default class for the code.
func New(code string, message string) *ClassifiedError {
	return &ClassifiedError{
		Code:    code,
		Message: message,
		Class:   classForCode(code),
	}
}

// Newf creates a new classified error with a formatted message.
func Newf(code string, format string, args ...interface{}) *ClassifiedError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a code. A nil error returns nil; an
// already classified error keeps its original code and class.
func Wrap(err error, code string, message string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return &ClassifiedError{
			Code:    ce.Code,
			Message: message + ": " + ce.Message,
			Class:   ce.Class,
			Op:      ce.Op,
			cause:   err,
		}
	}

	return &ClassifiedError{
		Code:    code,
		Message: message + ": " + err.Error(),
		Class:   classForCode(code),
		cause:   err,
	}
}

// FromContext converts a context error into the cancelled/timeout taxonomy.
// Non-context errors pass through unchanged.
func FromContext(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case stderrors.Is(err, context.Canceled) || stderrors.Is(ctx.Err(), context.Canceled):
		ce := New(CodeCancelled, "operation cancelled")
		ce.cause = err
		return ce
	case stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded):
		ce := New(CodeCancelled, "operation deadline exceeded")
		ce.Class = ClassTimeout
		ce.cause = err
		return ce
	default:
		return err
	}
}

// CodeOf returns the stable code of a classified error, or "" for other
// errors.
func CodeOf(err error) string {
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode reports whether the error carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// IsTransient returns true if the error is transient and may be retried
func IsTransient(err error) bool {
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce.Class == ClassTransient || ce.Class == ClassTimeout
	}
	return false
}

// IsConflict returns true if the error is a constraint conflict
func IsConflict(err error) bool {
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce.Class == ClassConflict
	}
	return false
}

// IsValidation returns true if the error is a validation error
func IsValidation(err error) bool {
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce.Class == ClassValidation
	}
	return false
}

// IsCancelled returns true if the error stems from cancellation or timeout
func IsCancelled(err error) bool {
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce.Class == ClassCancelled || ce.Class == ClassTimeout
	}
	return false
}
