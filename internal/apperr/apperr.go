// Package apperr defines the error kinds used across the task pipeline.
// Kinds carry enough structure for the API layer to map them to HTTP status
// codes in one place, and for the Worker to decide whether a failure should
// trigger message redelivery (Transient) or an immediate permanent Task
// failure (Permanent/Validation).
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindValidation  Kind = "validation"   // bad input, 4xx, never retried
	KindRateLimited Kind = "rate_limited" // 429
	KindConflict    Kind = "conflict"     // 409, active task of same type exists
	KindNotFound    Kind = "not_found"    // 404
	KindTransient   Kind = "transient"    // retry via message redelivery
	KindPermanent   Kind = "permanent"    // immediate terminal task failure
	KindInternal    Kind = "internal"     // invariant violation, logged at ERROR, not retried
)

// Error is a structured application error.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// As extracts an *Error from err, following wrapping via errors.As.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, defaulting to KindInternal if err is not
// (or does not wrap) an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func RateLimited(message string, details map[string]any) *Error {
	return &Error{Kind: KindRateLimited, Message: message, Details: details}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Message: "transient external error", Err: err}
}

func Permanent(err error) *Error {
	return &Error{Kind: KindPermanent, Message: "permanent external error", Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal invariant violation", Err: err}
}
