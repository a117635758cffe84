package errdef

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies an error for callers that need to branch on failure mode
// rather than on message text.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindAlreadyExists     Kind = "already_exists"
	KindSecurityViolation Kind = "security_violation"
	KindAuth              Kind = "auth"
	KindConflict          Kind = "conflict"
	KindRateLimited       Kind = "rate_limited"
	KindTransport         Kind = "transport"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindStorageFailure    Kind = "storage_failure"
	KindInternal          Kind = "internal"
)

// Error is the tagged error carried across component boundaries. Every error
// has a correlation ID that threads the audit log.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	cause         error
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:          kind,
		Message:       fmt.Sprintf(format, args...),
		CorrelationID: uuid.New().String(),
	}
}

// Wrap creates an Error of the given kind around a cause. A nil cause
// returns nil.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	if cause == nil {
		return nil
	}
	e := New(kind, format, args...)
	e.cause = cause
	// Preserve the correlation ID across wrapping so one request keeps
	// one thread through the logs.
	var inner *Error
	if errors.As(cause, &inner) {
		e.CorrelationID = inner.CorrelationID
	}
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by kind so callers can use errors.Is with a bare
// kind sentinel created via New(kind, "").
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of an error, or KindInternal for untyped errors.
// A nil error has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CorrelationID extracts the correlation ID from an error, or "" when the
// error is untyped.
func CorrelationID(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.CorrelationID
	}
	return ""
}
