package ingest

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide on retries and HTTP
// status mapping without string matching.
type ErrorKind string

// Failure taxonomy.
const (
	KindValidation          ErrorKind = "validation"
	KindAuthorization       ErrorKind = "authorization"
	KindUpstreamTimeout     ErrorKind = "upstream-timeout"
	KindUpstreamFailure     ErrorKind = "upstream-failure"
	KindUpstreamUnavailable ErrorKind = "upstream-unavailable"
	KindNavigationTimeout   ErrorKind = "navigation-timeout"
	KindNavigationError     ErrorKind = "navigation-error"
	KindRenderError         ErrorKind = "render-error"
	KindInternal            ErrorKind = "internal"
)

// ErrNotFound signals that a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrTaskInFlight signals that a non-terminal task already exists for the
// (tenant, kind) pair. Callers resolve it by returning the existing task.
var ErrTaskInFlight = errors.New("task already in flight")

// Error is a classified failure. It wraps an optional cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError builds a classified error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an error chain. Unclassified errors
// report KindInternal.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// Retryable reports whether the orchestrator may apply its single automatic
// retry. Only transport-level upstream failures qualify; an actor or renderer
// that rejected the work outright is not retried.
func Retryable(err error) bool {
	return KindOf(err) == KindUpstreamUnavailable
}
