// Package apperr provides the structured error type carried through the
// Embark failure pipeline: cause chains, captured call stacks, and an
// optional process exit code capability.
package apperr

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies a normalized failure
type Kind string

const (
	// KindRuntime marks a failure normalized from an arbitrary thrown value
	KindRuntime Kind = "runtime"
	// KindState marks an illegal-state failure produced by the run-failure
	// handler itself; a KindState error is final and never re-wrapped
	KindState Kind = "state"
)

// Error is a structured failure with a cause chain and a captured stack
type Error struct {
	// Identification
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	// Error details
	Message string  `json:"message"`
	Stack   []Frame `json:"stack,omitempty"`

	// RawTrace holds the goroutine trace captured at a recover site,
	// when one was available
	RawTrace []byte `json:"raw_trace,omitempty"`

	// Wrapped error
	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil && e.cause.Error() != e.Message {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a new error of the given kind with a captured stack
func New(kind Kind, message string) *Error {
	return &Error{
		ID:      uuid.NewString(),
		Kind:    kind,
		Message: message,
		Stack:   captureStack(1),
	}
}

// Newf creates a new error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	e := New(kind, fmt.Sprintf(format, args...))
	// drop the extra frame introduced by Newf itself
	if len(e.Stack) > 0 {
		e.Stack = e.Stack[1:]
	}
	return e
}

// Wrap creates a new error of the given kind around an existing cause
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	if len(e.Stack) > 0 {
		e.Stack = e.Stack[1:]
	}
	e.cause = cause
	return e
}

// Runtime normalizes an arbitrary recovered value into a KindRuntime error.
// The message is the value's textual form; if the value is itself an error
// it is preserved as the cause so the original chain stays reachable.
func Runtime(v interface{}) *Error {
	e := &Error{
		ID:      uuid.NewString(),
		Kind:    KindRuntime,
		Message: textualForm(v),
		Stack:   captureStack(1),
	}
	if cause, ok := v.(error); ok {
		e.cause = cause
	}
	return e
}

// RuntimeWithTrace normalizes a recovered value and attaches the raw
// goroutine trace captured at the recover site
func RuntimeWithTrace(v interface{}, trace []byte) *Error {
	e := Runtime(v)
	e.RawTrace = trace
	return e
}

// IllegalState wraps a failure into a KindState error. A nil argument
// yields a KindState error with an empty message. An error that is
// already KindState is returned unchanged.
func IllegalState(err error) *Error {
	if st, ok := err.(*Error); ok && st.Kind == KindState {
		return st
	}
	e := &Error{
		ID:      uuid.NewString(),
		Kind:    KindState,
		Message: textualForm(err),
		Stack:   captureStack(1),
		cause:   err,
	}
	return e
}

// IsKind reports whether err is an *Error of the given kind. Only the
// outermost error is inspected; normalization never buries kinds.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

func textualForm(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case error:
		return t.Error()
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
