// Package errs classifies protocol failures so outer layers can react to the
// class of a failure without knowing every sentinel.
package errs

import "errors"

// Kind is the failure class of a protocol error.
type Kind string

const (
	KindUnknown       Kind = "unknown"
	KindInput         Kind = "input"
	KindAuthorization Kind = "authorization"
	KindCapacity      Kind = "capacity"
	KindSafety        Kind = "safety"
	KindLiveness      Kind = "liveness"
	KindMatching      Kind = "matching"
	KindTiming        Kind = "timing"
)

// Error is a sentinel carrying its Kind. Sentinels are compared by identity,
// so wrapping with fmt.Errorf("...: %w") keeps errors.Is working.
type Error struct {
	kind Kind
	msg  string
}

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Kind() Kind { return e.kind }

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind
	}
	return KindUnknown
}
