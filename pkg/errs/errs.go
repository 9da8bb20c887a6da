// Package errs implements Thalo's error taxonomy: a small closed set of
// kinds that every component-facing error carries, so callers can branch on
// behaviour (retry, surface to the caller, contain a trap) without string
// matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purpose of caller-visible handling.
type Kind int

const (
	// KindUnknown is the zero value; never returned by constructors here.
	KindUnknown Kind = iota
	// KindValidation marks a command rejected before any handler ran
	// (malformed payload, unknown category).
	KindValidation
	// KindConflict marks an optimistic-concurrency failure
	// (wrong expected sequence) that a caller may retry.
	KindConflict
	// KindRejected marks a command the aggregate's handler explicitly
	// rejected.
	KindRejected
	// KindIgnored marks a command the handler chose to no-op.
	KindIgnored
	// KindTrap marks a WASM module trap; the runtime contains it and pauses
	// the owning category.
	KindTrap
	// KindIO marks a transport or storage failure.
	KindIO
	// KindClosed marks an operation against an already-closed subscription
	// or executor.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindRejected:
		return "rejected"
	case KindIgnored:
		return "ignored"
	case KindTrap:
		return "trap"
	case KindIO:
		return "io"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error is the single wrapping type carried across every Thalo component
// boundary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a KindValidation error.
func Validation(format string, args ...any) *Error { return new_(KindValidation, format, args...) }

// Conflict builds a KindConflict error.
func Conflict(format string, args ...any) *Error { return new_(KindConflict, format, args...) }

// Rejected builds a KindRejected error.
func Rejected(format string, args ...any) *Error { return new_(KindRejected, format, args...) }

// Ignored builds a KindIgnored error carrying an optional reason.
func Ignored(reason string) *Error {
	return &Error{Kind: KindIgnored, Message: reason}
}

// Trap builds a KindTrap error wrapping the underlying module trap cause.
func Trap(cause error) *Error {
	return &Error{Kind: KindTrap, Message: "module trap", Cause: cause}
}

// IO wraps a storage/transport failure as a KindIO error.
func IO(cause error) *Error {
	return &Error{Kind: KindIO, Message: "io failure", Cause: cause}
}

// Closed builds a KindClosed error.
func Closed(format string, args ...any) *Error { return new_(KindClosed, format, args...) }

// KindOf extracts the Kind carried by err, or KindUnknown if err is not (and
// does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
