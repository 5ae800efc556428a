// Package apperr defines the structured error kinds returned by the trading core.
//
// Every failure that crosses the core boundary carries a Kind and a human
// readable detail. The request layer maps kinds to wire responses.
package apperr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies a core failure
type Kind int8

const (
	Internal Kind = iota
	Validation
	NotFound
	NotCancellable
	NotTradable
	ConcurrentModification
	InvalidInstruction
	InsufficientQuantity
	UpstreamCustodyFailure
	Busy
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "ValidationError"
	case NotFound:
		return "NotFound"
	case NotCancellable:
		return "NotCancellable"
	case NotTradable:
		return "NotTradable"
	case ConcurrentModification:
		return "ConcurrentModification"
	case InvalidInstruction:
		return "InvalidInstruction"
	case InsufficientQuantity:
		return "InsufficientQuantity"
	case UpstreamCustodyFailure:
		return "UpstreamCustodyFailure"
	case Busy:
		return "Busy"
	default:
		return "Internal"
	}
}

// Error is a kinded failure with an optional cause
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Detail
	}
	if e.Detail == "" {
		return e.cause.Error()
	}
	return e.Detail + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a kinded error
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and detail to an underlying cause
func Wrap(kind Kind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf returns the kind of the outermost *Error in the chain.
// Errors that carry no kind are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the failure came from a stale proposal or a
// contended instrument, in which case re-reading the book and trying again
// is safe: the failed transaction committed nothing.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ConcurrentModification, InsufficientQuantity, InvalidInstruction, Busy:
		return true
	}
	return false
}
