// Package tperr defines the error-kind taxonomy shared across tensorpool
// (spec §7) and wraps causes with github.com/pkg/errors so every failure
// keeps a stack-addressable chain, the way xtaci-kcptun wraps dial/listen
// failures before handing them to the CLI layer.
package tperr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the error kinds spec.md §7 enumerates.
type Kind string

const (
	InvalidArgument  Kind = "INVALID_ARGUMENT"
	OutOfRange       Kind = "OUT_OF_RANGE"
	NotReady         Kind = "NOT_READY"
	Timeout          Kind = "TIMEOUT"
	PermissionDenied Kind = "PERMISSION_DENIED"
	ResourceExhausted Kind = "RESOURCE_EXHAUSTED"
	LayoutMismatch   Kind = "LAYOUT_MISMATCH"
	EpochMismatch    Kind = "EPOCH_MISMATCH"
	LeaseRevoked     Kind = "LEASE_REVOKED"
	LeaseExpired     Kind = "LEASE_EXPIRED"
	CodecError       Kind = "CODEC_ERROR"
	Integrity        Kind = "INTEGRITY"
	Internal         Kind = "INTERNAL"
)

// Error is a typed, causal error: a Kind plus a descriptive message plus
// (optionally) the lower-level cause that produced it.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a Kind-tagged error with no underlying cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to cause, preserving it as the error chain's root via
// github.com/pkg/errors so Cause(err) still recovers it.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			if e.Kind == kind {
				return true
			}
			err = e.cause
			continue
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Cause unwraps to the deepest non-tensorpool error, mirroring
// github.com/pkg/errors.Cause for tests that want to assert on root causes.
// An Error with no cause is its own root.
func Cause(err error) error {
	for {
		e, ok := err.(*Error)
		if !ok || e.cause == nil {
			return err
		}
		err = errors.Cause(e.cause)
	}
}
