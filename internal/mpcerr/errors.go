// Package mpcerr defines the engine's error taxonomy: a small, closed set
// of error kinds the Session Manager uses to decide whether a condition is
// absorbed (recoverable) or terminal for a session, built on
// github.com/pkg/errors for stack-aware wrapping.
package mpcerr

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Kind discriminates the error taxonomy.
type Kind uint8

const (
	// TransientPeer: missing message, slow sender. The advance is deferred;
	// no error is surfaced to the user.
	TransientPeer Kind = iota
	// Malicious: duplicate message for a round, invalid signature, or a
	// deterministic protocol-abort attribution. The offender is added to
	// the session-scoped exclusion set; the session restarts if the abort
	// was identifiable.
	Malicious
	// Configuration: missing network key, unknown committee epoch. The
	// event is rejected and logged; the manager proceeds.
	Configuration
	// CryptographicFatal: an unrecoverable library error not attributable
	// to any party. The session is marked Failed; no output will ever
	// appear for it.
	CryptographicFatal
	// EpochEnded: an operation targets a prior epoch's state. Dropped
	// silently.
	EpochEnded
	// InternalInvariant: e.g. a round number larger than history. Panics in
	// debug builds; marks the session Failed in release builds.
	InternalInvariant
)

func (k Kind) String() string {
	switch k {
	case TransientPeer:
		return "TransientPeer"
	case Malicious:
		return "Malicious"
	case Configuration:
		return "Configuration"
	case CryptographicFatal:
		return "CryptographicFatal"
	case EpochEnded:
		return "EpochEnded"
	case InternalInvariant:
		return "InternalInvariant"
	default:
		return "Unknown"
	}
}

// Error is a typed, taxonomy-tagged error.
type Error struct {
	Kind    Kind
	cause   error
	context string
}

func (e *Error) Error() string {
	if e.context != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.context, e.cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// New builds a Kind-tagged error from a plain message.
func New(kind Kind, context string) *Error {
	return &Error{Kind: kind, cause: errors.New(context), context: ""}
}

// Wrap attaches kind and a context string to an existing error.
func Wrap(kind Kind, err error, context string) *Error {
	return &Error{Kind: kind, cause: errors.Wrap(err, context), context: context}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to CryptographicFatal for
// errors outside the taxonomy (an unattributed, unrecognized failure is
// treated as fatal-but-not-attributable, the conservative choice).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return CryptographicFatal
}

// Combine merges multiple per-party errors raised against the same session
// (e.g. several simultaneous malicious accusations) into a single
// multierror.
func Combine(errs ...error) error {
	var merr *multierror.Error
	for _, e := range errs {
		if e != nil {
			merr = multierror.Append(merr, e)
		}
	}
	if merr == nil {
		return nil
	}
	return merr
}
