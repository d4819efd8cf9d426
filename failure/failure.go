// Package failure defines the error kinds shared by every cyclops component.
//
// Components never signal control flow through panics. They return a *Error that
// carries a Kind, and callers branch on the kind with Is or KindOf:
//
//	if failure.Is(err, failure.KindContentFetch) {
//	    // the image could not be fetched or decoded
//	}
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how it must be handled.
type Kind uint8

const (
	// KindUnknown is used for errors that carry no classification.
	KindUnknown Kind = iota
	// KindContentFetch marks a fingerprint fetch or decode failure. Expected and frequent.
	KindContentFetch
	// KindTransport marks a lost connection to the broker or the record store.
	KindTransport
	// KindPersistence marks a shard file read or write failure.
	KindPersistence
	// KindInvariant marks a programming error, e.g. mismatched fingerprint widths.
	KindInvariant
	// KindNotFound marks a missing record.
	KindNotFound
	// KindInvalidInput marks a malformed caller request.
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindContentFetch:
		return "content-fetch"
	case KindTransport:
		return "transport"
	case KindPersistence:
		return "persistence"
	case KindInvariant:
		return "invariant"
	case KindNotFound:
		return "not-found"
	case KindInvalidInput:
		return "invalid-input"
	default:
		return "unknown"
	}
}

// Error is a classified error.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and op. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf formats a new classified error.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
