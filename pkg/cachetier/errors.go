package cachetier

import (
	"context"
	"errors"
)

// Kind classifies cachetier errors, mirroring the small set of failure modes
// the two-tier provider can produce: bad input, a lock that never came free,
// a cancelled wait, a collaborator left in a state the provider didn't
// expect, or an I/O failure from one of the tiers.
type Kind int

const (
	KindInvalid Kind = iota
	KindIllegalArgument
	KindIllegalState
	KindTimeout
	KindInterrupted
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindIllegalArgument:
		return "illegal argument"
	case KindIllegalState:
		return "illegal state"
	case KindTimeout:
		return "timeout"
	case KindInterrupted:
		return "interrupted"
	case KindIO:
		return "io error"
	default:
		return "invalid"
	}
}

// Error wraps an underlying error with the metadata callers need to decide
// whether to retry, surface to a user, or abort a transaction.
type Error struct {
	Kind     Kind
	Op       string
	Resource string
	Err      error
}

func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Resource != "" {
		base += " " + e.Resource
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with cachetier metadata. Returns nil if err is nil.
func Wrap(kind Kind, op, resource string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Resource: resource, Err: err}
}

// E builds a new error with no underlying cause.
func E(kind Kind, op, resource string) error {
	return &Error{Kind: kind, Op: op, Resource: resource}
}

// KindOf extracts the Kind from err, falling back to context sentinels and
// KindIO for anything unrecognized.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindInterrupted
	default:
		return KindIO
	}
}
