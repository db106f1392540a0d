// Package xerrors gives every error surfaced by the engine a queryable
// category, so callers can dispatch on failure class (close a peer, back
// off a tracker, abort a session) without string-matching error text.
package xerrors

import "fmt"

// Kind classifies an error by the subsystem that produced it and, in
// turn, how the rest of the engine is allowed to react to it (§7).
type Kind int

const (
	// Unknown is the zero value; never returned by this package's own
	// constructors, but a valid value for errors.As targets that don't
	// care about the kind.
	Unknown Kind = iota
	Bencode
	Metadata
	Tracker
	Protocol
	Encryption
	Network
	Disk
	InvalidState
)

func (k Kind) String() string {
	switch k {
	case Bencode:
		return "bencode"
	case Metadata:
		return "metadata"
	case Tracker:
		return "tracker"
	case Protocol:
		return "protocol"
	case Encryption:
		return "encryption"
	case Network:
		return "network"
	case Disk:
		return "disk"
	case InvalidState:
		return "invalid_state"
	default:
		return "unknown"
	}
}

// Error is a typed wrapper around a lower-level cause. Op names the
// package whose operation failed (e.g. "bencode", "tracker"), matching
// the "op" log field the rest of the engine uses.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op with the given kind and cause.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf walks err's Unwrap chain for the first *Error and returns its
// Kind, or Unknown if none is found.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return Unknown
}
