package transfer

import (
	"errors"
	"fmt"
)

// Kind classifies a transfer failure. Channels map kinds to their own wire
// format (HTTP status, "ERROR:<msg>", {"ok":false,...}).
type Kind int

const (
	// KindValidation is bad client input, rejected before any side effect.
	KindValidation Kind = iota + 1
	// KindOwnership is an event from a client that does not own the session.
	KindOwnership
	// KindProtocol is malformed framing, an oversize or empty chunk, or a
	// size overflow.
	KindProtocol
	// KindStorage is an open, write, rename or delete failure.
	KindStorage
	// KindState is an event that needs an active session when there is none.
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindOwnership:
		return "ownership"
	case KindProtocol:
		return "protocol"
	case KindStorage:
		return "storage"
	case KindState:
		return "state"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error carries a client-safe message; Err holds the internal cause for logs.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Msg: msg, Err: cause}
}

// MsgProtected is the message of a validation error for a target that falls
// under a protected or hidden name.
const MsgProtected = "protected path"

// IsProtected reports whether err rejected a protected target.
func IsProtected(err error) bool {
	return IsKind(err, KindValidation) && Message(err) == MsgProtected
}

// Validation builds a KindValidation error.
func Validation(msg string) *Error { return newError(KindValidation, msg, nil) }

// KindOf returns the kind of err, or 0 when err is not a transfer error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// Message returns the client-facing message of err.
func Message(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Msg
	}
	if err == nil {
		return ""
	}
	return "internal error"
}
