package meshconn

import "fmt"

// Kind is the error taxonomy from spec.md §7: a classification, not a
// distinct Go type per error, so callers can switch on it the way they
// would an error code.
type Kind int

const (
	// ProtocolError is a malformed or unauthenticated STUN/TURN/session
	// frame. Dropped at the point of failure; never itself surfaces as
	// ConnectionFailed unless it occurs during the handshake.
	ProtocolError Kind = iota
	// AuthError is a TURN 401/403 that survives credential retry. The
	// allocation is marked unusable; dependent connections lose that
	// relay's candidates.
	AuthError
	// TimeoutError is a connection exceeding its 10s or 20s budget.
	// Surfaced to the caller as ConnectionFailed.
	TimeoutError
	// DuplicateConnectionId is returned synchronously by new_connection /
	// accept_connection when id is already registered; no state mutated.
	DuplicateConnectionId
	// UnknownConnectionId means decapsulate could not route a datagram to
	// any live connection. Dropped silently — not an error for the caller.
	UnknownConnectionId
	// BufferTooSmall is returned synchronously when a caller-provided
	// decryption buffer cannot hold the plaintext.
	BufferTooSmall
)

func (k Kind) String() string {
	switch k {
	case ProtocolError:
		return "protocol error"
	case AuthError:
		return "auth error"
	case TimeoutError:
		return "timeout error"
	case DuplicateConnectionId:
		return "duplicate connection id"
	case UnknownConnectionId:
		return "unknown connection id"
	case BufferTooSmall:
		return "buffer too small"
	default:
		return "unknown error kind"
	}
}

// Error is the engine's error type: a Kind plus the detail behind it.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
