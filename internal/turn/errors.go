package turn

import "github.com/pkg/errors"

// Typed errors for the allocation state machine. Wrapped with
// github.com/pkg/errors so callers can recover a stack trace when an
// allocation attempt fails deep in a retry chain.
var (
	ErrUnauthorized    = errors.New("turn: server rejected credentials")
	ErrStaleNonce      = errors.New("turn: nonce is stale, retrying with fresh nonce")
	ErrAllocationQuota = errors.New("turn: server refused allocation (quota or forbidden)")
	ErrNotAllocated    = errors.New("turn: no active allocation")
	ErrUnexpectedReply = errors.New("turn: unexpected STUN reply for this allocation")
)

const (
	codeUnauthorized = 401
	codeForbidden    = 403
	codeStaleNonce   = 438
)
