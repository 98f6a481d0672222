package ice

import "errors"

// Typed errors
var (
	errSTUNIntegrityFailed  = errors.New("ice: STUN message integrity check failed")
	errSTUNUnknownAttribute = errors.New("ice: required STUN attribute missing")
)
