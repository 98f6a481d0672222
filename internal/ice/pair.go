package ice

import "fmt"

// CandidatePair is an ordered (local, remote) tuple under connectivity
// check, per [RFC8445 §6.1.2].
type CandidatePair struct {
	ID         int
	Local      Candidate
	Remote     Candidate
	Foundation string
	Component  int

	State     PairState
	Nominated bool

	// LastCheckAt is the timestamp of the most recently sent connectivity
	// check for this pair, used to pace retransmissions and keepalives.
	LastCheckAt int64 // UnixNano; zero means never checked

	// RTTEstimate is a smoothed round-trip-time estimate in nanoseconds,
	// updated on every successful check response.
	RTTEstimate int64

	// MissedKeepalives counts consecutive keepalives without a response.
	// Three consecutive misses degrades a Succeeded pair to Failed.
	MissedKeepalives int
}

// PairState is the lifecycle of a CandidatePair, per spec.md §3.
type PairState int

const (
	Frozen PairState = iota
	Waiting
	InProgress
	Succeeded
	Failed
)

func (s PairState) String() string {
	switch s {
	case Frozen:
		return "frozen"
	case Waiting:
		return "waiting"
	case InProgress:
		return "in-progress"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func newCandidatePair(id int, local, remote Candidate) *CandidatePair {
	if local.Component != remote.Component {
		panic(fmt.Sprintf("ice: mismatched components in pair: %d != %d", local.Component, remote.Component))
	}
	return &CandidatePair{
		ID:         id,
		Local:      local,
		Remote:     remote,
		Foundation: local.Foundation + "/" + remote.Foundation,
		Component:  local.Component,
	}
}

func (p *CandidatePair) String() string {
	nom := ""
	if p.Nominated {
		nom = " [nominated]"
	}
	return fmt.Sprintf("pair#%d %s -> %s [%s]%s", p.ID, p.Local.Address, p.Remote.Address, p.State, nom)
}

// Priority implements the controlled-agent formula of [RFC8445 §6.1.2.3].
func (p *CandidatePair) Priority() uint64 {
	g := uint64(p.Remote.Priority)
	d := uint64(p.Local.Priority)
	var b uint64
	if g > d {
		b = 1
	}
	return min64(g, d)<<32 + max64(g, d)<<1 + b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
