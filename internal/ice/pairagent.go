package ice

import (
	"encoding/hex"
	"time"

	"github.com/lanikai/meshconn/internal/logging"
	"github.com/lanikai/meshconn/internal/stun"
)

var log = logging.DefaultLogger.WithTag("ice")

// Connectivity check cadence and keepalive parameters. Unlike the threaded
// agent this is descended from, nothing here runs on its own goroutine or
// ticker — every value is consulted only when the caller invokes Poll or
// HandleTimeout with an explicit timestamp.
const (
	checkInterval       = 500 * time.Millisecond
	keepaliveInterval   = 15 * time.Second
	maxMissedKeepalives = 3
	preemptionThrottle  = 1 * time.Second
)

// Transmit is a STUN message the caller must send to a candidate pair's
// remote address.
type Transmit struct {
	Pair *CandidatePair
	Data []byte
}

// PairAgent runs ICE connectivity checks over a candidate-pair table,
// entirely in response to explicit calls — the sans-I/O replacement for a
// threaded Checklist. It is grounded on the same state machine (frozen /
// waiting / in-progress / succeeded / failed, triggered-check queue,
// nomination) but owns no socket, lock, or timer of its own.
type PairAgent struct {
	LocalUfrag, LocalPassword   string
	RemoteUfrag, RemotePassword string
	Controlling                 bool
	Tiebreaker                  uint64

	nextPairID  int
	pairs       []*CandidatePair
	triggered   []*CandidatePair
	toNominate  []*CandidatePair
	pending     map[string]*pendingCheck // keyed by hex transaction ID
	selected    *CandidatePair
	rrIndex     int
	lastPreempt time.Time
}

type pendingCheck struct {
	pair         *CandidatePair
	sentAt       time.Time
	useCandidate bool
}

func NewPairAgent(localUfrag, localPassword, remoteUfrag, remotePassword string, controlling bool, tiebreaker uint64) *PairAgent {
	return &PairAgent{
		LocalUfrag:     localUfrag,
		LocalPassword:  localPassword,
		RemoteUfrag:    remoteUfrag,
		RemotePassword: remotePassword,
		Controlling:    controlling,
		Tiebreaker:     tiebreaker,
		pending:        make(map[string]*pendingCheck),
	}
}

// AddCandidatePairs cross-products every compatible (local, remote) pair not
// already present, appends them Frozen, then sorts and prunes.
func (a *PairAgent) AddCandidatePairs(locals, remotes []Candidate) {
	for _, l := range locals {
		for _, r := range remotes {
			if !canBePaired(l, r) {
				continue
			}
			if a.findPair(l.Address, r.Address) != nil {
				continue
			}
			a.nextPairID++
			p := newCandidatePair(a.nextPairID, l, r)
			a.pairs = append(a.pairs, p)
		}
	}
	a.sortAndPrune()
	// A newly formed table starts with everything Waiting; later calls
	// leave in-flight pairs alone.
	for _, p := range a.pairs {
		if p.State == Frozen {
			p.State = Waiting
		}
	}
}

func canBePaired(l, r Candidate) bool {
	if l.Component != r.Component {
		return false
	}
	if l.Address.Protocol != r.Address.Protocol {
		return false
	}
	if !sameFamily(l.Address, r.Address) {
		return false
	}
	if l.Address.IsLinkLocal() != r.Address.IsLinkLocal() {
		return false
	}
	return true
}

// sortAndPrune orders pairs by descending priority and removes redundant
// pairs, per [RFC8445 §6.1.2.4] — never pruning a pair that is InProgress,
// Succeeded, or Failed since a check may already be outstanding on it.
func (a *PairAgent) sortAndPrune() {
	for i := 1; i < len(a.pairs); i++ {
		for j := i; j > 0 && a.pairs[j].Priority() > a.pairs[j-1].Priority(); j-- {
			a.pairs[j], a.pairs[j-1] = a.pairs[j-1], a.pairs[j]
		}
	}

	seen := make(map[string]*CandidatePair)
	kept := a.pairs[:0]
	for _, p := range a.pairs {
		key := p.Remote.Address.String() + "|" + p.Local.Address.String()
		if prev, ok := seen[key]; ok && p.State == Frozen && prev.State == Frozen {
			continue
		}
		seen[key] = p
		kept = append(kept, p)
	}
	a.pairs = kept
}

func (a *PairAgent) findPair(local, remote TransportAddress) *CandidatePair {
	for _, p := range a.pairs {
		if p.Local.Address == local && p.Remote.Address == remote {
			return p
		}
	}
	return nil
}

// Selected returns the currently nominated, valid pair being used for data,
// or nil if none has been confirmed yet.
func (a *PairAgent) Selected() *CandidatePair {
	return a.selected
}

// Pairs returns every candidate pair currently tracked, for callers that
// need to recognize which remote address a pair belongs to (e.g. routing
// an inbound datagram back to its connection).
func (a *PairAgent) Pairs() []*CandidatePair {
	return a.pairs
}

// Poll drives periodic connectivity checks and keepalives. It must be
// called whenever now has advanced past the previously reported deadline
// (spec.md's HandleTimeout contract). Returns zero or more STUN messages
// the caller must transmit to the paired remote address, plus the next
// deadline at which Poll should be called again.
func (a *PairAgent) Poll(now time.Time) ([]Transmit, time.Time) {
	var out []Transmit

	a.expireTimedOutChecks(now)

	if len(a.toNominate) > 0 {
		p := a.toNominate[0]
		a.toNominate = a.toNominate[1:]
		if p.State == Succeeded {
			out = append(out, a.sendCheck(p, now, true))
		}
	}

	next := a.nextPair(now)
	if next != nil {
		out = append(out, a.sendCheck(next, now, false))
	}

	if a.selected != nil {
		out = append(out, a.maybeKeepalive(a.selected, now)...)
		a.maybePreempt(now)
	}

	return out, now.Add(checkInterval)
}

func (a *PairAgent) expireTimedOutChecks(now time.Time) {
	rto := a.rto()
	for txID, pc := range a.pending {
		if now.Sub(pc.sentAt) < rto {
			continue
		}
		delete(a.pending, txID)
		if pc.pair.State == InProgress {
			pc.pair.State = Waiting
		}
	}
}

// rto implements the retransmission-timeout formula of [RFC8445 §14.3]:
// 500ms times the number of pairs currently Waiting or InProgress, a floor
// that scales the timeout with checklist size.
func (a *PairAgent) rto() time.Duration {
	n := 0
	for _, p := range a.pairs {
		if p.State == Waiting || p.State == InProgress {
			n++
		}
	}
	if n == 0 {
		n = 1
	}
	return time.Duration(n) * checkInterval
}

func (a *PairAgent) nextPair(now time.Time) *CandidatePair {
	if len(a.triggered) > 0 {
		p := a.triggered[0]
		a.triggered = a.triggered[1:]
		return p
	}
	for i := 0; i < len(a.pairs); i++ {
		idx := (a.rrIndex + i) % len(a.pairs)
		if a.pairs[idx].State == Waiting {
			a.rrIndex = (idx + 1) % len(a.pairs)
			return a.pairs[idx]
		}
	}
	return nil
}

func (a *PairAgent) sendCheck(p *CandidatePair, now time.Time, useCandidate bool) Transmit {
	p.State = InProgress
	p.LastCheckAt = now.UnixNano()

	msg := buildBindingRequest(a.LocalUfrag, a.RemoteUfrag, a.RemotePassword, p.Local.PeerPriority(), a.Controlling, a.Tiebreaker, useCandidate)
	a.pending[hex.EncodeToString(msg.TransactionID[:])] = &pendingCheck{pair: p, sentAt: now, useCandidate: useCandidate}

	return Transmit{Pair: p, Data: msg.Bytes()}
}

// HandleStunMessage processes an inbound STUN message addressed to from.
// It returns a non-nil Transmit if a reply must be sent.
func (a *PairAgent) HandleStunMessage(msg *stun.Message, from TransportAddress, local TransportAddress, now time.Time) *Transmit {
	switch msg.Class {
	case stun.Request:
		return a.handleBindingRequest(msg, from, local, now)
	case stun.SuccessResponse, stun.ErrorResponse:
		a.handleBindingResponse(msg, now)
		return nil
	default:
		return nil
	}
}

func (a *PairAgent) handleBindingRequest(msg *stun.Message, from, local TransportAddress, now time.Time) *Transmit {
	useCandidate, priority, err := verifyBindingRequest(msg, a.LocalUfrag, a.LocalPassword)
	if err != nil {
		log.Debug("rejecting binding request from %s: %v", from, err)
		return nil
	}

	p := a.findPair(local, from)
	if p == nil {
		p = a.adoptPeerReflexive(from, local, priority, now)
	}
	if useCandidate {
		a.nominate(p)
	} else if p.State == Frozen {
		p.State = Waiting
		a.triggered = append(a.triggered, p)
	}

	resp := buildBindingResponse(msg, local, a.LocalPassword)
	return &Transmit{Pair: p, Data: resp.Bytes()}
}

// adoptPeerReflexive creates a new pair for a peer-reflexive candidate
// discovered via an inbound check we did not already have paired, per
// [RFC8445 §7.3.1.3-4].
func (a *PairAgent) adoptPeerReflexive(remote, local TransportAddress, priority uint32, now time.Time) *CandidatePair {
	component := 1
	for _, p := range a.pairs {
		component = p.Local.Component
		break
	}
	localCand := NewHostCandidate(component, local)
	remoteCand := NewPeerReflexiveCandidate(component, remote, priority)

	a.nextPairID++
	p := newCandidatePair(a.nextPairID, localCand, remoteCand)
	p.State = Waiting
	a.pairs = append(a.pairs, p)
	a.sortAndPrune()
	a.triggered = append(a.triggered, p)
	return p
}

func (a *PairAgent) handleBindingResponse(msg *stun.Message, now time.Time) {
	txID := hex.EncodeToString(msg.TransactionID[:])
	pc, ok := a.pending[txID]
	if !ok {
		return
	}
	delete(a.pending, txID)

	if err := verifyBindingResponse(msg, a.RemotePassword); err != nil {
		log.Warn("binding response for pair %d failed verification: %v", pc.pair.ID, err)
		pc.pair.State = Failed
		return
	}

	rtt := now.Sub(pc.sentAt)
	if pc.pair.RTTEstimate == 0 {
		pc.pair.RTTEstimate = rtt.Nanoseconds()
	} else {
		// Exponential moving average, same weighting RFC6298 uses for TCP RTO.
		pc.pair.RTTEstimate = (pc.pair.RTTEstimate*7 + rtt.Nanoseconds()) / 8
	}
	pc.pair.State = Succeeded
	pc.pair.MissedKeepalives = 0

	if pc.useCandidate {
		a.nominate(pc.pair)
	} else if a.Controlling && a.selected == nil {
		// Regular nomination, simplified: the controlling agent nominates
		// the first pair a check succeeds on rather than waiting for every
		// foundation to finish, per [RFC8445 §8.1.1]'s allowance for
		// implementations to nominate as soon as a valid pair is known.
		a.toNominate = append(a.toNominate, pc.pair)
	}
}

// nominate marks p nominated and, if it is the best nominated+succeeded
// pair, promotes it to selected.
func (a *PairAgent) nominate(p *CandidatePair) {
	p.Nominated = true
	if p.State != Succeeded {
		p.State = Waiting
		a.triggered = append(a.triggered, p)
	}
	a.updateSelected()
}

func (a *PairAgent) updateSelected() {
	var best *CandidatePair
	for _, p := range a.pairs {
		if !p.Nominated || p.State != Succeeded {
			continue
		}
		if best == nil || p.Priority() > best.Priority() {
			best = p
		}
	}
	if best != nil && best != a.selected {
		log.Info("selected %s", best)
		a.selected = best
	}
}

// maybeKeepalive sends a STUN indication on the selected pair if the
// keepalive interval has elapsed, and degrades the pair after three
// consecutive misses, falling back to the next succeeded pair without
// surfacing an event unless none remains.
func (a *PairAgent) maybeKeepalive(p *CandidatePair, now time.Time) []Transmit {
	if p.LastCheckAt != 0 && now.Sub(time.Unix(0, p.LastCheckAt)) < keepaliveInterval {
		return nil
	}
	p.LastCheckAt = now.UnixNano()
	p.MissedKeepalives++
	if p.MissedKeepalives > maxMissedKeepalives {
		log.Warn("%s missed %d consecutive keepalives, failing it", p, p.MissedKeepalives)
		p.State = Failed
		p.Nominated = false
		a.selected = nil
		a.updateSelected()
		return nil
	}

	msg := stun.New(stun.Indication, stun.MethodBinding)
	return []Transmit{{Pair: p, Data: msg.Bytes()}}
}

// maybePreempt switches to a higher-priority succeeded+nominated pair with
// a materially better RTT than the current selection, throttled to at most
// once per preemptionThrottle to avoid flapping between comparable paths.
func (a *PairAgent) maybePreempt(now time.Time) {
	if now.Sub(a.lastPreempt) < preemptionThrottle {
		return
	}
	for _, p := range a.pairs {
		if p == a.selected || !p.Nominated || p.State != Succeeded {
			continue
		}
		if p.Priority() > a.selected.Priority() && p.RTTEstimate < a.selected.RTTEstimate {
			log.Info("preempting %s with higher-priority, lower-RTT %s", a.selected, p)
			a.selected = p
			a.lastPreempt = now
			return
		}
	}
}

// Reconnect reverts every pair to Waiting and clears the current selection,
// forcing a fresh round of connectivity checks without losing the
// candidate/pair table itself — used when the caller observes the local
// network interface has changed.
func (a *PairAgent) Reconnect() {
	a.selected = nil
	a.pending = make(map[string]*pendingCheck)
	a.triggered = nil
	a.toNominate = nil
	for _, p := range a.pairs {
		p.State = Waiting
		p.Nominated = false
		p.MissedKeepalives = 0
	}
}
