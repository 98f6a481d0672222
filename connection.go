package meshconn

import (
	"net"
	"strconv"
	"time"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/meshconn/internal/ice"
	"github.com/lanikai/meshconn/internal/noise"
	"github.com/lanikai/meshconn/internal/turn"
)

type connState int

const (
	stateNew connState = iota
	stateGathering
	stateChecking
	stateNominated
	stateEstablished
	stateFailed
)

func (s connState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateGathering:
		return "gathering"
	case stateChecking:
		return "checking"
	case stateNominated:
		return "nominated"
	case stateEstablished:
		return "established"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	hardTimeout      = 20 * time.Second
	softTimeout      = 10 * time.Second
	keepaliveDefault = 25 * time.Second
)

// Connection is one peer connection, per spec.md §3/§4.2: it sequences
// Gathering → Checking → Nominated → Established, driving its own Pair
// Agent and Session. Both client and server roles share this type; the
// role tag only changes who initiates the handshake and produces an
// Offer versus an Answer (spec.md §9).
type Connection struct {
	ID              int
	role            Role
	remoteStaticKey noise.Key

	localUfrag, localPwd   string
	remoteUfrag, remotePwd string

	local   []ice.Candidate
	remote  []ice.Candidate
	pending []ice.Candidate // remote candidates buffered before answer acceptance

	pairAgent *ice.PairAgent
	handshake *noise.Handshake
	session   *noise.Session

	// relayServers maps a relay's string address to the Allocation the
	// node has for it, so pairs routed through that relay can be framed
	// with ChannelData/Send instead of sent raw.
	relayServers map[string]*turn.Allocation

	// relayCandidatesAdded tracks which relay servers have already
	// contributed a local Relay candidate, so a repeated Allocate success
	// (e.g. after a Refresh) doesn't add a duplicate.
	relayCandidatesAdded map[string]bool

	state          connState
	createdAt      time.Time
	answerAccepted bool
	answerAt       time.Time
	checkedSoftCap bool

	localCandidatesSignalable bool // true once the answer has been accepted
}

func newConnection(id int, role Role, createdAt time.Time) *Connection {
	return &Connection{
		ID:                   id,
		role:                 role,
		state:                stateNew,
		createdAt:            createdAt,
		relayServers:         make(map[string]*turn.Allocation),
		relayCandidatesAdded: make(map[string]bool),
	}
}

// maybeAddRelayCandidate promotes alloc's relayed transport address into a
// local Relay candidate the first time the allocation reaches Allocated,
// returning the new candidate and true if one was added.
func (c *Connection) maybeAddRelayCandidate(key string, alloc *turn.Allocation) (ice.Candidate, bool) {
	if alloc.State != turn.Allocated || alloc.RelayedAddress == nil || c.relayCandidatesAdded[key] {
		return ice.Candidate{}, false
	}
	c.relayCandidatesAdded[key] = true
	cand := ice.NewRelayCandidate(1, ice.MakeTransportAddress(alloc.RelayedAddress), key)
	cand.RelatedAddress, cand.RelatedPort = alloc.ServerAddr.IP.String(), alloc.ServerAddr.Port
	c.addLocalCandidate(cand)
	return cand, true
}

// addLocalCandidate records a local candidate. If the local role has not
// yet accepted the remote's offer/answer, the caller must not be told to
// signal it yet (spec.md §3 invariant) — the Node defers the
// SignalIceCandidate event until acceptance.
func (c *Connection) addLocalCandidate(cand ice.Candidate) {
	c.local = append(c.local, cand)
	if c.pairAgent != nil {
		c.pairAgent.AddCandidatePairs(c.local, c.remote)
	}
}

func (c *Connection) addRemoteCandidate(cand ice.Candidate) {
	if !c.answerAccepted {
		c.pending = append(c.pending, cand)
		return
	}
	c.remote = append(c.remote, cand)
	if c.pairAgent != nil {
		c.pairAgent.AddCandidatePairs(c.local, c.remote)
	}
}

// acceptAnswer completes handshake setup on the client side (or marks the
// server side's offer accepted), flushing any buffered remote candidates
// and flipping on local candidate signalling.
func (c *Connection) acceptAnswer(now time.Time, remoteUfrag, remotePwd string, remoteStaticKey noise.Key) {
	c.answerAccepted = true
	c.answerAt = now
	c.remoteStaticKey = remoteStaticKey
	c.remoteUfrag, c.remotePwd = remoteUfrag, remotePwd
	c.localCandidatesSignalable = true

	c.pairAgent = ice.NewPairAgent(c.localUfrag, c.localPwd, c.remoteUfrag, c.remotePwd, c.role == Client, uint64(c.ID)+1)
	c.remote = append(c.remote, c.pending...)
	c.pending = nil
	c.pairAgent.AddCandidatePairs(c.local, c.remote)

	if c.state == stateNew || c.state == stateGathering {
		c.state = stateChecking
	}
}

// handleTimeout drives this connection's pair agent and timeout budgets.
// It returns transmits to send and events to surface, and never blocks.
func (c *Connection) handleTimeout(now time.Time) ([]Transmit, []Event) {
	var transmits []Transmit
	var events []Event

	if c.state == stateFailed || c.state == stateEstablished && c.session == nil {
		return transmits, events
	}

	if c.state != stateEstablished && c.state != stateFailed {
		if now.Sub(c.createdAt) >= hardTimeout {
			log.Warn("connection %d failed: hard timeout with no established session", c.ID)
			c.state = stateFailed
			return transmits, append(events, ConnectionFailed{ConnectionID: c.ID})
		}
		if c.answerAccepted && !c.checkedSoftCap && now.Sub(c.answerAt) >= softTimeout {
			c.checkedSoftCap = true
			if len(c.local) == 0 && len(c.remote) == 0 {
				log.Warn("connection %d failed: soft timeout with no candidates on either side", c.ID)
				c.state = stateFailed
				return transmits, append(events, ConnectionFailed{ConnectionID: c.ID})
			}
		}
	}

	if c.pairAgent == nil {
		return transmits, events
	}

	pairTransmits, _ := c.pairAgent.Poll(now)
	for _, t := range pairTransmits {
		data, extra := c.routeThroughPair(t.Pair, t.Data, now)
		transmits = append(transmits, extra...)
		transmits = append(transmits, data)
	}

	if c.refreshSelection(now) {
		events = append(events, ConnectionEstablished{ConnectionID: c.ID})
	}

	return transmits, events
}

// refreshSelection promotes the state machine to Nominated/Established once
// the pair agent has a selected pair, reporting true the one time it makes
// that Established transition so the caller can emit ConnectionEstablished
// exactly once. It is idempotent otherwise, so callers can invoke it after
// anything that might have changed the selection — both after Poll and
// after processing an inbound STUN message — without tracking an edge
// transition themselves.
func (c *Connection) refreshSelection(now time.Time) bool {
	if c.pairAgent == nil || c.pairAgent.Selected() == nil {
		return false
	}
	if c.state == stateChecking {
		c.state = stateNominated
	}
	if c.session != nil && c.state == stateNominated {
		c.state = stateEstablished
		log.Info("connection %d established over %s", c.ID, c.pairAgent.Selected())
		return true
	}
	return false
}

// routeThroughPair wraps data for transmission over pair's remote address,
// framing via TURN ChannelData once a channel is bound for a relay
// candidate, or a Send indication before that, per [RFC5766 §10/§11]. Src
// is always set to the local candidate's address: a multi-homed host must
// originate the datagram from the same interface it advertised that
// candidate on, or the peer's source-address check on receipt will fail to
// match any known pair. extra carries any CreatePermission/ChannelBind
// request needed to drive a relay pair's handshake forward — the caller
// must transmit both data and extra, in either order.
func (c *Connection) routeThroughPair(pair *ice.CandidatePair, data []byte, now time.Time) (dataTransmit Transmit, extra []Transmit) {
	src := pair.Local.Address
	if pair.Local.Kind != ice.Relay {
		return Transmit{Src: &src, Dst: pair.Remote.Address, Payload: data}, nil
	}
	relayKey := net.JoinHostPort(pair.Local.RelatedAddress, strconv.Itoa(pair.Local.RelatedPort))
	alloc, ok := c.relayServers[relayKey]
	if !ok {
		return Transmit{Src: &src, Dst: pair.Remote.Address, Payload: data}, nil
	}

	relayAddr := ice.MakeTransportAddress(alloc.ServerAddr)
	peerUDP := pair.Remote.Address.UDPAddr()

	ch, channelReady, request := alloc.EnsureRelayReady(peerUDP, now)
	if request != nil {
		extra = append(extra, Transmit{Src: &src, Dst: relayAddr, Payload: request})
	}
	if channelReady {
		return Transmit{Src: &src, Dst: relayAddr, Payload: turn.EncodeChannelData(ch, data)}, extra
	}
	return Transmit{Src: &src, Dst: relayAddr, Payload: turn.EncodeSendIndication(peerUDP, data)}, extra
}

// encrypt seals plaintext for the currently nominated pair.
func (c *Connection) encrypt(plaintext []byte, now time.Time) (Transmit, []Transmit, error) {
	if c.session == nil || c.pairAgent == nil || c.pairAgent.Selected() == nil {
		return Transmit{}, nil, errors.Errorf("meshconn: connection %d has no established session", c.ID)
	}
	ciphertext, err := c.session.Encrypt(plaintext)
	if err != nil {
		return Transmit{}, nil, err
	}
	data, extra := c.routeThroughPair(c.pairAgent.Selected(), ciphertext, now)
	return data, extra, nil
}

// decrypt opens ciphertext and copies the plaintext into the caller-owned
// outBuf, returning a *Error of Kind BufferTooSmall if it doesn't fit
// rather than silently truncating.
func (c *Connection) decrypt(ciphertext []byte, outBuf []byte) ([]byte, error) {
	if c.session == nil {
		return nil, errors.Errorf("meshconn: connection %d session not established", c.ID)
	}
	plaintext, err := c.session.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	if len(plaintext) > len(outBuf) {
		return nil, newError(BufferTooSmall, errors.Errorf(
			"meshconn: connection %d plaintext %d bytes exceeds output buffer of %d bytes", c.ID, len(plaintext), len(outBuf)))
	}
	n := copy(outBuf, plaintext)
	return outBuf[:n], nil
}

// reconnect reverts the pair table to Waiting while preserving the
// session, per spec.md §4.3 and the spec's adopted policy for §9's open
// question (all pairs flip to waiting, not merely deprioritized).
func (c *Connection) reconnect() {
	if c.pairAgent != nil {
		c.pairAgent.Reconnect()
	}
	if c.state == stateEstablished || c.state == stateNominated {
		c.state = stateChecking
	}
}
