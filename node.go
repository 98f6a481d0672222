package meshconn

import (
	"crypto/rand"
	"fmt"
	"net"
	"time"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/meshconn/internal/codec"
	"github.com/lanikai/meshconn/internal/ice"
	"github.com/lanikai/meshconn/internal/noise"
	"github.com/lanikai/meshconn/internal/stun"
	"github.com/lanikai/meshconn/internal/turn"
)

// Stats is an in-process snapshot of engine counters, exposed so callers
// can build their own observability without the engine performing any I/O
// of its own (spec.md §3 adds this; it is not a Non-goal — only external
// exporters and re-keying beyond native rotation are excluded).
type Stats struct {
	ProtocolErrors     int
	ActiveConnections  int
	ActiveAllocations  int
}

// Node is the façade multiplexing many Connections over a shared set of
// TURN Allocations, per spec.md §4.1. All state mutation happens on the
// caller's thread inside these methods — there is no internal goroutine,
// lock, or timer (spec.md §5).
type Node struct {
	config NodeConfig

	connections map[int]*Connection
	allocations *turn.Manager

	transmitQueue []Transmit
	eventQueue    []Event

	protocolErrors int
}

func NewNode(config NodeConfig) *Node {
	return &Node{
		config:      config,
		connections: make(map[int]*Connection),
		allocations: turn.NewManager(),
	}
}

// NewConnection creates a Connection in Gathering state and an Offer to
// hand the peer over signalling. remoteStaticKey is the peer's known
// static public key — the IK pattern requires the initiator to know it in
// advance, the same way a caller already knows which peer it dials.
// Relays named in relays are acquired from the shared allocation table,
// reusing a live Allocation when its (server, username) tuple matches
// (spec.md §3 invariant, §8 property 2).
func (n *Node) NewConnection(id int, remoteStaticKey noise.Key, relays []RelayConfig, now time.Time) (Offer, error) {
	if _, exists := n.connections[id]; exists {
		return Offer{}, newError(DuplicateConnectionId, errors.Errorf("connection %d already exists", id))
	}

	c := newConnection(id, n.config.Role, now)
	c.state = stateGathering
	c.localUfrag, c.localPwd = randomIceCredential(8), randomIceCredential(24)
	c.remoteStaticKey = remoteStaticKey

	c.handshake = noise.NewInitiator(n.config.StaticPrivateKey, n.config.StaticPublicKey, remoteStaticKey)
	msg1, err := c.handshake.WriteMessage1()
	if err != nil {
		return Offer{}, err
	}

	n.acquireRelays(c, relays)
	n.connections[id] = c

	return Offer{
		StaticPublicKey: n.config.StaticPublicKey,
		IceUfrag:        c.localUfrag,
		IcePwd:          c.localPwd,
		handshakeMsg1:   msg1,
	}, nil
}

// AcceptConnection is the server-role symmetric operation: it consumes the
// peer's Offer, completes the responder half of the Noise handshake, and
// returns an Answer.
func (n *Node) AcceptConnection(id int, offer Offer, remoteStaticKey noise.Key, relays []RelayConfig, now time.Time) (Answer, error) {
	if _, exists := n.connections[id]; exists {
		return Answer{}, newError(DuplicateConnectionId, errors.Errorf("connection %d already exists", id))
	}

	c := newConnection(id, n.config.Role, now)
	c.state = stateGathering
	c.localUfrag, c.localPwd = randomIceCredential(8), randomIceCredential(24)

	c.handshake = noise.NewResponder(n.config.StaticPrivateKey, n.config.StaticPublicKey)
	if err := c.handshake.ReadMessage1(offer.handshakeMsg1); err != nil {
		return Answer{}, newError(ProtocolError, err)
	}
	msg2, err := c.handshake.WriteMessage2()
	if err != nil {
		return Answer{}, err
	}
	send, recv, err := c.handshake.Keys()
	if err != nil {
		return Answer{}, err
	}
	c.session = noise.NewSession(send, recv, uint32(id), uint32(id), now)

	n.acquireRelays(c, relays)
	n.connections[id] = c
	c.acceptAnswer(now, offer.IceUfrag, offer.IcePwd, remoteStaticKey)

	return Answer{
		StaticPublicKey: n.config.StaticPublicKey,
		IceUfrag:        c.localUfrag,
		IcePwd:          c.localPwd,
		handshakeMsg2:   msg2,
	}, nil
}

// AcceptAnswer completes the client-role handshake. A stale id (the
// connection may have already timed out) is tolerated and silently
// dropped, per spec.md §4.1/§8.
func (n *Node) AcceptAnswer(id int, remoteStaticKey noise.Key, answer Answer, now time.Time) error {
	c, ok := n.connections[id]
	if !ok {
		return nil
	}
	if err := c.handshake.ReadMessage2(answer.handshakeMsg2); err != nil {
		log.Warn("connection %d: rejecting answer, handshake message 2 invalid: %v", id, err)
		n.protocolErrors++
		return nil
	}
	send, recv, err := c.handshake.Keys()
	if err != nil {
		log.Warn("connection %d: deriving transport keys failed: %v", id, err)
		n.protocolErrors++
		return nil
	}
	c.session = noise.NewSession(send, recv, uint32(id), uint32(id), now)
	c.acceptAnswer(now, answer.IceUfrag, answer.IcePwd, remoteStaticKey)
	return nil
}

// AddLocalHostCandidate feeds a local host candidate to every connection
// currently tracked by the node — host candidates reflect the machine's
// own interfaces, not any one peer relationship. Candidates queued before
// the relevant connection's answer is accepted are held back from
// signalling (spec.md §3 invariant).
func (n *Node) AddLocalHostCandidate(addr *net.UDPAddr) {
	ta := ice.MakeTransportAddress(addr)
	for _, c := range n.connections {
		cand := ice.NewHostCandidate(1, ta)
		c.addLocalCandidate(cand)
		if c.localCandidatesSignalable {
			n.eventQueue = append(n.eventQueue, SignalIceCandidate{ConnectionID: c.ID, CandidateSDP: cand.SDP()})
		}
	}
}

// AddRemoteCandidate feeds a single remote candidate, serialized as an SDP
// candidate line, to connection id.
func (n *Node) AddRemoteCandidate(id int, sdp string, now time.Time) error {
	c, ok := n.connections[id]
	if !ok {
		return newError(UnknownConnectionId, errors.Errorf("connection %d not found", id))
	}
	cand, err := ice.ParseCandidateSDP(sdp)
	if err != nil {
		n.protocolErrors++
		return newError(ProtocolError, err)
	}
	c.addRemoteCandidate(cand)
	return nil
}

// Decapsulate classifies an inbound datagram and either consumes it
// internally (STUN/TURN/handshake control traffic) or decrypts the
// established session's payload into outBuf, the caller-owned buffer whose
// capacity bounds how much plaintext a single call can yield: outBuf is
// never retained past this call, and the returned plaintext is a subslice
// of it. A plaintext that doesn't fit yields ok=false and a *Error of Kind
// BufferTooSmall, distinguishable from the ok=false/err=nil case (control
// traffic consumed internally, or a datagram that didn't route anywhere).
func (n *Node) Decapsulate(from ice.TransportAddress, data []byte, now time.Time, outBuf []byte) (id int, plaintext []byte, ok bool, err error) {
	switch codec.Classify(data) {
	case codec.STUN:
		msg, parseErr := stun.Parse(data)
		if parseErr != nil {
			n.protocolErrors++
			return 0, nil, false, nil
		}
		if msg.Class == stun.Indication && msg.Method == stun.MethodData {
			return n.handleDataIndication(from, msg, now, outBuf)
		}
		n.handleStunMessage(msg, from, now)
		return 0, nil, false, nil

	case codec.ChannelData:
		ch, payload, decodeErr := turn.DecodeChannelData(data)
		if decodeErr != nil {
			n.protocolErrors++
			return 0, nil, false, nil
		}
		return n.handleRelayedPayload(from, ch, payload, now, outBuf)

	case codec.Transport:
		return n.handleTransport(from, data, outBuf)

	default:
		return 0, nil, false, nil
	}
}

func (n *Node) handleStunMessage(msg *stun.Message, from ice.TransportAddress, now time.Time) {
	if msg.Method == stun.MethodBinding {
		for _, c := range n.connections {
			if c.pairAgent == nil {
				continue
			}
			for _, local := range c.local {
				reply := c.pairAgent.HandleStunMessage(msg, from, local.Address, now)
				if reply == nil {
					continue
				}
				if c.refreshSelection(now) {
					n.eventQueue = append(n.eventQueue, ConnectionEstablished{ConnectionID: c.ID})
				}
				data, extra := c.routeThroughPair(reply.Pair, reply.Data, now)
				n.transmitQueue = append(n.transmitQueue, extra...)
				n.transmitQueue = append(n.transmitQueue, data)
				return
			}
			if c.refreshSelection(now) {
				n.eventQueue = append(n.eventQueue, ConnectionEstablished{ConnectionID: c.ID})
			}
		}
		return
	}

	for _, alloc := range n.allocations.All() {
		retry, err := alloc.HandleMessage(msg, now)
		if err != nil {
			n.protocolErrors++
			continue
		}
		if retry != nil {
			n.transmitQueue = append(n.transmitQueue, Transmit{Dst: ice.MakeTransportAddress(alloc.ServerAddr), Payload: retry})
		}
		n.surfaceRelayCandidate(alloc)
	}
}

// surfaceRelayCandidate adds a Relay candidate to every connection sharing
// alloc the first time it reaches Allocated, signalling it immediately if
// that connection's answer has already been accepted.
func (n *Node) surfaceRelayCandidate(alloc *turn.Allocation) {
	key := alloc.ServerAddr.String()
	for _, c := range n.connections {
		if c.relayServers[key] != alloc {
			continue
		}
		cand, added := c.maybeAddRelayCandidate(key, alloc)
		if added && c.localCandidatesSignalable {
			n.eventQueue = append(n.eventQueue, SignalIceCandidate{ConnectionID: c.ID, CandidateSDP: cand.SDP()})
		}
	}
}

// handleRelayedPayload unwraps a ChannelData-framed datagram received from
// a relay once that peer's channel binding has been confirmed.
func (n *Node) handleRelayedPayload(from ice.TransportAddress, ch uint16, payload []byte, now time.Time, outBuf []byte) (int, []byte, bool, error) {
	for _, alloc := range n.allocations.All() {
		if ice.MakeTransportAddress(alloc.ServerAddr) != from {
			continue
		}
		peerAddr, ok := alloc.Channels.PeerFor(ch)
		if !ok {
			return 0, nil, false, nil
		}
		peerUDP, err := net.ResolveUDPAddr("udp", peerAddr)
		if err != nil {
			n.protocolErrors++
			return 0, nil, false, nil
		}
		return n.handleRelayedFrom(peerUDP, payload, now, outBuf)
	}
	return 0, nil, false, nil
}

// handleDataIndication unwraps a Data indication, the relay's delivery
// mechanism for a peer that hasn't had a channel bound yet, per
// [RFC5766 §10].
func (n *Node) handleDataIndication(from ice.TransportAddress, msg *stun.Message, now time.Time, outBuf []byte) (int, []byte, bool, error) {
	for _, alloc := range n.allocations.All() {
		if ice.MakeTransportAddress(alloc.ServerAddr) != from {
			continue
		}
		peerUDP, payload, err := turn.DecodeDataIndication(msg)
		if err != nil {
			n.protocolErrors++
			return 0, nil, false, nil
		}
		return n.handleRelayedFrom(peerUDP, payload, now, outBuf)
	}
	return 0, nil, false, nil
}

// handleRelayedFrom classifies a payload a relay has unwrapped on our
// behalf (from either ChannelData or a Data indication) and dispatches it
// the same way a payload received directly from peerUDP would be.
func (n *Node) handleRelayedFrom(peerUDP *net.UDPAddr, payload []byte, now time.Time, outBuf []byte) (int, []byte, bool, error) {
	peer := ice.MakeTransportAddress(peerUDP)

	switch codec.Classify(payload) {
	case codec.STUN:
		msg, err := stun.Parse(payload)
		if err != nil {
			n.protocolErrors++
			return 0, nil, false, nil
		}
		n.handleStunMessage(msg, peer, now)
		return 0, nil, false, nil
	case codec.Transport:
		return n.handleTransport(peer, payload, outBuf)
	}
	return 0, nil, false, nil
}

func (n *Node) handleTransport(from ice.TransportAddress, data []byte, outBuf []byte) (int, []byte, bool, error) {
	for _, c := range n.connections {
		if c.pairAgent == nil {
			continue
		}
		for _, p := range c.pairAgent.Pairs() {
			if p.Remote.Address != from {
				continue
			}
			plaintext, err := c.decrypt(data, outBuf)
			if err != nil {
				if meshErr, ok := err.(*Error); ok && meshErr.Kind == BufferTooSmall {
					return 0, nil, false, meshErr
				}
				n.protocolErrors++
				return 0, nil, false, nil
			}
			return c.ID, plaintext, true, nil
		}
	}
	return 0, nil, false, nil
}

// Encapsulate encrypts plaintext for connection id and returns the
// datagram to transmit over its currently nominated pair. If that pair is
// a relay candidate still completing its CreatePermission/ChannelBind
// handshake, the request driving that handshake forward is queued onto
// the transmit queue rather than returned directly, so the caller's single
// Transmit return value keeps meaning "the encrypted payload to send."
func (n *Node) Encapsulate(id int, plaintext []byte, now time.Time) (Transmit, error) {
	c, ok := n.connections[id]
	if !ok {
		return Transmit{}, newError(UnknownConnectionId, errors.Errorf("connection %d not found", id))
	}
	tr, extra, err := c.encrypt(plaintext, now)
	if err != nil {
		return Transmit{}, err
	}
	n.transmitQueue = append(n.transmitQueue, extra...)
	return tr, nil
}

// Reconnect invalidates pair results across every connection, keeping
// candidates where still valid, and re-runs checks — used after an
// interface change (spec.md §4.1, §4.3).
func (n *Node) Reconnect(now time.Time) {
	for _, c := range n.connections {
		c.reconnect()
	}
}

// PollTransmit, PollEvent, PollTimeout are the non-blocking drains callers
// use to observe engine output (spec.md §4.1/§5).
func (n *Node) PollTransmit() (Transmit, bool) {
	if len(n.transmitQueue) == 0 {
		return Transmit{}, false
	}
	t := n.transmitQueue[0]
	n.transmitQueue = n.transmitQueue[1:]
	return t, true
}

func (n *Node) PollEvent() (Event, bool) {
	if len(n.eventQueue) == 0 {
		return nil, false
	}
	e := n.eventQueue[0]
	n.eventQueue = n.eventQueue[1:]
	return e, true
}

// PollTimeout returns the minimum deadline across all connections and
// allocations — the earliest instant at which HandleTimeout has new work
// to do, per spec.md §5's ordering guarantee. It only inspects state, never
// mutates it: the actual connectivity-check and refresh cadence is driven
// by HandleTimeout itself, which a caller is expected to re-enter at least
// as often as this deadline (and may re-enter more often, e.g. on its own
// checkInterval-sized ticker, with no harm beyond a few wasted calls).
func (n *Node) PollTimeout() (time.Time, bool) {
	var min time.Time
	found := false
	consider := func(d time.Time) {
		if !found || d.Before(min) {
			min, found = d, true
		}
	}

	for _, c := range n.connections {
		if c.state == stateFailed {
			continue
		}
		consider(c.createdAt.Add(hardTimeout))
		if c.answerAccepted && !c.checkedSoftCap {
			consider(c.answerAt.Add(softTimeout))
		}
	}
	for _, alloc := range n.allocations.All() {
		if alloc.State == turn.Allocated {
			consider(alloc.RefreshDeadline())
		}
	}
	return min, found
}

// HandleTimeout runs every state machine whose deadline is ≤ now.
func (n *Node) HandleTimeout(now time.Time) {
	for id, c := range n.connections {
		transmits, events := c.handleTimeout(now)
		n.transmitQueue = append(n.transmitQueue, transmits...)
		n.eventQueue = append(n.eventQueue, events...)
		if c.state == stateFailed {
			delete(n.connections, id)
		}
	}
	for _, alloc := range n.allocations.All() {
		if retry, deadline := alloc.Poll(now); retry != nil {
			n.transmitQueue = append(n.transmitQueue, Transmit{Dst: ice.MakeTransportAddress(alloc.ServerAddr), Payload: retry})
		} else {
			_ = deadline
		}
	}
}

// Stats returns a snapshot of engine counters.
func (n *Node) Stats() Stats {
	return Stats{
		ProtocolErrors:    n.protocolErrors,
		ActiveConnections: len(n.connections),
		ActiveAllocations: n.allocations.Len(),
	}
}

// Close releases all connections and allocations without emitting further
// events.
func (n *Node) Close() {
	n.connections = make(map[int]*Connection)
	n.allocations = turn.NewManager()
	n.transmitQueue = nil
	n.eventQueue = nil
}

func (n *Node) acquireRelays(c *Connection, relays []RelayConfig) {
	for _, r := range relays {
		alloc, fresh := n.allocations.Acquire(r.Address, r.Username, r.Password)
		alloc.Realm = r.Realm
		c.relayServers[r.Address.String()] = alloc
		if fresh {
			log.Debug("connection %d: allocating fresh relay on %s", c.ID, r.Address)
			msg := alloc.Start()
			n.transmitQueue = append(n.transmitQueue, Transmit{Dst: ice.MakeTransportAddress(r.Address), Payload: msg})
		} else {
			log.Debug("connection %d: reusing existing allocation on %s", c.ID, r.Address)
		}
	}
}

const credentialAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// randomIceCredential produces a fresh ICE ufrag/password of length n,
// drawn from a crypto/rand source, per [RFC8445 §16] (ASCII, avoids the
// need for any escaping in SDP).
func randomIceCredential(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("meshconn: crypto/rand unavailable: %v", err))
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = credentialAlphabet[int(b)%len(credentialAlphabet)]
	}
	return string(out)
}
