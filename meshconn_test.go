package meshconn

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/meshconn/internal/ice"
	"github.com/lanikai/meshconn/internal/noise"
	"github.com/lanikai/meshconn/internal/stun"
	"github.com/lanikai/meshconn/internal/turn"
)

func newTestNode(t *testing.T, role Role) (*Node, noise.Key) {
	t.Helper()
	priv, pub, err := noise.GenerateKey()
	require.NoError(t, err)
	return NewNode(NodeConfig{Role: role, StaticPrivateKey: priv, StaticPublicKey: pub}), pub
}

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return a
}

// pump drains every queued transmit from src and hands it to dst, the way
// a real socket pair would: the receiver observes the sender's Src as the
// packet's origin.
func pump(t *testing.T, src, dst *Node, now time.Time) int {
	t.Helper()
	n := 0
	outBuf := make([]byte, 2048)
	for {
		tr, ok := src.PollTransmit()
		if !ok {
			return n
		}
		from := tr.Dst
		if tr.Src != nil {
			from = *tr.Src
		}
		dst.Decapsulate(from, tr.Payload, now, outBuf)
		n++
	}
}

// TestHostToHostConnectsQuickly exercises scenario 1 of the end-to-end
// table: two nodes with only host candidates reach Established well within
// the 2s budget a direct path should need.
func TestHostToHostConnectsQuickly(t *testing.T) {
	start := time.Now()
	alice, alicePub := newTestNode(t, Client)
	bob, bobPub := newTestNode(t, Server)

	offer, err := alice.NewConnection(1, bobPub, nil, start)
	require.NoError(t, err)

	answer, err := bob.AcceptConnection(1, offer, alicePub, nil, start)
	require.NoError(t, err)

	require.NoError(t, alice.AcceptAnswer(1, bobPub, answer, start))

	alice.AddLocalHostCandidate(udpAddr(t, "10.0.0.1:5000"))
	bob.AddLocalHostCandidate(udpAddr(t, "10.0.0.2:5000"))

	drainSignalling(t, alice, bob, start)

	now := start
	for i := 0; i < 20 && (alice.connections[1].state != stateEstablished); i++ {
		now = now.Add(100 * time.Millisecond)
		alice.HandleTimeout(now)
		bob.HandleTimeout(now)
		pump(t, alice, bob, now)
		pump(t, bob, alice, now)
	}

	assert.Less(t, now.Sub(start), 2*time.Second)
	assert.Equal(t, stateEstablished, alice.connections[1].state)
	assert.True(t, sawConnectionEstablished(t, alice, 1), "alice must emit ConnectionEstablished once nominated")
	assert.True(t, sawConnectionEstablished(t, bob, 1), "bob must emit ConnectionEstablished once nominated")
}

// sawConnectionEstablished drains n's event queue looking for
// ConnectionEstablished(id), discarding any other events encountered (e.g.
// SignalIceCandidate for peer-reflexive candidates adopted mid-check).
func sawConnectionEstablished(t *testing.T, n *Node, id int) bool {
	t.Helper()
	found := false
	for {
		e, ok := n.PollEvent()
		if !ok {
			return found
		}
		if ce, ok := e.(ConnectionEstablished); ok && ce.ConnectionID == id {
			found = true
		}
	}
}

// drainSignalling copies SignalIceCandidate events from each node to the
// other's AddRemoteCandidate, imitating an external signalling channel.
func drainSignalling(t *testing.T, alice, bob *Node, now time.Time) {
	t.Helper()
	for {
		progressed := false
		if e, ok := alice.PollEvent(); ok {
			if sig, ok := e.(SignalIceCandidate); ok {
				require.NoError(t, bob.AddRemoteCandidate(sig.ConnectionID, sig.CandidateSDP, now))
				progressed = true
			}
		}
		if e, ok := bob.PollEvent(); ok {
			if sig, ok := e.(SignalIceCandidate); ok {
				require.NoError(t, alice.AddRemoteCandidate(sig.ConnectionID, sig.CandidateSDP, now))
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// TestAllocationReuseAcrossConnections exercises scenario 5: two
// connections to the same node naming the same relay tuple share one
// Allocation, so the second new_connection produces no extra Allocate
// traffic.
func TestAllocationReuseAcrossConnections(t *testing.T) {
	start := time.Now()
	alice, _ := newTestNode(t, Client)
	_, bobPub := newTestNode(t, Server)
	_, carolPub := newTestNode(t, Server)

	relay := RelayConfig{Address: udpAddr(t, "203.0.113.9:3478"), Username: "u", Password: "p", Realm: "r"}

	_, err := alice.NewConnection(1, bobPub, []RelayConfig{relay}, start)
	require.NoError(t, err)
	assert.Equal(t, 1, alice.Stats().ActiveAllocations)
	firstAllocateCount := len(alice.transmitQueue)
	assert.Equal(t, 1, firstAllocateCount, "first connection must send exactly one Allocate")
	alice.transmitQueue = nil

	_, err = alice.NewConnection(2, carolPub, []RelayConfig{relay}, start)
	require.NoError(t, err)
	assert.Equal(t, 1, alice.Stats().ActiveAllocations, "second connection must reuse the existing allocation")
	assert.Empty(t, alice.transmitQueue, "reusing an allocation must not resend Allocate")
}

// TestHardTimeoutFailsConnectionExactlyOnce exercises scenario 4: a
// connection with no viable path fails at the 20s hard cap, emitting
// ConnectionFailed exactly once.
func TestHardTimeoutFailsConnectionExactlyOnce(t *testing.T) {
	start := time.Now()
	alice, _ := newTestNode(t, Client)
	_, bobPub := newTestNode(t, Server)

	_, err := alice.NewConnection(1, bobPub, nil, start)
	require.NoError(t, err)

	alice.HandleTimeout(start.Add(19 * time.Second))
	assertNoFailedEvent(t, alice)

	alice.HandleTimeout(start.Add(20 * time.Second))
	failed := countFailedEvents(t, alice)
	assert.Equal(t, 1, failed)

	alice.HandleTimeout(start.Add(21 * time.Second))
	assert.Equal(t, 0, countFailedEvents(t, alice), "connection must already be reaped, not fail twice")
}

func countFailedEvents(t *testing.T, n *Node) int {
	t.Helper()
	count := 0
	for {
		e, ok := n.PollEvent()
		if !ok {
			return count
		}
		if _, ok := e.(ConnectionFailed); ok {
			count++
		}
	}
}

func assertNoFailedEvent(t *testing.T, n *Node) {
	t.Helper()
	assert.Equal(t, 0, countFailedEvents(t, n))
}

// TestLateCandidateAfterSoftCapDoesNotFailConnection exercises scenario 6:
// accept_answer lands at start+10s with a candidate already known, a
// further remote candidate arrives at start+11s, and the soft-timeout
// check 10s after acceptance (start+20s) must not fail the connection
// since it was never without any candidate.
func TestLateCandidateAfterSoftCapDoesNotFailConnection(t *testing.T) {
	start := time.Now()
	alice, alicePub := newTestNode(t, Client)
	bob, bobPub := newTestNode(t, Server)

	offer, err := alice.NewConnection(1, bobPub, nil, start)
	require.NoError(t, err)
	alice.AddLocalHostCandidate(udpAddr(t, "10.0.0.1:5000"))

	answer, err := bob.AcceptConnection(1, offer, alicePub, nil, start)
	require.NoError(t, err)

	acceptAt := start.Add(10 * time.Second)
	require.NoError(t, alice.AcceptAnswer(1, bobPub, answer, acceptAt))
	require.NoError(t, alice.AddRemoteCandidate(1, hostCandidateSDP(t, "10.0.0.2", 5000), acceptAt))

	lateAt := start.Add(11 * time.Second)
	require.NoError(t, alice.AddRemoteCandidate(1, hostCandidateSDP(t, "10.0.0.3", 5000), lateAt))

	alice.HandleTimeout(acceptAt.Add(10 * time.Second))
	assertNoFailedEvent(t, alice)
	assert.NotEqual(t, stateFailed, alice.connections[1].state)
}

func hostCandidateSDP(t *testing.T, ip string, port int) string {
	t.Helper()
	addr := udpAddr(t, net.JoinHostPort(ip, strconv.Itoa(port)))
	cand := ice.NewHostCandidate(1, ice.MakeTransportAddress(addr))
	return cand.SDP()
}

// TestReconnectResurfacesLocalCandidatesPromptly exercises scenario 3: a
// simulated network switch (reconnect) re-emits SignalIceCandidate for the
// freshly-added interface candidate within 1 second of HandleTimeout being
// driven.
func TestReconnectResurfacesLocalCandidatesPromptly(t *testing.T) {
	start := time.Now()
	alice, alicePub := newTestNode(t, Client)
	bob, bobPub := newTestNode(t, Server)

	offer, err := alice.NewConnection(1, bobPub, nil, start)
	require.NoError(t, err)
	answer, err := bob.AcceptConnection(1, offer, alicePub, nil, start)
	require.NoError(t, err)
	require.NoError(t, alice.AcceptAnswer(1, bobPub, answer, start))

	alice.AddLocalHostCandidate(udpAddr(t, "10.0.0.1:5000"))
	bob.AddLocalHostCandidate(udpAddr(t, "10.0.0.2:5000"))
	drainSignalling(t, alice, bob, start)

	now := start
	for i := 0; i < 20 && alice.connections[1].state != stateEstablished; i++ {
		now = now.Add(100 * time.Millisecond)
		alice.HandleTimeout(now)
		bob.HandleTimeout(now)
		pump(t, alice, bob, now)
		pump(t, bob, alice, now)
	}
	require.Equal(t, stateEstablished, alice.connections[1].state)

	switchAt := now
	alice.Reconnect(switchAt)
	alice.AddLocalHostCandidate(udpAddr(t, "192.168.1.5:6000"))

	var sawSignal bool
	deadline := switchAt.Add(1 * time.Second)
	for now = switchAt; now.Before(deadline); now = now.Add(100 * time.Millisecond) {
		alice.HandleTimeout(now)
		if e, ok := alice.PollEvent(); ok {
			if _, ok := e.(SignalIceCandidate); ok {
				sawSignal = true
				break
			}
		}
	}
	assert.True(t, sawSignal, "switching networks must resurface a SignalIceCandidate within 1s")
}

// fakeTurnServer stands in for a real TURN server so the relayed scenario
// can be driven without a live network: it answers Allocate/
// CreatePermission/ChannelBind requests and relays ChannelData/Send-
// indication payloads between the allocations it owns, picking ChannelData
// versus a Data indication for each delivery the same way a real server
// would — based on whether the recipient has bound a channel for the
// sender, not however the sender chose to frame its own send.
type fakeTurnServer struct {
	addr     *net.UDPAddr
	nextPort int
	byClient map[string]*fakeRelayAlloc
}

type fakeRelayAlloc struct {
	relayed *net.UDPAddr
	peers   map[string]uint16 // peer's relayed address -> channel bound to it
}

func newFakeTurnServer(addr *net.UDPAddr) *fakeTurnServer {
	return &fakeTurnServer{addr: addr, nextPort: 50000, byClient: make(map[string]*fakeRelayAlloc)}
}

// service drains every transmit clientNode queued for this relay and
// replies or forwards it, putting back untouched any transmit addressed
// elsewhere (e.g. a direct host-candidate check this scenario doesn't use).
func (s *fakeTurnServer) service(t *testing.T, clientID string, clientNode, peerNode *Node, now time.Time) {
	t.Helper()
	relayTA := ice.MakeTransportAddress(s.addr)

	var rest []Transmit
	for {
		tr, ok := clientNode.PollTransmit()
		if !ok {
			break
		}
		if tr.Dst != relayTA {
			rest = append(rest, tr)
			continue
		}
		s.handle(t, clientID, clientNode, peerNode, tr, now)
	}
	clientNode.transmitQueue = append(clientNode.transmitQueue, rest...)
}

func (s *fakeTurnServer) handle(t *testing.T, clientID string, clientNode, peerNode *Node, tr Transmit, now time.Time) {
	t.Helper()
	outBuf := make([]byte, 2048)
	relayTA := ice.MakeTransportAddress(s.addr)

	if turn.LooksLikeChannelData(tr.Payload) {
		sender := s.byClient[clientID]
		require.NotNil(t, sender, "channeldata before allocation exists")
		ch, payload, err := turn.DecodeChannelData(tr.Payload)
		require.NoError(t, err)
		var peerAddr string
		for addr, bound := range sender.peers {
			if bound == ch {
				peerAddr = addr
			}
		}
		require.NotEmpty(t, peerAddr, "channeldata for unbound channel")
		s.deliver(t, sender, peerAddr, payload, peerNode, now)
		return
	}

	msg, err := stun.Parse(tr.Payload)
	require.NoError(t, err)

	switch {
	case msg.Class == stun.Request && msg.Method == stun.MethodAllocate:
		alloc := &fakeRelayAlloc{
			relayed: &net.UDPAddr{IP: s.addr.IP, Port: s.nextPort},
			peers:   make(map[string]uint16),
		}
		s.nextPort++
		s.byClient[clientID] = alloc

		resp := &stun.Message{Class: stun.SuccessResponse, Method: stun.MethodAllocate, TransactionID: msg.TransactionID}
		resp.AddXorAddress(stun.AttrXorRelayedAddress, alloc.relayed)
		resp.AddUint32(stun.AttrLifetime, 600)
		clientNode.Decapsulate(relayTA, resp.Bytes(), now, outBuf)

	case msg.Class == stun.Request && msg.Method == stun.MethodCreatePermission:
		resp := &stun.Message{Class: stun.SuccessResponse, Method: stun.MethodCreatePermission, TransactionID: msg.TransactionID}
		clientNode.Decapsulate(relayTA, resp.Bytes(), now, outBuf)

	case msg.Class == stun.Request && msg.Method == stun.MethodChannelBind:
		sender := s.byClient[clientID]
		peer, err := msg.GetXorAddress(stun.AttrXorPeerAddress)
		require.NoError(t, err)
		chAttr, ok := msg.Get(stun.AttrChannelNumber)
		require.True(t, ok)
		ch := uint16(chAttr.Value[0])<<8 | uint16(chAttr.Value[1])
		sender.peers[peer.String()] = ch

		resp := &stun.Message{Class: stun.SuccessResponse, Method: stun.MethodChannelBind, TransactionID: msg.TransactionID}
		clientNode.Decapsulate(relayTA, resp.Bytes(), now, outBuf)

	case msg.Class == stun.Indication && msg.Method == stun.MethodSend:
		sender := s.byClient[clientID]
		peer, err := msg.GetXorAddress(stun.AttrXorPeerAddress)
		require.NoError(t, err)
		dataAttr, ok := msg.Get(stun.AttrData)
		require.True(t, ok)
		s.deliver(t, sender, peer.String(), dataAttr.Value, peerNode, now)

	default:
		t.Fatalf("fake relay: unexpected message class=%v method=%v", msg.Class, msg.Method)
	}
}

// deliver hands payload, sent by sender to the allocation at peerAddr,
// to peerNode — as ChannelData if that recipient has already bound a
// channel for sender's relayed address, a Data indication otherwise.
func (s *fakeTurnServer) deliver(t *testing.T, sender *fakeRelayAlloc, peerAddr string, payload []byte, peerNode *Node, now time.Time) {
	t.Helper()
	outBuf := make([]byte, 2048)
	relayTA := ice.MakeTransportAddress(s.addr)

	var recipient *fakeRelayAlloc
	for _, a := range s.byClient {
		if a.relayed.String() == peerAddr {
			recipient = a
		}
	}
	require.NotNil(t, recipient, "relay has no allocation for peer %s", peerAddr)

	if ch, bound := recipient.peers[sender.relayed.String()]; bound {
		peerNode.Decapsulate(relayTA, turn.EncodeChannelData(ch, payload), now, outBuf)
		return
	}
	dataMsg := stun.New(stun.Indication, stun.MethodData)
	dataMsg.AddXorAddress(stun.AttrXorPeerAddress, sender.relayed)
	dataMsg.Add(stun.AttrData, payload)
	peerNode.Decapsulate(relayTA, dataMsg.Bytes(), now, outBuf)
}

// TestRelayedConnectivityEstablishesThroughTurn exercises scenario 2: two
// nodes with no viable host-to-host path (both sitting behind a firewall or
// symmetric NAT that blocks any direct candidate pair) still reach
// Established by relaying every datagram, including the connectivity check
// itself, through a shared TURN server — the path this engine only has once
// CreatePermission and ChannelBind actually drive the relay's per-peer
// handshake forward.
func TestRelayedConnectivityEstablishesThroughTurn(t *testing.T) {
	start := time.Now()
	alice, alicePub := newTestNode(t, Client)
	bob, bobPub := newTestNode(t, Server)

	relayAddr := udpAddr(t, "198.51.100.1:3478")
	relay := RelayConfig{Address: relayAddr, Username: "u", Password: "p"}
	server := newFakeTurnServer(relayAddr)

	offer, err := alice.NewConnection(1, bobPub, []RelayConfig{relay}, start)
	require.NoError(t, err)

	answer, err := bob.AcceptConnection(1, offer, alicePub, []RelayConfig{relay}, start)
	require.NoError(t, err)

	require.NoError(t, alice.AcceptAnswer(1, bobPub, answer, start))

	// Neither side is ever given a host candidate — the only candidates
	// either side ever has to pair are the Relay ones their own Allocate
	// success surfaces.
	now := start
	for i := 0; i < 50 && alice.connections[1].state != stateEstablished; i++ {
		now = now.Add(100 * time.Millisecond)
		server.service(t, "alice", alice, bob, now)
		server.service(t, "bob", bob, alice, now)
		alice.HandleTimeout(now)
		bob.HandleTimeout(now)
		drainSignalling(t, alice, bob, now)
	}

	require.Equal(t, stateEstablished, alice.connections[1].state)
	assert.True(t, sawConnectionEstablished(t, alice, 1), "alice must emit ConnectionEstablished once nominated")
	assert.True(t, sawConnectionEstablished(t, bob, 1), "bob must emit ConnectionEstablished once nominated")

	selected := alice.connections[1].pairAgent.Selected()
	require.NotNil(t, selected)
	assert.Equal(t, ice.Relay, selected.Local.Kind, "the only viable path here is relayed")
	assert.Equal(t, ice.Relay, selected.Remote.Kind, "the peer is only reachable via its own relay candidate")
}
