package turn

import (
	"encoding/hex"
	"net"
	"time"

	"github.com/lanikai/meshconn/internal/logging"
	"github.com/lanikai/meshconn/internal/stun"
	"github.com/pkg/errors"
)

var log = logging.DefaultLogger.WithTag("turn")

// State is the lifecycle of an Allocation.
type State int

const (
	Unallocated State = iota
	Allocating
	Allocated
	Refreshing
	Failed
)

func (s State) String() string {
	switch s {
	case Unallocated:
		return "unallocated"
	case Allocating:
		return "allocating"
	case Allocated:
		return "allocated"
	case Refreshing:
		return "refreshing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	defaultLifetime  = 600 * time.Second
	refreshThreshold = 0.75 // refresh once this fraction of the lifetime has elapsed
	maxRetries       = 3
)

// Allocation is a TURN allocation's sans-I/O client state machine: Allocate
// request/response, realm/nonce credential retry, periodic Refresh, and
// per-peer CreatePermission/ChannelBind. It owns no socket — Poll and
// HandleMessage exchange STUN bytes with the caller, who owns the UDP
// connection to the relay.
type Allocation struct {
	ServerAddr *net.UDPAddr
	Username   string
	password   string
	Realm      string
	Nonce      string

	State          State
	RelayedAddress *net.UDPAddr
	Lifetime       time.Duration
	allocatedAt    time.Time

	// RefCount tracks how many Connections share this allocation. The
	// manager reuses an existing Allocated allocation for a matching
	// (server, username) tuple rather than issuing a second Allocate.
	RefCount int

	Channels *ChannelTable
	peers    map[string]*peerRelay

	pendingTxID [12]byte
	pendingKind stunRequestKind
	retries     int

	pendingPeer map[[12]byte]pendingPeerEntry
}

// peerRelay is the per-peer CreatePermission/ChannelBind progress this
// allocation is tracking for one distinct remote address: a permission must
// be installed before the server will relay anything to or from the peer,
// per [RFC5766 §9], and a channel number is bound on top of that the first
// time data is actually sent to the peer, per [RFC5766 §11].
type peerRelay struct {
	permissionExpiry time.Time
	permissionSent   bool

	channel      uint16
	channelBound bool
	channelSent  bool
}

type pendingPeerEntry struct {
	peer string
	kind stunRequestKind
}

type stunRequestKind int

const (
	kindAllocate stunRequestKind = iota
	kindRefresh
	kindCreatePermission
	kindChannelBind
)

// permissionLifetime is the server-side lifetime of an installed
// permission, per [RFC5766 §8] — rerequested lazily the next time
// EnsureRelayReady is called for that peer once it lapses.
const permissionLifetime = 5 * time.Minute

func New(server *net.UDPAddr, username, password string) *Allocation {
	return &Allocation{
		ServerAddr: server,
		Username:   username,
		password:   password,
		Channels:   NewChannelTable(),
		peers:      make(map[string]*peerRelay),
	}
}

// Key identifies an allocation for the manager's reuse-on-match table:
// allocations to the same server with the same username are fungible.
func (a *Allocation) Key() string {
	return a.ServerAddr.String() + "|" + a.Username
}

// RefreshDeadline reports when Poll will next need to send a Refresh, for
// callers computing their own wakeup schedule without driving Poll's side
// effects. Only meaningful once the allocation has reached Allocated.
func (a *Allocation) RefreshDeadline() time.Time {
	refreshAt := time.Duration(float64(a.Lifetime) * refreshThreshold)
	return a.allocatedAt.Add(refreshAt)
}

func (a *Allocation) key() []byte {
	if a.Realm == "" {
		return []byte(a.password)
	}
	return longTermKey(a.Username, a.Realm, a.password)
}

// Start builds the initial Allocate request. The first attempt always goes
// out unauthenticated; the server's 401 challenge supplies REALM/NONCE for
// the retry.
func (a *Allocation) Start() []byte {
	a.State = Allocating
	msg := stun.New(stun.Request, stun.MethodAllocate)
	msg.Add(stun.AttrRequestedTransport, []byte{stun.TransportProtocolUDP, 0, 0, 0})
	a.signAndRemember(msg, kindAllocate)
	return msg.Bytes()
}

func (a *Allocation) signAndRemember(msg *stun.Message, kind stunRequestKind) {
	a.authenticate(msg)
	a.pendingTxID = msg.TransactionID
	a.pendingKind = kind
}

// authenticate appends the long-term credential attributes (or none, for
// the deliberately-unauthenticated first Allocate) plus MESSAGE-INTEGRITY
// and FINGERPRINT, per [RFC5389 §10.2]/[RFC5766].
func (a *Allocation) authenticate(msg *stun.Message) {
	if a.Username != "" {
		msg.Add(stun.AttrUsername, []byte(a.Username))
	}
	if a.Realm != "" {
		msg.Add(stun.AttrRealm, []byte(a.Realm))
		msg.Add(stun.AttrNonce, []byte(a.Nonce))
	}
	msg.AddMessageIntegrity(a.key())
	msg.AddFingerprint()
}

// rememberPeer records a CreatePermission/ChannelBind request's transaction
// ID so the matching response in HandleMessage can be routed back to the
// right peerRelay without disturbing the single in-flight Allocate/Refresh
// transaction tracked by pendingTxID.
func (a *Allocation) rememberPeer(txID [12]byte, peer string, kind stunRequestKind) {
	if a.pendingPeer == nil {
		a.pendingPeer = make(map[[12]byte]pendingPeerEntry)
	}
	a.pendingPeer[txID] = pendingPeerEntry{peer: peer, kind: kind}
}

func (a *Allocation) peerState(peer string) *peerRelay {
	p, ok := a.peers[peer]
	if !ok {
		p = &peerRelay{}
		a.peers[peer] = p
	}
	return p
}

// Poll returns a Refresh request if the allocation's lifetime is
// approaching expiry, and the next deadline Poll should be called again.
func (a *Allocation) Poll(now time.Time) ([]byte, time.Time) {
	if a.State != Allocated {
		return nil, now.Add(time.Second)
	}
	elapsed := now.Sub(a.allocatedAt)
	refreshAt := time.Duration(float64(a.Lifetime) * refreshThreshold)
	if elapsed < refreshAt {
		return nil, a.allocatedAt.Add(refreshAt)
	}

	a.State = Refreshing
	msg := stun.New(stun.Request, stun.MethodRefresh)
	msg.AddUint32(stun.AttrLifetime, uint32(defaultLifetime / time.Second))
	a.signAndRemember(msg, kindRefresh)
	return msg.Bytes(), now.Add(checkInterval)
}

// HandleMessage processes a STUN reply from the relay server. It returns a
// non-nil retry payload if credential renegotiation requires resending the
// original request, or an error if the allocation has permanently failed.
func (a *Allocation) HandleMessage(msg *stun.Message, now time.Time) ([]byte, error) {
	if entry, ok := a.pendingPeer[msg.TransactionID]; ok {
		delete(a.pendingPeer, msg.TransactionID)
		a.handlePeerResponse(entry, msg, now)
		return nil, nil
	}

	if msg.TransactionID != a.pendingTxID {
		return nil, nil // reply to a request we're no longer tracking
	}

	if msg.Class == stun.ErrorResponse {
		return a.handleErrorResponse(msg)
	}

	switch a.pendingKind {
	case kindAllocate:
		return nil, a.handleAllocateSuccess(msg, now)
	case kindRefresh:
		return nil, a.handleRefreshSuccess(msg, now)
	}
	return nil, nil
}

// handlePeerResponse applies a CreatePermission/ChannelBind reply to the
// peerRelay entry it was requested for. An error response just clears the
// in-flight flag so the next EnsureRelayReady call retries from scratch —
// these aren't credentialed the same way Allocate/Refresh are (they reuse
// the allocation's already-established realm/nonce), so there's no
// renegotiation step to drive here.
func (a *Allocation) handlePeerResponse(entry pendingPeerEntry, msg *stun.Message, now time.Time) {
	p, ok := a.peers[entry.peer]
	if !ok {
		return
	}
	if msg.Class == stun.ErrorResponse {
		log.Debug("%v for peer %s rejected, will retry", entry.kind, entry.peer)
		p.permissionSent = false
		p.channelSent = false
		return
	}
	switch entry.kind {
	case kindCreatePermission:
		p.permissionExpiry = now.Add(permissionLifetime)
		log.Debug("permission installed for peer %s, expires %s", entry.peer, p.permissionExpiry)
	case kindChannelBind:
		p.channelBound = true
		log.Debug("channel %#x bound for peer %s", p.channel, entry.peer)
	}
}

func (a *Allocation) handleErrorResponse(msg *stun.Message) ([]byte, error) {
	code, _, _ := msg.GetErrorCode()
	switch code {
	case codeUnauthorized, codeStaleNonce:
		if a.retries >= maxRetries {
			log.Warn("allocation on %s failed after %d credential retries", a.ServerAddr, a.retries)
			a.State = Failed
			return nil, errors.Wrap(ErrUnauthorized, "exceeded credential retry limit")
		}
		a.retries++
		if realm, ok := msg.Get(stun.AttrRealm); ok {
			a.Realm = string(realm.Value)
		}
		if nonce, ok := msg.Get(stun.AttrNonce); ok {
			a.Nonce = string(nonce.Value)
		}
		log.Debug("retrying allocation on %s with realm %q (attempt %d)", a.ServerAddr, a.Realm, a.retries)
		return a.Start(), nil
	default:
		log.Warn("allocation on %s rejected with code %d", a.ServerAddr, code)
		a.State = Failed
		return nil, errors.Wrapf(ErrAllocationQuota, "server error %d", code)
	}
}

func (a *Allocation) handleAllocateSuccess(msg *stun.Message, now time.Time) error {
	relayed, err := msg.GetXorAddress(stun.AttrXorRelayedAddress)
	if err != nil {
		return errors.Wrap(err, "turn: allocate response missing relayed address")
	}
	lifetime, ok := msg.GetUint32(stun.AttrLifetime)
	if !ok {
		lifetime = uint32(defaultLifetime / time.Second)
	}

	a.RelayedAddress = relayed
	a.Lifetime = time.Duration(lifetime) * time.Second
	a.allocatedAt = now
	a.State = Allocated
	a.retries = 0
	log.Info("allocated %s on %s, lifetime %s", relayed, a.ServerAddr, a.Lifetime)
	return nil
}

func (a *Allocation) handleRefreshSuccess(msg *stun.Message, now time.Time) error {
	lifetime, ok := msg.GetUint32(stun.AttrLifetime)
	if ok && lifetime == 0 {
		log.Info("allocation on %s released by refresh", a.ServerAddr)
		a.State = Unallocated
		return nil
	}
	if ok {
		a.Lifetime = time.Duration(lifetime) * time.Second
	}
	a.allocatedAt = now
	a.State = Allocated
	log.Debug("refreshed allocation on %s, lifetime %s", a.ServerAddr, a.Lifetime)
	return nil
}

// HasPermission reports whether a CreatePermission installed for peer is
// still within its lifetime, per [RFC5766 §8].
func (a *Allocation) HasPermission(peer string, now time.Time) bool {
	p, ok := a.peers[peer]
	return ok && now.Before(p.permissionExpiry)
}

// EnsureRelayReady drives this peer's CreatePermission/ChannelBind
// handshake forward, per [RFC5766 §9/§11]: a permission must be installed
// before the server will relay anything to or from peer, and a channel
// number is bound on top of that the first time data is actually sent to
// it, trading the larger Send/Data-indication framing for a 4-byte
// ChannelData header thereafter. The caller should always frame its
// outbound data regardless of what this returns (ChannelData once
// channelReady, a Send indication otherwise) — request is only the
// handshake message needed to make progress, never a condition for sending.
func (a *Allocation) EnsureRelayReady(peer *net.UDPAddr, now time.Time) (ch uint16, channelReady bool, request []byte) {
	key := peer.String()
	p := a.peerState(key)

	if p.channelBound {
		return p.channel, true, nil
	}

	if !a.HasPermission(key, now) {
		if !p.permissionSent {
			msg := stun.New(stun.Request, stun.MethodCreatePermission)
			msg.AddXorAddress(stun.AttrXorPeerAddress, peer)
			a.authenticate(msg)
			p.permissionSent = true
			a.rememberPeer(msg.TransactionID, key, kindCreatePermission)
			request = msg.Bytes()
		}
		return 0, false, request
	}

	if !p.channelSent {
		p.channel = a.Channels.Bind(key)
		msg := stun.New(stun.Request, stun.MethodChannelBind)
		chBytes := []byte{byte(p.channel >> 8), byte(p.channel), 0, 0}
		msg.Add(stun.AttrChannelNumber, chBytes)
		msg.AddXorAddress(stun.AttrXorPeerAddress, peer)
		a.authenticate(msg)
		p.channelSent = true
		a.rememberPeer(msg.TransactionID, key, kindChannelBind)
		request = msg.Bytes()
	}
	return 0, false, request
}

func (a *Allocation) transactionHex() string {
	return hex.EncodeToString(a.pendingTxID[:])
}
