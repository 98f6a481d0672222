package meshconn

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/lanikai/meshconn/internal/ice"
	"github.com/lanikai/meshconn/internal/noise"
)

// Offer is produced by new_connection and carries everything the answering
// side needs to complete the ICE credential exchange and the first half of
// the Noise_IK handshake. The engine's own on-the-wire concern (spec.md §6)
// is limited to this JSON encoding, which base64-frames the handshake
// payload; callers are free to wrap it in whatever signalling envelope they
// like.
type Offer struct {
	StaticPublicKey noise.Key
	IceUfrag        string
	IcePwd          string
	handshakeMsg1   []byte
}

// Answer is produced by accept_connection (server role) in response to an
// Offer, completing the responder's half of the handshake.
type Answer struct {
	StaticPublicKey noise.Key
	IceUfrag        string
	IcePwd          string
	handshakeMsg2   []byte
}

type offerWire struct {
	StaticPublicKey string `json:"staticPublicKey"`
	IceUfrag        string `json:"iceUfrag"`
	IcePwd          string `json:"icePwd"`
	HandshakeMsg1   string `json:"handshakeMsg1"`
}

func (o Offer) MarshalJSON() ([]byte, error) {
	return json.Marshal(offerWire{
		StaticPublicKey: base64.StdEncoding.EncodeToString(o.StaticPublicKey[:]),
		IceUfrag:        o.IceUfrag,
		IcePwd:          o.IcePwd,
		HandshakeMsg1:   base64.StdEncoding.EncodeToString(o.handshakeMsg1),
	})
}

func (o *Offer) UnmarshalJSON(data []byte) error {
	var w offerWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	pub, err := base64.StdEncoding.DecodeString(w.StaticPublicKey)
	if err != nil {
		return fmt.Errorf("meshconn: offer staticPublicKey: %w", err)
	}
	if len(pub) != len(o.StaticPublicKey) {
		return fmt.Errorf("meshconn: offer staticPublicKey has wrong length %d", len(pub))
	}
	msg1, err := base64.StdEncoding.DecodeString(w.HandshakeMsg1)
	if err != nil {
		return fmt.Errorf("meshconn: offer handshakeMsg1: %w", err)
	}
	copy(o.StaticPublicKey[:], pub)
	o.IceUfrag, o.IcePwd = w.IceUfrag, w.IcePwd
	o.handshakeMsg1 = msg1
	return nil
}

type answerWire struct {
	StaticPublicKey string `json:"staticPublicKey"`
	IceUfrag        string `json:"iceUfrag"`
	IcePwd          string `json:"icePwd"`
	HandshakeMsg2   string `json:"handshakeMsg2"`
}

func (a Answer) MarshalJSON() ([]byte, error) {
	return json.Marshal(answerWire{
		StaticPublicKey: base64.StdEncoding.EncodeToString(a.StaticPublicKey[:]),
		IceUfrag:        a.IceUfrag,
		IcePwd:          a.IcePwd,
		HandshakeMsg2:   base64.StdEncoding.EncodeToString(a.handshakeMsg2),
	})
}

func (a *Answer) UnmarshalJSON(data []byte) error {
	var w answerWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	pub, err := base64.StdEncoding.DecodeString(w.StaticPublicKey)
	if err != nil {
		return fmt.Errorf("meshconn: answer staticPublicKey: %w", err)
	}
	if len(pub) != len(a.StaticPublicKey) {
		return fmt.Errorf("meshconn: answer staticPublicKey has wrong length %d", len(pub))
	}
	msg2, err := base64.StdEncoding.DecodeString(w.HandshakeMsg2)
	if err != nil {
		return fmt.Errorf("meshconn: answer handshakeMsg2: %w", err)
	}
	copy(a.StaticPublicKey[:], pub)
	a.IceUfrag, a.IcePwd = w.IceUfrag, w.IcePwd
	a.handshakeMsg2 = msg2
	return nil
}

// Event is the tagged union of values the caller drains via PollEvent.
type Event interface{ isEvent() }

// SignalIceCandidate asks the caller to forward a local candidate to the
// peer over its signalling channel. Per spec.md §3's invariant, this never
// fires for a candidate queued before the local role has accepted the
// remote's offer/answer.
type SignalIceCandidate struct {
	ConnectionID int
	CandidateSDP string
}

func (SignalIceCandidate) isEvent() {}

// ConnectionEstablished fires once a pair is nominated and the Noise
// handshake has completed.
type ConnectionEstablished struct {
	ConnectionID int
}

func (ConnectionEstablished) isEvent() {}

// ConnectionFailed is terminal; the connection is reaped after this fires.
type ConnectionFailed struct {
	ConnectionID int
}

func (ConnectionFailed) isEvent() {}

// Transmit is a datagram the caller must send. An absent Src means "send
// via whichever path the engine selected" (including through a relay);
// a present Src must be honored, used for interface affinity.
type Transmit struct {
	Src     *ice.TransportAddress
	Dst     ice.TransportAddress
	Payload []byte
}
