// Package codec classifies an inbound datagram as STUN/TURN control
// traffic, TURN ChannelData, or session transport ciphertext, without
// fully parsing it. It replaces the teacher's goroutine-driven mux.Mux
// demultiplexer with a pure function: the caller decides what to do with
// the classification, rather than the codec owning registered endpoints
// and dispatching to them itself.
package codec

import (
	"github.com/lanikai/meshconn/internal/noise"
	"github.com/lanikai/meshconn/internal/stun"
	"github.com/lanikai/meshconn/internal/turn"
)

// Kind identifies which layer should parse a datagram next.
type Kind int

const (
	Unknown Kind = iota
	STUN
	ChannelData
	Transport
)

func (k Kind) String() string {
	switch k {
	case STUN:
		return "stun"
	case ChannelData:
		return "channeldata"
	case Transport:
		return "transport"
	default:
		return "unknown"
	}
}

// Classify inspects the leading bytes of data and reports which codec
// should parse it next. Classification is purely structural — it does not
// validate MESSAGE-INTEGRITY or decrypt anything, since either can fail
// legitimately (aged credentials, wrong key) without changing which parser
// the caller should have tried.
func Classify(data []byte) Kind {
	switch {
	case stun.Looks(data):
		return STUN
	case turn.LooksLikeChannelData(data):
		return ChannelData
	case len(data) > 0 && data[0] == noise.FrameTypeData:
		return Transport
	default:
		return Unknown
	}
}
