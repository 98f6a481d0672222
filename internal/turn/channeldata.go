package turn

import (
	"fmt"
	"net"

	"github.com/lanikai/meshconn/internal/packet"
	"github.com/lanikai/meshconn/internal/stun"
)

// ChannelDataHeaderLen is the fixed 4-byte ChannelData header, per
// [RFC5766 §11]: a 16-bit channel number followed by a 16-bit length. TURN
// over TCP pads the payload to a 4-byte boundary; this engine is UDP-only
// (spec Non-goals exclude TCP candidates) so no padding is applied.
const ChannelDataHeaderLen = 4

// MinChannelNumber and MaxChannelNumber bound the usable channel-number
// space, per [RFC5766 §11]: 0x4000-0x7FFF inclusive (16383 values).
const (
	MinChannelNumber = 0x4000
	MaxChannelNumber = 0x7FFE
)

// LooksLikeChannelData reports whether data's first two bits are "01", the
// discriminator TURN relies on to distinguish ChannelData from STUN (whose
// first two bits are always "00").
func LooksLikeChannelData(data []byte) bool {
	if len(data) < ChannelDataHeaderLen {
		return false
	}
	return data[0]&0xC0 == 0x40
}

// EncodeChannelData frames payload for channel number ch.
func EncodeChannelData(ch uint16, payload []byte) []byte {
	w := packet.NewWriterSize(ChannelDataHeaderLen + len(payload))
	w.WriteUint16(ch)
	w.WriteUint16(uint16(len(payload)))
	if err := w.WriteSlice(payload); err != nil {
		panic(fmt.Sprintf("turn: %v", err)) // w was sized for payload above
	}
	return w.Bytes()
}

// DecodeChannelData parses a ChannelData-framed datagram, returning the
// channel number and payload slice (a view into data, not a copy).
func DecodeChannelData(data []byte) (ch uint16, payload []byte, err error) {
	r := packet.NewReader(data)
	if err := r.CheckRemaining(ChannelDataHeaderLen); err != nil {
		return 0, nil, fmt.Errorf("turn: channeldata frame too short: %w", err)
	}
	ch = r.ReadUint16()
	length := r.ReadUint16()
	if err := r.CheckRemaining(int(length)); err != nil {
		return 0, nil, fmt.Errorf("turn: channeldata declared length %d exceeds buffer: %w", length, err)
	}
	if ch < MinChannelNumber || ch > MaxChannelNumber {
		return 0, nil, fmt.Errorf("turn: channel number %#x out of range", ch)
	}
	return ch, r.ReadSlice(int(length)), nil
}

// EncodeSendIndication frames payload as a Send indication to peer, the
// unbound-channel equivalent of EncodeChannelData used until a
// ChannelBind completes, per [RFC5766 §10]. Indications carry no
// MESSAGE-INTEGRITY — the allocation is already authenticated by the
// permission covering peer.
func EncodeSendIndication(peer *net.UDPAddr, payload []byte) []byte {
	msg := stun.New(stun.Indication, stun.MethodSend)
	msg.AddXorAddress(stun.AttrXorPeerAddress, peer)
	msg.Add(stun.AttrData, payload)
	msg.AddFingerprint()
	return msg.Bytes()
}

// DecodeDataIndication extracts the originating peer address and relayed
// payload from a Data indication the server sent for an unbound peer, per
// [RFC5766 §10].
func DecodeDataIndication(msg *stun.Message) (peer *net.UDPAddr, payload []byte, err error) {
	if msg.Class != stun.Indication || msg.Method != stun.MethodData {
		return nil, nil, fmt.Errorf("turn: not a data indication")
	}
	peer, err = msg.GetXorAddress(stun.AttrXorPeerAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("turn: data indication missing peer address: %w", err)
	}
	data, ok := msg.Get(stun.AttrData)
	if !ok {
		return nil, nil, fmt.Errorf("turn: data indication missing DATA attribute")
	}
	return peer, data.Value, nil
}
