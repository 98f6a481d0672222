// Package stun implements message framing for [RFC5389], shared by the ice
// and turn packages. It is pure codec: encode/decode only, no sockets, no
// timers, no retransmission — callers own all of that.
package stun

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net"
)

const magicCookie uint32 = 0x2112A442

// fingerprintXor is applied to the CRC32 of a message before it is stored in
// the FINGERPRINT attribute, per [RFC5389 §15.5].
const fingerprintXor uint32 = 0x5354554e

// Class is the STUN message class, encoded across two non-adjacent bits of
// the message type per [RFC5389 §6].
type Class uint16

const (
	Request Class = iota
	Indication
	SuccessResponse
	ErrorResponse
)

func (c Class) String() string {
	switch c {
	case Request:
		return "request"
	case Indication:
		return "indication"
	case SuccessResponse:
		return "success"
	case ErrorResponse:
		return "error"
	default:
		return "unknown"
	}
}

// Method is the STUN/TURN method, the low 12 bits of the message type.
type Method uint16

const (
	MethodBinding          Method = 0x1
	MethodAllocate         Method = 0x3
	MethodRefresh          Method = 0x4
	MethodSend             Method = 0x6
	MethodData             Method = 0x7
	MethodCreatePermission Method = 0x8
	MethodChannelBind      Method = 0x9
)

// Attribute type codes used by ICE connectivity checks and TURN.
const (
	AttrMappedAddress     uint16 = 0x0001
	AttrUsername          uint16 = 0x0006
	AttrMessageIntegrity  uint16 = 0x0008
	AttrErrorCode         uint16 = 0x0009
	AttrUnknownAttributes uint16 = 0x000A
	AttrRealm             uint16 = 0x0014
	AttrNonce             uint16 = 0x0015
	AttrXorPeerAddress    uint16 = 0x0012
	AttrXorRelayedAddress uint16 = 0x0016
	AttrRequestedTransport uint16 = 0x0019
	AttrXorMappedAddress  uint16 = 0x0020
	AttrPriority          uint16 = 0x0024
	AttrUseCandidate      uint16 = 0x0025
	AttrChannelNumber     uint16 = 0x000C
	AttrLifetime          uint16 = 0x000D
	AttrData              uint16 = 0x0013
	AttrEvenPort          uint16 = 0x0018
	AttrReservationToken  uint16 = 0x0022
	AttrSoftware          uint16 = 0x8022
	AttrFingerprint       uint16 = 0x8028
	AttrIceControlled     uint16 = 0x8029
	AttrIceControlling    uint16 = 0x802A
)

// TransportProtocolUDP is the value carried in a REQUESTED-TRANSPORT
// attribute; TURN over TCP is out of scope.
const TransportProtocolUDP byte = 17

// Attribute is a single TLV within a Message.
type Attribute struct {
	Type  uint16
	Value []byte
}

// Message is a decoded STUN message: a 20-byte header followed by a
// sequence of 4-byte-aligned attributes, per [RFC5389 §6].
type Message struct {
	Class         Class
	Method        Method
	TransactionID [12]byte
	Attributes    []Attribute
}

// New constructs a message with a random transaction ID, generated the way
// every STUN request/indication in this engine is constructed.
func New(class Class, method Method) *Message {
	m := &Message{Class: class, Method: method}
	if _, err := rand.Read(m.TransactionID[:]); err != nil {
		// crypto/rand.Read only fails if the OS CSPRNG is unavailable,
		// which is an unrecoverable environment fault, not a protocol error.
		panic(fmt.Sprintf("stun: crypto/rand unavailable: %v", err))
	}
	return m
}

func (m *Message) messageType() uint16 {
	c := uint16(m.Class)
	t := uint16(m.Method)
	// Message type bits, per RFC5389 figure 3: M11..M0 interleaved with C1,C0.
	return (t & 0x0F80 << 2) | (c & 0x2 << 7) | (t & 0x0070 << 1) | (c & 0x1 << 4) | (t & 0x000F)
}

func classAndMethodFrom(mt uint16) (Class, Method) {
	c := Class((mt>>4)&0x1 | (mt>>7)&0x2)
	m := Method((mt & 0x000F) | (mt>>1)&0x0070 | (mt>>2)&0x0F80)
	return c, m
}

// Looks tells whether data begins with a STUN header: correct magic cookie
// and the two top bits of the first byte clear, per [RFC5389 §6]. Used by
// the datagram classifier to distinguish STUN/TURN control traffic from
// ChannelData and session ciphertext without fully parsing the message.
func Looks(data []byte) bool {
	if len(data) < 20 {
		return false
	}
	if data[0]&0xC0 != 0 {
		return false
	}
	return binary.BigEndian.Uint32(data[4:8]) == magicCookie
}

// Parse decodes a STUN message from data. It never panics on malformed
// input: data arrives over the network and must be treated as untrusted.
func Parse(data []byte) (*Message, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("stun: message too short: %d bytes", len(data))
	}
	mt := binary.BigEndian.Uint16(data[0:2])
	length := binary.BigEndian.Uint16(data[2:4])
	cookie := binary.BigEndian.Uint32(data[4:8])
	if cookie != magicCookie {
		return nil, fmt.Errorf("stun: bad magic cookie: %#x", cookie)
	}
	if int(length)+20 > len(data) {
		return nil, fmt.Errorf("stun: declared length %d exceeds buffer", length)
	}

	m := &Message{}
	m.Class, m.Method = classAndMethodFrom(mt)
	copy(m.TransactionID[:], data[8:20])

	body := data[20 : 20+int(length)]
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, fmt.Errorf("stun: truncated attribute header")
		}
		attrType := binary.BigEndian.Uint16(body[0:2])
		attrLen := binary.BigEndian.Uint16(body[2:4])
		padded := int(attrLen+3) &^ 3
		if len(body) < 4+padded {
			return nil, fmt.Errorf("stun: truncated attribute value for type %#x", attrType)
		}
		value := make([]byte, attrLen)
		copy(value, body[4:4+attrLen])
		m.Attributes = append(m.Attributes, Attribute{Type: attrType, Value: value})
		body = body[4+padded:]
	}

	return m, nil
}

// Bytes encodes the message, appending MESSAGE-INTEGRITY/FINGERPRINT
// attributes already present in m.Attributes in order — callers add those
// via AddMessageIntegrity/AddFingerprint before calling Bytes.
func (m *Message) Bytes() []byte {
	var body []byte
	for _, a := range m.Attributes {
		body = append(body, encodeAttribute(a)...)
	}

	header := make([]byte, 20)
	binary.BigEndian.PutUint16(header[0:2], m.messageType())
	binary.BigEndian.PutUint16(header[2:4], uint16(len(body)))
	binary.BigEndian.PutUint32(header[4:8], magicCookie)
	copy(header[8:20], m.TransactionID[:])

	return append(header, body...)
}

func encodeAttribute(a Attribute) []byte {
	padded := (len(a.Value) + 3) &^ 3
	out := make([]byte, 4+padded)
	binary.BigEndian.PutUint16(out[0:2], a.Type)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(a.Value)))
	copy(out[4:], a.Value)
	return out
}

// Get returns the first attribute of the given type, if present.
func (m *Message) Get(attrType uint16) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == attrType {
			return a, true
		}
	}
	return Attribute{}, false
}

// Add appends a raw attribute.
func (m *Message) Add(attrType uint16, value []byte) {
	m.Attributes = append(m.Attributes, Attribute{Type: attrType, Value: value})
}

// AddUint32 appends a 4-byte big-endian attribute (PRIORITY, LIFETIME, ...).
func (m *Message) AddUint32(attrType uint16, v uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	m.Add(attrType, b)
}

// GetUint32 reads a 4-byte big-endian attribute.
func (m *Message) GetUint32(attrType uint16) (uint32, bool) {
	a, ok := m.Get(attrType)
	if !ok || len(a.Value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(a.Value), true
}

// AddXorAddress encodes addr as an XOR-MAPPED-ADDRESS-family attribute
// (also used for XOR-PEER-ADDRESS / XOR-RELAYED-ADDRESS by turn), per
// [RFC5389 §15.2].
func (m *Message) AddXorAddress(attrType uint16, addr *net.UDPAddr) {
	m.Add(attrType, encodeXorAddress(addr, m.TransactionID))
}

func encodeXorAddress(addr *net.UDPAddr, txID [12]byte) []byte {
	ip4 := addr.IP.To4()
	var value []byte
	cookie := make([]byte, 4)
	binary.BigEndian.PutUint32(cookie, magicCookie)

	xport := uint16(addr.Port) ^ uint16(magicCookie>>16)
	if ip4 != nil {
		value = make([]byte, 8)
		value[0] = 0
		value[1] = 0x01
		binary.BigEndian.PutUint16(value[2:4], xport)
		xored := xorBytes(ip4, cookie)
		copy(value[4:8], xored)
	} else {
		ip16 := addr.IP.To16()
		value = make([]byte, 20)
		value[0] = 0
		value[1] = 0x02
		binary.BigEndian.PutUint16(value[2:4], xport)
		pad := append(append([]byte{}, cookie...), txID[:]...)
		xored := xorBytes(ip16, pad)
		copy(value[4:20], xored)
	}
	return value
}

// GetXorAddress decodes an XOR-MAPPED-ADDRESS-family attribute.
func (m *Message) GetXorAddress(attrType uint16) (*net.UDPAddr, error) {
	a, ok := m.Get(attrType)
	if !ok {
		return nil, fmt.Errorf("stun: attribute %#x not present", attrType)
	}
	if len(a.Value) < 4 {
		return nil, fmt.Errorf("stun: xor-address attribute too short")
	}
	family := a.Value[1]
	xport := binary.BigEndian.Uint16(a.Value[2:4])
	port := int(xport ^ uint16(magicCookie>>16))

	cookie := make([]byte, 4)
	binary.BigEndian.PutUint32(cookie, magicCookie)

	switch family {
	case 0x01:
		if len(a.Value) < 8 {
			return nil, fmt.Errorf("stun: xor-address v4 attribute too short")
		}
		ip := xorBytes(a.Value[4:8], cookie)
		return &net.UDPAddr{IP: net.IP(ip), Port: port}, nil
	case 0x02:
		if len(a.Value) < 20 {
			return nil, fmt.Errorf("stun: xor-address v6 attribute too short")
		}
		pad := append(append([]byte{}, cookie...), m.TransactionID[:]...)
		ip := xorBytes(a.Value[4:20], pad)
		return &net.UDPAddr{IP: net.IP(ip), Port: port}, nil
	default:
		return nil, fmt.Errorf("stun: unknown address family %#x", family)
	}
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i%len(b)]
	}
	return out
}

// GetErrorCode decodes an ERROR-CODE attribute, per [RFC5389 §15.6]: a
// 4-byte header (class in the low 3 bits of byte 2, number in byte 3)
// followed by a UTF-8 reason phrase.
func (m *Message) GetErrorCode() (code int, reason string, ok bool) {
	a, present := m.Get(AttrErrorCode)
	if !present || len(a.Value) < 4 {
		return 0, "", false
	}
	class := int(a.Value[2] & 0x7)
	number := int(a.Value[3])
	return class*100 + number, string(a.Value[4:]), true
}

// AddMessageIntegrity appends a MESSAGE-INTEGRITY attribute computed as
// HMAC-SHA1(key, message-so-far), per [RFC5389 §15.4]. Must be the last
// attribute added before AddFingerprint.
func (m *Message) AddMessageIntegrity(key []byte) {
	// The length field covers this attribute too, so encode with a
	// placeholder first to get the right header length.
	placeholder := Attribute{Type: AttrMessageIntegrity, Value: make([]byte, 20)}
	m.Attributes = append(m.Attributes, placeholder)
	raw := m.Bytes()
	raw = raw[:len(raw)-24] // strip the placeholder's TLV (4 + 20 bytes)

	// Patch the length field to include the integrity attribute before MACing.
	binary.BigEndian.PutUint16(raw[2:4], uint16(len(raw)-20+24))

	mac := hmac.New(sha1.New, key)
	mac.Write(raw)
	sum := mac.Sum(nil)

	m.Attributes[len(m.Attributes)-1] = Attribute{Type: AttrMessageIntegrity, Value: sum}
}

// VerifyMessageIntegrity recomputes the HMAC over the message up to (but
// excluding) the MESSAGE-INTEGRITY attribute and compares in constant time.
func (m *Message) VerifyMessageIntegrity(key []byte) bool {
	idx := -1
	for i, a := range m.Attributes {
		if a.Type == AttrMessageIntegrity {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	mac := hmac.New(sha1.New, key)

	var body []byte
	for _, a := range m.Attributes[:idx] {
		body = append(body, encodeAttribute(a)...)
	}
	header := make([]byte, 20)
	binary.BigEndian.PutUint16(header[0:2], m.messageType())
	binary.BigEndian.PutUint16(header[2:4], uint16(len(body)+24))
	binary.BigEndian.PutUint32(header[4:8], magicCookie)
	copy(header[8:20], m.TransactionID[:])

	mac.Write(append(header, body...))
	return hmac.Equal(mac.Sum(nil), m.Attributes[idx].Value)
}

// AddFingerprint appends a FINGERPRINT attribute, which must be the last
// attribute in the message, per [RFC5389 §15.5].
func (m *Message) AddFingerprint() {
	placeholder := Attribute{Type: AttrFingerprint, Value: make([]byte, 4)}
	m.Attributes = append(m.Attributes, placeholder)
	raw := m.Bytes()
	raw = raw[:len(raw)-8] // strip the placeholder's TLV (4 + 4 bytes)
	binary.BigEndian.PutUint16(raw[2:4], uint16(len(raw)-20+8))

	crc := crc32.ChecksumIEEE(raw) ^ fingerprintXor
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, crc)
	m.Attributes[len(m.Attributes)-1] = Attribute{Type: AttrFingerprint, Value: b}
}

// VerifyFingerprint checks a trailing FINGERPRINT attribute, if present.
// Returns true if there is no FINGERPRINT attribute at all — it is optional
// per RFC5389, required only where the caller's policy demands it.
func (m *Message) VerifyFingerprint() bool {
	n := len(m.Attributes)
	if n == 0 || m.Attributes[n-1].Type != AttrFingerprint {
		return true
	}
	without := &Message{Class: m.Class, Method: m.Method, TransactionID: m.TransactionID, Attributes: m.Attributes[:n-1]}
	raw := without.Bytes()
	binary.BigEndian.PutUint16(raw[2:4], uint16(len(raw)-20+8))
	crc := crc32.ChecksumIEEE(raw) ^ fingerprintXor
	want := make([]byte, 4)
	binary.BigEndian.PutUint32(want, crc)
	return hmac.Equal(want, m.Attributes[n-1].Value)
}
