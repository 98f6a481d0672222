package noise

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lanikai/meshconn/internal/logging"
)

var log = logging.DefaultLogger.WithTag("noise")

// Transport frame type, per spec.md §6:
//
//	[type:u8=4][reserved:3][receiver:u32][counter:u64][ciphertext||tag]
const (
	FrameTypeData = 4
	frameHeaderLen = 1 + 3 + 4 + 8
)

// Rekey thresholds. WireGuard rotates session keys after either interval
// elapses, whichever comes first, to bound the amount of ciphertext ever
// encrypted under one key.
const (
	RekeyAfterTime     = 2 * time.Minute
	RekeyAfterMessages = 1 << 20
)

// Session is the WireGuard-style symmetric transport established after a
// Noise_IK handshake completes: a send/receive key pair, a monotonic send
// counter, and a replay-protected receive window.
type Session struct {
	ReceiverIndex uint32 // the index the peer uses for frames addressed to us
	SenderIndex   uint32 // the index we expect the peer to echo as receiver

	sendKey [32]byte
	recvKey [32]byte

	sendCounter uint64
	recvWindow  replayWindow

	establishedAt time.Time
	messagesSent  int
}

// NewSession wraps a completed handshake's derived keys into a transport
// session. senderIndex/receiverIndex identify this session on the wire so
// a peer's datagrams can be routed without re-running the handshake.
func NewSession(sendKey, recvKey [32]byte, senderIndex, receiverIndex uint32, now time.Time) *Session {
	return &Session{
		SenderIndex:   senderIndex,
		ReceiverIndex: receiverIndex,
		sendKey:       sendKey,
		recvKey:       recvKey,
		establishedAt: now,
	}
}

// NeedsRekey reports whether this session has carried traffic long enough,
// or enough messages, that a fresh handshake should replace it.
func (s *Session) NeedsRekey(now time.Time) bool {
	return now.Sub(s.establishedAt) >= RekeyAfterTime || s.messagesSent >= RekeyAfterMessages
}

// Encrypt frames and seals plaintext for transmission to the peer.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.sendKey[:])
	if err != nil {
		return nil, err
	}

	counter := s.sendCounter
	s.sendCounter++
	s.messagesSent++

	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	header := make([]byte, frameHeaderLen)
	header[0] = FrameTypeData
	binary.BigEndian.PutUint32(header[4:8], s.ReceiverIndex)
	binary.BigEndian.PutUint64(header[8:16], counter)

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return append(header, ciphertext...), nil
}

// Decrypt validates and opens a received frame, rejecting malformed
// frames, wrong receiver indices, and replayed or too-old counters.
func (s *Session) Decrypt(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderLen {
		return nil, fmt.Errorf("noise: transport frame too short")
	}
	if frame[0] != FrameTypeData {
		return nil, fmt.Errorf("noise: unexpected frame type %d", frame[0])
	}
	receiver := binary.BigEndian.Uint32(frame[4:8])
	if receiver != s.SenderIndex {
		return nil, fmt.Errorf("noise: frame addressed to unknown session index %d", receiver)
	}
	counter := binary.BigEndian.Uint64(frame[8:16])
	if !s.recvWindow.CanAccept(counter) {
		log.Warn("rejecting replayed or expired counter %d on session %d", counter, s.SenderIndex)
		return nil, fmt.Errorf("noise: replayed or expired counter %d", counter)
	}

	aead, err := chacha20poly1305.New(s.recvKey[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	plaintext, err := aead.Open(nil, nonce, frame[frameHeaderLen:], nil)
	if err != nil {
		log.Warn("AEAD open failed for counter %d on session %d: %v", counter, s.SenderIndex, err)
		return nil, fmt.Errorf("noise: transport decryption failed: %w", err)
	}

	// Only mark the counter seen once the frame has proven authentic — a
	// forged frame with a plausible counter must never consume that replay
	// slot, or the legitimate packet at that counter would be rejected.
	s.recvWindow.MarkAccepted(counter)
	return plaintext, nil
}
