// Package noise implements a Noise_IK handshake and WireGuard-style
// symmetric transport: Curve25519 DH, BLAKE2s mix hashing, HKDF key
// derivation, and ChaCha20-Poly1305 AEAD for the data phase. Like the rest
// of this engine it is sans-I/O: handshake messages and transport frames
// are produced and consumed as byte slices, never read from or written to
// a socket directly.
package noise

import (
	"crypto/rand"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const keyLen = 32

var protocolName = []byte("Noise_IK_25519_ChaChaPoly_BLAKE2s")

// Key is a Curve25519 private or public key.
type Key [keyLen]byte

func newBlake2s() hash.Hash {
	h, err := blake2s.New256(nil)
	if err != nil {
		panic(fmt.Sprintf("noise: blake2s unavailable: %v", err))
	}
	return h
}

// GenerateKey produces a fresh Curve25519 keypair, clamped per [RFC7748 §5].
func GenerateKey() (priv Key, pub Key, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], p)
	return priv, pub, nil
}

func dh(priv, pub Key) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

// symmetricState is the Noise chaining-key/hash pair threaded through the
// handshake, mirroring the core of [Noise Protocol Framework §5.2].
type symmetricState struct {
	chainingKey [32]byte
	hash        [32]byte
}

func newSymmetricState(remoteStatic Key, haveRemoteStatic bool) *symmetricState {
	s := &symmetricState{}
	if len(protocolName) <= 32 {
		copy(s.chainingKey[:], protocolName)
	} else {
		s.chainingKey = blake2s.Sum256(protocolName)
	}
	s.hash = s.chainingKey
	if haveRemoteStatic {
		s.mixHash(remoteStatic[:])
	}
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	h := blake2s.Sum256(append(append([]byte{}, s.hash[:]...), data...))
	s.hash = h
}

// mixKey runs HKDF(chainingKey, input) and returns the derived cipher key,
// updating chainingKey for the next step.
func (s *symmetricState) mixKey(input []byte) [32]byte {
	reader := hkdf.New(newBlake2s, input, s.chainingKey[:], nil)
	var out [64]byte
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		panic(fmt.Sprintf("noise: hkdf failure: %v", err))
	}
	copy(s.chainingKey[:], out[:32])
	var cipherKey [32]byte
	copy(cipherKey[:], out[32:])
	return cipherKey
}

func (s *symmetricState) encryptAndHash(key [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	ciphertext := aead.Seal(nil, nonce, plaintext, s.hash[:])
	s.mixHash(ciphertext)
	return ciphertext, nil
}

func (s *symmetricState) decryptAndHash(key [32]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	plaintext, err := aead.Open(nil, nonce, ciphertext, s.hash[:])
	if err != nil {
		return nil, fmt.Errorf("noise: handshake payload authentication failed: %w", err)
	}
	s.mixHash(ciphertext)
	return plaintext, nil
}

// Handshake drives one side of a Noise_IK exchange. The initiator knows
// the responder's static public key in advance; the responder learns it
// from message 1. After both messages are processed, Keys() yields the
// transport send/receive key pair.
type Handshake struct {
	ss          *symmetricState
	initiator   bool
	localS      Key // static private
	localSPub   Key
	remoteSPub  Key
	localE      Key // ephemeral private
	localEPub   Key
	remoteEPub  Key
	done        bool
}

// NewInitiator begins the handshake already knowing the responder's static
// public key, the defining property of the IK pattern.
func NewInitiator(localStaticPriv, localStaticPub, remoteStaticPub Key) *Handshake {
	return &Handshake{
		ss:         newSymmetricState(remoteStaticPub, true),
		initiator:  true,
		localS:     localStaticPriv,
		localSPub:  localStaticPub,
		remoteSPub: remoteStaticPub,
	}
}

// NewResponder begins the handshake knowing only its own static keypair.
func NewResponder(localStaticPriv, localStaticPub Key) *Handshake {
	return &Handshake{
		ss:        newSymmetricState(localStaticPub, true),
		localS:    localStaticPriv,
		localSPub: localStaticPub,
	}
}

// WriteMessage1 builds the initiator's first message: e, es, s, ss,
// carrying no payload beyond the empty handshake body.
func (h *Handshake) WriteMessage1() ([]byte, error) {
	ePriv, ePub, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	h.localE, h.localEPub = ePriv, ePub
	h.ss.mixHash(ePub[:])

	es, err := dh(h.localE, h.remoteSPub)
	if err != nil {
		return nil, err
	}
	keyES := h.ss.mixKey(es)

	encryptedStatic, err := h.ss.encryptAndHash(keyES, h.localSPub[:])
	if err != nil {
		return nil, err
	}

	ss, err := dh(h.localS, h.remoteSPub)
	if err != nil {
		return nil, err
	}
	h.ss.mixKey(ss)

	out := make([]byte, 0, keyLen+len(encryptedStatic))
	out = append(out, h.localEPub[:]...)
	out = append(out, encryptedStatic...)
	return out, nil
}

// ReadMessage1 processes the initiator's first message on the responder
// side, learning the initiator's ephemeral and (decrypted) static keys.
func (h *Handshake) ReadMessage1(msg []byte) error {
	if len(msg) < keyLen {
		return fmt.Errorf("noise: message 1 too short")
	}
	copy(h.remoteEPub[:], msg[:keyLen])
	h.ss.mixHash(h.remoteEPub[:])

	es, err := dh(h.localS, h.remoteEPub)
	if err != nil {
		return err
	}
	keyES := h.ss.mixKey(es)

	staticCiphertext := msg[keyLen:]
	staticPlain, err := h.ss.decryptAndHash(keyES, staticCiphertext)
	if err != nil {
		return err
	}
	copy(h.remoteSPub[:], staticPlain)

	ss, err := dh(h.localS, h.remoteSPub)
	if err != nil {
		return err
	}
	h.ss.mixKey(ss)
	return nil
}

// WriteMessage2 builds the responder's reply: e, ee, se.
func (h *Handshake) WriteMessage2() ([]byte, error) {
	ePriv, ePub, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	h.localE, h.localEPub = ePriv, ePub
	h.ss.mixHash(ePub[:])

	ee, err := dh(h.localE, h.remoteEPub)
	if err != nil {
		return nil, err
	}
	h.ss.mixKey(ee)

	se, err := dh(h.localE, h.remoteSPub)
	if err != nil {
		return nil, err
	}
	h.ss.mixKey(se)

	h.done = true
	return append([]byte{}, h.localEPub[:]...), nil
}

// ReadMessage2 processes the responder's reply on the initiator side,
// completing the handshake.
func (h *Handshake) ReadMessage2(msg []byte) error {
	if len(msg) < keyLen {
		return fmt.Errorf("noise: message 2 too short")
	}
	copy(h.remoteEPub[:], msg[:keyLen])
	h.ss.mixHash(h.remoteEPub[:])

	ee, err := dh(h.localE, h.remoteEPub)
	if err != nil {
		return err
	}
	h.ss.mixKey(ee)

	// Mirrors the responder's se = DH(e_r, s_i): DH is symmetric, so the
	// initiator reaches the same shared secret via DH(s_i, e_r).
	se, err := dh(h.localS, h.remoteEPub)
	if err != nil {
		return err
	}
	h.ss.mixKey(se)

	h.done = true
	return nil
}

// RemoteStaticKey returns the peer's static public key, known to the
// initiator in advance and learned by the responder from message 1.
func (h *Handshake) RemoteStaticKey() Key {
	return h.remoteSPub
}

// Keys derives the pair of transport keys from the final chaining key,
// split by role so each side encrypts with one and decrypts with the
// other, the same convention WireGuard's data-plane uses.
func (h *Handshake) Keys() (send [32]byte, recv [32]byte, err error) {
	if !h.done {
		return send, recv, fmt.Errorf("noise: handshake not complete")
	}
	var out [64]byte
	reader := hkdf.New(newBlake2s, nil, h.ss.chainingKey[:], nil)
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		return send, recv, err
	}
	if h.initiator {
		copy(send[:], out[:32])
		copy(recv[:], out[32:])
	} else {
		copy(recv[:], out[:32])
		copy(send[:], out[32:])
	}
	return send, recv, nil
}
