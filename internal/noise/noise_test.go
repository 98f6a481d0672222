package noise

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHandshakeEstablishesSharedKeys(t *testing.T) {
	iPriv, iPub, err := GenerateKey()
	assert.NoError(t, err)
	rPriv, rPub, err := GenerateKey()
	assert.NoError(t, err)

	initiator := NewInitiator(iPriv, iPub, rPub)
	responder := NewResponder(rPriv, rPub)

	msg1, err := initiator.WriteMessage1()
	assert.NoError(t, err)

	assert.NoError(t, responder.ReadMessage1(msg1))
	assert.Equal(t, iPub, responder.RemoteStaticKey())

	msg2, err := responder.WriteMessage2()
	assert.NoError(t, err)

	assert.NoError(t, initiator.ReadMessage2(msg2))

	iSend, iRecv, err := initiator.Keys()
	assert.NoError(t, err)
	rSend, rRecv, err := responder.Keys()
	assert.NoError(t, err)

	assert.Equal(t, iSend, rRecv)
	assert.Equal(t, iRecv, rSend)
}

func TestTransportEncryptDecryptRoundTrip(t *testing.T) {
	var keyA, keyB [32]byte
	for i := range keyA {
		keyA[i] = byte(i)
		keyB[i] = byte(i + 1)
	}
	now := time.Unix(0, 0)
	sender := NewSession(keyA, keyB, 1, 2, now)
	receiver := NewSession(keyB, keyA, 2, 1, now)

	frame, err := sender.Encrypt([]byte("hello tunnel"))
	assert.NoError(t, err)

	plaintext, err := receiver.Decrypt(frame)
	assert.NoError(t, err)
	assert.Equal(t, "hello tunnel", string(plaintext))
}

func TestTransportRejectsReplayedCounter(t *testing.T) {
	var keyA, keyB [32]byte
	now := time.Unix(0, 0)
	sender := NewSession(keyA, keyB, 1, 2, now)
	receiver := NewSession(keyB, keyA, 2, 1, now)

	frame, err := sender.Encrypt([]byte("one"))
	assert.NoError(t, err)

	_, err = receiver.Decrypt(frame)
	assert.NoError(t, err)

	_, err = receiver.Decrypt(frame)
	assert.Error(t, err)
}

func TestNeedsRekeyAfterMessageCount(t *testing.T) {
	var k [32]byte
	now := time.Unix(0, 0)
	s := NewSession(k, k, 1, 2, now)
	s.messagesSent = RekeyAfterMessages
	assert.True(t, s.NeedsRekey(now))
}

func TestNeedsRekeyAfterTime(t *testing.T) {
	var k [32]byte
	now := time.Unix(0, 0)
	s := NewSession(k, k, 1, 2, now)
	assert.True(t, s.NeedsRekey(now.Add(RekeyAfterTime+time.Second)))
	assert.False(t, s.NeedsRekey(now.Add(time.Second)))
}

func accept(w *replayWindow, counter uint64) bool {
	if !w.CanAccept(counter) {
		return false
	}
	w.MarkAccepted(counter)
	return true
}

func TestReplayWindowAcceptsOutOfOrderWithinBound(t *testing.T) {
	var w replayWindow
	assert.True(t, accept(&w, 10))
	assert.True(t, accept(&w, 8))
	assert.False(t, accept(&w, 8))
	assert.True(t, accept(&w, 9))
	assert.True(t, accept(&w, 11))
}

func TestReplayWindowRejectsTooOld(t *testing.T) {
	var w replayWindow
	assert.True(t, accept(&w, 200))
	assert.False(t, accept(&w, 1))
}

func TestReplayWindowDoesNotMarkUnauthenticatedCounter(t *testing.T) {
	var w replayWindow
	assert.True(t, w.CanAccept(10))
	assert.True(t, w.CanAccept(10)) // checking again must not itself consume the slot
	w.MarkAccepted(10)
	assert.False(t, w.CanAccept(10))
}
