package codec

import (
	"testing"
	"time"

	"github.com/lanikai/meshconn/internal/noise"
	"github.com/lanikai/meshconn/internal/stun"
	"github.com/lanikai/meshconn/internal/turn"
	"github.com/stretchr/testify/assert"
)

func TestClassifyStun(t *testing.T) {
	m := stun.New(stun.Request, stun.MethodBinding)
	assert.Equal(t, STUN, Classify(m.Bytes()))
}

func TestClassifyChannelData(t *testing.T) {
	frame := turn.EncodeChannelData(0x4001, []byte("payload"))
	assert.Equal(t, ChannelData, Classify(frame))
}

func TestClassifyTransport(t *testing.T) {
	var k [32]byte
	s := noise.NewSession(k, k, 1, 2, time.Unix(0, 0))
	frame, err := s.Encrypt([]byte("data"))
	assert.NoError(t, err)
	assert.Equal(t, Transport, Classify(frame))
}

func TestClassifyUnknown(t *testing.T) {
	assert.Equal(t, Unknown, Classify([]byte{0xFF, 0xFF, 0xFF, 0xFF}))
	assert.Equal(t, Unknown, Classify(nil))
}
