package stun

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := New(Request, MethodBinding)
	m.Add(AttrUsername, []byte("alice:bob"))
	m.AddUint32(AttrPriority, 123456789)

	raw := m.Bytes()
	assert.True(t, Looks(raw))

	parsed, err := Parse(raw)
	assert.NoError(t, err)
	assert.Equal(t, m.Class, parsed.Class)
	assert.Equal(t, m.Method, parsed.Method)
	assert.Equal(t, m.TransactionID, parsed.TransactionID)

	uname, ok := parsed.Get(AttrUsername)
	assert.True(t, ok)
	assert.Equal(t, "alice:bob", string(uname.Value))

	pri, ok := parsed.GetUint32(AttrPriority)
	assert.True(t, ok)
	assert.EqualValues(t, 123456789, pri)
}

func TestParseRejectsShortBuffer(t *testing.T) {
	_, err := Parse([]byte{0, 1, 2})
	assert.Error(t, err)
}

func TestParseRejectsBadCookie(t *testing.T) {
	m := New(Request, MethodBinding)
	raw := m.Bytes()
	raw[4] ^= 0xFF
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestLooksRejectsNonStunData(t *testing.T) {
	assert.False(t, Looks([]byte{0xFF, 0xFF, 0xFF, 0xFF}))
	assert.False(t, Looks(make([]byte, 19)))
}

func TestMessageIntegrityRoundTrip(t *testing.T) {
	key := []byte("shared-secret")
	m := New(Request, MethodBinding)
	m.Add(AttrUsername, []byte("alice:bob"))
	m.AddMessageIntegrity(key)

	assert.True(t, m.VerifyMessageIntegrity(key))

	raw := m.Bytes()
	reparsed, err := Parse(raw)
	assert.NoError(t, err)
	assert.True(t, reparsed.VerifyMessageIntegrity(key))
	assert.False(t, reparsed.VerifyMessageIntegrity([]byte("wrong-key")))
}

func TestFingerprintRoundTrip(t *testing.T) {
	m := New(Indication, MethodBinding)
	m.AddFingerprint()

	raw := m.Bytes()
	reparsed, err := Parse(raw)
	assert.NoError(t, err)
	assert.True(t, reparsed.VerifyFingerprint())

	raw[len(raw)-1] ^= 0xFF
	corrupted, err := Parse(raw)
	assert.NoError(t, err)
	assert.False(t, corrupted.VerifyFingerprint())
}

func TestXorAddressRoundTripIPv4(t *testing.T) {
	m := New(SuccessResponse, MethodBinding)
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.5").To4(), Port: 54321}
	m.AddXorAddress(AttrXorMappedAddress, addr)

	raw := m.Bytes()
	reparsed, err := Parse(raw)
	assert.NoError(t, err)

	got, err := reparsed.GetXorAddress(AttrXorMappedAddress)
	assert.NoError(t, err)
	assert.Equal(t, addr.IP.String(), got.IP.String())
	assert.Equal(t, addr.Port, got.Port)
}

func TestXorAddressRoundTripIPv6(t *testing.T) {
	m := New(SuccessResponse, MethodBinding)
	addr := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 1234}
	m.AddXorAddress(AttrXorMappedAddress, addr)

	reparsed, err := Parse(m.Bytes())
	assert.NoError(t, err)

	got, err := reparsed.GetXorAddress(AttrXorMappedAddress)
	assert.NoError(t, err)
	assert.Equal(t, addr.IP.String(), got.IP.String())
	assert.Equal(t, addr.Port, got.Port)
}

func TestMessageTypeEncodingPreservesClassAndMethod(t *testing.T) {
	cases := []struct {
		class  Class
		method Method
	}{
		{Request, MethodBinding},
		{SuccessResponse, MethodAllocate},
		{ErrorResponse, MethodRefresh},
		{Indication, MethodSend},
		{SuccessResponse, MethodChannelBind},
	}
	for _, c := range cases {
		m := New(c.class, c.method)
		parsed, err := Parse(m.Bytes())
		assert.NoError(t, err)
		assert.Equal(t, c.class, parsed.Class)
		assert.Equal(t, c.method, parsed.Method)
	}
}
