package ice

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMakeTransportAddressIPv4(t *testing.T) {
	ta := MakeTransportAddress(&net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 5678})

	assert.Equal(t, "udp", ta.Protocol)
	assert.Equal(t, "1.2.3.4", ta.IP)
	assert.Equal(t, 5678, ta.Port)
	assert.Equal(t, "udp/1.2.3.4:5678", ta.String())
}

func TestMakeTransportAddressIPv6(t *testing.T) {
	ta := MakeTransportAddress(&net.UDPAddr{IP: net.ParseIP("1:2:3:4::"), Port: 5678})

	assert.Equal(t, "1:2:3:4::", ta.IP)
	assert.Equal(t, 5678, ta.Port)
}

func TestTransportAddressIsLinkLocal(t *testing.T) {
	ta := TransportAddress{"udp", "169.254.1.1", 5678}
	assert.True(t, ta.IsLinkLocal())

	ta = TransportAddress{"udp", "10.0.0.1", 5678}
	assert.False(t, ta.IsLinkLocal())
}

func TestSameFamily(t *testing.T) {
	v4 := TransportAddress{"udp", "10.0.0.1", 1}
	v6 := TransportAddress{"udp", "::1", 1}
	assert.True(t, sameFamily(v4, v4))
	assert.False(t, sameFamily(v4, v6))
}

func TestTransportAddressRoundTripsThroughUDPAddr(t *testing.T) {
	ta := TransportAddress{"udp", "192.0.2.1", 4000}
	back := MakeTransportAddress(ta.UDPAddr())
	assert.Equal(t, ta, back)
}
