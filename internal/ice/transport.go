package ice

import (
	"fmt"
	"net"
	"strings"
)

// TransportAddress is a comparable, sans-I/O stand-in for net.Addr. Unlike
// net.UDPAddr it has value semantics, so it can be used as a map key and
// compared with ==, which the candidate and pair tables rely on heavily.
type TransportAddress struct {
	Protocol string // always "udp" — spec.md Non-goals exclude TCP candidates
	IP       string
	Port     int
}

func MakeTransportAddress(addr net.Addr) TransportAddress {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return TransportAddress{"udp", a.IP.String(), a.Port}
	default:
		host, port, err := net.SplitHostPort(addr.String())
		if err != nil {
			return TransportAddress{"udp", addr.String(), 0}
		}
		var p int
		fmt.Sscanf(port, "%d", &p)
		return TransportAddress{"udp", host, p}
	}
}

func (ta TransportAddress) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ta.IP), Port: ta.Port}
}

func (ta TransportAddress) NetAddr() net.Addr {
	return ta.UDPAddr()
}

func (ta TransportAddress) IsLinkLocal() bool {
	ip := net.ParseIP(ta.IP)
	return ip != nil && (ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast())
}

func (ta TransportAddress) String() string {
	return fmt.Sprintf("%s/%s", ta.Protocol, net.JoinHostPort(ta.IP, fmt.Sprintf("%d", ta.Port)))
}

func sameFamily(a, b TransportAddress) bool {
	return strings.Contains(a.IP, ":") == strings.Contains(b.IP, ":")
}
