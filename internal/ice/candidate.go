package ice

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// Candidate is a local or remote transport address on which an ICE agent can
// send or receive, as defined by [RFC8445 §5.3]. Candidates held by the
// engine never own a live socket — that distinction belongs to the caller.
type Candidate struct {
	Address    TransportAddress
	Kind       Kind
	Priority   uint32
	Foundation string
	Component  int

	// RelatedAddress/RelatedPort ("raddr"/"rport" in SDP) are mandatory for
	// srflx/relay/prflx candidates per [draft-ietf-mmusic-ice-sip-sdp §5.1].
	RelatedAddress string
	RelatedPort    int
}

type Kind int

const (
	Host Kind = iota
	ServerReflexive
	PeerReflexive
	Relay
)

func (k Kind) String() string {
	switch k {
	case Host:
		return "host"
	case ServerReflexive:
		return "srflx"
	case PeerReflexive:
		return "prflx"
	case Relay:
		return "relay"
	default:
		return "unknown"
	}
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "host":
		return Host, nil
	case "srflx":
		return ServerReflexive, nil
	case "prflx":
		return PeerReflexive, nil
	case "relay":
		return Relay, nil
	default:
		return 0, fmt.Errorf("ice: unknown candidate type %q", s)
	}
}

func NewHostCandidate(component int, addr TransportAddress) Candidate {
	return Candidate{
		Address:    addr,
		Kind:       Host,
		Priority:   computePriority(Host, component),
		Foundation: computeFoundation(Host, addr, ""),
		Component:  component,
	}
}

// NewServerReflexiveCandidate builds the srflx candidate discovered via a
// STUN binding response from stunServer, mapping back to base.
func NewServerReflexiveCandidate(component int, mapped TransportAddress, base TransportAddress, stunServer string) Candidate {
	return Candidate{
		Address:        mapped,
		Kind:           ServerReflexive,
		Priority:       computePriority(ServerReflexive, component),
		Foundation:     computeFoundation(ServerReflexive, base, stunServer),
		Component:      component,
		RelatedAddress: base.IP,
		RelatedPort:    base.Port,
	}
}

// NewRelayCandidate builds the relay candidate returned by a TURN Allocate
// response.
func NewRelayCandidate(component int, relayed TransportAddress, relayServer string) Candidate {
	return Candidate{
		Address:        relayed,
		Kind:           Relay,
		Priority:       computePriority(Relay, component),
		Foundation:     computeFoundation(Relay, relayed, relayServer),
		Component:      component,
		RelatedAddress: "0.0.0.0",
		RelatedPort:    0,
	}
}

func NewPeerReflexiveCandidate(component int, addr TransportAddress, priority uint32) Candidate {
	return Candidate{
		Address:        addr,
		Kind:           PeerReflexive,
		Priority:       priority,
		Foundation:     computeFoundation(PeerReflexive, addr, ""),
		Component:      component,
		RelatedAddress: "0.0.0.0",
		RelatedPort:    0,
	}
}

// [RFC8445 §5.1.2.1] Computing candidate priority. Assumes a single local
// interface, so local-preference is always maximal.
func computePriority(k Kind, component int) uint32 {
	var typePref int
	switch k {
	case Host:
		typePref = 126
	case PeerReflexive, ServerReflexive:
		typePref = 110
	case Relay:
		typePref = 0
	}
	const localPref = 65535
	return uint32((typePref << 24) + (localPref << 8) + (256 - component))
}

// PeerPriority returns the priority this candidate would have if it were
// peer-reflexive, used when constructing connectivity-check attributes.
func (c Candidate) PeerPriority() uint32 {
	return computePriority(PeerReflexive, c.Component)
}

// [RFC8445 §5.1.1.3] Foundation must be unique per (type, base IP, protocol,
// STUN/TURN server) tuple.
func computeFoundation(k Kind, base TransportAddress, server string) string {
	fingerprint := fmt.Sprintf("%s/%s/%s/%s", k, base.Protocol, base.IP, server)
	h := fnv.New64a()
	h.Write([]byte(fingerprint))
	return strconv.FormatUint(h.Sum64(), 36)[:8]
}

// SDP renders the candidate in the wire form of [RFC5245 §15.1]:
//
//	candidate:{foundation} {component} {transport} {priority} {address} {port} typ {type} [raddr {ip} rport {port}]
func (c Candidate) SDP() string {
	var b strings.Builder
	fmt.Fprintf(&b, "candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Address.Protocol, c.Priority, c.Address.IP, c.Address.Port, c.Kind)
	if c.RelatedAddress != "" {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelatedAddress, c.RelatedPort)
	}
	return b.String()
}

func (c Candidate) String() string {
	return c.SDP()
}

// ParseCandidateSDP parses a candidate line of the form produced by SDP. It
// is the left inverse of Candidate.SDP: parse(serialize(c)) == c.
func ParseCandidateSDP(line string) (Candidate, error) {
	var c Candidate
	r := strings.NewReader(line)

	var kind string
	_, err := fmt.Fscanf(r, "candidate:%s %d %s %d %s %d typ %s",
		&c.Foundation, &c.Component, &c.Address.Protocol, &c.Priority, &c.Address.IP, &c.Address.Port, &kind)
	if err != nil {
		return c, fmt.Errorf("ice: malformed candidate line %q: %w", line, err)
	}
	if c.Component < 1 || c.Component > 256 {
		return c, fmt.Errorf("ice: component id out of range: %d", c.Component)
	}
	c.Kind, err = parseKind(kind)
	if err != nil {
		return c, err
	}

	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)
	var name string
	for scanner.Scan() {
		if name == "" {
			name = scanner.Text()
			continue
		}
		value := scanner.Text()
		switch name {
		case "raddr":
			c.RelatedAddress = value
		case "rport":
			c.RelatedPort, _ = strconv.Atoi(value)
		}
		name = ""
	}
	if name != "" {
		return c, fmt.Errorf("ice: unmatched attribute name %q in %q", name, line)
	}

	return c, nil
}
