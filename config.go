package meshconn

import (
	"net"

	"github.com/lanikai/meshconn/internal/logging"
	"github.com/lanikai/meshconn/internal/noise"
)

// Role distinguishes which side of a Connection a Node plays. The two
// roles share nearly all behavior (spec.md §9); the differences are who
// initiates the Noise handshake and who produces an Offer versus an
// Answer.
type Role int

const (
	Client Role = iota
	Server
)

func (r Role) String() string {
	if r == Server {
		return "server"
	}
	return "client"
}

// RelayConfig names a TURN server and the long-term credential a Node
// should use with it. Two connections naming the same tuple share a
// single Allocation (spec.md §3 invariant).
type RelayConfig struct {
	Address  *net.UDPAddr
	Username string
	Password string
	Realm    string
}

// NodeConfig is the caller-supplied, process-lifetime configuration for a
// Node: its role and long-term static keypair. The engine persists no
// state across restarts — the caller owns and supplies these keys.
type NodeConfig struct {
	Role              Role
	StaticPrivateKey  noise.Key
	StaticPublicKey   noise.Key
}

var log = logging.DefaultLogger.WithTag("meshconn")
