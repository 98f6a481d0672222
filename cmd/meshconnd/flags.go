package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagListen     string
	flagWebsocket  int
	flagConnect    string
	flagKeyFile    string
	flagRelay      string
	flagRelayUser  string
	flagRelayPass  string
	flagRelayRealm string
	flagHelp       bool
	flagVersion    bool
)

func init() {
	flag.StringVarP(&flagListen, "listen", "l", "0.0.0.0:0", "UDP address to send/receive tunnel traffic on")
	flag.IntVarP(&flagWebsocket, "ws-port", "w", 9000, "Port for the local signalling WebSocket server")
	flag.StringVarP(&flagConnect, "connect", "c", "", "Dial a peer's signalling WebSocket (ws://host:port/ws) instead of waiting for one")
	flag.StringVarP(&flagKeyFile, "key", "k", "", "Load/persist this node's static keypair from FILE (default: generate an ephemeral one)")

	flag.StringVarP(&flagRelay, "relay", "r", "", "TURN relay address (host:port) to request a candidate from")
	flag.StringVar(&flagRelayUser, "relay-user", "", "TURN long-term credential username")
	flag.StringVar(&flagRelayPass, "relay-pass", "", "TURN long-term credential password")
	flag.StringVar(&flagRelayRealm, "relay-realm", "", "TURN realm")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `A peer-to-peer tunnel: ICE connectivity establishment, TURN relay
fallback, and a Noise_IK-encrypted transport, over a toy WebSocket
signalling channel.

Usage: meshconnd [OPTION]...

Transport:
  -l, --listen=ADDR        UDP address to send/receive tunnel traffic on
                           (default: 0.0.0.0:0, an ephemeral port)
  -k, --key=FILE           Load/persist static keypair from FILE
                           (default: generate an ephemeral one)

Signalling:
  -w, --ws-port=NUM        Port for the local signalling WebSocket server
                           (default: 9000)
  -c, --connect=URL        Dial a peer's signalling server instead of
                           waiting for one (ws://host:port/ws)

Relay:
  -r, --relay=ADDR         TURN relay address (host:port)
      --relay-user=USER    TURN long-term credential username
      --relay-pass=PASS    TURN long-term credential password
      --relay-realm=REALM  TURN realm

Miscellaneous:
  -h, --help               Prints this help message and exits
  -v, --version             Prints version information and exits

Once a connection reaches Established, stdin is tunnelled to the peer
line by line and whatever the peer sends is printed to stdout.`

func help() {
	b := color.New(color.FgCyan)
	y := color.New(color.FgYellow)
	b.Print("mesh")
	y.Println("connd")
	fmt.Println(helpString)
}
