// Command meshconnd is a reference driver for the meshconn engine: it
// wires a Node to a UDP socket and a toy WebSocket signalling channel,
// establishes exactly one tunnel to a peer, then relays stdin/stdout over
// it once the connection is Established. It is not part of the sans-I/O
// engine itself — meshconn never touches a socket or a goroutine; this
// binary is the external collaborator the engine expects a caller to be.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/lanikai/meshconn"
	"github.com/lanikai/meshconn/internal/ice"
	"github.com/lanikai/meshconn/internal/logging"
	"github.com/lanikai/meshconn/internal/noise"
)

var log = logging.DefaultLogger.WithTag("meshconnd")

const connID = 1

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		version()
		os.Exit(0)
	}

	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	priv, pub, err := loadOrGenerateKey(flagKeyFile)
	if err != nil {
		return err
	}

	role := meshconn.Server
	if flagConnect != "" {
		role = meshconn.Client
	}
	node := meshconn.NewNode(meshconn.NodeConfig{
		Role:             role,
		StaticPrivateKey: priv,
		StaticPublicKey:  pub,
	})

	udpConn, err := net.ListenUDP("udp", mustResolveUDP(flagListen))
	if err != nil {
		return fmt.Errorf("meshconnd: listening on %s: %w", flagListen, err)
	}
	defer udpConn.Close()
	log.Info("tunnel socket bound to %s", udpConn.LocalAddr())

	relays := relayConfigs()

	link, err := exchangeOfferAnswer(node, role, pub, relays)
	if err != nil {
		return err
	}

	for _, addr := range localCandidateAddrs(udpConn) {
		node.AddLocalHostCandidate(addr)
	}

	udpCh := startUDPReader(udpConn)
	sigCh := startSignalReader(link)
	stdinCh := startStdinReader()

	established := false
	timer := time.NewTimer(0)
	defer timer.Stop()

	decapBuf := make([]byte, 2048)

	for {
		select {
		case pkt, ok := <-udpCh:
			if !ok {
				return fmt.Errorf("meshconnd: UDP socket closed")
			}
			now := time.Now()
			if _, plaintext, ok, err := node.Decapsulate(pkt.from, pkt.data, now, decapBuf); err != nil {
				log.Warn("decapsulate: %v", err)
			} else if ok {
				fmt.Printf("%s\n", plaintext)
			}

		case msg, ok := <-sigCh:
			if !ok {
				sigCh = nil
				continue
			}
			if msg.Type == "candidate" {
				if err := node.AddRemoteCandidate(connID, msg.Candidate, time.Now()); err != nil {
					log.Warn("signalling: bad candidate: %v", err)
				}
			}

		case line, ok := <-stdinCh:
			if !ok {
				stdinCh = nil
				continue
			}
			if !established {
				log.Warn("connection not yet established, dropping line")
				continue
			}
			tr, err := node.Encapsulate(connID, []byte(line), time.Now())
			if err != nil {
				log.Warn("encapsulate: %v", err)
				continue
			}
			if _, err := udpConn.WriteToUDP(tr.Payload, tr.Dst.UDPAddr()); err != nil {
				log.Warn("udp write: %v", err)
			}

		case <-timer.C:
			node.HandleTimeout(time.Now())
		}

		for {
			tr, ok := node.PollTransmit()
			if !ok {
				break
			}
			if _, err := udpConn.WriteToUDP(tr.Payload, tr.Dst.UDPAddr()); err != nil {
				log.Warn("udp write: %v", err)
			}
		}

		for {
			e, ok := node.PollEvent()
			if !ok {
				break
			}
			switch ev := e.(type) {
			case meshconn.SignalIceCandidate:
				if err := link.send(marshalCandidate(ev.CandidateSDP)); err != nil {
					log.Warn("signalling: send candidate: %v", err)
				}
			case meshconn.ConnectionEstablished:
				established = true
				log.Info("connection %d established — stdin is now tunnelled to the peer", ev.ConnectionID)
			case meshconn.ConnectionFailed:
				return fmt.Errorf("meshconnd: connection %d failed", ev.ConnectionID)
			}
		}

		if deadline, ok := node.PollTimeout(); ok {
			resetTimer(timer, deadline)
		}
	}
}

func resetTimer(timer *time.Timer, deadline time.Time) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

// exchangeOfferAnswer runs the one-time ICE-credential/handshake-message
// exchange over the signalling channel, returning the live link so the
// caller can keep trickling candidates over it.
func exchangeOfferAnswer(node *meshconn.Node, role meshconn.Role, localStaticKey noise.Key, relays []meshconn.RelayConfig) (*signalLink, error) {
	now := time.Now()

	if role == meshconn.Client {
		link, err := dialSignal(flagConnect)
		if err != nil {
			return nil, fmt.Errorf("meshconnd: dialing %s: %w", flagConnect, err)
		}
		hello, err := link.recv()
		if err != nil || hello.Type != "hello" {
			return nil, fmt.Errorf("meshconnd: expected hello from peer, got %v (err=%v)", hello, err)
		}
		peerKey, err := decodeKey(hello.StaticKey)
		if err != nil {
			return nil, fmt.Errorf("meshconnd: peer hello: %w", err)
		}
		offer, err := node.NewConnection(connID, peerKey, relays, now)
		if err != nil {
			return nil, err
		}
		if err := link.send(offerMessage(offer)); err != nil {
			return nil, err
		}
		msg, err := link.recv()
		if err != nil || msg.Type != "answer" || msg.Answer == nil {
			return nil, fmt.Errorf("meshconnd: expected answer from peer, got %v (err=%v)", msg, err)
		}
		if err := node.AcceptAnswer(connID, peerKey, *msg.Answer, now); err != nil {
			return nil, err
		}
		return link, nil
	}

	link, err := listenForSignal(flagWebsocket)
	if err != nil {
		return nil, err
	}
	if err := link.send(helloMessage(encodeKey(localStaticKey))); err != nil {
		return nil, err
	}
	msg, err := link.recv()
	if err != nil || msg.Type != "offer" || msg.Offer == nil {
		return nil, fmt.Errorf("meshconnd: expected offer from peer, got %v (err=%v)", msg, err)
	}
	answer, err := node.AcceptConnection(connID, *msg.Offer, msg.Offer.StaticPublicKey, relays, now)
	if err != nil {
		return nil, err
	}
	if err := link.send(answerMessage(answer)); err != nil {
		return nil, err
	}
	return link, nil
}

func relayConfigs() []meshconn.RelayConfig {
	if flagRelay == "" {
		return nil
	}
	return []meshconn.RelayConfig{{
		Address:  mustResolveUDP(flagRelay),
		Username: flagRelayUser,
		Password: flagRelayPass,
		Realm:    flagRelayRealm,
	}}
}

func localCandidateAddrs(udpConn *net.UDPConn) []*net.UDPAddr {
	port := udpConn.LocalAddr().(*net.UDPAddr).Port

	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		log.Warn("enumerating interfaces: %v", err)
		return nil
	}

	var addrs []*net.UDPAddr
	for _, a := range ifaces {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		addrs = append(addrs, &net.UDPAddr{IP: ipNet.IP, Port: port})
	}
	return addrs
}

func mustResolveUDP(s string) *net.UDPAddr {
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		log.Fatalf("meshconnd: resolving %q: %v", s, err)
	}
	return addr
}

type udpPacket struct {
	from ice.TransportAddress
	data []byte
}

// startUDPReader reads datagrams off conn on its own goroutine and hands
// them to the main loop over a channel — the only goroutine that ever
// touches conn for reads, so the main loop remains the sole owner of the
// Node it feeds.
func startUDPReader(conn *net.UDPConn) <-chan udpPacket {
	ch := make(chan udpPacket)
	go func() {
		defer close(ch)
		buf := make([]byte, 64*1024)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			ch <- udpPacket{from: ice.MakeTransportAddress(addr), data: data}
		}
	}()
	return ch
}

// startSignalReader relays inbound messages from link onto a channel after
// the initial offer/answer exchange has completed, so the main loop can
// keep trickling remote candidates in without blocking on the WebSocket.
func startSignalReader(link *signalLink) <-chan wireMessage {
	ch := make(chan wireMessage)
	go func() {
		defer close(ch)
		for {
			msg, err := link.recv()
			if err != nil {
				return
			}
			ch <- msg
		}
	}()
	return ch
}

func startStdinReader() <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

func version() {
	fmt.Println("meshconnd (development build)")
}
