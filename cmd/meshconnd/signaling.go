package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanikai/meshconn"
)

// wireMessage is the toy signalling envelope exchanged over the WebSocket:
// exactly one of Offer/Answer/Candidate is populated, discriminated by
// Type. It plays the same role the teacher's local.go gives its
// map[string]string websocket JSON messages, just carrying this engine's
// Offer/Answer/ICE-candidate payloads instead of SDP.
type wireMessage struct {
	Type      string           `json:"type"`
	StaticKey string           `json:"staticKey,omitempty"`
	Offer     *meshconn.Offer  `json:"offer,omitempty"`
	Answer    *meshconn.Answer `json:"answer,omitempty"`
	Candidate string           `json:"candidate,omitempty"`
}

// signalLink is a bidirectional JSON message channel over one WebSocket
// connection, used by both the listening side and the dialing side.
type signalLink struct {
	ws *websocket.Conn
}

func (s *signalLink) send(msg wireMessage) error {
	return s.ws.WriteJSON(msg)
}

func (s *signalLink) recv() (wireMessage, error) {
	var msg wireMessage
	err := s.ws.ReadJSON(&msg)
	return msg, err
}

func (s *signalLink) Close() error {
	return s.ws.Close()
}

// listenForSignal runs an HTTP server with a single "/ws" endpoint and
// blocks until one peer connects, the way the teacher's local.go waits for
// exactly one browser tab per demo session.
func listenForSignal(port int) (*signalLink, error) {
	linkCh := make(chan *signalLink, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	var upgrader websocket.Upgrader
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("signalling: upgrade failed: %v", err)
			return
		}
		linkCh <- &signalLink{ws: conn}
	})

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.Info("waiting for a signalling peer on ws://0.0.0.0:%d/ws", port)

	select {
	case link := <-linkCh:
		go server.Shutdown(context.Background())
		return link, nil
	case err := <-errCh:
		return nil, err
	case <-time.After(5 * time.Minute):
		server.Shutdown(context.Background())
		return nil, fmt.Errorf("signalling: no peer connected within 5 minutes")
	}
}

// dialSignal connects out to a peer already listening, the client-role
// counterpart of listenForSignal.
func dialSignal(url string) (*signalLink, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &signalLink{ws: conn}, nil
}

func marshalCandidate(sdp string) wireMessage {
	return wireMessage{Type: "candidate", Candidate: sdp}
}

func offerMessage(o meshconn.Offer) wireMessage {
	return wireMessage{Type: "offer", Offer: &o}
}

func answerMessage(a meshconn.Answer) wireMessage {
	return wireMessage{Type: "answer", Answer: &a}
}

func helloMessage(staticKeyB64 string) wireMessage {
	return wireMessage{Type: "hello", StaticKey: staticKeyB64}
}
