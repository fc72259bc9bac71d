// Command loopback-client is an end-to-end probe for a running signaling
// broker. It connects two websocket clients, negotiates a WebRTC data
// channel between them through the broker, and verifies a payload round
// trip over the resulting peer connection.
//
// Usage:
//
//	MEETS_WS_URL=ws://127.0.0.1:8080/ws go run ./e2e/loopback-client
//
// Prints PASS and exits 0 on success.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

const (
	overallTimeout = 30 * time.Second
	probePayload   = "meets-loopback-probe"
)

// wireMessage is the broker's JSON envelope as seen from the client side.
type wireMessage struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// brokerClient is one websocket connection to the broker with a single
// reader goroutine and write serialization for pion callbacks.
type brokerClient struct {
	name string
	conn *websocket.Conn

	writeMu sync.Mutex
	events  chan wireMessage
	readErr chan error
}

func dialBroker(name, wsURL string) (*brokerClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: dial %s: %w", name, wsURL, err)
	}
	c := &brokerClient{
		name:    name,
		conn:    conn,
		events:  make(chan wireMessage, 32),
		readErr: make(chan error, 1),
	}
	go c.readLoop()
	return c, nil
}

func (c *brokerClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr <- err
			close(c.events)
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.readErr <- fmt.Errorf("undecodable broker message %s: %w", data, err)
			close(c.events)
			return
		}
		c.events <- msg
	}
}

func (c *brokerClient) send(msg wireMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// await reads events until one of the wanted type arrives. Directory
// snapshots and membership notifications that arrive in between are
// skipped; an error event fails immediately.
func (c *brokerClient) await(wantType string, deadline time.Time) (wireMessage, error) {
	for {
		select {
		case msg, ok := <-c.events:
			if !ok {
				return wireMessage{}, fmt.Errorf("%s: connection closed: %v", c.name, <-c.readErr)
			}
			if msg.Type == "error" {
				return wireMessage{}, fmt.Errorf("%s: broker error %s: %s", c.name, msg.Code, msg.Message)
			}
			if msg.Type == wantType {
				return msg, nil
			}
		case <-time.After(time.Until(deadline)):
			return wireMessage{}, fmt.Errorf("%s: timed out waiting for %s", c.name, wantType)
		}
	}
}

func (c *brokerClient) close() {
	_ = c.conn.Close()
}

func main() {
	wsURL := os.Getenv("MEETS_WS_URL")
	if wsURL == "" {
		wsURL = "ws://127.0.0.1:8080/ws"
	}

	if err := run(wsURL); err != nil {
		fmt.Fprintln(os.Stderr, "FAIL:", err)
		os.Exit(1)
	}
	fmt.Println("PASS")
}

func run(wsURL string) error {
	deadline := time.Now().Add(overallTimeout)

	offerer, err := dialBroker("offerer", wsURL)
	if err != nil {
		return err
	}
	defer offerer.close()

	answerer, err := dialBroker("answerer", wsURL)
	if err != nil {
		return err
	}
	defer answerer.close()

	if _, err := offerer.await("room-list", deadline); err != nil {
		return err
	}
	if _, err := answerer.await("room-list", deadline); err != nil {
		return err
	}

	if err := offerer.send(wireMessage{Type: "create-room"}); err != nil {
		return err
	}
	created, err := offerer.await("room-created", deadline)
	if err != nil {
		return err
	}
	roomID := created.RoomID

	if err := answerer.send(wireMessage{Type: "join-room", RoomID: roomID}); err != nil {
		return err
	}
	if _, err := answerer.await("room-joined", deadline); err != nil {
		return err
	}
	if _, err := offerer.await("user-joined", deadline); err != nil {
		return err
	}

	result := make(chan error, 1)

	offererPC, err := newPeerConnection(offerer, roomID)
	if err != nil {
		return err
	}
	defer offererPC.Close()

	answererPC, err := newPeerConnection(answerer, roomID)
	if err != nil {
		return err
	}
	defer answererPC.Close()

	// The answerer echoes whatever arrives on the negotiated channel.
	answererPC.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			_ = dc.Send(msg.Data)
		})
	})

	dc, err := offererPC.CreateDataChannel("probe", nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	dc.OnOpen(func() {
		if err := dc.SendText(probePayload); err != nil {
			result <- fmt.Errorf("send probe: %w", err)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if string(msg.Data) != probePayload {
			result <- fmt.Errorf("echoed payload %q, want %q", msg.Data, probePayload)
			return
		}
		result <- nil
	})

	offer, err := offererPC.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := offererPC.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := offerer.send(wireMessage{Type: "offer", RoomID: roomID, Offer: marshalJSON(offer)}); err != nil {
		return err
	}

	// Run both signal pumps until the data channel round trip settles.
	errCh := make(chan error, 2)
	go func() { errCh <- pumpAnswerer(answerer, answererPC, roomID, deadline) }()
	go func() { errCh <- pumpOfferer(offerer, offererPC, deadline) }()

	select {
	case err := <-result:
		return err
	case err := <-errCh:
		if err != nil {
			return err
		}
		// Pump drained without the round trip finishing.
		select {
		case err := <-result:
			return err
		case <-time.After(time.Until(deadline)):
			return fmt.Errorf("timed out waiting for data channel round trip")
		}
	case <-time.After(time.Until(deadline)):
		return fmt.Errorf("timed out waiting for data channel round trip")
	}
}

// newPeerConnection builds a host-candidate-only peer connection that
// trickles its candidates through the broker.
func newPeerConnection(c *brokerClient, roomID string) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("%s: new peer connection: %w", c.name, err)
	}
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		_ = c.send(wireMessage{Type: "ice-candidate", RoomID: roomID, Candidate: marshalJSON(candidate.ToJSON())})
	})
	return pc, nil
}

func pumpAnswerer(c *brokerClient, pc *webrtc.PeerConnection, roomID string, deadline time.Time) error {
	offerMsg, err := c.await("offer", deadline)
	if err != nil {
		return err
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerMsg.Offer, &offer); err != nil {
		return fmt.Errorf("%s: decode offer: %w", c.name, err)
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("%s: set remote offer: %w", c.name, err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("%s: create answer: %w", c.name, err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%s: set local answer: %w", c.name, err)
	}
	if err := c.send(wireMessage{Type: "answer", RoomID: roomID, Answer: marshalJSON(answer)}); err != nil {
		return err
	}

	return pumpCandidates(c, pc, deadline)
}

func pumpOfferer(c *brokerClient, pc *webrtc.PeerConnection, deadline time.Time) error {
	answerMsg, err := c.await("answer", deadline)
	if err != nil {
		return err
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(answerMsg.Answer, &answer); err != nil {
		return fmt.Errorf("%s: decode answer: %w", c.name, err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%s: set remote answer: %w", c.name, err)
	}

	return pumpCandidates(c, pc, deadline)
}

func pumpCandidates(c *brokerClient, pc *webrtc.PeerConnection, deadline time.Time) error {
	for {
		msg, err := c.await("ice-candidate", deadline)
		if err != nil {
			return err
		}
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Candidate, &candidate); err != nil {
			return fmt.Errorf("%s: decode candidate: %w", c.name, err)
		}
		if err := pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("%s: add candidate: %w", c.name, err)
		}
	}
}

func marshalJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
