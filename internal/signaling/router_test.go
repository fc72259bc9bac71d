package signaling

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/dreminjs/meets/internal/room"
)

// testEnvelope decodes any outbound message for assertions.
type testEnvelope struct {
	Type      EventType       `json:"type"`
	RoomID    string          `json:"roomId"`
	Offer     json.RawMessage `json:"offer"`
	Answer    json.RawMessage `json:"answer"`
	Candidate json.RawMessage `json:"candidate"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Rooms     []room.Info     `json:"rooms"`
}

func newTestRouter(t *testing.T) *router {
	t.Helper()
	return &router{
		registry: room.NewRegistry(2),
		hub:      newHub(),
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// connect registers a peer without a real websocket behind it. The router
// only ever enqueues, so the queue stands in for the connection.
func connect(rt *router, id string) *peer {
	p := newPeer(id, nil, rt.log)
	rt.hub.add(p)
	rt.handleConnect(p)
	return p
}

// recv pops the next queued message for p, failing if none is pending.
func recv(t *testing.T, p *peer) testEnvelope {
	t.Helper()
	select {
	case raw := <-p.send:
		var env testEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("undecodable outbound message %s: %v", raw, err)
		}
		return env
	default:
		t.Fatal("no message queued")
		return testEnvelope{}
	}
}

func wantType(t *testing.T, p *peer, want EventType) testEnvelope {
	t.Helper()
	env := recv(t, p)
	if env.Type != want {
		t.Fatalf("message type=%q, want %q (message: %+v)", env.Type, want, env)
	}
	return env
}

func wantNothing(t *testing.T, p *peer) {
	t.Helper()
	select {
	case raw := <-p.send:
		t.Fatalf("unexpected message queued: %s", raw)
	default:
	}
}

func send(rt *router, p *peer, format string, args ...any) {
	rt.handleMessage(p, []byte(fmt.Sprintf(format, args...)))
}

func TestConnectSendsDirectory(t *testing.T) {
	rt := newTestRouter(t)
	a := connect(rt, "a")

	env := wantType(t, a, EventRoomList)
	if len(env.Rooms) != 0 {
		t.Fatalf("rooms=%v, want empty", env.Rooms)
	}
	wantNothing(t, a)
}

func TestCreateRoom(t *testing.T) {
	rt := newTestRouter(t)
	a := connect(rt, "a")
	b := connect(rt, "b")
	wantType(t, a, EventRoomList)
	wantType(t, b, EventRoomList)

	send(rt, a, `{"type":"create-room","roomId":"movie-night"}`)

	created := wantType(t, a, EventRoomCreated)
	if created.RoomID != "movie-night" {
		t.Fatalf("roomId=%q, want movie-night", created.RoomID)
	}

	for _, p := range []*peer{a, b} {
		list := wantType(t, p, EventRoomList)
		if len(list.Rooms) != 1 || list.Rooms[0].ID != "movie-night" {
			t.Fatalf("peer %s directory=%v, want [movie-night]", p.id, list.Rooms)
		}
		if got := list.Rooms[0].Users; len(got) != 1 || got[0] != "a" {
			t.Fatalf("users=%v, want [a]", got)
		}
		wantNothing(t, p)
	}
}

func TestCreateRoom_GeneratedID(t *testing.T) {
	rt := newTestRouter(t)
	a := connect(rt, "a")
	wantType(t, a, EventRoomList)

	send(rt, a, `{"type":"create-room"}`)

	created := wantType(t, a, EventRoomCreated)
	if created.RoomID == "" {
		t.Fatal("room-created without a generated roomId")
	}
	list := wantType(t, a, EventRoomList)
	if len(list.Rooms) != 1 || list.Rooms[0].ID != created.RoomID {
		t.Fatalf("directory=%v, want [%s]", list.Rooms, created.RoomID)
	}
}

func TestCreateRoom_Errors(t *testing.T) {
	rt := newTestRouter(t)
	a := connect(rt, "a")
	b := connect(rt, "b")
	wantType(t, a, EventRoomList)
	wantType(t, b, EventRoomList)

	send(rt, a, `{"type":"create-room","roomId":"taken-room"}`)
	wantType(t, a, EventRoomCreated)
	wantType(t, a, EventRoomList)
	wantType(t, b, EventRoomList)

	tests := []struct {
		name     string
		raw      string
		wantCode string
	}{
		{"id too short", `{"type":"create-room","roomId":"ab"}`, CodeInvalidRoomID},
		{"id too long", `{"type":"create-room","roomId":"abcdefghijklmnopqrstu"}`, CodeInvalidRoomID},
		{"duplicate id", `{"type":"create-room","roomId":"taken-room"}`, CodeRoomExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(rt, b, tt.raw)
			env := wantType(t, b, EventError)
			if env.Code != tt.wantCode {
				t.Fatalf("code=%q, want %q", env.Code, tt.wantCode)
			}
			// Errors go to the sender only and never move the directory.
			wantNothing(t, a)
			wantNothing(t, b)
		})
	}
}

func TestJoinRoom(t *testing.T) {
	rt := newTestRouter(t)
	a := connect(rt, "a")
	b := connect(rt, "b")
	c := connect(rt, "c")
	for _, p := range []*peer{a, b, c} {
		wantType(t, p, EventRoomList)
	}

	send(rt, a, `{"type":"create-room","roomId":"movie-night"}`)
	wantType(t, a, EventRoomCreated)
	for _, p := range []*peer{a, b, c} {
		wantType(t, p, EventRoomList)
	}

	send(rt, b, `{"type":"join-room","roomId":"movie-night"}`)

	joined := wantType(t, b, EventRoomJoined)
	if joined.RoomID != "movie-night" {
		t.Fatalf("roomId=%q, want movie-night", joined.RoomID)
	}
	if env := wantType(t, a, EventUserJoined); env.RoomID != "movie-night" {
		t.Fatalf("user-joined roomId=%q, want movie-night", env.RoomID)
	}

	for _, p := range []*peer{a, b, c} {
		list := wantType(t, p, EventRoomList)
		if got := list.Rooms[0].Users; len(got) != 2 || got[0] != "a" || got[1] != "b" {
			t.Fatalf("peer %s users=%v, want [a b]", p.id, got)
		}
		wantNothing(t, p)
	}
}

func TestJoinRoom_Errors(t *testing.T) {
	rt := newTestRouter(t)
	a := connect(rt, "a")
	b := connect(rt, "b")
	c := connect(rt, "c")
	for _, p := range []*peer{a, b, c} {
		wantType(t, p, EventRoomList)
	}

	send(rt, a, `{"type":"create-room","roomId":"movie-night"}`)
	send(rt, b, `{"type":"join-room","roomId":"movie-night"}`)
	for _, p := range []*peer{a, b, c} {
		drainPeer(p)
	}

	send(rt, c, `{"type":"join-room","roomId":"no-such-room"}`)
	if env := wantType(t, c, EventError); env.Code != CodeRoomNotFound {
		t.Fatalf("code=%q, want %q", env.Code, CodeRoomNotFound)
	}

	send(rt, c, `{"type":"join-room","roomId":"movie-night"}`)
	if env := wantType(t, c, EventError); env.Code != CodeRoomFull {
		t.Fatalf("code=%q, want %q", env.Code, CodeRoomFull)
	}

	// A full room rejected the join: nobody inside heard about it.
	wantNothing(t, a)
	wantNothing(t, b)
	wantNothing(t, c)
}

func TestSignalForwarding(t *testing.T) {
	rt := newTestRouter(t)
	a := connect(rt, "a")
	b := connect(rt, "b")
	c := connect(rt, "c")

	send(rt, a, `{"type":"create-room","roomId":"movie-night"}`)
	send(rt, b, `{"type":"join-room","roomId":"movie-night"}`)
	for _, p := range []*peer{a, b, c} {
		drainPeer(p)
	}

	tests := []struct {
		name    string
		raw     string
		typ     EventType
		payload func(testEnvelope) json.RawMessage
		want    string
	}{
		{
			"offer", `{"type":"offer","roomId":"movie-night","offer":{"type":"offer","sdp":"v=0"}}`,
			EventOffer, func(e testEnvelope) json.RawMessage { return e.Offer }, `{"type":"offer","sdp":"v=0"}`,
		},
		{
			"answer", `{"type":"answer","roomId":"movie-night","answer":{"type":"answer","sdp":"v=1"}}`,
			EventAnswer, func(e testEnvelope) json.RawMessage { return e.Answer }, `{"type":"answer","sdp":"v=1"}`,
		},
		{
			"candidate", `{"type":"ice-candidate","roomId":"movie-night","candidate":{"candidate":"candidate:1 1 udp"}}`,
			EventICECandidate, func(e testEnvelope) json.RawMessage { return e.Candidate }, `{"candidate":"candidate:1 1 udp"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(rt, a, tt.raw)

			env := wantType(t, b, tt.typ)
			if string(tt.payload(env)) != tt.want {
				t.Fatalf("payload=%s, want %s", tt.payload(env), tt.want)
			}
			if env.RoomID != "movie-night" {
				t.Fatalf("roomId=%q, want movie-night", env.RoomID)
			}

			// Never echoed to the sender, never leaked outside the room.
			wantNothing(t, a)
			wantNothing(t, c)
		})
	}
}

func TestSignal_RequiresMembership(t *testing.T) {
	rt := newTestRouter(t)
	a := connect(rt, "a")
	c := connect(rt, "c")

	send(rt, a, `{"type":"create-room","roomId":"movie-night"}`)
	drainPeer(a)
	drainPeer(c)

	send(rt, c, `{"type":"offer","roomId":"movie-night","offer":{}}`)
	if env := wantType(t, c, EventError); env.Code != CodeNotInRoom {
		t.Fatalf("code=%q, want %q", env.Code, CodeNotInRoom)
	}
	wantNothing(t, a)
}

func TestLeaveRoom(t *testing.T) {
	rt := newTestRouter(t)
	a := connect(rt, "a")
	b := connect(rt, "b")

	send(rt, a, `{"type":"create-room","roomId":"movie-night"}`)
	send(rt, b, `{"type":"join-room","roomId":"movie-night"}`)
	drainPeer(a)
	drainPeer(b)

	send(rt, b, `{"type":"leave-room","roomId":"movie-night"}`)

	if env := wantType(t, a, EventUserLeft); env.RoomID != "movie-night" {
		t.Fatalf("user-left roomId=%q, want movie-night", env.RoomID)
	}
	for _, p := range []*peer{a, b} {
		list := wantType(t, p, EventRoomList)
		if got := list.Rooms[0].Users; len(got) != 1 || got[0] != "a" {
			t.Fatalf("peer %s users=%v, want [a]", p.id, got)
		}
		wantNothing(t, p)
	}
}

func TestLeaveRoom_LastMemberDeletesRoom(t *testing.T) {
	rt := newTestRouter(t)
	a := connect(rt, "a")

	send(rt, a, `{"type":"create-room","roomId":"movie-night"}`)
	drainPeer(a)

	send(rt, a, `{"type":"leave-room","roomId":"movie-night"}`)

	list := wantType(t, a, EventRoomList)
	if len(list.Rooms) != 0 {
		t.Fatalf("directory=%v, want empty after last member left", list.Rooms)
	}
	wantNothing(t, a)
}

func TestLeaveRoom_NonMemberIsNoOp(t *testing.T) {
	rt := newTestRouter(t)
	a := connect(rt, "a")
	b := connect(rt, "b")

	send(rt, a, `{"type":"create-room","roomId":"movie-night"}`)
	drainPeer(a)
	drainPeer(b)

	send(rt, b, `{"type":"leave-room","roomId":"movie-night"}`)
	send(rt, b, `{"type":"leave-room","roomId":"no-such-room"}`)

	wantNothing(t, a)
	wantNothing(t, b)
}

func TestDisconnectDrainsEveryRoom(t *testing.T) {
	rt := newTestRouter(t)
	a := connect(rt, "a")
	b := connect(rt, "b")
	c := connect(rt, "c")

	send(rt, a, `{"type":"create-room","roomId":"with-b"}`)
	send(rt, b, `{"type":"join-room","roomId":"with-b"}`)
	send(rt, a, `{"type":"create-room","roomId":"with-c"}`)
	send(rt, c, `{"type":"join-room","roomId":"with-c"}`)
	send(rt, a, `{"type":"create-room","roomId":"just-a"}`)
	for _, p := range []*peer{a, b, c} {
		drainPeer(p)
	}

	rt.hub.remove(a.id)
	rt.handleDisconnect(a)

	if env := wantType(t, b, EventUserLeft); env.RoomID != "with-b" {
		t.Fatalf("user-left roomId=%q, want with-b", env.RoomID)
	}
	if env := wantType(t, c, EventUserLeft); env.RoomID != "with-c" {
		t.Fatalf("user-left roomId=%q, want with-c", env.RoomID)
	}

	for _, p := range []*peer{b, c} {
		list := wantType(t, p, EventRoomList)
		if len(list.Rooms) != 2 {
			t.Fatalf("peer %s directory=%v, want the two surviving rooms", p.id, list.Rooms)
		}
		for _, info := range list.Rooms {
			for _, u := range info.Users {
				if u == "a" {
					t.Fatalf("room %s still lists disconnected user", info.ID)
				}
			}
		}
		wantNothing(t, p)
	}

	if got := rt.registry.Len(); got != 2 {
		t.Fatalf("registry has %d rooms, want 2", got)
	}
}

func TestDisconnect_NoRoomsNoBroadcast(t *testing.T) {
	rt := newTestRouter(t)
	a := connect(rt, "a")
	b := connect(rt, "b")
	drainPeer(a)
	drainPeer(b)

	rt.hub.remove(a.id)
	rt.handleDisconnect(a)

	wantNothing(t, b)
}

func TestMalformedMessageAnswersSenderOnly(t *testing.T) {
	rt := newTestRouter(t)
	a := connect(rt, "a")
	b := connect(rt, "b")
	drainPeer(a)
	drainPeer(b)

	rt.handleMessage(a, []byte(`{not json`))
	if env := wantType(t, a, EventError); env.Code != CodeBadMessage {
		t.Fatalf("code=%q, want %q", env.Code, CodeBadMessage)
	}
	wantNothing(t, b)
}

func drainPeer(p *peer) {
	for {
		select {
		case <-p.send:
		default:
			return
		}
	}
}
