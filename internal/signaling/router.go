package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/dreminjs/meets/internal/metrics"
	"github.com/dreminjs/meets/internal/room"
)

// router applies the signaling protocol: it validates inbound events against
// registry state, mutates the registry, and decides which connections hear
// about it.
//
// Errors are always reported to the sender only. A failed request never
// touches other rooms, other connections, or the sender's existing
// memberships.
type router struct {
	registry *room.Registry
	hub      *hub
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// handleConnect sends the initial directory snapshot to a new connection.
func (rt *router) handleConnect(p *peer) {
	p.enqueue(mustMarshal(newRoomList(rt.registry.All())))
	rt.log.Debug("client connected", "peer", p.id)
}

// handleDisconnect drains the connection from every room it was in. Running
// it for an already-drained connection is a no-op.
func (rt *router) handleDisconnect(p *peer) {
	drained := false
	for _, roomID := range rt.registry.RoomsOf(p.id) {
		removed, deleted := rt.registry.Leave(roomID, p.id)
		if !removed {
			continue
		}
		drained = true
		if !deleted {
			rt.hub.sendToPeers(rt.registry.Members(roomID), p.id,
				mustMarshal(serverMessage{Type: EventUserLeft, RoomID: roomID}))
		}
		rt.log.Info("client left room on disconnect", "peer", p.id, "room", roomID, "room_deleted", deleted)
	}
	if drained {
		rt.broadcastDirectory()
	}
	rt.log.Debug("client disconnected", "peer", p.id)
}

func (rt *router) handleMessage(p *peer, data []byte) {
	msg, perr := parseClientMessage(data)
	if perr != nil {
		rt.replyError(p, perr)
		return
	}

	rt.metrics.Message(string(msg.Type))

	switch msg.Type {
	case EventCreateRoom:
		rt.handleCreateRoom(p, msg)
	case EventJoinRoom:
		rt.handleJoinRoom(p, msg)
	case EventLeaveRoom:
		rt.handleLeaveRoom(p, msg)
	case EventOffer:
		rt.handleSignal(p, msg, msg.Offer)
	case EventAnswer:
		rt.handleSignal(p, msg, msg.Answer)
	case EventICECandidate:
		rt.handleSignal(p, msg, msg.Candidate)
	}
}

func (rt *router) handleCreateRoom(p *peer, msg clientMessage) {
	roomID, err := rt.registry.Create(p.id, msg.RoomID)
	if err != nil {
		rt.replyError(p, createError(err))
		return
	}

	p.enqueue(mustMarshal(serverMessage{Type: EventRoomCreated, RoomID: roomID}))
	rt.broadcastDirectory()
	rt.log.Info("room created", "peer", p.id, "room", roomID, "custom_id", msg.RoomID != "")
}

func (rt *router) handleJoinRoom(p *peer, msg clientMessage) {
	if err := rt.registry.Join(msg.RoomID, p.id); err != nil {
		rt.replyError(p, joinError(err))
		return
	}

	p.enqueue(mustMarshal(serverMessage{Type: EventRoomJoined, RoomID: msg.RoomID}))
	rt.hub.sendToPeers(rt.registry.Members(msg.RoomID), p.id,
		mustMarshal(serverMessage{Type: EventUserJoined, RoomID: msg.RoomID}))
	rt.broadcastDirectory()
	rt.log.Info("client joined room", "peer", p.id, "room", msg.RoomID)
}

func (rt *router) handleLeaveRoom(p *peer, msg clientMessage) {
	removed, deleted := rt.registry.Leave(msg.RoomID, p.id)
	if !removed {
		// Leaving a room one is not in is a no-op: no error, no broadcast.
		return
	}

	if !deleted {
		rt.hub.sendToPeers(rt.registry.Members(msg.RoomID), p.id,
			mustMarshal(serverMessage{Type: EventUserLeft, RoomID: msg.RoomID}))
	}
	rt.broadcastDirectory()
	rt.log.Info("client left room", "peer", p.id, "room", msg.RoomID, "room_deleted", deleted)
}

// handleSignal forwards an opaque negotiation payload to the other members
// of the room. Membership is checked here, at the router: a connection that
// never joined the room cannot inject negotiation traffic into it.
func (rt *router) handleSignal(p *peer, msg clientMessage, payload json.RawMessage) {
	if !rt.registry.IsMember(msg.RoomID, p.id) {
		rt.replyError(p, &protocolError{code: CodeNotInRoom, message: "you are not in this room"})
		return
	}

	out := serverMessage{Type: msg.Type, RoomID: msg.RoomID}
	switch msg.Type {
	case EventOffer:
		out.Offer = payload
	case EventAnswer:
		out.Answer = payload
	case EventICECandidate:
		out.Candidate = payload
	}

	// Never echoed back to the sender.
	rt.hub.sendToPeers(rt.registry.Members(msg.RoomID), p.id, mustMarshal(out))
	rt.log.Debug("signal forwarded", "peer", p.id, "room", msg.RoomID, "type", msg.Type)
}

// broadcastDirectory pushes the room directory to every connection. Called
// after every membership-affecting mutation and never for negotiation
// traffic.
func (rt *router) broadcastDirectory() {
	rt.metrics.SetRooms(rt.registry.Len())
	rt.hub.broadcastAll(mustMarshal(newRoomList(rt.registry.All())))
}

func (rt *router) replyError(p *peer, perr *protocolError) {
	rt.metrics.Error(perr.code)
	p.enqueue(mustMarshal(newErrorMessage(perr)))
	rt.log.Debug("request rejected", "peer", p.id, "code", perr.code, "reason", perr.message)
}

func createError(err error) *protocolError {
	switch {
	case errors.Is(err, room.ErrInvalidID):
		return &protocolError{code: CodeInvalidRoomID, message: "room id must be 3-20 characters"}
	case errors.Is(err, room.ErrAlreadyExists):
		return &protocolError{code: CodeRoomExists, message: "room already exists"}
	default:
		return &protocolError{code: CodeBadMessage, message: err.Error()}
	}
}

func joinError(err error) *protocolError {
	switch {
	case errors.Is(err, room.ErrNotFound):
		return &protocolError{code: CodeRoomNotFound, message: "room not found"}
	case errors.Is(err, room.ErrFull):
		return &protocolError{code: CodeRoomFull, message: "room is full"}
	default:
		return &protocolError{code: CodeBadMessage, message: err.Error()}
	}
}
