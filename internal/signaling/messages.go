package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dreminjs/meets/internal/room"
)

// EventType discriminates the JSON envelope both directions share.
type EventType string

const (
	// Client → server.
	EventCreateRoom   EventType = "create-room"
	EventJoinRoom     EventType = "join-room"
	EventLeaveRoom    EventType = "leave-room"
	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventICECandidate EventType = "ice-candidate"

	// Server → client.
	EventRoomCreated EventType = "room-created"
	EventRoomJoined  EventType = "room-joined"
	EventUserJoined  EventType = "user-joined"
	EventUserLeft    EventType = "user-left"
	EventRoomList    EventType = "room-list"
	EventError       EventType = "error"
)

// Wire error codes. Every code maps to exactly one failure the protocol can
// report; all of them are request-scoped and leave the connection usable.
const (
	CodeInvalidRoomID = "invalid_room_id"
	CodeRoomExists    = "room_exists"
	CodeRoomNotFound  = "room_not_found"
	CodeRoomFull      = "room_full"
	CodeNotInRoom     = "not_in_room"
	CodeMissingField  = "missing_field"
	CodeBadMessage    = "bad_message"
)

// protocolError is a request-scoped failure reported back to the sender as
// an error event.
type protocolError struct {
	code    string
	message string
}

func (e *protocolError) Error() string {
	return e.code + ": " + e.message
}

func errMissingField(field string) *protocolError {
	return &protocolError{code: CodeMissingField, message: field + " is required"}
}

func errBadMessage(format string, args ...any) *protocolError {
	return &protocolError{code: CodeBadMessage, message: fmt.Sprintf(format, args...)}
}

// clientMessage is the inbound envelope. Negotiation payloads stay raw; the
// server routes them without looking inside.
type clientMessage struct {
	Type      EventType       `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// serverMessage is the outbound envelope for everything except room-list,
// which always carries its rooms array (see roomListMessage).
type serverMessage struct {
	Type      EventType       `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

type roomListMessage struct {
	Type  EventType   `json:"type"`
	Rooms []room.Info `json:"rooms"`
}

func newRoomList(rooms []room.Info) roomListMessage {
	if rooms == nil {
		rooms = []room.Info{}
	}
	return roomListMessage{Type: EventRoomList, Rooms: rooms}
}

func newErrorMessage(perr *protocolError) serverMessage {
	return serverMessage{Type: EventError, Code: perr.code, Message: perr.message}
}

// mustMarshal marshals an outbound message. All outbound types are built from
// values that already round-tripped through the JSON decoder, so failure is a
// programming error.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// parseClientMessage strictly decodes an inbound envelope: unknown fields,
// trailing data and type/field mismatches are all rejected.
func parseClientMessage(data []byte) (clientMessage, *protocolError) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, errBadMessage("malformed message: %v", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, errBadMessage("unexpected trailing data")
	}
	if perr := msg.validate(); perr != nil {
		return clientMessage{}, perr
	}
	return msg, nil
}

func (m clientMessage) validate() *protocolError {
	switch m.Type {
	case EventCreateRoom:
		// roomId is optional; the server generates one when absent.
		if present(m.Offer) || present(m.Answer) || present(m.Candidate) {
			return errBadMessage("%s message has unexpected fields", m.Type)
		}
	case EventJoinRoom, EventLeaveRoom:
		if m.RoomID == "" {
			return errMissingField("roomId")
		}
		if present(m.Offer) || present(m.Answer) || present(m.Candidate) {
			return errBadMessage("%s message has unexpected fields", m.Type)
		}
	case EventOffer:
		if m.RoomID == "" {
			return errMissingField("roomId")
		}
		if !present(m.Offer) {
			return errMissingField("offer")
		}
		if present(m.Answer) || present(m.Candidate) {
			return errBadMessage("%s message has unexpected fields", m.Type)
		}
	case EventAnswer:
		if m.RoomID == "" {
			return errMissingField("roomId")
		}
		if !present(m.Answer) {
			return errMissingField("answer")
		}
		if present(m.Offer) || present(m.Candidate) {
			return errBadMessage("%s message has unexpected fields", m.Type)
		}
	case EventICECandidate:
		if m.RoomID == "" {
			return errMissingField("roomId")
		}
		if !present(m.Candidate) {
			return errMissingField("candidate")
		}
		if present(m.Offer) || present(m.Answer) {
			return errBadMessage("%s message has unexpected fields", m.Type)
		}
	case "":
		return errMissingField("type")
	default:
		return errBadMessage("unsupported message type %q", m.Type)
	}
	return nil
}

// present reports whether a raw payload field carries a value. A JSON null is
// treated the same as an absent field.
func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}
