// Package signaling implements the websocket rendezvous surface used by
// browser clients to find each other and exchange WebRTC negotiation
// payloads.
//
// The server never inspects offers, answers or ICE candidates; it only
// routes them between the members of a room.
package signaling
