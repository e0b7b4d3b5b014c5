// Package v1 defines the Wren DM wire protocol v1.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server gateway and clients so the wire
// protocol stays authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypePeerSelect selects a DM peer; the server derives the room (client -> server).
	TypePeerSelect = "peer_select"
	// TypeRoomJoined confirms the active room after a peer selection (server -> client).
	TypeRoomJoined = "room_joined"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew delivers an accepted message to room subscribers (server -> client).
	TypeMessageNew = "message_new"

	// TypeHistoryFetch requests a room history window (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a window of history (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypePeerSelect,
		TypeRoomJoined,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload carries the opaque credential issued by the identity provider.
type HelloPayload struct {
	Credential string `json:"credential"`
}

// HelloAckPayload confirms the session and the authenticated user.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// PeerSelectPayload requests a DM room with the given peer.
type PeerSelectPayload struct {
	PeerID string `json:"peer_id"`
}

// RoomJoinedPayload confirms the active room after a peer selection.
type RoomJoinedPayload struct {
	RoomKey string `json:"room_key"`
	PeerID  string `json:"peer_id"`
}

// MessageSendPayload requests sending a message into the joined room.
// ClientMsgID makes re-sends after a reconnect idempotent.
type MessageSendPayload struct {
	RoomKey     string `json:"room_key"`
	ClientMsgID string `json:"client_msg_id"`
	Text        string `json:"text"`
}

// MessageAckPayload acknowledges a send request with the canonical server ids.
type MessageAckPayload struct {
	RoomKey     string `json:"room_key"`
	ClientMsgID string `json:"client_msg_id"`
	MsgID       string `json:"msg_id"`
	Seq         int64  `json:"seq"`
}

// MessageNewPayload delivers one stored message (history or live).
type MessageNewPayload struct {
	RoomKey     string    `json:"room_key"`
	MsgID       string    `json:"msg_id"`
	ClientMsgID string    `json:"client_msg_id,omitempty"`
	Seq         int64     `json:"seq"`
	SenderID    string    `json:"sender_id"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}

// HistoryFetchPayload requests a history window for the joined room.
type HistoryFetchPayload struct {
	RoomKey  string `json:"room_key"`
	AfterSeq *int64 `json:"after_seq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// HistoryChunkPayload returns messages for a history fetch request.
type HistoryChunkPayload struct {
	RoomKey  string              `json:"room_key"`
	Messages []MessageNewPayload `json:"messages"`
	HasMore  bool                `json:"has_more"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
