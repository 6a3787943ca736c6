// Package v1 defines the libris chat realtime protocol v1.
//
// It is shared between the server, the smoke tool and clients so the wire protocol stays authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "libris.chat.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeRoomJoin subscribes the connection to a conversation room (client -> server).
	TypeRoomJoin = "room_join"
	// TypeRoomJoined confirms a join (server -> client).
	TypeRoomJoined = "room_joined"
	// TypeRoomLeave unsubscribes the connection from a room (client -> server).
	TypeRoomLeave = "room_leave"
	// TypeRoomLeft confirms a leave (server -> client).
	TypeRoomLeft = "room_left"

	// TypeMessageSend requests sending a message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck returns the persisted message to the sender (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageReceived pushes a persisted message to room members (server -> client).
	TypeMessageReceived = "message_received"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes carried by ErrorPayload.
const (
	CodeBadJSON     = "bad_json"
	CodeBadEnvelope = "bad_envelope"
	CodeValidation  = "validation"
	CodeForbidden   = "forbidden"
	CodeNotFound    = "not_found"
	CodeRateLimited = "rate_limited"
	CodeUnsupported = "unsupported"
	CodeInternal    = "internal"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an Envelope.
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
		TypeRoomJoin,
		TypeRoomJoined,
		TypeRoomLeave,
		TypeRoomLeft,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageReceived,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// IsClientType reports whether a client is allowed to send envelopes of type t.
func IsClientType(t string) bool {
	switch t {
	case TypeHello, TypeRoomJoin, TypeRoomLeave, TypeMessageSend:
		return true
	default:
		return false
	}
}
