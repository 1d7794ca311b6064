// Package protocol defines the WebSocket message types exchanged between relay
// clients and the server. All messages are JSON text frames sharing one
// envelope with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxFrameSize bounds an inbound frame. Images travel inline as data URLs.
const MaxFrameSize = 1 << 20

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeLogin       = "login"
	TypeNewUser     = "new_user" // alias of login
	TypeSendMessage = "send_message"
	TypeBlockUser   = "block_user"
	TypeUnblockUser = "unblock_user"
	TypeBlockList   = "block_list"
	TypePing        = "ping"
)

// Server -> Client message types. TypeBlockList is shared with the request.
const (
	TypeSessionCreated = "session_created"
	TypeUpdateUserList = "update_user_list"
	TypeReceiveMessage = "receive_message"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadMessage    = "bad_message"
	CodeTooLarge      = "too_large"
	CodeNotIdentified = "not_identified"
	CodeInvalidName   = "invalid_name"
	CodeRejected      = "rejected"
	CodeInternal      = "internal"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// LoginMsg announces the display identity of the connection.
type LoginMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

// SendMessageMsg carries a text or image body. An empty RecipientID, "all"
// or "everyone" addresses every identified connection.
type SendMessageMsg struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	RecipientID string `json:"recipient_id"`
}

// BlockUserMsg asks the server to stop delivering messages from UserID.
type BlockUserMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// UnblockUserMsg reverses a BlockUserMsg.
type UnblockUserMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// BlockListRequestMsg asks for the connection's current block list.
type BlockListRequestMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once the WebSocket handshake completes. SessionID
// is the connection ID other clients use as recipient_id.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// UserInfo is one entry in a presence snapshot.
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// UpdateUserListMsg is the full presence snapshot. Clients discard a snapshot
// whose Version is lower than one they already rendered.
type UpdateUserListMsg struct {
	Type    string     `json:"type"`
	Version uint64     `json:"version"`
	Users   []UserInfo `json:"users"`
}

// ReceiveMessageMsg delivers a routed message.
type ReceiveMessageMsg struct {
	Type        string   `json:"type"`
	ID          string   `json:"id"`
	Message     string   `json:"message"`
	Sender      UserInfo `json:"sender"`
	RecipientID string   `json:"recipient_id"`
	Ts          int64    `json:"ts"`
}

// BlockListMsg replies to a block_list request.
type BlockListMsg struct {
	Type    string   `json:"type"`
	Blocked []string `json:"blocked"`
}

// RateLimitedMsg is sent when a send was throttled.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. new_user is reported as TypeNewUser but decodes
// into a LoginMsg.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	if len(data) > MaxFrameSize {
		return "", nil, fmt.Errorf("protocol: frame of %d bytes exceeds limit", len(data))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeLogin, TypeNewUser:
		var m LoginMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeBlockUser:
		var m BlockUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnblockUser:
		var m UnblockUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeBlockList:
		var m BlockListRequestMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded server message. msgType is injected
// under the "type" key whatever the payload's own Type field says.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewErrorMessage is a shorthand for an encoded ErrorMsg.
func NewErrorMessage(code, message string) []byte {
	data, err := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
	if err != nil {
		// ErrorMsg always marshals.
		return []byte(`{"type":"error","code":"internal"}`)
	}
	return data
}
