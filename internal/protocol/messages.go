// Package protocol defines the payloads that cross the chat core's
// boundaries: change-feed notifications from the messages table, typing
// broadcasts, and the WebSocket frames exchanged between the gateway and
// presentation clients. Everything is JSON and is validated on the way in.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSend   = "send"
	TypeDelete = "delete"
	TypeTyping = "typing"
	TypeReload = "reload"
	TypePing   = "ping"
)

// Server -> Client message types. TypeTyping is reused for presence updates.
const (
	TypeSessionCreated = "session_created"
	TypeSnapshot       = "snapshot"
	TypeMessage        = "message"
	TypeMessageRemoved = "message_removed"
	TypeSendResult     = "send_result"
	TypeDeleteResult   = "delete_result"
	TypeStatus         = "status"
	TypeError          = "error"
	TypePong           = "pong"
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

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
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

// SendMsg submits a new chat message.
type SendMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// DeleteMsg deletes a message by id.
type DeleteMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// TypingMsg is sent on every keystroke; the gateway debounces it.
type TypingMsg struct {
	Type string `json:"type"`
}

// ReloadMsg asks for a full history reload.
type ReloadMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// UserView identifies the authenticated user of a connection.
type UserView struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// SenderView is the joined sender identity of a message.
type SenderView struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// MessageView is a chat message as rendered for one viewer.
type MessageView struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	SenderID    string      `json:"sender_id"`
	SenderEmail string      `json:"sender_email,omitempty"`
	Sender      *SenderView `json:"sender,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	DisplayName string      `json:"display_name"`
	Own         bool        `json:"own"`
}

// SessionCreatedMsg is sent once the connection's chat session is running.
type SessionCreatedMsg struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	User      UserView `json:"user"`
}

// SnapshotMsg carries the whole message list after a (re)load.
type SnapshotMsg struct {
	Type     string        `json:"type"`
	Messages []MessageView `json:"messages"`
	Loading  bool          `json:"loading"`
}

// ServerMessageMsg carries one live message appended to the list.
type ServerMessageMsg struct {
	Type    string      `json:"type"`
	Message MessageView `json:"message"`
}

// MessageRemovedMsg tells the client to drop a message from its list.
type MessageRemovedMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ServerTypingMsg lists the other users currently composing.
type ServerTypingMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
	Line  string   `json:"line,omitempty"`
}

// SendResultMsg reports the outcome of a send. On failure Draft carries the
// submitted text so the client can restore its input field. Remaining is
// the number of sends left in the rate limit window, when one applies.
type SendResultMsg struct {
	Type      string `json:"type"`
	OK        bool   `json:"ok"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Draft     string `json:"draft,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
}

// StatusMsg mirrors the session's in-flight flags.
type StatusMsg struct {
	Type    string `json:"type"`
	Loading bool   `json:"loading"`
	Sending bool   `json:"sending"`
}

// DeleteResultMsg reports the outcome of a delete.
type DeleteResultMsg struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
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
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDelete:
		var m DeleteMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.ID == "" {
			err = fmt.Errorf("missing id")
		}
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReload:
		var m ReloadMsg
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

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
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
