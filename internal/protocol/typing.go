package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventTyping is the only event carried on the typing broadcast channel.
const EventTyping = "typing"

// Broadcast is the envelope of every message on the typing channel. It is
// fire-and-forget: nothing is persisted and there is no acknowledgement.
type Broadcast struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// TypingPayload announces that a user started or stopped composing.
type TypingPayload struct {
	SenderID  string `json:"sender_id"`
	Email     string `json:"email,omitempty"`
	IsTyping  bool   `json:"isTyping"`
	Timestamp string `json:"timestamp,omitempty"`
}

type typingWire struct {
	SenderID  string `json:"sender_id"`
	Email     string `json:"email"`
	IsTyping  *bool  `json:"isTyping"`
	Timestamp string `json:"timestamp"`
}

// NewTypingBroadcast encodes a typing payload inside the broadcast envelope.
func NewTypingBroadcast(senderID, email string, isTyping bool, at time.Time) ([]byte, error) {
	payload, err := json.Marshal(TypingPayload{
		SenderID:  senderID,
		Email:     email,
		IsTyping:  isTyping,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal typing payload: %w", err)
	}
	out, err := json.Marshal(Broadcast{Event: EventTyping, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal broadcast: %w", err)
	}
	return out, nil
}

// ParseTyping decodes and validates a typing broadcast. sender_id and
// isTyping are required; other events return ErrUnsupportedEvent.
func ParseTyping(data []byte) (TypingPayload, error) {
	var env Broadcast
	if err := json.Unmarshal(data, &env); err != nil {
		return TypingPayload{}, &ParseError{Reason: "malformed envelope", Err: err}
	}
	if env.Event != EventTyping {
		return TypingPayload{}, fmt.Errorf("%w: event=%q", ErrUnsupportedEvent, env.Event)
	}

	var w typingWire
	if err := json.Unmarshal(env.Payload, &w); err != nil {
		return TypingPayload{}, &ParseError{Field: "payload", Reason: "malformed", Err: err}
	}
	if w.SenderID == "" {
		return TypingPayload{}, &ParseError{Field: "sender_id", Reason: "missing"}
	}
	if w.IsTyping == nil {
		return TypingPayload{}, &ParseError{Field: "isTyping", Reason: "missing"}
	}

	return TypingPayload{
		SenderID:  w.SenderID,
		Email:     w.Email,
		IsTyping:  *w.IsTyping,
		Timestamp: w.Timestamp,
	}, nil
}
