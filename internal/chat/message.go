// Package chat is the synchronization core of the shared chat room. It keeps
// an ordered, deduplicated message history, merges live inserts from the
// backend change feed, submits new messages, and runs the typing presence
// protocol. A Session composes all of it behind one event loop.
package chat

import "time"

// DefaultRole is assigned to senders whose joined identity is not available.
const DefaultRole = "member"

// UnknownSender is shown when no email can be resolved for a message.
const UnknownSender = "unknown sender"

// unknownEmail is the email synthesized for a degraded sender join.
const unknownEmail = "unknown"

// User is the authenticated identity of the local participant.
type User struct {
	ID    string
	Email string
}

// Valid reports whether u identifies a user.
func (u User) Valid() bool { return u.ID != "" }

// Sender is the joined identity of a message author.
type Sender struct {
	Email string
	Role  string
}

// Message is one chat message. IDs are assigned by the backend; messages are
// never mutated once built.
type Message struct {
	ID          string
	Content     string
	SenderID    string
	CreatedAt   time.Time
	SenderEmail string  // denormalized at insert time, may be empty
	Sender      *Sender // joined identity, nil when the join was unavailable
}

// DisplayName resolves the name shown next to m for the viewer self.
func (m Message) DisplayName(self User) string {
	switch {
	case m.SenderEmail != "":
		return m.SenderEmail
	case m.Sender != nil && m.Sender.Email != "":
		return m.Sender.Email
	case self.Valid() && m.SenderID == self.ID && self.Email != "":
		return self.Email
	default:
		return UnknownSender
	}
}

// IsOwn reports whether self wrote m.
func (m Message) IsOwn(self User) bool {
	return self.Valid() && m.SenderID == self.ID
}

// NewMessage is the row submitted by the send pipeline.
type NewMessage struct {
	Content     string
	SenderID    string
	SenderEmail string
}

func syntheticSender(email string) *Sender {
	if email == "" {
		email = unknownEmail
	}
	return &Sender{Email: email, Role: DefaultRole}
}
