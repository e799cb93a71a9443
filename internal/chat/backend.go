package chat

import (
	"context"
	"time"
)

// MessageTable is the persistent message store.
type MessageTable interface {
	// Recent returns up to limit messages, newest first, with the sender
	// join filled where it is accessible.
	Recent(ctx context.Context, limit int) ([]Message, error)
	// Get returns one message by ID, or an error wrapping ErrNotFound.
	Get(ctx context.Context, id string) (Message, error)
	// Insert stores a new row. The backend assigns ID and CreatedAt.
	Insert(ctx context.Context, m NewMessage) error
	// Delete removes a row by ID. Deleting a missing row is not an error.
	Delete(ctx context.Context, id string) error
}

// Subscription is a live registration on a feed or channel.
type Subscription interface {
	Unsubscribe() error
}

// ChangeFeed streams raw "row inserted" notifications for the messages table.
type ChangeFeed interface {
	Subscribe(ctx context.Context, handler func(payload []byte)) (Subscription, error)
}

// BroadcastChannel is a fire-and-forget pub/sub channel.
type BroadcastChannel interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context, handler func(payload []byte)) (Subscription, error)
}

// Identity supplies the current authenticated user.
type Identity interface {
	CurrentUser(ctx context.Context) (User, bool)
}

// Limiter throttles sends per user.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// QuotaLimiter is a Limiter that can also tell how many sends are left in
// the current window.
type QuotaLimiter interface {
	Limiter
	Remaining(ctx context.Context, userID string) (int, error)
}

// Reporter receives every error the core recovers from instead of returning.
type Reporter interface {
	Recovered(op string, err error)
}

// Recorder is an optional extension of Reporter for counting outcomes.
type Recorder interface {
	Reporter
	Delivered(path string)
	Sent(result string)
	TypingBroadcast(isTyping bool)
	HistoryLoaded(d time.Duration, n int)
}

// Delivery paths passed to Recorder.Delivered.
const (
	PathFetched  = "fetched"
	PathDegraded = "degraded"
)

type nopReporter struct{}

func (nopReporter) Recovered(string, error) {}

// NopReporter discards everything.
func NopReporter() Reporter { return nopReporter{} }

func record(r Reporter, fn func(Recorder)) {
	if rec, ok := r.(Recorder); ok {
		fn(rec)
	}
}

// StaticIdentity always reports the same user. The zero value reports no
// user.
type StaticIdentity User

// CurrentUser implements Identity.
func (s StaticIdentity) CurrentUser(context.Context) (User, bool) {
	u := User(s)
	return u, u.Valid()
}
