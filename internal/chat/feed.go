package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/recetas/chat-app/internal/protocol"
)

// DefaultFetchTimeout bounds the re-fetch of a notified row.
const DefaultFetchTimeout = 5 * time.Second

// FeedSubscriber turns raw insert notifications into Messages. Each
// notification is re-fetched by ID to pick up the sender join; when that
// fails the message is rebuilt from the notification payload instead.
type FeedSubscriber struct {
	table        MessageTable
	feed         ChangeFeed
	reporter     Reporter
	clock        Clock
	fetchTimeout time.Duration
}

// NewFeedSubscriber creates a subscriber reading feed and re-fetching rows
// from table. fetchTimeout <= 0 means DefaultFetchTimeout.
func NewFeedSubscriber(table MessageTable, feed ChangeFeed, reporter Reporter, clock Clock, fetchTimeout time.Duration) *FeedSubscriber {
	if reporter == nil {
		reporter = NopReporter()
	}
	if clock == nil {
		clock = SystemClock()
	}
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	return &FeedSubscriber{
		table:        table,
		feed:         feed,
		reporter:     reporter,
		clock:        clock,
		fetchTimeout: fetchTimeout,
	}
}

// Subscribe opens the change feed and calls deliver once for every insert
// notification that carries a message ID. Notifications are processed
// concurrently, so deliveries may arrive out of order. Processing stops when
// ctx is cancelled or unsubscribe is called.
func (f *FeedSubscriber) Subscribe(ctx context.Context, deliver func(Message)) (unsubscribe func(), err error) {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := f.feed.Subscribe(ctx, func(payload []byte) {
		go func() {
			if m, ok := f.Process(ctx, payload); ok {
				deliver(m)
			}
		}()
	})
	if err != nil {
		cancel()
		return nil, &BackendError{Op: "subscribe messages", Err: err}
	}
	return func() {
		cancel()
		if err := sub.Unsubscribe(); err != nil {
			f.reporter.Recovered("feed.unsubscribe", err)
		}
	}, nil
}

// Process builds the Message for one notification. It returns false only
// for events that are not message inserts and for payloads without an ID.
func (f *FeedSubscriber) Process(ctx context.Context, payload []byte) (msg Message, ok bool) {
	received := f.clock.Now()

	rec, perr := protocol.ParseInsert(payload)
	if errors.Is(perr, protocol.ErrUnsupportedEvent) {
		return Message{}, false
	}
	if rec.ID == "" {
		f.reporter.Recovered("feed.parse", perr)
		return Message{}, false
	}

	defer func() {
		if r := recover(); r != nil {
			f.reporter.Recovered("feed.process", fmt.Errorf("panic: %v", r))
			msg, ok = f.degrade(rec, received), true
		}
	}()

	if perr != nil {
		f.reporter.Recovered("feed.parse", perr)
		return f.degrade(rec, received), true
	}

	m, err := f.refetch(ctx, rec.ID)
	if err != nil {
		f.reporter.Recovered("feed.refetch", err)
		return f.degrade(rec, received), true
	}
	if m.SenderEmail == "" {
		m.SenderEmail = rec.SenderEmail
	}
	if m.Sender == nil {
		f.reporter.Recovered("feed.join", fmt.Errorf("%w: message %s", ErrJoinUnavailable, m.ID))
		m.Sender = syntheticSender(m.SenderEmail)
	}
	record(f.reporter, func(r Recorder) { r.Delivered(PathFetched) })
	return m, true
}

func (f *FeedSubscriber) refetch(ctx context.Context, id string) (m Message, err error) {
	ctx, cancel := context.WithTimeout(ctx, f.fetchTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during fetch: %v", r)
		}
	}()

	m, err = f.table.Get(ctx, id)
	if err != nil {
		return Message{}, &BackendError{Op: "fetch message", Err: err}
	}
	if m.ID != id {
		return Message{}, &BackendError{Op: "fetch message", Err: fmt.Errorf("got id %q, want %q", m.ID, id)}
	}
	return m, nil
}

// degrade rebuilds a message from the notification payload alone.
func (f *FeedSubscriber) degrade(rec protocol.InsertRecord, received time.Time) Message {
	created := rec.CreatedAt
	if created.IsZero() {
		created = received
	}
	record(f.reporter, func(r Recorder) { r.Delivered(PathDegraded) })
	return Message{
		ID:          rec.ID,
		Content:     rec.Content,
		SenderID:    rec.SenderID,
		CreatedAt:   created,
		SenderEmail: rec.SenderEmail,
		Sender:      syntheticSender(rec.SenderEmail),
	}
}
