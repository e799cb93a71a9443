package messaging

import (
	"context"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/recetas/chat-app/internal/chat"
)

// ErrChannelClosed is returned by a LocalChannel after Close.
var ErrChannelClosed = errors.New("messaging: channel closed")

// TypingChannel is the typing broadcast channel over a NATS subject. Every
// gateway instance subscribed to the subject sees every broadcast.
type TypingChannel struct {
	client  *NATSClient
	subject string
}

// NewTypingChannel binds the typing broadcast to SubjectTyping.
func NewTypingChannel(client *NATSClient) *TypingChannel {
	return &TypingChannel{client: client, subject: SubjectTyping}
}

// Publish implements chat.BroadcastChannel.
func (t *TypingChannel) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.client.Publish(t.subject, payload)
}

// Subscribe implements chat.BroadcastChannel.
func (t *TypingChannel) Subscribe(_ context.Context, handler func([]byte)) (chat.Subscription, error) {
	sub, err := t.client.Subscribe(t.subject, handler)
	if err != nil {
		return nil, err
	}
	return natsSubscription{client: t.client, sub: sub}, nil
}

type natsSubscription struct {
	client *NATSClient
	sub    *nats.Subscription
}

func (s natsSubscription) Unsubscribe() error { return s.client.Unsubscribe(s.sub) }

// LocalChannel is an in-process broadcast channel for standalone mode and
// for feeding change notifications from the SQLite store. Each subscriber
// has its own queue and goroutine, so payloads reach a subscriber in
// publish order and a publisher never runs subscriber code.
type LocalChannel struct {
	mu     sync.Mutex
	subs   map[uint64]*localSub
	next   uint64
	buffer int
	closed bool
}

type localSub struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// NewLocalChannel creates a channel whose subscribers queue up to buffer
// payloads before Publish blocks.
func NewLocalChannel(buffer int) *LocalChannel {
	if buffer <= 0 {
		buffer = 64
	}
	return &LocalChannel{subs: make(map[uint64]*localSub), buffer: buffer}
}

// Publish queues payload for every subscriber. It blocks while a
// subscriber's queue is full, until ctx is done.
func (c *LocalChannel) Publish(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	targets := make([]*localSub, 0, len(c.subs))
	for _, s := range c.subs {
		targets = append(targets, s)
	}
	c.mu.Unlock()

	data := append([]byte(nil), payload...)
	for _, s := range targets {
		select {
		case s.ch <- data:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements chat.BroadcastChannel and chat.ChangeFeed.
func (c *LocalChannel) Subscribe(_ context.Context, handler func([]byte)) (chat.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}

	c.next++
	id := c.next
	s := &localSub{ch: make(chan []byte, c.buffer), done: make(chan struct{})}
	c.subs[id] = s

	go func() {
		for {
			select {
			case data := <-s.ch:
				handler(data)
			case <-s.done:
				return
			}
		}
	}()

	return localSubscription{channel: c, id: id}, nil
}

// Subscribers returns the number of live subscriptions.
func (c *LocalChannel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close stops every subscriber.
func (c *LocalChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, s := range c.subs {
		s.stop()
		delete(c.subs, id)
	}
}

func (c *LocalChannel) remove(id uint64) {
	c.mu.Lock()
	s, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		s.stop()
	}
}

func (s *localSub) stop() {
	s.once.Do(func() { close(s.done) })
}

type localSubscription struct {
	channel *LocalChannel
	id      uint64
}

func (s localSubscription) Unsubscribe() error {
	s.channel.remove(s.id)
	return nil
}
