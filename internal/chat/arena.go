package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/recetas/chat-app/internal/protocol"
)

// Logical channel names held by every session.
const (
	ChannelMessages = "messages"
	ChannelTyping   = "typing"
)

// Policy decides what happens when a second session asks for a held name.
type Policy int

const (
	// PolicyShare lets every holder receive from one underlying subscription.
	PolicyShare Policy = iota
	// PolicyExclusive rejects a second holder with ErrChannelHeld.
	PolicyExclusive
)

// Opener starts the underlying subscription of a channel. It runs once per
// handle, with a context that lives as long as the handle does.
type Opener[T any] func(ctx context.Context, deliver func(T)) (unsubscribe func(), err error)

// Arena hands out reference-counted leases on named channels. The
// underlying subscription is opened by the first holder and closed when the
// last lease is released.
type Arena[T any] struct {
	mu      sync.Mutex
	policy  Policy
	handles map[string]*handle[T]
}

type handle[T any] struct {
	mu      sync.RWMutex
	holders map[uint64]func(T)
	next    uint64

	cancel      context.CancelFunc
	unsubscribe func()
}

// NewArena creates an empty arena.
func NewArena[T any](policy Policy) *Arena[T] {
	return &Arena[T]{policy: policy, handles: make(map[string]*handle[T])}
}

// Acquire registers deliver on the named channel, opening it if nobody holds
// it yet.
func (a *Arena[T]) Acquire(name string, open Opener[T], deliver func(T)) (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.handles[name]
	if ok {
		if a.policy == PolicyExclusive {
			return nil, fmt.Errorf("%w: %s", ErrChannelHeld, name)
		}
		return a.lease(name, h, deliver), nil
	}

	h = &handle[T]{holders: make(map[uint64]func(T))}
	ctx, cancel := context.WithCancel(context.Background())
	unsubscribe, err := open(ctx, h.fanout)
	if err != nil {
		cancel()
		return nil, err
	}
	h.cancel = cancel
	h.unsubscribe = unsubscribe
	a.handles[name] = h
	return a.lease(name, h, deliver), nil
}

// Holders returns how many leases are outstanding on name.
func (a *Arena[T]) Holders(name string) int {
	a.mu.Lock()
	h, ok := a.handles[name]
	a.mu.Unlock()
	if !ok {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.holders)
}

func (a *Arena[T]) lease(name string, h *handle[T], deliver func(T)) *Lease {
	h.mu.Lock()
	h.next++
	id := h.next
	h.holders[id] = deliver
	h.mu.Unlock()

	return &Lease{name: name, release: func() { a.release(name, h, id) }}
}

func (a *Arena[T]) release(name string, h *handle[T], id uint64) {
	a.mu.Lock()
	h.mu.Lock()
	delete(h.holders, id)
	last := len(h.holders) == 0
	h.mu.Unlock()
	if last && a.handles[name] == h {
		delete(a.handles, name)
	}
	a.mu.Unlock()

	if last {
		h.cancel()
		if h.unsubscribe != nil {
			h.unsubscribe()
		}
	}
}

func (h *handle[T]) fanout(v T) {
	h.mu.RLock()
	targets := make([]func(T), 0, len(h.holders))
	for _, fn := range h.holders {
		targets = append(targets, fn)
	}
	h.mu.RUnlock()

	for _, fn := range targets {
		fn(v)
	}
}

// Lease is one holder's claim on a named channel.
type Lease struct {
	name    string
	once    sync.Once
	release func()
}

// Name returns the logical channel name.
func (l *Lease) Name() string { return l.name }

// Release gives the claim back. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// Channels groups the arenas a session draws its two subscriptions from.
// Sessions built from the same Channels share or contend for them.
type Channels struct {
	Messages *Arena[Message]
	Typing   *Arena[protocol.TypingPayload]
}

// NewChannels creates both arenas with the same policy.
func NewChannels(policy Policy) *Channels {
	return &Channels{
		Messages: NewArena[Message](policy),
		Typing:   NewArena[protocol.TypingPayload](policy),
	}
}
