package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/recetas/chat-app/internal/protocol"
)

// Typing defaults.
const (
	DefaultTypingDebounce = 1500 * time.Millisecond
	DefaultTypingExpiry   = 30 * time.Second
)

// TypingState is the local user's composing state.
type TypingState int

const (
	Idle TypingState = iota
	Typing
)

func (s TypingState) String() string {
	if s == Typing {
		return "typing"
	}
	return "idle"
}

// TypingTracker is the sender side of the typing protocol. The first
// keystroke announces typing; further keystrokes only push the debounce
// deadline back; the deadline or a sent message announces the stop.
//
// The tracker is not goroutine-safe. Keystroke and Stop must run on the
// owner's loop, and timer callbacks are handed to schedule so they run
// there too.
type TypingTracker struct {
	clock    Clock
	debounce time.Duration
	schedule func(func())
	publish  func(isTyping bool)

	state TypingState
	timer Timer
	gen   uint64
}

// NewTypingTracker creates an idle tracker. publish performs the broadcast
// and is expected to swallow its own errors.
func NewTypingTracker(clock Clock, debounce time.Duration, schedule func(func()), publish func(isTyping bool)) *TypingTracker {
	if debounce <= 0 {
		debounce = DefaultTypingDebounce
	}
	return &TypingTracker{
		clock:    clock,
		debounce: debounce,
		schedule: schedule,
		publish:  publish,
	}
}

// State returns the current state.
func (t *TypingTracker) State() TypingState { return t.state }

// Keystroke records local input.
func (t *TypingTracker) Keystroke() {
	if t.state == Idle {
		t.state = Typing
		t.publish(true)
	}
	t.arm()
}

// Stop forces the tracker idle, cancels the debounce timer and announces
// the stop. It is called after every send attempt.
func (t *TypingTracker) Stop() {
	t.cancel()
	t.state = Idle
	t.publish(false)
}

// Cancel drops the pending timer without announcing anything.
func (t *TypingTracker) Cancel() {
	t.cancel()
	t.state = Idle
}

func (t *TypingTracker) arm() {
	t.cancel()
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.debounce, func() {
		t.schedule(func() { t.expire(gen) })
	})
}

func (t *TypingTracker) cancel() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// expire runs when the debounce timer fires. A callback from a timer that
// was reset or stopped in the meantime carries an old generation.
func (t *TypingTracker) expire(gen uint64) {
	if gen != t.gen || t.state != Typing {
		return
	}
	t.timer = nil
	t.state = Idle
	t.publish(false)
}

// TypingMap is the receiver side: who is composing right now.
type TypingMap struct {
	entries map[string]typingEntry
	gen     uint64
}

type typingEntry struct {
	email string
	gen   uint64
}

// NewTypingMap creates an empty map.
func NewTypingMap() *TypingMap {
	return &TypingMap{entries: make(map[string]typingEntry)}
}

// Apply folds one broadcast into the map. It returns the entry generation
// for a typing=true event, used to match a later Expire.
func (m *TypingMap) Apply(p protocol.TypingPayload) uint64 {
	if !p.IsTyping {
		delete(m.entries, p.SenderID)
		return 0
	}
	m.gen++
	m.entries[p.SenderID] = typingEntry{email: p.Email, gen: m.gen}
	return m.gen
}

// Expire removes senderID if its entry has not been refreshed since gen.
func (m *TypingMap) Expire(senderID string, gen uint64) bool {
	e, ok := m.entries[senderID]
	if !ok || e.gen != gen {
		return false
	}
	delete(m.entries, senderID)
	return true
}

// Has reports whether senderID is composing.
func (m *TypingMap) Has(senderID string) bool {
	_, ok := m.entries[senderID]
	return ok
}

// Others returns the sorted emails of everyone composing except selfID.
// Senders that did not announce an email are shown as UnknownSender.
func (m *TypingMap) Others(selfID string) []string {
	out := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		if id == selfID {
			continue
		}
		name := e.email
		if name == "" {
			name = UnknownSender
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TypingLine renders the typing indicator for the given names.
func TypingLine(others []string) string {
	switch len(others) {
	case 0:
		return ""
	case 1:
		return others[0] + " is typing..."
	default:
		return strings.Join(others, ", ") + " are typing..."
	}
}

// Presence encodes and decodes typing broadcasts on a channel.
type Presence struct {
	channel  BroadcastChannel
	reporter Reporter
}

// NewPresence wraps channel.
func NewPresence(channel BroadcastChannel, reporter Reporter) *Presence {
	if reporter == nil {
		reporter = NopReporter()
	}
	return &Presence{channel: channel, reporter: reporter}
}

// Publish announces user's typing state as of at.
func (p *Presence) Publish(ctx context.Context, user User, isTyping bool, at time.Time) error {
	data, err := protocol.NewTypingBroadcast(user.ID, user.Email, isTyping, at)
	if err != nil {
		return err
	}
	if err := p.channel.Publish(ctx, data); err != nil {
		return &BackendError{Op: "broadcast typing", Err: err}
	}
	record(p.reporter, func(r Recorder) { r.TypingBroadcast(isTyping) })
	return nil
}

// Subscribe calls fn for every valid typing broadcast. Invalid payloads are
// reported and skipped.
func (p *Presence) Subscribe(ctx context.Context, fn func(protocol.TypingPayload)) (unsubscribe func(), err error) {
	sub, err := p.channel.Subscribe(ctx, func(data []byte) {
		payload, err := protocol.ParseTyping(data)
		if err != nil {
			p.reporter.Recovered("typing.parse", err)
			return
		}
		fn(payload)
	})
	if err != nil {
		return nil, &BackendError{Op: "subscribe typing", Err: err}
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			p.reporter.Recovered("typing.unsubscribe", err)
		}
	}, nil
}

// typingJob is one typing broadcast, stamped when the state changed.
type typingJob struct {
	isTyping bool
	at       time.Time
}

// typingPublisher sends a session's typing broadcasts in order on its own
// goroutine. The identity lookup and the publish both run there, bounded by
// timeout.
type typingPublisher struct {
	identity Identity
	presence *Presence
	reporter Reporter
	timeout  time.Duration

	mu     sync.Mutex
	queue  []typingJob
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newTypingPublisher(identity Identity, presence *Presence, reporter Reporter, timeout time.Duration) *typingPublisher {
	p := &typingPublisher{
		identity: identity,
		presence: presence,
		reporter: reporter,
		timeout:  timeout,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// enqueue never blocks. Jobs after close are dropped.
func (p *typingPublisher) enqueue(job typingJob) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, job)
	p.mu.Unlock()
	p.signal()
}

// close stops accepting jobs and waits until the queued ones are out.
func (p *typingPublisher) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()
	<-p.done
}

func (p *typingPublisher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *typingPublisher) run() {
	defer close(p.done)
	for range p.wake {
		for {
			p.mu.Lock()
			if len(p.queue) == 0 {
				closed := p.closed
				p.mu.Unlock()
				if closed {
					return
				}
				break
			}
			job := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()

			p.publish(job)
		}
	}
}

// publish sends one job. Without an authenticated user nothing is sent.
func (p *typingPublisher) publish(job typingJob) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	user, ok := p.identity.CurrentUser(ctx)
	if !ok {
		return
	}
	if err := p.presence.Publish(ctx, user, job.isTyping, job.at); err != nil {
		p.reporter.Recovered("typing.broadcast", err)
	}
}
