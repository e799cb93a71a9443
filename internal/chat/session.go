package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/recetas/chat-app/internal/protocol"
)

// UpdateKind tells watchers what changed.
type UpdateKind int

const (
	UpdateSnapshot UpdateKind = iota + 1 // whole list after a (re)load
	UpdateAppended                       // one live message
	UpdateRemoved                        // one message deleted locally
	UpdateTyping                         // the set of others typing changed
	UpdateStatus                         // the loading or sending flag changed
)

// Update is delivered to watchers on the session loop.
type Update struct {
	Kind     UpdateKind
	Messages []Message // UpdateSnapshot
	Loading  bool      // UpdateSnapshot, UpdateStatus
	Sending  bool      // UpdateStatus
	Message  Message   // UpdateAppended
	Index    int       // UpdateAppended: position in the list
	ID       string    // UpdateRemoved
	Typing   []string  // UpdateTyping: emails, self excluded
}

// Config holds the session tunables.
type Config struct {
	HistoryLimit     int
	TypingDebounce   time.Duration
	TypingExpiry     time.Duration // receiver side; 0 keeps entries until typing=false
	FetchTimeout     time.Duration
	BroadcastTimeout time.Duration
	QueueSize        int
}

// DefaultConfig returns the standard session settings.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:     DefaultHistoryLimit,
		TypingDebounce:   DefaultTypingDebounce,
		TypingExpiry:     DefaultTypingExpiry,
		FetchTimeout:     DefaultFetchTimeout,
		BroadcastTimeout: 3 * time.Second,
		QueueSize:        256,
	}
}

// Deps are the collaborators of a session. Table, Feed, Typing and Identity
// are required.
type Deps struct {
	Table    MessageTable
	Feed     ChangeFeed
	Typing   BroadcastChannel
	Identity Identity
	Limiter  Limiter   // optional
	Reporter Reporter  // optional
	Clock    Clock     // optional, defaults to the system clock
	Channels *Channels // optional, defaults to a private shared arena
	Logger   zerolog.Logger
}

// Session is one active chat view. All state lives on a single loop
// goroutine; network calls run on the caller's goroutine and post their
// results back. Completions that arrive after Close are dropped.
type Session struct {
	cfg      Config
	deps     Deps
	reporter Reporter
	clock    Clock
	log      zerolog.Logger

	loader    *HistoryLoader
	feed      *FeedSubscriber
	sender    *SendPipeline
	presence  *Presence
	publisher *typingPublisher

	ops     chan func()
	done    chan struct{}
	stopped chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
	leases  []*Lease

	// Owned by the loop goroutine.
	self        User
	list        *MessageList
	typing      *TypingMap
	expiries    map[string]Timer
	tracker     *TypingTracker
	watchers    map[uint64]func(Update)
	nextWatcher uint64
	loading     int
	sending     int
}

// NewSession creates a session and starts its loop. Call Start to subscribe
// and load history.
func NewSession(deps Deps, cfg Config) (*Session, error) {
	if deps.Table == nil || deps.Feed == nil || deps.Typing == nil || deps.Identity == nil {
		return nil, errors.New("chat: session requires a table, feed, typing channel and identity")
	}
	if deps.Reporter == nil {
		deps.Reporter = NopReporter()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Channels == nil {
		deps.Channels = NewChannels(PolicyShare)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = DefaultConfig().BroadcastTimeout
	}

	s := &Session{
		cfg:      cfg,
		deps:     deps,
		reporter: deps.Reporter,
		clock:    deps.Clock,
		log:      deps.Logger.With().Str("component", "chat-session").Logger(),
		loader:   NewHistoryLoader(deps.Table, deps.Reporter, deps.Clock),
		feed:     NewFeedSubscriber(deps.Table, deps.Feed, deps.Reporter, deps.Clock, cfg.FetchTimeout),
		sender:   NewSendPipeline(deps.Table, deps.Identity, deps.Limiter, deps.Reporter),
		presence: NewPresence(deps.Typing, deps.Reporter),
		ops:      make(chan func(), cfg.QueueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		list:     NewMessageList(),
		typing:   NewTypingMap(),
		expiries: make(map[string]Timer),
		watchers: make(map[uint64]func(Update)),
	}
	s.publisher = newTypingPublisher(deps.Identity, s.presence, deps.Reporter, cfg.BroadcastTimeout)
	s.tracker = NewTypingTracker(deps.Clock, cfg.TypingDebounce, func(fn func()) { s.post(fn) }, s.publishTyping)

	go s.run()
	return s, nil
}

// Start resolves the local user, acquires the message and typing channels
// and loads history. A failure to subscribe to typing only disables
// presence; a failure to subscribe to messages closes the session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	user, _ := s.deps.Identity.CurrentUser(ctx)
	if err := s.call(func() { s.self = user }); err != nil {
		return err
	}

	msgLease, err := s.deps.Channels.Messages.Acquire(ChannelMessages, s.openMessages, s.onMessage)
	if err != nil {
		s.Close()
		return fmt.Errorf("chat: start: %w", err)
	}
	s.hold(msgLease)

	typingLease, err := s.deps.Channels.Typing.Acquire(ChannelTyping, s.openTyping, s.onTyping)
	switch {
	case errors.Is(err, ErrChannelHeld):
		s.Close()
		return fmt.Errorf("chat: start: %w", err)
	case err != nil:
		s.reporter.Recovered("typing.subscribe", err)
	default:
		s.hold(typingLease)
	}

	s.log.Debug().Str("user_id", user.ID).Msg("session started")
	s.LoadHistory(ctx)
	return nil
}

// Close releases both channels, cancels every timer and stops the loop. A
// user still marked as typing is announced as stopped; Close waits for that
// broadcast, which is bounded by the broadcast timeout.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	leases := s.leases
	s.leases = nil
	s.mu.Unlock()

	for _, l := range leases {
		l.Release()
	}
	_ = s.call(s.teardown)
	close(s.done)
	<-s.stopped
	s.publisher.close()

	s.log.Debug().Msg("session closed")
	return nil
}

// LoadHistory reloads the list and returns it. On a backend failure the
// current list is kept, which is empty for a fresh session.
func (s *Session) LoadHistory(ctx context.Context) []Message {
	_ = s.Reload(ctx)
	return s.Messages()
}

// Reload fetches the latest history and reconciles it with the list.
// Messages deleted by other sessions disappear; live messages that arrived
// while the fetch was in flight are kept.
func (s *Session) Reload(ctx context.Context) error {
	var mark uint64
	if err := s.call(func() {
		mark = s.list.Mark()
		s.loading++
		if s.loading == 1 {
			s.emitStatus()
		}
	}); err != nil {
		return err
	}

	history, err := s.loader.fetch(ctx, s.cfg.HistoryLimit)
	if err != nil {
		s.reporter.Recovered("history.load", err)
	}

	cerr := s.call(func() {
		s.loading--
		if err == nil {
			s.list.Reconcile(history, mark)
		}
		s.emit(Update{Kind: UpdateSnapshot, Messages: s.list.Snapshot(), Loading: s.loading > 0})
	})
	if err != nil {
		return err
	}
	return cerr
}

// Send submits content. Whatever the outcome, the local typing indicator
// is stopped afterwards. The message is not added to the list here; it
// arrives through the change feed.
func (s *Session) Send(ctx context.Context, content string) error {
	if err := s.call(func() {
		s.sending++
		if s.sending == 1 {
			s.emitStatus()
		}
	}); err != nil {
		return err
	}

	err := s.sender.Send(ctx, content)

	_ = s.call(func() {
		s.sending--
		if s.sending == 0 {
			s.emitStatus()
		}
		s.tracker.Stop()
	})
	return err
}

// Delete removes a message from the table and then from the list. On
// failure the list is left as is.
func (s *Session) Delete(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := s.deps.Table.Delete(ctx, id); err != nil {
		return &BackendError{Op: "delete message", Err: err}
	}
	_ = s.call(func() {
		if s.list.Remove(id) {
			s.emit(Update{Kind: UpdateRemoved, ID: id})
		}
	})
	return nil
}

// NotifyTyping is the keystroke hook.
func (s *Session) NotifyTyping() {
	s.post(func() { s.tracker.Keystroke() })
}

// Messages returns a copy of the list.
func (s *Session) Messages() []Message {
	var out []Message
	if err := s.call(func() { out = s.list.Snapshot() }); err != nil {
		return []Message{}
	}
	return out
}

// TypingUsers returns the emails of the other users composing right now.
func (s *Session) TypingUsers() []string {
	var out []string
	if err := s.call(func() { out = s.typing.Others(s.self.ID) }); err != nil {
		return []string{}
	}
	return out
}

// Self returns the user the session was started for.
func (s *Session) Self() User {
	var u User
	_ = s.call(func() { u = s.self })
	return u
}

// Loading reports whether a history fetch is in flight.
func (s *Session) Loading() bool {
	var v bool
	_ = s.call(func() { v = s.loading > 0 })
	return v
}

// Sending reports whether a send is in flight.
func (s *Session) Sending() bool {
	var v bool
	_ = s.call(func() { v = s.sending > 0 })
	return v
}

// TypingState returns the local user's composing state.
func (s *Session) TypingState() TypingState {
	state := Idle
	_ = s.call(func() { state = s.tracker.State() })
	return state
}

// Watch registers fn for updates. fn runs on the session loop and must not
// call back into the session. The returned func unregisters it.
func (s *Session) Watch(fn func(Update)) (stop func()) {
	var id uint64
	err := s.call(func() {
		s.nextWatcher++
		id = s.nextWatcher
		s.watchers[id] = fn
	})
	if err != nil {
		return func() {}
	}
	return func() {
		s.post(func() { delete(s.watchers, id) })
	}
}

// ---------------------------------------------------------------------------
// Loop plumbing
// ---------------------------------------------------------------------------

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.ops:
			fn()
		}
	}
}

// post queues fn on the loop. It reports false once the session is closed.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ops <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (s *Session) call(fn func()) error {
	ran := make(chan struct{})
	if !s.post(func() { fn(); close(ran) }) {
		return ErrSessionClosed
	}
	select {
	case <-ran:
		return nil
	case <-s.stopped:
		select {
		case <-ran:
			return nil
		default:
			return ErrSessionClosed
		}
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) hold(l *Lease) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Release()
		return
	}
	s.leases = append(s.leases, l)
	s.mu.Unlock()
}

func (s *Session) emit(u Update) {
	for _, fn := range s.watchers {
		fn(u)
	}
}

func (s *Session) teardown() {
	if s.tracker.State() == Typing {
		s.tracker.Stop()
	} else {
		s.tracker.Cancel()
	}
	for id, t := range s.expiries {
		t.Stop()
		delete(s.expiries, id)
	}
	s.watchers = make(map[uint64]func(Update))
}

// ---------------------------------------------------------------------------
// Channel wiring
// ---------------------------------------------------------------------------

func (s *Session) openMessages(ctx context.Context, deliver func(Message)) (func(), error) {
	return s.feed.Subscribe(ctx, deliver)
}

func (s *Session) openTyping(ctx context.Context, deliver func(protocol.TypingPayload)) (func(), error) {
	return s.presence.Subscribe(ctx, deliver)
}

func (s *Session) onMessage(m Message) {
	s.post(func() {
		if i, ok := s.list.Append(m); ok {
			s.emit(Update{Kind: UpdateAppended, Message: m, Index: i})
		}
	})
}

func (s *Session) onTyping(p protocol.TypingPayload) {
	s.post(func() {
		gen := s.typing.Apply(p)
		if p.IsTyping {
			s.armExpiry(p.SenderID, gen)
		} else if t, ok := s.expiries[p.SenderID]; ok {
			t.Stop()
			delete(s.expiries, p.SenderID)
		}
		if p.SenderID != s.self.ID {
			s.emitTyping()
		}
	})
}

func (s *Session) armExpiry(senderID string, gen uint64) {
	if s.cfg.TypingExpiry <= 0 {
		return
	}
	if t, ok := s.expiries[senderID]; ok {
		t.Stop()
	}
	s.expiries[senderID] = s.clock.AfterFunc(s.cfg.TypingExpiry, func() {
		s.post(func() {
			if s.typing.Expire(senderID, gen) {
				delete(s.expiries, senderID)
				s.emitTyping()
			}
		})
	})
}

func (s *Session) emitStatus() {
	s.emit(Update{Kind: UpdateStatus, Loading: s.loading > 0, Sending: s.sending > 0})
}

func (s *Session) emitTyping() {
	s.emit(Update{Kind: UpdateTyping, Typing: s.typing.Others(s.self.ID)})
}

// publishTyping runs on the loop. It stamps the change and hands it to the
// publisher.
func (s *Session) publishTyping(isTyping bool) {
	s.publisher.enqueue(typingJob{isTyping: isTyping, at: s.clock.Now()})
}
