package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/recetas/chat-app/internal/protocol"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// newFakeClock returns a clock parked at t0. Timers fire only on Advance.
func newFakeClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(t0)
}

// ---------------------------------------------------------------------------
// fakeTable is an in-memory MessageTable.
// ---------------------------------------------------------------------------

type fakeTable struct {
	mu       sync.Mutex
	clock    Clock
	rows     []Message
	nextID   int
	inserted []NewMessage
	limits   []int
	noJoin   bool

	recentErr error
	getErr    error
	getPanic  bool
	insertErr error
	deleteErr error

	onInsert func(Message)
}

func newFakeTable(clock Clock, rows ...Message) *fakeTable {
	return &fakeTable{clock: clock, rows: rows}
}

func (f *fakeTable) Recent(_ context.Context, limit int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	out := append([]Message(nil), f.rows...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTable) Get(_ context.Context, id string) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getPanic {
		panic("driver exploded")
	}
	if f.getErr != nil {
		return Message{}, f.getErr
	}
	for _, m := range f.rows {
		if m.ID == id {
			if f.noJoin {
				m.Sender = nil
			}
			return m, nil
		}
	}
	return Message{}, ErrNotFound
}

func (f *fakeTable) Insert(_ context.Context, nm NewMessage) error {
	f.mu.Lock()
	if f.insertErr != nil {
		f.mu.Unlock()
		return f.insertErr
	}
	f.nextID++
	m := Message{
		ID:          fmt.Sprintf("srv-%d", f.nextID),
		Content:     nm.Content,
		SenderID:    nm.SenderID,
		SenderEmail: nm.SenderEmail,
		CreatedAt:   f.clock.Now(),
		Sender:      &Sender{Email: nm.SenderEmail, Role: "admin"},
	}
	f.rows = append(f.rows, m)
	f.inserted = append(f.inserted, nm)
	hook := f.onInsert
	f.mu.Unlock()

	if hook != nil {
		hook(m)
	}
	return nil
}

func (f *fakeTable) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for i, m := range f.rows {
		if m.ID == id {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeTable) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

// ---------------------------------------------------------------------------
// fakeBus serves as both ChangeFeed and BroadcastChannel.
// ---------------------------------------------------------------------------

type fakeBus struct {
	mu         sync.Mutex
	handlers   map[int]func([]byte)
	next       int
	subscribes int
	subErr     error
	publishErr error
	published  [][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[int]func([]byte))}
}

type subFunc func() error

func (f subFunc) Unsubscribe() error { return f() }

func (b *fakeBus) Subscribe(_ context.Context, h func([]byte)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return nil, b.subErr
	}
	b.subscribes++
	b.next++
	id := b.next
	b.handlers[id] = h
	return subFunc(func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
		return nil
	}), nil
}

func (b *fakeBus) Publish(_ context.Context, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, payload)
	return nil
}

// emit delivers payload to every subscriber on the calling goroutine.
func (b *fakeBus) emit(payload []byte) {
	b.mu.Lock()
	hs := make([]func([]byte), 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
}

func (b *fakeBus) active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

// ---------------------------------------------------------------------------
// Recording collaborators
// ---------------------------------------------------------------------------

type recovered struct {
	op  string
	err error
}

type recordingReporter struct {
	mu        sync.Mutex
	errs      []recovered
	delivered map[string]int
	sent      map[string]int
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{delivered: make(map[string]int), sent: make(map[string]int)}
}

func (r *recordingReporter) Recovered(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, recovered{op: op, err: err})
}

func (r *recordingReporter) Delivered(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered[path]++
}

func (r *recordingReporter) Sent(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[result]++
}

func (r *recordingReporter) TypingBroadcast(bool) {}

func (r *recordingReporter) HistoryLoaded(time.Duration, int) {}

func (r *recordingReporter) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.errs))
	for i, e := range r.errs {
		out[i] = e.op
	}
	return out
}

func (r *recordingReporter) totalDelivered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered[PathFetched] + r.delivered[PathDegraded]
}

type stubLimiter struct {
	allow bool
	err   error
}

func (l stubLimiter) Allow(context.Context, string) (bool, error) { return l.allow, l.err }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func msgAt(id string, offset time.Duration) Message {
	return Message{
		ID:        id,
		Content:   "content " + id,
		SenderID:  "u1",
		CreatedAt: t0.Add(offset),
		Sender:    &Sender{Email: "a@x.com", Role: DefaultRole},
	}
}

func insertPayload(t *testing.T, m Message) []byte {
	t.Helper()
	data, err := protocol.NewInsertEvent(protocol.InsertRecord{
		ID:          m.ID,
		Content:     m.Content,
		SenderID:    m.SenderID,
		SenderEmail: m.SenderEmail,
		CreatedAt:   m.CreatedAt,
	})
	if err != nil {
		t.Fatalf("encode insert event: %v", err)
	}
	return data
}

func typingPayload(t *testing.T, senderID, email string, isTyping bool) []byte {
	t.Helper()
	data, err := protocol.NewTypingBroadcast(senderID, email, isTyping, t0)
	if err != nil {
		t.Fatalf("encode typing broadcast: %v", err)
	}
	return data
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var errBoom = errors.New("boom")
