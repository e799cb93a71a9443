package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/recetas/chat-app/internal/chat"
	"github.com/recetas/chat-app/internal/protocol"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "chat.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_InsertAndRecent(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		if err := s.Insert(ctx, chat.NewMessage{Content: content, SenderID: "u1", SenderEmail: "a@x.io"}); err != nil {
			t.Fatalf("insert %q: %v", content, err)
		}
	}

	msgs, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "third" || msgs[1].Content != "second" {
		t.Errorf("expected newest first, got %q, %q", msgs[0].Content, msgs[1].Content)
	}
	for _, m := range msgs {
		if m.ID == "" {
			t.Error("expected a backend-assigned id")
		}
		if m.CreatedAt.IsZero() {
			t.Error("expected a backend-assigned timestamp")
		}
		if m.SenderEmail != "a@x.io" {
			t.Errorf("expected sender email, got %q", m.SenderEmail)
		}
		if m.Sender != nil {
			t.Errorf("expected no join without a users row, got %+v", m.Sender)
		}
	}
}

func TestSQLiteStore_GetWithJoin(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, chat.User{ID: "u1", Email: "a@x.io"}, ""); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if err := s.Insert(ctx, chat.NewMessage{Content: "hi", SenderID: "u1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	msgs, err := s.Recent(ctx, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("recent: %v (%d rows)", err, len(msgs))
	}

	m, err := s.Get(ctx, msgs[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.SenderEmail != "" {
		t.Errorf("expected no denormalized email, got %q", m.SenderEmail)
	}
	if m.Sender == nil || m.Sender.Email != "a@x.io" || m.Sender.Role != chat.DefaultRole {
		t.Errorf("unexpected sender join %+v", m.Sender)
	}
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	s := newTestSQLite(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_Delete(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if err := s.Insert(ctx, chat.NewMessage{Content: "bye", SenderID: "u1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	msgs, _ := s.Recent(ctx, 10)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}

	if err := s.Delete(ctx, msgs[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, msgs[0].ID); err != nil {
		t.Errorf("deleting a missing row should succeed, got %v", err)
	}
	if msgs, _ := s.Recent(ctx, 10); len(msgs) != 0 {
		t.Errorf("expected empty table, got %d rows", len(msgs))
	}
}

func TestSQLiteStore_RejectsOversizedContent(t *testing.T) {
	s := newTestSQLite(t)
	long := make([]byte, 501)
	for i := range long {
		long[i] = 'a'
	}
	if err := s.Insert(context.Background(), chat.NewMessage{Content: string(long), SenderID: "u1"}); err == nil {
		t.Error("expected the content check to reject 501 characters")
	}
}

// ---------------------------------------------------------------------------
// Change feed
// ---------------------------------------------------------------------------

func TestSQLiteStore_FeedAnnouncesInserts(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	got := make(chan []byte, 1)
	sub, err := s.Feed().Subscribe(ctx, func(p []byte) { got <- p })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := s.Insert(ctx, chat.NewMessage{Content: "hello", SenderID: "u1", SenderEmail: "a@x.io"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	select {
	case p := <-got:
		rec, err := protocol.ParseInsert(p)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if rec.Content != "hello" || rec.SenderID != "u1" || rec.SenderEmail != "a@x.io" {
			t.Errorf("unexpected record %+v", rec)
		}
		m, err := s.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("announced row not readable: %v", err)
		}
		if !m.CreatedAt.Equal(rec.CreatedAt) {
			t.Errorf("timestamps differ: stored %v, announced %v", m.CreatedAt, rec.CreatedAt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for insert event")
	}
}

func TestSQLiteStore_FeedSubscriberFetchesRow(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	if err := s.UpsertUser(ctx, chat.User{ID: "u1", Email: "a@x.io"}, "admin"); err != nil {
		t.Fatalf("upsert user: %v", err)
	}

	fs := chat.NewFeedSubscriber(s, s.Feed(), chat.NopReporter(), chat.SystemClock(), time.Second)
	got := make(chan chat.Message, 1)
	stop, err := fs.Subscribe(ctx, func(m chat.Message) { got <- m })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	if err := s.Insert(ctx, chat.NewMessage{Content: "joined", SenderID: "u1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	select {
	case m := <-got:
		if m.Content != "joined" {
			t.Errorf("unexpected content %q", m.Content)
		}
		if m.Sender == nil || m.Sender.Role != "admin" {
			t.Errorf("expected the refetched join, got %+v", m.Sender)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestTimestamp_Scan(t *testing.T) {
	want := time.Date(2025, 3, 1, 12, 0, 0, 500, time.UTC)
	cases := []any{want, want.Format(sqliteTimeLayout), []byte(want.Format(time.RFC3339Nano))}
	for _, v := range cases {
		var ts timestamp
		if err := ts.Scan(v); err != nil {
			t.Fatalf("scan %T: %v", v, err)
		}
		if !ts.Equal(want) {
			t.Errorf("scan %T: expected %v, got %v", v, want, ts.Time)
		}
	}

	var ts timestamp
	if err := ts.Scan(42); err == nil {
		t.Error("expected an error for an integer")
	}
}
