package chat

import (
	"context"
	"errors"
	"testing"
)

func TestSendPipeline_InsertsForCurrentUser(t *testing.T) {
	clock := newFakeClock()
	table := newFakeTable(clock)
	rep := newRecordingReporter()
	p := NewSendPipeline(table, StaticIdentity{ID: "u1", Email: "a@x.com"}, nil, rep)

	if err := p.Send(context.Background(), "  hola  "); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(table.inserted) != 1 {
		t.Fatalf("expected 1 insert, got %d", len(table.inserted))
	}
	want := NewMessage{Content: "  hola  ", SenderID: "u1", SenderEmail: "a@x.com"}
	if table.inserted[0] != want {
		t.Errorf("expected %+v, got %+v", want, table.inserted[0])
	}
	if rep.sent[SendOK] != 1 {
		t.Errorf("expected one ok send, got %v", rep.sent)
	}
}

func TestSendPipeline_Errors(t *testing.T) {
	cases := []struct {
		name     string
		content  string
		identity Identity
		limiter  Limiter
		insert   error
		wantErr  error
		inserted int
	}{
		{"empty", "   ", StaticIdentity{ID: "u1"}, nil, nil, ErrEmptyMessage, 0},
		{"not authenticated", "hola", StaticIdentity{}, nil, nil, ErrNotAuthenticated, 0},
		{"rate limited", "hola", StaticIdentity{ID: "u1"}, stubLimiter{allow: false}, nil, ErrRateLimited, 0},
		{"limiter down fails open", "hola", StaticIdentity{ID: "u1"}, stubLimiter{err: errBoom}, nil, nil, 1},
		{"backend", "hola", StaticIdentity{ID: "u1"}, nil, errBoom, ErrBackend, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			table := newFakeTable(newFakeClock())
			table.insertErr = tc.insert
			p := NewSendPipeline(table, tc.identity, tc.limiter, nil)

			err := p.Send(context.Background(), tc.content)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if n := table.insertCount(); n != tc.inserted {
				t.Errorf("expected %d inserts, got %d", tc.inserted, n)
			}
		})
	}
}
