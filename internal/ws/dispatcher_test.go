package ws

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/recetas/chat-app/internal/chat"
	"github.com/recetas/chat-app/internal/protocol"
)

type capture struct {
	frames [][]byte
}

func (c *capture) reply(_ *Connection, data []byte) { c.frames = append(c.frames, data) }

func newTestDispatcher() (*MessageDispatcher, *capture) {
	d := NewMessageDispatcher(zerolog.Nop())
	c := &capture{}
	d.SetReply(c.reply)
	return d, c
}

func TestDispatch_RoutesTypedMessage(t *testing.T) {
	d, _ := newTestDispatcher()
	var got protocol.SendMsg
	d.Register(protocol.TypeSend, func(_ *Connection, msg interface{}) {
		got = msg.(protocol.SendMsg)
	})

	d.Dispatch(&Connection{ID: "c1"}, []byte(`{"type":"send","content":"hi"}`))
	if got.Content != "hi" {
		t.Errorf("expected content %q, got %q", "hi", got.Content)
	}
}

func TestDispatch_Ping(t *testing.T) {
	d, c := newTestDispatcher()
	conn := &Connection{ID: "c1"}
	d.Dispatch(conn, []byte(`{"type":"ping"}`))

	if len(c.frames) != 1 {
		t.Fatalf("expected one reply, got %d", len(c.frames))
	}
	if m := decodeFrame(t, c.frames[0]); m["type"] != "pong" {
		t.Errorf("expected pong, got %v", m)
	}
	if conn.LastSeen().IsZero() {
		t.Error("expected ping to touch the connection")
	}
}

func TestDispatch_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		code string
	}{
		{"malformed", `{not json`, "parse_error"},
		{"unknown type", `{"type":"find_match"}`, "parse_error"},
		{"delete without id", `{"type":"delete"}`, "parse_error"},
		{"unregistered", `{"type":"reload"}`, "unsupported_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, c := newTestDispatcher()
			d.Dispatch(&Connection{ID: "c1"}, []byte(tt.data))
			if len(c.frames) != 1 {
				t.Fatalf("expected one reply, got %d", len(c.frames))
			}
			m := decodeFrame(t, c.frames[0])
			if m["type"] != "error" || m["code"] != tt.code {
				t.Errorf("expected error %q, got %v", tt.code, m)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	if got := bearerToken(r); got != "from-query" {
		t.Errorf("expected query token, got %q", got)
	}

	r.Header.Set("Authorization", "Bearer from-header")
	if got := bearerToken(r); got != "from-header" {
		t.Errorf("expected header token to win, got %q", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	if got := bearerToken(r); got != "" {
		t.Errorf("expected no token, got %q", got)
	}
}

func TestDevAuthenticator(t *testing.T) {
	var a DevAuthenticator

	if _, err := a.Authenticate(httptest.NewRequest("GET", "/ws?email=a@x.io", nil)); err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized without user_id, got %v", err)
	}

	p, err := a.Authenticate(httptest.NewRequest("GET", "/ws?user_id=u1&email=a@x.io", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := chat.User{ID: "u1", Email: "a@x.io"}
	if p.User != want || p.Role != chat.DefaultRole {
		t.Errorf("unexpected principal %+v", p)
	}
	if u, ok := p.Identity.CurrentUser(context.Background()); !ok || u != want {
		t.Errorf("unexpected identity %+v (ok=%v)", u, ok)
	}
}
