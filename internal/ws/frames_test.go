package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/recetas/chat-app/internal/chat"
)

func decodeFrame(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("invalid frame %s: %v", data, err)
	}
	return m
}

func TestUpdateFrame_Snapshot(t *testing.T) {
	self := chat.User{ID: "u1", Email: "me@x.io"}
	u := chat.Update{
		Kind: chat.UpdateSnapshot,
		Messages: []chat.Message{
			{ID: "m1", Content: "mine", SenderID: "u1", CreatedAt: time.Unix(100, 0)},
			{ID: "m2", Content: "theirs", SenderID: "u2", Sender: &chat.Sender{Email: "b@x.io", Role: "admin"}, CreatedAt: time.Unix(200, 0)},
		},
		Loading: true,
	}

	data, err := updateFrame(u, self)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := decodeFrame(t, data)
	if m["type"] != "snapshot" || m["loading"] != true {
		t.Fatalf("unexpected frame %s", data)
	}
	msgs := m["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	first := msgs[0].(map[string]interface{})
	if first["own"] != true || first["display_name"] != "me@x.io" {
		t.Errorf("unexpected own message view %v", first)
	}
	if _, ok := first["sender"]; ok {
		t.Errorf("expected no sender without a join, got %v", first["sender"])
	}
	second := msgs[1].(map[string]interface{})
	if second["own"] != false || second["display_name"] != "b@x.io" {
		t.Errorf("unexpected view %v", second)
	}
	if s := second["sender"].(map[string]interface{}); s["role"] != "admin" {
		t.Errorf("unexpected sender %v", s)
	}
}

func TestUpdateFrame_EmptySnapshotHasArray(t *testing.T) {
	data, err := updateFrame(chat.Update{Kind: chat.UpdateSnapshot}, chat.User{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgs, ok := decodeFrame(t, data)["messages"].([]interface{}); !ok || len(msgs) != 0 {
		t.Errorf("expected an empty array, got %s", data)
	}
}

func TestUpdateFrame_Kinds(t *testing.T) {
	self := chat.User{ID: "u1"}
	tests := []struct {
		name  string
		u     chat.Update
		typ   string
		check func(map[string]interface{}) error
	}{
		{
			name: "appended",
			u:    chat.Update{Kind: chat.UpdateAppended, Message: chat.Message{ID: "m1", Content: "hi", SenderID: "u2"}},
			typ:  "message",
			check: func(m map[string]interface{}) error {
				msg := m["message"].(map[string]interface{})
				if msg["id"] != "m1" || msg["display_name"] != chat.UnknownSender {
					return fmt.Errorf("unexpected message %v", msg)
				}
				return nil
			},
		},
		{
			name: "removed",
			u:    chat.Update{Kind: chat.UpdateRemoved, ID: "m1"},
			typ:  "message_removed",
			check: func(m map[string]interface{}) error {
				if m["id"] != "m1" {
					return fmt.Errorf("unexpected id %v", m["id"])
				}
				return nil
			},
		},
		{
			name: "typing",
			u:    chat.Update{Kind: chat.UpdateTyping, Typing: []string{"a@x.io", "b@x.io"}},
			typ:  "typing",
			check: func(m map[string]interface{}) error {
				if m["line"] != "a@x.io, b@x.io are typing..." {
					return fmt.Errorf("unexpected line %v", m["line"])
				}
				return nil
			},
		},
		{
			name: "typing cleared",
			u:    chat.Update{Kind: chat.UpdateTyping},
			typ:  "typing",
			check: func(m map[string]interface{}) error {
				if users, ok := m["users"].([]interface{}); !ok || len(users) != 0 {
					return fmt.Errorf("expected empty users, got %v", m["users"])
				}
				if _, ok := m["line"]; ok {
					return fmt.Errorf("expected no line, got %v", m["line"])
				}
				return nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := updateFrame(tt.u, self)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			m := decodeFrame(t, data)
			if m["type"] != tt.typ {
				t.Fatalf("expected type %q, got %v", tt.typ, m["type"])
			}
			if err := tt.check(m); err != nil {
				t.Error(err)
			}
		})
	}

	if _, err := updateFrame(chat.Update{}, self); err == nil {
		t.Error("expected an error for the zero update kind")
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{chat.ErrNotAuthenticated, "not_authenticated"},
		{chat.ErrEmptyMessage, "empty_message"},
		{fmt.Errorf("wrapped: %w", chat.ErrMessageTooLong), "message_too_long"},
		{chat.ErrInvalidMessage, "invalid_message"},
		{chat.ErrRateLimited, "rate_limited"},
		{chat.ErrSessionClosed, "session_closed"},
		{&chat.BackendError{Op: "insert message", Err: errors.New("down")}, "backend_error"},
		{errors.New("other"), "internal_error"},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Errorf("errorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestSendResultFrame_RestoresDraftOnFailure(t *testing.T) {
	zero := 0
	data, err := sendResultFrame("hello", chat.ErrRateLimited, &zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := decodeFrame(t, data)
	if m["ok"] != false || m["code"] != "rate_limited" || m["draft"] != "hello" || m["remaining"] != float64(0) {
		t.Errorf("unexpected frame %s", data)
	}

	data, _ = sendResultFrame("hello", nil, nil)
	m = decodeFrame(t, data)
	if m["ok"] != true {
		t.Errorf("expected ok, got %s", data)
	}
	if _, ok := m["draft"]; ok {
		t.Errorf("expected no draft on success, got %s", data)
	}
	if _, ok := m["remaining"]; ok {
		t.Errorf("expected no remaining without a limiter, got %s", data)
	}
}

func TestUpdateFrame_Status(t *testing.T) {
	data, err := updateFrame(chat.Update{Kind: chat.UpdateStatus, Sending: true}, chat.User{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := decodeFrame(t, data)
	if m["type"] != "status" || m["sending"] != true || m["loading"] != false {
		t.Errorf("unexpected frame %s", data)
	}
}
