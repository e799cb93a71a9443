package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Send(t *testing.T) {
	input := []byte(`{"type":"send","content":"Hola!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSend {
		t.Fatalf("expected type %q, got %q", TypeSend, msgType)
	}

	sm, ok := msg.(SendMsg)
	if !ok {
		t.Fatalf("expected SendMsg, got %T", msg)
	}
	if sm.Content != "Hola!" {
		t.Errorf("expected content %q, got %q", "Hola!", sm.Content)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a delete message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Delete(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"delete","id":"m-42"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeDelete {
		t.Fatalf("expected type %q, got %q", TypeDelete, msgType)
	}
	dm, ok := msg.(DeleteMsg)
	if !ok {
		t.Fatalf("expected DeleteMsg, got %T", msg)
	}
	if dm.ID != "m-42" {
		t.Errorf("expected id %q, got %q", "m-42", dm.ID)
	}
}

func TestParseClientMessage_DeleteWithoutID(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"delete"}`))
	if err == nil {
		t.Fatal("expected an error for delete without id, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a snapshot server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_Snapshot(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := SnapshotMsg{
		Messages: []MessageView{
			{ID: "m1", Content: "hola", SenderID: "u1", CreatedAt: at, DisplayName: "a@x.com"},
			{ID: "m2", Content: "que tal", SenderID: "u2", CreatedAt: at.Add(time.Second), DisplayName: "b@x.com", Own: true},
		},
	}

	data, err := NewServerMessage(TypeSnapshot, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeSnapshot {
		t.Errorf("expected type %q, got %v", TypeSnapshot, result["type"])
	}

	msgs, ok := result["messages"].([]interface{})
	if !ok {
		t.Fatalf("expected messages to be an array, got %T", result["messages"])
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	second, ok := msgs[1].(map[string]interface{})
	if !ok {
		t.Fatalf("expected message object, got %T", msgs[1])
	}
	if second["own"] != true {
		t.Errorf("expected own=true on second message, got %v", second["own"])
	}
	if _, present := second["sender"]; present {
		t.Errorf("expected sender to be omitted when nil, got %v", second["sender"])
	}
}

func TestNewServerMessage_SendResultCarriesDraft(t *testing.T) {
	data, err := NewServerMessage(TypeSendResult, SendResultMsg{
		OK:    false,
		Code:  "backend_error",
		Error: "insert failed",
		Draft: "my unsent text",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded SendResultMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeSendResult {
		t.Errorf("type mismatch: expected %q, got %q", TypeSendResult, decoded.Type)
	}
	if decoded.OK {
		t.Error("expected ok=false")
	}
	if decoded.Draft != "my unsent text" {
		t.Errorf("expected draft to round-trip, got %q", decoded.Draft)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"find_match","interests":["music"]}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "find_match" {
		t.Errorf("expected returned type %q, got %q", "find_match", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"content":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"send", `{"type":"send","content":"hi"}`, TypeSend},
		{"delete", `{"type":"delete","id":"m1"}`, TypeDelete},
		{"typing", `{"type":"typing"}`, TypeTyping},
		{"reload", `{"type":"reload"}`, TypeReload},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
