package protocol

import (
	"encoding/json"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []Message{
		NewPing(),
		NewPong(),
		NewEcho("hi"),
		NewConnectionAccepted("conn-1", ServerInfo{Name: "Roo Code", Version: "1.0.0", Platform: "linux", Capabilities: []string{"ai_conversation"}}),
		NewConnectionRejected("Server at maximum capacity"),
		NewAIConversation("s1", RoleAssistant, "hello", AIConversationOptions{StreamID: "k1"}),
		NewAskResponse("s1", AskYesButtonClicked, "", nil),
		NewTriggerSend("s1", ActionSend),
		NewClientHandshake("visionOS", "1.0.0", []string{"ai_conversation"}),
	}

	for _, m := range cases {
		data, err := Marshal(m)
		if err != nil {
			t.Fatalf("marshal %s: %v", m.Type, err)
		}
		parsed, err := Parse(data)
		if err != nil {
			t.Fatalf("parse %s: %v", m.Type, err)
		}
		if err := Validate(parsed); err != nil {
			t.Fatalf("validate round-tripped %s: %v", m.Type, err)
		}
		if parsed.Type != m.Type || parsed.ID != m.ID || parsed.Timestamp != m.Timestamp {
			t.Fatalf("round trip mismatch for %s: got %+v want %+v", m.Type, parsed, m)
		}
	}
}

func TestHandshakeDualFormat(t *testing.T) {
	topLevel := []byte(`{"type":"ClientHandshake","timestamp":1,"id":"a","clientType":"iOS","version":"2.0.0","capabilities":["echo"]}`)
	nested := []byte(`{"type":"ClientHandshake","timestamp":1,"id":"a","payload":{"clientType":"iOS","version":"2.0.0","capabilities":["echo"]}}`)

	a, err := Parse(topLevel)
	if err != nil {
		t.Fatalf("parse top-level: %v", err)
	}
	b, err := Parse(nested)
	if err != nil {
		t.Fatalf("parse nested: %v", err)
	}

	if a.ClientType != b.ClientType || a.Version != b.Version || len(a.Capabilities) != len(b.Capabilities) {
		t.Fatalf("normalized forms differ: %+v vs %+v", a, b)
	}
	if a.ClientType != "iOS" || a.Version != "2.0.0" || a.Capabilities[0] != "echo" {
		t.Fatalf("unexpected normalized handshake: %+v", a)
	}
}

func TestHandshakeDefaults(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"ClientHandshake"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.ClientType != "visionOS" || msg.Version != "1.0.0" {
		t.Fatalf("expected documented defaults, got %+v", msg)
	}
	if msg.Capabilities == nil || len(msg.Capabilities) != 0 {
		t.Fatalf("expected empty-but-non-nil capabilities, got %+v", msg.Capabilities)
	}
	if err := Validate(msg); err != nil {
		t.Fatalf("defaulted handshake should validate: %v", err)
	}
}

func TestUnknownClientTypeAcceptedVerbatim(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"ClientHandshake","clientType":"toaster","version":"9","capabilities":[]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := Validate(msg); err != nil {
		t.Fatalf("unknown clientType should still validate: %v", err)
	}
	if msg.ClientType != "toaster" {
		t.Fatalf("expected verbatim storage, got %s", msg.ClientType)
	}
}

func TestBackfillMissingTimestampAndID(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"Ping"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Timestamp == 0 {
		t.Fatal("expected timestamp to be back-filled")
	}
	if msg.ID == "" {
		t.Fatal("expected id to be back-filled")
	}
}

func TestSnakeCaseSessionID(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"AIConversation","payload":{"session_id":"abc","role":"user","content":"hi"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.SessionID() != "abc" {
		t.Fatalf("expected sessionId normalized from session_id, got %q", msg.SessionID())
	}
	if err := Validate(msg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestUnknownTypeFailsValidation(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"Bogus"}`))
	if err != nil {
		t.Fatalf("parse should still succeed for unknown type: %v", err)
	}
	if err := Validate(msg); err == nil {
		t.Fatal("expected validation error for unknown type")
	}
}

func TestMissingRequiredFieldsFailValidation(t *testing.T) {
	cases := []string{
		`{"type":"AIConversation","payload":{"role":"user","content":"hi"}}`,
		`{"type":"AskResponse","payload":{"sessionId":"s1"}}`,
		`{"type":"TriggerSend","payload":{"sessionId":"s1","action":"bogus"}}`,
		`{"type":"Echo","payload":{}}`,
		`{"type":"ConnectionRejected"}`,
	}
	for _, c := range cases {
		msg, err := Parse([]byte(c))
		if err != nil {
			t.Fatalf("parse %s: %v", c, err)
		}
		if err := Validate(msg); err == nil {
			t.Fatalf("expected validation error for %s", c)
		}
	}
}

func TestEchoIdempotent(t *testing.T) {
	out := NewEcho("hi")
	data, _ := Marshal(out)
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "Echo" {
		t.Fatalf("expected Echo, got %v", decoded["type"])
	}
	payload := decoded["payload"].(map[string]any)
	if payload["message"] != "hi" {
		t.Fatalf("expected message 'hi', got %v", payload["message"])
	}
}
