package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	env := Envelope{Type: TypeMsg, ClientID: "c1", TargetID: "a1", Message: "clear-1", Channel: "A", Time: 12345}
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != env {
		t.Errorf("Decode() = %+v, want %+v", got, env)
	}
}

func TestDecodeOmitsOptionalFields(t *testing.T) {
	t.Parallel()

	raw, err := Envelope{Type: TypeHeartbeat, ClientID: "c1", Message: CodeOK}.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := generic["channel"]; ok {
		t.Error("encoded envelope contains empty channel field")
	}
	if _, ok := generic["time"]; ok {
		t.Error("encoded envelope contains zero time field")
	}
	// targetId is part of the fixed four-field envelope and must always be present.
	if _, ok := generic["targetId"]; !ok {
		t.Error("encoded envelope is missing targetId field")
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"not json", "[]", `{"clientId":"c1"}`, ""} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrBadEnvelope) {
			t.Errorf("Decode(%q) error = %v, want ErrBadEnvelope", raw, err)
		}
	}
}

func TestDecodeForwardsUnknownTypes(t *testing.T) {
	t.Parallel()

	got, err := Decode([]byte(`{"type":"custom","clientId":"c1","targetId":"a1","message":"hi"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Type != "custom" {
		t.Errorf("Type = %q, want custom", got.Type)
	}
}

func TestNewAssignEnvelope(t *testing.T) {
	t.Parallel()

	env := NewAssignEnvelope("abc")
	if env.Type != TypeBind || env.ClientID != "abc" || env.TargetID != "" || env.Message != "targetId" {
		t.Errorf("NewAssignEnvelope() = %+v", env)
	}
}

func TestNewBreakEnvelope(t *testing.T) {
	t.Parallel()

	env := NewBreakEnvelope("c1", "a1")
	if env.Type != TypeBreak || env.Message != CodePeerDisconnected {
		t.Errorf("NewBreakEnvelope() = %+v", env)
	}
}
