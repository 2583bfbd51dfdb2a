package ws

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestMarshalUnmarshal_InboundFrame(t *testing.T) {
	orig := NewInboundFrame("https://plugin.test", []byte(`{"id":"1","kind":"call","capability":"bridge.handshake"}`))

	data, err := MarshalFrame(orig)
	if err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}

	got, err := UnmarshalFrame(data)
	if err != nil {
		t.Fatalf("UnmarshalFrame: %v", err)
	}
	if got.Origin != "https://plugin.test" {
		t.Fatalf("expected origin %q, got %q", "https://plugin.test", got.Origin)
	}
	if got.TargetOrigin != "" {
		t.Fatalf("inbound frame carries targetOrigin %q", got.TargetOrigin)
	}

	var env map[string]string
	if err := json.Unmarshal(got.Data, &env); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if env["capability"] != "bridge.handshake" {
		t.Fatalf("expected capability %q, got %q", "bridge.handshake", env["capability"])
	}
}

func TestMarshal_OutboundFrameWireShape(t *testing.T) {
	data, err := MarshalFrame(NewOutboundFrame("https://plugin.test", []byte(`{"kind":"event","name":"x"}`)))
	if err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["origin"]; ok {
		t.Error("outbound frame must not carry origin")
	}
	if string(raw["targetOrigin"]) != `"https://plugin.test"` {
		t.Errorf("targetOrigin = %s", raw["targetOrigin"])
	}
}

func TestUnmarshalFrame_Errors(t *testing.T) {
	if _, err := UnmarshalFrame([]byte(`{"origin":"https://plugin.test"}`)); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("expected ErrEmptyFrame, got %v", err)
	}
	if _, err := UnmarshalFrame([]byte(`not json`)); err == nil {
		t.Error("expected decode error")
	}
}
