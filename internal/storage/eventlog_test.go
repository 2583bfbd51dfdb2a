package storage

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dohr-michael/newgate/internal/events"
)

var testDay = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestLogger(t *testing.T, dir string) (*events.Bus, *EventLogger) {
	t.Helper()
	bus := events.NewBus(64)
	el := NewEventLogger(dir, bus, slog.New(slog.DiscardHandler))
	t.Cleanup(func() {
		el.Close()
		bus.Close()
	})
	return bus, el
}

func TestEventLogger_WriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	bus, _ := newTestLogger(t, dir)

	bus.Publish(events.Event{
		ID:        "evt-1",
		Type:      events.EventRequestDenied,
		Timestamp: testDay,
		Source:    events.SourceGateway,
		Payload:   map[string]any{"stage": "origin"},
	})

	// Give the async subscriber time to process.
	time.Sleep(100 * time.Millisecond)

	data, err := os.ReadFile(filepath.Join(dir, "_global", "2026-03-14.jsonl"))
	if err != nil {
		t.Fatalf("read JSONL: %v", err)
	}

	var got events.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "evt-1" {
		t.Errorf("got ID %q, want %q", got.ID, "evt-1")
	}
	if got.Type != events.EventRequestDenied {
		t.Errorf("got type %q, want %q", got.Type, events.EventRequestDenied)
	}
}

func TestEventLogger_PluginRouting(t *testing.T) {
	dir := t.TempDir()
	bus, _ := newTestLogger(t, dir)

	bus.Publish(events.Event{
		ID:        "evt-plugin",
		PluginID:  "com.example",
		Type:      events.EventRequestAllowed,
		Timestamp: testDay,
		Source:    events.SourceGateway,
	})
	bus.Publish(events.Event{
		ID:        "evt-traversal",
		PluginID:  "../../etc",
		Type:      events.EventRequestDenied,
		Timestamp: testDay,
		Source:    events.SourceGateway,
	})

	time.Sleep(100 * time.Millisecond)

	data, err := os.ReadFile(filepath.Join(dir, "com.example", "2026-03-14.jsonl"))
	if err != nil {
		t.Fatalf("plugin file missing: %v", err)
	}
	var got events.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "evt-plugin" {
		t.Errorf("got ID %q, want %q", got.ID, "evt-plugin")
	}

	// Invalid plugin ids never become path segments.
	data, err = os.ReadFile(filepath.Join(dir, "_global", "2026-03-14.jsonl"))
	if err != nil {
		t.Fatalf("global file missing: %v", err)
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "evt-traversal" {
		t.Errorf("got ID %q, want %q", got.ID, "evt-traversal")
	}
}

func TestEventLogger_ResizeFiltering(t *testing.T) {
	dir := t.TempDir()
	bus, _ := newTestLogger(t, dir)

	bus.Publish(events.Event{
		ID:        "evt-resize",
		Type:      events.EventFrameResize,
		Timestamp: testDay,
		Source:    events.SourceBridge,
	})

	time.Sleep(100 * time.Millisecond)

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected no files, got %d", len(entries))
	}
}

func TestEventLogger_AuditEventsPersisted(t *testing.T) {
	dir := t.TempDir()
	bus, _ := newTestLogger(t, dir)

	types := []events.EventType{
		events.EventRequestAllowed,
		events.EventRequestDenied,
		events.EventBridgeConnected,
		events.EventNotificationShown,
	}

	for i, et := range types {
		bus.Publish(events.Event{
			ID:        string(rune('a' + i)),
			Type:      et,
			Timestamp: testDay,
			Source:    events.SourceGateway,
		})
	}

	time.Sleep(100 * time.Millisecond)

	f, err := os.Open(filepath.Join(dir, "_global", "2026-03-14.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var count int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e events.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal line %d: %v", count, err)
		}
		count++
	}
	if count != len(types) {
		t.Errorf("got %d events, want %d", count, len(types))
	}
}

func TestEventLogger_DirectoryAutoCreation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "audit")
	bus, _ := newTestLogger(t, dir)

	bus.Publish(events.Event{
		ID:        "evt-auto",
		Type:      events.EventBridgeDisconnected,
		Timestamp: testDay,
		Source:    events.SourceHub,
	})

	time.Sleep(100 * time.Millisecond)

	if _, err := os.Stat(filepath.Join(dir, "_global", "2026-03-14.jsonl")); err != nil {
		t.Fatalf("directory not auto-created: %v", err)
	}
}
