package heartbeat

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWriteReadCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "heartbeat.json")

	w := NewWriter(path, 0, Info{Addr: "127.0.0.1:18420", Environment: "development", RateLimited: true}, func() int { return 3 })
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	status, hb, err := Check(path, 2*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusAlive {
		t.Errorf("expected alive, got %s", status)
	}
	if hb == nil {
		t.Fatal("expected heartbeat, got nil")
	}
	if hb.PID != os.Getpid() {
		t.Errorf("PID: got %d, want %d", hb.PID, os.Getpid())
	}
	if hb.Uptime == "" {
		t.Error("expected non-empty uptime")
	}
	if hb.Addr != "127.0.0.1:18420" || hb.Environment != "development" || !hb.RateLimited {
		t.Errorf("unexpected info %+v", hb.Info)
	}
	if hb.Hosts != 3 {
		t.Errorf("hosts = %d, want 3", hb.Hosts)
	}
}

func TestRefreshesHostCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")
	var hosts atomic.Int64

	w := NewWriter(path, 10*time.Millisecond, Info{}, func() int { return int(hosts.Load()) })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	hosts.Store(2)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, hb, err := Check(path, time.Minute); err == nil && hb != nil && hb.Hosts == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("heartbeat never picked up the new host count")
}

func TestStaleDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")

	old := Heartbeat{
		PID:       os.Getpid(),
		StartedAt: time.Now().Add(-2 * time.Hour),
		Timestamp: time.Now().Add(-1 * time.Hour),
		Uptime:    "1h0m0s",
	}
	data, _ := json.Marshal(old)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	status, hb, err := Check(path, 30*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusStale {
		t.Errorf("expected stale, got %s", status)
	}
	if hb == nil {
		t.Fatal("expected heartbeat, got nil")
	}
}

func TestDeadDetection(t *testing.T) {
	status, hb, err := Check(filepath.Join(t.TempDir(), "heartbeat.json"), 2*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusDead {
		t.Errorf("expected dead, got %s", status)
	}
	if hb != nil {
		t.Errorf("expected nil heartbeat, got %+v", hb)
	}
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	status, _, err := Check(path, time.Minute)
	if err == nil || status != StatusDead {
		t.Errorf("expected dead with error, got %s, %v", status, err)
	}
}

func TestStopRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")

	w := NewWriter(path, 0, Info{}, nil)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected heartbeat file to be removed after Stop")
	}
}
