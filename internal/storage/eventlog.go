package storage

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dohr-michael/newgate/internal/events"
	"github.com/dohr-michael/newgate/internal/pluginid"
)

// EventLogger persists bus events to JSONL audit files, one directory per
// plugin and one file per UTC day.
type EventLogger struct {
	dir         string
	bus         *events.Bus
	logger      *slog.Logger
	mu          sync.Mutex
	unsubscribe func()
}

// NewEventLogger creates an EventLogger that subscribes to all bus events
// and writes them as JSONL under dir.
func NewEventLogger(dir string, bus *events.Bus, logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	el := &EventLogger{
		dir:    dir,
		bus:    bus,
		logger: logger,
	}
	el.unsubscribe = bus.Subscribe(el.handleEvent)
	return el
}

// Close unsubscribes the logger from the event bus.
func (el *EventLogger) Close() {
	if el.unsubscribe != nil {
		el.unsubscribe()
	}
}

func (el *EventLogger) handleEvent(e events.Event) {
	// Resize requests fire on every layout change; they carry no audit value.
	if e.Type == events.EventFrameResize {
		return
	}
	if err := el.writeEvent(e); err != nil {
		el.logger.Warn("audit log write failed", "event", e.Type, "error", err)
	}
}

func (el *EventLogger) writeEvent(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	path := el.logPath(e)

	el.mu.Lock()
	defer el.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

func (el *EventLogger) logPath(e events.Event) string {
	day := e.Timestamp.UTC().Format("2006-01-02") + ".jsonl"
	if e.PluginID == "" || !pluginid.IsValid(e.PluginID) {
		return filepath.Join(el.dir, "_global", day)
	}
	return filepath.Join(el.dir, e.PluginID, day)
}
