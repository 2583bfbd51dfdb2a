package storage

import (
	"maps"
	"sync"

	"github.com/dohr-michael/newgate/internal/events"
)

// PluginUsage counts gate decisions for one plugin.
type PluginUsage struct {
	Allowed     int64 `json:"allowed"`
	Denied      int64 `json:"denied"`
	RateLimited int64 `json:"rate_limited"`
	Bypassed    int64 `json:"permission_bypassed"`
}

// UsageTracker subscribes to gateway decision events and accumulates
// per-plugin counters, in total and per user.
type UsageTracker struct {
	mu          sync.Mutex
	usage       map[string]PluginUsage
	byUser      map[string]map[string]PluginUsage
	unsubscribe func()
}

// NewUsageTracker creates a UsageTracker that listens for gate decisions.
func NewUsageTracker(bus *events.Bus) *UsageTracker {
	ut := &UsageTracker{
		usage:  make(map[string]PluginUsage),
		byUser: make(map[string]map[string]PluginUsage),
	}
	ut.unsubscribe = bus.Subscribe(ut.handleEvent,
		events.EventRequestAllowed,
		events.EventRequestDenied,
		events.EventPermissionBypassed,
	)
	return ut
}

// Close unsubscribes the tracker from the event bus.
func (ut *UsageTracker) Close() {
	if ut.unsubscribe != nil {
		ut.unsubscribe()
	}
}

func (ut *UsageTracker) handleEvent(e events.Event) {
	if e.PluginID == "" {
		return
	}

	var delta PluginUsage
	switch e.Type {
	case events.EventRequestAllowed:
		delta.Allowed = 1
	case events.EventRequestDenied:
		delta.Denied = 1
		if p, ok := events.GetRequestDeniedPayload(e); ok && p.Stage == events.StageRateLimit {
			delta.RateLimited = 1
		}
	case events.EventPermissionBypassed:
		delta.Bypassed = 1
	}

	ut.mu.Lock()
	defer ut.mu.Unlock()

	ut.usage[e.PluginID] = ut.usage[e.PluginID].add(delta)
	if e.UserID == "" {
		return
	}
	perUser := ut.byUser[e.UserID]
	if perUser == nil {
		perUser = make(map[string]PluginUsage)
		ut.byUser[e.UserID] = perUser
	}
	perUser[e.PluginID] = perUser[e.PluginID].add(delta)
}

func (u PluginUsage) add(d PluginUsage) PluginUsage {
	u.Allowed += d.Allowed
	u.Denied += d.Denied
	u.RateLimited += d.RateLimited
	u.Bypassed += d.Bypassed
	return u
}

// Snapshot returns a copy of the counters keyed by plugin id.
func (ut *UsageTracker) Snapshot() map[string]PluginUsage {
	ut.mu.Lock()
	defer ut.mu.Unlock()
	return maps.Clone(ut.usage)
}

// SnapshotFor returns a copy of userID's counters keyed by plugin id.
func (ut *UsageTracker) SnapshotFor(userID string) map[string]PluginUsage {
	ut.mu.Lock()
	defer ut.mu.Unlock()
	out := maps.Clone(ut.byUser[userID])
	if out == nil {
		out = make(map[string]PluginUsage)
	}
	return out
}
