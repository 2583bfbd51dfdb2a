package storage

import (
	"testing"
	"time"

	"github.com/dohr-michael/newgate/internal/events"
)

func TestUsageTracker_Accumulation(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()

	ut := NewUsageTracker(bus)
	defer ut.Close()

	bus.Publish(events.NewTypedPluginEvent(events.SourceGateway, events.RequestAllowedPayload{Status: 200}, "com.example"))
	bus.Publish(events.NewTypedPluginEvent(events.SourceGateway, events.RequestAllowedPayload{Status: 201}, "com.example"))
	bus.Publish(events.NewTypedPluginEvent(events.SourceGateway, events.RequestDeniedPayload{Stage: events.StageRateLimit, Status: 429}, "com.example"))
	bus.Publish(events.NewTypedPluginEvent(events.SourceGateway, events.RequestDeniedPayload{Stage: events.StagePermission, Status: 403}, "org.other"))
	bus.Publish(events.NewTypedPluginEvent(events.SourceGateway, events.PermissionBypassedPayload{Permission: "revenues.write"}, "org.other"))

	time.Sleep(150 * time.Millisecond)

	got := ut.Snapshot()
	if u := got["com.example"]; u.Allowed != 2 || u.Denied != 1 || u.RateLimited != 1 {
		t.Errorf("com.example usage = %+v", u)
	}
	if u := got["org.other"]; u.Denied != 1 || u.RateLimited != 0 || u.Bypassed != 1 {
		t.Errorf("org.other usage = %+v", u)
	}
}

func TestUsageTracker_IgnoresUnscoped(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()

	ut := NewUsageTracker(bus)
	defer ut.Close()

	bus.Publish(events.NewTypedEvent(events.SourceGateway, events.RequestDeniedPayload{Stage: events.StageOrigin, Status: 403}))
	bus.Publish(events.NewTypedPluginEvent(events.SourceBridge, events.FrameResizePayload{Height: 10}, "com.example"))

	time.Sleep(100 * time.Millisecond)

	if got := ut.Snapshot(); len(got) != 0 {
		t.Errorf("expected no usage, got %+v", got)
	}
}

func TestUsageTracker_SnapshotIsCopy(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()

	ut := NewUsageTracker(bus)
	defer ut.Close()

	bus.Publish(events.NewTypedPluginEvent(events.SourceGateway, events.RequestAllowedPayload{}, "com.example"))
	time.Sleep(100 * time.Millisecond)

	snap := ut.Snapshot()
	snap["com.example"] = PluginUsage{Allowed: 99}
	if ut.Snapshot()["com.example"].Allowed != 1 {
		t.Error("mutating a snapshot must not affect the tracker")
	}
}

func TestUsageTracker_PerUser(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()

	ut := NewUsageTracker(bus)
	defer ut.Close()

	bus.Publish(events.NewTypedUserEvent(events.SourceGateway, events.RequestAllowedPayload{}, "com.example", "alice"))
	bus.Publish(events.NewTypedUserEvent(events.SourceGateway, events.RequestAllowedPayload{}, "com.example", "alice"))
	bus.Publish(events.NewTypedUserEvent(events.SourceGateway, events.RequestDeniedPayload{Stage: events.StagePermission}, "com.example", "bob"))
	bus.Publish(events.NewTypedPluginEvent(events.SourceGateway, events.RequestDeniedPayload{Stage: events.StageAuth}, "com.example"))

	time.Sleep(150 * time.Millisecond)

	if u := ut.SnapshotFor("alice")["com.example"]; u.Allowed != 2 || u.Denied != 0 {
		t.Errorf("alice usage = %+v", u)
	}
	if u := ut.SnapshotFor("bob")["com.example"]; u.Allowed != 0 || u.Denied != 1 {
		t.Errorf("bob usage = %+v", u)
	}
	if got := ut.SnapshotFor("carol"); len(got) != 0 {
		t.Errorf("expected no usage for carol, got %+v", got)
	}
	if u := ut.Snapshot()["com.example"]; u.Allowed != 2 || u.Denied != 2 {
		t.Errorf("total usage = %+v", u)
	}
}
