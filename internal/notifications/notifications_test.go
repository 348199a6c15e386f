package notifications

import (
	"testing"
	"time"

	"github.com/canopyops/canopy/internal/models"
)

func waitForCount(t *testing.T, sink *CollectorSink, kind EventKind, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.Count(kind) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d %s events, got %d", want, kind, sink.Count(kind))
}

func TestDispatcherDelivers(t *testing.T) {
	d := NewDispatcher("tenant-1", 0)
	sink := &CollectorSink{}
	d.AddSink(sink)

	d.Notify(Event{Kind: KindAlarmRaised, Alarm: &models.Alarm{ID: "a1"}})
	d.Notify(Event{Kind: KindAlarmCleared, Alarm: &models.Alarm{ID: "a1"}})
	d.Stop()

	if sink.Count(KindAlarmRaised) != 1 || sink.Count(KindAlarmCleared) != 1 {
		t.Fatalf("events lost: %+v", sink.Events())
	}
	events := sink.Events()
	if events[0].TenantID != "tenant-1" {
		t.Fatalf("tenant not stamped: %q", events[0].TenantID)
	}
	if events[0].Timestamp.IsZero() {
		t.Fatalf("timestamp not stamped")
	}
}

func TestCooldownDampsRepeatedRaises(t *testing.T) {
	d := NewDispatcher("tenant-1", time.Minute)
	sink := &CollectorSink{}
	d.AddSink(sink)

	alarm := &models.Alarm{ID: "flapper"}
	for i := 0; i < 5; i++ {
		d.Notify(Event{Kind: KindAlarmRaised, Alarm: alarm})
	}
	// A different alarm is not damped
	d.Notify(Event{Kind: KindAlarmRaised, Alarm: &models.Alarm{ID: "other"}})
	// Cleared events bypass the cooldown
	d.Notify(Event{Kind: KindAlarmCleared, Alarm: alarm})
	d.Stop()

	if got := sink.Count(KindAlarmRaised); got != 2 {
		t.Fatalf("expected 2 raised (one per alarm), got %d", got)
	}
	if got := sink.Count(KindAlarmCleared); got != 1 {
		t.Fatalf("cleared must bypass cooldown, got %d", got)
	}
}

func TestZeroCooldownDisablesDamping(t *testing.T) {
	d := NewDispatcher("tenant-1", 0)
	sink := &CollectorSink{}
	d.AddSink(sink)

	alarm := &models.Alarm{ID: "a1"}
	for i := 0; i < 3; i++ {
		d.Notify(Event{Kind: KindAlarmRaised, Alarm: alarm})
	}
	d.Stop()

	if got := sink.Count(KindAlarmRaised); got != 3 {
		t.Fatalf("expected 3 raised, got %d", got)
	}
}

func TestMultipleSinks(t *testing.T) {
	d := NewDispatcher("tenant-1", 0)
	first := &CollectorSink{}
	second := &CollectorSink{}
	d.AddSink(first)
	d.AddSink(second)

	d.Notify(Event{Kind: KindViolationOpened, Violation: &models.SLAViolation{ID: "v1"}})
	d.Stop()

	if first.Count(KindViolationOpened) != 1 || second.Count(KindViolationOpened) != 1 {
		t.Fatalf("fan-out failed: %d/%d",
			first.Count(KindViolationOpened), second.Count(KindViolationOpened))
	}
}

func TestStopDrainsQueue(t *testing.T) {
	d := NewDispatcher("tenant-1", 0)
	sink := &CollectorSink{}
	d.AddSink(sink)

	for i := 0; i < 50; i++ {
		d.Notify(Event{Kind: KindAlarmRaised, Alarm: &models.Alarm{ID: "a1"}})
	}
	d.Stop()

	if got := sink.Count(KindAlarmRaised); got != 50 {
		t.Fatalf("stop must drain the queue, got %d", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	d := NewDispatcher("tenant-1", 0)
	d.Stop()
	d.Stop() // must not panic or hang
}

func TestDeliveryIsAsynchronous(t *testing.T) {
	d := NewDispatcher("tenant-1", 0)
	sink := &CollectorSink{}
	d.AddSink(sink)

	d.Notify(Event{Kind: KindAlarmRaised, Alarm: &models.Alarm{ID: "a1"}})
	waitForCount(t, sink, KindAlarmRaised, 1)
	d.Stop()
}
