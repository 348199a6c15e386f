// Package notifications delivers alarm and SLA lifecycle events to
// configured sinks. Delivery is fire-and-forget: the engines enqueue events
// and continue; a slow or failing sink never blocks the pipeline.
package notifications

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/canopyops/canopy/internal/models"
)

// EventKind identifies a lifecycle notification.
type EventKind string

const (
	KindAlarmRaised      EventKind = "alarm_raised"
	KindAlarmCleared     EventKind = "alarm_cleared"
	KindAlarmDeferred    EventKind = "alarm_deferred" // suppression expired with the alarm still live
	KindViolationOpened  EventKind = "sla_violation_opened"
	KindViolationCleared EventKind = "sla_violation_resolved"
)

// Event is a single notification handed to the sinks.
type Event struct {
	Kind      EventKind            `json:"kind"`
	TenantID  string               `json:"tenantId"`
	Timestamp time.Time            `json:"timestamp"`
	Alarm     *models.Alarm        `json:"alarm,omitempty"`
	Violation *models.SLAViolation `json:"violation,omitempty"`
}

// Sink receives notification events. Implementations must not block for long;
// the dispatcher serializes deliveries on a single goroutine.
type Sink interface {
	Deliver(event Event)
}

// Dispatcher queues events and fans them out to sinks, enforcing a per-alarm
// cooldown so a flapping alarm does not re-notify on every occurrence.
type Dispatcher struct {
	tenantID string
	cooldown time.Duration

	mu           sync.Mutex
	sinks        []Sink
	lastNotified map[string]time.Time // alarm id -> last raised notification

	queue    chan Event
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher for one tenant. A zero cooldown disables
// re-notification damping.
func NewDispatcher(tenantID string, cooldown time.Duration) *Dispatcher {
	d := &Dispatcher{
		tenantID:     tenantID,
		cooldown:     cooldown,
		lastNotified: make(map[string]time.Time),
		queue:        make(chan Event, 256),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go d.run()
	return d
}

// AddSink registers a delivery target.
func (d *Dispatcher) AddSink(sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sink)
}

// Notify enqueues an event. Drops with a warning if the queue is full rather
// than blocking the calling engine.
func (d *Dispatcher) Notify(event Event) {
	event.TenantID = d.tenantID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if event.Kind == KindAlarmRaised && event.Alarm != nil && d.cooldown > 0 {
		d.mu.Lock()
		last, seen := d.lastNotified[event.Alarm.ID]
		if seen && time.Since(last) < d.cooldown {
			d.mu.Unlock()
			return
		}
		d.lastNotified[event.Alarm.ID] = time.Now()
		d.mu.Unlock()
	}

	select {
	case d.queue <- event:
	default:
		log.Warn().Str("kind", string(event.Kind)).Msg("Notification queue full, dropping event")
	}
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.stopCh:
			// Drain whatever is already queued
			for {
				select {
				case event := <-d.queue:
					d.deliver(event)
				default:
					return
				}
			}
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	d.mu.Lock()
	sinks := append([]Sink(nil), d.sinks...)
	d.mu.Unlock()
	for _, sink := range sinks {
		sink.Deliver(event)
	}
}

// Stop drains the queue and stops the dispatcher.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	<-d.doneCh
}

// LogSink writes notifications to the structured log. Useful as a default
// sink and in tests.
type LogSink struct{}

// Deliver implements Sink.
func (LogSink) Deliver(event Event) {
	logEvent := log.Info().Str("kind", string(event.Kind)).Str("tenant", event.TenantID)
	if event.Alarm != nil {
		logEvent = logEvent.
			Str("alarm", event.Alarm.ID).
			Str("severity", string(event.Alarm.Severity)).
			Str("device", event.Alarm.DeviceID).
			Str("title", event.Alarm.Title)
	}
	if event.Violation != nil {
		logEvent = logEvent.
			Str("violation", event.Violation.ID).
			Str("probe", event.Violation.ProbeID).
			Float64("availability", event.Violation.ActualAvailability)
	}
	logEvent.Msg("Notification")
}

// CollectorSink records events in memory for tests.
type CollectorSink struct {
	mu     sync.Mutex
	events []Event
}

// Deliver implements Sink.
func (c *CollectorSink) Deliver(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a snapshot of everything delivered so far.
func (c *CollectorSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Count returns how many events of the given kind were delivered.
func (c *CollectorSink) Count(kind EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
