// Package models defines the entities owned by the assurance engines.
//
// Every entity is scoped by a tenant; the scope lives on the engine that owns
// the entity's store, not on the records themselves, so cross-tenant access is
// impossible by construction.
package models

import (
	"time"
)

// ProbeType identifies the measurement performed by a probe.
type ProbeType string

const (
	ProbeTypeICMP  ProbeType = "icmp"
	ProbeTypeDNS   ProbeType = "dns"
	ProbeTypeHTTP  ProbeType = "http"
	ProbeTypeHTTPS ProbeType = "https"
	ProbeTypeTCP   ProbeType = "tcp"
	ProbeTypeUDP   ProbeType = "udp"
	ProbeTypeSNMP  ProbeType = "snmp"
)

// ValidProbeType reports whether t is a known probe type.
func ValidProbeType(t ProbeType) bool {
	switch t {
	case ProbeTypeICMP, ProbeTypeDNS, ProbeTypeHTTP, ProbeTypeHTTPS, ProbeTypeTCP, ProbeTypeUDP, ProbeTypeSNMP:
		return true
	}
	return false
}

// ProbeStatus is the lifecycle state of a probe definition.
type ProbeStatus string

const (
	ProbeStatusEnabled   ProbeStatus = "enabled"
	ProbeStatusDisabled  ProbeStatus = "disabled"
	ProbeStatusSuspended ProbeStatus = "suspended"
	ProbeStatusError     ProbeStatus = "error"
)

// Probe is a durable definition of an active measurement.
type Probe struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Type            ProbeType         `json:"type"`
	Target          string            `json:"target"`
	IntervalSeconds int               `json:"intervalSeconds"`
	TimeoutSeconds  int               `json:"timeoutSeconds"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	SLAPolicyID     string            `json:"slaPolicyId,omitempty"`
	Status          ProbeStatus       `json:"status"`

	// Runtime counters, mutated by the scheduler only.
	LastRun             time.Time `json:"lastRun,omitzero"`
	LastSuccess         time.Time `json:"lastSuccess,omitzero"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Interval returns the probe cadence as a duration.
func (p *Probe) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// Timeout returns the per-execution deadline as a duration.
func (p *Probe) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Clone returns a deep copy so the probe can be shared across goroutines.
func (p *Probe) Clone() *Probe {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Parameters != nil {
		clone.Parameters = make(map[string]string, len(p.Parameters))
		for k, v := range p.Parameters {
			clone.Parameters[k] = v
		}
	}
	return &clone
}

// ProbeResult is the immutable outcome of one probe execution.
type ProbeResult struct {
	ID             string             `json:"id"`
	ProbeID        string             `json:"probeId"`
	Timestamp      time.Time          `json:"timestamp"`
	Success        bool               `json:"success"`
	ResponseTimeMs float64            `json:"responseTimeMs,omitempty"`
	StatusCode     int                `json:"statusCode,omitempty"`
	ErrorMessage   string             `json:"errorMessage,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
}

// Severity orders fault severities from informational to critical.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
	SeverityClear    Severity = "clear"
)

var severityRank = map[Severity]int{
	SeverityClear:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityMinor:    3,
	SeverityMajor:    4,
	SeverityCritical: 5,
}

// Rank returns a comparable weight for the severity; unknown severities rank
// below info.
func (s Severity) Rank() int {
	return severityRank[s]
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// EventType identifies the source class of a normalized event.
type EventType string

const (
	EventTypeSNMPTrap  EventType = "snmp_trap"
	EventTypeSyslog    EventType = "syslog"
	EventTypeProbe     EventType = "probe"
	EventTypeThreshold EventType = "threshold"
	EventTypeCustom    EventType = "custom"
)

// AlarmRule is a declarative matcher converting events into alarms.
type AlarmRule struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	EventType           EventType         `json:"eventType"`
	MatchCriteria       map[string]string `json:"matchCriteria"`
	Severity            Severity          `json:"severity"`
	AlarmType           string            `json:"alarmType"`
	AutoClear           bool              `json:"autoClear"`
	ClearConditions     map[string]string `json:"clearConditions,omitempty"`
	DescriptionTemplate string            `json:"descriptionTemplate,omitempty"`
	Enabled             bool              `json:"enabled"`
	Priority            int               `json:"priority"`
	// Terminal rules stop evaluation once they match. Defaults to true;
	// non-terminal rules let lower-priority rules fire on the same event.
	Terminal        bool      `json:"terminal"`
	AlarmsGenerated int64     `json:"alarmsGenerated"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the rule.
func (r *AlarmRule) Clone() *AlarmRule {
	if r == nil {
		return nil
	}
	clone := *r
	if r.MatchCriteria != nil {
		clone.MatchCriteria = make(map[string]string, len(r.MatchCriteria))
		for k, v := range r.MatchCriteria {
			clone.MatchCriteria[k] = v
		}
	}
	if r.ClearConditions != nil {
		clone.ClearConditions = make(map[string]string, len(r.ClearConditions))
		for k, v := range r.ClearConditions {
			clone.ClearConditions[k] = v
		}
	}
	return &clone
}

// AlarmStatus is the lifecycle state of an alarm.
type AlarmStatus string

const (
	AlarmStatusActive       AlarmStatus = "active"
	AlarmStatusAcknowledged AlarmStatus = "acknowledged"
	AlarmStatusCleared      AlarmStatus = "cleared"
	AlarmStatusSuppressed   AlarmStatus = "suppressed"
)

// Alarm is a stateful fault instance.
type Alarm struct {
	ID              string      `json:"id"`
	DeviceID        string      `json:"deviceId,omitempty"`
	RuleID          string      `json:"ruleId"`
	AlarmType       string      `json:"alarmType"`
	Severity        Severity    `json:"severity"`
	Title           string      `json:"title"`
	Description     string      `json:"description,omitempty"`
	Status          AlarmStatus `json:"status"`
	Acknowledged    bool        `json:"acknowledged"`
	AcknowledgedBy  string      `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt  *time.Time  `json:"acknowledgedAt,omitempty"`
	AckComments     string      `json:"ackComments,omitempty"`
	RaisedAt        time.Time   `json:"raisedAt"`
	LastSeen        time.Time   `json:"lastSeen"`
	ClearedAt       *time.Time  `json:"clearedAt,omitempty"`
	ClearedBy       string      `json:"clearedBy,omitempty"`
	ClearComments   string      `json:"clearComments,omitempty"`
	AutoClear       bool        `json:"autoClear"`
	OccurrenceCount int         `json:"occurrenceCount"`
	DedupeKey       string      `json:"dedupeKey"`
	Tags            []string    `json:"tags,omitempty"`
	// MatchedValues carries the canonicalized event values the rule matched
	// on, used for clear-condition evaluation and display.
	MatchedValues map[string]string `json:"matchedValues,omitempty"`
}

// Cleared reports whether the alarm reached its terminal state.
func (a *Alarm) Cleared() bool {
	return a.Status == AlarmStatusCleared
}

// Clone returns a deep copy of the alarm.
func (a *Alarm) Clone() *Alarm {
	if a == nil {
		return nil
	}
	clone := *a
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		clone.AcknowledgedAt = &t
	}
	if a.ClearedAt != nil {
		t := *a.ClearedAt
		clone.ClearedAt = &t
	}
	if len(a.Tags) > 0 {
		clone.Tags = append([]string(nil), a.Tags...)
	}
	if a.MatchedValues != nil {
		clone.MatchedValues = make(map[string]string, len(a.MatchedValues))
		for k, v := range a.MatchedValues {
			clone.MatchedValues[k] = v
		}
	}
	return &clone
}

// AlarmSuppression is a time-bounded mute for alarms matching a pattern.
type AlarmSuppression struct {
	ID               string    `json:"id"`
	DeviceID         string    `json:"deviceId"` // "*" matches every device
	AlarmTypePattern string    `json:"alarmTypePattern"`
	StartsAt         time.Time `json:"startsAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
	Reason           string    `json:"reason,omitempty"`
	SuppressedBy     string    `json:"suppressedBy,omitempty"`
}

// ActiveAt reports whether the suppression window covers t.
func (s *AlarmSuppression) ActiveAt(t time.Time) bool {
	return !t.Before(s.StartsAt) && t.Before(s.ExpiresAt)
}

// FlowType identifies the export protocol of a flow source.
type FlowType string

const (
	FlowTypeNetFlow FlowType = "netflow"
	FlowTypeSFlow   FlowType = "sflow"
	FlowTypeIPFIX   FlowType = "ipfix"
	FlowTypeJFlow   FlowType = "jflow"
)

// CollectorStatus is the operational state of a flow collector.
type CollectorStatus string

const (
	CollectorStatusActive   CollectorStatus = "active"
	CollectorStatusDisabled CollectorStatus = "disabled"
)

// FlowCollector is the configuration for a flow source.
type FlowCollector struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	FlowType         FlowType        `json:"flowType"`
	ListenPort       int             `json:"listenPort"`
	ListenAddress    string          `json:"listenAddress"`
	Version          int             `json:"version"`
	SamplingRate     int             `json:"samplingRate"`
	ActiveTimeoutS   int             `json:"activeTimeoutS"`
	InactiveTimeoutS int             `json:"inactiveTimeoutS"`
	Status           CollectorStatus `json:"status"`

	// Counters, mutated by the aggregator ingest path only.
	FlowsReceived int64     `json:"flowsReceived"`
	BytesReceived int64     `json:"bytesReceived"`
	DroppedFlows  int64     `json:"droppedFlows"`
	LastFlow      time.Time `json:"lastFlow,omitzero"`

	CreatedAt time.Time `json:"createdAt"`
}

// RawCounters holds the exporter-reported values before sampling-rate scaling.
type RawCounters struct {
	Packets int64 `json:"packets"`
	Bytes   int64 `json:"bytes"`
}

// FlowRecord is an immutable five-tuple traffic sample. Bytes and Packets are
// scaled by the collector's sampling rate at ingest; Raw retains the sampled
// values as exported.
type FlowRecord struct {
	ID          string      `json:"id"`
	CollectorID string      `json:"collectorId"`
	ExporterIP  string      `json:"exporterIp"`
	SrcAddr     string      `json:"srcAddr"`
	DstAddr     string      `json:"dstAddr"`
	SrcPort     int         `json:"srcPort"`
	DstPort     int         `json:"dstPort"`
	Protocol    int         `json:"protocol"`
	TOS         int         `json:"tos"`
	TCPFlags    int         `json:"tcpFlags"`
	Packets     int64       `json:"packets"`
	Bytes       int64       `json:"bytes"`
	Raw         RawCounters `json:"raw"`
	FlowStart   time.Time   `json:"flowStart"`
	FlowEnd     time.Time   `json:"flowEnd"`
	IngestedAt  time.Time   `json:"ingestedAt"`
	InputIf     int         `json:"inputIf,omitempty"`
	OutputIf    int         `json:"outputIf,omitempty"`
	SrcAS       int         `json:"srcAs,omitempty"`
	DstAS       int         `json:"dstAs,omitempty"`
	NextHop     string      `json:"nextHop,omitempty"`
}

// SLAPolicy is a compliance contract referenced by probes.
type SLAPolicy struct {
	ID                      string    `json:"id"`
	Name                    string    `json:"name"`
	AvailabilityThreshold   float64   `json:"availabilityThresholdPercent"`
	LatencyThresholdMs      float64   `json:"latencyThresholdMs"`
	MeasurementWindowHours  int       `json:"measurementWindowHours"`
	ViolationThreshold      int       `json:"violationThreshold"`
	NotificationEnabled     bool      `json:"notificationEnabled"`
	CreatedAt               time.Time `json:"createdAt"`
}

// SLAViolation is a durable compliance breach with an open/resolved lifecycle.
type SLAViolation struct {
	ID                    string     `json:"id"`
	ProbeID               string     `json:"probeId"`
	PolicyID              string     `json:"policyId"`
	ActualAvailability    float64    `json:"actualAvailability"`
	AvailabilityThreshold float64    `json:"availabilityThreshold"`
	ActualLatencyMs       float64    `json:"actualLatencyMs"`
	LatencyThresholdMs    float64    `json:"latencyThresholdMs"`
	DetectedAt            time.Time  `json:"detectedAt"`
	ResolvedAt            *time.Time `json:"resolvedAt,omitempty"`
	TotalMeasurements     int        `json:"totalMeasurements"`
	FailedMeasurements    int        `json:"failedMeasurements"`
}

// Open reports whether the violation is unresolved.
func (v *SLAViolation) Open() bool {
	return v.ResolvedAt == nil
}
