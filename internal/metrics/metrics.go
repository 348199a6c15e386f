// Package metrics exposes Prometheus instrumentation for the assurance core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Probe pipeline
	ProbeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_probe_executions_total",
			Help: "Total probe executions by type and outcome",
		},
		[]string{"type", "outcome"}, // outcome: success, failure
	)

	ProbeMissedRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_probe_missed_runs_total",
			Help: "Probe runs skipped because the scheduler fell more than one interval behind",
		},
	)

	ProbeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopy_probe_duration_seconds",
			Help:    "Probe execution wall time",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"type"},
	)

	// Alarm lifecycle
	AlarmsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canopy_alarms_active",
			Help: "Number of non-cleared alarms by severity",
		},
		[]string{"severity"},
	)

	AlarmsRaisedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_alarms_raised_total",
			Help: "Total alarms raised by severity and type",
		},
		[]string{"severity", "type"},
	)

	AlarmsClearedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_alarms_cleared_total",
			Help: "Total alarms cleared by actor (auto, manual)",
		},
		[]string{"actor"},
	)

	AlarmsAcknowledgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_alarms_acknowledged_total",
			Help: "Total alarms acknowledged",
		},
	)

	AlarmsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_alarms_suppressed_total",
			Help: "Total alarms suppressed by reason",
		},
		[]string{"reason"}, // suppression, storm, duplicate
	)

	// Flow pipeline
	FlowsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_flows_ingested_total",
			Help: "Total flow records ingested by collector",
		},
		[]string{"collector"},
	)

	FlowsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_flows_dropped_total",
			Help: "Total flow records evicted or rejected under memory pressure",
		},
		[]string{"collector"},
	)

	// SLA
	SLAViolationsOpenedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_sla_violations_opened_total",
			Help: "Total SLA violations opened",
		},
	)

	SLAViolationsResolvedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_sla_violations_resolved_total",
			Help: "Total SLA violations resolved",
		},
	)

	AnomaliesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_anomalies_detected_total",
			Help: "Total traffic anomalies detected by severity",
		},
		[]string{"severity"},
	)

	// Event pipeline
	EventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_events_processed_total",
			Help: "Total normalized events processed by type",
		},
		[]string{"type"},
	)

	EventParseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_event_parse_errors_total",
			Help: "Total events that produced parse_error records",
		},
		[]string{"type"},
	)
)
