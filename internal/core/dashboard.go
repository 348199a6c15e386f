package core

import (
	"strconv"
	"time"

	"github.com/canopyops/canopy/internal/alarms"
	"github.com/canopyops/canopy/internal/flows"
	"github.com/canopyops/canopy/internal/models"
	"github.com/canopyops/canopy/internal/probes"
	"github.com/canopyops/canopy/internal/reporting"
)

// Dashboard is the composite health view the UI polls.
type Dashboard struct {
	TenantID    string    `json:"tenantId"`
	GeneratedAt time.Time `json:"generatedAt"`
	Hours       int       `json:"hours"`

	ProbeCount     int                        `json:"probeCount"`
	ProbesByStatus map[models.ProbeStatus]int `json:"probesByStatus"`
	MissedRuns     int64                      `json:"missedRuns"`

	AlarmStats     alarms.Statistics      `json:"alarmStats"`
	OpenViolations []*models.SLAViolation `json:"openViolations"`
	Traffic        flows.TrafficSummary   `json:"traffic"`
	Anomalies      flows.AnomalyReport    `json:"anomalies"`
}

// ServiceHealthDashboard composes the engines' read APIs into one view over
// the last N hours.
func (c *Core) ServiceHealthDashboard(hours int) *Dashboard {
	if hours < 1 {
		hours = 24
	}

	dashboard := &Dashboard{
		TenantID:       c.cfg.TenantID,
		GeneratedAt:    time.Now().UTC(),
		Hours:          hours,
		ProbesByStatus: make(map[models.ProbeStatus]int),
		MissedRuns:     c.probes.MissedRuns(),
		AlarmStats:     c.alarms.GetStatistics(""),
		Traffic:        c.flows.Summary(hours, ""),
		Anomalies: c.flows.DetectAnomalies(
			c.cfg.Analytics.BaselineWindowHours, 45,
			c.cfg.Analytics.AnomalyDetectionThreshold, ""),
	}

	for _, probe := range c.probes.List(probes.ListFilter{}) {
		dashboard.ProbeCount++
		dashboard.ProbesByStatus[probe.Status]++
	}

	for _, v := range c.sla.ListViolations(hours, "") {
		if v.Open() {
			dashboard.OpenViolations = append(dashboard.OpenViolations, v)
		}
	}
	return dashboard
}

// NetworkPerformanceReport assembles and renders the full report for the
// last N hours in the requested format.
func (c *Core) NetworkPerformanceReport(hours int, format reporting.Format) ([]byte, error) {
	if hours < 1 {
		hours = 24
	}
	now := time.Now().UTC()

	data := &reporting.ReportData{
		TenantID:    c.cfg.TenantID,
		Title:       "Network Performance",
		Start:       now.Add(-time.Duration(hours) * time.Hour),
		End:         now,
		GeneratedAt: now,
		AlarmStats:  c.alarms.GetStatistics(""),
		Violations:  c.sla.ListViolations(hours, ""),
		Traffic:     c.flows.Summary(hours, ""),
		Protocols:   c.flows.ProtocolStatistics(hours, ""),
	}

	talkers, err := c.flows.TopTalkers(hours, 10, flows.MetricBytes, "")
	if err == nil {
		data.TopTalkers = talkers
	}

	for _, probe := range c.probes.List(probes.ListFilter{}) {
		entry := reporting.ProbeReport{Probe: *probe}
		if stats, err := c.probes.Statistics(probe.ID, hours); err == nil {
			entry.Statistics = stats
		}
		if probe.SLAPolicyID != "" {
			if compliance, err := c.sla.CheckCompliance(probe.ID); err == nil {
				entry.Compliance = compliance
			}
		}
		data.Probes = append(data.Probes, entry)
	}

	return reporting.NewGenerator(format).Generate(data)
}

// ComponentHealth describes one subsystem in a health check.
type ComponentHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Health is the liveness/readiness view.
type Health struct {
	Healthy    bool              `json:"healthy"`
	UptimeS    int64             `json:"uptimeS"`
	Components []ComponentHealth `json:"components"`
}

// HealthCheck reports per-component health. The core is healthy when every
// component is.
func (c *Core) HealthCheck() Health {
	health := Health{Healthy: true}
	if !c.startedAt.IsZero() {
		health.UptimeS = int64(time.Since(c.startedAt).Seconds())
	}

	erroredProbes := len(c.probes.List(probes.ListFilter{Status: models.ProbeStatusError}))
	health.Components = append(health.Components, ComponentHealth{
		Name:    "probes",
		Healthy: erroredProbes == 0,
		Detail:  detailCount(erroredProbes, "probes in error state"),
	})

	health.Components = append(health.Components, ComponentHealth{
		Name:    "alarms",
		Healthy: true,
		Detail:  detailCount(c.alarms.ActiveCount(), "active alarms"),
	})

	health.Components = append(health.Components, ComponentHealth{
		Name:    "sla",
		Healthy: c.sla.OpenViolationCount() == 0,
		Detail:  detailCount(c.sla.OpenViolationCount(), "open violations"),
	})

	health.Components = append(health.Components, ComponentHealth{
		Name:    "flows",
		Healthy: true,
		Detail:  detailCount(c.flows.FlowCount(), "flows in memory"),
	})

	storeHealthy := true
	if c.store != nil {
		if err := c.store.Ping(); err != nil {
			storeHealthy = false
		}
	}
	health.Components = append(health.Components, ComponentHealth{
		Name:    "store",
		Healthy: storeHealthy,
	})

	for _, component := range health.Components {
		if !component.Healthy {
			health.Healthy = false
			break
		}
	}
	return health
}

func detailCount(n int, suffix string) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n) + " " + suffix
}
