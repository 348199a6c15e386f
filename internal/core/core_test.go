package core

import (
	"context"
	"testing"

	"github.com/canopyops/canopy/internal/alarms"
	"github.com/canopyops/canopy/internal/config"
	"github.com/canopyops/canopy/internal/models"
	"github.com/canopyops/canopy/internal/reporting"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.TenantID = "tenant-1"
	cfg.DataPath = "" // no store
	cfg.Probes.SimulationMode = true
	return cfg
}

func testCore(t *testing.T) *Core {
	t.Helper()
	c, err := New(testConfig())
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func linkDownRule() *models.AlarmRule {
	return &models.AlarmRule{
		Name:          "Link down on {device}",
		EventType:     models.EventTypeSNMPTrap,
		MatchCriteria: map[string]string{"trap_name": "linkDown"},
		Severity:      models.SeverityMajor,
		AlarmType:     "link_down",
		AutoClear:     true,
		ClearConditions: map[string]string{
			"trap_name": "linkUp",
		},
		Enabled:  true,
		Priority: 10,
		Terminal: true,
	}
}

func TestProcessSNMPTrapRaisesAlarm(t *testing.T) {
	c := testCore(t)
	if _, err := c.Alarms().CreateRule(linkDownRule()); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	event, fired := c.ProcessSNMPTrap("sw-01", "192.0.2.1", "1.3.6.1.6.3.1.1.5.3", nil, "")
	if event.Type != models.EventTypeSNMPTrap {
		t.Fatalf("wrong event type: %s", event.Type)
	}
	if len(fired) != 1 {
		t.Fatalf("expected 1 alarm, got %d", len(fired))
	}
	if fired[0].DeviceID != "sw-01" || fired[0].AlarmType != "link_down" {
		t.Fatalf("alarm wrong: %+v", fired[0])
	}
}

func TestProcessSNMPTrapRawText(t *testing.T) {
	c := testCore(t)
	c.Alarms().CreateRule(linkDownRule())

	raw := "Trap OID: 1.3.6.1.6.3.1.1.5.3\n1.3.6.1.2.1.2.2.1.1 = INTEGER: 4"
	event, fired := c.ProcessSNMPTrap("sw-01", "192.0.2.1", "", nil, raw)
	if len(fired) != 1 {
		t.Fatalf("raw trap did not fire: %d alarms", len(fired))
	}
	if v, ok := event.Field("trap_name"); !ok || v != "linkDown" {
		t.Fatalf("trap name lost: %q %v", v, ok)
	}
}

func TestProcessSNMPTrapAutoClear(t *testing.T) {
	c := testCore(t)
	c.Alarms().CreateRule(linkDownRule())

	_, fired := c.ProcessSNMPTrap("sw-01", "192.0.2.1", "1.3.6.1.6.3.1.1.5.3", nil, "")
	if len(fired) != 1 {
		t.Fatalf("raise failed")
	}
	c.ProcessSNMPTrap("sw-01", "192.0.2.1", "1.3.6.1.6.3.1.1.5.4", nil, "")

	if got := c.Alarms().ActiveCount(); got != 0 {
		t.Fatalf("linkUp should auto-clear, %d active", got)
	}
}

func TestProcessSyslogRaisesAlarm(t *testing.T) {
	c := testCore(t)
	rule := &models.AlarmRule{
		Name:          "BGP trouble on {device}",
		EventType:     models.EventTypeSyslog,
		MatchCriteria: map[string]string{"description": "~(?i)bgp.*down"},
		Severity:      models.SeverityCritical,
		AlarmType:     "bgp_down",
		Enabled:       true,
		Priority:      5,
		Terminal:      true,
	}
	if _, err := c.Alarms().CreateRule(rule); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	_, fired := c.ProcessSyslog("core-rtr", "192.0.2.9",
		"<187>Jan  5 10:00:00 core-rtr bgpd: neighbor 10.0.0.1 BGP session down", -1, -1, "")
	if len(fired) != 1 {
		t.Fatalf("expected 1 alarm, got %d", len(fired))
	}
	if fired[0].Severity != models.SeverityCritical {
		t.Fatalf("severity wrong: %s", fired[0].Severity)
	}
}

func TestProcessSyslogFallbackSeverity(t *testing.T) {
	c := testCore(t)

	// No <PRI> tag: caller-supplied facility/severity apply
	event, _ := c.ProcessSyslog("host-1", "192.0.2.2", "interface flap detected", 23, 1, "")
	if event.Severity != models.SeverityCritical {
		t.Fatalf("fallback severity not applied: %s", event.Severity)
	}

	// With <PRI>, the parsed priority wins over the fallback
	event, _ = c.ProcessSyslog("host-1", "192.0.2.2", "<38>daemon notice text", 23, 1, "")
	if event.Severity != models.SeverityInfo {
		t.Fatalf("parsed priority must win: %s", event.Severity)
	}
}

func TestProbeResultDrivesAlarms(t *testing.T) {
	c := testCore(t)
	rule := &models.AlarmRule{
		Name:          "Probe failing: {probe_name}",
		EventType:     models.EventTypeProbe,
		MatchCriteria: map[string]string{"outcome": "failure"},
		Severity:      models.SeverityWarning,
		AlarmType:     "probe_failure",
		Enabled:       true,
		Priority:      1,
		Terminal:      true,
	}
	if _, err := c.Alarms().CreateRule(rule); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	probe := &models.Probe{
		Name:       "edge ping",
		Type:       models.ProbeTypeICMP,
		Target:     "192.0.2.50",
		Parameters: map[string]string{"sim_success_rate": "0"},
	}
	created, err := c.Probes().Create(probe)
	if err != nil {
		t.Fatalf("create probe: %v", err)
	}

	if _, err := c.Probes().ExecuteNow(context.Background(), created.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := c.Alarms().ActiveCount(); got != 1 {
		t.Fatalf("probe failure should raise an alarm, %d active", got)
	}
}

func TestProbeRecoveryFiresOncePerTransition(t *testing.T) {
	c := testCore(t)
	rule := &models.AlarmRule{
		Name:          "Probe recovered: {probe_name}",
		EventType:     models.EventTypeProbe,
		MatchCriteria: map[string]string{"outcome": "success"},
		Severity:      models.SeverityInfo,
		AlarmType:     "probe_recovery",
		Enabled:       true,
		Priority:      1,
		Terminal:      true,
	}
	if _, err := c.Alarms().CreateRule(rule); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	probe := &models.Probe{
		Name:       "edge ping",
		Type:       models.ProbeTypeICMP,
		Target:     "192.0.2.50",
		Parameters: map[string]string{"sim_success_rate": "0"},
	}
	created, err := c.Probes().Create(probe)
	if err != nil {
		t.Fatalf("create probe: %v", err)
	}

	if _, err := c.Probes().ExecuteNow(context.Background(), created.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	recovered := created.Clone()
	recovered.Parameters = map[string]string{"sim_success_rate": "1.0"}
	if _, err := c.Probes().Update(recovered); err != nil {
		t.Fatalf("update: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := c.Probes().ExecuteNow(context.Background(), created.ID); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}

	matches := c.Alarms().ListActive(alarms.AlarmFilter{AlarmType: "probe_recovery"})
	if len(matches) != 1 {
		t.Fatalf("expected 1 recovery alarm, got %d", len(matches))
	}
	// Steady-state successes after the transition must not re-fire the rule
	if matches[0].OccurrenceCount != 1 {
		t.Fatalf("recovery fired on every success: occurrence count %d", matches[0].OccurrenceCount)
	}
}

func TestServiceHealthDashboard(t *testing.T) {
	c := testCore(t)
	probe := &models.Probe{
		Name:       "edge ping",
		Type:       models.ProbeTypeICMP,
		Target:     "192.0.2.50",
		Parameters: map[string]string{"sim_success_rate": "1.0"},
	}
	created, _ := c.Probes().Create(probe)
	c.Probes().ExecuteNow(context.Background(), created.ID)

	dashboard := c.ServiceHealthDashboard(24)
	if dashboard.TenantID != "tenant-1" || dashboard.Hours != 24 {
		t.Fatalf("dashboard header wrong: %+v", dashboard)
	}
	if dashboard.ProbeCount != 1 {
		t.Fatalf("probe count wrong: %d", dashboard.ProbeCount)
	}
	if dashboard.ProbesByStatus[models.ProbeStatusEnabled] != 1 {
		t.Fatalf("status rollup wrong: %+v", dashboard.ProbesByStatus)
	}
	if !dashboard.Anomalies.BaselineInsufficient {
		t.Fatalf("fresh core has no anomaly baseline")
	}
}

func TestHealthCheck(t *testing.T) {
	c := testCore(t)
	health := c.HealthCheck()
	if !health.Healthy {
		t.Fatalf("fresh core should be healthy: %+v", health)
	}
	names := map[string]bool{}
	for _, component := range health.Components {
		names[component.Name] = true
	}
	for _, want := range []string{"probes", "alarms", "sla", "flows", "store"} {
		if !names[want] {
			t.Fatalf("component %s missing from health check", want)
		}
	}
}

func TestNetworkPerformanceReportCSV(t *testing.T) {
	c := testCore(t)
	probe := &models.Probe{
		Name:       "edge ping",
		Type:       models.ProbeTypeICMP,
		Target:     "192.0.2.50",
		Parameters: map[string]string{"sim_success_rate": "1.0"},
	}
	created, _ := c.Probes().Create(probe)
	for i := 0; i < 5; i++ {
		c.Probes().ExecuteNow(context.Background(), created.ID)
	}

	out, err := c.NetworkPerformanceReport(24, reporting.FormatCSV)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(out) == 0 {
		t.Fatalf("empty report")
	}
}

func TestNetworkPerformanceReportPDF(t *testing.T) {
	c := testCore(t)
	out, err := c.NetworkPerformanceReport(24, reporting.FormatPDF)
	if err != nil {
		t.Fatalf("pdf report: %v", err)
	}
	if len(out) < 4 || string(out[:4]) != "%PDF" {
		t.Fatalf("not a PDF payload")
	}
}

func TestNetworkPerformanceReportUnknownFormatFallsBackToCSV(t *testing.T) {
	c := testCore(t)
	out, err := c.NetworkPerformanceReport(24, reporting.Format("xlsx"))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(out) == 0 || out[0] != '#' {
		t.Fatalf("expected CSV fallback output")
	}
}
