package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/canopyops/canopy/internal/errors"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.TenantID != "default" {
		t.Fatalf("tenant default wrong: %q", cfg.TenantID)
	}
	if cfg.Probes.DefaultIntervalS != 30 || cfg.Probes.MaxConcurrentProbes != 10 {
		t.Fatalf("probe defaults wrong: %+v", cfg.Probes)
	}
	if cfg.Alarms.StormThreshold != 10 || cfg.Alarms.StormWindowMinutes != 5 {
		t.Fatalf("alarm defaults wrong: %+v", cfg.Alarms)
	}
	if cfg.SLA.DefaultAvailabilityThreshold != 99.9 || cfg.SLA.MinimumSampleCount != 10 {
		t.Fatalf("sla defaults wrong: %+v", cfg.SLA)
	}
	if cfg.Analytics.ConfidenceLevel != 0.95 {
		t.Fatalf("analytics defaults wrong: %+v", cfg.Analytics)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadSettingsFile(t *testing.T) {
	dir := t.TempDir()
	settings := map[string]any{
		"tenantId": "acme",
		"probes":   map[string]any{"defaultIntervalS": 15},
		"flows":    map[string]any{"defaultSamplingRate": 100},
	}
	data, _ := json.Marshal(settings)
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), data, 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TenantID != "acme" {
		t.Fatalf("file override lost: %q", cfg.TenantID)
	}
	if cfg.Probes.DefaultIntervalS != 15 {
		t.Fatalf("nested override lost: %d", cfg.Probes.DefaultIntervalS)
	}
	if cfg.Flows.DefaultSamplingRate != 100 {
		t.Fatalf("flow override lost: %d", cfg.Flows.DefaultSamplingRate)
	}
	// Untouched settings keep defaults
	if cfg.Probes.DefaultTimeoutS != 10 {
		t.Fatalf("default clobbered: %d", cfg.Probes.DefaultTimeoutS)
	}
}

func TestLoadMissingSettingsFileIsFine(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load without settings.json: %v", err)
	}
	if cfg.TenantID != "default" {
		t.Fatalf("expected defaults, got %q", cfg.TenantID)
	}
}

func TestLoadMalformedSettingsFile(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "settings.json"), []byte("{not json"), 0o644)
	if _, err := Load(dir); err == nil {
		t.Fatalf("malformed settings must fail loading")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CANOPY_TENANT_ID", "env-tenant")
	t.Setenv("CANOPY_PROBE_DEFAULT_INTERVAL", "45")
	t.Setenv("CANOPY_PROBE_SIMULATION", "true")
	t.Setenv("CANOPY_SLA_AVAILABILITY", "99.5")
	t.Setenv("CANOPY_ALARM_STORM_THRESHOLD", "junk") // ignored

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TenantID != "env-tenant" {
		t.Fatalf("string override lost: %q", cfg.TenantID)
	}
	if cfg.Probes.DefaultIntervalS != 45 {
		t.Fatalf("int override lost: %d", cfg.Probes.DefaultIntervalS)
	}
	if !cfg.Probes.SimulationMode {
		t.Fatalf("bool override lost")
	}
	if cfg.SLA.DefaultAvailabilityThreshold != 99.5 {
		t.Fatalf("float override lost: %v", cfg.SLA.DefaultAvailabilityThreshold)
	}
	if cfg.Alarms.StormThreshold != 10 {
		t.Fatalf("unparseable override must keep default: %d", cfg.Alarms.StormThreshold)
	}
}

func TestEnvOverridesBeatSettingsFile(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{"tenantId":"from-file"}`), 0o644)
	t.Setenv("CANOPY_TENANT_ID", "from-env")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TenantID != "from-env" {
		t.Fatalf("env must win over file, got %q", cfg.TenantID)
	}
}

func TestValidateRanges(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty tenant", func(c *Config) { c.TenantID = " " }},
		{"interval too small", func(c *Config) { c.Probes.DefaultIntervalS = 0 }},
		{"timeout exceeds interval", func(c *Config) { c.Probes.DefaultTimeoutS = 60; c.Probes.DefaultIntervalS = 30 }},
		{"no workers", func(c *Config) { c.Probes.MaxConcurrentProbes = 0 }},
		{"storm threshold zero", func(c *Config) { c.Alarms.StormThreshold = 0 }},
		{"sampling rate zero", func(c *Config) { c.Flows.DefaultSamplingRate = 0 }},
		{"availability above 100", func(c *Config) { c.SLA.DefaultAvailabilityThreshold = 101 }},
		{"unsupported confidence", func(c *Config) { c.Analytics.ConfidenceLevel = 0.9 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); !errors.IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestSettingsPath(t *testing.T) {
	cfg := Default()
	cfg.DataPath = "/tmp/canopy"
	if got := cfg.SettingsPath(); got != "/tmp/canopy/settings.json" {
		t.Fatalf("settings path wrong: %q", got)
	}
}
