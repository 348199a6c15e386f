// Package config manages canopy configuration.
//
// Settings load in three passes: built-in defaults, an optional JSON settings
// file, then environment variable overrides (a .env file is honored if
// present). The watcher re-applies the settings file when it changes on disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/canopyops/canopy/internal/errors"
	"github.com/canopyops/canopy/internal/models"
)

// ProbeSettings tunes the probe scheduler and executor.
type ProbeSettings struct {
	DefaultIntervalS    int  `json:"defaultIntervalS"`
	DefaultTimeoutS     int  `json:"defaultTimeoutS"`
	MaxResultsPerProbe  int  `json:"maxResultsPerProbe"`
	MaxConcurrentProbes int  `json:"maxConcurrentProbes"`
	SimulationMode      bool `json:"simulationMode"`
}

// AlarmSettings tunes the alarm engine.
type AlarmSettings struct {
	StormThreshold     int             `json:"stormThreshold"`
	StormWindowMinutes int             `json:"stormWindowMinutes"`
	DefaultSeverity    models.Severity `json:"defaultSeverity"`
	MaxMemoryAlarms    int             `json:"maxMemoryAlarms"`
	CooldownMinutes    int             `json:"cooldownMinutes"`
}

// FlowSettings tunes the flow aggregator.
type FlowSettings struct {
	MaxMemoryFlows           int `json:"maxMemoryFlows"`
	DefaultSamplingRate      int `json:"defaultSamplingRate"`
	AggregationWindowMinutes int `json:"aggregationWindowMinutes"`
}

// SLASettings tunes SLA evaluation.
type SLASettings struct {
	DefaultAvailabilityThreshold  float64 `json:"defaultAvailabilityThreshold"`
	DefaultLatencyThresholdMs     float64 `json:"defaultLatencyThresholdMs"`
	DefaultMeasurementWindowHours int     `json:"defaultMeasurementWindowHours"`
	MinimumSampleCount            int     `json:"minimumSampleCount"`
}

// AnalyticsSettings tunes anomaly detection and dynamic thresholds.
type AnalyticsSettings struct {
	AnomalyDetectionThreshold float64 `json:"anomalyDetectionThreshold"`
	BaselineWindowHours       int     `json:"baselineWindowHours"`
	ConfidenceLevel           float64 `json:"confidenceLevel"`
}

// Config holds all application configuration.
type Config struct {
	TenantID string `json:"tenantId"`
	DataPath string `json:"dataPath"`

	Probes    ProbeSettings     `json:"probes"`
	Alarms    AlarmSettings     `json:"alarms"`
	Flows     FlowSettings      `json:"flows"`
	SLA       SLASettings       `json:"sla"`
	Analytics AnalyticsSettings `json:"analytics"`

	// Shutdown grace for draining in-flight probe executions.
	ShutdownGrace time.Duration `json:"-"`

	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`
	LogFile   string `json:"logFile"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		TenantID: "default",
		DataPath: "/var/lib/canopy",
		Probes: ProbeSettings{
			DefaultIntervalS:    30,
			DefaultTimeoutS:     10,
			MaxResultsPerProbe:  1000,
			MaxConcurrentProbes: 10,
			SimulationMode:      false,
		},
		Alarms: AlarmSettings{
			StormThreshold:     10,
			StormWindowMinutes: 5,
			DefaultSeverity:    models.SeverityWarning,
			MaxMemoryAlarms:    5000,
			CooldownMinutes:    0,
		},
		Flows: FlowSettings{
			MaxMemoryFlows:           10000,
			DefaultSamplingRate:      1,
			AggregationWindowMinutes: 15,
		},
		SLA: SLASettings{
			DefaultAvailabilityThreshold:  99.9,
			DefaultLatencyThresholdMs:     100,
			DefaultMeasurementWindowHours: 24,
			MinimumSampleCount:            10,
		},
		Analytics: AnalyticsSettings{
			AnomalyDetectionThreshold: 2.0,
			BaselineWindowHours:       24,
			ConfidenceLevel:           0.95,
		},
		ShutdownGrace: 30 * time.Second,
		LogLevel:      "info",
		LogFormat:     "auto",
	}
}

// Load builds the configuration from defaults, the optional settings file
// under dataPath, and environment overrides.
func Load(dataPath string) (*Config, error) {
	cfg := Default()
	if dataPath != "" {
		cfg.DataPath = dataPath
	}

	// .env is optional; ignore a missing file
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	path := filepath.Join(cfg.DataPath, "settings.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		log.Info().Str("path", path).Msg("Loaded settings file")
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SettingsPath returns the on-disk location of the settings file.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataPath, "settings.json")
}

func (c *Config) applyEnvOverrides() {
	setString(&c.TenantID, "CANOPY_TENANT_ID")
	setString(&c.LogLevel, "CANOPY_LOG_LEVEL")
	setString(&c.LogFormat, "CANOPY_LOG_FORMAT")
	setString(&c.LogFile, "CANOPY_LOG_FILE")

	setInt(&c.Probes.DefaultIntervalS, "CANOPY_PROBE_DEFAULT_INTERVAL")
	setInt(&c.Probes.DefaultTimeoutS, "CANOPY_PROBE_DEFAULT_TIMEOUT")
	setInt(&c.Probes.MaxResultsPerProbe, "CANOPY_PROBE_MAX_RESULTS")
	setInt(&c.Probes.MaxConcurrentProbes, "CANOPY_PROBE_MAX_CONCURRENT")
	setBool(&c.Probes.SimulationMode, "CANOPY_PROBE_SIMULATION")

	setInt(&c.Alarms.StormThreshold, "CANOPY_ALARM_STORM_THRESHOLD")
	setInt(&c.Alarms.StormWindowMinutes, "CANOPY_ALARM_STORM_WINDOW")
	setInt(&c.Alarms.MaxMemoryAlarms, "CANOPY_ALARM_MAX_MEMORY")

	setInt(&c.Flows.MaxMemoryFlows, "CANOPY_FLOW_MAX_MEMORY")
	setInt(&c.Flows.DefaultSamplingRate, "CANOPY_FLOW_SAMPLING_RATE")
	setInt(&c.Flows.AggregationWindowMinutes, "CANOPY_FLOW_WINDOW_MINUTES")

	setFloat(&c.SLA.DefaultAvailabilityThreshold, "CANOPY_SLA_AVAILABILITY")
	setFloat(&c.SLA.DefaultLatencyThresholdMs, "CANOPY_SLA_LATENCY_MS")
	setInt(&c.SLA.DefaultMeasurementWindowHours, "CANOPY_SLA_WINDOW_HOURS")
	setInt(&c.SLA.MinimumSampleCount, "CANOPY_SLA_MIN_SAMPLES")

	setFloat(&c.Analytics.AnomalyDetectionThreshold, "CANOPY_ANOMALY_THRESHOLD")
	setInt(&c.Analytics.BaselineWindowHours, "CANOPY_BASELINE_HOURS")
	setFloat(&c.Analytics.ConfidenceLevel, "CANOPY_CONFIDENCE_LEVEL")
}

// Validate checks every tunable against its documented range.
func (c *Config) Validate() error {
	const op = "config.validate"
	if strings.TrimSpace(c.TenantID) == "" {
		return errors.Invalid(op, "tenantId", "must not be empty")
	}
	if c.Probes.DefaultIntervalS < 1 || c.Probes.DefaultIntervalS > 86400 {
		return errors.Invalid(op, "probes.defaultIntervalS", "must be in [1, 86400]")
	}
	if c.Probes.DefaultTimeoutS < 1 || c.Probes.DefaultTimeoutS > 300 {
		return errors.Invalid(op, "probes.defaultTimeoutS", "must be in [1, 300]")
	}
	if c.Probes.DefaultTimeoutS > c.Probes.DefaultIntervalS {
		return errors.Invalid(op, "probes.defaultTimeoutS", "must not exceed defaultIntervalS")
	}
	if c.Probes.MaxConcurrentProbes < 1 {
		return errors.Invalid(op, "probes.maxConcurrentProbes", "must be >= 1")
	}
	if c.Alarms.StormThreshold < 1 {
		return errors.Invalid(op, "alarms.stormThreshold", "must be >= 1")
	}
	if c.Alarms.StormWindowMinutes < 1 {
		return errors.Invalid(op, "alarms.stormWindowMinutes", "must be >= 1")
	}
	if c.Flows.DefaultSamplingRate < 1 {
		return errors.Invalid(op, "flows.defaultSamplingRate", "must be >= 1")
	}
	if c.Flows.MaxMemoryFlows < 1 {
		return errors.Invalid(op, "flows.maxMemoryFlows", "must be >= 1")
	}
	if c.SLA.DefaultAvailabilityThreshold < 0 || c.SLA.DefaultAvailabilityThreshold > 100 {
		return errors.Invalid(op, "sla.defaultAvailabilityThreshold", "must be in [0, 100]")
	}
	if c.SLA.DefaultLatencyThresholdMs < 1 {
		return errors.Invalid(op, "sla.defaultLatencyThresholdMs", "must be >= 1")
	}
	if c.SLA.DefaultMeasurementWindowHours < 1 || c.SLA.DefaultMeasurementWindowHours > 8760 {
		return errors.Invalid(op, "sla.defaultMeasurementWindowHours", "must be in [1, 8760]")
	}
	if c.Analytics.AnomalyDetectionThreshold <= 0 {
		return errors.Invalid(op, "analytics.anomalyDetectionThreshold", "must be > 0")
	}
	if c.Analytics.ConfidenceLevel != 0.95 && c.Analytics.ConfidenceLevel != 0.99 {
		return errors.Invalid(op, "analytics.confidenceLevel", "supported levels are 0.95 and 0.99")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring unparseable integer override")
		return
	}
	*dst = parsed
}

func setFloat(dst *float64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring unparseable float override")
		return
	}
	*dst = parsed
}

func setBool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring unparseable boolean override")
		return
	}
	*dst = parsed
}
