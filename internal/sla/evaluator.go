// Package sla evaluates probe measurements against availability and latency
// contracts, and tracks the open/resolved lifecycle of violations.
package sla

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/canopyops/canopy/internal/config"
	"github.com/canopyops/canopy/internal/errors"
	"github.com/canopyops/canopy/internal/metrics"
	"github.com/canopyops/canopy/internal/models"
	"github.com/canopyops/canopy/internal/notifications"
	"github.com/canopyops/canopy/internal/stats"
	"github.com/canopyops/canopy/internal/store"
)

// ResultSource supplies probe definitions and their result windows.
// Implemented by the probe engine; injected to avoid a package cycle.
type ResultSource interface {
	Get(probeID string) (*models.Probe, error)
	Results(probeID string, since time.Time) []models.ProbeResult
}

// ComplianceStatus classifies one evaluation outcome.
type ComplianceStatus string

const (
	StatusCompliant        ComplianceStatus = "COMPLIANT"
	StatusNonCompliant     ComplianceStatus = "NON_COMPLIANT"
	StatusInsufficientData ComplianceStatus = "INSUFFICIENT_DATA"
)

// Compliance is the result of evaluating one probe against its policy.
type Compliance struct {
	ProbeID             string            `json:"probeId"`
	PolicyID            string            `json:"policyId"`
	Status              ComplianceStatus  `json:"status"`
	AvailabilityPercent float64           `json:"availabilityPercent"`
	LatencyAvgMs        float64           `json:"latencyAvgMs"`
	Percentiles         stats.LatencyStats `json:"percentiles"`
	TotalMeasurements   int               `json:"totalMeasurements"`
	FailedMeasurements  int               `json:"failedMeasurements"`
	WindowHours         int               `json:"windowHours"`
	EvaluatedAt         time.Time         `json:"evaluatedAt"`
}

// Evaluator owns SLA policies and violations for one tenant.
type Evaluator struct {
	tenantID string
	cfg      config.SLASettings
	results  ResultSource
	store    *store.Store
	notifier *notifications.Dispatcher

	mu         sync.RWMutex
	policies   map[string]*models.SLAPolicy
	violations map[string]*models.SLAViolation // by violation ID
	openByPair map[string]string               // probeID+policyID -> open violation ID
}

// NewEvaluator constructs the SLA evaluator for a tenant. store and notifier
// may be nil in tests.
func NewEvaluator(tenantID string, cfg config.SLASettings, results ResultSource, st *store.Store, notifier *notifications.Dispatcher) *Evaluator {
	return &Evaluator{
		tenantID:   tenantID,
		cfg:        cfg,
		results:    results,
		store:      st,
		notifier:   notifier,
		policies:   make(map[string]*models.SLAPolicy),
		violations: make(map[string]*models.SLAViolation),
		openByPair: make(map[string]string),
	}
}

// LoadFromStore restores persisted policies and recent violations.
func (e *Evaluator) LoadFromStore() error {
	if e.store == nil {
		return nil
	}
	policies, err := e.store.LoadSLAPolicies(e.tenantID)
	if err != nil {
		return err
	}
	violations, err := e.store.LoadSLAViolations(e.tenantID, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range policies {
		e.policies[p.ID] = p
	}
	for _, v := range violations {
		e.violations[v.ID] = v
		if v.Open() {
			e.openByPair[pairKey(v.ProbeID, v.PolicyID)] = v.ID
		}
	}
	return nil
}

// SetResultSource injects the probe result source. The evaluator is
// constructed before the probe engine, which needs the evaluator as its
// policy checker; this closes the loop. Call before any compliance check.
func (e *Evaluator) SetResultSource(results ResultSource) {
	e.results = results
}

func pairKey(probeID, policyID string) string {
	return probeID + "\x00" + policyID
}

// --- policy CRUD ---

// CreatePolicy validates and registers an SLA policy, applying configured
// defaults to unset thresholds.
func (e *Evaluator) CreatePolicy(policy *models.SLAPolicy) (*models.SLAPolicy, error) {
	const op = "create_sla_policy"
	if strings.TrimSpace(policy.Name) == "" {
		return nil, errors.Invalid(op, "name", "must not be empty")
	}
	if policy.AvailabilityThreshold == 0 {
		policy.AvailabilityThreshold = e.cfg.DefaultAvailabilityThreshold
	}
	if policy.LatencyThresholdMs == 0 {
		policy.LatencyThresholdMs = e.cfg.DefaultLatencyThresholdMs
	}
	if policy.MeasurementWindowHours == 0 {
		policy.MeasurementWindowHours = e.cfg.DefaultMeasurementWindowHours
	}
	if policy.AvailabilityThreshold <= 0 || policy.AvailabilityThreshold > 100 {
		return nil, errors.Invalid(op, "availability_threshold", "must be in (0, 100]")
	}
	if policy.LatencyThresholdMs <= 0 {
		return nil, errors.Invalid(op, "latency_threshold_ms", "must be positive")
	}
	if policy.MeasurementWindowHours < 1 {
		return nil, errors.Invalid(op, "measurement_window_hours", "must be >= 1")
	}

	copied := *policy
	if copied.ID == "" {
		copied.ID = uuid.NewString()
	}
	copied.CreatedAt = time.Now().UTC()

	e.mu.Lock()
	if _, exists := e.policies[copied.ID]; exists {
		e.mu.Unlock()
		return nil, errors.Conflict(op, "sla_policy", copied.ID)
	}
	e.policies[copied.ID] = &copied
	e.mu.Unlock()

	e.persistPolicy(&copied)
	out := copied
	return &out, nil
}

// GetPolicy returns a copy of the policy.
func (e *Evaluator) GetPolicy(policyID string) (*models.SLAPolicy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[policyID]
	if !ok {
		return nil, errors.NotFound("get_sla_policy", "sla_policy", policyID)
	}
	copied := *p
	return &copied, nil
}

// ListPolicies returns all policies sorted by name.
func (e *Evaluator) ListPolicies() []*models.SLAPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.SLAPolicy, 0, len(e.policies))
	for _, p := range e.policies {
		copied := *p
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DeletePolicy removes a policy. Violations it produced are retained.
func (e *Evaluator) DeletePolicy(policyID string) error {
	e.mu.Lock()
	_, ok := e.policies[policyID]
	if !ok {
		e.mu.Unlock()
		return errors.NotFound("delete_sla_policy", "sla_policy", policyID)
	}
	delete(e.policies, policyID)
	e.mu.Unlock()

	if e.store != nil {
		return e.store.DeleteSLAPolicy(e.tenantID, policyID)
	}
	return nil
}

// PolicyExists implements probes.PolicyChecker.
func (e *Evaluator) PolicyExists(policyID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.policies[policyID]
	return ok
}

// --- compliance ---

// CheckCompliance evaluates the probe against its linked policy over the
// policy's measurement window and advances the violation lifecycle.
func (e *Evaluator) CheckCompliance(probeID string) (*Compliance, error) {
	const op = "check_sla_compliance"
	probe, err := e.results.Get(probeID)
	if err != nil {
		return nil, err
	}
	if probe.SLAPolicyID == "" {
		return nil, errors.Invalid(op, "probe_id", "probe has no linked SLA policy")
	}
	policy, err := e.GetPolicy(probe.SLAPolicyID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	since := now.Add(-time.Duration(policy.MeasurementWindowHours) * time.Hour)
	results := e.results.Results(probeID, since)

	compliance := &Compliance{
		ProbeID:     probeID,
		PolicyID:    policy.ID,
		WindowHours: policy.MeasurementWindowHours,
		EvaluatedAt: now,
	}

	total := len(results)
	successful := 0
	var latencies []float64
	for i := range results {
		if results[i].Success {
			successful++
			latencies = append(latencies, results[i].ResponseTimeMs)
		}
	}
	compliance.TotalMeasurements = total
	compliance.FailedMeasurements = total - successful

	if total < e.cfg.MinimumSampleCount {
		compliance.Status = StatusInsufficientData
		return compliance, nil
	}

	compliance.AvailabilityPercent = stats.Availability(successful, total)
	compliance.LatencyAvgMs = stats.Mean(latencies)
	compliance.Percentiles = stats.Latency(latencies)

	compliant := compliance.AvailabilityPercent >= policy.AvailabilityThreshold &&
		compliance.LatencyAvgMs <= policy.LatencyThresholdMs
	if compliant {
		compliance.Status = StatusCompliant
	} else {
		compliance.Status = StatusNonCompliant
	}

	e.advanceViolation(probe, policy, compliance, compliant, now)
	return compliance, nil
}

// advanceViolation opens or resolves the violation for (probe, policy). At
// most one open violation exists per pair.
func (e *Evaluator) advanceViolation(probe *models.Probe, policy *models.SLAPolicy, c *Compliance, compliant bool, now time.Time) {
	key := pairKey(probe.ID, policy.ID)

	e.mu.Lock()
	openID, hasOpen := e.openByPair[key]

	switch {
	case !compliant && !hasOpen:
		violation := &models.SLAViolation{
			ID:                    uuid.NewString(),
			ProbeID:               probe.ID,
			PolicyID:              policy.ID,
			ActualAvailability:    c.AvailabilityPercent,
			AvailabilityThreshold: policy.AvailabilityThreshold,
			ActualLatencyMs:       c.LatencyAvgMs,
			LatencyThresholdMs:    policy.LatencyThresholdMs,
			DetectedAt:            now,
			TotalMeasurements:     c.TotalMeasurements,
			FailedMeasurements:    c.FailedMeasurements,
		}
		e.violations[violation.ID] = violation
		e.openByPair[key] = violation.ID
		snapshot := *violation
		e.mu.Unlock()

		metrics.SLAViolationsOpenedTotal.Inc()
		e.persistViolation(&snapshot)
		if policy.NotificationEnabled {
			e.notify(notifications.Event{Kind: notifications.KindViolationOpened, Violation: &snapshot})
		}
		log.Warn().Str("probe", probe.ID).Str("policy", policy.ID).
			Float64("availability", c.AvailabilityPercent).Msg("SLA violation opened")

	case compliant && hasOpen:
		violation := e.violations[openID]
		resolved := now
		violation.ResolvedAt = &resolved
		delete(e.openByPair, key)
		snapshot := *violation
		e.mu.Unlock()

		metrics.SLAViolationsResolvedTotal.Inc()
		e.persistViolation(&snapshot)
		if policy.NotificationEnabled {
			e.notify(notifications.Event{Kind: notifications.KindViolationCleared, Violation: &snapshot})
		}
		log.Info().Str("probe", probe.ID).Str("policy", policy.ID).Msg("SLA violation resolved")

	case !compliant && hasOpen:
		// Refresh the open violation's snapshots
		violation := e.violations[openID]
		violation.ActualAvailability = c.AvailabilityPercent
		violation.ActualLatencyMs = c.LatencyAvgMs
		violation.TotalMeasurements = c.TotalMeasurements
		violation.FailedMeasurements = c.FailedMeasurements
		snapshot := *violation
		e.mu.Unlock()
		e.persistViolation(&snapshot)

	default:
		e.mu.Unlock()
	}
}

// ListViolations returns violations detected in the last N hours, newest
// first. probeID narrows the result when non-empty.
func (e *Evaluator) ListViolations(hours int, probeID string) []*models.SLAViolation {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*models.SLAViolation
	for _, v := range e.violations {
		if v.DetectedAt.Before(cutoff) {
			continue
		}
		if probeID != "" && v.ProbeID != probeID {
			continue
		}
		copied := *v
		if v.ResolvedAt != nil {
			t := *v.ResolvedAt
			copied.ResolvedAt = &t
		}
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out
}

// OpenViolationCount returns the number of unresolved violations.
func (e *Evaluator) OpenViolationCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.openByPair)
}

// CreditPercent maps an availability measurement to the service credit owed,
// per the monotone tier table.
func CreditPercent(availability float64) float64 {
	switch {
	case availability >= 99.95:
		return 0
	case availability >= 99.9:
		return 10
	case availability >= 99:
		return 25
	case availability >= 95:
		return 50
	default:
		return 100
	}
}

// DynamicThresholds derives alerting bounds from a probe's latency history
// at the configured confidence level.
func (e *Evaluator) DynamicThresholds(probeID string, hours int, confidenceLevel float64) (stats.DynamicThresholds, error) {
	if _, err := e.results.Get(probeID); err != nil {
		return stats.DynamicThresholds{}, err
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	results := e.results.Results(probeID, since)

	var latencies []float64
	for i := range results {
		if results[i].Success {
			latencies = append(latencies, results[i].ResponseTimeMs)
		}
	}
	return stats.ComputeDynamicThresholds(latencies, confidenceLevel)
}

func (e *Evaluator) notify(event notifications.Event) {
	if e.notifier != nil {
		e.notifier.Notify(event)
	}
}

func (e *Evaluator) persistPolicy(p *models.SLAPolicy) {
	if e.store != nil {
		if err := e.store.SaveSLAPolicy(e.tenantID, p); err != nil {
			log.Warn().Err(err).Str("policy", p.ID).Msg("Policy persistence failed")
		}
	}
}

func (e *Evaluator) persistViolation(v *models.SLAViolation) {
	if e.store != nil {
		if err := e.store.SaveSLAViolation(e.tenantID, v); err != nil {
			log.Warn().Err(err).Str("violation", v.ID).Msg("Violation persistence failed")
		}
	}
}
