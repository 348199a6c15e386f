package probes

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/canopyops/canopy/internal/config"
	"github.com/canopyops/canopy/internal/errors"
	"github.com/canopyops/canopy/internal/models"
	"github.com/canopyops/canopy/internal/stats"
	"github.com/canopyops/canopy/internal/store"
)

// PolicyChecker validates that an SLA policy exists within the tenant.
// Implemented by the SLA engine; injected to avoid a package cycle.
type PolicyChecker interface {
	PolicyExists(policyID string) bool
}

// ResultHook observes every persisted result. The scheduler invokes it after
// the result is appended, on the worker goroutine. prevFailures is the
// consecutive-failure count before this result was applied, so a successful
// result with prevFailures > 0 marks a failure-to-success transition.
type ResultHook func(probe *models.Probe, result *models.ProbeResult, prevFailures int)

// Engine owns probe definitions and their result windows for one tenant.
type Engine struct {
	tenantID string
	cfg      config.ProbeSettings
	executor Executor
	store    *store.Store
	policies PolicyChecker
	hook     ResultHook

	mu      sync.RWMutex
	probes  map[string]*models.Probe
	results map[string][]models.ProbeResult // bounded ring per probe, oldest first

	queue *taskQueue

	missedMu   sync.Mutex
	missedRuns int64
}

// ListFilter narrows List output. Zero values match everything.
type ListFilter struct {
	Status      models.ProbeStatus
	Type        models.ProbeType
	NamePattern string // wildcard pattern against the probe name
}

// NewEngine constructs the probe engine for a tenant. The store may be nil
// in tests; persistence calls become no-ops.
func NewEngine(tenantID string, cfg config.ProbeSettings, executor Executor, st *store.Store, policies PolicyChecker) *Engine {
	return &Engine{
		tenantID: tenantID,
		cfg:      cfg,
		executor: executor,
		store:    st,
		policies: policies,
		probes:   make(map[string]*models.Probe),
		results:  make(map[string][]models.ProbeResult),
		queue:    newTaskQueue(),
	}
}

// SetResultHook registers the per-result observer. Call before Run.
func (e *Engine) SetResultHook(hook ResultHook) {
	e.hook = hook
}

// LoadFromStore restores persisted probe definitions.
func (e *Engine) LoadFromStore() error {
	if e.store == nil {
		return nil
	}
	probes, err := e.store.LoadProbes(e.tenantID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range probes {
		e.probes[p.ID] = p
		if p.Status == models.ProbeStatusEnabled {
			e.queue.Upsert(dueTask{ProbeID: p.ID, DueAt: nextDue(p, time.Now())})
		}
	}
	return nil
}

// Create validates and registers a new probe definition.
func (e *Engine) Create(probe *models.Probe) (*models.Probe, error) {
	const op = "create_probe"
	if probe.IntervalSeconds == 0 {
		probe.IntervalSeconds = e.cfg.DefaultIntervalS
	}
	if probe.TimeoutSeconds == 0 {
		probe.TimeoutSeconds = e.cfg.DefaultTimeoutS
	}
	if err := validateProbe(op, probe); err != nil {
		return nil, err
	}
	if probe.SLAPolicyID != "" && e.policies != nil && !e.policies.PolicyExists(probe.SLAPolicyID) {
		return nil, errors.NotFound(op, "sla_policy", probe.SLAPolicyID)
	}

	probe = probe.Clone()
	if probe.ID == "" {
		probe.ID = uuid.NewString()
	}
	if probe.Status == "" {
		probe.Status = models.ProbeStatusEnabled
	}
	now := time.Now().UTC()
	probe.CreatedAt = now
	probe.UpdatedAt = now

	e.mu.Lock()
	if _, exists := e.probes[probe.ID]; exists {
		e.mu.Unlock()
		return nil, errors.Conflict(op, "probe", probe.ID)
	}
	e.probes[probe.ID] = probe
	e.mu.Unlock()

	if probe.Status == models.ProbeStatusEnabled {
		e.queue.Upsert(dueTask{ProbeID: probe.ID, DueAt: now})
	}
	e.persist(probe)
	return probe.Clone(), nil
}

// Get returns a copy of the probe.
func (e *Engine) Get(probeID string) (*models.Probe, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	probe, ok := e.probes[probeID]
	if !ok {
		return nil, errors.NotFound("get_probe", "probe", probeID)
	}
	return probe.Clone(), nil
}

// List returns probes matching the filter, sorted by name.
func (e *Engine) List(filter ListFilter) []*models.Probe {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*models.Probe, 0, len(e.probes))
	for _, probe := range e.probes {
		if filter.Status != "" && probe.Status != filter.Status {
			continue
		}
		if filter.Type != "" && probe.Type != filter.Type {
			continue
		}
		if filter.NamePattern != "" && !wildcard.Match(filter.NamePattern, probe.Name) {
			continue
		}
		out = append(out, probe.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Update applies changes to a probe definition. Runtime counters are owned
// by the scheduler and ignored on the way in.
func (e *Engine) Update(probe *models.Probe) (*models.Probe, error) {
	const op = "update_probe"
	if err := validateProbe(op, probe); err != nil {
		return nil, err
	}
	if probe.SLAPolicyID != "" && e.policies != nil && !e.policies.PolicyExists(probe.SLAPolicyID) {
		return nil, errors.NotFound(op, "sla_policy", probe.SLAPolicyID)
	}

	e.mu.Lock()
	existing, ok := e.probes[probe.ID]
	if !ok {
		e.mu.Unlock()
		return nil, errors.NotFound(op, "probe", probe.ID)
	}
	updated := probe.Clone()
	updated.LastRun = existing.LastRun
	updated.LastSuccess = existing.LastSuccess
	updated.ConsecutiveFailures = existing.ConsecutiveFailures
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	e.probes[probe.ID] = updated
	e.mu.Unlock()

	if updated.Status == models.ProbeStatusEnabled {
		e.queue.Upsert(dueTask{ProbeID: updated.ID, DueAt: nextDue(updated, time.Now())})
	} else {
		e.queue.Remove(updated.ID)
	}
	e.persist(updated)
	return updated.Clone(), nil
}

// Delete removes a probe definition. Results already recorded are retained.
func (e *Engine) Delete(probeID string) error {
	e.mu.Lock()
	_, ok := e.probes[probeID]
	if !ok {
		e.mu.Unlock()
		return errors.NotFound("delete_probe", "probe", probeID)
	}
	delete(e.probes, probeID)
	delete(e.results, probeID)
	e.mu.Unlock()

	e.queue.Remove(probeID)
	if e.store != nil {
		return e.store.DeleteProbe(e.tenantID, probeID)
	}
	return nil
}

// Reset returns an ERROR probe to ENABLED and requeues it.
func (e *Engine) Reset(probeID string) error {
	e.mu.Lock()
	probe, ok := e.probes[probeID]
	if !ok {
		e.mu.Unlock()
		return errors.NotFound("reset_probe", "probe", probeID)
	}
	if probe.Status != models.ProbeStatusError {
		e.mu.Unlock()
		return errors.InvalidState("reset_probe", "probe", probeID, string(probe.Status))
	}
	probe.Status = models.ProbeStatusEnabled
	probe.ConsecutiveFailures = 0
	snapshot := probe.Clone()
	e.mu.Unlock()

	e.queue.Upsert(dueTask{ProbeID: probeID, DueAt: time.Now()})
	e.persist(snapshot)
	return nil
}

// Results returns the in-memory result window for a probe since the given
// time, oldest first.
func (e *Engine) Results(probeID string, since time.Time) []models.ProbeResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ring := e.results[probeID]
	out := make([]models.ProbeResult, 0, len(ring))
	for _, r := range ring {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out
}

// Statistics aggregates the result window for the last N hours.
func (e *Engine) Statistics(probeID string, hours int) (stats.ProbeStatistics, error) {
	e.mu.RLock()
	_, ok := e.probes[probeID]
	e.mu.RUnlock()
	if !ok {
		return stats.ProbeStatistics{}, errors.NotFound("get_probe_statistics", "probe", probeID)
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	return stats.Compute(e.Results(probeID, since)), nil
}

// MissedRuns reports how many scheduled executions were skipped because the
// scheduler fell more than one interval behind.
func (e *Engine) MissedRuns() int64 {
	e.missedMu.Lock()
	defer e.missedMu.Unlock()
	return e.missedRuns
}

// Count returns the number of probe definitions.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.probes)
}

func (e *Engine) persist(probe *models.Probe) {
	if e.store != nil {
		if err := e.store.SaveProbe(e.tenantID, probe); err != nil {
			logPersistError("probe", probe.ID, err)
		}
	}
}

func (e *Engine) appendResult(probe *models.Probe, result *models.ProbeResult, prevFailures int) {
	e.mu.Lock()
	ring := append(e.results[probe.ID], *result)
	if max := e.cfg.MaxResultsPerProbe; max > 0 && len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	e.results[probe.ID] = ring
	e.mu.Unlock()

	if e.store != nil {
		e.store.AppendProbeResult(e.tenantID, result)
	}
	if e.hook != nil {
		e.hook(probe.Clone(), result, prevFailures)
	}
}

func logPersistError(entity, id string, err error) {
	log.Warn().Err(err).Str(entity, id).Msg("Persistence write failed")
}

func validateProbe(op string, probe *models.Probe) error {
	if strings.TrimSpace(probe.Name) == "" {
		return errors.Invalid(op, "name", "must not be empty")
	}
	if !models.ValidProbeType(probe.Type) {
		return errors.Invalid(op, "type", "unknown probe type")
	}
	if strings.TrimSpace(probe.Target) == "" {
		return errors.Invalid(op, "target", "must not be empty")
	}
	if probe.IntervalSeconds < 1 || probe.IntervalSeconds > 86400 {
		return errors.Invalid(op, "interval_seconds", "must be in [1, 86400]")
	}
	if probe.TimeoutSeconds < 1 || probe.TimeoutSeconds > 300 {
		return errors.Invalid(op, "timeout_seconds", "must be in [1, 300]")
	}
	if probe.TimeoutSeconds > probe.IntervalSeconds {
		return errors.Invalid(op, "timeout_seconds", "must not exceed interval_seconds")
	}
	return nil
}

func nextDue(probe *models.Probe, now time.Time) time.Time {
	if probe.LastRun.IsZero() {
		return now
	}
	due := probe.LastRun.Add(probe.Interval())
	if due.Before(now) {
		return now
	}
	return due
}
