// Package flows ingests sampled flow records and computes traffic analytics
// over configurable time windows. Counters for a collector are serialized by
// the aggregator's write lock; analytic reads work on snapshots.
package flows

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/canopyops/canopy/internal/config"
	"github.com/canopyops/canopy/internal/errors"
	"github.com/canopyops/canopy/internal/metrics"
	"github.com/canopyops/canopy/internal/models"
	"github.com/canopyops/canopy/internal/store"
)

// Aggregator owns flow collectors and the in-memory flow window for one
// tenant.
type Aggregator struct {
	tenantID string
	cfg      config.FlowSettings
	store    *store.Store

	mu         sync.RWMutex
	collectors map[string]*models.FlowCollector
	flows      []models.FlowRecord // bounded ring, oldest first
}

// NewAggregator constructs the flow aggregator for a tenant. The store may
// be nil in tests.
func NewAggregator(tenantID string, cfg config.FlowSettings, st *store.Store) *Aggregator {
	return &Aggregator{
		tenantID:   tenantID,
		cfg:        cfg,
		store:      st,
		collectors: make(map[string]*models.FlowCollector),
	}
}

// LoadFromStore restores persisted collector definitions.
func (a *Aggregator) LoadFromStore() error {
	if a.store == nil {
		return nil
	}
	collectors, err := a.store.LoadFlowCollectors(a.tenantID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range collectors {
		a.collectors[c.ID] = c
	}
	return nil
}

// CreateCollector validates and registers a flow collector.
func (a *Aggregator) CreateCollector(collector *models.FlowCollector) (*models.FlowCollector, error) {
	const op = "create_flow_collector"
	if strings.TrimSpace(collector.Name) == "" {
		return nil, errors.Invalid(op, "name", "must not be empty")
	}
	switch collector.FlowType {
	case models.FlowTypeNetFlow, models.FlowTypeSFlow, models.FlowTypeIPFIX, models.FlowTypeJFlow:
	default:
		return nil, errors.Invalid(op, "flow_type", "unknown flow type")
	}
	if collector.ListenPort < 1 || collector.ListenPort > 65535 {
		return nil, errors.Invalid(op, "listen_port", "must be in [1, 65535]")
	}
	if collector.SamplingRate == 0 {
		collector.SamplingRate = a.cfg.DefaultSamplingRate
	}
	if collector.SamplingRate < 1 {
		return nil, errors.Invalid(op, "sampling_rate", "must be >= 1")
	}

	copied := *collector
	if copied.ID == "" {
		copied.ID = uuid.NewString()
	}
	if copied.Status == "" {
		copied.Status = models.CollectorStatusActive
	}
	copied.CreatedAt = time.Now().UTC()

	a.mu.Lock()
	if _, exists := a.collectors[copied.ID]; exists {
		a.mu.Unlock()
		return nil, errors.Conflict(op, "flow_collector", copied.ID)
	}
	a.collectors[copied.ID] = &copied
	a.mu.Unlock()

	a.persistCollector(&copied)
	out := copied
	return &out, nil
}

// GetCollector returns a copy of the collector with current counters.
func (a *Aggregator) GetCollector(collectorID string) (*models.FlowCollector, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.collectors[collectorID]
	if !ok {
		return nil, errors.NotFound("get_flow_collector", "flow_collector", collectorID)
	}
	copied := *c
	return &copied, nil
}

// ListCollectors returns all collectors sorted by name.
func (a *Aggregator) ListCollectors() []*models.FlowCollector {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*models.FlowCollector, 0, len(a.collectors))
	for _, c := range a.collectors {
		copied := *c
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DeleteCollector removes a collector. Ingested flows are retained.
func (a *Aggregator) DeleteCollector(collectorID string) error {
	a.mu.Lock()
	_, ok := a.collectors[collectorID]
	if !ok {
		a.mu.Unlock()
		return errors.NotFound("delete_flow_collector", "flow_collector", collectorID)
	}
	delete(a.collectors, collectorID)
	a.mu.Unlock()

	if a.store != nil {
		return a.store.DeleteFlowCollector(a.tenantID, collectorID)
	}
	return nil
}

// Ingest validates and appends one flow record. The record's Bytes and
// Packets are scaled by the collector's sampling rate; the exporter-reported
// values are retained in Raw. Ingest never returns an error for malformed
// data: invalid records increment the collector's dropped counter and are
// skipped.
func (a *Aggregator) Ingest(record models.FlowRecord) {
	a.mu.Lock()
	collector, ok := a.collectors[record.CollectorID]
	if !ok {
		a.mu.Unlock()
		metrics.FlowsDroppedTotal.WithLabelValues("unknown").Inc()
		log.Debug().Str("collector", record.CollectorID).Msg("Flow for unknown collector dropped")
		return
	}
	if collector.Status != models.CollectorStatusActive || !validFlow(&record) {
		collector.DroppedFlows++
		a.mu.Unlock()
		metrics.FlowsDroppedTotal.WithLabelValues(collector.ID).Inc()
		return
	}

	record.Raw = models.RawCounters{Packets: record.Packets, Bytes: record.Bytes}
	rate := int64(collector.SamplingRate)
	record.Packets *= rate
	record.Bytes *= rate
	record.IngestedAt = time.Now().UTC()
	if record.ID == "" {
		record.ID = ulid.Make().String()
	}

	collector.FlowsReceived++
	collector.BytesReceived += record.Bytes
	collector.LastFlow = record.IngestedAt

	a.flows = append(a.flows, record)
	evicted := 0
	if max := a.cfg.MaxMemoryFlows; max > 0 && len(a.flows) > max {
		evicted = len(a.flows) - max
		a.flows = a.flows[evicted:]
		if a.store == nil {
			// No spill target: the eviction is a loss
			collector.DroppedFlows += int64(evicted)
		}
	}
	a.mu.Unlock()

	metrics.FlowsIngestedTotal.WithLabelValues(collector.ID).Inc()
	if evicted > 0 && a.store == nil {
		metrics.FlowsDroppedTotal.WithLabelValues(collector.ID).Add(float64(evicted))
	}
	if a.store != nil {
		a.store.AppendFlowRecord(a.tenantID, &record)
	}
}

func validFlow(f *models.FlowRecord) bool {
	if f.SrcAddr == "" || f.DstAddr == "" {
		return false
	}
	if f.SrcPort < 0 || f.SrcPort > 65535 || f.DstPort < 0 || f.DstPort > 65535 {
		return false
	}
	if f.Protocol < 0 || f.Protocol > 255 {
		return false
	}
	if f.Packets < 0 || f.Bytes < 0 {
		return false
	}
	return true
}

// snapshot returns in-memory flows ingested in [start, end], optionally
// restricted to one collector.
func (a *Aggregator) snapshot(start, end time.Time, collectorID string) []models.FlowRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.FlowRecord, 0, len(a.flows))
	for _, f := range a.flows {
		if f.IngestedAt.Before(start) || f.IngestedAt.After(end) {
			continue
		}
		if collectorID != "" && f.CollectorID != collectorID {
			continue
		}
		out = append(out, f)
	}
	return out
}

// FlowCount returns the number of flows held in memory.
func (a *Aggregator) FlowCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.flows)
}

func (a *Aggregator) persistCollector(c *models.FlowCollector) {
	if a.store != nil {
		if err := a.store.SaveFlowCollector(a.tenantID, c); err != nil {
			log.Warn().Err(err).Str("collector", c.ID).Msg("Collector persistence failed")
		}
	}
}
