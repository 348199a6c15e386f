package probes

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/canopyops/canopy/internal/models"
)

// SimulatedExecutor replaces network I/O with a deterministic pseudo-random
// success model for testing. Each probe gets its own generator seeded from
// the probe ID, so runs replay identically.
//
// Per-probe parameters:
//
//	sim_success_rate  probability of success in [0, 1] (default 0.98)
//	sim_mean_ms       median latency of the log-normal draw (default 20)
//	sim_sigma         log-space standard deviation (default 0.3)
type SimulatedExecutor struct {
	mu   sync.Mutex
	rngs map[string]*rand.Rand
}

// NewSimulatedExecutor returns a fresh simulator.
func NewSimulatedExecutor() *SimulatedExecutor {
	return &SimulatedExecutor{rngs: make(map[string]*rand.Rand)}
}

// Execute implements Executor.
func (s *SimulatedExecutor) Execute(ctx context.Context, probe *models.Probe) (*models.ProbeResult, error) {
	successRate := paramFloat(probe, "sim_success_rate", 0.98)
	meanMs := paramFloat(probe, "sim_mean_ms", 20)
	sigma := paramFloat(probe, "sim_sigma", 0.3)

	result := &models.ProbeResult{
		ID:        ulid.Make().String(),
		ProbeID:   probe.ID,
		Timestamp: time.Now().UTC(),
	}

	// The per-probe rand.Rand is not thread safe; draws stay under the map
	// mutex so an on-demand execution racing a scheduled tick is serialized.
	s.mu.Lock()
	rng := s.rngLocked(probe.ID)
	failed := rng.Float64() >= successRate
	var latency float64
	if !failed {
		// Log-normal latency with median meanMs
		latency = meanMs * math.Exp(rng.NormFloat64()*sigma)
	}
	s.mu.Unlock()

	if failed {
		result.ErrorMessage = "simulated failure"
		return result, nil
	}
	result.Success = true
	result.ResponseTimeMs = latency
	result.Metrics = map[string]float64{"rtt_ms": latency}
	return result, nil
}

func (s *SimulatedExecutor) rngLocked(probeID string) *rand.Rand {
	rng, ok := s.rngs[probeID]
	if !ok {
		h := fnv.New64a()
		h.Write([]byte(probeID))
		rng = rand.New(rand.NewSource(int64(h.Sum64())))
		s.rngs[probeID] = rng
	}
	return rng
}

func paramFloat(probe *models.Probe, key string, fallback float64) float64 {
	v, ok := probe.Parameters[key]
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
