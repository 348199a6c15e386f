package probes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/canopyops/canopy/internal/errors"
	"github.com/canopyops/canopy/internal/metrics"
	"github.com/canopyops/canopy/internal/models"
)

// Run drives the scheduling loop until ctx is cancelled: it waits for the
// next due probe, caps concurrency with a weighted semaphore, and executes
// on worker goroutines. A probe is requeued only after its execution
// finishes, which serializes ticks per probe and keeps result timestamps
// monotonic.
func (e *Engine) Run(ctx context.Context) {
	workers := int64(e.cfg.MaxConcurrentProbes)
	if workers < 1 {
		workers = 1
	}
	sem := semaphore.NewWeighted(workers)
	var wg sync.WaitGroup

	log.Info().Int64("maxConcurrent", workers).Msg("Probe scheduler started")

	for {
		task, ok := e.queue.WaitNext(ctx)
		if !ok {
			break
		}

		e.mu.RLock()
		probe := e.probes[task.ProbeID]
		var snapshot *models.Probe
		if probe != nil {
			snapshot = probe.Clone()
		}
		e.mu.RUnlock()

		if snapshot == nil || snapshot.Status != models.ProbeStatusEnabled {
			// Deleted, disabled, suspended, or errored since queuing
			continue
		}

		// Do not make up arbitrarily-lagged runs: honor only the most
		// recent interval and count the earlier misses.
		if lag := time.Since(task.DueAt); lag > snapshot.Interval() {
			missed := int64(lag / snapshot.Interval())
			e.missedMu.Lock()
			e.missedRuns += missed
			e.missedMu.Unlock()
			for i := int64(0); i < missed; i++ {
				metrics.ProbeMissedRunsTotal.Inc()
			}
		}

		// The semaphore enforces max_concurrent_probes; a probe past the
		// cap waits here and its next_due_at is not advanced until it runs.
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(probe *models.Probe) {
			defer sem.Release(1)
			defer wg.Done()
			e.tick(ctx, probe)
		}(snapshot)
	}

	// Drain in-flight executions
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Probe scheduler drain grace expired")
	}
	log.Info().Msg("Probe scheduler stopped")
}

// tick performs one scheduled execution and requeues the probe.
func (e *Engine) tick(ctx context.Context, snapshot *models.Probe) {
	now := time.Now().UTC()
	result, execErr := e.execute(ctx, snapshot, now)

	e.mu.Lock()
	probe, ok := e.probes[snapshot.ID]
	if !ok {
		e.mu.Unlock()
		return
	}
	probe.LastRun = now
	prevFailures := probe.ConsecutiveFailures
	switch {
	case execErr != nil:
		// Internal executor fault, not a probe failure: stop scheduling
		// until the probe is manually reset.
		probe.Status = models.ProbeStatusError
		log.Error().Err(execErr).Str("probe", probe.ID).Msg("Probe executor internal error")
	case result.Success:
		probe.LastSuccess = now
		probe.ConsecutiveFailures = 0
	default:
		probe.ConsecutiveFailures++
	}
	persisted := probe.Clone()
	e.mu.Unlock()

	e.persist(persisted)

	if execErr != nil {
		return
	}

	metrics.ProbeExecutionsTotal.WithLabelValues(string(snapshot.Type), outcomeLabel(result.Success)).Inc()
	metrics.ProbeDurationSeconds.WithLabelValues(string(snapshot.Type)).Observe(result.ResponseTimeMs / 1000)

	e.appendResult(persisted, result, prevFailures)

	if persisted.Status == models.ProbeStatusEnabled {
		e.queue.Upsert(dueTask{ProbeID: persisted.ID, DueAt: now.Add(persisted.Interval())})
	}
}

// execute runs the executor under the probe's hard deadline, converting a
// panic into an internal error rather than crashing the scheduler.
func (e *Engine) execute(ctx context.Context, probe *models.Probe, start time.Time) (result *models.ProbeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	execCtx, cancel := context.WithDeadline(ctx, start.Add(probe.Timeout()))
	defer cancel()

	result, err = e.executor.Execute(execCtx, probe)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("executor returned no result")
	}
	return result, nil
}

// ExecuteNow runs a probe immediately, outside its cadence, and records the
// result. The scheduler's own queue is untouched.
func (e *Engine) ExecuteNow(ctx context.Context, probeID string) (*models.ProbeResult, error) {
	e.mu.RLock()
	probe, ok := e.probes[probeID]
	var snapshot *models.Probe
	if ok {
		snapshot = probe.Clone()
	}
	e.mu.RUnlock()
	if snapshot == nil {
		return nil, errors.NotFound("execute_probe", "probe", probeID)
	}

	now := time.Now().UTC()
	result, execErr := e.execute(ctx, snapshot, now)
	if execErr != nil {
		return nil, execErr
	}

	var prevFailures int
	e.mu.Lock()
	if live, stillThere := e.probes[probeID]; stillThere {
		live.LastRun = now
		prevFailures = live.ConsecutiveFailures
		if result.Success {
			live.LastSuccess = now
			live.ConsecutiveFailures = 0
		} else {
			live.ConsecutiveFailures++
		}
		snapshot = live.Clone()
	}
	e.mu.Unlock()

	e.persist(snapshot)
	e.appendResult(snapshot, result, prevFailures)
	return result, nil
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
