// Package stats computes availability, latency, error-rate, and dynamic
// threshold statistics from measurement slices. All functions are pure and
// operate on copies; callers hand in whatever window they filtered.
package stats

import (
	"math"
	"sort"

	"github.com/canopyops/canopy/internal/errors"
	"github.com/canopyops/canopy/internal/models"
)

// LatencyStats summarizes successful-response latencies.
type LatencyStats struct {
	AverageMs float64 `json:"averageMs"`
	MinMs     float64 `json:"minMs"`
	MaxMs     float64 `json:"maxMs"`
	P50Ms     float64 `json:"p50Ms"`
	P90Ms     float64 `json:"p90Ms"`
	P95Ms     float64 `json:"p95Ms"`
	P99Ms     float64 `json:"p99Ms"`
	Samples   int     `json:"samples"`
}

// ProbeStatistics is the aggregate view over a result window.
type ProbeStatistics struct {
	TotalRuns           int          `json:"totalRuns"`
	SuccessfulRuns      int          `json:"successfulRuns"`
	FailedRuns          int          `json:"failedRuns"`
	AvailabilityPercent float64      `json:"availabilityPercent"`
	ErrorRatePercent    float64      `json:"errorRatePercent"`
	Latency             LatencyStats `json:"latency"`
}

// Compute derives the aggregate statistics for a result slice. Latency
// figures only consider successful results.
func Compute(results []models.ProbeResult) ProbeStatistics {
	stats := ProbeStatistics{TotalRuns: len(results)}
	if len(results) == 0 {
		return stats
	}

	latencies := make([]float64, 0, len(results))
	for _, r := range results {
		if r.Success {
			stats.SuccessfulRuns++
			latencies = append(latencies, r.ResponseTimeMs)
		} else {
			stats.FailedRuns++
		}
	}

	stats.AvailabilityPercent = Availability(stats.SuccessfulRuns, stats.TotalRuns)
	stats.ErrorRatePercent = 100 - stats.AvailabilityPercent
	stats.Latency = Latency(latencies)
	return stats
}

// Availability returns 100 * successful / total, exact; zero totals yield 0.
func Availability(successful, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(successful) / float64(total)
}

// Latency summarizes a latency vector. The input is not mutated.
func Latency(values []float64) LatencyStats {
	stats := LatencyStats{Samples: len(values)}
	if len(values) == 0 {
		return stats
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	stats.AverageMs = sum / float64(len(sorted))
	stats.MinMs = sorted[0]
	stats.MaxMs = sorted[len(sorted)-1]
	stats.P50Ms = percentileSorted(sorted, 50)
	stats.P90Ms = percentileSorted(sorted, 90)
	stats.P95Ms = percentileSorted(sorted, 95)
	stats.P99Ms = percentileSorted(sorted, 99)
	return stats
}

// Percentile returns the p-th percentile of values by index into the sorted
// vector: index = ceil(len * p/100) - 1, clamped to [0, len-1].
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []float64, p float64) float64 {
	idx := int(math.Ceil(float64(len(sorted))*p/100)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Mean returns the arithmetic mean; empty input yields 0.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Stdev returns the population standard deviation.
func Stdev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}

// RemoveOutliersIQR drops values outside [Q1 - 1.5*IQR, Q3 + 1.5*IQR].
func RemoveOutliersIQR(values []float64) []float64 {
	if len(values) < 4 {
		return append([]float64(nil), values...)
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	q1 := percentileSorted(sorted, 25)
	q3 := percentileSorted(sorted, 75)
	iqr := q3 - q1
	lower := q1 - 1.5*iqr
	upper := q3 + 1.5*iqr

	cleaned := make([]float64, 0, len(values))
	for _, v := range values {
		if v >= lower && v <= upper {
			cleaned = append(cleaned, v)
		}
	}
	return cleaned
}

// DynamicThresholds are statistically derived alerting bounds.
type DynamicThresholds struct {
	WarningUpper     float64 `json:"warningUpper"`
	CriticalUpper    float64 `json:"criticalUpper"`
	WarningLower     float64 `json:"warningLower"`
	CriticalLower    float64 `json:"criticalLower"`
	Mean             float64 `json:"mean"`
	Stdev            float64 `json:"stdev"`
	SampleCount      int     `json:"sampleCount"`
	InsufficientData bool    `json:"insufficientData"`
}

const dynamicThresholdMinSamples = 10

// ComputeDynamicThresholds derives mean +/- z*stdev bounds from history after
// IQR outlier removal. Only the 0.95 and 0.99 confidence levels are
// supported; anything else is rejected rather than silently coerced.
func ComputeDynamicThresholds(history []float64, confidenceLevel float64) (DynamicThresholds, error) {
	var warningZ, criticalZ float64
	switch confidenceLevel {
	case 0.95:
		warningZ, criticalZ = 1.96, 2.58
	case 0.99:
		warningZ, criticalZ = 2.58, 3.29
	default:
		return DynamicThresholds{}, errors.Invalid("compute_dynamic_thresholds", "confidence_level", "supported levels are 0.95 and 0.99")
	}

	cleaned := RemoveOutliersIQR(history)
	if len(cleaned) < dynamicThresholdMinSamples {
		return DynamicThresholds{SampleCount: len(cleaned), InsufficientData: true}, nil
	}

	mean := Mean(cleaned)
	stdev := Stdev(cleaned)
	return DynamicThresholds{
		WarningUpper:  mean + warningZ*stdev,
		CriticalUpper: mean + criticalZ*stdev,
		WarningLower:  mean - warningZ*stdev,
		CriticalLower: mean - criticalZ*stdev,
		Mean:          mean,
		Stdev:         stdev,
		SampleCount:   len(cleaned),
	}, nil
}
