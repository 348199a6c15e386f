package stats

import (
	"math"
	"testing"

	"github.com/canopyops/canopy/internal/errors"
	"github.com/canopyops/canopy/internal/models"
)

func TestAvailabilityExact(t *testing.T) {
	if got := Availability(999, 1000); got != 99.9 {
		t.Fatalf("expected 99.9, got %v", got)
	}
	if got := Availability(0, 0); got != 0 {
		t.Fatalf("empty window should yield 0, got %v", got)
	}
	if got := Availability(5, 5); got != 100 {
		t.Fatalf("all-success should yield 100, got %v", got)
	}
}

func TestPercentileIndexing(t *testing.T) {
	values := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

	cases := []struct {
		p    float64
		want float64
	}{
		{50, 50},  // ceil(10*0.50)-1 = 4
		{90, 90},  // ceil(10*0.90)-1 = 8
		{95, 100}, // ceil(10*0.95)-1 = 9
		{99, 100},
		{100, 100},
	}
	for _, tc := range cases {
		if got := Percentile(values, tc.p); got != tc.want {
			t.Fatalf("p%v: expected %v, got %v", tc.p, tc.want, got)
		}
	}
}

func TestPercentileSingleValue(t *testing.T) {
	if got := Percentile([]float64{42}, 99); got != 42 {
		t.Fatalf("single value: expected 42, got %v", got)
	}
	if got := Percentile(nil, 50); got != 0 {
		t.Fatalf("empty: expected 0, got %v", got)
	}
}

func TestComputeSkipsFailedLatencies(t *testing.T) {
	results := []models.ProbeResult{
		{Success: true, ResponseTimeMs: 10},
		{Success: false, ResponseTimeMs: 9999},
		{Success: true, ResponseTimeMs: 30},
		{Success: false},
	}
	stats := Compute(results)
	if stats.TotalRuns != 4 || stats.SuccessfulRuns != 2 || stats.FailedRuns != 2 {
		t.Fatalf("counts wrong: %+v", stats)
	}
	if stats.AvailabilityPercent != 50 {
		t.Fatalf("expected availability 50, got %v", stats.AvailabilityPercent)
	}
	if stats.Latency.AverageMs != 20 {
		t.Fatalf("failed latencies leaked into average: got %v", stats.Latency.AverageMs)
	}
	if stats.Latency.Samples != 2 {
		t.Fatalf("expected 2 latency samples, got %d", stats.Latency.Samples)
	}
}

func TestRemoveOutliersIQR(t *testing.T) {
	values := []float64{10, 11, 12, 13, 14, 15, 16, 17, 18, 1000}
	cleaned := RemoveOutliersIQR(values)
	for _, v := range cleaned {
		if v == 1000 {
			t.Fatalf("outlier survived IQR removal")
		}
	}
	if len(cleaned) != 9 {
		t.Fatalf("expected 9 survivors, got %d", len(cleaned))
	}
}

func TestRemoveOutliersIQRSmallInput(t *testing.T) {
	values := []float64{1, 2, 1000}
	cleaned := RemoveOutliersIQR(values)
	if len(cleaned) != 3 {
		t.Fatalf("fewer than 4 points must pass through, got %d", len(cleaned))
	}
}

func TestStdevPopulation(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	if got := Stdev(values); math.Abs(got-2) > 1e-9 {
		t.Fatalf("expected population stdev 2, got %v", got)
	}
}

func TestDynamicThresholds95(t *testing.T) {
	history := make([]float64, 0, 20)
	for i := 0; i < 20; i++ {
		history = append(history, 100+float64(i%5))
	}
	thresholds, err := ComputeDynamicThresholds(history, 0.95)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu := Mean(history)
	sigma := Stdev(history)
	if math.Abs(thresholds.WarningUpper-(mu+1.96*sigma)) > 1e-9 {
		t.Fatalf("warning upper wrong: %v", thresholds.WarningUpper)
	}
	if math.Abs(thresholds.CriticalUpper-(mu+2.58*sigma)) > 1e-9 {
		t.Fatalf("critical upper wrong: %v", thresholds.CriticalUpper)
	}
}

func TestDynamicThresholdsRejectsUnknownConfidence(t *testing.T) {
	history := make([]float64, 20)
	_, err := ComputeDynamicThresholds(history, 0.90)
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDynamicThresholdsInsufficientData(t *testing.T) {
	thresholds, err := ComputeDynamicThresholds([]float64{1, 2, 3}, 0.95)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !thresholds.InsufficientData {
		t.Fatalf("expected insufficient_data with 3 points")
	}
}
