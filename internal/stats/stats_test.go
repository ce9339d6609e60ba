package stats

import (
	"math"
	"sync"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCollector_RunningMeanIsExact(t *testing.T) {
	c := NewCollector()

	c.Record(10, true)
	c.Record(20, true)
	c.Record(60, true)

	snap := c.Snapshot()
	if !almostEqual(snap.AvgLatencyMs, 30) {
		t.Fatalf("expected mean 30, got %v", snap.AvgLatencyMs)
	}
	if snap.Requests != 3 {
		t.Fatalf("expected 3 requests, got %d", snap.Requests)
	}
}

func TestCollector_P95NeedsMoreThanTenSamples(t *testing.T) {
	c := NewCollector()

	for i := 1; i <= 10; i++ {
		c.Record(float64(i), true)
	}
	if p := c.Snapshot().P95LatencyMs; p != 0 {
		t.Fatalf("expected no p95 at 10 samples, got %v", p)
	}

	c.Record(11, true)
	if p := c.Snapshot().P95LatencyMs; p == 0 {
		t.Fatal("expected p95 to be reported at 11 samples")
	}
}

func TestCollector_P95OverFullWindow(t *testing.T) {
	c := NewCollector()

	for i := 1; i <= 100; i++ {
		c.Record(float64(i), true)
	}

	if p := c.Snapshot().P95LatencyMs; !almostEqual(p, 96) {
		t.Fatalf("expected p95 of 96 for latencies 1..100, got %v", p)
	}
}

func TestCollector_RingEvictsOldest(t *testing.T) {
	c := NewCollector()

	// 200 samples; only 101..200 remain in the window.
	for i := 1; i <= 200; i++ {
		c.Record(float64(i), true)
	}

	if p := c.Snapshot().P95LatencyMs; !almostEqual(p, 196) {
		t.Fatalf("expected p95 of 196 over the last 100 samples, got %v", p)
	}
}

func TestCollector_AvailabilityFormula(t *testing.T) {
	c := NewCollector()

	// A fresh service reports 100%.
	if a := c.Snapshot().AvailabilityPct; !almostEqual(a, 100) {
		t.Fatalf("expected fresh availability 100, got %v", a)
	}

	c.Record(5, true)
	c.Record(5, true)
	c.Record(5, false)

	// (3 + 1 - 1) / (3 + 1) * 100 = 75
	snap := c.Snapshot()
	if !almostEqual(snap.AvailabilityPct, 75) {
		t.Fatalf("expected availability 75, got %v", snap.AvailabilityPct)
	}
	if snap.Errors != 1 {
		t.Fatalf("expected 1 error, got %d", snap.Errors)
	}
}

func TestCollector_ErrorLatencyStillFeedsMean(t *testing.T) {
	c := NewCollector()

	c.Record(100, false)
	c.Record(200, true)

	if avg := c.Snapshot().AvgLatencyMs; !almostEqual(avg, 150) {
		t.Fatalf("expected mean 150 including failed calls, got %v", avg)
	}
}

func TestCollector_ConcurrentRecord(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				c.Record(1, j%2 == 0)
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.Requests != 2000 {
		t.Fatalf("expected 2000 requests, got %d", snap.Requests)
	}
	if snap.Errors != 1000 {
		t.Fatalf("expected 1000 errors, got %d", snap.Errors)
	}
	if !almostEqual(snap.AvgLatencyMs, 1) {
		t.Fatalf("expected mean 1, got %v", snap.AvgLatencyMs)
	}
}
