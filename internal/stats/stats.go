// Package stats tracks per-service latency and outcome aggregates for the
// gateway's own reporting, independent of the exported Prometheus series.
package stats

import (
	"sort"
	"sync"
)

const (
	// ringCapacity bounds the latency window used for percentiles.
	ringCapacity = 100
	// minSamplesForP95 is the sample count that must be exceeded before a
	// percentile is reported.
	minSamplesForP95 = 10
)

// Collector accumulates call outcomes for one service.
type Collector struct {
	mu       sync.Mutex
	requests uint64
	errors   uint64
	avgMs    float64
	ring     []float64
	head     int
	size     int
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{ring: make([]float64, ringCapacity)}
}

// Record folds one call into the aggregates. Failed calls, timeouts
// included, count toward the error total; their latency still feeds the
// mean and the percentile window.
func (c *Collector) Record(latencyMs float64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests++
	if !success {
		c.errors++
	}

	n := float64(c.requests)
	c.avgMs = (c.avgMs*(n-1) + latencyMs) / n

	c.ring[c.head] = latencyMs
	c.head = (c.head + 1) % ringCapacity
	if c.size < ringCapacity {
		c.size++
	}
}

// Snapshot is a point-in-time view of a collector.
type Snapshot struct {
	Requests        uint64  `json:"request_count"`
	Errors          uint64  `json:"error_count"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	P95LatencyMs    float64 `json:"p95_latency_ms"`
	AvailabilityPct float64 `json:"availability_pct"`
}

// Snapshot returns the current aggregates. Availability starts at 100% for
// a service that has not seen traffic yet and degrades with errors.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := float64(c.requests) + 1
	return Snapshot{
		Requests:        c.requests,
		Errors:          c.errors,
		AvgLatencyMs:    c.avgMs,
		P95LatencyMs:    c.p95Locked(),
		AvailabilityPct: (total - float64(c.errors)) / total * 100,
	}
}

// p95Locked reports the 95th percentile over the retained window, or 0
// until the window holds more than minSamplesForP95 samples.
func (c *Collector) p95Locked() float64 {
	if c.size <= minSamplesForP95 {
		return 0
	}
	window := make([]float64, c.size)
	copy(window, c.ring[:c.size])
	sort.Float64s(window)
	return window[int(0.95*float64(len(window)))]
}
