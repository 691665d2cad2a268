package health

import (
	"sort"
	"sync"
)

const (
	defaultLatencyWindow = 100
	minLatencySamples    = 5
)

// LatencyTracker keeps a fixed-size window of feed latency samples in
// milliseconds and reports percentile summaries over it.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

func NewLatencyTracker(window int) *LatencyTracker {
	if window <= 0 {
		window = defaultLatencyWindow
	}
	return &LatencyTracker{samples: make([]float64, window)}
}

// Record adds one sample, evicting the oldest when the window is full.
func (t *LatencyTracker) Record(ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[t.next] = ms
	t.next++
	if t.next == len(t.samples) {
		t.next = 0
		t.full = true
	}
}

func (t *LatencyTracker) snapshot() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.next
	if t.full {
		n = len(t.samples)
	}
	out := make([]float64, n)
	copy(out, t.samples[:n])
	return out
}

// Percentiles returns (p50, p95) over the current window. The median is nil
// only while the window is empty; the tail percentile needs at least
// minLatencySamples before it means anything.
func (t *LatencyTracker) Percentiles() (p50, p95 *float64) {
	samples := t.snapshot()
	if len(samples) == 0 {
		return nil, nil
	}
	sort.Float64s(samples)

	median := samples[len(samples)/2]
	if len(samples)%2 == 0 {
		median = (samples[len(samples)/2-1] + samples[len(samples)/2]) / 2
	}
	p50 = &median

	if len(samples) < minLatencySamples {
		return p50, nil
	}
	idx := int(float64(len(samples)) * 0.95)
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	tail := samples[idx]
	return p50, &tail
}
