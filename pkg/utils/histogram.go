package utils

import (
	"math"
	"sync"
	"time"
)

// HistogramBucket is a single bucket with an inclusive upper bound in milliseconds.
type HistogramBucket struct {
	UpperBound float64
	Count      uint64
}

// LatencyHistogram tracks request latencies in fixed millisecond buckets.
type LatencyHistogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []uint64
	sum    float64
	total  uint64
}

// defaultLatencyBounds covers sub-millisecond commits up to multi-second
// view-change stalls.
var defaultLatencyBounds = []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// NewLatencyHistogram constructs a histogram with the provided bucket bounds.
// A trailing +Inf bound is appended if missing; nil bounds select defaults.
func NewLatencyHistogram(bounds []float64) *LatencyHistogram {
	if len(bounds) == 0 {
		bounds = defaultLatencyBounds
	}
	b := make([]float64, len(bounds))
	copy(b, bounds)
	if b[len(b)-1] != math.Inf(1) {
		b = append(b, math.Inf(1))
	}
	return &LatencyHistogram{
		bounds: b,
		counts: make([]uint64, len(b)),
	}
}

// Observe records a latency measurement in milliseconds.
func (h *LatencyHistogram) Observe(ms float64) {
	if ms < 0 {
		ms = 0
	}
	h.mu.Lock()
	h.total++
	h.sum += ms
	for i, bound := range h.bounds {
		if ms <= bound {
			h.counts[i]++
			break
		}
	}
	h.mu.Unlock()
}

// ObserveDuration records a latency measurement from a duration.
func (h *LatencyHistogram) ObserveDuration(d time.Duration) {
	h.Observe(float64(d) / float64(time.Millisecond))
}

// Count returns the number of recorded observations.
func (h *LatencyHistogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Mean returns the average observed latency, or 0 with no samples.
func (h *LatencyHistogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.total == 0 {
		return 0
	}
	return h.sum / float64(h.total)
}

// Snapshot returns a copy of the buckets, total count and cumulative sum.
func (h *LatencyHistogram) Snapshot() ([]HistogramBucket, uint64, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistogramBucket, len(h.bounds))
	for i := range h.bounds {
		out[i] = HistogramBucket{UpperBound: h.bounds[i], Count: h.counts[i]}
	}
	return out, h.total, h.sum
}

// Quantile estimates the latency at quantile q in [0, 1] by linear
// interpolation within the containing bucket. Returns 0 with no samples.
func (h *LatencyHistogram) Quantile(q float64) float64 {
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.total == 0 {
		return 0
	}
	target := uint64(math.Ceil(float64(h.total) * q))
	if target == 0 {
		target = 1
	}
	var cumulative uint64
	lower := 0.0
	for i, count := range h.counts {
		upper := h.bounds[i]
		if cumulative+count >= target {
			if count == 0 || math.IsInf(upper, 1) {
				return lower
			}
			frac := float64(target-cumulative) / float64(count)
			return lower + (upper-lower)*frac
		}
		cumulative += count
		lower = upper
	}
	return lower
}
