package hedge

import (
	"math"
	"time"
)

// Histogram is a bucketed latency distribution.
//
// Implementations are not required to be safe for concurrent use; the
// PercentileTracker serializes every access.
type Histogram interface {
	// Add records a single latency sample.
	Add(d time.Duration)

	// Count returns the number of samples recorded since the last Clear.
	Count() uint64

	// Percentile returns the latency below which p percent of the samples
	// fall. p is in (0, 100]. The result is undefined when Count is zero.
	Percentile(p float64) time.Duration

	// Clear drops every recorded sample.
	Clear()
}

// LatencyBounds are the default bucket upper bounds for request latency.
//
// The bounds mirror the resolution usually exported for proxy latency
// histograms: single milliseconds for fast local calls, then one
// significant digit per decade up to 50 seconds.
var LatencyBounds = []time.Duration{
	1 * time.Millisecond,
	2 * time.Millisecond,
	3 * time.Millisecond,
	4 * time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	20 * time.Millisecond,
	30 * time.Millisecond,
	40 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	300 * time.Millisecond,
	400 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	3 * time.Second,
	4 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
	40 * time.Second,
	50 * time.Second,
}

// BucketHistogram counts samples into fixed, monotonically increasing
// buckets. A sample falls into the first bucket whose bound is greater than
// or equal to it; samples above the last bound go to an overflow bucket.
type BucketHistogram struct {
	bounds  []time.Duration
	buckets []uint64
	total   uint64
	max     time.Duration
}

// NewBucketHistogram creates a histogram over the given bounds.
//
// bounds must be sorted in increasing order. If bounds is empty,
// LatencyBounds is used.
func NewBucketHistogram(bounds []time.Duration) *BucketHistogram {
	if len(bounds) == 0 {
		bounds = LatencyBounds
	}
	return &BucketHistogram{
		bounds:  bounds,
		buckets: make([]uint64, len(bounds)+1),
	}
}

// Add records a latency sample.
func (h *BucketHistogram) Add(d time.Duration) {
	h.buckets[h.index(d)]++
	h.total++
	if d > h.max {
		h.max = d
	}
}

// index returns the bucket for d using a binary search over the bounds.
func (h *BucketHistogram) index(d time.Duration) int {
	lo, hi := 0, len(h.bounds)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if h.bounds[mid] < d {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Count returns the number of recorded samples.
func (h *BucketHistogram) Count() uint64 {
	return h.total
}

// Percentile returns the upper bound of the bucket holding the p-th
// percentile sample. For the overflow bucket the largest recorded sample
// is returned instead.
func (h *BucketHistogram) Percentile(p float64) time.Duration {
	if h.total == 0 {
		return 0
	}

	target := uint64(math.Ceil(p / 100 * float64(h.total)))
	if target < 1 {
		target = 1
	}
	if target > h.total {
		target = h.total
	}

	var cumulative uint64
	for i, n := range h.buckets {
		cumulative += n
		if cumulative >= target {
			if i < len(h.bounds) {
				return h.bounds[i]
			}
			break
		}
	}
	return h.max
}

// Clear zeroes every bucket.
func (h *BucketHistogram) Clear() {
	clear(h.buckets)
	h.total = 0
	h.max = 0
}
