package hedge

import (
	"sync"
	"time"
)

// MinSamples is the number of samples the read window must hold before a
// hedge deadline is derived from it.
const MinSamples = 10

// slot names one of the tracker's two histogram buffers.
type slot uint8

const (
	slotA slot = iota
	slotB
)

func (s slot) other() slot { return s ^ 1 }

// PercentileTracker tracks response latency over a rotating pair of
// histograms.
//
// Samples are always written to the write-active slot while percentiles are
// read from the other one, which holds the previous complete window. Roles
// flip lazily: the first Record or Threshold after rotationPeriod has
// elapsed swaps them and clears the slot that takes over write duty.
//
// The tracker is safe for concurrent use.
type PercentileTracker struct {
	mu             sync.Mutex
	slots          [2]Histogram
	write          slot
	rotationPeriod time.Duration
	lastRotation   time.Time
	now            func() time.Time
}

// TrackerSnapshot describes the tracker's windows at a point in time.
type TrackerSnapshot struct {
	ReadSamples    uint64        `json:"read_samples"`
	WriteSamples   uint64        `json:"write_samples"`
	LastRotation   time.Time     `json:"last_rotation"`
	RotationPeriod time.Duration `json:"rotation_period"`
}

// NewPercentileTracker creates a tracker rotating every rotationPeriod.
//
// newHistogram builds each of the two windows; if nil, BucketHistogram
// over LatencyBounds is used.
func NewPercentileTracker(
	rotationPeriod time.Duration,
	newHistogram func() Histogram,
) (*PercentileTracker, error) {
	return newPercentileTracker(rotationPeriod, newHistogram, time.Now)
}

func newPercentileTracker(
	rotationPeriod time.Duration,
	newHistogram func() Histogram,
	now func() time.Time,
) (*PercentileTracker, error) {
	if rotationPeriod <= 0 {
		return nil, ErrInvalidRotationPeriod
	}
	if newHistogram == nil {
		newHistogram = defaultHistogram
	}
	return &PercentileTracker{
		slots:          [2]Histogram{newHistogram(), newHistogram()},
		write:          slotA,
		rotationPeriod: rotationPeriod,
		lastRotation:   now(),
		now:            now,
	}, nil
}

func defaultHistogram() Histogram {
	return NewBucketHistogram(LatencyBounds)
}

// Record adds a latency sample to the current write window.
func (t *PercentileTracker) Record(sample time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.maybeRotate()
	t.slots[t.write].Add(sample)
}

// Threshold returns the latency at percentile from the last complete
// window. It reports false when that window holds fewer than minSamples
// samples.
func (t *PercentileTracker) Threshold(percentile float64, minSamples uint64) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.maybeRotate()
	read := t.slots[t.write.other()]
	if read.Count() == 0 || read.Count() < minSamples {
		return 0, false
	}
	return read.Percentile(percentile), true
}

// Snapshot returns the current window sizes. It does not rotate.
func (t *PercentileTracker) Snapshot() TrackerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TrackerSnapshot{
		ReadSamples:    t.slots[t.write.other()].Count(),
		WriteSamples:   t.slots[t.write].Count(),
		LastRotation:   t.lastRotation,
		RotationPeriod: t.rotationPeriod,
	}
}

// maybeRotate must be called with t.mu held.
func (t *PercentileTracker) maybeRotate() {
	now := t.now()
	elapsed := now.Sub(t.lastRotation)
	if elapsed < t.rotationPeriod {
		return
	}

	t.write = t.write.other()
	t.slots[t.write].Clear()
	// After two idle periods the window becoming readable is stale too.
	if elapsed >= 2*t.rotationPeriod {
		t.slots[t.write.other()].Clear()
	}
	t.lastRotation = now
}
