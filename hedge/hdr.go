package hedge

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// HDRHistogram adapts an HdrHistogram to the Histogram interface.
//
// Samples are stored with microsecond resolution and clamped to the
// trackable range given at construction.
type HDRHistogram struct {
	impl   *hdrhistogram.Histogram
	lowest int64
	max    int64
}

// NewHDRHistogram creates an HDR-backed histogram tracking latencies
// between lowest and highest with the given number of significant figures
// (1 to 5).
func NewHDRHistogram(lowest, highest time.Duration, sigFigs int) *HDRHistogram {
	lo := lowest.Microseconds()
	if lo < 1 {
		lo = 1
	}
	hi := highest.Microseconds()
	if hi < 2*lo {
		hi = 2 * lo
	}
	return &HDRHistogram{
		impl:   hdrhistogram.New(lo, hi, sigFigs),
		lowest: lo,
		max:    hi,
	}
}

// Add records d, clamped to the trackable range.
func (h *HDRHistogram) Add(d time.Duration) {
	v := d.Microseconds()
	if v < h.lowest {
		v = h.lowest
	}
	if v > h.max {
		v = h.max
	}
	if err := h.impl.RecordValue(v); err != nil {
		return
	}
}

// Count returns the number of recorded samples.
func (h *HDRHistogram) Count() uint64 {
	return uint64(h.impl.TotalCount())
}

// Percentile returns the value at percentile p.
func (h *HDRHistogram) Percentile(p float64) time.Duration {
	return time.Duration(h.impl.ValueAtQuantile(p)) * time.Microsecond
}

// Clear resets the histogram.
func (h *HDRHistogram) Clear() {
	h.impl.Reset()
}
