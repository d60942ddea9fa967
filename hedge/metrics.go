package hedge

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Reasons a hedge was not issued, reported as hedge.reason.
const (
	reasonInsufficientData = "insufficient_data"
	reasonNotClonable      = "not_clonable"
	reasonPolicyDenied     = "policy_denied"
	reasonBackpressure     = "backpressure"
	reasonTimerFailure     = "timer_failure"
)

// metrics holds the metric instruments for hedging decisions.
type metrics struct {
	// hedges counts hedge attempts issued.
	hedges metric.Int64Counter

	// wins counts completed calls by the attempt that produced the result.
	wins metric.Int64Counter

	// latency measures the samples written to the tracker, in seconds.
	latency metric.Float64Histogram

	// threshold measures the hedge delay armed for a call, in seconds.
	threshold metric.Float64Histogram

	// skipped counts calls where a hedge was withheld, by reason. A call is
	// counted at most once per reason.
	skipped metric.Int64Counter
}

// latencyBuckets follow the OTel semconv recommendation for request durations.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
}

// newMetrics creates and registers metric instruments.
func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error

	m.hedges, err = meter.Int64Counter(
		"hedge.requests",
		metric.WithDescription("Number of hedge requests issued"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.wins, err = meter.Int64Counter(
		"hedge.wins",
		metric.WithDescription("Number of completed calls by winning attempt"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.latency, err = meter.Float64Histogram(
		"hedge.latency",
		metric.WithDescription("Latency of hedged calls as recorded by the tracker in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if err != nil {
		return nil, err
	}

	m.threshold, err = meter.Float64Histogram(
		"hedge.threshold",
		metric.WithDescription("Hedge delay derived from the latency percentile in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if err != nil {
		return nil, err
	}

	m.skipped, err = meter.Int64Counter(
		"hedge.skipped",
		metric.WithDescription("Number of calls where a hedge was withheld"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// recordHedge records a hedge attempt being issued.
func (m *metrics) recordHedge(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.hedges == nil {
		return
	}
	m.hedges.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordWin records which attempt completed a call.
func (m *metrics) recordWin(ctx context.Context, winner string, attrs []attribute.KeyValue) {
	if m == nil || m.wins == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs, attribute.String("hedge.winner", winner))
	m.wins.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

// recordLatency records a latency sample written to the tracker.
func (m *metrics) recordLatency(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.latency == nil {
		return
	}
	m.latency.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// recordThreshold records the delay armed for a call.
func (m *metrics) recordThreshold(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.threshold == nil {
		return
	}
	m.threshold.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// recordSkipped records a hedge withheld for reason.
func (m *metrics) recordSkipped(ctx context.Context, reason string, attrs []attribute.KeyValue) {
	if m == nil || m.skipped == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs, attribute.String("hedge.reason", reason))
	m.skipped.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}
