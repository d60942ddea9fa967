package hedge

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Hedge is a middleware that pre-emptively duplicates requests which have
// been outstanding for longer than a percentile of recent latency. The
// first of the two attempts to complete provides the result.
//
// A Hedge is immutable after construction and safe for concurrent use.
// Every call made through the same *Hedge feeds and reads the same
// PercentileTracker; separate Hedge instances share nothing.
type Hedge[Req, Resp any] struct {
	policy     Policy[Req]
	handler    Handler[Req, Resp]
	percentile float64
	tracker    *PercentileTracker
	cfg        *internalConfig
	attrs      []attribute.KeyValue
}

// New wraps handler with hedging at the given latency percentile.
//
// percentile must be in (0, 100]. rotationPeriod is the width of the latency
// window; the hedge deadline of a call is always derived from the last
// complete window.
//
// Example:
//
//	h, err := hedge.New(policy, handler, 95, 10*time.Second,
//	    hedge.WithName("inventory"),
//	    hedge.WithLogger(logger),
//	)
//	resp, err := h.Do(ctx, req)
func New[Req, Resp any](
	policy Policy[Req],
	handler Handler[Req, Resp],
	percentile float64,
	rotationPeriod time.Duration,
	opts ...Option,
) (*Hedge[Req, Resp], error) {
	if !(percentile > 0 && percentile <= 100) {
		return nil, ErrInvalidPercentile
	}

	cfg := newConfig(opts...)
	tracker, err := newPercentileTracker(rotationPeriod, cfg.NewHistogram, cfg.Clock.Now)
	if err != nil {
		return nil, err
	}

	return &Hedge[Req, Resp]{
		policy:     policy,
		handler:    handler,
		percentile: percentile,
		tracker:    tracker,
		cfg:        cfg,
		attrs:      cfg.baseAttributes(),
	}, nil
}

// Tracker returns the latency tracker shared by every call of h.
func (h *Hedge[Req, Resp]) Tracker() *PercentileTracker {
	return h.tracker
}

// Percentile returns the configured latency percentile.
func (h *Hedge[Req, Resp]) Percentile() float64 {
	return h.percentile
}

// Ready forwards to the wrapped handler. Hedging adds no admission
// backpressure of its own.
func (h *Hedge[Req, Resp]) Ready(ctx context.Context) (bool, error) {
	return h.handler.Ready(ctx)
}

// Call starts req on the wrapped handler and returns the in-flight call.
//
// The hedge deadline is taken from the tracker's current read window. If
// that window holds fewer than MinSamples samples, the call is never
// hedged. The caller must call Close once it is done with the result.
func (h *Hedge[Req, Resp]) Call(ctx context.Context, req Req) *Call[Req, Resp] {
	dup, clonable := h.policy.CloneRequest(req)
	orig, origCancel := h.start(ctx, req)
	start := h.cfg.Clock.Now()

	id := uuid.NewString()
	c := &Call[Req, Resp]{
		id:         id,
		hedge:      h,
		ctx:        ctx,
		log:        h.cfg.Logger.With().Str("hedge", h.cfg.Name).Str("call_id", id).Logger(),
		start:      start,
		request:    dup,
		hasRequest: clonable,
		orig:       orig,
		origCancel: origCancel,
		abandon:    make(chan struct{}),
	}

	threshold, ok := h.tracker.Threshold(h.percentile, MinSamples)
	if !ok {
		c.log.Trace().Msg("not enough data points in read window")
		c.skip(reasonInsufficientData)
		return c
	}

	c.log.Trace().Dur("hedge_timeout", threshold).Msg("calling hedge-able request")
	deadline := start.Add(threshold)
	c.delay = h.cfg.Clock.NewTimer(deadline.Sub(h.cfg.Clock.Now()))
	c.state.Store(int32(StateDelayArmed))

	h.cfg.Metrics.recordThreshold(ctx, threshold, h.attrs)
	trace.SpanFromContext(ctx).AddEvent("hedge.armed", trace.WithAttributes(
		attribute.String("hedge.call_id", id),
		attribute.Int64("hedge.threshold_ms", threshold.Milliseconds()),
	))
	return c
}

// Do issues req and waits for the first attempt to finish.
func (h *Hedge[Req, Resp]) Do(ctx context.Context, req Req) (Resp, error) {
	c := h.Call(ctx, req)
	defer c.Close()
	return c.Wait()
}

// start runs one attempt in its own goroutine. The result channel is
// buffered so an abandoned attempt never blocks.
func (h *Hedge[Req, Resp]) start(
	ctx context.Context,
	req Req,
) (<-chan result[Resp], context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan result[Resp], 1)
	go func() {
		resp, err := h.handler.Call(ctx, req)
		ch <- result[Resp]{resp: resp, err: err}
	}()
	return ch, cancel
}
