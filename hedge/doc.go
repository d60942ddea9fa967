// Package hedge implements latency hedging for request/response clients.
//
// A Hedge wraps a downstream Handler. Each call starts the original attempt
// and arms a deadline at a percentile of recently observed latency. If the
// original is still outstanding when the deadline passes, a single
// duplicate ("hedge") is issued; whichever attempt completes first provides
// the result and the other is cancelled. Errors are never retried: only
// elapsed latency triggers the extra attempt.
//
// # Latency statistics
//
// Latency is tracked by a PercentileTracker holding two histograms. One is
// written while the other, holding the previous complete window, is read.
// The roles swap lazily once the rotation period has elapsed, so the hedge
// deadline never comes from a half-filled window. A deadline is only derived
// when the read window holds at least MinSamples samples; until then calls
// are not hedged.
//
// # Quick Start
//
//	policy := hedge.ValuePolicy[string]()
//	handler := hedge.HandlerFunc[string, []byte](fetch)
//
//	h, err := hedge.New(policy, handler, 95, 10*time.Second,
//	    hedge.WithName("catalog"),
//	)
//	if err != nil {
//	    return err
//	}
//
//	body, err := h.Do(ctx, "sku-123")
//
// # Gating hedges
//
// A hedge is only issued when the handler reports Ready, the policy was
// able to clone the request and the policy's CanRetry allows it. A hedge
// deferred by backpressure or by the policy is re-evaluated on a short
// back-off (see WithRecheckBackOff) until it is issued or the original
// completes.
//
// # Releasing attempts
//
// Each attempt runs with its own child context. The loser's context is
// cancelled as soon as the race is decided and its response is passed to
// the handler's Discard, if it implements Discarder. The winner's context
// is cancelled by Call.Close (Do closes the call before returning). Handlers
// whose responses need the context after that implement Binder and cancel
// it themselves. Duplicates that are never sent go to the policy's
// ReleaseRequest, if it implements RequestReleaser.
//
// # Observability
//
// Decisions are logged at trace level through zerolog (WithLogger).
// OpenTelemetry metrics are emitted through the configured MeterProvider:
//
//   - hedge.requests: hedges issued
//   - hedge.wins: completed calls by winning attempt (hedge.winner)
//   - hedge.latency: samples recorded into the tracker
//   - hedge.threshold: hedge deadlines armed
//   - hedge.skipped: withheld hedges by reason (hedge.reason)
//
// Span events (hedge.armed, hedge.issued, hedge.completed) are added to the
// span found in the call's context.
package hedge
