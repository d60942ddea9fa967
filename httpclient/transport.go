package httpclient

import (
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kroma-labs/sentinel-hedge/hedge"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Compile-time interface check.
var _ http.RoundTripper = (*Transport)(nil)

// Transport is an http.RoundTripper that hedges slow requests.
//
// Every downstream host gets its own hedge.Hedge, request policy and
// optional circuit breaker, created on the first request to that host.
// Hosts share nothing: a slow host never delays hedges to a fast one.
type Transport struct {
	next     http.RoundTripper
	hedgeCfg HedgeConfig
	cfg      *internalConfig

	mu    sync.RWMutex
	hosts map[string]*hostState
}

// hostState is everything the transport keeps per downstream host.
type hostState struct {
	hedge   *hedge.Hedge[*http.Request, *http.Response]
	handler *hostHandler
	policy  *requestPolicy
}

// HostSnapshot describes the hedging state of one downstream host.
type HostSnapshot struct {
	Host       string  `json:"host"`
	Percentile float64 `json:"percentile"`

	// Threshold is the hedge delay a request would get now. It is only
	// meaningful when HasThreshold is true.
	Threshold    time.Duration `json:"threshold"`
	HasThreshold bool          `json:"has_threshold"`

	BreakerOpen bool `json:"breaker_open"`

	// BudgetTokens is the number of hedges currently allowed by the
	// budget, or -1 when the budget is disabled.
	BudgetTokens float64 `json:"budget_tokens"`

	hedge.TrackerSnapshot
}

// NewTransport wraps next with latency hedging. If next is nil,
// http.DefaultTransport is used.
//
// Example:
//
//	transport, err := httpclient.NewTransport(nil, httpclient.DefaultHedgeConfig(),
//	    httpclient.WithServiceName("catalog-client"),
//	    httpclient.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	client := &http.Client{Transport: transport}
func NewTransport(next http.RoundTripper, hc HedgeConfig, opts ...Option) (*Transport, error) {
	if err := hc.Validate(); err != nil {
		return nil, err
	}
	if next == nil {
		next = http.DefaultTransport
	}

	return &Transport{
		next:     next,
		hedgeCfg: hc,
		cfg:      newConfig(opts...),
		hosts:    make(map[string]*hostState),
	}, nil
}

// RoundTrip implements http.RoundTripper.
//
// The returned response belongs to whichever attempt completed first; the
// losing attempt is cancelled and its body closed. The winning attempt's
// context lives until the returned body is closed.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := hostKey(req)
	hs, err := t.host(host)
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}

	ctx, span := t.cfg.Tracer.Start(req.Context(), "HTTP hedge "+req.Method,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("server.address", host),
		),
	)
	defer span.End()

	resp, err := hs.hedge.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

// CloseIdleConnections forwards to the wrapped transport, if supported.
func (t *Transport) CloseIdleConnections() {
	type closeIdler interface {
		CloseIdleConnections()
	}
	if ci, ok := t.next.(closeIdler); ok {
		ci.CloseIdleConnections()
	}
}

// Snapshots returns the state of every host seen so far, sorted by host.
// Windows that are due for rotation are rotated.
func (t *Transport) Snapshots() []HostSnapshot {
	t.mu.RLock()
	hosts := maps.Clone(t.hosts)
	t.mu.RUnlock()

	out := make([]HostSnapshot, 0, len(hosts))
	for host, hs := range hosts {
		tracker := hs.hedge.Tracker()
		threshold, ok := tracker.Threshold(hs.hedge.Percentile(), hedge.MinSamples)
		out = append(out, HostSnapshot{
			Host:            host,
			Percentile:      hs.hedge.Percentile(),
			Threshold:       threshold,
			HasThreshold:    ok,
			BreakerOpen:     hs.handler.open.Load(),
			BudgetTokens:    hs.policy.tokens(),
			TrackerSnapshot: tracker.Snapshot(),
		})
	}

	slices.SortFunc(out, func(a, b HostSnapshot) int {
		return strings.Compare(a.Host, b.Host)
	})
	return out
}

// host returns the state for host, creating it if needed.
func (t *Transport) host(host string) (*hostState, error) {
	t.mu.RLock()
	if hs, ok := t.hosts[host]; ok {
		t.mu.RUnlock()
		return hs, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring write lock
	if hs, ok := t.hosts[host]; ok {
		return hs, nil
	}

	hs := &hostState{
		handler: newHostHandler(t.next, host, t.hedgeCfg.Breaker, t.cfg),
		policy:  newRequestPolicy(t.hedgeCfg),
	}
	h, err := hedge.New[*http.Request, *http.Response](
		hs.policy,
		hs.handler,
		t.hedgeCfg.Percentile,
		t.hedgeCfg.RotationPeriod,
		t.cfg.hedgeOptions(host)...,
	)
	if err != nil {
		return nil, err
	}
	hs.hedge = h
	t.hosts[host] = hs

	t.cfg.Logger.Debug().
		Str("host", host).
		Float64("percentile", t.hedgeCfg.Percentile).
		Dur("rotation_period", t.hedgeCfg.RotationPeriod).
		Bool("breaker", t.hedgeCfg.Breaker != nil).
		Bool("distributed_breaker", hs.handler.distributed).
		Msg("hedging enabled for host")
	return hs, nil
}

func hostKey(req *http.Request) string {
	if req.URL != nil && req.URL.Host != "" {
		return req.URL.Host
	}
	return req.Host
}
