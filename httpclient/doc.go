// Package httpclient provides a hedging http.RoundTripper built on the
// hedge package.
//
// # Features
//
//   - Per-host latency tracking with percentile-based hedge delays
//   - Hedges only for idempotent, replayable requests
//   - Hedge budget per host (golang.org/x/time/rate)
//   - Optional circuit breaker per host, local or shared through Redis
//   - OpenTelemetry spans and metrics, Prometheus collector, JSON debug endpoint
//
// # Quick Start
//
//	transport, err := httpclient.NewTransport(http.DefaultTransport,
//	    httpclient.DefaultHedgeConfig(),
//	    httpclient.WithServiceName("catalog-client"),
//	)
//	if err != nil {
//	    return err
//	}
//
//	client := &http.Client{Transport: transport}
//	resp, err := client.Get("https://catalog.internal/items/42")
//
// Until a host has a complete latency window with enough samples, requests
// to it are sent once. Afterwards a request still outstanding after the
// configured percentile of the previous window is sent a second time, and
// the first response wins. The losing attempt is cancelled and its body
// closed.
//
// # Which requests are hedged
//
// A request is hedged only if its method is listed in HedgeConfig.Methods
// or it carries an Idempotency-Key header, and its body is empty or can be
// replayed through http.Request.GetBody. Requests built with
// http.NewRequest from a bytes.Buffer, bytes.Reader or strings.Reader have
// GetBody set.
//
// # Circuit Breaker
//
// With HedgeConfig.Breaker set, every host gets a gobreaker circuit
// breaker. While it is open no hedges are sent to the host:
//
//	cfg := httpclient.DefaultHedgeConfig()
//	breaker := httpclient.DefaultBreakerConfig()
//	cfg.Breaker = &breaker
//
// To share breaker state between instances, back it with Redis:
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	breaker := httpclient.DistributedBreakerConfig(httpclient.NewRedisStore(rdb))
//	cfg.Breaker = &breaker
//
// # Observability
//
// Hedging decisions are logged through zerolog (WithLogger) and recorded as
// OpenTelemetry metrics by the hedge package. The transport starts one span
// per request that carries the hedge events.
//
// The current windows of every host are available through
// Transport.Snapshots, as Prometheus metrics:
//
//	prometheus.MustRegister(httpclient.NewCollector(transport))
//
// and as JSON:
//
//	mux.Handle("/debug/hedge", httpclient.DebugHandler(transport))
package httpclient
