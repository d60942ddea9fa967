package httpclient

import (
	"github.com/kroma-labs/sentinel-hedge/hedge"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// scope is the instrumentation scope name for OpenTelemetry.
	scope = "github.com/kroma-labs/sentinel-hedge/httpclient"

	defaultServiceName = "default-http-client"
)

// =============================================================================
// Internal Configuration
// =============================================================================

// internalConfig holds the resolved options of a Transport.
type internalConfig struct {
	// ServiceName identifies the client. It prefixes circuit breaker names
	// and is attached to breaker metrics.
	ServiceName string

	// Logger receives hedging decisions and breaker transitions.
	Logger zerolog.Logger

	// TracerProvider is the tracer provider to use.
	// If not set, uses the global provider via otel.GetTracerProvider().
	TracerProvider trace.TracerProvider

	// Tracer is the tracer instance created from TracerProvider.
	Tracer trace.Tracer

	// MeterProvider is the meter provider to use.
	// If not set, uses the global provider via otel.GetMeterProvider().
	MeterProvider metric.MeterProvider

	// HedgeOptions are passed to every per-host hedge.Hedge.
	HedgeOptions []hedge.Option

	// Metrics holds the metric instruments.
	Metrics *metrics
}

// newConfig creates a new internal config with defaults and applies options.
func newConfig(opts ...Option) *internalConfig {
	cfg := &internalConfig{
		ServiceName:    defaultServiceName,
		Logger:         zerolog.Nop(),
		TracerProvider: otel.GetTracerProvider(),
		MeterProvider:  otel.GetMeterProvider(),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	cfg.Tracer = cfg.TracerProvider.Tracer(scope)

	// Initialize metrics (ignore errors, will just be nil if fails)
	cfg.Metrics, _ = newMetrics(cfg.MeterProvider.Meter(scope))

	return cfg
}

// hedgeOptions returns the options for the hedge of host. Options given
// through WithHedgeOptions are applied last.
func (cfg *internalConfig) hedgeOptions(host string) []hedge.Option {
	opts := make([]hedge.Option, 0, len(cfg.HedgeOptions)+3)
	opts = append(opts,
		hedge.WithName(host),
		hedge.WithLogger(cfg.Logger),
		hedge.WithMeterProvider(cfg.MeterProvider),
	)
	return append(opts, cfg.HedgeOptions...)
}

// =============================================================================
// Options
// =============================================================================

// Option configures a Transport.
type Option func(*internalConfig)

// WithServiceName sets an identifier for this client.
//
// The name prefixes the per-host circuit breaker names, so distributed
// breakers of different clients to the same host do not share state.
//
// Example:
//
//	transport, err := httpclient.NewTransport(next, cfg,
//	    httpclient.WithServiceName("order-service"),
//	)
func WithServiceName(name string) Option {
	return func(cfg *internalConfig) {
		if name != "" {
			cfg.ServiceName = name
		}
	}
}

// WithLogger sets the logger. Hedging decisions are logged at trace level,
// breaker transitions at info level.
//
// Default: zerolog.Nop()
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *internalConfig) {
		cfg.Logger = logger
	}
}

// WithTracerProvider sets a custom OpenTelemetry TracerProvider.
// If not called, the global provider from otel.GetTracerProvider() is used.
//
// The transport starts one span per request; hedging events (hedge.armed,
// hedge.issued, hedge.completed) are added to it.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *internalConfig) {
		if tp != nil {
			cfg.TracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry MeterProvider for both the
// transport and its hedges.
// If not called, the global provider from otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *internalConfig) {
		if mp != nil {
			cfg.MeterProvider = mp
		}
	}
}

// WithHedgeOptions adds options applied to every per-host hedge, such as
// hedge.WithHistogram or hedge.WithRecheckBackOff.
//
// Example:
//
//	transport, err := httpclient.NewTransport(next, cfg,
//	    httpclient.WithHedgeOptions(
//	        hedge.WithHistogram(func() hedge.Histogram {
//	            return hedge.NewHDRHistogram(time.Microsecond, time.Minute, 3)
//	        }),
//	    ),
//	)
func WithHedgeOptions(opts ...hedge.Option) Option {
	return func(cfg *internalConfig) {
		cfg.HedgeOptions = append(cfg.HedgeOptions, opts...)
	}
}
