package hedge

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// scope is the instrumentation scope name for OpenTelemetry.
	scope = "github.com/kroma-labs/sentinel-hedge/hedge"

	defaultRecheckInterval    = 5 * time.Millisecond
	defaultMaxRecheckInterval = 100 * time.Millisecond
)

// internalConfig holds the resolved options of a Hedge.
type internalConfig struct {
	Name          string
	Logger        zerolog.Logger
	MeterProvider metric.MeterProvider
	Clock         Clock
	NewHistogram  func() Histogram

	// RecheckInterval and MaxRecheckInterval bound the back-off used to
	// re-evaluate a deferred hedge once its deadline has passed.
	RecheckInterval    time.Duration
	MaxRecheckInterval time.Duration

	Metrics *metrics
}

func newConfig(opts ...Option) *internalConfig {
	cfg := &internalConfig{
		Logger:             zerolog.Nop(),
		MeterProvider:      otel.GetMeterProvider(),
		Clock:              realClock{},
		NewHistogram:       defaultHistogram,
		RecheckInterval:    defaultRecheckInterval,
		MaxRecheckInterval: defaultMaxRecheckInterval,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	m, err := newMetrics(cfg.MeterProvider.Meter(scope))
	if err != nil {
		cfg.Logger.Warn().Err(err).Msg("hedge metrics disabled")
	} else {
		cfg.Metrics = m
	}
	return cfg
}

// baseAttributes returns the attributes attached to every metric.
func (cfg *internalConfig) baseAttributes() []attribute.KeyValue {
	if cfg.Name == "" {
		return nil
	}
	return []attribute.KeyValue{attribute.String("hedge.name", cfg.Name)}
}

// newRecheckBackOff builds the back-off pacing re-evaluation of a deferred
// hedge.
func (cfg *internalConfig) newRecheckBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.RecheckInterval,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         cfg.MaxRecheckInterval,
	}
	b.Reset()
	return b
}

// Option configures a Hedge.
type Option func(*internalConfig)

// WithName sets an identifier added to logs and metrics as hedge.name,
// typically the downstream target.
func WithName(name string) Option {
	return func(cfg *internalConfig) {
		cfg.Name = name
	}
}

// WithLogger sets the logger. Per-call decisions are logged at trace level.
//
// Default: zerolog.Nop()
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *internalConfig) {
		cfg.Logger = logger
	}
}

// WithMeterProvider sets the OpenTelemetry MeterProvider.
//
// Default: otel.GetMeterProvider()
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *internalConfig) {
		if mp != nil {
			cfg.MeterProvider = mp
		}
	}
}

// WithClock replaces the wall clock. Intended for tests and simulations.
func WithClock(c Clock) Option {
	return func(cfg *internalConfig) {
		if c != nil {
			cfg.Clock = c
		}
	}
}

// WithHistogram sets the factory for the tracker's two latency windows.
//
// Default: NewBucketHistogram(LatencyBounds)
func WithHistogram(newHistogram func() Histogram) Option {
	return func(cfg *internalConfig) {
		if newHistogram != nil {
			cfg.NewHistogram = newHistogram
		}
	}
}

// WithRecheckBackOff sets how often a hedge that was deferred by
// backpressure or by the policy is re-evaluated. The interval starts at
// initial and doubles up to maxInterval.
//
// Default: 5ms initial, 100ms max
func WithRecheckBackOff(initial, maxInterval time.Duration) Option {
	return func(cfg *internalConfig) {
		if initial > 0 {
			cfg.RecheckInterval = initial
		}
		cfg.MaxRecheckInterval = max(maxInterval, cfg.RecheckInterval)
	}
}
