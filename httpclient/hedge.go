package httpclient

import (
	"fmt"
	"net/http"
	"time"

	"github.com/kroma-labs/sentinel-hedge/hedge"
)

// HedgeConfig configures latency hedging for a Transport.
//
// The hedge delay is not configured directly. Each downstream host gets its
// own latency tracker and the delay of a request is the Percentile latency
// of that host's last complete window of RotationPeriod. A duplicate request
// is sent when the original is still outstanding after that delay, and the
// first response received is used.
//
// IMPORTANT: Hedged requests are only sent for idempotent methods (see
// Methods) or for requests carrying an Idempotency-Key header. Requests with
// a body are only hedged when the body can be replayed (http.Request.GetBody).
//
// Example usage:
//
//	cfg := httpclient.DefaultHedgeConfig()
//	cfg.Percentile = 99
//
//	transport, err := httpclient.NewTransport(http.DefaultTransport, cfg,
//	    httpclient.WithServiceName("catalog-client"),
//	)
//	client := &http.Client{Transport: transport}
type HedgeConfig struct {
	// Percentile is the latency percentile used as hedge delay, in (0, 100].
	//
	// Too low: excessive hedging wastes resources.
	// Too high: hedging won't help with tail latency.
	//
	// Default: 95
	Percentile float64

	// RotationPeriod is the width of the latency window. The delay of a
	// request always comes from the previous complete window.
	//
	// Default: 10s
	RotationPeriod time.Duration

	// BudgetPerSecond limits the sustained rate of hedges per host.
	// Zero or negative disables the budget.
	//
	// Default: 10
	BudgetPerSecond float64

	// BudgetBurst is the number of hedges allowed in a burst above
	// BudgetPerSecond.
	//
	// Default: 10
	BudgetBurst int

	// Methods are the HTTP methods considered idempotent and thus safe to
	// send twice.
	//
	// Default: GET, HEAD, OPTIONS, TRACE, PUT, DELETE
	Methods []string

	// Breaker enables a circuit breaker per host. While the breaker is open
	// no hedges are sent to that host.
	//
	// Default: nil (disabled)
	Breaker *BreakerConfig
}

// DefaultHedgeConfig returns the default hedging configuration.
func DefaultHedgeConfig() HedgeConfig {
	return HedgeConfig{
		Percentile:      95,
		RotationPeriod:  10 * time.Second,
		BudgetPerSecond: 10,
		BudgetBurst:     10,
		Methods: []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodOptions,
			http.MethodTrace,
			http.MethodPut,
			http.MethodDelete,
		},
	}
}

// Validate reports whether the configuration can build a Transport.
func (c HedgeConfig) Validate() error {
	if !(c.Percentile > 0 && c.Percentile <= 100) {
		return fmt.Errorf("httpclient: %w: %v", hedge.ErrInvalidPercentile, c.Percentile)
	}
	if c.RotationPeriod <= 0 {
		return fmt.Errorf("httpclient: %w: %v", hedge.ErrInvalidRotationPeriod, c.RotationPeriod)
	}
	return nil
}
