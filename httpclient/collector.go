package httpclient

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel_hedge"

// Collector exposes the per-host latency windows of a Transport as
// Prometheus metrics.
//
// Example:
//
//	prometheus.MustRegister(httpclient.NewCollector(transport))
type Collector struct {
	transport *Transport

	windowSamples  *prometheus.Desc
	threshold      *prometheus.Desc
	rotationPeriod *prometheus.Desc
	breakerOpen    *prometheus.Desc
	budgetTokens   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for t.
func NewCollector(t *Transport) *Collector {
	return &Collector{
		transport: t,
		windowSamples: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "window_samples"),
			"Number of latency samples in a window of the host's tracker.",
			[]string{"host", "window"}, nil,
		),
		threshold: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "threshold_seconds"),
			"Current hedge delay of the host. Absent while the read window has too few samples.",
			[]string{"host"}, nil,
		),
		rotationPeriod: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "rotation_period_seconds"),
			"Width of the host's latency window.",
			[]string{"host"}, nil,
		),
		breakerOpen: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "breaker_open"),
			"1 while the host's circuit breaker is open.",
			[]string{"host"}, nil,
		),
		budgetTokens: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "budget_tokens"),
			"Hedges currently allowed by the host's budget. Absent when the budget is disabled.",
			[]string{"host"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.windowSamples
	ch <- c.threshold
	ch <- c.rotationPeriod
	ch <- c.breakerOpen
	ch <- c.budgetTokens
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.transport.Snapshots() {
		ch <- prometheus.MustNewConstMetric(c.windowSamples, prometheus.GaugeValue,
			float64(s.ReadSamples), s.Host, "read")
		ch <- prometheus.MustNewConstMetric(c.windowSamples, prometheus.GaugeValue,
			float64(s.WriteSamples), s.Host, "write")
		ch <- prometheus.MustNewConstMetric(c.rotationPeriod, prometheus.GaugeValue,
			s.RotationPeriod.Seconds(), s.Host)

		if s.HasThreshold {
			ch <- prometheus.MustNewConstMetric(c.threshold, prometheus.GaugeValue,
				s.Threshold.Seconds(), s.Host)
		}

		var open float64
		if s.BreakerOpen {
			open = 1
		}
		ch <- prometheus.MustNewConstMetric(c.breakerOpen, prometheus.GaugeValue, open, s.Host)

		if s.BudgetTokens >= 0 {
			ch <- prometheus.MustNewConstMetric(c.budgetTokens, prometheus.GaugeValue,
				s.BudgetTokens, s.Host)
		}
	}
}

// MetricsHandler returns an http.Handler serving only the metrics of t in
// the Prometheus text format.
//
// Example:
//
//	mux.Handle("/debug/hedge/metrics", httpclient.MetricsHandler(transport))
func MetricsHandler(t *Transport) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(t))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
