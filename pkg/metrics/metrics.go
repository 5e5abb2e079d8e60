package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "trader"

// Metrics contains metrics exposed by the trading engine.
// Prometheus collectors register globally, so build one per process and
// share it across sessions.
type Metrics struct {
	// Trade requests accepted by the orchestrator. Label: action.
	TradesSubmitted metrics.Counter
	// Trade requests that reached a terminal state. Labels: action, outcome.
	TradesCompleted metrics.Counter
	// Requests currently past validation and not yet terminal.
	TradesInFlight metrics.Gauge
	// Approval transactions submitted. Label: token.
	Approvals metrics.Counter
	// Seconds from submission to confirmation of a transaction. Label: method.
	TxConfirmSeconds metrics.Histogram
	// Remote balance/allowance reads. Labels: field, result.
	CacheFetches metrics.Counter
	// Cache reads that joined an already running fetch.
	CacheCoalesced metrics.Counter
	// Quote queries that came back unavailable. Label: kind.
	QuotesUnavailable metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		TradesSubmitted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "trades_submitted_total",
			Help:      "Trade requests accepted for execution.",
		}, []string{"action"}),
		TradesCompleted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "trades_completed_total",
			Help:      "Trade requests that finished, by outcome.",
		}, []string{"action", "outcome"}),
		TradesInFlight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "trades_in_flight",
			Help:      "Trade requests currently executing.",
		}, []string{}),
		Approvals: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "approvals_total",
			Help:      "Approval transactions submitted.",
		}, []string{"token"}),
		TxConfirmSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tx_confirm_seconds",
			Help:      "Time from broadcast to confirmation.",
			Buckets:   stdprometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"method"}),
		CacheFetches: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "cache_fetches_total",
			Help:      "Remote balance and allowance reads.",
		}, []string{"field", "result"}),
		CacheCoalesced: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "cache_coalesced_total",
			Help:      "Cache reads served by an already outstanding fetch.",
		}, []string{}),
		QuotesUnavailable: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "quotes_unavailable_total",
			Help:      "Pricing queries that could not be answered.",
		}, []string{"kind"}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		TradesSubmitted:   discard.NewCounter(),
		TradesCompleted:   discard.NewCounter(),
		TradesInFlight:    discard.NewGauge(),
		Approvals:         discard.NewCounter(),
		TxConfirmSeconds:  discard.NewHistogram(),
		CacheFetches:      discard.NewCounter(),
		CacheCoalesced:    discard.NewCounter(),
		QuotesUnavailable: discard.NewCounter(),
	}
}
