// Package metrics holds the Prometheus series shared across components:
// rate-limit saturation gauges, bus publish/consume counters, and the
// reconciliation duration histogram. Kept as its own small leaf so
// internal/bus and internal/exchange don't have to depend on
// internal/healthsrv just to record a counter.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BusPublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptosentinel_bus_publish_total",
		Help: "Messages published on the bus, by routing key class.",
	}, []string{"class"})

	BusConsumeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptosentinel_bus_consume_total",
		Help: "Messages consumed from the bus, by routing key class.",
	}, []string{"class"})

	RateLimitTokens = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cryptosentinel_exchange_ratelimit_tokens",
		Help: "Current token count per exchange rate-limit bucket.",
	}, []string{"exchange", "endpoint"})

	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cryptosentinel_reconcile_duration_seconds",
		Help:    "Duration of a full State Reconciliation Protocol run.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(BusPublishTotal, BusConsumeTotal, RateLimitTokens, ReconcileDuration)
}
