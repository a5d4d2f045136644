// Package metrics exposes Prometheus counters and histograms for the
// coordinator's admission pipeline, replacing the hand-rolled
// atomic-counter approach of the retrieval pack's
// TanishqAgarwal-OrderMatchingEngine internal/metrics with the
// standard client_golang registry so a real /metrics scrape endpoint
// (internal/api) has something to serve.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tochka_orders_admitted_total",
		Help: "Orders accepted by the admission coordinator, by instrument and side.",
	}, []string{"instrument", "side"})

	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tochka_orders_rejected_total",
		Help: "Orders rejected by the admission coordinator, by reason.",
	}, []string{"reason"})

	TradesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tochka_trades_executed_total",
		Help: "Trades produced by the matching engine, by instrument.",
	}, []string{"instrument"})

	MatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tochka_match_latency_seconds",
		Help:    "Wall-clock time spent inside one instrument's actor lane per submission.",
		Buckets: prometheus.DefBuckets,
	}, []string{"instrument"})

	OpenOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tochka_open_orders",
		Help: "Resting orders currently in an instrument's book.",
	}, []string{"instrument"})
)
