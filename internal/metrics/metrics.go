// Package metrics registers and serves the Prometheus metrics for
// pool checkouts, routing decisions, and two-phase commit.
package metrics

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CheckoutTotal counts pool checkouts by address and outcome.
	CheckoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdog_checkout_total",
			Help: "Total pool checkout attempts",
		},
		[]string{"address", "outcome"},
	)

	// CheckoutLatency tracks time spent waiting for a checkout.
	CheckoutLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgdog_checkout_latency_seconds",
			Help:    "Pool checkout wait latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"address"},
	)

	// PoolBans counts bans applied to a pool.
	PoolBans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdog_pool_bans_total",
			Help: "Total bans applied to a pool",
		},
		[]string{"address", "reason"},
	)

	// RouteTotal counts routed queries by shard target kind.
	RouteTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdog_route_total",
			Help: "Total routed queries by shard target kind",
		},
		[]string{"kind", "read_write"},
	)

	// CrossShardQueries counts queries that touched more than one shard.
	CrossShardQueries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgdog_cross_shard_queries_total",
			Help: "Total queries that fanned out to more than one shard",
		},
	)

	// TwoPCTransactions counts two-phase-commit transactions by outcome.
	TwoPCTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdog_two_pc_total",
			Help: "Total two-phase-commit transactions by outcome",
		},
		[]string{"outcome"},
	)

	// PreparedStatementsGlobal is the current size of the global
	// prepared-statement dedup table.
	PreparedStatementsGlobal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgdog_prepared_statements_global",
			Help: "Current number of distinct prepared statement texts",
		},
	)

	// ClientConnections is the current number of connected clients.
	ClientConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgdog_client_connections",
			Help: "Current number of connected clients",
		},
	)

	once sync.Once
)

// Init registers all metrics with the default Prometheus registry.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(CheckoutTotal)
		prometheus.MustRegister(CheckoutLatency)
		prometheus.MustRegister(PoolBans)
		prometheus.MustRegister(RouteTotal)
		prometheus.MustRegister(CrossShardQueries)
		prometheus.MustRegister(TwoPCTransactions)
		prometheus.MustRegister(PreparedStatementsGlobal)
		prometheus.MustRegister(ClientConnections)
	})
}

// Mux returns a chi router exposing /metrics and /healthz, so the
// metrics HTTP surface can grow additional routes cleanly.
func Mux() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
