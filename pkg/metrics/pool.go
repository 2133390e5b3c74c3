package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PoolMetrics contains metrics for the connection pool subsystem.
//
// Tracks handle lifecycle (open/close/reuse), per-pool-class occupancy
// (round vs autocommit), and wait latency when a caller blocks for a free
// handle against an already-saturated server.
type PoolMetrics struct {
	HandlesOpenTotal     *prometheus.CounterVec // cumulative handles opened, by server role
	HandlesClosedTotal   *prometheus.CounterVec // cumulative handles closed, by server role
	HandlesReusedTotal   *prometheus.CounterVec // cumulative handles served from an idle slot
	HandlesInUse         *prometheus.GaugeVec   // current in-use handle count, by server+poolClass
	HandlesIdle          *prometheus.GaugeVec   // current idle handle count, by server+poolClass
	WaitDurationSeconds  *prometheus.HistogramVec
	ErrorsTotal          *prometheus.CounterVec // connect/ping failures, by server+error_type
}

// NewPoolMetrics creates connection-pool metrics under the given namespace.
func NewPoolMetrics(namespace string) *PoolMetrics {
	return &PoolMetrics{
		HandlesOpenTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "handles_opened_total",
				Help:      "Total number of driver handles opened against a server",
			},
			[]string{"server", "role"},
		),
		HandlesClosedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "handles_closed_total",
				Help:      "Total number of driver handles closed",
			},
			[]string{"server", "role"},
		),
		HandlesReusedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "handles_reused_total",
				Help:      "Total number of handle acquisitions served from an idle slot",
			},
			[]string{"server", "pool_class"},
		),
		HandlesInUse: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "handles_in_use",
				Help:      "Current number of handles checked out, by server and pool class",
			},
			[]string{"server", "pool_class"},
		),
		HandlesIdle: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "handles_idle",
				Help:      "Current number of idle handles held, by server and pool class",
			},
			[]string{"server", "pool_class"},
		),
		WaitDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "wait_duration_seconds",
				Help:      "Time spent waiting for a free handle when the pool class is saturated",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"server", "pool_class"},
		),
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "errors_total",
				Help:      "Total number of connect/ping failures encountered while opening a handle",
			},
			[]string{"server", "error_type"},
		),
	}
}
