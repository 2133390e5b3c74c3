package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheMetrics contains metrics for the SrvCache/WANCache tiers backing the
// read-only probe and the session position tracker.
type CacheMetrics struct {
	HitsTotal      *prometheus.CounterVec // cache_type: srv|wan
	MissesTotal    *prometheus.CounterVec
	ErrorsTotal    *prometheus.CounterVec // cache_type, error_type: connection|timeout|serialization
	ProbesTotal    *prometheus.CounterVec // read-only-mode probes actually dispatched to a server, by outcome
	BusyWaitsTotal *prometheus.CounterVec // probes that found another prober's busy value and waited instead
}

// NewCacheMetrics creates cache-tier metrics under the given namespace.
func NewCacheMetrics(namespace string) *CacheMetrics {
	return &CacheMetrics{
		HitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		MissesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of cache misses",
			},
			[]string{"cache_type"},
		),
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "errors_total",
				Help:      "Total number of cache errors encountered",
			},
			[]string{"cache_type", "error_type"},
		),
		ProbesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "readonly_probes_total",
				Help:      "Total number of read-only-mode probes dispatched to the primary",
			},
			[]string{"outcome"},
		),
		BusyWaitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "readonly_probe_busy_waits_total",
				Help:      "Total number of probes that deferred to a concurrent prober's busy value",
			},
			[]string{"server"},
		),
	}
}
