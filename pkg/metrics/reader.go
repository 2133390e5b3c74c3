package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ReaderMetrics contains metrics for the reader-selection subsystem.
//
// Tracks how often a candidate replica is skipped for excess lag, how often
// the primary is chosen as a fallback reader, and how often a query-group's
// sticky replica is reused instead of re-rolling the weighted pick.
type ReaderMetrics struct {
	SelectionsTotal   *prometheus.CounterVec // selections made, by chosen server and group
	LagSkipsTotal      *prometheus.CounterVec // candidates skipped for exceeding maxLag, by server
	FallbackToPrimary  *prometheus.CounterVec // selections that fell back to the primary, by reason
	StickyHitsTotal    *prometheus.CounterVec // selections served from the group's sticky memo
	ObservedLagSeconds *prometheus.GaugeVec   // last-observed replication lag per server
}

// NewReaderMetrics creates reader-selection metrics under the given namespace.
func NewReaderMetrics(namespace string) *ReaderMetrics {
	return &ReaderMetrics{
		SelectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reader",
				Name:      "selections_total",
				Help:      "Total number of reader selections made, by chosen server and query group",
			},
			[]string{"server", "group"},
		),
		LagSkipsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reader",
				Name:      "lag_skips_total",
				Help:      "Total number of candidate replicas skipped for exceeding the configured max lag",
			},
			[]string{"server"},
		),
		FallbackToPrimary: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reader",
				Name:      "fallback_to_primary_total",
				Help:      "Total number of selections that fell back to the primary server",
			},
			[]string{"reason"},
		),
		StickyHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reader",
				Name:      "sticky_hits_total",
				Help:      "Total number of selections served from a query group's sticky memo",
			},
			[]string{"group"},
		),
		ObservedLagSeconds: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "reader",
				Name:      "observed_lag_seconds",
				Help:      "Last replication lag observed for a candidate server, in seconds",
			},
			[]string{"server"},
		),
	}
}
