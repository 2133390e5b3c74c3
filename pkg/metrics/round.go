package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RoundMetrics contains metrics for the transaction-round coordinator.
//
// Tracks stage transitions (Cursory -> Finalized -> Approved -> CommitCallbacks),
// round duration, and how often a round lands in the terminal Error state
// and must be rolled back before the next round can begin.
type RoundMetrics struct {
	RoundsStartedTotal    prometheus.Counter
	RoundsCommittedTotal  prometheus.Counter
	RoundsRolledBackTotal *prometheus.CounterVec // by reason: explicit|error_state
	StageTransitionsTotal *prometheus.CounterVec // by from_stage, to_stage
	RoundDurationSeconds  prometheus.Histogram
	ParticipantsPerRound  prometheus.Histogram // number of distinct handles enlisted in a round
}

// NewRoundMetrics creates transaction-round metrics under the given namespace.
func NewRoundMetrics(namespace string) *RoundMetrics {
	return &RoundMetrics{
		RoundsStartedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "round",
			Name:      "started_total",
			Help:      "Total number of transaction rounds started",
		}),
		RoundsCommittedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "round",
			Name:      "committed_total",
			Help:      "Total number of transaction rounds committed successfully",
		}),
		RoundsRolledBackTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "round",
				Name:      "rolled_back_total",
				Help:      "Total number of transaction rounds rolled back",
			},
			[]string{"reason"},
		),
		StageTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "round",
				Name:      "stage_transitions_total",
				Help:      "Total number of round stage transitions",
			},
			[]string{"from_stage", "to_stage"},
		),
		RoundDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "round",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of a transaction round from start to commit/rollback",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		ParticipantsPerRound: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "round",
			Name:      "participants",
			Help:      "Number of distinct handles enlisted in a transaction round",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13, 21},
		}),
	}
}
