// Package reader implements the reader selector: chooses, per query group,
// a replica index that is reachable and within lag tolerance, memoising the
// choice per group for the session.
package reader

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/domain"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/pool"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/position"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/registry"
	"github.com/vitaliisemenov/dbloadbalancer/pkg/metrics"
)

// LagInfo reports a single replica's replication lag, as returned by a
// LoadMonitor. Replicating false means the server is not currently
// streaming.
type LagInfo struct {
	Replicating bool
	Seconds     float64
}

// LoadMonitor is the narrow capability surface replacing a
// dynamic-dispatch load monitor plugin: rescale weights in place, and
// report lag times for a set of indices.
type LoadMonitor interface {
	Rescale(ctx context.Context, weights map[int]int) map[int]int
	LagTimes(ctx context.Context, indices []int) map[int]LagInfo
}

// NullLoadMonitor is the load monitor for clusters without external
// monitoring: weights pass through unchanged, every replica reports as
// replicating with zero lag.
type NullLoadMonitor struct{}

func (NullLoadMonitor) Rescale(_ context.Context, weights map[int]int) map[int]int { return weights }

func (NullLoadMonitor) LagTimes(_ context.Context, indices []int) map[int]LagInfo {
	out := make(map[int]LagInfo, len(indices))
	for _, i := range indices {
		out[i] = LagInfo{Replicating: true, Seconds: 0}
	}
	return out
}

// ErrNoReachableReplica is returned when the working set empties without a
// successful connection.
var ErrNoReachableReplica = fmt.Errorf("reader: no reachable replica")

// Selector holds session-scoped reader state: the per-group stickiness
// table and the lagged-replica-mode flag.
type Selector struct {
	registry     *registry.Registry
	pool         *pool.Pool
	position     *position.Tracker
	loadMonitor  LoadMonitor
	defaultGroup string
	clusterMaxLag float64
	waitTimeout  time.Duration
	logger       *slog.Logger

	sticky            map[string]int
	laggedReplicaMode bool

	rng     *rand.Rand
	metrics *metrics.ReaderMetrics
}

// New builds a Selector. loadMonitor may be nil, defaulting to
// NullLoadMonitor. metricsRegistry may be nil, in which case the default
// "dbloadbalancer"-namespaced singleton is used.
func New(reg *registry.Registry, p *pool.Pool, pos *position.Tracker, loadMonitor LoadMonitor, defaultGroup string, clusterMaxLag float64, waitTimeout time.Duration, logger *slog.Logger, metricsRegistry *metrics.MetricsRegistry) *Selector {
	if loadMonitor == nil {
		loadMonitor = NullLoadMonitor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metricsRegistry == nil {
		metricsRegistry = metrics.DefaultRegistry()
	}
	return &Selector{
		registry:      reg,
		pool:          p,
		position:      pos,
		loadMonitor:   loadMonitor,
		defaultGroup:  defaultGroup,
		clusterMaxLag: clusterMaxLag,
		waitTimeout:   waitTimeout,
		logger:        logger,
		sticky:        make(map[string]int),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		metrics:       metricsRegistry.Reader(),
	}
}

// NormalizeGroups ensures groups is non-empty and ends with the default
// group. Supplying a non-default group
// together with an explicit server index is rejected by the caller
// (balancer), not here.
func (s *Selector) NormalizeGroups(groups []string) []string {
	if len(groups) == 0 {
		return []string{s.defaultGroup}
	}
	if groups[len(groups)-1] == s.defaultGroup {
		return groups
	}
	return append(append([]string{}, groups...), s.defaultGroup)
}

// SetRegistry rebinds the selector to a newly-reconfigured registry, used
// by Reconfigure alongside ResetSession.
func (s *Selector) SetRegistry(reg *registry.Registry) { s.registry = reg }

// LaggedReplicaMode reports the session-wide flag; once set it remains set
// until ResetSession.
func (s *Selector) LaggedReplicaMode() bool { return s.laggedReplicaMode }

// ResetSession clears stickiness and lagged-replica-mode, called by
// CloseAll and by a removing Reconfigure.
func (s *Selector) ResetSession() {
	s.sticky = make(map[string]int)
	s.laggedReplicaMode = false
}

// GetReaderIndex picks a replica index for groups, preferring a
// previously-chosen index for the session before running selection.
func (s *Selector) GetReaderIndex(ctx context.Context, groups []string, dom domain.Domain) (int, error) {
	if s.registry.IsSingleServer() {
		s.metrics.FallbackToPrimary.WithLabelValues("single_server").Inc()
		return s.registry.WriterIndex(), nil
	}

	groups = s.NormalizeGroups(groups)
	key := groups[0]

	if idx, ok := s.sticky[key]; ok {
		s.metrics.StickyHitsTotal.WithLabelValues(key).Inc()
		return idx, nil
	}

	if err := s.position.LoadFromChronology(ctx); err != nil {
		return 0, fmt.Errorf("reader: chronology callback: %w", err)
	}

	weights := s.initialWeights(groups[0])
	weights = s.loadMonitor.Rescale(ctx, weights)

	workingSet := make(map[int]int, len(weights))
	for idx, w := range weights {
		workingSet[idx] = w
	}

	idx, err := s.selectFromWorkingSet(ctx, workingSet, dom)
	if err != nil {
		return 0, err
	}

	if _, ok := s.position.Pos(); ok {
		reached, err := s.position.AwaitSessionPrimaryPos(ctx, idx, s.waitTimeout)
		if err != nil || !reached {
			s.laggedReplicaMode = true
		}
	}

	s.sticky[key] = idx
	if srv, ok := s.registry.Server(idx); ok {
		s.metrics.SelectionsTotal.WithLabelValues(srv.Name, key).Inc()
	}
	return idx, nil
}

// initialWeights builds the group's weight table over every replica index,
// using each server's per-group weight.
func (s *Selector) initialWeights(group string) map[int]int {
	weights := make(map[int]int)
	for _, idx := range s.registry.ReplicaIndices() {
		srv, _ := s.registry.Server(idx)
		weights[idx] = srv.LoadForGroup(group)
	}
	return weights
}

// selectFromWorkingSet runs the connection-attempt loop: pick a candidate
// per the current mode, attempt a silent connection, and on failure remove
// the candidate and retry.
func (s *Selector) selectFromWorkingSet(ctx context.Context, workingSet map[int]int, dom domain.Domain) (int, error) {
	for len(workingSet) > 0 {
		idx := s.pickCandidate(ctx, workingSet)

		_, err := s.pool.ReuseOrOpenForNewRef(ctx, idx, dom, pool.RoundClass)
		if err == nil {
			return idx, nil
		}

		s.logger.Debug("reader: candidate unreachable, removing from working set", "server", idx, "error", err)
		delete(workingSet, idx)
	}
	return 0, ErrNoReachableReplica
}

// pickCandidate implements the per-iteration selection tiering.
func (s *Selector) pickCandidate(ctx context.Context, workingSet map[int]int) int {
	if s.laggedReplicaMode {
		return weightedPick(s.rng, workingSet)
	}

	indices := make([]int, 0, len(workingSet))
	for idx := range workingSet {
		indices = append(indices, idx)
	}
	lag := s.loadMonitor.LagTimes(ctx, indices)

	if _, havePos := s.position.Pos(); havePos {
		if tier := s.filterByRecency(workingSet, lag); len(tier) > 0 {
			return weightedPick(s.rng, tier)
		}
	}

	if tier := s.filterByBudget(workingSet, lag); len(tier) > 0 {
		return weightedPick(s.rng, tier)
	}

	s.laggedReplicaMode = true
	return weightedPick(s.rng, workingSet)
}

// filterByRecency prefers servers whose lag is at most the time elapsed
// since the wait-for-position was set, plus one second.
func (s *Selector) filterByRecency(workingSet map[int]int, lag map[int]LagInfo) map[int]int {
	elapsed := time.Since(s.position.SetAt())
	budget := elapsed + time.Second
	return s.filterByLag(workingSet, lag, budget.Seconds(), false)
}

// filterByBudget prefers any server within its own (or the cluster default)
// max-lag budget.
func (s *Selector) filterByBudget(workingSet map[int]int, lag map[int]LagInfo) map[int]int {
	return s.filterByLag(workingSet, lag, 0, true)
}

func (s *Selector) filterByLag(workingSet map[int]int, lag map[int]LagInfo, recencyBudget float64, usePerServerMaxLag bool) map[int]int {
	out := make(map[int]int)
	for idx, w := range workingSet {
		info, ok := lag[idx]
		if !ok {
			continue
		}
		srv, _ := s.registry.Server(idx)
		maxLag := srv.EffectiveMaxLag(s.clusterMaxLag)
		s.metrics.ObservedLagSeconds.WithLabelValues(srv.Name).Set(info.Seconds)

		if !info.Replicating {
			if maxLag == registry.InfiniteMaxLag {
				out[idx] = w
			}
			continue
		}

		if maxLag == registry.InfiniteMaxLag {
			out[idx] = w
			continue
		}

		budget := maxLag
		if !usePerServerMaxLag {
			budget = recencyBudget
		}
		if info.Seconds <= budget {
			out[idx] = w
		} else {
			s.metrics.LagSkipsTotal.WithLabelValues(srv.Name).Inc()
		}
	}
	return out
}

// weightedPick chooses an index from weights proportional to its weight; if
// every weight is zero, it picks uniformly among the keys.
func weightedPick(rng *rand.Rand, weights map[int]int) int {
	total := 0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total == 0 {
		keys := make([]int, 0, len(weights))
		for k := range weights {
			keys = append(keys, k)
		}
		return keys[rng.Intn(len(keys))]
	}

	target := rng.Intn(total)
	running := 0
	keys := make([]int, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	// Deterministic iteration order for the running sum: map iteration is
	// randomized in Go, but since target is itself random, any stable
	// ordering (here: ascending index) over the same weights distribution
	// is correct.
	sort.Ints(keys)
	for _, idx := range keys {
		w := weights[idx]
		if w <= 0 {
			continue
		}
		running += w
		if target < running {
			return idx
		}
	}
	return keys[len(keys)-1]
}
