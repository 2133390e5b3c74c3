package reader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/dbloadbalancer/internal/config"
	"github.com/vitaliisemenov/dbloadbalancer/internal/driver"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/domain"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/pool"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/position"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/registry"
)

// lagMonitor is a LoadMonitor test double reporting fixed lag values per
// server index, used to drive the tiering logic in pickCandidate.
type lagMonitor struct {
	lag map[int]LagInfo
}

func (m lagMonitor) Rescale(_ context.Context, weights map[int]int) map[int]int { return weights }

func (m lagMonitor) LagTimes(_ context.Context, indices []int) map[int]LagInfo {
	out := make(map[int]LagInfo, len(indices))
	for _, idx := range indices {
		if info, ok := m.lag[idx]; ok {
			out[idx] = info
		} else {
			out[idx] = LagInfo{Replicating: true, Seconds: 0}
		}
	}
	return out
}

func newHarness(t *testing.T, servers []config.ServerConfig, lm LoadMonitor, clusterMaxLag float64) (*Selector, *pool.Pool, *driver.FakeFactory) {
	t.Helper()
	reg, err := registry.New(servers)
	require.NoError(t, err)

	factory := driver.NewFakeFactory()
	p := pool.New(reg, factory, nil, nil)
	pos := position.New(reg, nil, p, nil, nil)
	sel := New(reg, p, pos, lm, "DEFAULT", clusterMaxLag, time.Second, nil, nil)
	return sel, p, factory
}

// S1 — sticky reader with lag: two consecutive reader acquisitions both
// return the low-lag replica; laggedReplicaMode stays false.
func TestGetReaderIndex_StickyReaderWithLag(t *testing.T) {
	servers := []config.ServerConfig{
		{Name: "writer", Type: config.ServerTypeWriter, Address: "writer:5432"},
		{Name: "replica-a", Type: config.ServerTypeReplica, Load: 10, Address: "replica-a:5432"},
		{Name: "replica-b", Type: config.ServerTypeReplica, Load: 10, MaxLag: 6, Address: "replica-b:5432"},
	}
	lm := lagMonitor{lag: map[int]LagInfo{
		1: {Replicating: true, Seconds: 0.1},
		2: {Replicating: true, Seconds: 8},
	}}
	sel, _, _ := newHarness(t, servers, lm, 6)

	dom := domain.Domain{Prefix: "tbl"}
	first, err := sel.GetReaderIndex(context.Background(), nil, dom)
	require.NoError(t, err)
	assert.Equal(t, 1, first)

	second, err := sel.GetReaderIndex(context.Background(), nil, dom)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.False(t, sel.LaggedReplicaMode())
}

// S2 — all replicas lagged: selection succeeds with laggedReplicaMode set.
func TestGetReaderIndex_AllReplicasLagged(t *testing.T) {
	servers := []config.ServerConfig{
		{Name: "writer", Type: config.ServerTypeWriter, Load: 0, Address: "writer:5432"},
		{Name: "replica-a", Type: config.ServerTypeReplica, Load: 10, Address: "replica-a:5432"},
		{Name: "replica-b", Type: config.ServerTypeReplica, Load: 10, Address: "replica-b:5432"},
	}
	lm := lagMonitor{lag: map[int]LagInfo{
		1: {Replicating: true, Seconds: 60},
		2: {Replicating: true, Seconds: 60},
	}}
	sel, _, _ := newHarness(t, servers, lm, 6)

	dom := domain.Domain{Prefix: "tbl"}
	idx, err := sel.GetReaderIndex(context.Background(), nil, dom)
	require.NoError(t, err)
	assert.Contains(t, []int{1, 2}, idx)
	assert.True(t, sel.LaggedReplicaMode())
}

func TestGetReaderIndex_SingleServerShortCircuitsToWriter(t *testing.T) {
	servers := []config.ServerConfig{
		{Name: "writer", Type: config.ServerTypeWriter, Address: "writer:5432"},
	}
	sel, _, _ := newHarness(t, servers, nil, 6)

	idx, err := sel.GetReaderIndex(context.Background(), nil, domain.Domain{Prefix: "tbl"})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestGetReaderIndex_UnreachableCandidateIsExcludedAndRetried(t *testing.T) {
	servers := []config.ServerConfig{
		{Name: "writer", Type: config.ServerTypeWriter, Address: "writer:5432"},
		{Name: "replica-a", Type: config.ServerTypeReplica, Load: 10, Address: "replica-a:5432"},
		{Name: "replica-b", Type: config.ServerTypeReplica, Load: 10, Address: "replica-b:5432"},
	}
	sel, _, factory := newHarness(t, servers, nil, 6)
	factory.FailOn["replica-a:5432"] = true

	idx, err := sel.GetReaderIndex(context.Background(), nil, domain.Domain{Prefix: "tbl"})
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
}

func TestGetReaderIndex_NoReachableReplicaFails(t *testing.T) {
	servers := []config.ServerConfig{
		{Name: "writer", Type: config.ServerTypeWriter, Address: "writer:5432"},
		{Name: "replica-a", Type: config.ServerTypeReplica, Load: 10, Address: "replica-a:5432"},
	}
	sel, _, factory := newHarness(t, servers, nil, 6)
	factory.FailOn["replica-a:5432"] = true

	_, err := sel.GetReaderIndex(context.Background(), nil, domain.Domain{Prefix: "tbl"})
	assert.ErrorIs(t, err, ErrNoReachableReplica)
}

func TestGetReaderIndex_NonReplicatingServerExcludedUnlessInfiniteMaxLag(t *testing.T) {
	servers := []config.ServerConfig{
		{Name: "writer", Type: config.ServerTypeWriter, Load: 0, Address: "writer:5432"},
		{Name: "static-archive", Type: config.ServerTypeReplica, Load: 5, MaxLag: -1, IsStatic: true, Address: "static:5432"},
		{Name: "replica-a", Type: config.ServerTypeReplica, Load: 10, Address: "replica-a:5432"},
	}
	lm := lagMonitor{lag: map[int]LagInfo{
		1: {Replicating: false},
		2: {Replicating: true, Seconds: 0.1},
	}}
	sel, _, _ := newHarness(t, servers, lm, 6)

	idx, err := sel.GetReaderIndex(context.Background(), nil, domain.Domain{Prefix: "tbl"})
	require.NoError(t, err)
	assert.Contains(t, []int{1, 2}, idx)
	assert.False(t, sel.LaggedReplicaMode())
}

func TestResetSession_ClearsStickinessAndLaggedMode(t *testing.T) {
	servers := []config.ServerConfig{
		{Name: "writer", Type: config.ServerTypeWriter, Load: 0, Address: "writer:5432"},
		{Name: "replica-a", Type: config.ServerTypeReplica, Load: 10, Address: "replica-a:5432"},
	}
	lm := lagMonitor{lag: map[int]LagInfo{1: {Replicating: true, Seconds: 60}}}
	sel, _, _ := newHarness(t, servers, lm, 6)

	_, err := sel.GetReaderIndex(context.Background(), nil, domain.Domain{Prefix: "tbl"})
	require.NoError(t, err)
	require.True(t, sel.LaggedReplicaMode())

	sel.ResetSession()
	assert.False(t, sel.LaggedReplicaMode())
}

func TestNormalizeGroups(t *testing.T) {
	servers := []config.ServerConfig{{Name: "writer", Type: config.ServerTypeWriter}}
	sel, _, _ := newHarness(t, servers, nil, 6)

	assert.Equal(t, []string{"DEFAULT"}, sel.NormalizeGroups(nil))
	assert.Equal(t, []string{"analytics", "DEFAULT"}, sel.NormalizeGroups([]string{"analytics"}))
	assert.Equal(t, []string{"analytics", "DEFAULT"}, sel.NormalizeGroups([]string{"analytics", "DEFAULT"}))
}
