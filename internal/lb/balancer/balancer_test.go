package balancer

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
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/reader"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/readonly"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/registry"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/round"
)

func threeServerConfigs() []config.ServerConfig {
	return []config.ServerConfig{
		{Name: "writer", Type: config.ServerTypeWriter, Address: "writer:5432"},
		{Name: "replica-a", Type: config.ServerTypeReplica, Load: 10, Address: "replica-a:5432"},
		{Name: "replica-b", Type: config.ServerTypeReplica, Load: 10, Address: "replica-b:5432"},
	}
}

func newHarness(t *testing.T, servers []config.ServerConfig, independentDatabases bool) (*Balancer, *driver.FakeFactory) {
	t.Helper()

	cfg := &config.Config{
		Servers:      servers,
		LocalDomain:  "local-tbl",
		MaxLag:       6,
		WaitTimeout:  time.Second,
		DefaultGroup: "DEFAULT",
	}

	reg, err := registry.New(servers)
	require.NoError(t, err)

	resolver := domain.NewResolver(cfg.LocalDomain)
	factory := driver.NewFakeFactory()
	factory.Independent = independentDatabases
	p := pool.New(reg, factory, nil, nil)
	posTracker := position.New(reg, nil, p, nil, nil)
	sel := reader.New(reg, p, posTracker, nil, cfg.DefaultGroup, cfg.MaxLag, cfg.WaitTimeout, nil, nil)
	rc := round.New(p, nil, nil)
	probe := readonly.New(nil, nil, p, cfg.ReadOnlyReason, nil)

	b := New(cfg, reg, resolver, p, sel, posTracker, rc, probe, nil)
	return b, factory
}

func TestGetConnection_PrimarySentinel(t *testing.T) {
	b, _ := newHarness(t, threeServerConfigs(), false)

	ref, err := b.GetConnection(context.Background(), Primary, nil, nil, 0)
	require.NoError(t, err)

	h, err := ref.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, h.ServerIndex)
	assert.Equal(t, pool.RoundClass, h.Class)
}

func TestGetConnection_AutocommitUsesAutocommitClass(t *testing.T) {
	b, _ := newHarness(t, threeServerConfigs(), false)

	ref, err := b.GetConnection(context.Background(), Primary, nil, nil, Autocommit)
	require.NoError(t, err)
	h, err := ref.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pool.AutocommitClass, h.Class)
}

func TestGetConnection_ExplicitIndexWithNonDefaultGroupIsRejected(t *testing.T) {
	b, _ := newHarness(t, threeServerConfigs(), false)

	_, err := b.GetConnection(context.Background(), 1, []string{"analytics"}, nil, 0)
	assert.ErrorIs(t, err, ErrGroupWithExplicitIndex)
}

func TestGetConnection_DisabledRejectsAllCalls(t *testing.T) {
	b, _ := newHarness(t, threeServerConfigs(), false)
	b.Disable()

	_, err := b.GetConnection(context.Background(), Primary, nil, nil, 0)
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.True(t, b.Disabled())
}

func TestGetConnection_SilenceErrorsReturnsNilOnFailure(t *testing.T) {
	b, factory := newHarness(t, threeServerConfigs(), false)
	factory.FailOn["replica-a:5432"] = true
	factory.FailOn["replica-b:5432"] = true

	ref, err := b.GetConnection(context.Background(), Replica, nil, nil, SilenceErrors)
	require.NoError(t, err)
	assert.Nil(t, ref)
}

// S5 — reuse across domains: DatabasesAreIndependent=false means acquiring
// on d1 then d2 returns the same handle after a domain switch.
func TestGetConnection_ReuseAcrossDomainsWhenNotIndependent(t *testing.T) {
	b, _ := newHarness(t, threeServerConfigs(), false)
	ctx := context.Background()

	ref1, err := b.GetConnection(ctx, Primary, nil, "d1-public-tbl", 0)
	require.NoError(t, err)
	h1, err := ref1.Resolve(ctx)
	require.NoError(t, err)

	ref2, err := b.GetConnection(ctx, Primary, nil, "d2-public-tbl", 0)
	require.NoError(t, err)
	h2, err := ref2.Resolve(ctx)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
}

// S6 — reconfigure removes a replica: an existing reference survives until
// re-resolution, which then observes the incremented modcount.
func TestReconfigure_RemovingServerInvalidatesReferencesOnNextResolve(t *testing.T) {
	b, _ := newHarness(t, threeServerConfigs(), false)
	ctx := context.Background()

	ref, err := b.GetConnection(ctx, 2, nil, nil, 0)
	require.NoError(t, err)
	initialHandle, err := ref.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, initialHandle.ServerIndex)

	initialModCount := b.ModCount()

	remaining := threeServerConfigs()[:2]
	require.NoError(t, b.Reconfigure(remaining))

	assert.Equal(t, initialModCount+1, b.ModCount())

	// The reference is re-resolved against the NEW pool; since it still
	// targets the removed index (2), a fresh lookup against the rebuilt
	// registry fails because that index no longer exists.
	_, err = ref.Resolve(ctx)
	assert.Error(t, err)
}

func TestReconfigure_NoRemovalIsANoOp(t *testing.T) {
	b, _ := newHarness(t, threeServerConfigs(), false)
	before := b.ModCount()

	renamed := threeServerConfigs()
	renamed[1].Address = "replica-a-new-host:5432"
	require.NoError(t, b.Reconfigure(renamed))

	assert.Equal(t, before, b.ModCount())
}

func TestCloseAll_IsIdempotent(t *testing.T) {
	b, _ := newHarness(t, threeServerConfigs(), false)
	ctx := context.Background()

	_, err := b.GetConnection(ctx, Primary, nil, nil, 0)
	require.NoError(t, err)

	require.NoError(t, b.CloseAll(ctx))
	assert.Empty(t, b.AllOpenConnections())
	require.NoError(t, b.CloseAll(ctx))
	assert.Empty(t, b.AllOpenConnections())
}

func TestSanitizeFlags_TmpPrefixClearsAutocommit(t *testing.T) {
	b, _ := newHarness(t, threeServerConfigs(), false)
	flags := b.sanitizeFlags(Autocommit, domain.Domain{Prefix: "tmp"})
	assert.Equal(t, Flags(0), flags&Autocommit)
}

func TestGetReadOnlyReason_EmptyWithoutLaggedReplicaMode(t *testing.T) {
	b, factory := newHarness(t, threeServerConfigs(), false)
	_ = factory
	reason := b.GetReadOnlyReason(context.Background())
	assert.Equal(t, "", reason)
}
