package round

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/dbloadbalancer/internal/config"
	"github.com/vitaliisemenov/dbloadbalancer/internal/driver"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/domain"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/pool"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/registry"
)

func newHarness(t *testing.T) (*Coordinator, *pool.Pool, *driver.FakeFactory) {
	t.Helper()
	reg, err := registry.New([]config.ServerConfig{
		{Name: "writer", Type: config.ServerTypeWriter, Address: "writer:5432"},
		{Name: "replica-a", Type: config.ServerTypeReplica, Load: 10, Address: "replica-a:5432"},
	})
	require.NoError(t, err)

	// Independent=true plus distinct Database pointers below forces the
	// pool to open separate handles instead of reusing one across domains,
	// so these tests can exercise multiple writer handles in a round.
	factory := driver.NewFakeFactory()
	factory.Independent = true
	p := pool.New(reg, factory, nil, nil)
	c := New(p, nil, nil)
	return c, p, factory
}

func strp(s string) *string { return &s }

func openWriterHandle(t *testing.T, p *pool.Pool) *pool.Handle {
	t.Helper()
	h, err := p.ReuseOrOpenForNewRef(context.Background(), 0, domain.New(strp("db1"), nil, "tbl"), pool.RoundClass)
	require.NoError(t, err)
	return h
}

func openSecondWriterHandle(t *testing.T, p *pool.Pool) *pool.Handle {
	t.Helper()
	h, err := p.ReuseOrOpenForNewRef(context.Background(), 0, domain.New(strp("db2"), nil, "tbl2"), pool.RoundClass)
	require.NoError(t, err)
	return h
}

// S3 — round commit success: a pre-commit callback on h1 queues a new
// callback on h2; Finalize must loop to a fixpoint before converging.
func TestRound_CommitSuccess(t *testing.T) {
	c, p, _ := newHarness(t)
	ctx := context.Background()

	h1 := openWriterHandle(t, p)
	h2 := openSecondWriterHandle(t, p)
	fake1 := h1.DB.(*driver.FakeDatabase)
	fake2 := h2.DB.(*driver.FakeDatabase)

	require.NoError(t, c.Begin(ctx, "r1"))
	fake1.SetTxLevel(1)
	fake2.SetTxLevel(1)

	ran := false
	fake1.QueuePreCommitCallback(func(ctx context.Context) error {
		if !ran {
			ran = true
			fake2.QueuePreCommitCallback(func(context.Context) error { return nil })
		}
		return nil
	})

	require.NoError(t, c.Finalize(ctx))
	assert.Equal(t, Finalized, c.Stage())
	assert.True(t, fake1.PostCommitCallbacksSuppressed())
	assert.True(t, fake2.PostCommitCallbacksSuppressed())

	require.NoError(t, c.Approve(ctx, 5*time.Second))
	assert.Equal(t, Approved, c.Stage())

	require.NoError(t, c.Commit(ctx))
	assert.Equal(t, CommitCallbacks, c.Stage())
	assert.Equal(t, 1, fake1.CommitCalls)
	assert.Equal(t, 1, fake2.CommitCalls)
}

// S4 — budget exceeded: Approve raises a budget error and lands in ERROR;
// a subsequent Rollback recovers to ROLLBACK_CALLBACKS.
func TestRound_ApproveBudgetExceeded(t *testing.T) {
	c, p, _ := newHarness(t)
	ctx := context.Background()

	h1 := openWriterHandle(t, p)
	fake1 := h1.DB.(*driver.FakeDatabase)
	fake1.SetWriteDuration(7 * time.Second)

	require.NoError(t, c.Begin(ctx, "r1"))
	require.NoError(t, c.Finalize(ctx))

	err := c.Approve(ctx, 5*time.Second)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, Error, c.Stage())

	require.NoError(t, c.Rollback(ctx))
	assert.Equal(t, RollbackCallbacks, c.Stage())
	assert.Equal(t, 1, fake1.RollbackCalls)
}

func TestRound_BeginRejectsDoubleBegin(t *testing.T) {
	c, p, _ := newHarness(t)
	ctx := context.Background()
	openWriterHandle(t, p)

	require.NoError(t, c.Begin(ctx, "r1"))
	err := c.Begin(ctx, "r2")
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestRound_ApproveRejectsOpenAtomicSection(t *testing.T) {
	c, p, _ := newHarness(t)
	ctx := context.Background()
	h := openWriterHandle(t, p)
	h.DB.(*driver.FakeDatabase).SetAtomicSectionOpen(true)

	require.NoError(t, c.Begin(ctx, "r1"))
	require.NoError(t, c.Finalize(ctx))

	err := c.Approve(ctx, 0)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, Error, c.Stage())
}

func TestRound_CommitAggregateErrorOnPartialFailure(t *testing.T) {
	c, p, _ := newHarness(t)
	ctx := context.Background()

	h1 := openWriterHandle(t, p)
	h2 := openSecondWriterHandle(t, p)
	h2.DB.(*driver.FakeDatabase).SetCommitErr(errors.New("connection reset"))
	_ = h1

	require.NoError(t, c.Begin(ctx, "r1"))
	require.NoError(t, c.Finalize(ctx))
	require.NoError(t, c.Approve(ctx, 0))

	err := c.Commit(ctx)
	var aggErr *AggregateError
	require.ErrorAs(t, err, &aggErr)
	assert.Len(t, aggErr.Errs, 1)
	assert.Equal(t, Error, c.Stage())
}

func TestRound_RunIdleCallbacksCommitsEmptyCallbackTransactionAndRunsListeners(t *testing.T) {
	c, p, _ := newHarness(t)
	ctx := context.Background()
	h := openWriterHandle(t, p)
	fake := h.DB.(*driver.FakeDatabase)

	require.NoError(t, c.Begin(ctx, "r1"))
	require.NoError(t, c.Finalize(ctx))
	require.NoError(t, c.Approve(ctx, 0))
	require.NoError(t, c.Commit(ctx))

	commitsBefore := fake.CommitCalls
	fake.QueueIdleCallback(func(context.Context) error {
		fake.SetTxLevel(1) // the callback opens a transaction that writes nothing
		return nil
	})

	listenerRan := false
	c.RegisterListener("notify-cache", func(context.Context) error {
		listenerRan = true
		return nil
	})

	require.NoError(t, c.RunIdleCallbacks(ctx))
	assert.Equal(t, Cursory, c.Stage())
	assert.Equal(t, "", c.RoundID())
	assert.True(t, listenerRan)
	assert.False(t, fake.PostCommitCallbacksSuppressed())
	assert.Equal(t, commitsBefore+1, fake.CommitCalls)
	assert.Equal(t, 0, fake.TxLevel())
}

func TestRound_WrongStageIsProtocolError(t *testing.T) {
	c, _, _ := newHarness(t)
	ctx := context.Background()

	err := c.Approve(ctx, 0)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)

	err = c.Commit(ctx)
	require.ErrorAs(t, err, &protoErr)
}

func TestRound_Resume(t *testing.T) {
	c, _, _ := newHarness(t)
	c.Resume(CommitCallbacks, "resumed-round")
	assert.Equal(t, CommitCallbacks, c.Stage())
	assert.Equal(t, "resumed-round", c.RoundID())
}

func TestParseStage_RoundTripsEveryStageString(t *testing.T) {
	for _, s := range []Stage{Cursory, Finalized, Approved, CommitCallbacks, RollbackCallbacks, Error} {
		got, err := ParseStage(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestParseStage_UnknownStageErrors(t *testing.T) {
	_, err := ParseStage("NOT_A_STAGE")
	assert.Error(t, err)
}
