// Package driver defines the narrow capability surface the connection pool,
// reader selector, and round coordinator need from a single database
// connection. The SQL driver itself is kept behind this boundary so the
// rest of internal/lb can be built and tested against it without a live
// Postgres.
package driver

import (
	"context"
	"time"
)

// RoundFlags records the prior autocommit state a handle had before the
// round coordinator toggled it into transactional mode, so Undo can restore
// it exactly.
type RoundFlags struct {
	WasAutocommit bool
	RoundID       string
	Active        bool
}

// Callback is a unit of pre-commit, post-commit, or idle work queued against
// a handle. It may itself queue further callbacks on the same or a peer
// handle, which is why Finalize runs callbacks to a fixpoint.
type Callback func(ctx context.Context) error

// Database is one live connection: the driver-side half of a pool Handle.
// Implementations must not be used concurrently from more than one
// goroutine — the whole core is single-threaded cooperative.
type Database interface {
	// Address is the server address this connection was opened against.
	Address() string

	// CurrentDomain reports the database/schema/prefix this connection is
	// currently attached to.
	CurrentDomain() (database, schema, prefix string)

	// DatabasesAreIndependent reports whether switching the dbname requires
	// a reconnect rather than an in-place `USE`/`SET search_path`.
	DatabasesAreIndependent() bool

	// SwitchDomain attaches the connection to a new database/schema/prefix.
	// Called by the pool before handing a reused handle back out.
	SwitchDomain(ctx context.Context, database, schema, prefix string) error

	// FlushSnapshot discards any implicit read snapshot the connection may
	// be holding, so it does not leak into a new round's view.
	FlushSnapshot(ctx context.Context) error

	// TxLevel reports the current transaction nesting depth; 0 means no
	// open transaction.
	TxLevel() int

	// WritesOrLocksPending reports whether the connection has uncommitted
	// writes or holds session locks, used by Approve to decide whether a
	// pre-commit ping is warranted.
	WritesOrLocksPending() bool

	// AtomicSectionOpen reports whether an explicit atomic/savepoint section
	// is still open; Approve rejects the round if so.
	AtomicSectionOpen() bool

	// EstimateWriteDuration estimates how long the connection's pending
	// writes will take to commit, compared against a round's
	// maxWriteDuration budget during Approve.
	EstimateWriteDuration(ctx context.Context) (time.Duration, error)

	// Ping verifies the connection is still alive, used by Approve to catch
	// silently dropped connections before commit.
	Ping(ctx context.Context) error

	// Commit commits the current transaction. flushAllPeers requests the
	// driver synchronise with any replication peers before returning.
	Commit(ctx context.Context, flushAllPeers bool) error

	// Rollback rolls back the current transaction. flushAllPeers mirrors
	// Commit's semantics.
	Rollback(ctx context.Context, flushAllPeers bool) error

	// QueuePreCommitCallback registers a callback to run during Finalize.
	QueuePreCommitCallback(cb Callback)

	// RunPreCommitCallbacks runs every queued pre-commit callback once and
	// reports whether any callback queued further callbacks (the round
	// coordinator loops this to a fixpoint).
	RunPreCommitCallbacks(ctx context.Context) (queuedMore bool, err error)

	// SuppressPostCommitCallbacks toggles whether post-commit callbacks may
	// run; true during FINALIZED..COMMIT_CALLBACKS.
	SuppressPostCommitCallbacks(suppressed bool)

	// PostCommitCallbacksSuppressed reports the current suppression state.
	PostCommitCallbacksSuppressed() bool

	// QueueIdleCallback registers a callback to run during RunIdleCallbacks,
	// once the connection has no open transaction.
	QueueIdleCallback(cb Callback)

	// RunIdleCallbacks runs every queued idle callback once (the handle must
	// have no open transaction) and reports how many ran.
	RunIdleCallbacks(ctx context.Context) (ran int, err error)

	// OpenedEmptyTransactionByCallback reports whether the last
	// RunIdleCallbacks pass opened a new, still-empty transaction on this
	// handle — the round coordinator commits those away between passes.
	OpenedEmptyTransactionByCallback() bool

	// PrimaryPosWait blocks until the connection's replication replay
	// position reaches at least target, or timeout elapses. Returns false,
	// nil on a clean timeout; returns an error only on driver failure.
	PrimaryPosWait(ctx context.Context, target string, timeout time.Duration) (reached bool, err error)

	// ServerIsReadOnly asks the server directly whether it is in read-only
	// mode (used by the Read-Only Probe on a cache miss).
	ServerIsReadOnly(ctx context.Context) (bool, error)

	// RoundFlags returns the handle's current round-flag bookkeeping.
	RoundFlags() RoundFlags

	// SetRoundFlags toggles the handle into transactional mode for a round,
	// remembering its prior autocommit state.
	SetRoundFlags(roundID string)

	// UndoRoundFlags restores the handle's prior autocommit state and
	// clears its round id.
	UndoRoundFlags()

	// Close releases the underlying connection. Idempotent.
	Close(ctx context.Context) error
}
