package driver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// PgxDatabase is the concrete Database implementation the pool opens against
// the primary and streaming replicas. It follows the same
// connect/health/error-wrap shape as a pooled connection wrapper, narrowed
// here to a single connection carrying its own transaction state,
// since the pool's Handle contract is per-connection rather than
// per-pool-of-connections).
type PgxDatabase struct {
	conn    *pgx.Conn
	address string
	logger  *slog.Logger

	database string
	schema   string
	prefix   string

	tx pgx.Tx

	writesPending bool
	atomicOpen    bool

	preCommit  []Callback
	idle       []Callback
	suppressed bool
	openedByIdle bool

	round RoundFlags
}

// DatabasesAreIndependentPostgres is true for Postgres: switching dbname
// requires a new connection, but schema/search_path switches do not.
const DatabasesAreIndependentPostgres = true

// NewPgxDatabase wraps an already-established pgx connection as a Database,
// attached to the given domain.
func NewPgxDatabase(conn *pgx.Conn, address, database, schema, prefix string, logger *slog.Logger) *PgxDatabase {
	if logger == nil {
		logger = slog.Default()
	}
	return &PgxDatabase{
		conn:     conn,
		address:  address,
		logger:   logger,
		database: database,
		schema:   schema,
		prefix:   prefix,
	}
}

func (d *PgxDatabase) Address() string { return d.address }

func (d *PgxDatabase) CurrentDomain() (string, string, string) {
	return d.database, d.schema, d.prefix
}

func (d *PgxDatabase) DatabasesAreIndependent() bool { return DatabasesAreIndependentPostgres }

func (d *PgxDatabase) SwitchDomain(ctx context.Context, database, schema, prefix string) error {
	if database != d.database && d.DatabasesAreIndependent() {
		return fmt.Errorf("driver: cannot switch database on an open pgx connection (%s -> %s); pool must reconnect", d.database, database)
	}
	if schema != "" && schema != d.schema {
		if _, err := d.conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", pgx.Identifier{schema}.Sanitize())); err != nil {
			return fmt.Errorf("driver: switch schema %q: %w", schema, err)
		}
	}
	d.schema = schema
	d.prefix = prefix
	return nil
}

func (d *PgxDatabase) FlushSnapshot(ctx context.Context) error {
	if d.tx != nil {
		return nil
	}
	_, err := d.conn.Exec(ctx, "SELECT 1")
	return err
}

func (d *PgxDatabase) TxLevel() int {
	if d.tx == nil {
		return 0
	}
	return 1
}

func (d *PgxDatabase) WritesOrLocksPending() bool { return d.writesPending }

func (d *PgxDatabase) AtomicSectionOpen() bool { return d.atomicOpen }

func (d *PgxDatabase) EstimateWriteDuration(ctx context.Context) (time.Duration, error) {
	var ms float64
	row := d.conn.QueryRow(ctx, `
		SELECT COALESCE(EXTRACT(EPOCH FROM (now() - xact_start)) * 1000, 0)
		FROM pg_stat_activity WHERE pid = pg_backend_pid()`)
	if err := row.Scan(&ms); err != nil {
		return 0, fmt.Errorf("driver: estimate write duration: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (d *PgxDatabase) Ping(ctx context.Context) error {
	return d.conn.Ping(ctx)
}

func (d *PgxDatabase) Commit(ctx context.Context, flushAllPeers bool) error {
	if d.tx == nil {
		return nil
	}
	if flushAllPeers {
		if _, err := d.conn.Exec(ctx, "SET synchronous_commit = on"); err != nil {
			d.logger.Warn("driver: could not force synchronous_commit before round commit", "address", d.address, "error", err)
		}
	}
	err := d.tx.Commit(ctx)
	d.tx = nil
	d.writesPending = false
	if err != nil {
		return fmt.Errorf("driver: commit: %w", err)
	}
	return nil
}

func (d *PgxDatabase) Rollback(ctx context.Context, _ bool) error {
	if d.tx == nil {
		return nil
	}
	err := d.tx.Rollback(ctx)
	d.tx = nil
	d.writesPending = false
	if err != nil && !strings.Contains(err.Error(), "tx is closed") {
		return fmt.Errorf("driver: rollback: %w", err)
	}
	return nil
}

func (d *PgxDatabase) QueuePreCommitCallback(cb Callback) {
	d.preCommit = append(d.preCommit, cb)
}

func (d *PgxDatabase) RunPreCommitCallbacks(ctx context.Context) (bool, error) {
	pending := d.preCommit
	d.preCommit = nil
	for _, cb := range pending {
		if err := cb(ctx); err != nil {
			return false, err
		}
	}
	return len(d.preCommit) > 0, nil
}

func (d *PgxDatabase) SuppressPostCommitCallbacks(suppressed bool) { d.suppressed = suppressed }

func (d *PgxDatabase) PostCommitCallbacksSuppressed() bool { return d.suppressed }

func (d *PgxDatabase) QueueIdleCallback(cb Callback) {
	d.idle = append(d.idle, cb)
}

func (d *PgxDatabase) RunIdleCallbacks(ctx context.Context) (int, error) {
	if d.tx != nil {
		return 0, nil
	}
	pending := d.idle
	d.idle = nil
	ran := 0
	for _, cb := range pending {
		if err := cb(ctx); err != nil {
			return ran, err
		}
		ran++
	}
	d.openedByIdle = ran > 0 && d.tx != nil
	return ran, nil
}

func (d *PgxDatabase) OpenedEmptyTransactionByCallback() bool { return d.openedByIdle }

// PrimaryPosWait polls pg_wal_lsn_diff between the replica's replay location
// and the target LSN until it reaches zero or timeout elapses.
func (d *PgxDatabase) PrimaryPosWait(ctx context.Context, target string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 50 * time.Millisecond

	for {
		var caughtUp bool
		row := d.conn.QueryRow(ctx, `
			SELECT pg_last_wal_replay_lsn() >= $1::pg_lsn`, target)
		if err := row.Scan(&caughtUp); err != nil {
			return false, fmt.Errorf("driver: primaryPosWait scan: %w", err)
		}
		if caughtUp {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (d *PgxDatabase) ServerIsReadOnly(ctx context.Context) (bool, error) {
	var ro bool
	row := d.conn.QueryRow(ctx, "SHOW transaction_read_only")
	var val string
	if err := row.Scan(&val); err != nil {
		return false, fmt.Errorf("driver: read transaction_read_only: %w", err)
	}
	ro = val == "on"
	return ro, nil
}

func (d *PgxDatabase) RoundFlags() RoundFlags { return d.round }

// SetRoundFlags records the round id and whether the connection had no open
// transaction. It does not begin a transaction on the connection; no
// PgxDatabase method opens one.
func (d *PgxDatabase) SetRoundFlags(roundID string) {
	if d.round.Active {
		return
	}
	d.round = RoundFlags{WasAutocommit: d.tx == nil, RoundID: roundID, Active: true}
}

// UndoRoundFlags clears the recorded round bookkeeping; it issues nothing
// to the connection.
func (d *PgxDatabase) UndoRoundFlags() {
	d.round = RoundFlags{}
}

func (d *PgxDatabase) Close(ctx context.Context) error {
	if d.tx != nil {
		_ = d.tx.Rollback(ctx)
		d.tx = nil
	}
	return d.conn.Close(ctx)
}
