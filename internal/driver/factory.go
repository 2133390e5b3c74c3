package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vitaliisemenov/dbloadbalancer/internal/config"
	"github.com/vitaliisemenov/dbloadbalancer/internal/resilience"
)

// Factory opens new Database instances against a server address. The pool
// depends on this narrow capability rather than constructing connections
// itself, given a concrete, dependency-injectable shape instead of a
// package-level global.
type Factory interface {
	Open(ctx context.Context, address, database, schema, prefix string) (Database, error)
}

// PgxFactory opens real Postgres connections, following a connect/retry
// pattern reworked from a pgxpool (many connections) into single pgx.Conn
// instances (one per pool Handle), since the pool package already owns the
// multiplexing.
type PgxFactory struct {
	cfg    config.DriverConfig
	retry  *resilience.RetryPolicy
	logger *slog.Logger
}

// NewPgxFactory builds a Factory backed by real pgx connections.
func NewPgxFactory(cfg config.DriverConfig, retry *resilience.RetryPolicy, logger *slog.Logger) *PgxFactory {
	if logger == nil {
		logger = slog.Default()
	}
	if retry == nil {
		retry = resilience.DefaultRetryPolicy()
	}
	return &PgxFactory{cfg: cfg, retry: retry, logger: logger}
}

// Open dials address with the configured connect timeout and retry policy,
// attaching the connection to the given domain before returning it.
func (f *PgxFactory) Open(ctx context.Context, address, database, schema, prefix string) (Database, error) {
	var conn *pgx.Conn

	_, err := resilience.WithRetryFunc(ctx, f.retry, func() (struct{}, error) {
		connectCtx, cancel := context.WithTimeout(ctx, f.connectTimeout())
		defer cancel()

		pgxCfg, err := pgx.ParseConfig(address)
		if err != nil {
			return struct{}{}, fmt.Errorf("driver: parse address: %w", err)
		}
		if f.cfg.ApplicationName != "" {
			pgxCfg.RuntimeParams["application_name"] = f.cfg.ApplicationName
		}

		c, err := pgx.ConnectConfig(connectCtx, pgxCfg)
		if err != nil {
			return struct{}{}, fmt.Errorf("driver: connect %s: %w", address, err)
		}
		conn = c
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}

	db := NewPgxDatabase(conn, address, database, schema, prefix, f.logger)
	if schema != "" {
		if err := db.SwitchDomain(ctx, database, schema, prefix); err != nil {
			_ = db.Close(ctx)
			return nil, err
		}
	}
	return db, nil
}

func (f *PgxFactory) connectTimeout() time.Duration {
	if f.cfg.ConnectTimeout > 0 {
		return f.cfg.ConnectTimeout
	}
	return 5 * time.Second
}

// FakeFactory opens FakeDatabase instances, used by internal/lb's tests that
// exercise the pool/reader/round packages without a real server. Failing
// addresses can be pre-registered via FailOn to simulate "silent connection"
// failures during reader selection.
type FakeFactory struct {
	FailOn      map[string]bool
	Independent bool
	opened      []string
}

// NewFakeFactory builds a Factory that always succeeds unless the address is
// listed in FailOn.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{FailOn: make(map[string]bool)}
}

func (f *FakeFactory) Open(_ context.Context, address, database, schema, prefix string) (Database, error) {
	if f.FailOn[address] {
		return nil, fmt.Errorf("driver: fake connect to %s refused", address)
	}
	f.opened = append(f.opened, address)
	return NewFakeDatabase(address, database, schema, prefix, f.Independent), nil
}

// OpenedCount reports how many connections this factory has successfully
// opened, for test assertions.
func (f *FakeFactory) OpenedCount() int { return len(f.opened) }
