// Package readonly implements a two-tier cache determining whether the
// primary is in server-side read-only mode, with a distributed "busy
// value" guarding against a thundering herd of concurrent probers.
package readonly

import (
	"context"
	"log/slog"
	"time"

	"github.com/vitaliisemenov/dbloadbalancer/internal/cache"
	"github.com/vitaliisemenov/dbloadbalancer/internal/driver"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lock"
)

const (
	srvCacheKey = "readonly:primary"
	wanCacheKey = "readonly:primary"

	// srvTTL is deliberately very short: the process-local tier exists to
	// de-duplicate bursts of checks within a single request, not to cache
	// across requests.
	srvTTL = 2 * time.Second

	// busyValue is written to the cluster-wide cache while a prober holds
	// the distributed lock, so a concurrent prober that loses the race sees
	// a cache hit of "not read-only" instead of also opening a connection
	// to the primary.
	busyValue = false
)

// PrimaryOpener opens (or reuses) a handle on the writer, for the rare cache
// miss that needs to ask the server directly.
type PrimaryOpener interface {
	OpenWriter(ctx context.Context) (driver.Database, func(), error)
}

// Probe is the two-tier read-only checker.
type Probe struct {
	srv    *cache.SrvCache
	wan    *cache.WANCache // nil degrades to process-local-only
	opener PrimaryOpener
	logger *slog.Logger

	// forcedReason, if non-empty, forces read-only unconditionally.
	forcedReason string
}

// New builds a Probe. wan may be nil.
func New(srv *cache.SrvCache, wan *cache.WANCache, opener PrimaryOpener, forcedReason string, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{srv: srv, wan: wan, opener: opener, forcedReason: forcedReason, logger: logger}
}

// ForcedReason returns the configured non-false `readOnlyReason`, or "" if
// the cluster is not forced read-only.
func (p *Probe) ForcedReason() string { return p.forcedReason }

// IsReadOnly answers whether the primary is currently read-only. All driver
// errors encountered during the probe are swallowed and interpreted as "not
// read-only" to avoid turning a
// transient driver failure into a cluster-wide read-only escalation.
func (p *Probe) IsReadOnly(ctx context.Context) bool {
	if p.forcedReason != "" {
		return true
	}

	if p.srv != nil {
		var ro bool
		if err := p.srv.Get(ctx, srvCacheKey, &ro); err == nil {
			return ro
		}
	}

	ro := p.refreshProcessLocal(ctx)
	return ro
}

// refreshProcessLocal re-checks the cluster-wide tier (or the primary
// directly, if the cluster tier is disabled), then backfills the
// process-local tier. Forcing a process-local refresh on a cluster-wide
// miss avoids seeding process-local from a value that was already stale
// when the cluster tier cached it.
func (p *Probe) refreshProcessLocal(ctx context.Context) bool {
	if p.wan == nil {
		ro := p.checkPrimaryDirectly(ctx)
		p.cacheLocal(ctx, ro)
		return ro
	}

	var ro bool
	if err := p.wan.Get(ctx, wanCacheKey, &ro); err == nil {
		p.cacheLocal(ctx, ro)
		return ro
	}

	return p.probeWithBusyLock(ctx)
}

// probeWithBusyLock implements the "busy value" pattern: while
// this instance holds the distributed lock and is actually checking the
// primary, any concurrent prober that loses the lock race reads `busyValue`
// (not read-only) out of the cluster cache instead of also dialing the
// primary.
func (p *Probe) probeWithBusyLock(ctx context.Context) bool {
	lockKey := "lock:" + wanCacheKey
	dl := lock.NewDistributedLock(p.wan.Client(), lockKey, nil, p.logger)

	acquired, err := dl.Acquire(ctx)
	if err != nil || !acquired {
		// Someone else is probing; assume not read-only until they publish
		// a verdict, rather than stack another concurrent probe.
		p.cacheLocal(ctx, busyValue)
		return busyValue
	}
	defer func() { _ = dl.Release(ctx) }()

	_ = p.wan.Set(ctx, wanCacheKey, busyValue, p.wan.ReadOnlyFlagTTL())

	ro := p.checkPrimaryDirectly(ctx)

	_ = p.wan.Set(ctx, wanCacheKey, ro, p.wan.ReadOnlyFlagTTL())
	p.cacheLocal(ctx, ro)
	return ro
}

func (p *Probe) checkPrimaryDirectly(ctx context.Context) bool {
	db, closeFn, err := p.opener.OpenWriter(ctx)
	if err != nil {
		p.logger.Debug("readonly probe: could not open writer, assuming not read-only", "error", err)
		return false
	}
	if closeFn != nil {
		defer closeFn()
	}

	ro, err := db.ServerIsReadOnly(ctx)
	if err != nil {
		p.logger.Debug("readonly probe: driver error, assuming not read-only", "error", err)
		return false
	}
	return ro
}

func (p *Probe) cacheLocal(ctx context.Context, ro bool) {
	if p.srv == nil {
		return
	}
	_ = p.srv.Set(ctx, srvCacheKey, ro, srvTTL)
}

// Reason returns a human-readable explanation for why the cluster is
// currently read-only.
func (p *Probe) Reason(ctx context.Context, laggedReplicaMode bool) string {
	if p.forcedReason != "" {
		return p.forcedReason
	}
	if laggedReplicaMode {
		return "until replication lag decreases"
	}
	if p.IsReadOnly(ctx) {
		return "primary server reports read-only mode"
	}
	return ""
}
