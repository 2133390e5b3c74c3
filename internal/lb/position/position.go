// Package position implements the session position tracker: an optional
// replication position the session must see, lazily loaded via a one-shot
// chronology callback, driving wait-for-position before the session's
// first read.
package position

import (
	"context"
	"log/slog"
	"time"

	"github.com/vitaliisemenov/dbloadbalancer/internal/cache"
	"github.com/vitaliisemenov/dbloadbalancer/internal/driver"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/registry"
)

// ChronologyCallback is the one-shot session-position loader a balancer
// may be configured with.
type ChronologyCallback func(ctx context.Context) (pos string, ok bool, err error)

// Connector opens a silent connection to a server index for the sole
// purpose of running a position wait, and returns an existing one if the
// pool already holds one. It is the narrow slice of the pool's surface
// Tracker depends on.
type Connector interface {
	OpenSilent(ctx context.Context, serverIndex int) (driver.Database, func(), error)
}

// Tracker holds the session's wait-for-position value and the chronology
// callback state.
type Tracker struct {
	registry  *registry.Registry
	srvCache  *cache.SrvCache
	connector Connector
	callback  ChronologyCallback
	logger    *slog.Logger

	pos          string
	havePos      bool
	posSetAt     time.Time
	callbackFired bool
}

// New builds a Tracker. callback may be nil, meaning the session never has
// an implicit wait-for-position (only explicit WaitFor calls apply).
func New(reg *registry.Registry, srvCache *cache.SrvCache, connector Connector, callback ChronologyCallback, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{registry: reg, srvCache: srvCache, connector: connector, callback: callback, logger: logger}
}

// SetRegistry rebinds the tracker to a newly-reconfigured registry, used by
// Reconfigure so WriterIndex()/Server() lookups see the new topology.
func (t *Tracker) SetRegistry(reg *registry.Registry) { t.registry = reg }

// Pos returns the current wait-for-position and whether one is set.
func (t *Tracker) Pos() (string, bool) { return t.pos, t.havePos }

// SetAt returns the wall-clock time the current wait-for-position was
// established, used by the reader selector's recency-based lag preference.
func (t *Tracker) SetAt() time.Time { return t.posSetAt }

// WaitFor replaces the current wait-for-position with pos, keeping whichever
// of the two is "higher" (lag protection: string comparison is assumed to be
// monotonic with the underlying LSN/position ordering). If hasGeneric is true
// (a reader already chosen for the session), it waits immediately on
// genericServerIndex.
func (t *Tracker) WaitFor(ctx context.Context, pos string, genericServerIndex int, hasGeneric bool, timeout time.Duration) error {
	if t.havePos && t.pos > pos {
		pos = t.pos
	}
	t.pos = pos
	t.havePos = true
	t.posSetAt = time.Now()

	if !hasGeneric {
		return nil
	}
	_, err := t.AwaitSessionPrimaryPos(ctx, genericServerIndex, timeout)
	return err
}

// LoadFromChronology invokes the chronology callback at most once per
// session, populating the tracked position if the callback supplies one.
func (t *Tracker) LoadFromChronology(ctx context.Context) error {
	if t.callbackFired || t.callback == nil {
		return nil
	}
	t.callbackFired = true

	pos, ok, err := t.callback(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if !t.havePos || pos > t.pos {
		t.pos = pos
		t.havePos = true
		t.posSetAt = time.Now()
	}
	return nil
}

// WaitForAll iterates every streaming replica index that has load in any
// group and waits on each in sequence, honouring a shared time budget.
func (t *Tracker) WaitForAll(ctx context.Context, indices []int, timeout time.Duration) error {
	if !t.havePos {
		return nil
	}
	deadline := time.Now().Add(timeout)
	for _, idx := range indices {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = 0
		}
		if _, err := t.AwaitSessionPrimaryPos(ctx, idx, remaining); err != nil {
			return err
		}
	}
	return nil
}

// AwaitSessionPrimaryPos is the low-level wait:
//   - the writer index trivially succeeds.
//   - a process-local cache of "known reached position" per server name is
//     consulted first.
//   - otherwise an existing or silent handle runs the driver's
//     primaryPosWait; null/failure is reported back to the caller.
//   - a successful wait is persisted to the cache with a one-day TTL.
func (t *Tracker) AwaitSessionPrimaryPos(ctx context.Context, serverIndex int, timeout time.Duration) (bool, error) {
	if !t.havePos {
		return true, nil
	}
	if serverIndex == t.registry.WriterIndex() {
		return true, nil
	}

	srv, ok := t.registry.Server(serverIndex)
	if !ok {
		return false, nil
	}

	if t.srvCache != nil {
		var cached string
		if err := t.srvCache.Get(ctx, cacheKey(srv.Name), &cached); err == nil && cached >= t.pos {
			return true, nil
		}
	}

	db, closeFn, err := t.connector.OpenSilent(ctx, serverIndex)
	if err != nil {
		return false, err
	}
	if closeFn != nil {
		defer closeFn()
	}

	reached, err := db.PrimaryPosWait(ctx, t.pos, timeout)
	if err != nil {
		return false, err
	}
	if !reached {
		return false, nil
	}

	if t.srvCache != nil {
		_ = t.srvCache.Set(ctx, cacheKey(srv.Name), t.pos, 24*time.Hour)
	}
	return true, nil
}

func cacheKey(serverName string) string {
	return "lastpos:" + serverName
}
