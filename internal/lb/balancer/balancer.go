// Package balancer is the top-level façade: it wires the registry, domain
// resolver, pool, reader selector, position tracker, round coordinator, and
// read-only probe together behind a single GetConnection / Reconfigure
// surface.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vitaliisemenov/dbloadbalancer/internal/config"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/domain"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/pool"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/position"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/reader"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/readonly"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/registry"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/round"
)

// Sentinel server-index values accepted by GetConnection.
const (
	Primary = -1
	Replica = -2
)

// Flags is the bitfield GetConnection accepts.
type Flags uint8

const (
	Autocommit Flags = 1 << iota
	SilenceErrors
	IntentWritable
	RefreshReadOnly
)

// ErrAccessDenied is returned by GetConnection once Disable has been called
// once disabled.
var ErrAccessDenied = errors.New("balancer: access denied, disable() was called")

// ErrGroupWithExplicitIndex is returned when a caller supplies both a
// specific server index and a non-default query group.
var ErrGroupWithExplicitIndex = errors.New("balancer: a specific server index cannot be combined with a non-default query group")

// LockingAwareDatabase is an optional capability a driver.Database may
// implement to report that it only supports database-level locking
// (concurrent writes unsupported), used by flag sanitisation.
type LockingAwareDatabase interface {
	DatabaseLevelLockingOnly() bool
}

// Balancer is the request-scoped load balancer instance — one per request,
// not a process global.
type Balancer struct {
	cfg *config.Config

	registry *registry.Registry
	resolver *domain.Resolver
	pool     *pool.Pool
	selector *reader.Selector
	position *position.Tracker
	round    *round.Coordinator
	readonly *readonly.Probe

	logger *slog.Logger

	modCount int
	disabled bool
}

// New wires a Balancer from already-constructed components. Each component
// is built by its own package constructor (registry.New, pool.New, ...);
// Balancer only owns the composition and the reconfigure/lifecycle surface.
func New(cfg *config.Config, reg *registry.Registry, resolver *domain.Resolver, p *pool.Pool, sel *reader.Selector, pos *position.Tracker, rc *round.Coordinator, ro *readonly.Probe, logger *slog.Logger) *Balancer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Balancer{
		cfg: cfg, registry: reg, resolver: resolver, pool: p, selector: sel,
		position: pos, round: rc, readonly: ro, logger: logger,
	}
}

// Ref is the lightweight reference application code holds: it re-resolves
// against the balancer on each use rather than pinning a handle directly.
type Ref struct {
	b *Balancer

	serverIndex int
	dom         domain.Domain
	class       pool.Class

	modCountAtAcquire int
	handle            *pool.Handle
}

// Resolve returns the live handle this reference points to, re-acquiring it
// if the balancer's modification counter has advanced since acquisition
// since acquisition.
func (r *Ref) Resolve(ctx context.Context) (*pool.Handle, error) {
	if r.modCountAtAcquire == r.b.modCount {
		return r.handle, nil
	}
	h, err := r.b.pool.ReuseOrOpenForNewRef(ctx, r.serverIndex, r.dom, r.class)
	if err != nil {
		return nil, err
	}
	r.handle = h
	r.modCountAtAcquire = r.b.modCount
	return h, nil
}

// Round exposes the round coordinator bound to this balancer, so callers
// can drive `beginPrimaryChanges` / `approvePrimaryChanges` / etc.
func (b *Balancer) Round() *round.Coordinator { return b.round }

// ReadOnly exposes the read-only probe.
func (b *Balancer) ReadOnly() *readonly.Probe { return b.readonly }

// GetReadOnlyReason reports why the cluster is currently read-only, or ""
// if it is not.
func (b *Balancer) GetReadOnlyReason(ctx context.Context) string {
	return b.readonly.Reason(ctx, b.selector.LaggedReplicaMode())
}

// GetConnection implements `getConnection(server_index_or_sentinel, groups,
// domain, flags) → reference.
func (b *Balancer) GetConnection(ctx context.Context, serverIndexOrSentinel int, groups []string, domainInput interface{}, flags Flags) (*Ref, error) {
	if b.disabled {
		return nil, ErrAccessDenied
	}

	dom := b.resolver.Resolve(domainInput)
	flags = b.sanitizeFlags(flags, dom)

	var idx int
	switch serverIndexOrSentinel {
	case Primary:
		idx = b.registry.WriterIndex()
	case Replica:
		selected, err := b.selector.GetReaderIndex(ctx, groups, dom)
		if err != nil {
			if flags&SilenceErrors != 0 {
				return nil, nil
			}
			return nil, fmt.Errorf("balancer: %w", err)
		}
		idx = selected
	default:
		normalized := b.selector.NormalizeGroups(groups)
		if len(groups) > 0 && normalized[0] != b.cfg.DefaultGroup {
			return nil, ErrGroupWithExplicitIndex
		}
		idx = serverIndexOrSentinel
	}

	class := pool.RoundClass
	if flags&Autocommit != 0 {
		class = pool.AutocommitClass
	}

	h, err := b.pool.ReuseOrOpenForNewRef(ctx, idx, dom, class)
	if err != nil {
		if flags&SilenceErrors != 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("balancer: %w", err)
	}

	return &Ref{
		b:                 b,
		serverIndex:       idx,
		dom:               dom,
		class:             class,
		modCountAtAcquire: b.modCount,
		handle:            h,
	}, nil
}

// sanitizeFlags clears AUTOCOMMIT when the primary driver declares
// database-level locking, or when temp-tables-only mode is active for the
// domain — by convention, a domain whose table prefix is "tmp". The
// driver-capability check only applies to already-open writer handles; a
// brand-new connection is sanitised on its first subsequent call once the
// capability is known.
func (b *Balancer) sanitizeFlags(flags Flags, dom domain.Domain) Flags {
	if dom.Prefix == "tmp" {
		flags &^= Autocommit
	}
	for _, h := range b.pool.AllPrimaryConnections() {
		if la, ok := h.DB.(LockingAwareDatabase); ok && la.DatabaseLevelLockingOnly() {
			flags &^= Autocommit
			break
		}
	}
	return flags
}

// Reconfigure applies a configuration diff. Comparison is by server
// display name: if no server was removed, it returns without effect, even
// if addresses or weights changed under the same names — server display
// names are the identity reconfigure cares about.
func (b *Balancer) Reconfigure(newServers []config.ServerConfig) error {
	if !b.registry.Diff(newServers) {
		return nil
	}

	reg, err := registry.New(newServers)
	if err != nil {
		return fmt.Errorf("balancer: reconfigure: %w", err)
	}

	b.registry = reg
	b.pool.SetRegistry(reg)
	b.pool.Reset()
	b.selector.SetRegistry(reg)
	b.selector.ResetSession()
	b.position.SetRegistry(reg)
	b.modCount++
	return nil
}

// ModCount returns the current modification counter, incremented only on
// reconfigurations that remove a server.
func (b *Balancer) ModCount() int { return b.modCount }

// Disable makes all subsequent GetConnection calls fail with
// ErrAccessDenied.
func (b *Balancer) Disable() { b.disabled = true }

// Disabled reports whether Disable has been called.
func (b *Balancer) Disabled() bool { return b.disabled }

// CloseAll closes every pooled handle and resets session state. Calling it
// twice is a no-op.
func (b *Balancer) CloseAll(ctx context.Context) error {
	b.selector.ResetSession()
	return b.pool.CloseAll(ctx)
}

// AllOpenConnections returns every currently pooled handle, across both
// pool classes.
func (b *Balancer) AllOpenConnections() []*pool.Handle { return b.pool.AllOpen() }

// AllOpenPrimaryConnections returns every round-class handle on the writer.
func (b *Balancer) AllOpenPrimaryConnections() []*pool.Handle { return b.pool.AllPrimaryConnections() }

// AllOpenReplicaConnections returns every handle on a non-writer server.
func (b *Balancer) AllOpenReplicaConnections() []*pool.Handle { return b.pool.AllReplicaConnections() }
