// Package pool implements the connection pool: two disjoint pools keyed by
// participation class (round, autocommit), each a mapping from server index
// to an unordered list of live handles.
package pool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vitaliisemenov/dbloadbalancer/internal/driver"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/domain"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/registry"
	"github.com/vitaliisemenov/dbloadbalancer/pkg/metrics"
)

// Class distinguishes round-participating handles from out-of-band
// autocommit handles. Segregation is mandatory: autocommit handles never
// participate in rounds, even against the same server.
type Class string

const (
	RoundClass      Class = "round"
	AutocommitClass Class = "autocommit"
)

// Handle is a pooled connection: a driver connection plus the bookkeeping
// the pool and round coordinator need.
type Handle struct {
	DB          driver.Database
	ServerIndex int
	Domain      domain.Domain
	Class       Class
	LBInfo      map[string]string
}

// Pool holds the two pool classes. There is no internal locking: the core
// is single-threaded cooperative, one instance per request.
type Pool struct {
	registry *registry.Registry
	factory  driver.Factory
	logger   *slog.Logger

	handles map[Class]map[int][]*Handle

	activeRoundID string

	metrics *metrics.PoolMetrics
}

// New builds an empty pool bound to the given registry and connection
// factory. metricsRegistry may be nil, in which case the default
// "dbloadbalancer"-namespaced singleton is used.
func New(reg *registry.Registry, factory driver.Factory, logger *slog.Logger, metricsRegistry *metrics.MetricsRegistry) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if metricsRegistry == nil {
		metricsRegistry = metrics.DefaultRegistry()
	}
	return &Pool{
		registry: reg,
		factory:  factory,
		logger:   logger,
		handles: map[Class]map[int][]*Handle{
			RoundClass:      make(map[int][]*Handle),
			AutocommitClass: make(map[int][]*Handle),
		},
		metrics: metricsRegistry.Pool(),
	}
}

// SetRegistry rebinds the pool to a newly-reconfigured registry, used by
// Reconfigure: the pool's own Reset() already discarded stale handles, this
// just makes subsequent Server()/WriterIndex() lookups see the new topology.
func (p *Pool) SetRegistry(reg *registry.Registry) { p.registry = reg }

// SetActiveRound records the round id that newly-opened writer/round handles
// should be tagged with: if the handle belongs to the writer and a round
// is active, round flags are applied. Clearing it with "" stops new
// handles from being tagged; handles already tagged are untouched.
func (p *Pool) SetActiveRound(roundID string) { p.activeRoundID = roundID }

// ClearActiveRound is shorthand for SetActiveRound("").
func (p *Pool) ClearActiveRound() { p.activeRoundID = "" }

// ReuseOrOpenForNewRef selects a reusable handle of the given class on
// serverIndex whose driver permits switching to dom, or opens a new one.
func (p *Pool) ReuseOrOpenForNewRef(ctx context.Context, serverIndex int, dom domain.Domain, class Class) (*Handle, error) {
	srv, ok := p.registry.Server(serverIndex)
	if !ok {
		return nil, fmt.Errorf("pool: no such server index %d", serverIndex)
	}

	if h := p.findShareable(serverIndex, dom, class); h != nil {
		if err := p.switchDomain(ctx, h, dom); err != nil {
			return nil, err
		}
		p.metrics.HandlesReusedTotal.WithLabelValues(srv.Name, string(class)).Inc()
		return h, nil
	}

	h, err := p.reallyOpen(ctx, srv, dom, class)
	if err != nil {
		p.metrics.ErrorsTotal.WithLabelValues(srv.Name, "open").Inc()
		return nil, err
	}
	p.handles[class][serverIndex] = append(p.handles[class][serverIndex], h)
	return h, nil
}

// findShareable locates an existing handle of the given class/server that
// can be switched to dom without a reconnect. A handle is shareable unless
// the driver reports independent databases and the target dbname differs
// from the handle's current dbname.
func (p *Pool) findShareable(serverIndex int, dom domain.Domain, class Class) *Handle {
	for _, h := range p.handles[class][serverIndex] {
		if !h.DB.DatabasesAreIndependent() {
			return h
		}
		curDB, _, _ := h.DB.CurrentDomain()
		if dom.Database == nil || curDB == *dom.Database {
			return h
		}
	}
	return nil
}

func (p *Pool) switchDomain(ctx context.Context, h *Handle, dom domain.Domain) error {
	var database, schema string
	if dom.Database != nil {
		database = *dom.Database
	}
	if dom.Schema != nil {
		schema = *dom.Schema
	}
	if err := h.DB.SwitchDomain(ctx, database, schema, dom.Prefix); err != nil {
		return fmt.Errorf("pool: domain switch on server %d: %w", h.ServerIndex, err)
	}
	h.Domain = dom
	return nil
}

func (p *Pool) reallyOpen(ctx context.Context, srv registry.Server, dom domain.Domain, class Class) (*Handle, error) {
	var database, schema string
	if dom.Database != nil {
		database = *dom.Database
	}
	if dom.Schema != nil {
		schema = *dom.Schema
	}

	db, err := p.factory.Open(ctx, srv.Address, database, schema, dom.Prefix)
	if err != nil {
		return nil, fmt.Errorf("pool: open server %d (%s): %w", srv.Index, srv.Name, err)
	}

	role := "replica"
	if srv.Type == registry.Writer {
		role = "writer"
	}
	if srv.IsStatic {
		role = "static"
	}

	h := &Handle{
		DB:          db,
		ServerIndex: srv.Index,
		Domain:      dom,
		Class:       class,
		LBInfo: map[string]string{
			"server_index": fmt.Sprintf("%d", srv.Index),
			"pool_class":   string(class),
			"role":         role,
			"server_name":  srv.Name,
		},
	}

	if srv.Type == registry.Writer && class == RoundClass && p.activeRoundID != "" {
		db.SetRoundFlags(p.activeRoundID)
	}

	p.metrics.HandlesOpenTotal.WithLabelValues(srv.Name, role).Inc()
	p.logger.Debug("pool: opened handle", "server", srv.Name, "class", class, "domain", dom.String())
	return h, nil
}

// Close locates h in whichever pool contains it, removes it, and closes the
// driver connection. A handle absent from both pools is orphaned: it is
// logged and closed anyway.
func (p *Pool) Close(ctx context.Context, h *Handle) error {
	found := false
	for _, byServer := range p.handles {
		list := byServer[h.ServerIndex]
		for i, cand := range list {
			if cand == h {
				byServer[h.ServerIndex] = append(list[:i], list[i+1:]...)
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		p.logger.Warn("pool: closing orphaned handle", "server", h.ServerIndex)
	}
	if srv, ok := p.registry.Server(h.ServerIndex); ok {
		p.metrics.HandlesClosedTotal.WithLabelValues(srv.Name, h.LBInfo["role"]).Inc()
	}
	return h.DB.Close(ctx)
}

// CloseAll closes every handle in both pool classes and resets the pool.
// Calling it twice is a no-op.
func (p *Pool) CloseAll(ctx context.Context) error {
	var firstErr error
	for class, byServer := range p.handles {
		for idx, list := range byServer {
			for _, h := range list {
				if err := h.DB.Close(ctx); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			byServer[idx] = nil
		}
		p.handles[class] = make(map[int][]*Handle)
	}
	return firstErr
}

// Reset discards every tracked handle WITHOUT closing the underlying driver
// connections, used by Reconfigure where a removing reconfiguration
// invalidates existing pool bookkeeping but in-flight handles remain usable
// until their owning reference re-resolves.
func (p *Pool) Reset() {
	p.handles[RoundClass] = make(map[int][]*Handle)
	p.handles[AutocommitClass] = make(map[int][]*Handle)
}

// AllOpen returns every handle across both pool classes.
func (p *Pool) AllOpen() []*Handle {
	var out []*Handle
	for _, byServer := range p.handles {
		for _, list := range byServer {
			out = append(out, list...)
		}
	}
	return out
}

// AllPrimaryConnections returns every round-class handle on the writer
// index, the set a round mutates.
func (p *Pool) AllPrimaryConnections() []*Handle {
	return append([]*Handle(nil), p.handles[RoundClass][p.registry.WriterIndex()]...)
}

// AllReplicaConnections returns every handle on a non-writer server index,
// across both pool classes.
func (p *Pool) AllReplicaConnections() []*Handle {
	var out []*Handle
	writerIdx := p.registry.WriterIndex()
	for _, byServer := range p.handles {
		for idx, list := range byServer {
			if idx == writerIdx {
				continue
			}
			out = append(out, list...)
		}
	}
	return out
}

// Len reports how many handles are tracked for a given class/server, mainly
// for tests.
func (p *Pool) Len(class Class, serverIndex int) int {
	return len(p.handles[class][serverIndex])
}

// OpenSilent implements position.Connector: it reuses any already-pooled
// handle on serverIndex, or opens an untracked connection and returns a
// closer for it: reuse any open handle on the index, else open a silent
// one and close it afterwards.
func (p *Pool) OpenSilent(ctx context.Context, serverIndex int) (driver.Database, func(), error) {
	for _, byServer := range p.handles {
		if list := byServer[serverIndex]; len(list) > 0 {
			return list[0].DB, func() {}, nil
		}
	}

	srv, ok := p.registry.Server(serverIndex)
	if !ok {
		return nil, nil, fmt.Errorf("pool: no such server index %d", serverIndex)
	}
	db, err := p.factory.Open(ctx, srv.Address, "", "", "")
	if err != nil {
		return nil, nil, fmt.Errorf("pool: silent open server %d (%s): %w", srv.Index, srv.Name, err)
	}
	return db, func() { _ = db.Close(ctx) }, nil
}

// OpenWriter implements readonly.PrimaryOpener atop OpenSilent, targeting
// the writer index.
func (p *Pool) OpenWriter(ctx context.Context) (driver.Database, func(), error) {
	return p.OpenSilent(ctx, p.registry.WriterIndex())
}
