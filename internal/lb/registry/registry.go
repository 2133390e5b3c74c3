// Package registry holds the ordered server descriptor list: index 0 is
// always the writer, every other index a streaming replica.
package registry

import (
	"fmt"

	"github.com/vitaliisemenov/dbloadbalancer/internal/config"
)

// ServerType distinguishes the writer from its replicas.
type ServerType int

const (
	Writer ServerType = iota
	Replica
)

func (t ServerType) String() string {
	if t == Writer {
		return "writer"
	}
	return "replica"
}

// InfiniteMaxLag marks a server that is never excluded for lag — used for
// statically-replicated archive hosts that deliberately never catch up.
const InfiniteMaxLag = -1.0

// Server is one entry in the registry.
type Server struct {
	Index      int
	Name       string
	Type       ServerType
	Load       int
	GroupLoads map[string]int
	// MaxLag is this server's own lag budget in seconds. Zero means "use the
	// cluster default"; InfiniteMaxLag means "never exclude for lag".
	MaxLag   float64
	IsStatic bool
	Address  string
}

// LoadForGroup returns this server's weight for the given query group,
// falling back to its general Load when no group-specific override exists.
func (s Server) LoadForGroup(group string) int {
	if w, ok := s.GroupLoads[group]; ok {
		return w
	}
	return s.Load
}

// EffectiveMaxLag resolves this server's lag budget against the cluster
// default.
func (s Server) EffectiveMaxLag(clusterMaxLag float64) float64 {
	if s.MaxLag == 0 {
		return clusterMaxLag
	}
	return s.MaxLag
}

// Registry is the ordered, index-addressed server list.
type Registry struct {
	servers []Server
}

// New builds a Registry from configuration, validating that index 0 is the
// writer (config.Config.Validate already enforces this, but the registry
// re-checks since it may be constructed directly in tests).
func New(servers []config.ServerConfig) (*Registry, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("registry: at least one server is required")
	}
	if servers[0].Type != config.ServerTypeWriter {
		return nil, fmt.Errorf("registry: servers[0] must be the writer")
	}

	built := make([]Server, len(servers))
	for i, s := range servers {
		t := Replica
		if s.Type == config.ServerTypeWriter {
			t = Writer
		}
		maxLag := s.MaxLag
		if maxLag < 0 {
			maxLag = InfiniteMaxLag
		}
		built[i] = Server{
			Index:      i,
			Name:       s.Name,
			Type:       t,
			Load:       s.Load,
			GroupLoads: s.GroupLoads,
			MaxLag:     maxLag,
			IsStatic:   s.IsStatic,
			Address:    s.Address,
		}
	}

	return &Registry{servers: built}, nil
}

// WriterIndex is always 0.
func (r *Registry) WriterIndex() int { return 0 }

// Len returns the number of registered servers.
func (r *Registry) Len() int { return len(r.servers) }

// Server returns the descriptor at index, or false if out of range.
func (r *Registry) Server(index int) (Server, bool) {
	if index < 0 || index >= len(r.servers) {
		return Server{}, false
	}
	return r.servers[index], true
}

// Writer returns the writer descriptor (always index 0).
func (r *Registry) Writer() Server {
	return r.servers[0]
}

// ReplicaIndices returns every index other than the writer.
func (r *Registry) ReplicaIndices() []int {
	indices := make([]int, 0, len(r.servers)-1)
	for i := 1; i < len(r.servers); i++ {
		indices = append(indices, i)
	}
	return indices
}

// IsSingleServer reports whether the cluster has no replicas, in which case
// the reader selector short-circuits to the writer.
func (r *Registry) IsSingleServer() bool {
	return len(r.servers) == 1
}

// ByName finds a server index by display name. Display names are the
// reconfigure identity.
func (r *Registry) ByName(name string) (int, bool) {
	for i, s := range r.servers {
		if s.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Names returns the set of configured server display names, used by
// Reconfigure's removed-server detection.
func (r *Registry) Names() map[string]bool {
	names := make(map[string]bool, len(r.servers))
	for _, s := range r.servers {
		names[s.Name] = true
	}
	return names
}

// Diff reports whether replacing this registry's servers with newServers
// removes any server by display name: a config that swaps in a
// differently-addressed server under the SAME name is not a removal.
func (r *Registry) Diff(newServers []config.ServerConfig) (removed bool) {
	oldNames := r.Names()
	newNames := make(map[string]bool, len(newServers))
	for _, s := range newServers {
		newNames[s.Name] = true
	}
	for name := range oldNames {
		if !newNames[name] {
			return true
		}
	}
	return false
}

// All returns every server descriptor in index order.
func (r *Registry) All() []Server {
	out := make([]Server, len(r.servers))
	copy(out, r.servers)
	return out
}
