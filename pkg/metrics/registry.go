// Package metrics provides centralized Prometheus metrics for the load balancer.
//
// This package implements a taxonomy split by the balancer's own subsystems
// rather than by business/technical/infra layering:
//   - Pool metrics: handle acquisition, lifecycle, pool-class occupancy
//   - Reader metrics: selection outcomes, lag skips, stickiness
//   - Round metrics: transaction-round stage transitions and durations
//   - Cache metrics: SrvCache/WANCache hit/miss/error counts
//
// All metrics follow the naming convention:
// <namespace>_<subsystem>_<metric_name>_<unit>
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Pool().HandlesOpenTotal.WithLabelValues("replica-a", "replica").Inc()
package metrics

import (
	"sync"
)

// MetricsRegistry is the central registry for all Prometheus metrics.
// Provides organized access to metrics by subsystem (Pool, Reader, Round, Cache).
//
// Thread-safe: All Prometheus metrics are thread-safe by design.
// Singleton: Use DefaultRegistry() to get the global instance.
type MetricsRegistry struct {
	namespace string

	pool   *PoolMetrics
	reader *ReaderMetrics
	round  *RoundMetrics
	cache  *CacheMetrics

	poolOnce   sync.Once
	readerOnce sync.Once
	roundOnce  sync.Once
	cacheOnce  sync.Once
}

var (
	defaultRegistry     *MetricsRegistry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton MetricsRegistry.
// Safe for concurrent use. Initialized once on first call.
func DefaultRegistry() *MetricsRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewMetricsRegistry("dbloadbalancer")
	})
	return defaultRegistry
}

// NewMetricsRegistry creates a new MetricsRegistry with the specified namespace.
// For most use cases, use DefaultRegistry() instead of calling this directly.
func NewMetricsRegistry(namespace string) *MetricsRegistry {
	if namespace == "" {
		namespace = "dbloadbalancer"
	}

	return &MetricsRegistry{
		namespace: namespace,
	}
}

// Pool returns the connection-pool metrics manager. Lazy-initialized on first access.
func (r *MetricsRegistry) Pool() *PoolMetrics {
	r.poolOnce.Do(func() {
		r.pool = NewPoolMetrics(r.namespace)
	})
	return r.pool
}

// Reader returns the reader-selection metrics manager. Lazy-initialized on first access.
func (r *MetricsRegistry) Reader() *ReaderMetrics {
	r.readerOnce.Do(func() {
		r.reader = NewReaderMetrics(r.namespace)
	})
	return r.reader
}

// Round returns the transaction-round metrics manager. Lazy-initialized on first access.
func (r *MetricsRegistry) Round() *RoundMetrics {
	r.roundOnce.Do(func() {
		r.round = NewRoundMetrics(r.namespace)
	})
	return r.round
}

// Cache returns the cache-tier metrics manager. Lazy-initialized on first access.
func (r *MetricsRegistry) Cache() *CacheMetrics {
	r.cacheOnce.Do(func() {
		r.cache = NewCacheMetrics(r.namespace)
	})
	return r.cache
}

// Namespace returns the configured namespace for this registry.
func (r *MetricsRegistry) Namespace() string {
	return r.namespace
}
