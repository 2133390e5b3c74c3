package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vitaliisemenov/dbloadbalancer/pkg/metrics"
)

// SrvConfig configures the process-local cache tier.
type SrvConfig struct {
	// Capacity bounds the number of entries the LRU holds before evicting.
	Capacity int `mapstructure:"capacity"`
}

func defaultSrvConfig() *SrvConfig {
	return &SrvConfig{Capacity: 1024}
}

type srvEntry struct {
	value     interface{}
	expiresAt time.Time
}

// SrvCache is the process-local cache tier: a bounded LRU of short-lived
// entries. It answers a read-only-mode check or position lookup without a
// network round trip, at the cost of being invisible to any other balancer
// instance — that's what WANCache is for.
type SrvCache struct {
	mu      sync.Mutex
	lru     *lru.Cache[string, srvEntry]
	metrics *metrics.CacheMetrics
}

// NewSrvCache builds a process-local cache with the given capacity.
// metricsRegistry may be nil, in which case the default
// "dbloadbalancer"-namespaced singleton is used.
func NewSrvCache(config *SrvConfig, metricsRegistry *metrics.MetricsRegistry) (*SrvCache, error) {
	if config == nil {
		config = defaultSrvConfig()
	}
	if config.Capacity <= 0 {
		return nil, ErrInvalidConfig
	}
	if metricsRegistry == nil {
		metricsRegistry = metrics.DefaultRegistry()
	}

	l, err := lru.New[string, srvEntry](config.Capacity)
	if err != nil {
		return nil, NewCacheError("failed to construct process-local cache", "CONFIG_ERROR").WithCause(err)
	}

	return &SrvCache{lru: l, metrics: metricsRegistry.Cache()}, nil
}

// Get copies the cached value for key into dest via a type assertion; dest
// must be a pointer to the same concrete type that was Set. Unlike WANCache
// there is no serialization — the process-local tier stores Go values
// directly, since it never crosses a process boundary.
func (sc *SrvCache) Get(ctx context.Context, key string, dest interface{}) error {
	sc.mu.Lock()
	entry, ok := sc.lru.Get(key)
	sc.mu.Unlock()

	if !ok {
		sc.metrics.MissesTotal.WithLabelValues("srv").Inc()
		return ErrNotFound
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		sc.mu.Lock()
		sc.lru.Remove(key)
		sc.mu.Unlock()
		sc.metrics.MissesTotal.WithLabelValues("srv").Inc()
		return ErrNotFound
	}

	switch d := dest.(type) {
	case *interface{}:
		*d = entry.value
	case *bool:
		v, ok := entry.value.(bool)
		if !ok {
			sc.metrics.ErrorsTotal.WithLabelValues("srv", "serialization").Inc()
			return NewCacheError("type mismatch for cached value", "UNMARSHAL_ERROR")
		}
		*d = v
	case *string:
		v, ok := entry.value.(string)
		if !ok {
			sc.metrics.ErrorsTotal.WithLabelValues("srv", "serialization").Inc()
			return NewCacheError("type mismatch for cached value", "UNMARSHAL_ERROR")
		}
		*d = v
	case *time.Time:
		v, ok := entry.value.(time.Time)
		if !ok {
			sc.metrics.ErrorsTotal.WithLabelValues("srv", "serialization").Inc()
			return NewCacheError("type mismatch for cached value", "UNMARSHAL_ERROR")
		}
		*d = v
	default:
		sc.metrics.ErrorsTotal.WithLabelValues("srv", "serialization").Inc()
		return NewCacheError("unsupported destination type for process-local cache", "UNMARSHAL_ERROR")
	}
	sc.metrics.HitsTotal.WithLabelValues("srv").Inc()
	return nil
}

// Set stores value under key with the given TTL (zero TTL never expires).
func (sc *SrvCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	sc.mu.Lock()
	sc.lru.Add(key, srvEntry{value: value, expiresAt: expiresAt})
	sc.mu.Unlock()
	return nil
}

// Delete removes key.
func (sc *SrvCache) Delete(ctx context.Context, key string) error {
	sc.mu.Lock()
	present := sc.lru.Remove(key)
	sc.mu.Unlock()
	if !present {
		return ErrNotFound
	}
	return nil
}

// Exists reports whether key is present and unexpired.
func (sc *SrvCache) Exists(ctx context.Context, key string) (bool, error) {
	var dest interface{}
	err := sc.Get(ctx, key, &dest)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// TTL returns the remaining time-to-live for key, or zero if it never expires.
func (sc *SrvCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	sc.mu.Lock()
	entry, ok := sc.lru.Peek(key)
	sc.mu.Unlock()

	if !ok {
		return 0, ErrNotFound
	}
	if entry.expiresAt.IsZero() {
		return 0, nil
	}
	remaining := time.Until(entry.expiresAt)
	if remaining < 0 {
		return 0, ErrNotFound
	}
	return remaining, nil
}

// HealthCheck always succeeds: the process-local tier has no external
// dependency to be unhealthy about.
func (sc *SrvCache) HealthCheck(ctx context.Context) error {
	return nil
}

// Len reports the current number of entries held, including any not yet
// lazily evicted for TTL expiry.
func (sc *SrvCache) Len() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.lru.Len()
}
