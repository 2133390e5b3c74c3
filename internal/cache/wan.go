package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vitaliisemenov/dbloadbalancer/pkg/metrics"
)

// WANConfig configures the cluster-wide Redis-backed cache tier.
type WANConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`

	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`

	// ReadOnlyFlagTTL bounds how long a "primary is read-only" verdict is
	// trusted cluster-wide before the probe is re-dispatched.
	ReadOnlyFlagTTL time.Duration `mapstructure:"read_only_flag_ttl"`
}

// Validate checks that the configuration is usable.
func (c *WANConfig) Validate() error {
	if c.Addr == "" {
		return ErrInvalidConfig
	}
	if c.PoolSize <= 0 {
		return ErrInvalidConfig
	}
	if c.DialTimeout <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

func defaultWANConfig() *WANConfig {
	return &WANConfig{
		Addr:            "localhost:6379",
		PoolSize:        10,
		MinIdleConns:    1,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		ReadOnlyFlagTTL: 30 * time.Second,
	}
}

// WANCache is the cluster-wide cache tier, backed by Redis. It caches the
// read-only-mode verdict and last-known replication position across all
// balancer instances in the fleet, so a lagged-replica probe performed by
// one instance benefits every other instance sharing the same Redis.
type WANCache struct {
	client   *redis.Client
	config   *WANConfig
	logger   *slog.Logger
	isClosed bool
	metrics  *metrics.CacheMetrics
}

// NewWANCache dials Redis and returns a ready WANCache. metricsRegistry may
// be nil, in which case the default "dbloadbalancer"-namespaced singleton is
// used.
func NewWANCache(config *WANConfig, logger *slog.Logger, metricsRegistry *metrics.MetricsRegistry) (*WANCache, error) {
	if config == nil {
		config = defaultWANConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metricsRegistry == nil {
		metricsRegistry = metrics.DefaultRegistry()
	}

	client := redis.NewClient(&redis.Options{
		Addr:            config.Addr,
		Password:        config.Password,
		DB:              config.DB,
		PoolSize:        config.PoolSize,
		MinIdleConns:    config.MinIdleConns,
		DialTimeout:     config.DialTimeout,
		ReadTimeout:     config.ReadTimeout,
		WriteTimeout:    config.WriteTimeout,
		MaxRetries:      config.MaxRetries,
		MinRetryBackoff: config.MinRetryBackoff,
		MaxRetryBackoff: config.MaxRetryBackoff,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to WAN cache", "error", err, "addr", config.Addr)
		return nil, NewCacheError("failed to connect to WAN cache", "CONNECTION_ERROR").WithCause(err)
	}

	logger.Info("connected to WAN cache", "addr", config.Addr, "db", config.DB)

	return &WANCache{client: client, config: config, logger: logger, metrics: metricsRegistry.Cache()}, nil
}

// Get retrieves and JSON-decodes a value.
func (wc *WANCache) Get(ctx context.Context, key string, dest interface{}) error {
	if wc.isClosed {
		return ErrConnectionFailed
	}

	val, err := wc.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			wc.metrics.MissesTotal.WithLabelValues("wan").Inc()
			return ErrNotFound
		}
		wc.metrics.ErrorsTotal.WithLabelValues("wan", "connection").Inc()
		return NewCacheError("failed to get value from WAN cache", "GET_ERROR").WithCause(err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		wc.metrics.ErrorsTotal.WithLabelValues("wan", "serialization").Inc()
		return NewCacheError("failed to unmarshal WAN cache value", "UNMARSHAL_ERROR").WithCause(err)
	}
	wc.metrics.HitsTotal.WithLabelValues("wan").Inc()
	return nil
}

// Set JSON-encodes value and stores it under key with the given TTL.
func (wc *WANCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if wc.isClosed {
		return ErrConnectionFailed
	}

	data, err := json.Marshal(value)
	if err != nil {
		return NewCacheError("failed to marshal WAN cache value", "MARSHAL_ERROR").WithCause(err)
	}

	if err := wc.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return NewCacheError("failed to set WAN cache value", "SET_ERROR").WithCause(err)
	}
	return nil
}

// Delete removes key.
func (wc *WANCache) Delete(ctx context.Context, key string) error {
	if wc.isClosed {
		return ErrConnectionFailed
	}

	result, err := wc.client.Del(ctx, key).Result()
	if err != nil {
		return NewCacheError("failed to delete WAN cache value", "DELETE_ERROR").WithCause(err)
	}
	if result == 0 {
		return ErrNotFound
	}
	return nil
}

// Exists reports whether key is present.
func (wc *WANCache) Exists(ctx context.Context, key string) (bool, error) {
	if wc.isClosed {
		return false, ErrConnectionFailed
	}

	result, err := wc.client.Exists(ctx, key).Result()
	if err != nil {
		return false, NewCacheError("failed to check key existence", "EXISTS_ERROR").WithCause(err)
	}
	return result > 0, nil
}

// TTL returns the remaining time-to-live for key.
func (wc *WANCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	if wc.isClosed {
		return 0, ErrConnectionFailed
	}

	ttl, err := wc.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, NewCacheError("failed to get TTL", "TTL_ERROR").WithCause(err)
	}
	return ttl, nil
}

// HealthCheck pings the Redis server.
func (wc *WANCache) HealthCheck(ctx context.Context) error {
	if wc.isClosed {
		return ErrConnectionFailed
	}
	if err := wc.client.Ping(ctx).Err(); err != nil {
		return NewCacheError("WAN cache health check failed", "HEALTH_CHECK_ERROR").WithCause(err)
	}
	return nil
}

// Client exposes the underlying Redis client for the distributed lock used
// by the read-only probe's busy-value check.
func (wc *WANCache) Client() *redis.Client {
	return wc.client
}

// ReadOnlyFlagTTL returns the configured TTL for a cached read-only verdict.
func (wc *WANCache) ReadOnlyFlagTTL() time.Duration {
	return wc.config.ReadOnlyFlagTTL
}

// Close closes the Redis connection.
func (wc *WANCache) Close() error {
	if wc.isClosed {
		return nil
	}
	wc.isClosed = true
	if err := wc.client.Close(); err != nil {
		return NewCacheError("failed to close WAN cache connection", "CLOSE_ERROR").WithCause(err)
	}
	return nil
}
