// Package lock provides a Redis-backed distributed lock used to coordinate
// concurrent read-only-mode probes across balancer instances sharing a
// cluster-wide cache tier.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLock is a Redis SETNX-based mutual-exclusion primitive. The
// read-only probe uses one, on a single fixed key, as the "busy value" that stops
// two concurrent instances from both opening a writer connection to check
// primary status at once.
type DistributedLock struct {
	redis    *redis.Client
	key      string
	value    string
	ttl      time.Duration
	logger   *slog.Logger
	acquired bool
}

// LockConfig configures a lock. NewDistributedLock reads only TTL and
// ValuePrefix; MaxRetries, RetryInterval, AcquireTimeout and ReleaseTimeout
// are not applied (AcquireWithRetry takes its retry count as an argument).
type LockConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	ReleaseTimeout time.Duration `mapstructure:"release_timeout"`
	ValuePrefix    string        `mapstructure:"value_prefix"`
}

func defaultLockConfig() *LockConfig {
	return &LockConfig{
		TTL:            30 * time.Second,
		MaxRetries:     3,
		RetryInterval:  100 * time.Millisecond,
		AcquireTimeout: 5 * time.Second,
		ReleaseTimeout: 2 * time.Second,
		ValuePrefix:    "lock",
	}
}

// NewDistributedLock constructs a lock bound to the given Redis client and key.
func NewDistributedLock(redis *redis.Client, key string, config *LockConfig, logger *slog.Logger) *DistributedLock {
	if config == nil {
		config = defaultLockConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DistributedLock{
		redis:  redis,
		key:    key,
		value:  generateLockValue(config.ValuePrefix),
		ttl:    config.TTL,
		logger: logger,
	}
}

func generateLockValue(prefix string) string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), time.Now().Unix())
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(bytes))
}

// Acquire attempts to take the lock with the default retry budget
// (AcquireWithRetry with maxRetries 0).
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	return l.AcquireWithRetry(ctx, 0)
}

// AcquireWithRetry attempts to take the lock, retrying up to maxRetries times
// with jittered backoff. maxRetries <= 0 falls back to 3 retries (4 attempts).
func (l *DistributedLock) AcquireWithRetry(ctx context.Context, maxRetries int) (bool, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	l.logger.Debug("attempting to acquire lock", "key", l.key, "value", l.value, "ttl", l.ttl)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		acquireCtx, cancel := context.WithTimeout(ctx, l.ttl)

		result, err := l.redis.SetNX(acquireCtx, l.key, l.value, l.ttl).Result()
		cancel()
		if err != nil {
			l.logger.Error("failed to acquire lock", "key", l.key, "attempt", attempt+1, "error", err)
			if attempt == maxRetries {
				return false, fmt.Errorf("acquire lock after %d attempts: %w", maxRetries+1, err)
			}
			time.Sleep(l.retryInterval(attempt))
			continue
		}

		if result {
			l.acquired = true
			l.logger.Debug("lock acquired", "key", l.key, "value", l.value, "ttl", l.ttl)
			return true, nil
		}

		l.logger.Debug("lock already held by another instance", "key", l.key, "attempt", attempt+1)
		if attempt == maxRetries {
			return false, nil
		}
		time.Sleep(l.retryInterval(attempt))
	}

	return false, nil
}

// releaseScript deletes the key only if its value still matches ours, so a
// lock this instance's TTL already expired can't be released out from under
// whoever acquired it next.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Release frees the lock if still held by this instance. A no-op if the
// lock was never successfully acquired.
func (l *DistributedLock) Release(ctx context.Context) error {
	if !l.acquired {
		l.logger.Warn("release called on lock that was not acquired", "key", l.key)
		return nil
	}

	releaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result, err := l.redis.Eval(releaseCtx, releaseScript, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}

	if n, _ := result.(int64); n == 1 {
		l.acquired = false
		l.logger.Debug("lock released", "key", l.key)
		return nil
	}

	l.logger.Warn("lock was not released (already expired or reclaimed)", "key", l.key)
	return nil
}

const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("expire", KEYS[1], ARGV[2])
else
	return 0
end
`

// Extend renews the lock's TTL, failing if another instance already reclaimed the key.
func (l *DistributedLock) Extend(ctx context.Context, newTTL time.Duration) error {
	if !l.acquired {
		return fmt.Errorf("cannot extend lock that was not acquired")
	}

	extendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result, err := l.redis.Eval(extendCtx, extendScript, []string{l.key}, l.value, int(newTTL.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("extend lock: %w", err)
	}

	if n, _ := result.(int64); n == 1 {
		l.ttl = newTTL
		return nil
	}

	return fmt.Errorf("lock was not extended (already expired or reclaimed)")
}

// IsAcquired reports whether this instance currently holds the lock.
func (l *DistributedLock) IsAcquired() bool { return l.acquired }

// GetKey returns the lock's Redis key.
func (l *DistributedLock) GetKey() string { return l.key }

// GetValue returns the unique value used to claim this lock instance.
func (l *DistributedLock) GetValue() string { return l.value }

// GetTTL returns the lock's current TTL.
func (l *DistributedLock) GetTTL() time.Duration { return l.ttl }

func (l *DistributedLock) retryInterval(attempt int) time.Duration {
	base := 100 * time.Millisecond
	interval := time.Duration(attempt+1) * base
	jitter := time.Duration(float64(interval) * 0.25 * (2*float64(time.Now().UnixNano()%1000)/1000 - 1))
	return interval + jitter
}

// Manager tracks locks this instance currently holds, keyed by lock key, so
// they can be released in bulk on shutdown.
type Manager struct {
	redis  *redis.Client
	config *LockConfig
	logger *slog.Logger
	locks  map[string]*DistributedLock
}

// NewManager creates a lock manager bound to a Redis client.
func NewManager(redis *redis.Client, config *LockConfig, logger *slog.Logger) *Manager {
	if config == nil {
		config = defaultLockConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		redis:  redis,
		config: config,
		logger: logger,
		locks:  make(map[string]*DistributedLock),
	}
}

// AcquireLock creates and acquires a new lock for key, tracking it for later release.
func (m *Manager) AcquireLock(ctx context.Context, key string) (*DistributedLock, error) {
	lk := NewDistributedLock(m.redis, key, m.config, m.logger)

	acquired, err := lk.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("failed to acquire lock for key: %s", key)
	}

	m.locks[key] = lk
	return lk, nil
}

// ReleaseLock releases and forgets the tracked lock for key.
func (m *Manager) ReleaseLock(ctx context.Context, key string) error {
	lk, exists := m.locks[key]
	if !exists {
		m.logger.Warn("release requested for untracked lock", "key", key)
		return nil
	}

	if err := lk.Release(ctx); err != nil {
		return err
	}

	delete(m.locks, key)
	return nil
}

// ReleaseAll releases every lock this manager currently tracks.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	var lastErr error
	for key, lk := range m.locks {
		if err := lk.Release(ctx); err != nil {
			m.logger.Error("failed to release lock", "key", key, "error", err)
			lastErr = err
		}
	}
	m.locks = make(map[string]*DistributedLock)
	return lastErr
}

// Close releases all tracked locks.
func (m *Manager) Close(ctx context.Context) error {
	return m.ReleaseAll(ctx)
}
