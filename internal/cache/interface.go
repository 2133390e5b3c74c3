// Package cache provides the two-tier cache used by the read-only probe and
// session position tracker: a process-local SrvCache and a cluster-wide
// WANCache, mirroring the "SrvCache / WANCache" split described for the
// balancer's read-only-mode escalation.
package cache

import (
	"context"
	"time"
)

// Cache is the storage tier abstraction shared by SrvCache and WANCache.
// Both tiers speak the same narrow contract so the read-only probe and
// position tracker can be written against the interface, not the backend.
type Cache interface {
	// Get retrieves the value for key and deserializes it into dest.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining time-to-live for key.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// ErrNotFound is returned when a key is absent from the cache.
var ErrNotFound = NewCacheError("key not found", "NOT_FOUND")

// ErrInvalidConfig is returned for a malformed cache configuration.
var ErrInvalidConfig = NewCacheError("invalid cache configuration", "CONFIG_ERROR")

// ErrConnectionFailed is returned when the backing store is unreachable.
var ErrConnectionFailed = NewCacheError("connection failed", "CONNECTION_ERROR")

// CacheError is a structured cache-layer error carrying a stable code for
// programmatic classification (e.g. IsNotFound, IsConnectionError).
type CacheError struct {
	Message string
	Code    string
	Cause   error
}

func (e *CacheError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *CacheError) Unwrap() error { return e.Cause }

// WithCause attaches an underlying cause to a CacheError.
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// NewCacheError constructs a CacheError with the given message and code.
func NewCacheError(message, code string) *CacheError {
	return &CacheError{Message: message, Code: code}
}

// IsNotFound reports whether err is a "key not found" CacheError.
func IsNotFound(err error) bool {
	if cacheErr, ok := err.(*CacheError); ok {
		return cacheErr.Code == "NOT_FOUND"
	}
	return false
}

// IsConnectionError reports whether err is a connection-failure CacheError.
func IsConnectionError(err error) bool {
	if cacheErr, ok := err.(*CacheError); ok {
		return cacheErr.Code == "CONNECTION_ERROR"
	}
	return false
}
