package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// Common retry-related errors
var (
	// ErrMaxRetriesExceeded is returned when all retry attempts are exhausted
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")

	// ErrNonRetryable is returned when an error is explicitly non-retryable
	ErrNonRetryable = errors.New("error is not retryable")
)

// DefaultErrorChecker is a default implementation of RetryableErrorChecker
// that considers network errors, timeouts, and temporary errors as retryable.
type DefaultErrorChecker struct{}

// IsRetryable implements RetryableErrorChecker interface.
// Returns true for transient errors that should be retried.
func (c *DefaultErrorChecker) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Explicitly non-retryable errors
	if errors.Is(err, ErrNonRetryable) {
		return false
	}

	// Network errors - check for transient conditions
	if isTransientNetworkError(err) {
		return true
	}

	// Timeout errors - generally retryable
	if isTimeoutError(err) {
		return true
	}

	// Check for "temporary" interface (common in Go stdlib)
	type temporary interface {
		Temporary() bool
	}
	if te, ok := err.(temporary); ok {
		return te.Temporary()
	}

	// Default: assume error is retryable
	return true
}

// isTransientNetworkError determines if a network error is transient.
func isTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}

	// DNS errors - temporary failures are retryable
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	// Operation errors - check for specific syscall errors
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// Connection refused - service might be restarting (retryable)
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return true
		}
		// Connection reset - transient network issue (retryable)
		if errors.Is(opErr.Err, syscall.ECONNRESET) {
			return true
		}
		// Network unreachable - might be temporary (retryable)
		if errors.Is(opErr.Err, syscall.ENETUNREACH) {
			return true
		}
		// Host unreachable - might be temporary (retryable)
		if errors.Is(opErr.Err, syscall.EHOSTUNREACH) {
			return true
		}
	}

	return false
}

// isTimeoutError checks if an error represents a timeout.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	// Check error message for timeout indicators
	errMsg := err.Error()
	timeoutIndicators := []string{
		"timeout",
		"deadline exceeded",
		"context deadline exceeded",
		"i/o timeout",
		"timed out",
	}

	for _, indicator := range timeoutIndicators {
		if strings.Contains(strings.ToLower(errMsg), indicator) {
			return true
		}
	}

	// Check for timeout interface
	type timeout interface {
		Timeout() bool
	}
	if te, ok := err.(timeout); ok {
		return te.Timeout()
	}

	return false
}

// ChainedErrorChecker chains multiple error checkers together.
// Returns true if ANY checker says the error is retryable.
type ChainedErrorChecker struct {
	Checkers []RetryableErrorChecker
}

// IsRetryable implements RetryableErrorChecker.
// Returns true if any of the chained checkers returns true.
func (c *ChainedErrorChecker) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	for _, checker := range c.Checkers {
		if checker.IsRetryable(err) {
			return true
		}
	}

	return false
}

// NeverRetryChecker always returns false (never retry).
type NeverRetryChecker struct{}

// IsRetryable implements RetryableErrorChecker.
func (c *NeverRetryChecker) IsRetryable(err error) bool {
	return false
}

// AlwaysRetryChecker always returns true (always retry).
type AlwaysRetryChecker struct{}

// IsRetryable implements RetryableErrorChecker.
func (c *AlwaysRetryChecker) IsRetryable(err error) bool {
	return err != nil
}
