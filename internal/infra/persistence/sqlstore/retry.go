package sqlstore

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig controls retries of write transactions failing with transient
// driver errors (lock contention, serialization failures).
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig is used unless a dialect overrides it.
var DefaultRetryConfig = RetryConfig{
	MaxRetries: 3,
	BaseDelay:  50 * time.Millisecond,
	MaxDelay:   500 * time.Millisecond,
}

// retryOp runs fn with exponential backoff and jitter while isTransient
// reports the failure as transient.
func retryOp(ctx context.Context, cfg RetryConfig, isTransient func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if isTransient == nil || !isTransient(lastErr) {
			return lastErr
		}
		if attempt < cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(backoffDelay(cfg, attempt)):
			}
		}
	}
	return lastErr
}

// backoffDelay returns baseDelay * 2^attempt capped at maxDelay, plus a
// random jitter in [0, baseDelay).
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << uint(attempt)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.BaseDelay <= 0 {
		return delay
	}
	jitter := time.Duration(rand.Int63n(int64(cfg.BaseDelay)))
	return delay + jitter
}
