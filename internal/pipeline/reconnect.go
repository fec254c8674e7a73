package pipeline

import (
	"context"
	"time"
)

// ReconnectConfig controls the backoff between attempts to reopen a
// failing frame source. Attempts never stop; the delay is capped.
type ReconnectConfig struct {
	RetryDelay    time.Duration `mapstructure:"retry_delay"`     // Initial retry delay (default: 500ms)
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"` // Maximum retry delay cap (default: 10s)
	DegradedAfter int           `mapstructure:"degraded_after"`  // Consecutive failures before the camera is reported degraded
}

// DefaultReconnectConfig returns default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 10 * time.Second,
		DegradedAfter: 5,
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at maxRetryDelay.
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}

	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
