package backend

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig bounds the delivery attempts for terminal status reports.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first (default 5)
	BaseDelay   time.Duration // initial backoff delay (default 2s)
	MaxDelay    time.Duration // backoff ceiling (default 30s)
}

// DefaultRetryConfig returns the documented delivery policy: five
// attempts with exponential backoff from 2s capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Do runs fn, retrying on error with exponential backoff + jitter until
// it succeeds, attempts are exhausted, or ctx is done. It returns the
// number of attempts made and the last error.
func Do(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) (attempts int, err error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt + 1, nil
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return attempt + 1, ctx.Err()
		case <-time.After(backoffWithJitter(cfg.BaseDelay, cfg.MaxDelay, attempt)):
		}
	}
	return cfg.MaxAttempts, err
}

// backoffWithJitter computes delay = min(base * 2^attempt, max) ± 25%.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}

	quarter := delay / 4
	if quarter > 0 {
		jitter := time.Duration(rand.Int64N(int64(quarter*2))) - quarter
		delay += jitter
	}
	return delay
}
