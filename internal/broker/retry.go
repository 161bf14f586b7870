package broker

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// retryConfig centralizes the exponential-backoff-with-jitter policy so it
// is never reimplemented at individual call sites (Design Note, spec.md §9).
type retryConfig struct {
	maxAttempts int
	base        time.Duration
	cap         time.Duration
	jitter      float64 // fraction, e.g. 0.2 = +/-20%
}

var defaultRetry = retryConfig{
	maxAttempts: 3,
	base:        250 * time.Millisecond,
	cap:         4 * time.Second,
	jitter:      0.2,
}

// withRetry runs fn up to cfg.maxAttempts times, retrying only when the
// returned error wraps ErrTransient. Idempotent GETs use this; order
// submission never does (spec.md §4.A: "Order submission is not retried on
// timeout").
func withRetry(ctx context.Context, cfg retryConfig, fn func() error) error {
	var err error
	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransient) {
			return err
		}
		if attempt == cfg.maxAttempts-1 {
			break
		}
		delay := backoffDelay(cfg, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	d := cfg.base << uint(attempt)
	if d > cfg.cap || d <= 0 {
		d = cfg.cap
	}
	if cfg.jitter <= 0 {
		return d
	}
	spread := float64(d) * cfg.jitter
	offset := (rand.Float64()*2 - 1) * spread
	result := float64(d) + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}
