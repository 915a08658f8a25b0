package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig bounds repeated page fetches against a flaky upstream.
// Waits grow polynomially with the attempt number, so a source that is
// merely rate limiting gets a quick second try while a source that is
// down gets left alone for progressively longer.
type RetryConfig struct {
	// MaxAttempts counts the first try too; 1 disables retrying.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration

	// MaxDelay clamps the polynomial growth.
	MaxDelay time.Duration

	// Degree is the degree of the wait curve. The wait before retry n
	// is BaseDelay * n^Degree, clamped to MaxDelay.
	Degree int

	// Jitter spreads each wait by a ±Jitter fraction so workers that
	// failed together do not come back in lockstep.
	Jitter float64

	// ShouldRetry decides whether an error is worth another attempt.
	// Nil means IsTransient.
	ShouldRetry func(err error) bool

	// OnRetry observes each scheduled retry before its wait starts.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig is tuned for public open-data APIs: three tries,
// sub-second first wait, quadratic growth.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Degree:      2,
		Jitter:      0.25,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Degree <= 0 {
		c.Degree = 2
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = IsTransient
	}
	return c
}

// wait returns the jittered delay before retry n (1-based).
func (c RetryConfig) wait(n int) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(float64(n), float64(c.Degree))
	if ceil := float64(c.MaxDelay); d > ceil {
		d = ceil
	}
	if c.Jitter > 0 {
		d *= 1 + c.Jitter*(2*rand.Float64()-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// DoVal runs fn until it succeeds, fails non-retryably, exhausts the
// attempt budget, or ctx is done. The last error comes back as fn
// returned it, so callers can still classify it.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil || !cfg.ShouldRetry(err) || attempt == cfg.MaxAttempts {
			return zero, err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if sleep(ctx, cfg.wait(attempt)) != nil {
			return zero, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryLogger returns an OnRetry hook that records each scheduled
// retry against the named source and operation.
func RetryLogger(source, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("resilience: retrying after transient failure",
			zap.String("source", source),
			zap.String("operation", operation),
			zap.Int("failed_attempt", attempt),
			zap.Error(err),
		)
	}
}
