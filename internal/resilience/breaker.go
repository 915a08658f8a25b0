package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transparenciahub/procurement-cli/internal/cache"
)

// ErrCircuitOpen is returned before any upstream call when the breaker for
// a data source is open. It is never retried internally; the scheduler is
// expected to back off entirely.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls the per-data-source circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures
	// within the TTL window before the circuit opens. Default: 3.
	FailureThreshold int

	// TTL bounds both the rolling failure window and how long an open
	// circuit stays open without a successful probe. Default: 15m.
	TTL time.Duration
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		TTL:              15 * time.Minute,
	}
}

// Breaker is a circuit breaker keyed by data source id. State lives in a
// shared TTL store (Redis in production) so that page jobs running on
// different workers observe the same counters and open flags.
type Breaker struct {
	store cache.Store
	cfg   BreakerConfig
}

// NewBreaker creates a breaker over the given shared store.
func NewBreaker(store cache.Store, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	return &Breaker{store: store, cfg: cfg}
}

// Allow returns ErrCircuitOpen when the circuit for the data source is
// open; nil otherwise. Cache errors degrade to allowing the call.
func (b *Breaker) Allow(ctx context.Context, dataSourceID int64) error {
	open, err := b.store.Exists(ctx, openKey(dataSourceID))
	if err != nil {
		zap.L().Warn("breaker: open-flag read failed, allowing call",
			zap.Int64("data_source_id", dataSourceID),
			zap.Error(err),
		)
		return nil
	}
	if open {
		return ErrCircuitOpen
	}
	return nil
}

// RecordFailure counts one transient failure and opens the circuit when
// the consecutive-failure threshold is reached within the TTL window.
// Returns the current failure count.
func (b *Breaker) RecordFailure(ctx context.Context, dataSourceID int64) (int64, error) {
	failures, err := b.store.Increment(ctx, failureKey(dataSourceID), b.cfg.TTL)
	if err != nil {
		return 0, eris.Wrap(err, "breaker: increment failures")
	}
	if failures >= int64(b.cfg.FailureThreshold) {
		if err := b.store.SetFlag(ctx, openKey(dataSourceID), b.cfg.TTL); err != nil {
			return failures, eris.Wrap(err, "breaker: open circuit")
		}
	}
	return failures, nil
}

// RecordSuccess clears both the failure counter and the open flag.
func (b *Breaker) RecordSuccess(ctx context.Context, dataSourceID int64) error {
	if err := b.store.Delete(ctx, failureKey(dataSourceID), openKey(dataSourceID)); err != nil {
		return eris.Wrap(err, "breaker: reset")
	}
	return nil
}

func failureKey(dataSourceID int64) string {
	return fmt.Sprintf("ingest:failures:%d", dataSourceID)
}

func openKey(dataSourceID int64) string {
	return fmt.Sprintf("ingest:open:%d", dataSourceID)
}
