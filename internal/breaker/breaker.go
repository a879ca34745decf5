// Package breaker implements the per-source circuit breaker gating all
// network calls to a scrape target.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eventpulse/harvester/internal/metrics"
	"github.com/eventpulse/harvester/internal/pipeline"
)

// Config controls breaker thresholds and cooldowns.
type Config struct {
	FailureThreshold int
	BaseCooldown     time.Duration
	MaxCooldown      time.Duration
}

// casAttempts bounds the optimistic retry loop when workers race on the
// same source. Losing every round means another worker already applied an
// equivalent transition.
const casAttempts = 4

// Breaker gates requests per source using shared, versioned state.
//
// When the backing store is unreachable the gate fails open: the request
// is allowed, but the condition is logged at Error level and counted, so
// a store outage cannot silently mask a source outage.
type Breaker struct {
	store  pipeline.BreakerStore
	clock  pipeline.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Breaker.
func New(store pipeline.BreakerStore, clock pipeline.Clock, cfg Config, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = 30 * time.Minute
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{store: store, clock: clock, cfg: cfg, logger: logger}
}

// IsAllowed reports whether the source may be contacted. An OPEN circuit
// whose cooldown has elapsed transitions to HALF_OPEN and allows exactly
// one probe; the CAS guarantees only one racing worker wins the probe.
func (b *Breaker) IsAllowed(ctx context.Context, sourceID uuid.UUID) bool {
	for attempt := 0; attempt < casAttempts; attempt++ {
		state, err := b.store.Get(ctx, sourceID)
		if err != nil {
			b.failOpen(sourceID, err)
			return true
		}

		switch state.State {
		case pipeline.BreakerClosed:
			return true
		case pipeline.BreakerHalfOpen:
			// A probe is already in flight.
			return false
		case pipeline.BreakerOpen:
			now := b.clock.Now()
			if state.CooldownUntil == nil || now.Before(*state.CooldownUntil) {
				return false
			}
			next := state
			next.State = pipeline.BreakerHalfOpen
			next.CooldownUntil = nil
			ok, err := b.store.CompareAndSwap(ctx, state.Version, next)
			if err != nil {
				b.failOpen(sourceID, err)
				return true
			}
			if ok {
				metrics.ObserveBreakerTransition(string(pipeline.BreakerHalfOpen))
				b.logger.Info("circuit half-open, allowing probe",
					zap.String("source_id", sourceID.String()),
				)
				return true
			}
			// Lost the race; re-read, another worker holds the probe.
		default:
			return true
		}
	}
	return false
}

// RecordSuccess notes a successful call. A HALF_OPEN probe success closes
// the circuit and resets all counters.
func (b *Breaker) RecordSuccess(ctx context.Context, sourceID uuid.UUID) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		state, err := b.store.Get(ctx, sourceID)
		if err != nil {
			return fmt.Errorf("breaker record success: %w", err)
		}

		next := state
		switch state.State {
		case pipeline.BreakerHalfOpen:
			next.State = pipeline.BreakerClosed
			next.FailureCount = 0
			next.SuccessCount = 0
			next.ConsecutiveOpens = 0
			next.CooldownUntil = nil
			next.OpenedAt = nil
		case pipeline.BreakerClosed:
			next.SuccessCount++
			next.FailureCount = 0
		default:
			// Success reported against an OPEN circuit is stale; ignore.
			return nil
		}

		ok, err := b.store.CompareAndSwap(ctx, state.Version, next)
		if err != nil {
			return fmt.Errorf("breaker record success: %w", err)
		}
		if ok {
			if state.State == pipeline.BreakerHalfOpen {
				metrics.ObserveBreakerTransition(string(pipeline.BreakerClosed))
				b.logger.Info("circuit closed after probe success",
					zap.String("source_id", sourceID.String()),
				)
			}
			return nil
		}
	}
	return fmt.Errorf("breaker record success: lost %d consecutive races", casAttempts)
}

// RecordFailure notes a failed call. Reaching the failure threshold in
// CLOSED, or any failure in HALF_OPEN, opens the circuit with an
// exponentially growing cooldown.
func (b *Breaker) RecordFailure(ctx context.Context, sourceID uuid.UUID, reason string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		state, err := b.store.Get(ctx, sourceID)
		if err != nil {
			return fmt.Errorf("breaker record failure: %w", err)
		}

		next := state
		opened := false
		switch state.State {
		case pipeline.BreakerClosed:
			next.FailureCount++
			if next.FailureCount >= b.cfg.FailureThreshold {
				b.open(&next)
				opened = true
			}
		case pipeline.BreakerHalfOpen:
			b.open(&next)
			opened = true
		case pipeline.BreakerOpen:
			// Already open; nothing to record.
			return nil
		}

		ok, err := b.store.CompareAndSwap(ctx, state.Version, next)
		if err != nil {
			return fmt.Errorf("breaker record failure: %w", err)
		}
		if ok {
			if opened {
				metrics.ObserveBreakerTransition(string(pipeline.BreakerOpen))
				b.logger.Warn("circuit opened",
					zap.String("source_id", sourceID.String()),
					zap.String("reason", reason),
					zap.Timep("cooldown_until", next.CooldownUntil),
					zap.Int("consecutive_opens", next.ConsecutiveOpens),
				)
			}
			return nil
		}
	}
	return fmt.Errorf("breaker record failure: lost %d consecutive races", casAttempts)
}

// open mutates next into the OPEN state with a cooldown of
// min(maxCooldown, baseCooldown * 2^consecutiveOpens).
func (b *Breaker) open(next *pipeline.BreakerState) {
	cooldown := b.cfg.BaseCooldown << next.ConsecutiveOpens
	if cooldown > b.cfg.MaxCooldown || cooldown <= 0 {
		cooldown = b.cfg.MaxCooldown
	}
	now := b.clock.Now()
	until := now.Add(cooldown)
	next.State = pipeline.BreakerOpen
	next.FailureCount = 0
	next.SuccessCount = 0
	next.ConsecutiveOpens++
	next.CooldownUntil = &until
	next.OpenedAt = &now
}

func (b *Breaker) failOpen(sourceID uuid.UUID, err error) {
	metrics.IncBreakerFailOpen()
	b.logger.Error("breaker store unreachable, failing open",
		zap.String("source_id", sourceID.String()),
		zap.Error(err),
	)
}
