// Package ratelimit implements per-domain politeness limits for
// outbound fetches: a token bucket per domain, a concurrency cap and
// source-level backoff windows.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/eventpulse/harvester/internal/metrics"
	"github.com/eventpulse/harvester/internal/pipeline"
)

// Config holds the defaults applied to domains without a source-level
// override.
type Config struct {
	DefaultRPM        int
	DefaultBurst      int
	DefaultConcurrent int
}

type domainState struct {
	limiter *rate.Limiter
	slots   chan struct{}
}

// Limiter manages per-domain rate limits.
type Limiter struct {
	mu      sync.Mutex
	domains map[string]*domainState
	cfg     Config
	clock   pipeline.Clock
}

// New creates a Limiter.
func New(cfg Config, clock pipeline.Clock) *Limiter {
	if cfg.DefaultRPM <= 0 {
		cfg.DefaultRPM = 12
	}
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = 1
	}
	if cfg.DefaultConcurrent <= 0 {
		cfg.DefaultConcurrent = 2
	}
	return &Limiter{
		domains: make(map[string]*domainState),
		cfg:     cfg,
		clock:   clock,
	}
}

// Acquire blocks until the domain's backoff window has passed, a rate
// token is available and a concurrency slot is free. The returned
// release function must be called when the fetch completes.
func (l *Limiter) Acquire(ctx context.Context, rawURL string, state pipeline.RateLimitState) (func(), error) {
	domain := domainOf(rawURL)

	if state.BackoffUntil != nil {
		if wait := state.BackoffUntil.Sub(l.clock.Now()); wait > 0 {
			metrics.ObserveRateLimitDelay(domain, wait)
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("backoff wait: %w", ctx.Err())
			case <-timer.C:
			}
		}
	}

	ds := l.domain(domain, state)

	start := time.Now()
	if err := ds.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}

	select {
	case ds.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("concurrency slot wait: %w", ctx.Err())
	}
	return func() { <-ds.slots }, nil
}

func (l *Limiter) domain(domain string, state pipeline.RateLimitState) *domainState {
	l.mu.Lock()
	defer l.mu.Unlock()

	ds, ok := l.domains[domain]
	if ok {
		return ds
	}

	rpm := state.RequestsPerMinute
	if rpm <= 0 {
		rpm = l.cfg.DefaultRPM
	}
	concurrent := state.MaxConcurrent
	if concurrent <= 0 {
		concurrent = l.cfg.DefaultConcurrent
	}
	ds = &domainState{
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), l.cfg.DefaultBurst),
		slots:   make(chan struct{}, concurrent),
	}
	l.domains[domain] = ds
	return ds
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
