package fetcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eventpulse/harvester/internal/metrics"
	"github.com/eventpulse/harvester/internal/pipeline"
)

// Chain implements pipeline.Fetcher by trying progressively more
// expensive strategies until one succeeds. The first attempt's error is
// the one surfaced when every strategy fails.
type Chain struct {
	strategies map[pipeline.FetchStrategy]pipeline.Fetcher
	timeout    time.Duration
	logger     *zap.Logger
}

// NewChain builds a Chain over the given strategy implementations.
func NewChain(
	strategies map[pipeline.FetchStrategy]pipeline.Fetcher,
	timeout time.Duration,
	logger *zap.Logger,
) *Chain {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{strategies: strategies, timeout: timeout, logger: logger}
}

// retryableStatus reports whether the HTTP status warrants escalating to
// the next strategy rather than accepting the response. Only a 2xx is an
// accepted answer; anti-bot walls frequently masquerade as 404 or 410, so
// every other status gets the next strategy.
func retryableStatus(code int) bool {
	return code < 200 || code >= 300
}

// Fetch tries the chain starting from request.Strategy. The returned
// result is tagged with the strategy that actually produced it.
func (c *Chain) Fetch(ctx context.Context, request pipeline.FetchRequest) (pipeline.FetchResult, error) {
	chain := pipeline.StrategyChain(request.Strategy)
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	var firstErr error
	for _, strategy := range chain {
		impl, ok := c.strategies[strategy]
		if !ok {
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		attempt := request
		attempt.Strategy = strategy
		result, err := impl.Fetch(attemptCtx, attempt)
		cancel()

		switch {
		case err != nil:
			metrics.ObserveFetchAttempt(string(strategy), "error")
			c.logger.Warn("fetch strategy failed",
				zap.String("url", request.URL),
				zap.String("strategy", string(strategy)),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			if ctx.Err() != nil {
				return pipeline.FetchResult{}, fmt.Errorf("fetch %s: %w", request.URL, firstErr)
			}
		case retryableStatus(result.StatusCode):
			metrics.ObserveFetchAttempt(string(strategy), fmt.Sprintf("http_%d", result.StatusCode))
			c.logger.Warn("fetch strategy rejected",
				zap.String("url", request.URL),
				zap.String("strategy", string(strategy)),
				zap.Int("status", result.StatusCode),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("strategy %s: unexpected status %d", strategy, result.StatusCode)
			}
		default:
			metrics.ObserveFetchAttempt(string(strategy), "success")
			result.StrategyUsed = strategy
			result.ContentHash = ContentHash(result.Markup)
			return result, nil
		}
	}

	if firstErr == nil {
		firstErr = fmt.Errorf("no strategy configured for chain starting at %s", request.Strategy)
	}
	return pipeline.FetchResult{}, fmt.Errorf("fetch %s: all strategies exhausted: %w", request.URL, firstErr)
}
