package geocode

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eventpulse/harvester/internal/metrics"
	"github.com/eventpulse/harvester/internal/pipeline"
)

const defaultCacheTTL = 30 * 24 * time.Hour

// Searcher is the external geocoding call behind the resolver.
type Searcher interface {
	Search(ctx context.Context, query string) (pipeline.GeocodeResult, error)
}

// Resolver implements pipeline.Geocoder: curated registry first, then
// the normalized-key cache, then the external service.
type Resolver struct {
	registry *Registry
	cache    pipeline.GeocodeCache
	external Searcher
	clock    pipeline.Clock
	logger   *zap.Logger
	cacheTTL time.Duration
}

// NewResolver constructs a Resolver.
func NewResolver(registry *Registry, cache pipeline.GeocodeCache, external Searcher, clock pipeline.Clock, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		registry: registry,
		cache:    cache,
		external: external,
		clock:    clock,
		logger:   logger,
		cacheTTL: defaultCacheTTL,
	}
}

// Resolve geocodes free-form address text. It never returns an error;
// a failed resolution reports ok=false so the caller can park the item
// instead of failing it.
func (r *Resolver) Resolve(ctx context.Context, addressText string) (pipeline.GeocodeResult, bool) {
	addressText = strings.TrimSpace(addressText)
	if addressText == "" {
		return pipeline.GeocodeResult{}, false
	}

	if result, ok := r.registry.Lookup(addressText); ok {
		metrics.ObserveGeocode("registry")
		return result, true
	}

	key := CacheKey(addressText)
	now := r.clock.Now()

	entry, err := r.cache.Lookup(ctx, key)
	if err != nil {
		r.logger.Warn("geocode cache lookup failed", zap.String("key", key), zap.Error(err))
	} else if entry != nil && entry.ExpiresAt.After(now) {
		metrics.ObserveGeocode("cache")
		return entry.Result, true
	}

	result, err := r.external.Search(ctx, addressText)
	if err != nil {
		metrics.ObserveGeocode("miss")
		r.logger.Info("geocode resolution failed",
			zap.String("address", addressText),
			zap.Error(err),
		)
		return pipeline.GeocodeResult{}, false
	}

	metrics.ObserveGeocode("external")
	if err := r.cache.Store(ctx, pipeline.GeocodeCacheEntry{
		Key:       key,
		Result:    result,
		HitCount:  1,
		LastHitAt: now,
		ExpiresAt: now.Add(r.cacheTTL),
	}); err != nil {
		r.logger.Warn("geocode cache store failed", zap.String("key", key), zap.Error(err))
	}
	return result, true
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9äöüß]+`)

// CacheKey normalizes address text into a stable cache key: lowercase,
// punctuation stripped, whitespace collapsed to single underscores.
func CacheKey(addressText string) string {
	key := strings.ToLower(addressText)
	key = nonAlnum.ReplaceAllString(key, " ")
	return strings.Join(strings.Fields(key), "_")
}
