package geocode

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eventpulse/harvester/internal/metrics"
	"github.com/eventpulse/harvester/internal/pipeline"
	"github.com/eventpulse/harvester/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

type fakeSearcher struct {
	result pipeline.GeocodeResult
	err    error
	calls  int
}

func (s *fakeSearcher) Search(_ context.Context, _ string) (pipeline.GeocodeResult, error) {
	s.calls++
	if s.err != nil {
		return pipeline.GeocodeResult{}, s.err
	}
	return s.result, nil
}

func testVenues() []Venue {
	return []Venue{
		{
			Name:    "Kulturhaus Leipzig",
			Aliases: []string{"Kulturhaus", "KH Leipzig"},
			Lat:     51.3397,
			Lng:     12.3731,
		},
	}
}

func newTestResolver(external Searcher) (*Resolver, *memory.GeocodeCache) {
	metrics.Init()
	cache := memory.NewGeocodeCache()
	clock := &fixedClock{now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	return NewResolver(NewRegistry(testVenues()), cache, external, clock, zap.NewNop()), cache
}

func TestResolveRegistryHitSkipsExternalCall(t *testing.T) {
	external := &fakeSearcher{}
	resolver, _ := newTestResolver(external)

	result, ok := resolver.Resolve(context.Background(), "kulturhaus  LEIPZIG")
	require.True(t, ok)
	require.InDelta(t, 51.3397, result.Lat, 0.0001)
	require.Equal(t, 0, external.calls)

	_, ok = resolver.Resolve(context.Background(), "KH Leipzig")
	require.True(t, ok)
	require.Equal(t, 0, external.calls, "alias lookup must stay local")
}

func TestResolveCachesExternalResult(t *testing.T) {
	external := &fakeSearcher{result: pipeline.GeocodeResult{Lat: 52.52, Lng: 13.405, DisplayName: "Berlin"}}
	resolver, _ := newTestResolver(external)

	first, ok := resolver.Resolve(context.Background(), "Unbekannte Straße 1, Berlin")
	require.True(t, ok)
	require.Equal(t, 1, external.calls)

	second, ok := resolver.Resolve(context.Background(), "unbekannte straße 1 berlin")
	require.True(t, ok)
	require.Equal(t, first, second)
	require.Equal(t, 1, external.calls, "second lookup must come from cache")
}

func TestResolveIgnoresExpiredCacheEntry(t *testing.T) {
	external := &fakeSearcher{result: pipeline.GeocodeResult{Lat: 52.52, Lng: 13.405}}
	resolver, cache := newTestResolver(external)

	key := CacheKey("Alte Adresse 9")
	require.NoError(t, cache.Store(context.Background(), pipeline.GeocodeCacheEntry{
		Key:       key,
		Result:    pipeline.GeocodeResult{Lat: 1, Lng: 1},
		ExpiresAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))

	result, ok := resolver.Resolve(context.Background(), "Alte Adresse 9")
	require.True(t, ok)
	require.Equal(t, 1, external.calls)
	require.InDelta(t, 52.52, result.Lat, 0.0001)
}

func TestResolveFailureReturnsNotOK(t *testing.T) {
	external := &fakeSearcher{err: fmt.Errorf("connection refused")}
	resolver, _ := newTestResolver(external)

	_, ok := resolver.Resolve(context.Background(), "Somewhere 42")
	require.False(t, ok)

	_, ok = resolver.Resolve(context.Background(), "")
	require.False(t, ok)
	require.Equal(t, 1, external.calls, "empty input never reaches the external service")
}

func TestCacheKeyNormalization(t *testing.T) {
	require.Equal(t,
		CacheKey("Hauptstraße 5, 04109 Leipzig"),
		CacheKey("  hauptstraße 5 04109 LEIPZIG  "),
	)
	require.Equal(t, "hauptstraße_5", CacheKey("Hauptstraße 5"))
}
