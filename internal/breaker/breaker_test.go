package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eventpulse/harvester/internal/metrics"
	"github.com/eventpulse/harvester/internal/pipeline"
	"github.com/eventpulse/harvester/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(t *testing.T) (*Breaker, *fakeClock, uuid.UUID) {
	t.Helper()
	metrics.Init()
	clk := &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	b := New(memory.NewBreakerStore(), clk, Config{
		FailureThreshold: 5,
		BaseCooldown:     30 * time.Minute,
		MaxCooldown:      24 * time.Hour,
	}, zap.NewNop())
	return b, clk, uuid.New()
}

func TestBreakerOpensExactlyAtThreshold(t *testing.T) {
	t.Parallel()
	b, _, sourceID := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, b.RecordFailure(ctx, sourceID, "http 500"))
		require.True(t, b.IsAllowed(ctx, sourceID), "circuit must stay closed before the threshold (failure %d)", i+1)
	}

	require.NoError(t, b.RecordFailure(ctx, sourceID, "http 500"))
	require.False(t, b.IsAllowed(ctx, sourceID), "circuit must open on the fifth failure")
}

func TestBreakerCooldownAndSingleProbe(t *testing.T) {
	t.Parallel()
	b, clk, sourceID := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.RecordFailure(ctx, sourceID, "http 503"))
	}

	// Blocked for the whole cooldown window.
	clk.Advance(10 * time.Minute)
	require.False(t, b.IsAllowed(ctx, sourceID))

	// First call at/after cooldown_until allows exactly one probe.
	clk.Advance(21 * time.Minute)
	require.True(t, b.IsAllowed(ctx, sourceID))
	require.False(t, b.IsAllowed(ctx, sourceID), "only one probe may be in flight")
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	t.Parallel()
	b, clk, sourceID := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.RecordFailure(ctx, sourceID, "timeout"))
	}
	clk.Advance(31 * time.Minute)
	require.True(t, b.IsAllowed(ctx, sourceID))

	require.NoError(t, b.RecordSuccess(ctx, sourceID))
	require.True(t, b.IsAllowed(ctx, sourceID))

	// Counters reset: it takes a full round of failures to reopen.
	for i := 0; i < 4; i++ {
		require.NoError(t, b.RecordFailure(ctx, sourceID, "timeout"))
	}
	require.True(t, b.IsAllowed(ctx, sourceID))
}

func TestBreakerHalfOpenFailureReopensLonger(t *testing.T) {
	t.Parallel()
	b, clk, sourceID := newTestBreaker(t)
	ctx := context.Background()
	store := memory.NewBreakerStore()
	b.store = store

	for i := 0; i < 5; i++ {
		require.NoError(t, b.RecordFailure(ctx, sourceID, "blocked"))
	}
	first, err := store.Get(ctx, sourceID)
	require.NoError(t, err)
	require.NotNil(t, first.CooldownUntil)
	firstCooldown := first.CooldownUntil.Sub(clk.Now())

	clk.Advance(31 * time.Minute)
	require.True(t, b.IsAllowed(ctx, sourceID))
	require.NoError(t, b.RecordFailure(ctx, sourceID, "blocked again"))

	second, err := store.Get(ctx, sourceID)
	require.NoError(t, err)
	require.Equal(t, pipeline.BreakerOpen, second.State)
	require.NotNil(t, second.CooldownUntil)
	secondCooldown := second.CooldownUntil.Sub(clk.Now())
	require.Greater(t, secondCooldown, firstCooldown, "reopened cooldown must be strictly larger")
	require.Equal(t, 2, second.ConsecutiveOpens)
}

func TestBreakerCooldownCapped(t *testing.T) {
	t.Parallel()
	metrics.Init()
	clk := &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	store := memory.NewBreakerStore()
	b := New(store, clk, Config{
		FailureThreshold: 1,
		BaseCooldown:     30 * time.Minute,
		MaxCooldown:      time.Hour,
	}, zap.NewNop())
	sourceID := uuid.New()
	ctx := context.Background()

	for round := 0; round < 4; round++ {
		require.NoError(t, b.RecordFailure(ctx, sourceID, "down"))
		state, err := store.Get(ctx, sourceID)
		require.NoError(t, err)
		require.LessOrEqual(t, state.CooldownUntil.Sub(clk.Now()), time.Hour)
		clk.Advance(2 * time.Hour)
		require.True(t, b.IsAllowed(ctx, sourceID))
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, uuid.UUID) (pipeline.BreakerState, error) {
	return pipeline.BreakerState{}, errors.New("store unreachable")
}

func (failingStore) CompareAndSwap(context.Context, int64, pipeline.BreakerState) (bool, error) {
	return false, errors.New("store unreachable")
}

func TestBreakerFailsOpenOnStoreError(t *testing.T) {
	t.Parallel()
	metrics.Init()
	clk := &fakeClock{now: time.Now().UTC()}
	b := New(failingStore{}, clk, Config{}, zap.NewNop())

	require.True(t, b.IsAllowed(context.Background(), uuid.New()),
		"an unreachable breaker store must fail open")
}

func TestBreakerConcurrentProbeRace(t *testing.T) {
	t.Parallel()
	b, clk, sourceID := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.RecordFailure(ctx, sourceID, "down"))
	}
	clk.Advance(31 * time.Minute)

	const workers = 8
	var wg sync.WaitGroup
	allowed := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- b.IsAllowed(ctx, sourceID)
		}()
	}
	wg.Wait()
	close(allowed)

	probes := 0
	for ok := range allowed {
		if ok {
			probes++
		}
	}
	require.Equal(t, 1, probes, "exactly one racing worker may win the probe")
}
