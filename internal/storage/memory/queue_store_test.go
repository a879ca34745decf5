package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/eventpulse/harvester/internal/pipeline"
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

func seedItems(t *testing.T, store *QueueStore, stage pipeline.Stage, n int) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		id := uuid.New()
		require.NoError(t, store.Enqueue(context.Background(), pipeline.QueueItem{
			ID:        id,
			SourceID:  uuid.New(),
			SourceURL: fmt.Sprintf("https://example.org/events/%d", i),
			Stage:     stage,
			Priority:  i % 3,
		}))
		ids = append(ids, id)
	}
	return ids
}

func TestClaimNeverDoubleAssigns(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Now().UTC()}
	store := NewQueueStore(clk)
	seedItems(t, store, pipeline.StageFetching, 40)

	const workers = 10
	var wg sync.WaitGroup
	claims := make(chan pipeline.QueueItem, 200)
	for w := 0; w < workers; w++ {
		workerID := fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				items, err := store.Claim(context.Background(), pipeline.StageFetching, 5, workerID)
				require.NoError(t, err)
				if len(items) == 0 {
					return
				}
				for _, item := range items {
					claims <- item
				}
			}
		}()
	}
	wg.Wait()
	close(claims)

	seen := make(map[uuid.UUID]string)
	for item := range claims {
		owner, dup := seen[item.ID]
		require.False(t, dup, "item %s claimed by both %s and %s", item.ID, owner, item.ClaimedBy)
		seen[item.ID] = item.ClaimedBy
	}
	require.Len(t, seen, 40)
}

func TestClaimOrdersByPriority(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Now().UTC()}
	store := NewQueueStore(clk)
	ctx := context.Background()

	low := pipeline.QueueItem{ID: uuid.New(), Stage: pipeline.StageExtracting, Priority: 1}
	high := pipeline.QueueItem{ID: uuid.New(), Stage: pipeline.StageExtracting, Priority: 9}
	require.NoError(t, store.Enqueue(ctx, low))
	require.NoError(t, store.Enqueue(ctx, high))

	items, err := store.Claim(ctx, pipeline.StageExtracting, 1, "w1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, high.ID, items[0].ID)
}

func TestAdvanceClearsClaim(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Now().UTC()}
	store := NewQueueStore(clk)
	ctx := context.Background()
	ids := seedItems(t, store, pipeline.StageFetching, 1)

	items, err := store.Claim(ctx, pipeline.StageFetching, 1, "w1")
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, store.Advance(ctx, ids[0], pipeline.StageCleaning, pipeline.AdvanceUpdate{
		RawMarkup:   []byte("<html></html>"),
		ContentHash: "abc123",
	}))

	item, err := store.Get(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, pipeline.StageCleaning, item.Stage)
	require.Empty(t, item.ClaimedBy)
	require.Nil(t, item.ClaimedAt)
	require.Equal(t, "abc123", item.ContentHash)
}

func TestReclaimAbandoned(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Now().UTC()}
	store := NewQueueStore(clk)
	ctx := context.Background()
	seedItems(t, store, pipeline.StageFetching, 3)

	items, err := store.Claim(ctx, pipeline.StageFetching, 3, "crashed-worker")
	require.NoError(t, err)
	require.Len(t, items, 3)

	// Nothing is reclaimable before the timeout.
	n, err := store.ReclaimAbandoned(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Advance(11 * time.Minute)
	n, err = store.ReclaimAbandoned(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	reclaimed, err := store.Claim(ctx, pipeline.StageFetching, 3, "w2")
	require.NoError(t, err)
	require.Len(t, reclaimed, 3)
}

func TestFailQuarantinesBeyondBound(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Now().UTC()}
	store := NewQueueStore(clk)
	ctx := context.Background()
	ids := seedItems(t, store, pipeline.StageFetching, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Fail(ctx, ids[0], pipeline.FailureTransient, "TIMEOUT", "fetch timeout", 3))
		item, err := store.Get(ctx, ids[0])
		require.NoError(t, err)
		require.Equal(t, pipeline.StageFailed, item.Stage)
	}

	require.NoError(t, store.Fail(ctx, ids[0], pipeline.FailureTransient, "TIMEOUT", "fetch timeout", 3))
	item, err := store.Get(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, pipeline.StageQuarantined, item.Stage)
	require.Equal(t, 4, item.FailureCount)
}

func TestDuplicateOfCycleRejected(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Now().UTC()}
	store := NewQueueStore(clk)
	ctx := context.Background()

	a := uuid.New()
	b := uuid.New()
	require.NoError(t, store.Enqueue(ctx, pipeline.QueueItem{ID: a, Stage: pipeline.StageDeduplicating}))
	require.NoError(t, store.Enqueue(ctx, pipeline.QueueItem{ID: b, Stage: pipeline.StageDeduplicating}))

	require.NoError(t, store.Advance(ctx, b, pipeline.StageIndexed, pipeline.AdvanceUpdate{DuplicateOf: &a}))
	err := store.Advance(ctx, a, pipeline.StageIndexed, pipeline.AdvanceUpdate{DuplicateOf: &b})
	require.ErrorIs(t, err, pipeline.ErrDuplicateCycle)
}
