package discovery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	publishmem "github.com/eventpulse/harvester/internal/publisher/memory"
	"github.com/eventpulse/harvester/internal/pipeline"
	"github.com/eventpulse/harvester/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

// flakyPublisher fails for selected source URLs.
type flakyPublisher struct {
	mu      sync.Mutex
	failFor map[string]bool
	inner   *publishmem.Publisher
}

func (p *flakyPublisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	job := payload.(Job)
	p.mu.Lock()
	fail := p.failFor[job.URL]
	p.mu.Unlock()
	if fail {
		return "", fmt.Errorf("transient publish error")
	}
	return p.inner.Publish(ctx, topic, payload)
}

func seedTargets(sources *memory.SourceStore, n, tier int) []pipeline.Source {
	out := make([]pipeline.Source, 0, n)
	for i := 0; i < n; i++ {
		src := pipeline.Source{
			ID:   uuid.New(),
			URL:  fmt.Sprintf("https://venue%d.example.org/events", i),
			Tier: tier,
		}
		sources.Put(src)
		out = append(out, src)
	}
	return out
}

func newTestQueue() *memory.QueueStore {
	return memory.NewQueueStore(&fixedClock{now: time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC)})
}

func newCoordinator(sources *memory.SourceStore, queue *memory.QueueStore, pub pipeline.Publisher) *Coordinator {
	clock := &fixedClock{now: time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC)}
	return New(sources, queue, pub, clock, "discovery-jobs", zap.NewNop())
}

func TestRunSpawnsOneJobPerTarget(t *testing.T) {
	sources := memory.NewSourceStore()
	queue := newTestQueue()
	pub := publishmem.New()
	seedTargets(sources, 8, 1)

	report, err := newCoordinator(sources, queue, pub).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 8, report.Targets)
	require.Equal(t, 8, report.Spawned)
	require.Equal(t, 0, report.Skipped)
	require.Equal(t, 0, report.Failed)
	require.Len(t, pub.Messages(), 8)

	for _, msg := range pub.Messages() {
		require.Equal(t, "discovery-jobs", msg.Topic)
		job := msg.Payload.(Job)
		item, err := queue.Get(context.Background(), job.ItemID)
		require.NoError(t, err)
		require.Equal(t, pipeline.StageDiscovered, item.Stage)
		require.Equal(t, job.SourceID, item.SourceID)
	}
}

func TestRunSkipsSourcesWithPendingItems(t *testing.T) {
	sources := memory.NewSourceStore()
	queue := newTestQueue()
	pub := publishmem.New()
	targets := seedTargets(sources, 3, 1)

	require.NoError(t, queue.Enqueue(context.Background(), pipeline.QueueItem{
		ID:       uuid.New(),
		SourceID: targets[0].ID,
		Stage:    pipeline.StageFetching,
	}))

	coordinator := newCoordinator(sources, queue, pub)
	report, err := coordinator.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 2, report.Spawned)
	require.Equal(t, 1, report.Skipped)

	// Re-invocation is idempotent: everything now has a pending item.
	report, err = coordinator.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 0, report.Spawned)
	require.Equal(t, 3, report.Skipped)
}

func TestRunToleratesIndividualSpawnFailures(t *testing.T) {
	sources := memory.NewSourceStore()
	queue := newTestQueue()
	targets := seedTargets(sources, 4, 1)
	pub := &flakyPublisher{
		failFor: map[string]bool{targets[1].URL: true},
		inner:   publishmem.New(),
	}

	report, err := newCoordinator(sources, queue, pub).Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 3, report.Spawned)
	require.Equal(t, 1, report.Failed)
	require.Len(t, pub.inner.Messages(), 3)
}

func TestRunFiltersByTier(t *testing.T) {
	sources := memory.NewSourceStore()
	queue := newTestQueue()
	pub := publishmem.New()
	seedTargets(sources, 2, 1)
	seedTargets(sources, 3, 5)

	report, err := newCoordinator(sources, queue, pub).Run(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, 3, report.Targets)
	require.Equal(t, 3, report.Spawned)
}
