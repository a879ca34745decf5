// Package discovery fans a discovery run out into per-source queue
// items and worker job messages.
package discovery

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eventpulse/harvester/internal/pipeline"
)

// defaultSpawnCap bounds how many sources are spawned concurrently.
const defaultSpawnCap = 5

// Job is the message published per spawned source.
type Job struct {
	ItemID   uuid.UUID `json:"item_id"`
	SourceID uuid.UUID `json:"source_id"`
	URL      string    `json:"url"`
	Tier     int       `json:"tier"`
}

// Report summarizes one discovery run.
type Report struct {
	Targets int
	Spawned int
	Skipped int
	Failed  int
}

// Coordinator splits a discovery run into individual jobs.
type Coordinator struct {
	sources   pipeline.SourceStore
	queue     pipeline.QueueStore
	publisher pipeline.Publisher
	clock     pipeline.Clock
	logger    *zap.Logger
	topic     string
	spawnCap  int
}

// New constructs a Coordinator publishing jobs to topic.
func New(sources pipeline.SourceStore, queue pipeline.QueueStore, publisher pipeline.Publisher, clock pipeline.Clock, topic string, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		sources:   sources,
		queue:     queue,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
		topic:     topic,
		spawnCap:  defaultSpawnCap,
	}
}

// Run enqueues one queue item per eligible source at or above minTier
// and publishes a job message for each. Sources that already have a
// pending item are skipped, making re-invocation idempotent. Individual
// spawn failures are tolerated; the run continues and reports them.
func (c *Coordinator) Run(ctx context.Context, minTier int) (Report, error) {
	targets, err := c.sources.ListTargets(ctx, minTier)
	if err != nil {
		return Report{}, err
	}

	report := Report{Targets: len(targets)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	slots := make(chan struct{}, c.spawnCap)

	for _, src := range targets {
		pending, err := c.queue.CountPending(ctx, src.ID)
		if err != nil {
			mu.Lock()
			report.Failed++
			mu.Unlock()
			c.logger.Warn("pending check failed", zap.String("source_id", src.ID.String()), zap.Error(err))
			continue
		}
		if pending > 0 {
			mu.Lock()
			report.Skipped++
			mu.Unlock()
			continue
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return report, ctx.Err()
		}

		wg.Add(1)
		go func(src pipeline.Source) {
			defer wg.Done()
			defer func() { <-slots }()

			if err := c.spawn(ctx, src); err != nil {
				mu.Lock()
				report.Failed++
				mu.Unlock()
				c.logger.Warn("spawn failed",
					zap.String("source_id", src.ID.String()),
					zap.String("url", src.URL),
					zap.Error(err),
				)
				return
			}
			mu.Lock()
			report.Spawned++
			mu.Unlock()
		}(src)
	}

	wg.Wait()
	c.logger.Info("discovery run complete",
		zap.Int("targets", report.Targets),
		zap.Int("spawned", report.Spawned),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (c *Coordinator) spawn(ctx context.Context, src pipeline.Source) error {
	now := c.clock.Now()
	item := pipeline.QueueItem{
		ID:        uuid.New(),
		SourceID:  src.ID,
		SourceURL: src.URL,
		Stage:     pipeline.StageDiscovered,
		Priority:  src.Tier,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.queue.Enqueue(ctx, item); err != nil {
		return err
	}
	_, err := c.publisher.Publish(ctx, c.topic, Job{
		ItemID:   item.ID,
		SourceID: src.ID,
		URL:      src.URL,
		Tier:     src.Tier,
	})
	return err
}
