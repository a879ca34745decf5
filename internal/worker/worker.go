// Package worker implements the pipeline execution loop: claim a batch
// of items per stage, run the stage's handler, advance or fail each
// item as its own atomic commit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eventpulse/harvester/internal/analyzer"
	"github.com/eventpulse/harvester/internal/breaker"
	"github.com/eventpulse/harvester/internal/healer"
	"github.com/eventpulse/harvester/internal/metrics"
	"github.com/eventpulse/harvester/internal/pipeline"
	"github.com/eventpulse/harvester/internal/ratelimit"
)

// Config controls Worker behavior.
type Config struct {
	WorkerID         string
	BatchSize        int
	PollInterval     time.Duration
	ClaimTimeout     time.Duration
	MaxFailures      int
	BlobPrefix       string
	ContentType      string
	IndexedTopic     string
	VectorTopic      string
	GeoRetryInterval time.Duration
}

// Worker consumes queue items stage by stage.
type Worker struct {
	queue     pipeline.QueueStore
	sources   pipeline.SourceStore
	breaker   *breaker.Breaker
	limiter   *ratelimit.Limiter
	fetcher   pipeline.Fetcher
	analyzer  *analyzer.Analyzer
	extractor pipeline.Extractor
	healer    *healer.Healer
	geocoder  pipeline.Geocoder
	archive   pipeline.FetchArchive
	blobs     pipeline.BlobStore
	catalog   pipeline.CatalogStore
	failures  pipeline.FailureLog
	publisher pipeline.Publisher
	retry     *pipeline.ExponentialRetryPolicy
	clock     pipeline.Clock
	cfg       Config
	logger    *zap.Logger

	handlers map[pipeline.Stage]handler
	retryAt  map[string]time.Time
}

// Deps bundles the collaborators a Worker needs.
type Deps struct {
	Queue     pipeline.QueueStore
	Sources   pipeline.SourceStore
	Breaker   *breaker.Breaker
	Limiter   *ratelimit.Limiter
	Fetcher   pipeline.Fetcher
	Analyzer  *analyzer.Analyzer
	Extractor pipeline.Extractor
	Healer    *healer.Healer
	Geocoder  pipeline.Geocoder
	Archive   pipeline.FetchArchive
	Blobs     pipeline.BlobStore
	Catalog   pipeline.CatalogStore
	Failures  pipeline.FailureLog
	Publisher pipeline.Publisher
	Clock     pipeline.Clock
}

type handler func(ctx context.Context, item pipeline.QueueItem) (pipeline.Stage, pipeline.AdvanceUpdate, error)

// stageError carries the failure taxonomy for a handler error.
type stageError struct {
	level pipeline.FailureLevel
	code  string
	err   error
}

func (e *stageError) Error() string { return fmt.Sprintf("%s: %v", e.code, e.err) }
func (e *stageError) Unwrap() error { return e.err }

func failf(level pipeline.FailureLevel, code string, format string, args ...any) error {
	return &stageError{level: level, code: code, err: fmt.Errorf(format, args...)}
}

// errSkip tells the loop to release the item unchanged (stage repeats).
var errSkip = errors.New("skip item")

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 10 * time.Minute
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if cfg.IndexedTopic == "" {
		cfg.IndexedTopic = "events.indexed"
	}
	if cfg.VectorTopic == "" {
		cfg.VectorTopic = "events.vectorize"
	}
	if cfg.GeoRetryInterval <= 0 {
		cfg.GeoRetryInterval = 30 * time.Minute
	}
	w := &Worker{
		queue:     deps.Queue,
		sources:   deps.Sources,
		breaker:   deps.Breaker,
		limiter:   deps.Limiter,
		fetcher:   deps.Fetcher,
		analyzer:  deps.Analyzer,
		extractor: deps.Extractor,
		healer:    deps.Healer,
		geocoder:  deps.Geocoder,
		archive:   deps.Archive,
		blobs:     deps.Blobs,
		catalog:   deps.Catalog,
		failures:  deps.Failures,
		publisher: deps.Publisher,
		retry:     pipeline.NewExponentialRetryPolicy(),
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    logger,
		retryAt:   map[string]time.Time{},
	}
	w.handlers = map[pipeline.Stage]handler{
		pipeline.StageDiscovered:     w.handleDiscovered,
		pipeline.StageAnalyzing:      w.handleAnalyzing,
		pipeline.StageAwaitingFetch:  w.handleAwaitingFetch,
		pipeline.StageFetching:       w.handleFetching,
		pipeline.StageCleaning:       w.handleCleaning,
		pipeline.StageExtracting:     w.handleExtracting,
		pipeline.StageValidating:     w.handleValidating,
		pipeline.StageEnriching:      w.handleEnriching,
		pipeline.StageDeduplicating:  w.handleDeduplicating,
		pipeline.StageReadyToPersist: w.handleReadyToPersist,
		pipeline.StageVectorizing:    w.handleVectorizing,
		pipeline.StageFailed:         w.handleFailed,
		pipeline.StageGeoIncomplete:  w.handleGeoIncomplete,
	}
	return w
}

// Run blocks, polling every stage until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one full pass: reclaim abandoned claims, then drain one
// batch per stage.
func (w *Worker) Tick(ctx context.Context) {
	reclaimed, err := w.queue.ReclaimAbandoned(ctx, w.cfg.ClaimTimeout)
	if err != nil {
		w.logger.Error("reclaim sweep failed", zap.Error(err))
	} else if reclaimed > 0 {
		metrics.AddReclaimed(reclaimed)
		w.logger.Info("reclaimed abandoned claims", zap.Int("count", reclaimed))
	}

	for _, stage := range pipeline.StageOrder() {
		if _, ok := w.handlers[stage]; ok {
			w.processStage(ctx, stage)
		}
	}
	w.processStage(ctx, pipeline.StageFailed)
	w.processStage(ctx, pipeline.StageGeoIncomplete)
}

func (w *Worker) processStage(ctx context.Context, stage pipeline.Stage) {
	items, err := w.queue.Claim(ctx, stage, w.cfg.BatchSize, w.cfg.WorkerID)
	if err != nil {
		w.logger.Error("claim failed", zap.String("stage", string(stage)), zap.Error(err))
		return
	}
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		w.processItem(ctx, stage, item)
	}
}

func (w *Worker) processItem(ctx context.Context, stage pipeline.Stage, item pipeline.QueueItem) {
	start := time.Now()
	next, upd, err := w.handlers[stage](ctx, item)
	metrics.ObserveStageDuration(string(stage), time.Since(start))

	switch {
	case err == nil:
		if err := w.queue.Advance(ctx, item.ID, next, upd); err != nil {
			w.logger.Error("advance failed",
				zap.String("item_id", item.ID.String()),
				zap.String("stage", string(stage)),
				zap.Error(err),
			)
			return
		}
		metrics.ObserveAdvance(string(next))
	case errors.Is(err, errSkip):
		// Release the claim, leave the stage unchanged.
		if err := w.queue.Advance(ctx, item.ID, stage, pipeline.AdvanceUpdate{}); err != nil {
			w.logger.Error("release failed", zap.String("item_id", item.ID.String()), zap.Error(err))
		}
	default:
		w.failItem(ctx, stage, item, err)
	}
}

func (w *Worker) failItem(ctx context.Context, stage pipeline.Stage, item pipeline.QueueItem, err error) {
	level := pipeline.FailureTransient
	code := "unknown"
	var se *stageError
	if errors.As(err, &se) {
		level = se.level
		code = se.code
	}

	w.logger.Warn("stage handler failed",
		zap.String("item_id", item.ID.String()),
		zap.String("stage", string(stage)),
		zap.String("failure_level", string(level)),
		zap.String("code", code),
		zap.Error(err),
	)
	metrics.ObserveFailure(string(stage), string(level))

	if err := w.queue.Fail(ctx, item.ID, level, code, err.Error(), w.cfg.MaxFailures); err != nil {
		w.logger.Error("fail update lost", zap.String("item_id", item.ID.String()), zap.Error(err))
		return
	}
	if logErr := w.failures.Record(ctx, pipeline.FailureLogEntry{
		ItemID:     item.ID,
		Stage:      stage,
		Level:      level,
		ErrorCode:  code,
		Message:    err.Error(),
		RetryCount: item.FailureCount + 1,
		OccurredAt: w.clock.Now(),
	}); logErr != nil {
		w.logger.Error("failure log write lost", zap.String("item_id", item.ID.String()), zap.Error(logErr))
	}

	if level == pipeline.FailureSystemic {
		if err := w.sources.RecordOutcome(ctx, item.SourceID, false); err != nil {
			w.logger.Warn("reliability update lost", zap.String("source_id", item.SourceID.String()), zap.Error(err))
		}
	}
}
