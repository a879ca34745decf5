package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eventpulse/harvester/internal/extract"
	"github.com/eventpulse/harvester/internal/pipeline"
)

// handleDiscovered moves a fresh item into strategy analysis.
func (w *Worker) handleDiscovered(_ context.Context, _ pipeline.QueueItem) (pipeline.Stage, pipeline.AdvanceUpdate, error) {
	return pipeline.StageAnalyzing, pipeline.AdvanceUpdate{}, nil
}

// handleAnalyzing validates the source's fetch strategy. Established
// sources that are not failing keep their stored strategy without a
// probe; anything that has been failing gets probed so the analyzer can
// recommend an escalation or downgrade.
func (w *Worker) handleAnalyzing(ctx context.Context, item pipeline.QueueItem) (pipeline.Stage, pipeline.AdvanceUpdate, error) {
	source, err := w.sources.Get(ctx, item.SourceID)
	if err != nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "source_load", "loading source: %w", err)
	}
	if source.ConsecutiveFailures == 0 && item.FailureCount == 0 {
		return pipeline.StageAwaitingFetch, pipeline.AdvanceUpdate{}, nil
	}

	release, err := w.limiter.Acquire(ctx, w.itemURL(item), source.RateLimit)
	if err != nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "rate_limit", "acquiring slot: %w", err)
	}
	res, err := w.fetcher.Fetch(ctx, pipeline.FetchRequest{
		SourceID: item.SourceID,
		URL:      w.itemURL(item),
		Strategy: source.FetchStrategy,
	})
	release()
	if err != nil {
		// The probe is advisory. The fetching stage owns failure
		// accounting, so a dead probe just moves the item along.
		w.logger.Warn("strategy probe failed",
			zap.String("source_id", item.SourceID.String()),
			zap.Error(err),
		)
		return pipeline.StageAwaitingFetch, pipeline.AdvanceUpdate{}, nil
	}

	rec := w.analyzer.Analyze(res.Markup, source.FetchStrategy, source.Selectors)
	if rec.Strategy != source.FetchStrategy {
		if err := w.sources.UpdateStrategy(ctx, item.SourceID, rec.Strategy); err != nil {
			return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "strategy_update", "updating strategy: %w", err)
		}
		w.logger.Info("fetch strategy changed",
			zap.String("source_id", item.SourceID.String()),
			zap.String("from", string(source.FetchStrategy)),
			zap.String("to", string(rec.Strategy)),
			zap.String("reason", rec.Reason),
		)
	}
	return pipeline.StageAwaitingFetch, pipeline.AdvanceUpdate{}, nil
}

// handleAwaitingFetch gates on the circuit breaker. A blocked source
// releases the claim so the item is picked up again after cooldown.
func (w *Worker) handleAwaitingFetch(ctx context.Context, item pipeline.QueueItem) (pipeline.Stage, pipeline.AdvanceUpdate, error) {
	source, err := w.sources.Get(ctx, item.SourceID)
	if err != nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "source_load", "loading source: %w", err)
	}
	if source.Quarantined {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureSystemic, "source_quarantined", "source %s is quarantined: %s", source.ID, source.QuarantineReason)
	}
	if !w.breaker.IsAllowed(ctx, item.SourceID) {
		return "", pipeline.AdvanceUpdate{}, errSkip
	}
	return pipeline.StageFetching, pipeline.AdvanceUpdate{}, nil
}

// handleFetching retrieves the page, archives it, and short-circuits to
// indexed when the content hash matches the previous fetch.
func (w *Worker) handleFetching(ctx context.Context, item pipeline.QueueItem) (pipeline.Stage, pipeline.AdvanceUpdate, error) {
	source, err := w.sources.Get(ctx, item.SourceID)
	if err != nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "source_load", "loading source: %w", err)
	}
	url := w.itemURL(item)

	release, err := w.limiter.Acquire(ctx, url, source.RateLimit)
	if err != nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "rate_limit", "acquiring slot: %w", err)
	}
	res, err := w.fetcher.Fetch(ctx, pipeline.FetchRequest{
		SourceID: item.SourceID,
		URL:      url,
		Strategy: source.FetchStrategy,
	})
	release()
	if err != nil {
		if berr := w.breaker.RecordFailure(ctx, item.SourceID, err.Error()); berr != nil {
			w.logger.Warn("breaker update lost", zap.String("source_id", item.SourceID.String()), zap.Error(berr))
		}
		if oerr := w.sources.RecordOutcome(ctx, item.SourceID, false); oerr != nil {
			w.logger.Warn("reliability update lost", zap.String("source_id", item.SourceID.String()), zap.Error(oerr))
		}
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "fetch_failed", "fetching %s: %w", url, err)
	}
	// Only a 2xx is a usable page; a fetcher handing back an error status
	// must not count as a source success or reach extraction.
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		if berr := w.breaker.RecordFailure(ctx, item.SourceID, fmt.Sprintf("status %d", res.StatusCode)); berr != nil {
			w.logger.Warn("breaker update lost", zap.String("source_id", item.SourceID.String()), zap.Error(berr))
		}
		if oerr := w.sources.RecordOutcome(ctx, item.SourceID, false); oerr != nil {
			w.logger.Warn("reliability update lost", zap.String("source_id", item.SourceID.String()), zap.Error(oerr))
		}
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "fetch_status", "fetching %s: status %d", url, res.StatusCode)
	}

	if berr := w.breaker.RecordSuccess(ctx, item.SourceID); berr != nil {
		w.logger.Warn("breaker update lost", zap.String("source_id", item.SourceID.String()), zap.Error(berr))
	}
	if oerr := w.sources.RecordOutcome(ctx, item.SourceID, true); oerr != nil {
		w.logger.Warn("reliability update lost", zap.String("source_id", item.SourceID.String()), zap.Error(oerr))
	}

	// LastHash must be read before this fetch is archived.
	prevHash, err := w.archive.LastHash(ctx, item.SourceID, url)
	if err != nil {
		w.logger.Warn("hash lookup failed", zap.String("url", url), zap.Error(err))
	}

	blobURI := ""
	if w.blobs != nil {
		path := w.buildBlobPath(item, res.ContentHash)
		blobURI, err = w.blobs.PutObject(ctx, path, w.cfg.ContentType, res.Markup)
		if err != nil {
			w.logger.Warn("blob write failed", zap.String("path", path), zap.Error(err))
			blobURI = ""
		}
	}
	if err := w.archive.SaveFetch(ctx, pipeline.FetchRecord{
		SourceID:     item.SourceID,
		URL:          url,
		StatusCode:   res.StatusCode,
		StrategyUsed: res.StrategyUsed,
		ContentHash:  res.ContentHash,
		DurationMs:   res.Duration.Milliseconds(),
		BlobURI:      blobURI,
		FetchedAt:    w.clock.Now(),
	}); err != nil {
		w.logger.Warn("archive write failed", zap.String("url", url), zap.Error(err))
	}

	if prevHash != "" && prevHash == res.ContentHash {
		w.logger.Debug("content unchanged", zap.String("url", url), zap.String("hash", res.ContentHash))
		return pipeline.StageIndexed, pipeline.AdvanceUpdate{ContentHash: res.ContentHash}, nil
	}
	return pipeline.StageCleaning, pipeline.AdvanceUpdate{
		RawMarkup:   res.Markup,
		ContentHash: res.ContentHash,
	}, nil
}

// handleCleaning strips the markup down to readable text for the
// extractor's language and heuristic passes.
func (w *Worker) handleCleaning(_ context.Context, item pipeline.QueueItem) (pipeline.Stage, pipeline.AdvanceUpdate, error) {
	if len(item.RawMarkup) == 0 {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "empty_markup", "no markup to clean")
	}
	text, err := extract.Textify(item.RawMarkup)
	if err != nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "clean_failed", "cleaning markup: %w", err)
	}
	return pipeline.StageExtracting, pipeline.AdvanceUpdate{CleanedText: text}, nil
}

// handleExtracting runs the extractor and, when a source's selectors
// have stopped matching, attempts one selector healing pass before
// giving up on the item.
func (w *Worker) handleExtracting(ctx context.Context, item pipeline.QueueItem) (pipeline.Stage, pipeline.AdvanceUpdate, error) {
	source, err := w.sources.Get(ctx, item.SourceID)
	if err != nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "source_load", "loading source: %w", err)
	}

	ex, err := w.extractor.Extract(ctx, item.RawMarkup, w.itemURL(item), pipeline.ExtractionHints{
		Selectors:      source.Selectors,
		SourceCategory: source.DiscoveryMethod,
	})
	if err == nil && ex.Event.Title != "" {
		return pipeline.StageValidating, extractionUpdate(ex), nil
	}

	if w.healer == nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureSourceDrift, "extraction_drift", "extraction yielded nothing: %v", err)
	}
	healed, healErr := w.healer.Heal(ctx, source, item.RawMarkup)
	if healErr != nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureRepairFailure, "healing_error", "selector healing: %w", healErr)
	}
	if !healed.Healed {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureSourceDrift, "extraction_drift", "healing rejected: %s", healed.Reason)
	}

	w.logger.Info("selectors healed, retrying extraction",
		zap.String("source_id", item.SourceID.String()),
		zap.Int("selector_version", healed.NewVersion),
		zap.Float64("confidence", healed.Confidence),
	)
	ex, err = w.extractor.Extract(ctx, item.RawMarkup, w.itemURL(item), pipeline.ExtractionHints{
		Selectors:      healed.Selectors,
		SourceCategory: source.DiscoveryMethod,
	})
	if err != nil || ex.Event.Title == "" {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureRepairFailure, "post_heal_extraction", "extraction failed after healing: %v", err)
	}
	return pipeline.StageValidating, extractionUpdate(ex), nil
}

// handleValidating re-checks the required fields on the stored record.
func (w *Worker) handleValidating(_ context.Context, item pipeline.QueueItem) (pipeline.Stage, pipeline.AdvanceUpdate, error) {
	rec, err := eventFromItem(item)
	if err != nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "decode_failed", "decoding extraction: %w", err)
	}
	var missing []string
	if rec.Title == "" {
		missing = append(missing, "title")
	}
	if !extract.ValidDate(rec.EventDate) {
		missing = append(missing, "event_date")
	}
	if !extract.ValidTime(rec.StartTime) {
		missing = append(missing, "start_time")
	}
	if rec.VenueName == "" {
		missing = append(missing, "venue_name")
	}
	if rec.Category == "" {
		missing = append(missing, "category")
	}
	if len(missing) > 0 {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureSourceDrift, "missing_required_fields", "invalid record: %s", strings.Join(missing, ", "))
	}
	return pipeline.StageEnriching, pipeline.AdvanceUpdate{}, nil
}

// handleEnriching resolves coordinates. An unresolvable address parks
// the item in geo_incomplete rather than failing it.
func (w *Worker) handleEnriching(ctx context.Context, item pipeline.QueueItem) (pipeline.Stage, pipeline.AdvanceUpdate, error) {
	rec, err := eventFromItem(item)
	if err != nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "decode_failed", "decoding extraction: %w", err)
	}
	address := addressText(rec)
	result, ok := w.geocoder.Resolve(ctx, address)
	if !ok {
		w.logger.Info("geocode unresolved",
			zap.String("item_id", item.ID.String()),
			zap.String("address", address),
		)
		return pipeline.StageGeoIncomplete, pipeline.AdvanceUpdate{GeocodeStatus: pipeline.GeocodeFailed}, nil
	}
	return pipeline.StageDeduplicating, pipeline.AdvanceUpdate{
		Lat:           &result.Lat,
		Lng:           &result.Lng,
		GeocodeStatus: pipeline.GeocodeResolved,
	}, nil
}

// handleDeduplicating checks the catalog for an existing record. A
// duplicate links to its canonical event and skips persistence.
func (w *Worker) handleDeduplicating(ctx context.Context, item pipeline.QueueItem) (pipeline.Stage, pipeline.AdvanceUpdate, error) {
	rec, err := eventFromItem(item)
	if err != nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "decode_failed", "decoding extraction: %w", err)
	}
	dup, err := w.catalog.FindDuplicate(ctx, rec)
	if err != nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "dedup_lookup", "duplicate lookup: %w", err)
	}
	if dup != nil {
		w.logger.Info("duplicate detected",
			zap.String("item_id", item.ID.String()),
			zap.String("canonical_id", dup.String()),
		)
		return pipeline.StageIndexed, pipeline.AdvanceUpdate{DuplicateOf: dup}, nil
	}
	return pipeline.StageReadyToPersist, pipeline.AdvanceUpdate{}, nil
}

// handleReadyToPersist writes the record into the shared catalog and
// announces it.
func (w *Worker) handleReadyToPersist(ctx context.Context, item pipeline.QueueItem) (pipeline.Stage, pipeline.AdvanceUpdate, error) {
	rec, err := eventFromItem(item)
	if err != nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "decode_failed", "decoding extraction: %w", err)
	}
	rec.Lat = item.Lat
	rec.Lng = item.Lng

	catalogID, err := w.catalog.UpsertEvent(ctx, item.ID, rec)
	if err != nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "catalog_write", "upserting event: %w", err)
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.IndexedTopic, indexedNotification{
		ItemID:    item.ID.String(),
		CatalogID: catalogID.String(),
		Title:     rec.Title,
		EventDate: rec.EventDate,
	}); err != nil {
		w.logger.Warn("indexed notification lost", zap.String("item_id", item.ID.String()), zap.Error(err))
	}
	return pipeline.StageVectorizing, pipeline.AdvanceUpdate{CatalogID: &catalogID}, nil
}

// handleVectorizing hands the persisted record to the embedding
// pipeline and closes out the item.
func (w *Worker) handleVectorizing(ctx context.Context, item pipeline.QueueItem) (pipeline.Stage, pipeline.AdvanceUpdate, error) {
	if item.CatalogID == nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "missing_catalog_id", "no catalog id on item")
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.VectorTopic, vectorizeRequest{
		ItemID:    item.ID.String(),
		CatalogID: item.CatalogID.String(),
	}); err != nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "publish_failed", "publishing vectorize request: %w", err)
	}
	return pipeline.StageIndexed, pipeline.AdvanceUpdate{}, nil
}

// handleFailed gates restarts behind the retry policy's backoff and
// sends eligible items back through analysis.
func (w *Worker) handleFailed(_ context.Context, item pipeline.QueueItem) (pipeline.Stage, pipeline.AdvanceUpdate, error) {
	if !w.retryDue(item.ID, w.retry.Backoff(item.FailureCount)) {
		return "", pipeline.AdvanceUpdate{}, errSkip
	}
	w.logger.Info("retrying failed item",
		zap.String("item_id", item.ID.String()),
		zap.Int("failure_count", item.FailureCount),
	)
	return pipeline.StageAnalyzing, pipeline.AdvanceUpdate{}, nil
}

// handleGeoIncomplete retries geocoding on a slow cadence; addresses
// land in the cache or registry out of band, so a later pass can
// succeed without any change to the item.
func (w *Worker) handleGeoIncomplete(ctx context.Context, item pipeline.QueueItem) (pipeline.Stage, pipeline.AdvanceUpdate, error) {
	if !w.retryDue(item.ID, w.cfg.GeoRetryInterval) {
		return "", pipeline.AdvanceUpdate{}, errSkip
	}
	rec, err := eventFromItem(item)
	if err != nil {
		return "", pipeline.AdvanceUpdate{}, failf(pipeline.FailureTransient, "decode_failed", "decoding extraction: %w", err)
	}
	result, ok := w.geocoder.Resolve(ctx, addressText(rec))
	if !ok {
		return "", pipeline.AdvanceUpdate{}, errSkip
	}
	return pipeline.StageDeduplicating, pipeline.AdvanceUpdate{
		Lat:           &result.Lat,
		Lng:           &result.Lng,
		GeocodeStatus: pipeline.GeocodeResolved,
	}, nil
}

// retryDue tracks per-item retry deadlines in memory. The first call
// for an item arms the deadline; later calls report whether it passed.
func (w *Worker) retryDue(itemID uuid.UUID, wait time.Duration) bool {
	key := itemID.String()
	deadline, armed := w.retryAt[key]
	if !armed {
		w.retryAt[key] = w.clock.Now().Add(wait)
		return false
	}
	if w.clock.Now().Before(deadline) {
		return false
	}
	delete(w.retryAt, key)
	return true
}

type indexedNotification struct {
	ItemID    string `json:"item_id"`
	CatalogID string `json:"catalog_id"`
	Title     string `json:"title"`
	EventDate string `json:"event_date"`
}

type vectorizeRequest struct {
	ItemID    string `json:"item_id"`
	CatalogID string `json:"catalog_id"`
}

func (w *Worker) itemURL(item pipeline.QueueItem) string {
	if item.DetailURL != "" {
		return item.DetailURL
	}
	return item.SourceURL
}

func (w *Worker) buildBlobPath(item pipeline.QueueItem, hash string) string {
	return fmt.Sprintf("%s/%s/%s.html", w.cfg.BlobPrefix, item.SourceID, hash)
}

func addressText(rec pipeline.EventRecord) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{rec.VenueName, rec.StreetAddress, rec.City} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// extractionUpdate flattens an extraction into the queue item's JSON
// payload so later stages can work from storage alone.
func extractionUpdate(ex pipeline.Extraction) pipeline.AdvanceUpdate {
	raw, err := json.Marshal(ex.Event)
	if err != nil {
		return pipeline.AdvanceUpdate{}
	}
	data := map[string]any{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return pipeline.AdvanceUpdate{}
	}
	data["completeness"] = ex.Completeness
	data["confidence"] = ex.Confidence
	return pipeline.AdvanceUpdate{Extracted: data}
}

func eventFromItem(item pipeline.QueueItem) (pipeline.EventRecord, error) {
	if len(item.Extracted) == 0 {
		return pipeline.EventRecord{}, fmt.Errorf("item %s has no extracted data", item.ID)
	}
	raw, err := json.Marshal(item.Extracted)
	if err != nil {
		return pipeline.EventRecord{}, fmt.Errorf("encoding extracted data: %w", err)
	}
	var rec pipeline.EventRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return pipeline.EventRecord{}, fmt.Errorf("decoding extracted data: %w", err)
	}
	return rec, nil
}
