package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eventpulse/harvester/internal/pipeline"
)

// QueueStore implements pipeline.QueueStore on Postgres. Claim relies
// on FOR UPDATE SKIP LOCKED so concurrent workers never receive the
// same item.
type QueueStore struct {
	db DB
}

// NewQueueStore constructs a QueueStore on an existing pool.
func NewQueueStore(db DB) *QueueStore {
	return &QueueStore{db: db}
}

const queueItemColumns = `id, source_id, source_url, detail_url, raw_markup, cleaned_text,
	extracted_data, content_hash, priority, failure_count, last_failure,
	claimed_by, claimed_at, lat, lng, geocode_status, duplicate_of, catalog_id,
	created_at, updated_at`

// Enqueue inserts a new item.
func (s *QueueStore) Enqueue(ctx context.Context, item pipeline.QueueItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	extracted, err := marshalExtracted(item.Extracted)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO queue_items (
			id, source_id, source_url, detail_url, stage, raw_markup,
			extracted_data, content_hash, priority, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())`
	_, err = s.db.Exec(ctx, query,
		item.ID, item.SourceID, item.SourceURL, nullString(item.DetailURL),
		item.Stage, item.RawMarkup, extracted, nullString(item.ContentHash),
		item.Priority,
	)
	if err != nil {
		return fmt.Errorf("enqueue item: %w", err)
	}
	return nil
}

// Claim atomically selects up to batchSize unclaimed items in the
// stage, highest priority first, and marks them claimed by workerID.
func (s *QueueStore) Claim(ctx context.Context, stage pipeline.Stage, batchSize int, workerID string) ([]pipeline.QueueItem, error) {
	query := `
		UPDATE queue_items SET
			claimed_by = $3,
			claimed_at = now(),
			updated_at = now()
		WHERE id IN (
			SELECT id FROM queue_items
			WHERE stage = $1 AND claimed_by IS NULL
			ORDER BY priority DESC, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + queueItemColumns
	rows, err := s.db.Query(ctx, query, stage, batchSize, workerID)
	if err != nil {
		return nil, fmt.Errorf("claim items: %w", err)
	}
	defer rows.Close()

	items := make([]pipeline.QueueItem, 0, batchSize)
	for rows.Next() {
		item, err := scanItem(rows, stage)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim items: %w", err)
	}
	return items, nil
}

// Advance moves an item forward and clears its claim. A duplicate_of
// write is first checked against the existing chain so it cannot close
// a cycle.
func (s *QueueStore) Advance(ctx context.Context, itemID uuid.UUID, next pipeline.Stage, upd pipeline.AdvanceUpdate) error {
	if upd.DuplicateOf != nil {
		if err := s.checkAcyclic(ctx, itemID, *upd.DuplicateOf); err != nil {
			return err
		}
	}
	extracted, err := marshalExtracted(upd.Extracted)
	if err != nil {
		return err
	}
	query := `
		UPDATE queue_items SET
			stage = $2,
			raw_markup = COALESCE($3, raw_markup),
			cleaned_text = COALESCE($4, cleaned_text),
			extracted_data = COALESCE($5, extracted_data),
			content_hash = COALESCE($6, content_hash),
			lat = COALESCE($7, lat),
			lng = COALESCE($8, lng),
			geocode_status = COALESCE($9, geocode_status),
			duplicate_of = COALESCE($10, duplicate_of),
			catalog_id = COALESCE($11, catalog_id),
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = now()
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, query,
		itemID, next, upd.RawMarkup, nullString(upd.CleanedText), extracted,
		nullString(upd.ContentHash), upd.Lat, upd.Lng,
		nullString(string(upd.GeocodeStatus)), upd.DuplicateOf, upd.CatalogID,
	)
	if err != nil {
		return fmt.Errorf("advance item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// Fail records a failure, clears the claim, and moves the item to
// failed or, once the bound is exceeded, to quarantined.
func (s *QueueStore) Fail(ctx context.Context, itemID uuid.UUID, _ pipeline.FailureLevel, _ string, errMsg string, maxFailures int) error {
	query := `
		UPDATE queue_items SET
			failure_count = failure_count + 1,
			last_failure = $2,
			stage = CASE WHEN failure_count + 1 > $3 THEN $4 ELSE $5 END,
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = now()
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, itemID, errMsg, maxFailures,
		pipeline.StageQuarantined, pipeline.StageFailed)
	if err != nil {
		return fmt.Errorf("fail item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// ReclaimAbandoned clears claims older than the timeout, making the
// items claimable again.
func (s *QueueStore) ReclaimAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `
		UPDATE queue_items SET
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = now()
		WHERE claimed_by IS NOT NULL AND claimed_at < now() - $1::interval`
	tag, err := s.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("reclaim abandoned: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get returns an item by ID.
func (s *QueueStore) Get(ctx context.Context, itemID uuid.UUID) (pipeline.QueueItem, error) {
	query := `SELECT stage, ` + queueItemColumns + ` FROM queue_items WHERE id = $1`
	row := s.db.QueryRow(ctx, query, itemID)

	var stage pipeline.Stage
	var item pipeline.QueueItem
	var detailURL, cleanedText, contentHash, lastFailure, claimedBy, geocodeStatus *string
	var extracted []byte
	err := row.Scan(&stage,
		&item.ID, &item.SourceID, &item.SourceURL, &detailURL, &item.RawMarkup,
		&cleanedText, &extracted, &contentHash, &item.Priority,
		&item.FailureCount, &lastFailure, &claimedBy, &item.ClaimedAt,
		&item.Lat, &item.Lng, &geocodeStatus, &item.DuplicateOf,
		&item.CatalogID, &item.CreatedAt, &item.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.QueueItem{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.QueueItem{}, fmt.Errorf("get item: %w", err)
	}
	item.Stage = stage
	fillOptional(&item, detailURL, cleanedText, contentHash, lastFailure, claimedBy, geocodeStatus)
	if err := unmarshalExtracted(extracted, &item); err != nil {
		return pipeline.QueueItem{}, err
	}
	return item, nil
}

// CountPending returns the number of non-terminal items for a source.
func (s *QueueStore) CountPending(ctx context.Context, sourceID uuid.UUID) (int, error) {
	query := `
		SELECT count(*) FROM queue_items
		WHERE source_id = $1 AND stage NOT IN ($2, $3)`
	var count int
	err := s.db.QueryRow(ctx, query, sourceID,
		pipeline.StageIndexed, pipeline.StageQuarantined).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

// checkAcyclic walks the duplicate_of chain from target; reaching
// itemID means the write would close a cycle.
func (s *QueueStore) checkAcyclic(ctx context.Context, itemID, target uuid.UUID) error {
	query := `
		WITH RECURSIVE chain AS (
			SELECT id, duplicate_of FROM queue_items WHERE id = $2
			UNION ALL
			SELECT q.id, q.duplicate_of
			FROM queue_items q
			JOIN chain c ON q.id = c.duplicate_of
		)
		SELECT EXISTS (SELECT 1 FROM chain WHERE id = $1)`
	var cyclic bool
	if err := s.db.QueryRow(ctx, query, itemID, target).Scan(&cyclic); err != nil {
		return fmt.Errorf("duplicate chain check: %w", err)
	}
	if cyclic {
		return pipeline.ErrDuplicateCycle
	}
	return nil
}

func scanItem(rows pgx.Rows, stage pipeline.Stage) (pipeline.QueueItem, error) {
	var item pipeline.QueueItem
	var detailURL, cleanedText, contentHash, lastFailure, claimedBy, geocodeStatus *string
	var extracted []byte
	err := rows.Scan(
		&item.ID, &item.SourceID, &item.SourceURL, &detailURL, &item.RawMarkup,
		&cleanedText, &extracted, &contentHash, &item.Priority,
		&item.FailureCount, &lastFailure, &claimedBy, &item.ClaimedAt,
		&item.Lat, &item.Lng, &geocodeStatus, &item.DuplicateOf,
		&item.CatalogID, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return pipeline.QueueItem{}, fmt.Errorf("scan item: %w", err)
	}
	item.Stage = stage
	fillOptional(&item, detailURL, cleanedText, contentHash, lastFailure, claimedBy, geocodeStatus)
	if err := unmarshalExtracted(extracted, &item); err != nil {
		return pipeline.QueueItem{}, err
	}
	return item, nil
}

func fillOptional(item *pipeline.QueueItem, detailURL, cleanedText, contentHash, lastFailure, claimedBy, geocodeStatus *string) {
	if detailURL != nil {
		item.DetailURL = *detailURL
	}
	if cleanedText != nil {
		item.CleanedText = *cleanedText
	}
	if contentHash != nil {
		item.ContentHash = *contentHash
	}
	if lastFailure != nil {
		item.LastFailure = *lastFailure
	}
	if claimedBy != nil {
		item.ClaimedBy = *claimedBy
	}
	if geocodeStatus != nil {
		item.GeocodeStatus = pipeline.GeocodeStatus(*geocodeStatus)
	}
}

func marshalExtracted(extracted map[string]any) ([]byte, error) {
	if extracted == nil {
		return nil, nil
	}
	data, err := json.Marshal(extracted)
	if err != nil {
		return nil, fmt.Errorf("marshal extracted data: %w", err)
	}
	return data, nil
}

func unmarshalExtracted(data []byte, item *pipeline.QueueItem) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &item.Extracted); err != nil {
		return fmt.Errorf("unmarshal extracted data: %w", err)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
