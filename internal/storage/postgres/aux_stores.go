package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eventpulse/harvester/internal/pipeline"
)

// AuditStore implements pipeline.SelectorAuditStore on Postgres.
type AuditStore struct {
	db DB
}

// NewAuditStore constructs an AuditStore on an existing pool.
func NewAuditStore(db DB) *AuditStore {
	return &AuditStore{db: db}
}

// RecordHealing appends a healing audit entry.
func (s *AuditStore) RecordHealing(ctx context.Context, audit pipeline.HealingAudit) error {
	proposed, err := json.Marshal(audit.Proposed)
	if err != nil {
		return fmt.Errorf("marshal proposed selectors: %w", err)
	}
	query := `
		INSERT INTO healing_audits (
			source_id, from_version, to_version, accepted, confidence,
			matches_before, matches_after, rationale, proposed, attempted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.db.Exec(ctx, query,
		audit.SourceID, audit.FromVersion, audit.ToVersion, audit.Accepted,
		audit.Confidence, audit.MatchesBefore, audit.MatchesAfter,
		nullString(audit.Rationale), proposed, audit.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("insert healing audit: %w", err)
	}
	return nil
}

// GeocodeCacheStore implements pipeline.GeocodeCache on Postgres.
type GeocodeCacheStore struct {
	db DB
}

// NewGeocodeCacheStore constructs a GeocodeCacheStore on an existing
// pool.
func NewGeocodeCacheStore(db DB) *GeocodeCacheStore {
	return &GeocodeCacheStore{db: db}
}

// Lookup returns the cached entry for a key, or nil when absent. A hit
// bumps the usage counters.
func (s *GeocodeCacheStore) Lookup(ctx context.Context, key string) (*pipeline.GeocodeCacheEntry, error) {
	query := `
		UPDATE geocode_cache SET
			hit_count = hit_count + 1,
			last_hit_at = now()
		WHERE key = $1
		RETURNING key, lat, lng, display_name, hit_count, last_hit_at, expires_at`
	var entry pipeline.GeocodeCacheEntry
	err := s.db.QueryRow(ctx, query, key).Scan(
		&entry.Key, &entry.Result.Lat, &entry.Result.Lng,
		&entry.Result.DisplayName, &entry.HitCount, &entry.LastHitAt,
		&entry.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("geocode cache lookup: %w", err)
	}
	return &entry, nil
}

// Store inserts or replaces a cache entry.
func (s *GeocodeCacheStore) Store(ctx context.Context, entry pipeline.GeocodeCacheEntry) error {
	query := `
		INSERT INTO geocode_cache (key, lat, lng, display_name, hit_count, last_hit_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE SET
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			display_name = EXCLUDED.display_name,
			last_hit_at = EXCLUDED.last_hit_at,
			expires_at = EXCLUDED.expires_at`
	_, err := s.db.Exec(ctx, query,
		entry.Key, entry.Result.Lat, entry.Result.Lng,
		nullString(entry.Result.DisplayName), entry.HitCount,
		entry.LastHitAt, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("geocode cache store: %w", err)
	}
	return nil
}

// FailureLogStore implements pipeline.FailureLog on Postgres.
type FailureLogStore struct {
	db DB
}

// NewFailureLogStore constructs a FailureLogStore on an existing pool.
func NewFailureLogStore(db DB) *FailureLogStore {
	return &FailureLogStore{db: db}
}

// Record appends an immutable failure entry.
func (s *FailureLogStore) Record(ctx context.Context, entry pipeline.FailureLogEntry) error {
	query := `
		INSERT INTO failure_log (
			item_id, stage, failure_level, error_code, error_message,
			retry_count, resolved, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.Exec(ctx, query,
		entry.ItemID, entry.Stage, entry.Level, nullString(entry.ErrorCode),
		entry.Message, entry.RetryCount, entry.Resolved, entry.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert failure entry: %w", err)
	}
	return nil
}

// CatalogStore implements pipeline.CatalogStore on Postgres: the
// pipeline's only output obligation is writing validated records here.
type CatalogStore struct {
	db DB
}

// NewCatalogStore constructs a CatalogStore on an existing pool.
func NewCatalogStore(db DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// UpsertEvent writes a validated record, keyed naturally by title,
// date and venue, and returns the catalog ID.
func (s *CatalogStore) UpsertEvent(ctx context.Context, itemID uuid.UUID, rec pipeline.EventRecord) (uuid.UUID, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal event record: %w", err)
	}
	query := `
		INSERT INTO catalog_events (
			id, queue_item_id, title, event_date, venue_name, record,
			lat, lng, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (title, event_date, venue_name) DO UPDATE SET
			queue_item_id = EXCLUDED.queue_item_id,
			record = EXCLUDED.record,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			updated_at = now()
		RETURNING id`
	var catalogID uuid.UUID
	err = s.db.QueryRow(ctx, query,
		uuid.New(), itemID, rec.Title, rec.EventDate, rec.VenueName,
		payload, rec.Lat, rec.Lng,
	).Scan(&catalogID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert event: %w", err)
	}
	return catalogID, nil
}

// FindDuplicate returns the catalog ID of an existing record with the
// same natural key, or nil.
func (s *CatalogStore) FindDuplicate(ctx context.Context, rec pipeline.EventRecord) (*uuid.UUID, error) {
	query := `
		SELECT id FROM catalog_events
		WHERE title = $1 AND event_date = $2 AND venue_name = $3`
	var id uuid.UUID
	err := s.db.QueryRow(ctx, query, rec.Title, rec.EventDate, rec.VenueName).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find duplicate: %w", err)
	}
	return &id, nil
}
