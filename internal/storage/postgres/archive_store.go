package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eventpulse/harvester/internal/pipeline"
)

// ArchiveStore implements pipeline.FetchArchive on Postgres: one row
// per successful fetch, supporting change detection via the last
// recorded content hash.
type ArchiveStore struct {
	db DB
}

// NewArchiveStore constructs an ArchiveStore on an existing pool.
func NewArchiveStore(db DB) *ArchiveStore {
	return &ArchiveStore{db: db}
}

// SaveFetch inserts a fetch record.
func (s *ArchiveStore) SaveFetch(ctx context.Context, rec pipeline.FetchRecord) error {
	query := `
		INSERT INTO fetch_archive (
			source_id, url, status_code, strategy_used, content_hash,
			duration_ms, blob_uri, fetched_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.Exec(ctx, query,
		rec.SourceID, rec.URL, rec.StatusCode, rec.StrategyUsed,
		rec.ContentHash, rec.DurationMs, nullString(rec.BlobURI), rec.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fetch record: %w", err)
	}
	return nil
}

// LastHash returns the content hash of the most recent fetch for the
// URL, or empty when none exists.
func (s *ArchiveStore) LastHash(ctx context.Context, sourceID uuid.UUID, url string) (string, error) {
	query := `
		SELECT content_hash FROM fetch_archive
		WHERE source_id = $1 AND url = $2
		ORDER BY fetched_at DESC
		LIMIT 1`
	var hash string
	err := s.db.QueryRow(ctx, query, sourceID, url).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last hash: %w", err)
	}
	return hash, nil
}
