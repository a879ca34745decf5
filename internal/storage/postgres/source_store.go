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

// Reliability score adjustments, clamped to [0, 100].
const (
	reliabilityPenalty  = 10
	reliabilityRecovery = 2
)

// SourceStore implements pipeline.SourceStore on Postgres. Selector
// versions are kept in a history table so a healing event can be rolled
// back.
type SourceStore struct {
	db DB
}

// NewSourceStore constructs a SourceStore on an existing pool.
func NewSourceStore(db DB) *SourceStore {
	return &SourceStore{db: db}
}

const sourceColumns = `id, url, domain, discovery_method, tier, fetch_strategy,
	selectors, selector_version, reliability_score, consecutive_failures,
	quarantined, quarantine_reason, rate_limit, expected_event_count,
	created_at, updated_at`

// Get returns a source by ID.
func (s *SourceStore) Get(ctx context.Context, sourceID uuid.UUID) (pipeline.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1`
	src, err := scanSource(s.db.QueryRow(ctx, query, sourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Source{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Source{}, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// UpdateStrategy changes the default fetch strategy for future fetches.
func (s *SourceStore) UpdateStrategy(ctx context.Context, sourceID uuid.UUID, strategy pipeline.FetchStrategy) error {
	query := `UPDATE sources SET fetch_strategy = $2, updated_at = now() WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, sourceID, strategy)
	if err != nil {
		return fmt.Errorf("update strategy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// SaveSelectors persists a new selector version and archives the
// previous one in the history table.
func (s *SourceStore) SaveSelectors(ctx context.Context, sourceID uuid.UUID, selectors pipeline.SelectorConfig) (int, error) {
	selectorsJSON, err := json.Marshal(selectors)
	if err != nil {
		return 0, fmt.Errorf("marshal selectors: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin selector save: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	archive := `
		INSERT INTO selector_versions (source_id, version, selectors, created_at)
		SELECT id, selector_version, selectors, now() FROM sources WHERE id = $1`
	if _, err := tx.Exec(ctx, archive, sourceID); err != nil {
		return 0, fmt.Errorf("archive selector version: %w", err)
	}

	update := `
		UPDATE sources SET
			selectors = $2,
			selector_version = selector_version + 1,
			updated_at = now()
		WHERE id = $1
		RETURNING selector_version`
	var version int
	err = tx.QueryRow(ctx, update, sourceID, selectorsJSON).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, pipeline.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("save selectors: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit selector save: %w", err)
	}
	return version, nil
}

// RecordOutcome adjusts the reliability score, clamped to [0,100].
func (s *SourceStore) RecordOutcome(ctx context.Context, sourceID uuid.UUID, success bool) error {
	var query string
	if success {
		query = `
			UPDATE sources SET
				consecutive_failures = 0,
				reliability_score = LEAST(reliability_score + $2, 100),
				updated_at = now()
			WHERE id = $1`
	} else {
		query = `
			UPDATE sources SET
				consecutive_failures = consecutive_failures + 1,
				reliability_score = GREATEST(reliability_score - $2, 0),
				updated_at = now()
			WHERE id = $1`
	}
	delta := reliabilityRecovery
	if !success {
		delta = reliabilityPenalty
	}
	tag, err := s.db.Exec(ctx, query, sourceID, delta)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// Quarantine excludes a source from scheduling.
func (s *SourceStore) Quarantine(ctx context.Context, sourceID uuid.UUID, reason string) error {
	query := `
		UPDATE sources SET
			quarantined = TRUE,
			quarantine_reason = $2,
			updated_at = now()
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, sourceID, reason)
	if err != nil {
		return fmt.Errorf("quarantine source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// Unquarantine returns a source to scheduling and resets its failure
// streak.
func (s *SourceStore) Unquarantine(ctx context.Context, sourceID uuid.UUID) error {
	query := `
		UPDATE sources SET
			quarantined = FALSE,
			quarantine_reason = NULL,
			consecutive_failures = 0,
			updated_at = now()
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, sourceID)
	if err != nil {
		return fmt.Errorf("unquarantine source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// ListTargets returns non-quarantined sources at or above the tier.
func (s *SourceStore) ListTargets(ctx context.Context, minTier int) ([]pipeline.Source, error) {
	query := `
		SELECT ` + sourceColumns + `
		FROM sources
		WHERE quarantined = FALSE AND tier >= $1
		ORDER BY tier DESC, url`
	rows, err := s.db.Query(ctx, query, minTier)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("list targets: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return out, nil
}

func scanSource(row pgx.Row) (pipeline.Source, error) {
	var src pipeline.Source
	var selectors, rateLimit []byte
	var quarantineReason *string
	err := row.Scan(
		&src.ID, &src.URL, &src.Domain, &src.DiscoveryMethod, &src.Tier,
		&src.FetchStrategy, &selectors, &src.SelectorVersion,
		&src.ReliabilityScore, &src.ConsecutiveFailures, &src.Quarantined,
		&quarantineReason, &rateLimit, &src.ExpectedEventCount,
		&src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return pipeline.Source{}, err
	}
	if quarantineReason != nil {
		src.QuarantineReason = *quarantineReason
	}
	if len(selectors) > 0 {
		if err := json.Unmarshal(selectors, &src.Selectors); err != nil {
			return pipeline.Source{}, fmt.Errorf("unmarshal selectors: %w", err)
		}
	}
	if len(rateLimit) > 0 {
		if err := json.Unmarshal(rateLimit, &src.RateLimit); err != nil {
			return pipeline.Source{}, fmt.Errorf("unmarshal rate limit: %w", err)
		}
	}
	return src, nil
}
