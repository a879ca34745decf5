package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/eventpulse/harvester/internal/pipeline"
)

// BreakerStore implements pipeline.BreakerStore on Postgres. Every
// transition is a single versioned UPDATE, so racing workers across
// processes cannot both win the same transition.
type BreakerStore struct {
	db DB
}

// NewBreakerStore constructs a BreakerStore on an existing pool.
func NewBreakerStore(db DB) *BreakerStore {
	return &BreakerStore{db: db}
}

// Get returns the breaker state for a source, creating a CLOSED record
// on first access.
func (s *BreakerStore) Get(ctx context.Context, sourceID uuid.UUID) (pipeline.BreakerState, error) {
	insert := `
		INSERT INTO breaker_states (source_id, state, version)
		VALUES ($1, $2, 1)
		ON CONFLICT (source_id) DO NOTHING`
	if _, err := s.db.Exec(ctx, insert, sourceID, pipeline.BreakerClosed); err != nil {
		return pipeline.BreakerState{}, fmt.Errorf("init breaker state: %w", err)
	}

	query := `
		SELECT source_id, state, failure_count, success_count,
			consecutive_opens, cooldown_until, opened_at, version
		FROM breaker_states WHERE source_id = $1`
	var state pipeline.BreakerState
	err := s.db.QueryRow(ctx, query, sourceID).Scan(
		&state.SourceID, &state.State, &state.FailureCount,
		&state.SuccessCount, &state.ConsecutiveOpens, &state.CooldownUntil,
		&state.OpenedAt, &state.Version,
	)
	if err != nil {
		return pipeline.BreakerState{}, fmt.Errorf("get breaker state: %w", err)
	}
	return state, nil
}

// CompareAndSwap applies next only when the stored version still equals
// expectedVersion. A false return means another worker won the race.
func (s *BreakerStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next pipeline.BreakerState) (bool, error) {
	query := `
		UPDATE breaker_states SET
			state = $3,
			failure_count = $4,
			success_count = $5,
			consecutive_opens = $6,
			cooldown_until = $7,
			opened_at = $8,
			version = version + 1
		WHERE source_id = $1 AND version = $2`
	tag, err := s.db.Exec(ctx, query,
		next.SourceID, expectedVersion, next.State, next.FailureCount,
		next.SuccessCount, next.ConsecutiveOpens, next.CooldownUntil,
		next.OpenedAt,
	)
	if err != nil {
		return false, fmt.Errorf("swap breaker state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
