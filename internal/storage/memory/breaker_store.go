package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/eventpulse/harvester/internal/pipeline"
)

// BreakerStore is an in-memory pipeline.BreakerStore with versioned
// compare-and-swap semantics matching the Postgres implementation.
type BreakerStore struct {
	mu     sync.Mutex
	states map[uuid.UUID]pipeline.BreakerState
}

// NewBreakerStore constructs a BreakerStore.
func NewBreakerStore() *BreakerStore {
	return &BreakerStore{states: make(map[uuid.UUID]pipeline.BreakerState)}
}

// Get returns the circuit record for a source, creating a CLOSED record
// on first access.
func (s *BreakerStore) Get(_ context.Context, sourceID uuid.UUID) (pipeline.BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[sourceID]
	if !ok {
		state = pipeline.BreakerState{
			SourceID: sourceID,
			State:    pipeline.BreakerClosed,
			Version:  1,
		}
		s.states[sourceID] = state
	}
	return state, nil
}

// CompareAndSwap applies next only if the stored version still matches.
func (s *BreakerStore) CompareAndSwap(
	_ context.Context,
	expectedVersion int64,
	next pipeline.BreakerState,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.states[next.SourceID]
	if !ok || current.Version != expectedVersion {
		return false, nil
	}
	next.Version = expectedVersion + 1
	s.states[next.SourceID] = next
	return true, nil
}
