package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/eventpulse/harvester/internal/pipeline"
)

// Reliability scoring knobs. Failures decay the score faster than
// successes recover it, so a flapping source trends down.
const (
	reliabilityPenalty  = 10
	reliabilityRecovery = 2
)

// SourceStore is an in-memory pipeline.SourceStore.
type SourceStore struct {
	mu      sync.RWMutex
	sources map[uuid.UUID]pipeline.Source
}

// NewSourceStore constructs a SourceStore.
func NewSourceStore() *SourceStore {
	return &SourceStore{sources: make(map[uuid.UUID]pipeline.Source)}
}

// Put inserts or replaces a source (test/seed helper).
func (s *SourceStore) Put(src pipeline.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.ID] = src
}

// Get returns a source by ID.
func (s *SourceStore) Get(_ context.Context, sourceID uuid.UUID) (pipeline.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return pipeline.Source{}, pipeline.ErrNotFound
	}
	return src, nil
}

// UpdateStrategy sets the source's default fetch strategy going forward.
func (s *SourceStore) UpdateStrategy(
	_ context.Context,
	sourceID uuid.UUID,
	strategy pipeline.FetchStrategy,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return pipeline.ErrNotFound
	}
	src.FetchStrategy = strategy
	s.sources[sourceID] = src
	return nil
}

// SaveSelectors persists a new selector version.
func (s *SourceStore) SaveSelectors(
	_ context.Context,
	sourceID uuid.UUID,
	selectors pipeline.SelectorConfig,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return 0, pipeline.ErrNotFound
	}
	src.Selectors = selectors
	src.SelectorVersion++
	s.sources[sourceID] = src
	return src.SelectorVersion, nil
}

// RecordOutcome adjusts the reliability score, clamped to [0,100].
func (s *SourceStore) RecordOutcome(_ context.Context, sourceID uuid.UUID, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return pipeline.ErrNotFound
	}
	if success {
		src.ConsecutiveFailures = 0
		src.ReliabilityScore += reliabilityRecovery
		if src.ReliabilityScore > 100 {
			src.ReliabilityScore = 100
		}
	} else {
		src.ConsecutiveFailures++
		src.ReliabilityScore -= reliabilityPenalty
		if src.ReliabilityScore < 0 {
			src.ReliabilityScore = 0
		}
	}
	s.sources[sourceID] = src
	return nil
}

// Quarantine excludes a source from scheduling.
func (s *SourceStore) Quarantine(_ context.Context, sourceID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return pipeline.ErrNotFound
	}
	src.Quarantined = true
	src.QuarantineReason = reason
	s.sources[sourceID] = src
	return nil
}

// Unquarantine re-admits a source to scheduling.
func (s *SourceStore) Unquarantine(_ context.Context, sourceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return pipeline.ErrNotFound
	}
	src.Quarantined = false
	src.QuarantineReason = ""
	src.ConsecutiveFailures = 0
	s.sources[sourceID] = src
	return nil
}

// ListTargets returns non-quarantined sources at or above the tier.
func (s *SourceStore) ListTargets(_ context.Context, minTier int) ([]pipeline.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.Source, 0, len(s.sources))
	for _, src := range s.sources {
		if !src.Quarantined && src.Tier >= minTier {
			out = append(out, src)
		}
	}
	return out, nil
}
