package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eventpulse/harvester/internal/pipeline"
)

// QueueStore provides an in-memory pipeline.QueueStore for development
// and testing. Claim mutual exclusion is enforced under one mutex, which
// gives the same at-most-one-claimant guarantee the Postgres store gets
// from row locking.
type QueueStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]pipeline.QueueItem
	clock pipeline.Clock
}

// NewQueueStore constructs a QueueStore.
func NewQueueStore(clock pipeline.Clock) *QueueStore {
	return &QueueStore{
		items: make(map[uuid.UUID]pipeline.QueueItem),
		clock: clock,
	}
}

// Enqueue inserts a new item.
func (s *QueueStore) Enqueue(_ context.Context, item pipeline.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	now := s.clock.Now()
	item.CreatedAt = now
	item.UpdatedAt = now
	s.items[item.ID] = item
	return nil
}

// Claim atomically selects up to batchSize unclaimed items in the stage,
// highest priority first, and marks them claimed by workerID.
func (s *QueueStore) Claim(
	_ context.Context,
	stage pipeline.Stage,
	batchSize int,
	workerID string,
) ([]pipeline.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]pipeline.QueueItem, 0, batchSize)
	for _, item := range s.items {
		if item.Stage == stage && item.ClaimedBy == "" {
			candidates = append(candidates, item)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	now := s.clock.Now()
	for i := range candidates {
		item := s.items[candidates[i].ID]
		item.ClaimedBy = workerID
		claimedAt := now
		item.ClaimedAt = &claimedAt
		s.items[item.ID] = item
		candidates[i] = item
	}
	return candidates, nil
}

// Advance moves an item forward and clears its claim.
func (s *QueueStore) Advance(
	_ context.Context,
	itemID uuid.UUID,
	next pipeline.Stage,
	upd pipeline.AdvanceUpdate,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return pipeline.ErrNotFound
	}
	if upd.DuplicateOf != nil {
		if err := s.checkAcyclicLocked(itemID, *upd.DuplicateOf); err != nil {
			return err
		}
		item.DuplicateOf = upd.DuplicateOf
	}
	item.Stage = next
	item.ClaimedBy = ""
	item.ClaimedAt = nil
	item.UpdatedAt = s.clock.Now()
	if upd.RawMarkup != nil {
		item.RawMarkup = upd.RawMarkup
	}
	if upd.CleanedText != "" {
		item.CleanedText = upd.CleanedText
	}
	if upd.Extracted != nil {
		item.Extracted = upd.Extracted
	}
	if upd.ContentHash != "" {
		item.ContentHash = upd.ContentHash
	}
	if upd.Lat != nil {
		item.Lat = upd.Lat
	}
	if upd.Lng != nil {
		item.Lng = upd.Lng
	}
	if upd.GeocodeStatus != "" {
		item.GeocodeStatus = upd.GeocodeStatus
	}
	if upd.CatalogID != nil {
		item.CatalogID = upd.CatalogID
	}
	s.items[itemID] = item
	return nil
}

// Fail records a failure, clears the claim, and moves the item to failed
// or, once the bound is exceeded, to quarantined.
func (s *QueueStore) Fail(
	_ context.Context,
	itemID uuid.UUID,
	_ pipeline.FailureLevel,
	_ string,
	errMsg string,
	maxFailures int,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return pipeline.ErrNotFound
	}
	item.FailureCount++
	item.LastFailure = errMsg
	item.ClaimedBy = ""
	item.ClaimedAt = nil
	item.UpdatedAt = s.clock.Now()
	if item.FailureCount > maxFailures {
		item.Stage = pipeline.StageQuarantined
	} else {
		item.Stage = pipeline.StageFailed
	}
	s.items[itemID] = item
	return nil
}

// ReclaimAbandoned clears claims older than the timeout, making the items
// claimable again.
func (s *QueueStore) ReclaimAbandoned(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().Add(-olderThan)
	count := 0
	for id, item := range s.items {
		if item.ClaimedBy != "" && item.ClaimedAt != nil && item.ClaimedAt.Before(cutoff) {
			item.ClaimedBy = ""
			item.ClaimedAt = nil
			s.items[id] = item
			count++
		}
	}
	return count, nil
}

// Get returns an item by ID.
func (s *QueueStore) Get(_ context.Context, itemID uuid.UUID) (pipeline.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return pipeline.QueueItem{}, pipeline.ErrNotFound
	}
	return item, nil
}

// CountPending returns the number of non-terminal items for a source.
func (s *QueueStore) CountPending(_ context.Context, sourceID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, item := range s.items {
		if item.SourceID == sourceID && !item.Stage.Terminal() {
			count++
		}
	}
	return count, nil
}

// checkAcyclicLocked walks the duplicate_of chain from target; reaching
// itemID means the write would close a cycle.
func (s *QueueStore) checkAcyclicLocked(itemID, target uuid.UUID) error {
	seen := 0
	for current := target; ; {
		if current == itemID {
			return pipeline.ErrDuplicateCycle
		}
		item, ok := s.items[current]
		if !ok || item.DuplicateOf == nil {
			return nil
		}
		current = *item.DuplicateOf
		if seen++; seen > len(s.items) {
			return pipeline.ErrDuplicateCycle
		}
	}
}
