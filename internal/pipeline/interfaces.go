package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AdvanceUpdate carries the payload written when an item moves forward.
type AdvanceUpdate struct {
	RawMarkup     []byte
	CleanedText   string
	Extracted     map[string]any
	ContentHash   string
	Lat           *float64
	Lng           *float64
	GeocodeStatus GeocodeStatus
	DuplicateOf   *uuid.UUID
	CatalogID     *uuid.UUID
}

// QueueStore persists queue items and implements claim-based mutual
// exclusion. Claim must guarantee at most one live claimant per item even
// under concurrent callers.
type QueueStore interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Claim(ctx context.Context, stage Stage, batchSize int, workerID string) ([]QueueItem, error)
	Advance(ctx context.Context, itemID uuid.UUID, next Stage, upd AdvanceUpdate) error
	Fail(ctx context.Context, itemID uuid.UUID, level FailureLevel, errCode, errMsg string, maxFailures int) error
	ReclaimAbandoned(ctx context.Context, olderThan time.Duration) (int, error)
	Get(ctx context.Context, itemID uuid.UUID) (QueueItem, error)
	CountPending(ctx context.Context, sourceID uuid.UUID) (int, error)
}

// SourceStore persists scrape targets.
type SourceStore interface {
	Get(ctx context.Context, sourceID uuid.UUID) (Source, error)
	UpdateStrategy(ctx context.Context, sourceID uuid.UUID, strategy FetchStrategy) error
	SaveSelectors(ctx context.Context, sourceID uuid.UUID, selectors SelectorConfig) (version int, err error)
	RecordOutcome(ctx context.Context, sourceID uuid.UUID, success bool) error
	Quarantine(ctx context.Context, sourceID uuid.UUID, reason string) error
	Unquarantine(ctx context.Context, sourceID uuid.UUID) error
	ListTargets(ctx context.Context, minTier int) ([]Source, error)
}

// BreakerStore holds the shared circuit state. CompareAndSwap applies next
// only when the stored version still equals expectedVersion, returning
// false on a lost race. Get creates a CLOSED record on first access.
type BreakerStore interface {
	Get(ctx context.Context, sourceID uuid.UUID) (BreakerState, error)
	CompareAndSwap(ctx context.Context, expectedVersion int64, next BreakerState) (bool, error)
}

// FetchArchive records successful fetches for change detection and
// structural comparison.
type FetchArchive interface {
	SaveFetch(ctx context.Context, rec FetchRecord) error
	LastHash(ctx context.Context, sourceID uuid.UUID, url string) (string, error)
}

// BlobStore writes raw markup artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// CatalogStore writes fully validated records into the shared catalog.
type CatalogStore interface {
	UpsertEvent(ctx context.Context, itemID uuid.UUID, rec EventRecord) (uuid.UUID, error)
	FindDuplicate(ctx context.Context, rec EventRecord) (*uuid.UUID, error)
}

// GeocodeCache persists normalized-address lookups.
type GeocodeCache interface {
	Lookup(ctx context.Context, key string) (*GeocodeCacheEntry, error)
	Store(ctx context.Context, entry GeocodeCacheEntry) error
}

// SelectorAuditStore records healing attempts.
type SelectorAuditStore interface {
	RecordHealing(ctx context.Context, audit HealingAudit) error
}

// FailureLog appends immutable failure records.
type FailureLog interface {
	Record(ctx context.Context, entry FailureLogEntry) error
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the markup plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResult, error)
}

// Extractor turns markup into a structured event.
type Extractor interface {
	Extract(ctx context.Context, markup []byte, baseURL string, hints ExtractionHints) (Extraction, error)
}

// Geocoder resolves free-form address text to coordinates. A failed
// resolution returns ok=false rather than an error.
type Geocoder interface {
	Resolve(ctx context.Context, addressText string) (GeocodeResult, bool)
}

// TextGenerator is the pluggable text-generation service used by the
// AI extractor and the selector healer.
type TextGenerator interface {
	Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
