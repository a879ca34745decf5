// Package pipeline defines core types shared across ingestion subsystems.
package pipeline

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Stage represents one state in the item processing state machine.
type Stage string

// Pipeline stages in processing order, plus side states.
const (
	StageDiscovered     Stage = "discovered"
	StageAnalyzing      Stage = "analyzing"
	StageAwaitingFetch  Stage = "awaiting_fetch"
	StageFetching       Stage = "fetching"
	StageCleaning       Stage = "cleaning"
	StageExtracting     Stage = "extracting"
	StageValidating     Stage = "validating"
	StageEnriching      Stage = "enriching"
	StageDeduplicating  Stage = "deduplicating"
	StageReadyToPersist Stage = "ready_to_persist"
	StageVectorizing    Stage = "vectorizing"
	StageIndexed        Stage = "indexed"

	StageGeoIncomplete Stage = "geo_incomplete"
	StageQuarantined   Stage = "quarantined"
	StageFailed        Stage = "failed"
)

var stageOrder = []Stage{
	StageDiscovered,
	StageAnalyzing,
	StageAwaitingFetch,
	StageFetching,
	StageCleaning,
	StageExtracting,
	StageValidating,
	StageEnriching,
	StageDeduplicating,
	StageReadyToPersist,
	StageVectorizing,
	StageIndexed,
}

// StageOrder returns the main-path stages in processing order.
func StageOrder() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Next returns the stage following s on the main path, or "" when s is
// terminal or a side state.
func (s Stage) Next() Stage {
	for i, stage := range stageOrder {
		if stage == s && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return ""
}

// Terminal reports whether no further processing happens for the stage.
func (s Stage) Terminal() bool {
	return s == StageIndexed || s == StageQuarantined
}

// FetchStrategy identifies how a page is retrieved, cheapest first.
type FetchStrategy string

// Fetch strategies in cost order.
const (
	StrategyStatic   FetchStrategy = "static"
	StrategyHeadless FetchStrategy = "headless-browser"
	StrategyAntiBot  FetchStrategy = "anti-bot-proxy"
)

// StrategyChain returns the fallback chain starting from the given strategy.
func StrategyChain(from FetchStrategy) []FetchStrategy {
	all := []FetchStrategy{StrategyStatic, StrategyHeadless, StrategyAntiBot}
	for i, s := range all {
		if s == from {
			return all[i:]
		}
	}
	return all
}

// FailureLevel classifies a processing failure.
type FailureLevel string

// Failure taxonomy. Transient failures are retried locally; systemic
// failures trip the circuit breaker and depress source reliability.
const (
	FailureTransient     FailureLevel = "transient"
	FailureSourceDrift   FailureLevel = "source_drift"
	FailureRepairFailure FailureLevel = "repair_failure"
	FailureSystemic      FailureLevel = "systemic"
)

// GeocodeStatus tracks the location-resolution outcome for an item.
type GeocodeStatus string

// Geocode outcomes.
const (
	GeocodePending  GeocodeStatus = "pending"
	GeocodeResolved GeocodeStatus = "resolved"
	GeocodeFailed   GeocodeStatus = "failed"
)

// QueueItem is the unit of work moving through the pipeline.
type QueueItem struct {
	ID            uuid.UUID      `json:"id"`
	SourceID      uuid.UUID      `json:"source_id"`
	SourceURL     string         `json:"source_url"`
	DetailURL     string         `json:"detail_url,omitempty"`
	Stage         Stage          `json:"stage"`
	RawMarkup     []byte         `json:"-"`
	CleanedText   string         `json:"-"`
	Extracted     map[string]any `json:"extracted_data,omitempty"`
	ContentHash   string         `json:"content_hash,omitempty"`
	Priority      int            `json:"priority"`
	FailureCount  int            `json:"failure_count"`
	LastFailure   string         `json:"last_failure,omitempty"`
	ClaimedBy     string         `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time     `json:"claimed_at,omitempty"`
	Lat           *float64       `json:"lat,omitempty"`
	Lng           *float64       `json:"lng,omitempty"`
	GeocodeStatus GeocodeStatus  `json:"geocode_status,omitempty"`
	DuplicateOf   *uuid.UUID     `json:"duplicate_of,omitempty"`
	CatalogID     *uuid.UUID     `json:"catalog_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// SelectorConfig holds the CSS locators used to extract events from a
// source's markup. EventCard, Title and Link are required for extraction
// to run at all; the rest are best effort.
type SelectorConfig struct {
	EventCard   string `json:"eventCard"`
	Title       string `json:"title"`
	Date        string `json:"date"`
	Time        string `json:"time,omitempty"`
	Location    string `json:"location,omitempty"`
	Link        string `json:"link"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	Price       string `json:"price,omitempty"`
}

// RateLimitState throttles outbound requests for a source.
type RateLimitState struct {
	RequestsPerMinute int        `json:"requests_per_minute"`
	MaxConcurrent     int        `json:"max_concurrent"`
	BackoffUntil      *time.Time `json:"backoff_until,omitempty"`
}

// Source is a scrape target.
type Source struct {
	ID                  uuid.UUID      `json:"id"`
	URL                 string         `json:"url"`
	Domain              string         `json:"domain"`
	DiscoveryMethod     string         `json:"discovery_method"`
	Tier                int            `json:"tier"`
	FetchStrategy       FetchStrategy  `json:"fetch_strategy"`
	Selectors           SelectorConfig `json:"selectors"`
	SelectorVersion     int            `json:"selector_version"`
	ReliabilityScore    int            `json:"reliability_score"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	Quarantined         bool           `json:"quarantined"`
	QuarantineReason    string         `json:"quarantine_reason,omitempty"`
	RateLimit           RateLimitState `json:"rate_limit"`
	ExpectedEventCount  int            `json:"expected_event_count"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// BreakerStatus is the circuit state for a source.
type BreakerStatus string

// Circuit breaker states.
const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half_open"
)

// BreakerState is the shared, versioned circuit record for a source.
// Version is an optimistic concurrency token; every mutation must go
// through a compare-and-swap keyed on it.
type BreakerState struct {
	SourceID         uuid.UUID     `json:"source_id"`
	State            BreakerStatus `json:"state"`
	FailureCount     int           `json:"failure_count"`
	SuccessCount     int           `json:"success_count"`
	ConsecutiveOpens int           `json:"consecutive_opens"`
	CooldownUntil    *time.Time    `json:"cooldown_until,omitempty"`
	OpenedAt         *time.Time    `json:"opened_at,omitempty"`
	Version          int64         `json:"version"`
}

// FetchRequest captures everything needed to fetch a page.
type FetchRequest struct {
	SourceID uuid.UUID
	URL      string
	Strategy FetchStrategy
	Headers  http.Header
	Timeout  time.Duration
}

// FetchResult is returned by a Fetcher implementation.
type FetchResult struct {
	Markup       []byte
	FinalURL     string
	StatusCode   int
	Headers      http.Header
	StrategyUsed FetchStrategy
	Duration     time.Duration
	ContentHash  string
}

// LanguageProfile classifies the expected audience language of an event.
type LanguageProfile string

// Language profiles.
const (
	LanguageNative  LanguageProfile = "native"
	LanguageForeign LanguageProfile = "foreign"
	LanguageMixed   LanguageProfile = "mixed"
	LanguageOther   LanguageProfile = "other"
)

// InteractionMode classifies how actively attendees participate.
type InteractionMode string

// Interaction modes.
const (
	InteractionHigh    InteractionMode = "high"
	InteractionMedium  InteractionMode = "medium"
	InteractionLow     InteractionMode = "low"
	InteractionPassive InteractionMode = "passive"
)

// EventRecord is a normalized event ready for the downstream catalog.
// The five distinguished enrichment fields are start vs doors time, the
// structured address, end time or duration, language profile, and
// interaction mode.
type EventRecord struct {
	Title            string          `json:"title"`
	EventDate        string          `json:"event_date"`
	StartTime        string          `json:"start_time"`
	DoorsOpenTime    string          `json:"doors_open_time,omitempty"`
	EndTime          string          `json:"end_time,omitempty"`
	DurationMinutes  int             `json:"estimated_duration_minutes,omitempty"`
	VenueName        string          `json:"venue_name"`
	StreetAddress    string          `json:"street_address,omitempty"`
	City             string          `json:"city,omitempty"`
	PostalCode       string          `json:"postal_code,omitempty"`
	LanguageProfile  LanguageProfile `json:"language_profile"`
	InteractionMode  InteractionMode `json:"interaction_mode"`
	Category         string          `json:"category"`
	PersonaTags      []string        `json:"persona_tags,omitempty"`
	ImageURL         string          `json:"image_url,omitempty"`
	TicketURL        string          `json:"ticket_url,omitempty"`
	PriceInfo        string          `json:"price_info,omitempty"`
	Lat              *float64        `json:"lat,omitempty"`
	Lng              *float64        `json:"lng,omitempty"`
}

// Extraction is the result of running an extractor over fetched markup.
type Extraction struct {
	Event        EventRecord
	Completeness int
	Confidence   float64
}

// ExtractionHints carries per-source context into an extractor.
type ExtractionHints struct {
	Selectors      SelectorConfig
	KnownTitles    []string
	SourceCategory string
}

// FailureLogEntry is an immutable audit record of a processing failure.
type FailureLogEntry struct {
	ItemID     uuid.UUID    `json:"item_id"`
	Stage      Stage        `json:"stage"`
	Level      FailureLevel `json:"failure_level"`
	ErrorCode  string       `json:"error_code,omitempty"`
	Message    string       `json:"error_message"`
	RetryCount int          `json:"retry_count"`
	Resolved   bool         `json:"resolved"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// GeocodeResult is a resolved coordinate pair.
type GeocodeResult struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	DisplayName string  `json:"display_name,omitempty"`
}

// GeocodeCacheEntry is a cached external geocoding result.
type GeocodeCacheEntry struct {
	Key       string        `json:"key"`
	Result    GeocodeResult `json:"result"`
	HitCount  int           `json:"hit_count"`
	LastHitAt time.Time     `json:"last_hit_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// FetchRecord is the persisted outcome of a successful fetch, kept for
// change detection and the healer's structural comparisons.
type FetchRecord struct {
	SourceID     uuid.UUID     `json:"source_id"`
	URL          string        `json:"url"`
	StatusCode   int           `json:"status_code"`
	StrategyUsed FetchStrategy `json:"strategy_used"`
	ContentHash  string        `json:"content_hash"`
	DurationMs   int64         `json:"duration_ms"`
	BlobURI      string        `json:"blob_uri,omitempty"`
	FetchedAt    time.Time     `json:"fetched_at"`
}

// HealingAudit records one selector healing attempt for rollback and review.
type HealingAudit struct {
	SourceID      uuid.UUID      `json:"source_id"`
	FromVersion   int            `json:"from_version"`
	ToVersion     int            `json:"to_version"`
	Accepted      bool           `json:"accepted"`
	Confidence    float64        `json:"confidence"`
	MatchesBefore int            `json:"matches_before"`
	MatchesAfter  int            `json:"matches_after"`
	Rationale     string         `json:"rationale,omitempty"`
	Proposed      SelectorConfig `json:"proposed"`
	AttemptedAt   time.Time      `json:"attempted_at"`
}
