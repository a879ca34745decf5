package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/eventpulse/harvester/internal/pipeline"
)

// GeocodeCache is an in-memory pipeline.GeocodeCache.
type GeocodeCache struct {
	mu      sync.Mutex
	entries map[string]pipeline.GeocodeCacheEntry
}

// NewGeocodeCache constructs a GeocodeCache.
func NewGeocodeCache() *GeocodeCache {
	return &GeocodeCache{entries: make(map[string]pipeline.GeocodeCacheEntry)}
}

// Lookup returns the cached entry for a key, or nil when absent.
func (c *GeocodeCache) Lookup(_ context.Context, key string) (*pipeline.GeocodeCacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// Store inserts or replaces a cache entry.
func (c *GeocodeCache) Store(_ context.Context, entry pipeline.GeocodeCacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Key] = entry
	return nil
}

// FetchArchive is an in-memory pipeline.FetchArchive.
type FetchArchive struct {
	mu      sync.Mutex
	records []pipeline.FetchRecord
}

// NewFetchArchive constructs a FetchArchive.
func NewFetchArchive() *FetchArchive {
	return &FetchArchive{}
}

// SaveFetch appends a fetch record.
func (a *FetchArchive) SaveFetch(_ context.Context, rec pipeline.FetchRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

// LastHash returns the most recent content hash for a source URL.
func (a *FetchArchive) LastHash(_ context.Context, sourceID uuid.UUID, url string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.records) - 1; i >= 0; i-- {
		if a.records[i].SourceID == sourceID && a.records[i].URL == url {
			return a.records[i].ContentHash, nil
		}
	}
	return "", nil
}

// CatalogStore is an in-memory pipeline.CatalogStore.
type CatalogStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]pipeline.EventRecord
	byKey   map[string]uuid.UUID
}

// NewCatalogStore constructs a CatalogStore.
func NewCatalogStore() *CatalogStore {
	return &CatalogStore{
		records: make(map[uuid.UUID]pipeline.EventRecord),
		byKey:   make(map[string]uuid.UUID),
	}
}

func catalogKey(rec pipeline.EventRecord) string {
	return rec.Title + "|" + rec.EventDate + "|" + rec.VenueName
}

// UpsertEvent writes the record and returns its catalog ID.
func (c *CatalogStore) UpsertEvent(
	_ context.Context,
	_ uuid.UUID,
	rec pipeline.EventRecord,
) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := catalogKey(rec)
	id, ok := c.byKey[key]
	if !ok {
		id = uuid.New()
		c.byKey[key] = id
	}
	c.records[id] = rec
	return id, nil
}

// FindDuplicate returns the catalog ID of an already-persisted record with
// the same title, date and venue, or nil.
func (c *CatalogStore) FindDuplicate(_ context.Context, rec pipeline.EventRecord) (*uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.byKey[catalogKey(rec)]; ok {
		found := id
		return &found, nil
	}
	return nil, nil
}

// FailureLog is an in-memory pipeline.FailureLog.
type FailureLog struct {
	mu      sync.Mutex
	entries []pipeline.FailureLogEntry
}

// NewFailureLog constructs a FailureLog.
func NewFailureLog() *FailureLog {
	return &FailureLog{}
}

// Record appends a failure entry.
func (l *FailureLog) Record(_ context.Context, entry pipeline.FailureLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

// Entries returns a copy of the recorded failures (test helper).
func (l *FailureLog) Entries() []pipeline.FailureLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]pipeline.FailureLogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// AuditLog is an in-memory pipeline.SelectorAuditStore.
type AuditLog struct {
	mu     sync.Mutex
	audits []pipeline.HealingAudit
}

// NewAuditLog constructs an AuditLog.
func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

// RecordHealing appends a healing audit entry.
func (l *AuditLog) RecordHealing(_ context.Context, audit pipeline.HealingAudit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audits = append(l.audits, audit)
	return nil
}

// Audits returns a copy of the recorded healing attempts (test helper).
func (l *AuditLog) Audits() []pipeline.HealingAudit {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]pipeline.HealingAudit, len(l.audits))
	copy(out, l.audits)
	return out
}
