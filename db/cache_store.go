package db

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/metascope/metadata"
)

// CacheEntry is one cached metadata document.
// (DataSourceID, CacheType, CacheKey) is unique within a store.
type CacheEntry struct {
	ID           int64
	DataSourceID int64
	CacheType    string
	CacheKey     string
	CacheData    []byte
	CachedAt     time.Time
	ExpiresAt    *time.Time
}

// ExpiredAt reports whether the entry is logically absent at now.
// An entry expiring at t is visible for now < t and invisible for now >= t.
func (e *CacheEntry) ExpiredAt(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

func (e *CacheEntry) clone() *CacheEntry {
	out := *e
	if e.CacheData != nil {
		out.CacheData = append([]byte(nil), e.CacheData...)
	}
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

// CacheStore persists timestamped, optionally expiring cache documents.
//
// Get returns (nil, nil) when the entry is absent or expired. Expired entries are
// not purged by Get. Put stamps CachedAt at call time and replaces any entry with
// the same three-part key. Delete removes every entry for the source, or only
// those of cacheType when it is non-empty. PurgeExpired reclaims space held by
// expired entries and reports how many were removed.
//
// Implementations are safe for concurrent use with last-writer-wins per key.
type CacheStore interface {
	Get(ctx context.Context, sourceID int64, cacheType, cacheKey string) (*CacheEntry, error)
	Put(ctx context.Context, entry CacheEntry) error
	Delete(ctx context.Context, sourceID int64, cacheType string) error
	Stats(ctx context.Context) (StoreStats, error)
	PurgeExpired(ctx context.Context) (int64, error)
	Close() error
}

// StoreStats is a point-in-time count of stored entries.
type StoreStats struct {
	Entries int
	Expired int
}

// Clock supplies the current time to stores and the cache manager.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time { return time.Now() }

// stampEntry validates an entry for Put and sets CachedAt.
func stampEntry(entry *CacheEntry, now time.Time) error {
	if entry.CacheType == "" || entry.CacheKey == "" {
		return metadata.StoreError{Op: "put", Err: fmt.Errorf("cache type and key are required")}
	}
	entry.CachedAt = now
	if entry.ExpiresAt != nil && entry.ExpiresAt.Before(now) {
		return metadata.StoreError{
			Op:  "put",
			Err: fmt.Errorf("expires_at %s precedes cached_at %s", entry.ExpiresAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)),
		}
	}
	return nil
}
