package db

import (
	"context"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

type cacheEntryKey struct {
	sourceID  int64
	cacheType string
	cacheKey  string
}

// MemoryCacheStore implements CacheStore using a lock-free concurrent map.
// Entries are copied on the way in and out so callers never share buffers.
type MemoryCacheStore struct {
	entries *xsync.MapOf[cacheEntryKey, *CacheEntry]
	nextID  atomic.Int64
	clock   Clock
}

var _ CacheStore = (*MemoryCacheStore)(nil)

// NewMemoryCacheStore creates an empty in-memory store. A nil clock means SystemClock.
func NewMemoryCacheStore(clock Clock) *MemoryCacheStore {
	if clock == nil {
		clock = SystemClock
	}
	return &MemoryCacheStore{
		entries: xsync.NewMapOf[cacheEntryKey, *CacheEntry](),
		clock:   clock,
	}
}

func (s *MemoryCacheStore) Get(_ context.Context, sourceID int64, cacheType, cacheKey string) (*CacheEntry, error) {
	entry, ok := s.entries.Load(cacheEntryKey{sourceID, cacheType, cacheKey})
	if !ok || entry.ExpiredAt(s.clock()) {
		return nil, nil
	}
	return entry.clone(), nil
}

func (s *MemoryCacheStore) Put(_ context.Context, entry CacheEntry) error {
	if err := stampEntry(&entry, s.clock()); err != nil {
		return err
	}
	entry.ID = s.nextID.Add(1)
	s.entries.Store(cacheEntryKey{entry.DataSourceID, entry.CacheType, entry.CacheKey}, entry.clone())
	return nil
}

func (s *MemoryCacheStore) Delete(_ context.Context, sourceID int64, cacheType string) error {
	s.entries.Range(func(k cacheEntryKey, _ *CacheEntry) bool {
		if k.sourceID == sourceID && (cacheType == "" || k.cacheType == cacheType) {
			s.entries.Delete(k)
		}
		return true
	})
	return nil
}

func (s *MemoryCacheStore) Stats(_ context.Context) (StoreStats, error) {
	now := s.clock()
	var st StoreStats
	s.entries.Range(func(_ cacheEntryKey, e *CacheEntry) bool {
		st.Entries++
		if e.ExpiredAt(now) {
			st.Expired++
		}
		return true
	})
	return st, nil
}

func (s *MemoryCacheStore) PurgeExpired(_ context.Context) (int64, error) {
	now := s.clock()
	var purged int64
	s.entries.Range(func(k cacheEntryKey, _ *CacheEntry) bool {
		// Recheck under Compute so a concurrent Put is never dropped.
		s.entries.Compute(k, func(old *CacheEntry, loaded bool) (*CacheEntry, bool) {
			if !loaded {
				return old, true
			}
			if old.ExpiredAt(now) {
				purged++
				return nil, true
			}
			return old, false
		})
		return true
	})
	return purged, nil
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryCacheStore) Len() int {
	return s.entries.Size()
}

func (s *MemoryCacheStore) Close() error {
	s.entries.Clear()
	return nil
}
