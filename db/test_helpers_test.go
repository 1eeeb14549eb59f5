package db

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func createTestPebbleCacheStore(t *testing.T, clock Clock) (*PebbleCacheStore, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "pebble_cachestore_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	opts := DefaultPebbleCacheOptions()
	opts.CacheSizeMB = 8
	opts.MemTableSizeMB = 4
	opts.CompressThreshold = 64

	store, err := NewPebbleCacheStore(filepath.Join(tmpDir, "cache.pebble"), opts, clock)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		t.Fatalf("failed to create pebble cache store: %v", err)
	}

	cleanup := func() {
		_ = store.Close()
		_ = os.RemoveAll(tmpDir)
	}

	return store, cleanup
}

func createTestSQLiteStore(t *testing.T, clock Clock) (*SQLiteStore, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "sqlite_store_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	store, err := NewSQLiteStore(filepath.Join(tmpDir, "catalog.db"), 5000, clock)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	cleanup := func() {
		_ = store.Close()
		_ = os.RemoveAll(tmpDir)
	}

	return store, cleanup
}

type cacheStoreFactory struct {
	name string
	make func(t *testing.T, clock Clock) (CacheStore, func())
}

func cacheStoreFactories() []cacheStoreFactory {
	return []cacheStoreFactory{
		{"memory", func(t *testing.T, clock Clock) (CacheStore, func()) {
			s := NewMemoryCacheStore(clock)
			return s, func() { _ = s.Close() }
		}},
		{"pebble", func(t *testing.T, clock Clock) (CacheStore, func()) {
			return createTestPebbleCacheStore(t, clock)
		}},
		{"sqlite", func(t *testing.T, clock Clock) (CacheStore, func()) {
			return createTestSQLiteStore(t, clock)
		}},
	}
}
