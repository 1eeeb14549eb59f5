package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/metascope/encoding"
	"github.com/maxpert/metascope/metadata"
	"github.com/rs/zerolog/log"
)

// Key layout, sorted so one source (or one source+type) is a contiguous range.
const (
	pebblePrefixCache = "/cache/" // /cache/{sourceID:016x}/{cacheType}/{cacheKey}
)

// Group commit configuration
const (
	pebbleBatchMaxSize     = 64
	pebbleBatchMaxWait     = 2 * time.Millisecond
	pebbleBatchChannelSize = 512
)

var errStoreClosed = errors.New("store is closed")

// pebbleCacheRecord is the value stored under each cache key.
type pebbleCacheRecord struct {
	ID        int64  `msgpack:"id"`
	CachedAt  int64  `msgpack:"cached_at"`
	ExpiresAt *int64 `msgpack:"expires_at"`
	Data      []byte `msgpack:"data"`
}

type pebbleBatchOp struct {
	fn     func(batch *pebble.Batch) error
	result chan error
}

// PebbleCacheStoreOptions configures Pebble
type PebbleCacheStoreOptions struct {
	CacheSizeMB    int64 // Block cache size
	MemTableSizeMB int64 // Write buffer size
	MemTableCount  int   // Number of memtables

	DisableWAL bool // Only for testing!

	CompressionLevel     int // 0 disables zstd, 1-4 fastest..best
	CompressThreshold    int // Payloads below this many bytes are stored raw
	MaxConcurrentCompact int // Parallel compactors
}

// DefaultPebbleCacheOptions returns options suitable for a metadata cache,
// which is small and read-mostly.
func DefaultPebbleCacheOptions() PebbleCacheStoreOptions {
	return PebbleCacheStoreOptions{
		CacheSizeMB:          32,
		MemTableSizeMB:       16,
		MemTableCount:        2,
		CompressionLevel:     1,
		CompressThreshold:    4096,
		MaxConcurrentCompact: 2,
	}
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// PebbleCacheStore implements CacheStore using Pebble
type PebbleCacheStore struct {
	db     *pebble.DB
	path   string
	clock  Clock
	sealer *encoding.Sealer
	nextID atomic.Int64

	batchCh   chan *pebbleBatchOp
	stopBatch chan struct{}
	batchWg   sync.WaitGroup

	// closeMu is held shared by every operation touching db or batchCh, so
	// Close never races an enqueue or a read.
	closeMu sync.RWMutex
	closed  bool
}

var _ CacheStore = (*PebbleCacheStore)(nil)

// NewPebbleCacheStore opens (or creates) a Pebble-backed CacheStore at path.
func NewPebbleCacheStore(path string, opts PebbleCacheStoreOptions, clock Clock) (*PebbleCacheStore, error) {
	if clock == nil {
		clock = SystemClock
	}
	if opts.MaxConcurrentCompact <= 0 {
		opts.MaxConcurrentCompact = 1
	}

	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref() // DB will hold reference

	pebbleOpts := &pebble.Options{
		Cache:                       cache,
		MemTableSize:                uint64(opts.MemTableSizeMB << 20),
		MemTableStopWritesThreshold: opts.MemTableCount,
		DisableWAL:                  opts.DisableWAL,
		MaxConcurrentCompactions:    func() int { return opts.MaxConcurrentCompact },
		Logger:                      &pebbleLogger{},
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	store := &PebbleCacheStore{
		db:        db,
		path:      path,
		clock:     clock,
		sealer:    encoding.NewSealer(opts.CompressionLevel, opts.CompressThreshold),
		batchCh:   make(chan *pebbleBatchOp, pebbleBatchChannelSize),
		stopBatch: make(chan struct{}),
	}

	if err := store.restoreSequence(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to restore entry sequence: %w", err)
	}

	store.batchWg.Add(1)
	go store.batchWriter()

	return store, nil
}

// restoreSequence scans existing entries so new ids keep increasing across restarts.
func (s *PebbleCacheStore) restoreSequence() error {
	prefix := []byte(pebblePrefixCache)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	count := 0
	var maxID int64
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			continue
		}
		rec, err := s.decodeRecord(val)
		if err != nil {
			continue
		}
		if rec.ID > maxID {
			maxID = rec.ID
		}
		count++
	}
	s.nextID.Store(maxID)

	if count > 0 {
		log.Info().Int("entries", count).Str("path", s.path).Msg("Opened existing metadata cache")
	}
	return nil
}

// batchWriter runs in a goroutine and batches write operations
func (s *PebbleCacheStore) batchWriter() {
	defer s.batchWg.Done()

	ops := make([]*pebbleBatchOp, 0, pebbleBatchMaxSize)
	timer := time.NewTimer(pebbleBatchMaxWait)
	timer.Stop()
	timerRunning := false

	flush := func() {
		if len(ops) == 0 {
			return
		}

		// Indexed so ops can read their own batch, see PurgeExpired.
		batch := s.db.NewIndexedBatch()
		defer batch.Close()

		failed := make([]bool, len(ops))
		for i, op := range ops {
			if opErr := op.fn(batch); opErr != nil {
				op.result <- opErr
				failed[i] = true
			}
		}

		commitErr := batch.Commit(pebble.NoSync)

		for i, op := range ops {
			if !failed[i] {
				op.result <- commitErr
			}
		}

		ops = ops[:0]
		if timerRunning {
			timer.Stop()
			timerRunning = false
		}
	}

	for {
		select {
		case op := <-s.batchCh:
			ops = append(ops, op)

			if len(ops) >= pebbleBatchMaxSize {
				flush()
			} else if !timerRunning {
				timer.Reset(pebbleBatchMaxWait)
				timerRunning = true
			}

		case <-timer.C:
			timerRunning = false
			flush()

		case <-s.stopBatch:
			for {
				select {
				case op := <-s.batchCh:
					ops = append(ops, op)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *PebbleCacheStore) submit(ctx context.Context, fn func(batch *pebble.Batch) error) error {
	op := &pebbleBatchOp{fn: fn, result: make(chan error, 1)}

	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return errStoreClosed
	}
	select {
	case s.batchCh <- op:
	case <-ctx.Done():
		s.closeMu.RUnlock()
		return ctx.Err()
	}
	s.closeMu.RUnlock()

	// Close drains batchCh before stopping the writer, so every enqueued op is answered.
	return <-op.result
}

func cacheKeyPrefix(sourceID int64, cacheType string) []byte {
	if cacheType == "" {
		return []byte(fmt.Sprintf("%s%016x/", pebblePrefixCache, uint64(sourceID)))
	}
	return []byte(fmt.Sprintf("%s%016x/%s/", pebblePrefixCache, uint64(sourceID), cacheType))
}

func cacheEntryPebbleKey(sourceID int64, cacheType, cacheKey string) []byte {
	return append(cacheKeyPrefix(sourceID, cacheType), cacheKey...)
}

// prefixUpperBound returns the smallest key greater than every key sharing prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

func (s *PebbleCacheStore) decodeRecord(val []byte) (*pebbleCacheRecord, error) {
	raw, err := s.sealer.Open(val)
	if err != nil {
		return nil, err
	}
	var rec pebbleCacheRecord
	if err := encoding.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *pebbleCacheRecord) expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.UnixNano() >= *r.ExpiresAt
}

func (s *PebbleCacheStore) Get(_ context.Context, sourceID int64, cacheType, cacheKey string) (*CacheEntry, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return nil, metadata.StoreError{Op: "get", Err: errStoreClosed}
	}

	val, closer, err := s.db.Get(cacheEntryPebbleKey(sourceID, cacheType, cacheKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, metadata.StoreError{Op: "get", Err: err}
	}
	rec, err := s.decodeRecord(val)
	closer.Close()
	if err != nil {
		// A damaged record reads as a miss; the next Put overwrites it.
		log.Warn().Err(err).Int64("source_id", sourceID).Str("cache_type", cacheType).
			Str("cache_key", cacheKey).Msg("Discarding unreadable cache record")
		return nil, nil
	}

	if rec.expired(s.clock()) {
		return nil, nil
	}

	entry := &CacheEntry{
		ID:           rec.ID,
		DataSourceID: sourceID,
		CacheType:    cacheType,
		CacheKey:     cacheKey,
		CacheData:    rec.Data,
		CachedAt:     time.Unix(0, rec.CachedAt),
	}
	if rec.ExpiresAt != nil {
		t := time.Unix(0, *rec.ExpiresAt)
		entry.ExpiresAt = &t
	}
	return entry, nil
}

func (s *PebbleCacheStore) Put(ctx context.Context, entry CacheEntry) error {
	if err := stampEntry(&entry, s.clock()); err != nil {
		return err
	}

	rec := pebbleCacheRecord{
		ID:       s.nextID.Add(1),
		CachedAt: entry.CachedAt.UnixNano(),
		Data:     entry.CacheData,
	}
	if entry.ExpiresAt != nil {
		ns := entry.ExpiresAt.UnixNano()
		rec.ExpiresAt = &ns
	}

	raw, err := encoding.Marshal(&rec)
	if err != nil {
		return metadata.StoreError{Op: "put", Err: err}
	}
	val, err := s.sealer.Seal(raw)
	if err != nil {
		return metadata.StoreError{Op: "put", Err: err}
	}

	key := cacheEntryPebbleKey(entry.DataSourceID, entry.CacheType, entry.CacheKey)
	err = s.submit(ctx, func(batch *pebble.Batch) error {
		return batch.Set(key, val, nil)
	})
	if err != nil {
		return metadata.StoreError{Op: "put", Err: err}
	}
	return nil
}

func (s *PebbleCacheStore) Delete(ctx context.Context, sourceID int64, cacheType string) error {
	prefix := cacheKeyPrefix(sourceID, cacheType)
	err := s.submit(ctx, func(batch *pebble.Batch) error {
		return batch.DeleteRange(prefix, prefixUpperBound(prefix), nil)
	})
	if err != nil {
		return metadata.StoreError{Op: "delete", Err: err}
	}
	return nil
}

func (s *PebbleCacheStore) Stats(_ context.Context) (StoreStats, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return StoreStats{}, metadata.StoreError{Op: "stats", Err: errStoreClosed}
	}

	prefix := []byte(pebblePrefixCache)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return StoreStats{}, metadata.StoreError{Op: "stats", Err: err}
	}
	defer iter.Close()

	now := s.clock()
	var st StoreStats
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			continue
		}
		rec, err := s.decodeRecord(val)
		if err != nil {
			continue
		}
		st.Entries++
		if rec.expired(now) {
			st.Expired++
		}
	}
	return st, nil
}

// PurgeExpired deletes expired and unreadable records. Candidates are
// rechecked inside the commit so an entry replaced since the scan survives.
func (s *PebbleCacheStore) PurgeExpired(ctx context.Context) (int64, error) {
	candidates, err := s.expiredKeys()
	if err != nil {
		return 0, metadata.StoreError{Op: "purge", Err: err}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	var purged int64
	err = s.submit(ctx, func(batch *pebble.Batch) error {
		now := s.clock()
		for _, key := range candidates {
			val, closer, err := batch.Get(key)
			if errors.Is(err, pebble.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			rec, decodeErr := s.decodeRecord(val)
			closer.Close()
			if decodeErr == nil && !rec.expired(now) {
				continue
			}
			if err := batch.Delete(key, nil); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, metadata.StoreError{Op: "purge", Err: err}
	}
	if purged > 0 {
		log.Debug().Int64("entries", purged).Msg("Purged expired cache entries")
	}
	return purged, nil
}

func (s *PebbleCacheStore) expiredKeys() ([][]byte, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}

	prefix := []byte(pebblePrefixCache)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	now := s.clock()
	var keys [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			continue
		}
		if rec, err := s.decodeRecord(val); err == nil && !rec.expired(now) {
			continue
		}
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	return keys, iter.Error()
}

// Close closes the Pebble DB (idempotent - safe to call multiple times)
func (s *PebbleCacheStore) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopBatch)
	s.closeMu.Unlock()

	s.batchWg.Wait()
	return s.db.Close()
}
