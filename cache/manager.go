// Package cache implements the read-through metadata cache that sits between
// callers and the live adapters.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/metascope/db"
	"github.com/maxpert/metascope/encoding"
	"github.com/maxpert/metascope/metadata"
	"github.com/maxpert/metascope/telemetry"
	"github.com/rs/zerolog/log"
)

// DefaultTTL is how long a fetched result stays servable.
const DefaultTTL = 24 * time.Hour

const defaultKeyPart = "default"

// Fetcher is the subset of adapter operations whose results are cached.
type Fetcher interface {
	FetchTables(ctx context.Context, src metadata.DataSource) ([]metadata.TableInfo, error)
	FetchTableStructure(ctx context.Context, src metadata.DataSource, schema *string, table string) (metadata.TableInfo, error)
	FetchTopics(ctx context.Context, src metadata.DataSource) ([]metadata.KafkaTopicInfo, error)
	FetchRegistrySchemas(ctx context.Context, src metadata.DataSource) (metadata.SchemaListing, error)
}

// WriteErrorPolicy decides what a caller sees when a fetch succeeded but the
// result could not be encoded or stored.
type WriteErrorPolicy int

const (
	// WritePolicyPropagate returns the write error and drops the fresh value.
	WritePolicyPropagate WriteErrorPolicy = iota
	// WritePolicyReturnFresh logs the write error and returns the fresh value.
	WritePolicyReturnFresh
)

func ParseWriteErrorPolicy(s string) (WriteErrorPolicy, error) {
	switch s {
	case "", "propagate":
		return WritePolicyPropagate, nil
	case "return_fresh":
		return WritePolicyReturnFresh, nil
	}
	return WritePolicyPropagate, fmt.Errorf("unknown write error policy %q", s)
}

func (p WriteErrorPolicy) String() string {
	if p == WritePolicyReturnFresh {
		return "return_fresh"
	}
	return "propagate"
}

// Option configures a Manager.
type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(clock db.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func WithWriteErrorPolicy(p WriteErrorPolicy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// Manager serves metadata from the cache store when a live entry exists and
// from the fetcher otherwise, writing every fresh result back.
// Concurrent misses for the same key each fetch; the last write wins.
type Manager struct {
	store   db.CacheStore
	fetcher Fetcher
	ttl     time.Duration
	clock   db.Clock
	policy  WriteErrorPolicy
}

func NewManager(store db.CacheStore, fetcher Fetcher, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		fetcher: fetcher,
		ttl:     DefaultTTL,
		clock:   db.SystemClock,
		policy:  WritePolicyPropagate,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// TablesKey is the cache key for the table listing of a database.
func TablesKey(database *string) string {
	return metadata.CacheTables + ":" + orDefault(database)
}

// TableStructureKey is the cache key for one table's structure.
func TableStructureKey(schema *string, table string) string {
	return metadata.CacheTableStructure + ":" + orDefault(schema) + ":" + table
}

const (
	TopicsKey  = metadata.CacheTopics
	SchemasKey = metadata.CacheSchemas
)

func orDefault(s *string) string {
	if s == nil || *s == "" {
		return defaultKeyPart
	}
	return *s
}

func (m *Manager) Tables(ctx context.Context, src metadata.DataSource, forceRefresh bool) ([]metadata.TableInfo, error) {
	return readThrough(ctx, m, src, metadata.CacheTables, TablesKey(src.Database), forceRefresh,
		func(ctx context.Context) ([]metadata.TableInfo, error) {
			return m.fetcher.FetchTables(ctx, src)
		})
}

func (m *Manager) TableStructure(ctx context.Context, src metadata.DataSource, schema *string, table string, forceRefresh bool) (metadata.TableInfo, error) {
	return readThrough(ctx, m, src, metadata.CacheTableStructure, TableStructureKey(schema, table), forceRefresh,
		func(ctx context.Context) (metadata.TableInfo, error) {
			return m.fetcher.FetchTableStructure(ctx, src, schema, table)
		})
}

func (m *Manager) Topics(ctx context.Context, src metadata.DataSource, forceRefresh bool) ([]metadata.KafkaTopicInfo, error) {
	return readThrough(ctx, m, src, metadata.CacheTopics, TopicsKey, forceRefresh,
		func(ctx context.Context) ([]metadata.KafkaTopicInfo, error) {
			return m.fetcher.FetchTopics(ctx, src)
		})
}

func (m *Manager) RegistrySchemas(ctx context.Context, src metadata.DataSource, forceRefresh bool) (metadata.SchemaListing, error) {
	return readThrough(ctx, m, src, metadata.CacheSchemas, SchemasKey, forceRefresh,
		func(ctx context.Context) (metadata.SchemaListing, error) {
			return m.fetcher.FetchRegistrySchemas(ctx, src)
		})
}

// Clear drops every entry of a source, or only those of one cache type.
func (m *Manager) Clear(ctx context.Context, sourceID int64, cacheType *string) error {
	ct := ""
	if cacheType != nil {
		parsed, err := metadata.ParseCacheType(*cacheType)
		if err != nil {
			return err
		}
		ct = parsed
	}

	if err := m.store.Delete(ctx, sourceID, ct); err != nil {
		return asStoreError("delete", err)
	}
	telemetry.CacheClearsTotal.Inc()
	log.Info().Int64("source_id", sourceID).Str("cache_type", ct).Msg("Cleared metadata cache")
	return nil
}

func readThrough[T any](
	ctx context.Context,
	m *Manager,
	src metadata.DataSource,
	cacheType, key string,
	forceRefresh bool,
	fetch func(context.Context) (T, error),
) (T, error) {
	var zero T

	if forceRefresh {
		telemetry.CacheLookupsTotal.With(cacheType, "forced").Inc()
	} else {
		cached, ok, err := lookup[T](ctx, m, src.ID, cacheType, key)
		if err != nil {
			return zero, err
		}
		if ok {
			telemetry.CacheLookupsTotal.With(cacheType, "hit").Inc()
			return cached, nil
		}
		telemetry.CacheLookupsTotal.With(cacheType, "miss").Inc()
	}

	start := time.Now()
	fresh, err := fetch(ctx)
	if err != nil {
		telemetry.FetchDurationSeconds.With(cacheType, "failed").Observe(time.Since(start).Seconds())
		return zero, err
	}
	telemetry.FetchDurationSeconds.With(cacheType, "success").Observe(time.Since(start).Seconds())

	if err := m.write(ctx, src.ID, cacheType, key, fresh); err != nil {
		telemetry.CacheWriteFailuresTotal.With(cacheType).Inc()
		if m.policy == WritePolicyReturnFresh {
			log.Warn().Err(err).
				Int64("source_id", src.ID).
				Str("cache_key", key).
				Msg("Serving fresh metadata without caching it")
			return fresh, nil
		}
		return zero, err
	}
	return fresh, nil
}

// lookup returns ok=false for a missing, expired or undecodable entry.
func lookup[T any](ctx context.Context, m *Manager, sourceID int64, cacheType, key string) (T, bool, error) {
	var out T

	entry, err := m.store.Get(ctx, sourceID, cacheType, key)
	if err != nil {
		return out, false, asStoreError("get", err)
	}
	if entry == nil {
		return out, false, nil
	}

	if err := encoding.UnmarshalStrict(entry.CacheData, &out); err != nil {
		telemetry.CacheDecodeFailuresTotal.With(cacheType).Inc()
		log.Debug().Err(err).
			Int64("source_id", sourceID).
			Str("cache_key", key).
			Msg("Discarding undecodable cache entry")
		var zero T
		return zero, false, nil
	}
	return out, true, nil
}

func (m *Manager) write(ctx context.Context, sourceID int64, cacheType, key string, v any) error {
	data, err := encoding.Marshal(v)
	if err != nil {
		return metadata.SerializationError{Op: "encode", Err: err}
	}

	expires := m.clock().Add(m.ttl)
	err = m.store.Put(ctx, db.CacheEntry{
		DataSourceID: sourceID,
		CacheType:    cacheType,
		CacheKey:     key,
		CacheData:    data,
		ExpiresAt:    &expires,
	})
	if err != nil {
		return asStoreError("put", err)
	}
	return nil
}

func asStoreError(op string, err error) error {
	if errors.Is(err, metadata.ErrStore) {
		return err
	}
	return metadata.StoreError{Op: op, Err: err}
}
