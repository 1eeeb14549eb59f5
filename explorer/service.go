// Package explorer exposes the metadata operations by source id: it resolves
// descriptors, reads through the cache and runs comparisons.
package explorer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/metascope/adapter"
	"github.com/maxpert/metascope/cache"
	"github.com/maxpert/metascope/compare"
	"github.com/maxpert/metascope/db"
	"github.com/maxpert/metascope/metadata"
	"github.com/rs/zerolog/log"
)

const DefaultDescriptorCacheSize = 256

// ErrInvalidInput marks caller mistakes such as a malformed source descriptor.
var ErrInvalidInput = errors.New("invalid input")

type Service struct {
	sources     db.Catalog
	descriptors *lru.Cache[int64, metadata.DataSource]
	cache       *cache.Manager

	// descGen advances whenever descriptors change so a reader that loaded
	// before the change never caches what it loaded.
	descMu  sync.Mutex
	descGen uint64

	engine *compare.Engine
	tester adapter.Tester
}

func NewService(
	sources db.Catalog,
	manager *cache.Manager,
	engine *compare.Engine,
	tester adapter.Tester,
	descriptorCacheSize int,
) (*Service, error) {
	if descriptorCacheSize <= 0 {
		descriptorCacheSize = DefaultDescriptorCacheSize
	}
	descriptors, err := lru.New[int64, metadata.DataSource](descriptorCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create descriptor cache: %w", err)
	}
	return &Service{
		sources:     sources,
		descriptors: descriptors,
		cache:       manager,
		engine:      engine,
		tester:      tester,
	}, nil
}

func (s *Service) source(ctx context.Context, id int64) (metadata.DataSource, error) {
	if ds, ok := s.descriptors.Get(id); ok {
		return ds, nil
	}

	s.descMu.Lock()
	gen := s.descGen
	s.descMu.Unlock()

	ds, err := s.sources.GetSource(ctx, id)
	if err != nil {
		return metadata.DataSource{}, err
	}

	s.descMu.Lock()
	if s.descGen == gen {
		s.descriptors.Add(id, ds)
	}
	s.descMu.Unlock()
	return ds, nil
}

// forget evicts descriptors after the catalog changed them.
func (s *Service) forget(ids ...int64) {
	s.descMu.Lock()
	s.descGen++
	for _, id := range ids {
		s.descriptors.Remove(id)
	}
	s.descMu.Unlock()
}

func (s *Service) GetTables(ctx context.Context, sourceID int64, forceRefresh bool) ([]metadata.TableInfo, error) {
	src, err := s.source(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return s.cache.Tables(ctx, src, forceRefresh)
}

func (s *Service) GetTableStructure(ctx context.Context, sourceID int64, schema *string, table string, forceRefresh bool) (metadata.TableInfo, error) {
	if table == "" {
		return metadata.TableInfo{}, fmt.Errorf("%w: table name is required", ErrInvalidInput)
	}
	src, err := s.source(ctx, sourceID)
	if err != nil {
		return metadata.TableInfo{}, err
	}
	return s.cache.TableStructure(ctx, src, schema, table, forceRefresh)
}

func (s *Service) GetKafkaTopics(ctx context.Context, sourceID int64, forceRefresh bool) ([]metadata.KafkaTopicInfo, error) {
	src, err := s.source(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return s.cache.Topics(ctx, src, forceRefresh)
}

func (s *Service) GetSchemaRegistrySchemas(ctx context.Context, sourceID int64, forceRefresh bool) (metadata.SchemaListing, error) {
	src, err := s.source(ctx, sourceID)
	if err != nil {
		return metadata.SchemaListing{}, err
	}
	return s.cache.RegistrySchemas(ctx, src, forceRefresh)
}

// RefreshMetadata invalidates cached metadata of a source so the next read
// fetches live. A nil cacheType clears every type.
func (s *Service) RefreshMetadata(ctx context.Context, sourceID int64, cacheType *string) error {
	if cacheType != nil {
		if _, err := metadata.ParseCacheType(*cacheType); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	if _, err := s.source(ctx, sourceID); err != nil {
		return err
	}
	return s.cache.Clear(ctx, sourceID, cacheType)
}

func (s *Service) CompareTables(ctx context.Context, source1ID, source2ID int64, schema1, schema2 *string, table string) (metadata.TableComparison, error) {
	if table == "" {
		return metadata.TableComparison{}, fmt.Errorf("%w: table name is required", ErrInvalidInput)
	}
	src1, err := s.source(ctx, source1ID)
	if err != nil {
		return metadata.TableComparison{}, err
	}
	src2, err := s.source(ctx, source2ID)
	if err != nil {
		return metadata.TableComparison{}, err
	}
	return s.engine.Compare(ctx, src1, src2, schema1, schema2, table)
}

func (s *Service) TestConnection(ctx context.Context, sourceID int64) error {
	src, err := s.source(ctx, sourceID)
	if err != nil {
		return err
	}
	return s.tester.TestConnection(ctx, src)
}

func (s *Service) CreateSource(ctx context.Context, ds metadata.DataSource) (metadata.DataSource, error) {
	ds, err := validate(ds)
	if err != nil {
		return metadata.DataSource{}, err
	}
	id, err := s.sources.CreateSource(ctx, ds)
	if err != nil {
		return metadata.DataSource{}, err
	}
	log.Info().Int64("source_id", id).Str("name", ds.Name).Str("kind", string(ds.Kind)).Msg("Data source created")
	return s.sources.GetSource(ctx, id)
}

func (s *Service) GetSource(ctx context.Context, id int64) (metadata.DataSource, error) {
	return s.source(ctx, id)
}

// ListSources returns every source, or only those of one context.
func (s *Service) ListSources(ctx context.Context, contextID *int64) ([]metadata.DataSource, error) {
	if contextID != nil {
		if _, err := s.sources.GetContext(ctx, *contextID); err != nil {
			return nil, err
		}
	}
	return s.sources.ListSources(ctx, contextID)
}

// UpdateSource replaces a descriptor and drops everything cached for it,
// since the new connection details may point at a different system. An empty
// password keeps the stored one; descriptors are served with passwords blanked.
func (s *Service) UpdateSource(ctx context.Context, ds metadata.DataSource) (metadata.DataSource, error) {
	ds, err := validate(ds)
	if err != nil {
		return metadata.DataSource{}, err
	}
	if ds.Password == "" {
		stored, err := s.sources.GetSource(ctx, ds.ID)
		if err != nil {
			return metadata.DataSource{}, err
		}
		ds.Password = stored.Password
	}
	if err := s.sources.UpdateSource(ctx, ds); err != nil {
		return metadata.DataSource{}, err
	}
	s.forget(ds.ID)
	if err := s.cache.Clear(ctx, ds.ID, nil); err != nil {
		return metadata.DataSource{}, err
	}
	log.Info().Int64("source_id", ds.ID).Msg("Data source updated")
	return s.source(ctx, ds.ID)
}

func (s *Service) DeleteSource(ctx context.Context, id int64) error {
	if err := s.sources.DeleteSource(ctx, id); err != nil {
		return err
	}
	s.forget(id)
	if err := s.cache.Clear(ctx, id, nil); err != nil {
		return err
	}
	log.Info().Int64("source_id", id).Msg("Data source deleted")
	return nil
}

func (s *Service) CreateContext(ctx context.Context, c metadata.Context) (metadata.Context, error) {
	if err := c.Validate(); err != nil {
		return metadata.Context{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	id, err := s.sources.CreateContext(ctx, c)
	if err != nil {
		return metadata.Context{}, err
	}
	log.Info().Int64("context_id", id).Str("name", c.Name).Msg("Context created")
	return s.sources.GetContext(ctx, id)
}

func (s *Service) GetContext(ctx context.Context, id int64) (metadata.Context, error) {
	return s.sources.GetContext(ctx, id)
}

func (s *Service) ListContexts(ctx context.Context) ([]metadata.Context, error) {
	return s.sources.ListContexts(ctx)
}

func (s *Service) UpdateContext(ctx context.Context, c metadata.Context) (metadata.Context, error) {
	if err := c.Validate(); err != nil {
		return metadata.Context{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.sources.UpdateContext(ctx, c); err != nil {
		return metadata.Context{}, err
	}
	log.Info().Int64("context_id", c.ID).Msg("Context updated")
	return s.sources.GetContext(ctx, c.ID)
}

// DeleteContext removes a context with all of its sources and clears their
// cached metadata. Every source is cleared even if one clear fails.
func (s *Service) DeleteContext(ctx context.Context, id int64) error {
	removed, err := s.sources.DeleteContext(ctx, id)
	if err != nil {
		return err
	}
	s.forget(removed...)

	var firstErr error
	for _, sourceID := range removed {
		if err := s.cache.Clear(ctx, sourceID, nil); err != nil {
			log.Warn().Err(err).Int64("source_id", sourceID).Msg("Failed to clear cache of deleted source")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	log.Info().Int64("context_id", id).Int("sources", len(removed)).Msg("Context deleted")
	return firstErr
}

// validate checks a descriptor and normalizes its kind alias ("postgres",
// "mssql") to the canonical value adapters are registered under.
func validate(ds metadata.DataSource) (metadata.DataSource, error) {
	if err := ds.Validate(); err != nil {
		if errors.Is(err, metadata.ErrUnsupportedBackend) {
			return ds, err
		}
		return ds, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	ds.Kind, _ = metadata.ParseBackendKind(string(ds.Kind))
	return ds, nil
}
