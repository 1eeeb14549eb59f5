package db

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/maxpert/metascope/metadata"
	"github.com/puzpuzpuz/xsync/v3"
)

// SourceStore persists data source descriptors keyed by integer id.
// Missing ids yield metadata.NotFoundError, as does a ContextID naming no
// context. ListSources returns every source when contextID is nil.
type SourceStore interface {
	CreateSource(ctx context.Context, ds metadata.DataSource) (int64, error)
	GetSource(ctx context.Context, id int64) (metadata.DataSource, error)
	ListSources(ctx context.Context, contextID *int64) ([]metadata.DataSource, error)
	UpdateSource(ctx context.Context, ds metadata.DataSource) error
	DeleteSource(ctx context.Context, id int64) error
}

// ContextStore persists contexts. Names are unique; a clash yields
// metadata.ConflictError. DeleteContext removes the context together with its
// sources and returns the removed source ids in ascending order.
type ContextStore interface {
	CreateContext(ctx context.Context, c metadata.Context) (int64, error)
	GetContext(ctx context.Context, id int64) (metadata.Context, error)
	ListContexts(ctx context.Context) ([]metadata.Context, error)
	UpdateContext(ctx context.Context, c metadata.Context) error
	DeleteContext(ctx context.Context, id int64) ([]int64, error)
}

// Catalog holds every descriptor the explorer resolves ids against.
type Catalog interface {
	SourceStore
	ContextStore
}

// MemorySourceStore implements Catalog in memory. Sources live in a concurrent
// map; contexts sit behind mu, which source writes hold shared so a source
// never lands in a context that is being deleted.
type MemorySourceStore struct {
	sources *xsync.MapOf[int64, metadata.DataSource]
	nextID  atomic.Int64

	mu            sync.RWMutex
	contexts      map[int64]metadata.Context
	nextContextID int64

	clock Clock
}

var _ Catalog = (*MemorySourceStore)(nil)

func NewMemorySourceStore(clock Clock) *MemorySourceStore {
	if clock == nil {
		clock = SystemClock
	}
	return &MemorySourceStore{
		sources:  xsync.NewMapOf[int64, metadata.DataSource](),
		contexts: make(map[int64]metadata.Context),
		clock:    clock,
	}
}

// requireContextLocked checks a source's context reference. mu must be held.
func (s *MemorySourceStore) requireContextLocked(id *int64) error {
	if id == nil {
		return nil
	}
	if _, ok := s.contexts[*id]; !ok {
		return metadata.NotFoundError{Entity: "context", ID: *id}
	}
	return nil
}

func (s *MemorySourceStore) CreateSource(_ context.Context, ds metadata.DataSource) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireContextLocked(ds.ContextID); err != nil {
		return 0, err
	}

	ds.ID = s.nextID.Add(1)
	now := s.clock().UTC()
	ds.CreatedAt, ds.UpdatedAt = now, now
	s.sources.Store(ds.ID, ds)
	return ds.ID, nil
}

func (s *MemorySourceStore) GetSource(_ context.Context, id int64) (metadata.DataSource, error) {
	ds, ok := s.sources.Load(id)
	if !ok {
		return metadata.DataSource{}, metadata.NotFoundError{Entity: "data source", ID: id}
	}
	return ds, nil
}

func (s *MemorySourceStore) ListSources(_ context.Context, contextID *int64) ([]metadata.DataSource, error) {
	out := make([]metadata.DataSource, 0, s.sources.Size())
	s.sources.Range(func(_ int64, ds metadata.DataSource) bool {
		if contextID == nil || (ds.ContextID != nil && *ds.ContextID == *contextID) {
			out = append(out, ds)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemorySourceStore) UpdateSource(_ context.Context, ds metadata.DataSource) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireContextLocked(ds.ContextID); err != nil {
		return err
	}

	var found bool
	s.sources.Compute(ds.ID, func(old metadata.DataSource, loaded bool) (metadata.DataSource, bool) {
		if !loaded {
			return old, true
		}
		found = true
		ds.CreatedAt = old.CreatedAt
		ds.UpdatedAt = s.clock().UTC()
		return ds, false
	})
	if !found {
		return metadata.NotFoundError{Entity: "data source", ID: ds.ID}
	}
	return nil
}

func (s *MemorySourceStore) DeleteSource(_ context.Context, id int64) error {
	if _, ok := s.sources.LoadAndDelete(id); !ok {
		return metadata.NotFoundError{Entity: "data source", ID: id}
	}
	return nil
}

// nameTakenLocked reports whether another context already uses name. mu must be held.
func (s *MemorySourceStore) nameTakenLocked(name string, self int64) bool {
	for id, c := range s.contexts {
		if id != self && c.Name == name {
			return true
		}
	}
	return false
}

func (s *MemorySourceStore) CreateContext(_ context.Context, c metadata.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameTakenLocked(c.Name, 0) {
		return 0, metadata.ConflictError{Entity: "context", Field: "name", Value: c.Name}
	}

	s.nextContextID++
	c.ID = s.nextContextID
	now := s.clock().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	s.contexts[c.ID] = c
	return c.ID, nil
}

func (s *MemorySourceStore) GetContext(_ context.Context, id int64) (metadata.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	if !ok {
		return metadata.Context{}, metadata.NotFoundError{Entity: "context", ID: id}
	}
	return c, nil
}

// ListContexts returns the newest context first.
func (s *MemorySourceStore) ListContexts(_ context.Context) ([]metadata.Context, error) {
	s.mu.RLock()
	out := make([]metadata.Context, 0, len(s.contexts))
	for _, c := range s.contexts {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemorySourceStore) UpdateContext(_ context.Context, c metadata.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.contexts[c.ID]
	if !ok {
		return metadata.NotFoundError{Entity: "context", ID: c.ID}
	}
	if s.nameTakenLocked(c.Name, c.ID) {
		return metadata.ConflictError{Entity: "context", Field: "name", Value: c.Name}
	}
	c.CreatedAt = old.CreatedAt
	c.UpdatedAt = s.clock().UTC()
	s.contexts[c.ID] = c
	return nil
}

func (s *MemorySourceStore) DeleteContext(_ context.Context, id int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[id]; !ok {
		return nil, metadata.NotFoundError{Entity: "context", ID: id}
	}

	var removed []int64
	s.sources.Range(func(sourceID int64, ds metadata.DataSource) bool {
		if ds.ContextID != nil && *ds.ContextID == id {
			s.sources.Delete(sourceID)
			removed = append(removed, sourceID)
		}
		return true
	})
	delete(s.contexts, id)

	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed, nil
}
