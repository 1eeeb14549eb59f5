package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxpert/metascope/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forEachCatalog(t *testing.T, fn func(t *testing.T, store Catalog, clock *testClock)) {
	t.Run("memory", func(t *testing.T) {
		clock := newTestClock()
		fn(t, NewMemorySourceStore(clock.Now), clock)
	})
	t.Run("sqlite", func(t *testing.T) {
		clock := newTestClock()
		store, cleanup := createTestSQLiteStore(t, clock.Now)
		defer cleanup()
		fn(t, store, clock)
	})
}

func mysqlSource() metadata.DataSource {
	database := "shop"
	return metadata.DataSource{
		Name:     "shop-primary",
		Kind:     metadata.KindMySQL,
		Host:     "mysql.internal",
		Port:     3306,
		Database: &database,
		Username: "reader",
		Password: "secret",
	}
}

func TestSourceStore_CRUD(t *testing.T) {
	forEachCatalog(t, func(t *testing.T, store Catalog, clock *testClock) {
		ctx := context.Background()

		id, err := store.CreateSource(ctx, mysqlSource())
		require.NoError(t, err)
		assert.NotZero(t, id)

		got, err := store.GetSource(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, metadata.KindMySQL, got.Kind)
		require.NotNil(t, got.Database)
		assert.Equal(t, "shop", *got.Database)
		assert.Nil(t, got.SchemaRegistryURL)
		assert.True(t, got.CreatedAt.Equal(clock.Now()))

		registry := "http://registry:8081"
		kafka := metadata.DataSource{
			Name: "events", Kind: metadata.KindKafka, Host: "broker", Port: 9092,
			SchemaRegistryURL: &registry,
		}
		kafkaID, err := store.CreateSource(ctx, kafka)
		require.NoError(t, err)

		all, err := store.ListSources(ctx, nil)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, id, all[0].ID)
		assert.Equal(t, kafkaID, all[1].ID)
		require.NotNil(t, all[1].SchemaRegistryURL)
		assert.Equal(t, registry, *all[1].SchemaRegistryURL)

		clock.Advance(time.Hour)
		got.Host = "mysql-replica.internal"
		require.NoError(t, store.UpdateSource(ctx, got))
		updated, err := store.GetSource(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "mysql-replica.internal", updated.Host)
		assert.True(t, updated.UpdatedAt.Equal(clock.Now()))
		assert.True(t, updated.CreatedAt.Before(updated.UpdatedAt))

		require.NoError(t, store.DeleteSource(ctx, id))
		_, err = store.GetSource(ctx, id)
		assert.ErrorIs(t, err, metadata.ErrNotFound)
	})
}

func TestSourceStore_MissingIDs(t *testing.T) {
	forEachCatalog(t, func(t *testing.T, store Catalog, _ *testClock) {
		ctx := context.Background()

		_, err := store.GetSource(ctx, 404)
		assert.ErrorIs(t, err, metadata.ErrNotFound)

		ds := mysqlSource()
		ds.ID = 404
		assert.ErrorIs(t, store.UpdateSource(ctx, ds), metadata.ErrNotFound)
		assert.ErrorIs(t, store.DeleteSource(ctx, 404), metadata.ErrNotFound)

		all, err := store.ListSources(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestSQLiteStore_DeleteSourceDropsCache(t *testing.T) {
	clock := newTestClock()
	store, cleanup := createTestSQLiteStore(t, clock.Now)
	defer cleanup()
	ctx := context.Background()

	id, err := store.CreateSource(ctx, mysqlSource())
	require.NoError(t, err)
	expires := clock.Now().Add(time.Hour)
	require.NoError(t, store.Put(ctx, CacheEntry{
		DataSourceID: id, CacheType: metadata.CacheTables, CacheKey: "tables:shop",
		CacheData: []byte("x"), ExpiresAt: &expires,
	}))

	require.NoError(t, store.DeleteSource(ctx, id))

	entry, err := store.Get(ctx, id, metadata.CacheTables, "tables:shop")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestContextStore_CRUD(t *testing.T) {
	forEachCatalog(t, func(t *testing.T, store Catalog, clock *testClock) {
		ctx := context.Background()

		desc := "production clusters"
		prodID, err := store.CreateContext(ctx, metadata.Context{Name: "prod", Description: &desc})
		require.NoError(t, err)
		clock.Advance(time.Minute)
		stagingID, err := store.CreateContext(ctx, metadata.Context{Name: "staging"})
		require.NoError(t, err)

		prod, err := store.GetContext(ctx, prodID)
		require.NoError(t, err)
		assert.Equal(t, "prod", prod.Name)
		require.NotNil(t, prod.Description)
		assert.Equal(t, desc, *prod.Description)

		all, err := store.ListContexts(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, stagingID, all[0].ID, "newest first")
		assert.Equal(t, prodID, all[1].ID)
		assert.Nil(t, all[0].Description)

		_, err = store.CreateContext(ctx, metadata.Context{Name: "prod"})
		assert.ErrorIs(t, err, metadata.ErrConflict)

		clock.Advance(time.Hour)
		prod.Name = "production"
		prod.Description = nil
		require.NoError(t, store.UpdateContext(ctx, prod))
		renamed, err := store.GetContext(ctx, prodID)
		require.NoError(t, err)
		assert.Equal(t, "production", renamed.Name)
		assert.Nil(t, renamed.Description)
		assert.True(t, renamed.UpdatedAt.Equal(clock.Now()))
		assert.True(t, renamed.CreatedAt.Before(renamed.UpdatedAt))

		staging, err := store.GetContext(ctx, stagingID)
		require.NoError(t, err)
		staging.Name = "production"
		assert.ErrorIs(t, store.UpdateContext(ctx, staging), metadata.ErrConflict)

		_, err = store.GetContext(ctx, 404)
		assert.ErrorIs(t, err, metadata.ErrNotFound)
		assert.ErrorIs(t, store.UpdateContext(ctx, metadata.Context{ID: 404, Name: "x"}), metadata.ErrNotFound)
		_, err = store.DeleteContext(ctx, 404)
		assert.ErrorIs(t, err, metadata.ErrNotFound)
	})
}

func TestContextStore_SourcesByContext(t *testing.T) {
	forEachCatalog(t, func(t *testing.T, store Catalog, _ *testClock) {
		ctx := context.Background()

		prodID, err := store.CreateContext(ctx, metadata.Context{Name: "prod"})
		require.NoError(t, err)
		stagingID, err := store.CreateContext(ctx, metadata.Context{Name: "staging"})
		require.NoError(t, err)

		inProd := mysqlSource()
		inProd.ContextID = &prodID
		a, err := store.CreateSource(ctx, inProd)
		require.NoError(t, err)
		b, err := store.CreateSource(ctx, inProd)
		require.NoError(t, err)
		loose, err := store.CreateSource(ctx, mysqlSource())
		require.NoError(t, err)

		got, err := store.GetSource(ctx, a)
		require.NoError(t, err)
		require.NotNil(t, got.ContextID)
		assert.Equal(t, prodID, *got.ContextID)

		prodSources, err := store.ListSources(ctx, &prodID)
		require.NoError(t, err)
		require.Len(t, prodSources, 2)
		assert.Equal(t, a, prodSources[0].ID)
		assert.Equal(t, b, prodSources[1].ID)

		stagingSources, err := store.ListSources(ctx, &stagingID)
		require.NoError(t, err)
		assert.Empty(t, stagingSources)

		missing := int64(404)
		orphan := mysqlSource()
		orphan.ContextID = &missing
		_, err = store.CreateSource(ctx, orphan)
		assert.ErrorIs(t, err, metadata.ErrNotFound)

		got.ContextID = &missing
		assert.ErrorIs(t, store.UpdateSource(ctx, got), metadata.ErrNotFound)

		got.ContextID = &stagingID
		require.NoError(t, store.UpdateSource(ctx, got))
		stagingSources, err = store.ListSources(ctx, &stagingID)
		require.NoError(t, err)
		require.Len(t, stagingSources, 1)
		assert.Equal(t, a, stagingSources[0].ID)

		all, err := store.ListSources(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, all, 3)
		assert.Nil(t, all[2].ContextID)
		assert.Equal(t, loose, all[2].ID)
	})
}

func TestContextStore_DeleteCascades(t *testing.T) {
	forEachCatalog(t, func(t *testing.T, store Catalog, _ *testClock) {
		ctx := context.Background()

		prodID, err := store.CreateContext(ctx, metadata.Context{Name: "prod"})
		require.NoError(t, err)
		stagingID, err := store.CreateContext(ctx, metadata.Context{Name: "staging"})
		require.NoError(t, err)

		var prodSources []int64
		for i := 0; i < 3; i++ {
			ds := mysqlSource()
			ds.ContextID = &prodID
			id, err := store.CreateSource(ctx, ds)
			require.NoError(t, err)
			prodSources = append(prodSources, id)
		}
		kept := mysqlSource()
		kept.ContextID = &stagingID
		keptID, err := store.CreateSource(ctx, kept)
		require.NoError(t, err)

		removed, err := store.DeleteContext(ctx, prodID)
		require.NoError(t, err)
		assert.Equal(t, prodSources, removed)

		for _, id := range prodSources {
			_, err := store.GetSource(ctx, id)
			assert.ErrorIs(t, err, metadata.ErrNotFound)
		}
		_, err = store.GetContext(ctx, prodID)
		assert.ErrorIs(t, err, metadata.ErrNotFound)

		_, err = store.GetSource(ctx, keptID)
		require.NoError(t, err)

		// The name is free again.
		_, err = store.CreateContext(ctx, metadata.Context{Name: "prod"})
		require.NoError(t, err)

		removed, err = store.DeleteContext(ctx, stagingID)
		require.NoError(t, err)
		assert.Equal(t, []int64{keptID}, removed)
	})
}

func TestSQLiteStore_DeleteContextDropsCache(t *testing.T) {
	clock := newTestClock()
	store, cleanup := createTestSQLiteStore(t, clock.Now)
	defer cleanup()
	ctx := context.Background()

	contextID, err := store.CreateContext(ctx, metadata.Context{Name: "prod"})
	require.NoError(t, err)
	ds := mysqlSource()
	ds.ContextID = &contextID
	inside, err := store.CreateSource(ctx, ds)
	require.NoError(t, err)
	outside, err := store.CreateSource(ctx, mysqlSource())
	require.NoError(t, err)

	for _, id := range []int64{inside, outside} {
		require.NoError(t, store.Put(ctx, CacheEntry{
			DataSourceID: id, CacheType: metadata.CacheTables, CacheKey: "tables:shop",
			CacheData: []byte("x"), ExpiresAt: expiringIn(clock, time.Hour),
		}))
	}

	_, err = store.DeleteContext(ctx, contextID)
	require.NoError(t, err)

	entry, err := store.Get(ctx, inside, metadata.CacheTables, "tables:shop")
	require.NoError(t, err)
	assert.Nil(t, entry)
	entry, err = store.Get(ctx, outside, metadata.CacheTables, "tables:shop")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestSQLiteStore_MigratesCatalogWithoutContexts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	legacy, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = legacy.Exec(`CREATE TABLE data_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		data_type TEXT NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		database TEXT,
		username TEXT NOT NULL,
		password TEXT NOT NULL,
		schema_registry_url TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	require.NoError(t, err)
	_, err = legacy.Exec(`INSERT INTO data_sources
		(name, data_type, host, port, username, password, created_at, updated_at)
		VALUES ('old', 'postgresql', 'pg', 5432, 'u', 'p', 1, 1)`)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	clock := newTestClock()
	store, err := NewSQLiteStore(path, 5000, clock.Now)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	ds, err := store.GetSource(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "old", ds.Name)
	assert.Nil(t, ds.ContextID)

	contextID, err := store.CreateContext(ctx, metadata.Context{Name: "legacy"})
	require.NoError(t, err)
	ds.ContextID = &contextID
	require.NoError(t, store.UpdateSource(ctx, ds))

	listed, err := store.ListSources(ctx, &contextID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "pg", listed[0].Host)
}
