package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/metascope/db"
	"github.com/maxpert/metascope/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeFetcher struct {
	mu        sync.Mutex
	tables    []metadata.TableInfo
	structure map[string]metadata.TableInfo
	topics    []metadata.KafkaTopicInfo
	schemas   metadata.SchemaListing
	err       error
	calls     map[string]int
}

func newFakeFetcher() *fakeFetcher {
	shop := "shop"
	return &fakeFetcher{
		tables: []metadata.TableInfo{
			{Name: "orders", Schema: &shop, Columns: []metadata.ColumnInfo{
				{Name: "id", DataType: "int", Constraints: []string{"PRIMARY KEY"}},
			}},
		},
		structure: map[string]metadata.TableInfo{
			"orders": {Name: "orders", Schema: &shop, Columns: []metadata.ColumnInfo{
				{Name: "id", DataType: "int", Constraints: []string{"PRIMARY KEY"}},
				{Name: "note", DataType: "text", IsNullable: true},
			}},
			"customers": {Name: "customers", Schema: &shop, Columns: []metadata.ColumnInfo{
				{Name: "email", DataType: "varchar"},
			}},
		},
		topics: []metadata.KafkaTopicInfo{
			{Name: "orders", Partitions: []metadata.PartitionInfo{{ID: 0, Leader: 1, Replicas: []int32{1}, ISR: []int32{1}}},
				ConsumerGroups: []string{"billing"}},
		},
		schemas: metadata.SchemaListing{Schemas: []metadata.SchemaInfo{
			{Subject: "orders-value", Version: 1, SchemaType: "AVRO", Schema: `"string"`},
		}},
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.err
}

func (f *fakeFetcher) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFetcher) FetchTables(context.Context, metadata.DataSource) ([]metadata.TableInfo, error) {
	if err := f.record("tables"); err != nil {
		return nil, err
	}
	return f.tables, nil
}

func (f *fakeFetcher) FetchTableStructure(_ context.Context, _ metadata.DataSource, _ *string, table string) (metadata.TableInfo, error) {
	if err := f.record("structure"); err != nil {
		return metadata.TableInfo{}, err
	}
	return f.structure[table], nil
}

func (f *fakeFetcher) FetchTopics(context.Context, metadata.DataSource) ([]metadata.KafkaTopicInfo, error) {
	if err := f.record("topics"); err != nil {
		return nil, err
	}
	return f.topics, nil
}

func (f *fakeFetcher) FetchRegistrySchemas(context.Context, metadata.DataSource) (metadata.SchemaListing, error) {
	if err := f.record("schemas"); err != nil {
		return metadata.SchemaListing{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.schemas, nil
}

// flakyStore fails Put or Get on demand.
type flakyStore struct {
	db.CacheStore
	failPut bool
	failGet bool
}

func (s *flakyStore) Put(ctx context.Context, e db.CacheEntry) error {
	if s.failPut {
		return errors.New("disk full")
	}
	return s.CacheStore.Put(ctx, e)
}

func (s *flakyStore) Get(ctx context.Context, id int64, ct, key string) (*db.CacheEntry, error) {
	if s.failGet {
		return nil, errors.New("io error")
	}
	return s.CacheStore.Get(ctx, id, ct, key)
}

func setup(opts ...Option) (*Manager, *fakeFetcher, *db.MemoryCacheStore, *testClock) {
	clock := newTestClock()
	store := db.NewMemoryCacheStore(clock.Now)
	fetcher := newFakeFetcher()
	m := NewManager(store, fetcher, append([]Option{WithClock(clock.Now)}, opts...)...)
	return m, fetcher, store, clock
}

func mysqlSrc() metadata.DataSource {
	shop := "shop"
	return metadata.DataSource{ID: 1, Kind: metadata.KindMySQL, Host: "db", Port: 3306, Database: &shop}
}

func kafkaSrc() metadata.DataSource {
	url := "http://registry:8081"
	return metadata.DataSource{ID: 2, Kind: metadata.KindKafka, Host: "broker", Port: 9092, SchemaRegistryURL: &url}
}

func TestKeys(t *testing.T) {
	shop := "shop"
	empty := ""
	assert.Equal(t, "tables:shop", TablesKey(&shop))
	assert.Equal(t, "tables:default", TablesKey(nil))
	assert.Equal(t, "tables:default", TablesKey(&empty))
	assert.Equal(t, "table_structure:shop:orders", TableStructureKey(&shop, "orders"))
	assert.Equal(t, "table_structure:default:orders", TableStructureKey(nil, "orders"))
	assert.Equal(t, "topics", TopicsKey)
	assert.Equal(t, "schemas", SchemasKey)
}

func TestManager_HitWithinTTL(t *testing.T) {
	m, fetcher, store, clock := setup()
	ctx := context.Background()

	first, err := m.TableStructure(ctx, mysqlSrc(), nil, "orders", false)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.count("structure"))

	entry, err := store.Get(ctx, 1, metadata.CacheTableStructure, "table_structure:default:orders")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NotNil(t, entry.ExpiresAt)
	assert.True(t, entry.ExpiresAt.Equal(clock.Now().Add(24*time.Hour)))

	clock.Advance(time.Hour)
	second, err := m.TableStructure(ctx, mysqlSrc(), nil, "orders", false)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.count("structure"))
	assert.Equal(t, first, second)
}

func TestManager_ExpiredEntryRefetches(t *testing.T) {
	m, fetcher, store, clock := setup()
	ctx := context.Background()

	_, err := m.Topics(ctx, kafkaSrc(), false)
	require.NoError(t, err)

	fetcher.mu.Lock()
	fetcher.topics = append(fetcher.topics, metadata.KafkaTopicInfo{Name: "payments", ConsumerGroups: []string{"ledger"}})
	fetcher.mu.Unlock()

	clock.Advance(25 * time.Hour)
	topics, err := m.Topics(ctx, kafkaSrc(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.count("topics"))
	require.Len(t, topics, 2)

	entry, err := store.Get(ctx, 2, metadata.CacheTopics, TopicsKey)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.CachedAt.Equal(clock.Now()))
	assert.Equal(t, 1, store.Len())
}

func TestManager_TTLBoundaryIsExclusive(t *testing.T) {
	m, fetcher, _, clock := setup()
	ctx := context.Background()

	_, err := m.Tables(ctx, mysqlSrc(), false)
	require.NoError(t, err)

	clock.Advance(24*time.Hour - time.Nanosecond)
	_, err = m.Tables(ctx, mysqlSrc(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.count("tables"))

	clock.Advance(time.Nanosecond)
	_, err = m.Tables(ctx, mysqlSrc(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.count("tables"))
}

func TestManager_ForceRefreshBypassesLiveEntry(t *testing.T) {
	m, fetcher, _, _ := setup()
	ctx := context.Background()

	before, err := m.RegistrySchemas(ctx, kafkaSrc(), false)
	require.NoError(t, err)
	require.Len(t, before.Schemas, 1)

	fetcher.mu.Lock()
	fetcher.schemas.Schemas = append(fetcher.schemas.Schemas,
		metadata.SchemaInfo{Subject: "payments-value", Version: 2, SchemaType: "JSON", Schema: "{}"})
	fetcher.mu.Unlock()

	cached, err := m.RegistrySchemas(ctx, kafkaSrc(), false)
	require.NoError(t, err)
	assert.Len(t, cached.Schemas, 1)

	fresh, err := m.RegistrySchemas(ctx, kafkaSrc(), true)
	require.NoError(t, err)
	assert.Len(t, fresh.Schemas, 2)
	assert.Equal(t, 2, fetcher.count("schemas"))

	again, err := m.RegistrySchemas(ctx, kafkaSrc(), false)
	require.NoError(t, err)
	assert.Equal(t, fresh, again)
	assert.Equal(t, 2, fetcher.count("schemas"))
}

func TestManager_FailedFetchKeepsPriorEntry(t *testing.T) {
	m, fetcher, _, _ := setup()
	ctx := context.Background()

	prior, err := m.Tables(ctx, mysqlSrc(), false)
	require.NoError(t, err)

	boom := metadata.FetchError{Op: "fetch_tables", SourceID: 1, Err: errors.New("timeout")}
	fetcher.setErr(boom)

	_, err = m.Tables(ctx, mysqlSrc(), true)
	assert.ErrorIs(t, err, metadata.ErrFetchFailed)

	fetcher.setErr(nil)
	again, err := m.Tables(ctx, mysqlSrc(), false)
	require.NoError(t, err)
	assert.Equal(t, prior, again)
	assert.Equal(t, 2, fetcher.count("tables"))
}

func TestManager_FailedFetchOnMissNeverServesStale(t *testing.T) {
	m, fetcher, _, clock := setup()
	ctx := context.Background()

	_, err := m.Topics(ctx, kafkaSrc(), false)
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	fetcher.setErr(metadata.ConnectionError{Kind: metadata.KindKafka, Address: "broker:9092", Err: errors.New("refused")})

	topics, err := m.Topics(ctx, kafkaSrc(), false)
	assert.ErrorIs(t, err, metadata.ErrConnection)
	assert.Nil(t, topics)
}

func TestManager_UndecodableEntryIsAMiss(t *testing.T) {
	m, fetcher, store, clock := setup()
	ctx := context.Background()

	expires := clock.Now().Add(time.Hour)
	require.NoError(t, store.Put(ctx, db.CacheEntry{
		DataSourceID: 1, CacheType: metadata.CacheTableStructure, CacheKey: "table_structure:default:orders",
		CacheData: []byte{0xc1, 0x00, 0xff}, ExpiresAt: &expires,
	}))

	table, err := m.TableStructure(ctx, mysqlSrc(), nil, "orders", false)
	require.NoError(t, err)
	assert.Equal(t, "orders", table.Name)
	assert.Equal(t, 1, fetcher.count("structure"))

	_, err = m.TableStructure(ctx, mysqlSrc(), nil, "orders", false)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.count("structure"))
}

func TestManager_ShapeMismatchIsAMiss(t *testing.T) {
	m, fetcher, store, clock := setup()
	ctx := context.Background()

	// A topics document stored under the tables key.
	_, err := m.Topics(ctx, kafkaSrc(), false)
	require.NoError(t, err)
	entry, err := store.Get(ctx, 2, metadata.CacheTopics, TopicsKey)
	require.NoError(t, err)

	expires := clock.Now().Add(time.Hour)
	require.NoError(t, store.Put(ctx, db.CacheEntry{
		DataSourceID: 1, CacheType: metadata.CacheTables, CacheKey: "tables:shop",
		CacheData: entry.CacheData, ExpiresAt: &expires,
	}))

	tables, err := m.Tables(ctx, mysqlSrc(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.count("tables"))
	assert.Equal(t, "orders", tables[0].Name)
	require.Len(t, tables[0].Columns, 1)
}

func TestManager_WriteFailurePolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("propagate", func(t *testing.T) {
		clock := newTestClock()
		store := &flakyStore{CacheStore: db.NewMemoryCacheStore(clock.Now), failPut: true}
		m := NewManager(store, newFakeFetcher(), WithClock(clock.Now))

		tables, err := m.Tables(ctx, mysqlSrc(), false)
		assert.ErrorIs(t, err, metadata.ErrStore)
		assert.Nil(t, tables)
	})

	t.Run("return_fresh", func(t *testing.T) {
		clock := newTestClock()
		store := &flakyStore{CacheStore: db.NewMemoryCacheStore(clock.Now), failPut: true}
		fetcher := newFakeFetcher()
		m := NewManager(store, fetcher, WithClock(clock.Now), WithWriteErrorPolicy(WritePolicyReturnFresh))

		tables, err := m.Tables(ctx, mysqlSrc(), false)
		require.NoError(t, err)
		assert.Len(t, tables, 1)

		_, err = m.Tables(ctx, mysqlSrc(), false)
		require.NoError(t, err)
		assert.Equal(t, 2, fetcher.count("tables"))
	})
}

func TestManager_StoreReadErrorPropagates(t *testing.T) {
	clock := newTestClock()
	store := &flakyStore{CacheStore: db.NewMemoryCacheStore(clock.Now), failGet: true}
	fetcher := newFakeFetcher()
	m := NewManager(store, fetcher, WithClock(clock.Now))

	_, err := m.Topics(context.Background(), kafkaSrc(), false)
	assert.ErrorIs(t, err, metadata.ErrStore)
	assert.Zero(t, fetcher.count("topics"))

	// Forced refreshes never read the store.
	_, err = m.Topics(context.Background(), kafkaSrc(), true)
	require.NoError(t, err)
}

func TestManager_KeysAreIsolated(t *testing.T) {
	m, fetcher, _, _ := setup()
	ctx := context.Background()

	orders, err := m.TableStructure(ctx, mysqlSrc(), nil, "orders", false)
	require.NoError(t, err)
	customers, err := m.TableStructure(ctx, mysqlSrc(), nil, "customers", false)
	require.NoError(t, err)
	assert.NotEqual(t, orders.Name, customers.Name)

	other := mysqlSrc()
	other.ID = 9
	_, err = m.TableStructure(ctx, other, nil, "orders", false)
	require.NoError(t, err)
	assert.Equal(t, 3, fetcher.count("structure"))
}

func TestManager_Clear(t *testing.T) {
	m, fetcher, store, _ := setup()
	ctx := context.Background()

	_, err := m.Tables(ctx, mysqlSrc(), false)
	require.NoError(t, err)
	_, err = m.TableStructure(ctx, mysqlSrc(), nil, "orders", false)
	require.NoError(t, err)
	require.Equal(t, 2, store.Len())

	ct := metadata.CacheTables
	require.NoError(t, m.Clear(ctx, 1, &ct))
	assert.Equal(t, 1, store.Len())

	_, err = m.Tables(ctx, mysqlSrc(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.count("tables"))

	require.NoError(t, m.Clear(ctx, 1, nil))
	assert.Equal(t, 0, store.Len())

	bogus := "views"
	assert.Error(t, m.Clear(ctx, 1, &bogus))
}

func TestManager_ConcurrentReaders(t *testing.T) {
	m, _, _, _ := setup()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			table, err := m.TableStructure(ctx, mysqlSrc(), nil, "orders", false)
			if err == nil && len(table.Columns) != 2 {
				err = errors.New("torn table structure")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestParseWriteErrorPolicy(t *testing.T) {
	p, err := ParseWriteErrorPolicy("return_fresh")
	require.NoError(t, err)
	assert.Equal(t, WritePolicyReturnFresh, p)
	assert.Equal(t, "return_fresh", p.String())

	p, err = ParseWriteErrorPolicy("")
	require.NoError(t, err)
	assert.Equal(t, WritePolicyPropagate, p)

	_, err = ParseWriteErrorPolicy("ignore")
	assert.Error(t, err)
}
