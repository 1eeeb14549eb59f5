// Package adapter fetches live metadata from external systems. Each backend
// family implements the capability interfaces it can serve and the Dispatcher
// routes every request by the source's BackendKind.
package adapter

import (
	"context"

	"github.com/maxpert/metascope/metadata"
)

// Operation names used in FetchError and UnsupportedOperationError.
const (
	OpFetchTables          = "fetch_tables"
	OpFetchTableStructure  = "fetch_table_structure"
	OpFetchRowCount        = "fetch_row_count"
	OpFetchTopics          = "fetch_topics"
	OpFetchRegistrySchemas = "fetch_registry_schemas"
	OpTestConnection       = "test_connection"
)

// Relational is implemented by backends that expose tables and columns.
type Relational interface {
	FetchTables(ctx context.Context, src metadata.DataSource) ([]metadata.TableInfo, error)
	FetchTableStructure(ctx context.Context, src metadata.DataSource, schema *string, table string) (metadata.TableInfo, error)
	FetchRowCount(ctx context.Context, src metadata.DataSource, schema *string, table string) (int64, error)
}

// Streaming is implemented by backends that expose topics and a schema registry.
type Streaming interface {
	FetchTopics(ctx context.Context, src metadata.DataSource) ([]metadata.KafkaTopicInfo, error)
	FetchRegistrySchemas(ctx context.Context, src metadata.DataSource) (metadata.SchemaListing, error)
}

// Tester checks reachability without fetching anything.
type Tester interface {
	TestConnection(ctx context.Context, src metadata.DataSource) error
}

// Fetcher is the full set of operations the Dispatcher serves.
type Fetcher interface {
	Relational
	Streaming
	Tester
}

// Dispatcher routes each call to the adapter registered for the source kind.
type Dispatcher struct {
	adapters map[metadata.BackendKind]any
}

var _ Fetcher = (*Dispatcher)(nil)

func NewDispatcher() *Dispatcher {
	return &Dispatcher{adapters: make(map[metadata.BackendKind]any)}
}

// Register binds an adapter to a kind. The adapter must implement at least one
// of Relational, Streaming or Tester. Not safe to call concurrently with dispatch.
func (d *Dispatcher) Register(kind metadata.BackendKind, adapter any) *Dispatcher {
	d.adapters[kind] = adapter
	return d
}

// NewDefaultDispatcher wires the SQL dialects and Kafka.
func NewDefaultDispatcher(connector Connector, cfg SQLConfig, kafka *KafkaAdapter) *Dispatcher {
	d := NewDispatcher()
	for _, kind := range []metadata.BackendKind{metadata.KindMySQL, metadata.KindPostgreSQL, metadata.KindSQLServer} {
		d.Register(kind, NewSQLAdapter(kind, connector, cfg))
	}
	if kafka != nil {
		d.Register(metadata.KindKafka, kafka)
	}
	return d
}

func (d *Dispatcher) lookup(kind metadata.BackendKind) (any, error) {
	a, ok := d.adapters[kind]
	if !ok {
		return nil, metadata.UnsupportedBackendError{Value: string(kind)}
	}
	return a, nil
}

func (d *Dispatcher) relational(kind metadata.BackendKind, op string) (Relational, error) {
	a, err := d.lookup(kind)
	if err != nil {
		return nil, err
	}
	r, ok := a.(Relational)
	if !ok {
		return nil, metadata.UnsupportedOperationError{Kind: kind, Op: op}
	}
	return r, nil
}

func (d *Dispatcher) streaming(kind metadata.BackendKind, op string) (Streaming, error) {
	a, err := d.lookup(kind)
	if err != nil {
		return nil, err
	}
	s, ok := a.(Streaming)
	if !ok {
		return nil, metadata.UnsupportedOperationError{Kind: kind, Op: op}
	}
	return s, nil
}

func (d *Dispatcher) FetchTables(ctx context.Context, src metadata.DataSource) ([]metadata.TableInfo, error) {
	r, err := d.relational(src.Kind, OpFetchTables)
	if err != nil {
		return nil, err
	}
	return r.FetchTables(ctx, src)
}

func (d *Dispatcher) FetchTableStructure(ctx context.Context, src metadata.DataSource, schema *string, table string) (metadata.TableInfo, error) {
	r, err := d.relational(src.Kind, OpFetchTableStructure)
	if err != nil {
		return metadata.TableInfo{}, err
	}
	return r.FetchTableStructure(ctx, src, schema, table)
}

func (d *Dispatcher) FetchRowCount(ctx context.Context, src metadata.DataSource, schema *string, table string) (int64, error) {
	r, err := d.relational(src.Kind, OpFetchRowCount)
	if err != nil {
		return 0, err
	}
	return r.FetchRowCount(ctx, src, schema, table)
}

func (d *Dispatcher) FetchTopics(ctx context.Context, src metadata.DataSource) ([]metadata.KafkaTopicInfo, error) {
	s, err := d.streaming(src.Kind, OpFetchTopics)
	if err != nil {
		return nil, err
	}
	return s.FetchTopics(ctx, src)
}

func (d *Dispatcher) FetchRegistrySchemas(ctx context.Context, src metadata.DataSource) (metadata.SchemaListing, error) {
	s, err := d.streaming(src.Kind, OpFetchRegistrySchemas)
	if err != nil {
		return metadata.SchemaListing{}, err
	}
	return s.FetchRegistrySchemas(ctx, src)
}

func (d *Dispatcher) TestConnection(ctx context.Context, src metadata.DataSource) error {
	a, err := d.lookup(src.Kind)
	if err != nil {
		return err
	}
	t, ok := a.(Tester)
	if !ok {
		return metadata.UnsupportedOperationError{Kind: src.Kind, Op: OpTestConnection}
	}
	return t.TestConnection(ctx, src)
}
