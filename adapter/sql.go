package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/maxpert/metascope/metadata"
	"github.com/rs/zerolog/log"
)

// SQLConfig bounds each query issued by a SQLAdapter.
type SQLConfig struct {
	QueryTimeout time.Duration
}

func DefaultSQLConfig() SQLConfig {
	return SQLConfig{QueryTimeout: 30 * time.Second}
}

// SQLAdapter serves Relational for one dialect over information_schema.
type SQLAdapter struct {
	dialect   dialect
	connector Connector
	cfg       SQLConfig
}

var (
	_ Relational = (*SQLAdapter)(nil)
	_ Tester     = (*SQLAdapter)(nil)
)

// NewSQLAdapter panics on a non-relational kind; that is a wiring bug.
func NewSQLAdapter(kind metadata.BackendKind, connector Connector, cfg SQLConfig) *SQLAdapter {
	d, err := dialectFor(kind)
	if err != nil {
		panic(err)
	}
	return &SQLAdapter{dialect: d, connector: connector, cfg: cfg}
}

// withDB opens a handle, bounds the context, runs fn and closes the handle.
// Any failure comes back as a FetchError for op.
func (a *SQLAdapter) withDB(ctx context.Context, src metadata.DataSource, op string, fn func(ctx context.Context, db *sql.DB) error) error {
	db, err := a.connector.Open(ctx, src)
	if err != nil {
		return metadata.FetchError{Op: op, SourceID: src.ID, Err: err}
	}
	defer db.Close()

	if a.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.QueryTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := fn(ctx, db); err != nil {
		return metadata.FetchError{Op: op, SourceID: src.ID, Err: err}
	}
	log.Debug().
		Int64("source_id", src.ID).
		Str("kind", string(src.Kind)).
		Str("op", op).
		Dur("elapsed", time.Since(start)).
		Msg("Fetched relational metadata")
	return nil
}

func (a *SQLAdapter) FetchTables(ctx context.Context, src metadata.DataSource) ([]metadata.TableInfo, error) {
	schema := a.dialect.resolveSchema(src, nil)
	var tables []metadata.TableInfo

	err := a.withDB(ctx, src, OpFetchTables, func(ctx context.Context, db *sql.DB) error {
		names, err := a.tableNames(ctx, db, schema)
		if err != nil {
			return err
		}
		tables = make([]metadata.TableInfo, 0, len(names))
		for _, name := range names {
			t, err := a.structure(ctx, db, schema, name)
			if err != nil {
				return fmt.Errorf("table %s: %w", name, err)
			}
			tables = append(tables, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tables, nil
}

func (a *SQLAdapter) FetchTableStructure(ctx context.Context, src metadata.DataSource, schema *string, table string) (metadata.TableInfo, error) {
	resolved := a.dialect.resolveSchema(src, schema)
	var out metadata.TableInfo

	err := a.withDB(ctx, src, OpFetchTableStructure, func(ctx context.Context, db *sql.DB) error {
		t, err := a.structure(ctx, db, resolved, table)
		out = t
		return err
	})
	return out, err
}

func (a *SQLAdapter) FetchRowCount(ctx context.Context, src metadata.DataSource, schema *string, table string) (int64, error) {
	resolved := a.dialect.resolveSchema(src, schema)
	var count int64

	err := a.withDB(ctx, src, OpFetchRowCount, func(ctx context.Context, db *sql.DB) error {
		query, err := a.dialect.countQuery(resolved, table)
		if err != nil {
			return err
		}
		return db.QueryRowContext(ctx, query).Scan(&count)
	})
	return count, err
}

func (a *SQLAdapter) TestConnection(ctx context.Context, src metadata.DataSource) error {
	db, err := a.connector.Open(ctx, src)
	if err != nil {
		return err
	}
	return db.Close()
}

func (a *SQLAdapter) tableNames(ctx context.Context, db *sql.DB, schema string) ([]string, error) {
	query, args, err := a.dialect.tablesQuery(schema)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (a *SQLAdapter) structure(ctx context.Context, db *sql.DB, schema, table string) (metadata.TableInfo, error) {
	columns, err := a.columns(ctx, db, schema, table)
	if err != nil {
		return metadata.TableInfo{}, err
	}

	constraints, err := a.constraints(ctx, db, schema, table)
	if err != nil {
		return metadata.TableInfo{}, err
	}
	for i := range columns {
		columns[i].Constraints = constraints[columns[i].Name]
	}

	s := schema
	return metadata.TableInfo{Name: table, Schema: &s, Columns: columns}, nil
}

func (a *SQLAdapter) columns(ctx context.Context, db *sql.DB, schema, table string) ([]metadata.ColumnInfo, error) {
	query, args, err := a.dialect.columnsQuery(schema, table)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make([]metadata.ColumnInfo, 0)
	for rows.Next() {
		var (
			col      metadata.ColumnInfo
			nullable string
			def      sql.NullString
		)
		if err := rows.Scan(&col.Name, &col.DataType, &nullable, &def); err != nil {
			return nil, err
		}
		col.IsNullable = nullable == "YES"
		if def.Valid {
			v := def.String
			col.DefaultValue = &v
		}
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

// constraints maps column name to its constraint types in key order, deduplicated.
func (a *SQLAdapter) constraints(ctx context.Context, db *sql.DB, schema, table string) (map[string][]string, error) {
	query, args, err := a.dialect.constraintsQuery(schema, table)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var column, kind string
		if err := rows.Scan(&column, &kind); err != nil {
			return nil, err
		}
		if !slices.Contains(out[column], kind) {
			out[column] = append(out[column], kind)
		}
	}
	return out, rows.Err()
}
