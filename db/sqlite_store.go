package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/maxpert/metascope/metadata"
	"github.com/rs/zerolog/log"
)

// SQLiteSchemas returns the DDL for the metascope catalog database.
func SQLiteSchemas() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS contexts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS data_sources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			context_id INTEGER REFERENCES contexts(id) ON DELETE CASCADE,
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
		)`,
		`CREATE TABLE IF NOT EXISTS metadata_cache (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			data_source_id INTEGER NOT NULL,
			cache_type TEXT NOT NULL,
			cache_key TEXT NOT NULL,
			cache_data BLOB NOT NULL,
			cached_at INTEGER NOT NULL,
			expires_at INTEGER,
			UNIQUE(data_source_id, cache_type, cache_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metadata_cache_data_source_id ON metadata_cache(data_source_id)`,
	}
}

// migrateSQLite upgrades catalogs written before data sources could belong
// to a context.
func migrateSQLite(db *sql.DB) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('data_sources') WHERE name = 'context_id'`).Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		log.Info().Msg("Adding context_id to data_sources")
		if _, err := db.Exec(`ALTER TABLE data_sources ADD COLUMN context_id INTEGER REFERENCES contexts(id) ON DELETE CASCADE`); err != nil {
			return err
		}
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_data_sources_context_id ON data_sources(context_id)`)
	return err
}

// SQLiteStore implements CacheStore and Catalog on one SQLite file.
type SQLiteStore struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
	clock   Clock
}

var (
	_ CacheStore = (*SQLiteStore)(nil)
	_ Catalog    = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) the catalog database at path.
// Writes go through a single connection; reads use a small pool.
func NewSQLiteStore(path string, busyTimeoutMS int, clock Clock) (*SQLiteStore, error) {
	if clock == nil {
		clock = SystemClock
	}
	isMemoryDB := strings.Contains(path, ":memory:")

	writeDSN := appendDSNParams(path, "_foreign_keys=1")
	if !isMemoryDB {
		writeDSN = appendDSNParams(path, fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate&_foreign_keys=1", busyTimeoutMS))
	}

	writeDB, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	// An in-memory database is private to its connection, so reads share the writer.
	readDB := writeDB
	if !isMemoryDB {
		readDB, err = sql.Open("sqlite3", appendDSNParams(path, fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)))
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("failed to open catalog read database: %w", err)
		}
		readDB.SetMaxOpenConns(4)
		readDB.SetMaxIdleConns(4)
		readDB.SetConnMaxLifetime(0)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA temp_store=MEMORY",
		} {
			if _, err := writeDB.Exec(pragma); err != nil {
				writeDB.Close()
				readDB.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	}

	for _, schema := range SQLiteSchemas() {
		if _, err := writeDB.Exec(schema); err != nil {
			writeDB.Close()
			if readDB != writeDB {
				readDB.Close()
			}
			return nil, fmt.Errorf("failed to create catalog schema: %w", err)
		}
	}
	if err := migrateSQLite(writeDB); err != nil {
		writeDB.Close()
		if readDB != writeDB {
			readDB.Close()
		}
		return nil, fmt.Errorf("failed to migrate catalog schema: %w", err)
	}

	return &SQLiteStore{
		writeDB: writeDB,
		readDB:  readDB,
		path:    path,
		clock:   clock,
	}, nil
}

func appendDSNParams(path, params string) string {
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// Close closes both database connections
func (s *SQLiteStore) Close() error {
	var writeErr, readErr error
	if s.readDB != nil && s.readDB != s.writeDB {
		readErr = s.readDB.Close()
	}
	if s.writeDB != nil {
		writeErr = s.writeDB.Close()
	}
	if writeErr != nil {
		return writeErr
	}
	return readErr
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func (s *SQLiteStore) Get(ctx context.Context, sourceID int64, cacheType, cacheKey string) (*CacheEntry, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT id, cache_data, cached_at, expires_at
		FROM metadata_cache
		WHERE data_source_id = ? AND cache_type = ? AND cache_key = ?
		AND (expires_at IS NULL OR expires_at > ?)
	`, sourceID, cacheType, cacheKey, s.clock().UnixNano())

	var (
		entry     = CacheEntry{DataSourceID: sourceID, CacheType: cacheType, CacheKey: cacheKey}
		cachedAt  int64
		expiresAt sql.NullInt64
	)
	err := row.Scan(&entry.ID, &entry.CacheData, &cachedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, metadata.StoreError{Op: "get", Err: err}
	}

	entry.CachedAt = time.Unix(0, cachedAt)
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64)
		entry.ExpiresAt = &t
	}
	return &entry, nil
}

func (s *SQLiteStore) Put(ctx context.Context, entry CacheEntry) error {
	if err := stampEntry(&entry, s.clock()); err != nil {
		return err
	}
	if entry.CacheData == nil {
		entry.CacheData = []byte{}
	}

	_, err := s.writeDB.ExecContext(ctx, `
		INSERT OR REPLACE INTO metadata_cache
		(data_source_id, cache_type, cache_key, cache_data, cached_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.DataSourceID, entry.CacheType, entry.CacheKey, entry.CacheData,
		entry.CachedAt.UnixNano(), nullableNanos(entry.ExpiresAt))
	if err != nil {
		return metadata.StoreError{Op: "put", Err: err}
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sourceID int64, cacheType string) error {
	var err error
	if cacheType == "" {
		_, err = s.writeDB.ExecContext(ctx, `DELETE FROM metadata_cache WHERE data_source_id = ?`, sourceID)
	} else {
		_, err = s.writeDB.ExecContext(ctx,
			`DELETE FROM metadata_cache WHERE data_source_id = ? AND cache_type = ?`, sourceID, cacheType)
	}
	if err != nil {
		return metadata.StoreError{Op: "delete", Err: err}
	}
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (StoreStats, error) {
	var st StoreStats
	err := s.readDB.QueryRowContext(ctx, `
		SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN expires_at IS NOT NULL AND expires_at <= ? THEN 1 ELSE 0 END), 0)
		FROM metadata_cache
	`, s.clock().UnixNano()).Scan(&st.Entries, &st.Expired)
	if err != nil {
		return StoreStats{}, metadata.StoreError{Op: "stats", Err: err}
	}
	return st, nil
}

// PurgeExpired removes entries that are no longer visible. Readers never need it;
// it only reclaims space.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.writeDB.ExecContext(ctx,
		`DELETE FROM metadata_cache WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.clock().UnixNano())
	if err != nil {
		return 0, metadata.StoreError{Op: "purge", Err: err}
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Debug().Int64("entries", n).Msg("Purged expired cache entries")
	}
	return n, nil
}

const sourceColumns = `id, context_id, name, data_type, host, port, database, username, password,
	schema_registry_url, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (metadata.DataSource, error) {
	var (
		ds                   metadata.DataSource
		contextID            sql.NullInt64
		kind                 string
		database, registry   sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&ds.ID, &contextID, &ds.Name, &kind, &ds.Host, &ds.Port, &database,
		&ds.Username, &ds.Password, &registry, &createdAt, &updatedAt); err != nil {
		return ds, err
	}

	parsed, err := metadata.ParseBackendKind(kind)
	if err != nil {
		return ds, err
	}
	ds.Kind = parsed
	if contextID.Valid {
		ds.ContextID = &contextID.Int64
	}
	if database.Valid {
		ds.Database = &database.String
	}
	if registry.Valid {
		ds.SchemaRegistryURL = &registry.String
	}
	ds.CreatedAt = time.Unix(0, createdAt).UTC()
	ds.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return ds, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// requireContext fails with NotFoundError when id names no context.
func requireContext(ctx context.Context, tx *sql.Tx, id *int64) error {
	if id == nil {
		return nil
	}
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM contexts WHERE id = ?`, *id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return metadata.NotFoundError{Entity: "context", ID: *id}
	}
	return err
}

// inTx runs fn in a write transaction. Typed metadata errors from fn pass
// through; anything else becomes a StoreError for op.
func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return metadata.StoreError{Op: op, Err: err}
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		if errors.Is(err, metadata.ErrNotFound) || errors.Is(err, metadata.ErrConflict) {
			return err
		}
		return metadata.StoreError{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return metadata.StoreError{Op: op, Err: err}
	}
	return nil
}

func (s *SQLiteStore) CreateSource(ctx context.Context, ds metadata.DataSource) (int64, error) {
	var id int64
	err := s.inTx(ctx, "create source", func(tx *sql.Tx) error {
		if err := requireContext(ctx, tx, ds.ContextID); err != nil {
			return err
		}
		now := s.clock().UnixNano()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO data_sources
			(context_id, name, data_type, host, port, database, username, password, schema_registry_url, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, nullableInt64(ds.ContextID), ds.Name, string(ds.Kind), ds.Host, ds.Port, nullableString(ds.Database),
			ds.Username, ds.Password, nullableString(ds.SchemaRegistryURL), now, now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLiteStore) GetSource(ctx context.Context, id int64) (metadata.DataSource, error) {
	row := s.readDB.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM data_sources WHERE id = ?`, id)
	ds, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ds, metadata.NotFoundError{Entity: "data source", ID: id}
	}
	if err != nil {
		return ds, metadata.StoreError{Op: "get source", Err: err}
	}
	return ds, nil
}

func (s *SQLiteStore) ListSources(ctx context.Context, contextID *int64) ([]metadata.DataSource, error) {
	query := `SELECT ` + sourceColumns + ` FROM data_sources ORDER BY id`
	var args []any
	if contextID != nil {
		query = `SELECT ` + sourceColumns + ` FROM data_sources WHERE context_id = ? ORDER BY id`
		args = append(args, *contextID)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, metadata.StoreError{Op: "list sources", Err: err}
	}
	defer rows.Close()

	var out []metadata.DataSource
	for rows.Next() {
		ds, err := scanSource(rows)
		if err != nil {
			return nil, metadata.StoreError{Op: "list sources", Err: err}
		}
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, metadata.StoreError{Op: "list sources", Err: err}
	}
	return out, nil
}

func (s *SQLiteStore) UpdateSource(ctx context.Context, ds metadata.DataSource) error {
	return s.inTx(ctx, "update source", func(tx *sql.Tx) error {
		if err := requireContext(ctx, tx, ds.ContextID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE data_sources SET
			context_id = ?, name = ?, data_type = ?, host = ?, port = ?, database = ?, username = ?, password = ?,
			schema_registry_url = ?, updated_at = ?
			WHERE id = ?
		`, nullableInt64(ds.ContextID), ds.Name, string(ds.Kind), ds.Host, ds.Port, nullableString(ds.Database),
			ds.Username, ds.Password, nullableString(ds.SchemaRegistryURL), s.clock().UnixNano(), ds.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return metadata.NotFoundError{Entity: "data source", ID: ds.ID}
		}
		return nil
	})
}

// DeleteSource removes the descriptor and every cache entry that belongs to it.
func (s *SQLiteStore) DeleteSource(ctx context.Context, id int64) error {
	return s.inTx(ctx, "delete source", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM data_sources WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return metadata.NotFoundError{Entity: "data source", ID: id}
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM metadata_cache WHERE data_source_id = ?`, id)
		return err
	})
}

const contextColumns = `id, name, description, created_at, updated_at`

func scanContext(row rowScanner) (metadata.Context, error) {
	var (
		c                    metadata.Context
		description          sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&c.ID, &c.Name, &description, &createdAt, &updatedAt); err != nil {
		return c, err
	}
	if description.Valid {
		c.Description = &description.String
	}
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	c.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return c, nil
}

// contextWriteError turns a unique violation on contexts.name into a ConflictError.
func contextWriteError(err error, name string) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return metadata.ConflictError{Entity: "context", Field: "name", Value: name}
	}
	return err
}

func (s *SQLiteStore) CreateContext(ctx context.Context, c metadata.Context) (int64, error) {
	var id int64
	err := s.inTx(ctx, "create context", func(tx *sql.Tx) error {
		now := s.clock().UnixNano()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO contexts (name, description, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			c.Name, nullableString(c.Description), now, now)
		if err != nil {
			return contextWriteError(err, c.Name)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLiteStore) GetContext(ctx context.Context, id int64) (metadata.Context, error) {
	row := s.readDB.QueryRowContext(ctx, `SELECT `+contextColumns+` FROM contexts WHERE id = ?`, id)
	c, err := scanContext(row)
	if errors.Is(err, sql.ErrNoRows) {
		return c, metadata.NotFoundError{Entity: "context", ID: id}
	}
	if err != nil {
		return c, metadata.StoreError{Op: "get context", Err: err}
	}
	return c, nil
}

// ListContexts returns the newest context first.
func (s *SQLiteStore) ListContexts(ctx context.Context) ([]metadata.Context, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT `+contextColumns+` FROM contexts ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, metadata.StoreError{Op: "list contexts", Err: err}
	}
	defer rows.Close()

	var out []metadata.Context
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, metadata.StoreError{Op: "list contexts", Err: err}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, metadata.StoreError{Op: "list contexts", Err: err}
	}
	return out, nil
}

func (s *SQLiteStore) UpdateContext(ctx context.Context, c metadata.Context) error {
	return s.inTx(ctx, "update context", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE contexts SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
			c.Name, nullableString(c.Description), s.clock().UnixNano(), c.ID)
		if err != nil {
			return contextWriteError(err, c.Name)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return metadata.NotFoundError{Entity: "context", ID: c.ID}
		}
		return nil
	})
}

// DeleteContext removes a context, its sources and their cache entries in one
// transaction.
func (s *SQLiteStore) DeleteContext(ctx context.Context, id int64) ([]int64, error) {
	var removed []int64
	err := s.inTx(ctx, "delete context", func(tx *sql.Tx) error {
		if err := requireContext(ctx, tx, &id); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `SELECT id FROM data_sources WHERE context_id = ? ORDER BY id`, id)
		if err != nil {
			return err
		}
		for rows.Next() {
			var sourceID int64
			if err := rows.Scan(&sourceID); err != nil {
				rows.Close()
				return err
			}
			removed = append(removed, sourceID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, stmt := range []string{
			`DELETE FROM metadata_cache WHERE data_source_id IN (SELECT id FROM data_sources WHERE context_id = ?)`,
			`DELETE FROM data_sources WHERE context_id = ?`,
			`DELETE FROM contexts WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}
