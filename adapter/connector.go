package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/maxpert/metascope/metadata"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog/log"
)

// Connector yields a transient, verified handle for a relational source.
// The caller owns the handle and must close it.
type Connector interface {
	Open(ctx context.Context, src metadata.DataSource) (*sql.DB, error)
}

// ConnectorConfig controls how SQL handles are established.
type ConnectorConfig struct {
	ConnectTimeout  time.Duration
	PostgresSSLMode string
}

func DefaultConnectorConfig() ConnectorConfig {
	return ConnectorConfig{
		ConnectTimeout:  10 * time.Second,
		PostgresSSLMode: "disable",
	}
}

// SQLConnector opens database/sql handles using the registered drivers.
type SQLConnector struct {
	cfg ConnectorConfig
}

var _ Connector = (*SQLConnector)(nil)

func NewSQLConnector(cfg ConnectorConfig) *SQLConnector {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectorConfig().ConnectTimeout
	}
	if cfg.PostgresSSLMode == "" {
		cfg.PostgresSSLMode = DefaultConnectorConfig().PostgresSSLMode
	}
	return &SQLConnector{cfg: cfg}
}

func (c *SQLConnector) Open(ctx context.Context, src metadata.DataSource) (*sql.DB, error) {
	d, err := dialectFor(src.Kind)
	if err != nil {
		return nil, err
	}

	dsn, err := c.DSN(src)
	if err != nil {
		return nil, metadata.ConnectionError{Kind: src.Kind, Address: src.Address(), Err: err}
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, metadata.ConnectionError{Kind: src.Kind, Address: src.Address(), Err: err}
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		log.Debug().Err(err).Int64("source_id", src.ID).Str("kind", string(src.Kind)).Msg("Ping failed")
		return nil, metadata.ConnectionError{Kind: src.Kind, Address: src.Address(), Err: err}
	}
	return db, nil
}

// DSN renders the driver connection string for src.
func (c *SQLConnector) DSN(src metadata.DataSource) (string, error) {
	switch src.Kind {
	case metadata.KindMySQL:
		mc := mysql.NewConfig()
		mc.User = src.Username
		mc.Passwd = src.Password
		mc.Net = "tcp"
		mc.Addr = src.Address()
		mc.DBName = src.DatabaseName()
		mc.Timeout = c.cfg.ConnectTimeout
		mc.ParseTime = true
		return mc.FormatDSN(), nil

	case metadata.KindPostgreSQL:
		q := url.Values{}
		q.Set("sslmode", c.cfg.PostgresSSLMode)
		q.Set("connect_timeout", strconv.Itoa(timeoutSeconds(c.cfg.ConnectTimeout)))
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(src.Username, src.Password),
			Host:     src.Address(),
			Path:     "/" + src.DatabaseName(),
			RawQuery: q.Encode(),
		}
		return u.String(), nil

	case metadata.KindSQLServer:
		q := url.Values{}
		if db := src.DatabaseName(); db != "" {
			q.Set("database", db)
		}
		q.Set("connection timeout", strconv.Itoa(timeoutSeconds(c.cfg.ConnectTimeout)))
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(src.Username, src.Password),
			Host:     src.Address(),
			RawQuery: q.Encode(),
		}
		return u.String(), nil
	}
	return "", fmt.Errorf("no DSN format for %s", src.Kind)
}

func timeoutSeconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
