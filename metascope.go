package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/maxpert/metascope/adapter"
	"github.com/maxpert/metascope/admin"
	"github.com/maxpert/metascope/cache"
	"github.com/maxpert/metascope/cfg"
	"github.com/maxpert/metascope/compare"
	"github.com/maxpert/metascope/db"
	"github.com/maxpert/metascope/explorer"
	"github.com/maxpert/metascope/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	statsInterval   = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Metascope - metadata explorer")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	log.Info().Str("backend", string(cfg.Config.Store.Backend)).Msg("Opening stores")
	cacheStore, catalog, closeStores, err := openStores()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open stores")
	}
	defer closeStores()

	dispatcher, err := initializeAdapters()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize adapters")
	}

	policy, err := cache.ParseWriteErrorPolicy(cfg.Config.Cache.WriteErrorPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid cache write error policy")
	}
	manager := cache.NewManager(cacheStore, dispatcher,
		cache.WithTTL(cfg.CacheTTL()),
		cache.WithWriteErrorPolicy(policy),
	)
	engine := compare.NewEngine(manager, dispatcher)

	service, err := explorer.NewService(catalog, manager, engine, dispatcher, cfg.Config.Sources.LRUSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize explorer")
	}

	collector := telemetry.NewMetricsCollector(func(ctx context.Context) (int, int, error) {
		stats, err := cacheStore.Stats(ctx)
		return stats.Entries, stats.Expired, err
	}, cacheStore.PurgeExpired, statsInterval)
	collector.Start()
	defer collector.Stop()

	var server *admin.Server
	if cfg.Config.Admin.Enabled {
		server = admin.NewServer(admin.ServerConfig{
			Address:        cfg.AdminAddress(),
			AuthToken:      cfg.Config.Admin.AuthToken,
			MetricsHandler: telemetry.GetMetricsHandler(),
		}, admin.NewHandlers(service))
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
		}
	} else {
		log.Warn().Msg("Admin API disabled - nothing will serve metadata requests")
	}

	log.Info().
		Str("data_dir", cfg.Config.DataDir).
		Dur("cache_ttl", manager.TTL()).
		Str("write_error_policy", policy.String()).
		Msg("Metascope started successfully")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("Admin server did not stop cleanly")
		}
	}
}

// openStores opens the cache store and the catalog of sources and contexts
// for the configured backend. The pebble backend keeps its catalog in a
// sibling SQLite file since descriptors need ordered IDs and updates in place.
func openStores() (db.CacheStore, db.Catalog, func(), error) {
	busyTimeout := cfg.Config.Store.BusyTimeoutMS

	switch cfg.Config.Store.Backend {
	case cfg.StoreMemory:
		log.Warn().Msg("Memory store selected - sources and cache are lost on restart")
		cacheStore := db.NewMemoryCacheStore(nil)
		return cacheStore, db.NewMemorySourceStore(nil), func() { cacheStore.Close() }, nil

	case cfg.StorePebble:
		opts := db.DefaultPebbleCacheOptions()
		opts.CompressionLevel = cfg.Config.Store.CompressionLevel
		opts.CompressThreshold = cfg.Config.Store.CompressThreshold
		cacheStore, err := db.NewPebbleCacheStore(cfg.StorePath(), opts, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		catalog, err := db.NewSQLiteStore(filepath.Join(cfg.Config.DataDir, "sources.db"), busyTimeout, nil)
		if err != nil {
			cacheStore.Close()
			return nil, nil, nil, err
		}
		return cacheStore, catalog, func() {
			catalog.Close()
			cacheStore.Close()
		}, nil

	default:
		store, err := db.NewSQLiteStore(cfg.StorePath(), busyTimeout, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, func() { store.Close() }, nil
	}
}

func initializeAdapters() (*adapter.Dispatcher, error) {
	registry := adapter.NewRegistryClient(adapter.RegistryConfig{
		Timeout:   cfg.Seconds(cfg.Config.Registry.TimeoutSeconds),
		RateLimit: cfg.Config.Registry.RateLimit,
		RateBurst: cfg.Config.Registry.RateBurst,
	})

	kafka, err := adapter.NewKafkaAdapter(adapter.KafkaConfig{
		Timeout:         cfg.Seconds(cfg.Config.Kafka.TimeoutSeconds),
		ClientID:        "metascope-" + strconv.FormatUint(cfg.Config.NodeID, 16),
		IncludeInternal: cfg.Config.Kafka.IncludeInternal,
		ExcludeTopics:   cfg.Config.Kafka.ExcludeTopics,
		ConsumerGroups:  cfg.Config.Kafka.ConsumerGroups,
	}, registry, nil)
	if err != nil {
		return nil, err
	}

	connector := adapter.NewSQLConnector(adapter.ConnectorConfig{
		ConnectTimeout:  cfg.Seconds(cfg.Config.Connector.ConnectTimeoutSeconds),
		PostgresSSLMode: cfg.Config.Connector.PostgresSSLMode,
	})

	return adapter.NewDefaultDispatcher(connector, adapter.SQLConfig{
		QueryTimeout: cfg.Seconds(cfg.Config.Connector.QueryTimeoutSeconds),
	}, kafka), nil
}
