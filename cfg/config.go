package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreBackend selects where cached metadata documents live
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory" // Process memory, lost on restart
	StorePebble StoreBackend = "pebble" // Pebble KV under data_dir
	StoreSQLite StoreBackend = "sqlite" // SQLite file shared with the source catalog
)

// CacheConfiguration controls the read-through metadata cache
type CacheConfiguration struct {
	TTLHours         int    `toml:"ttl_hours"`
	WriteErrorPolicy string `toml:"write_error_policy"` // "propagate" or "return_fresh"
}

// StoreConfiguration controls the cache and source catalog storage
type StoreConfiguration struct {
	Backend           StoreBackend `toml:"backend"`
	Path              string       `toml:"path"` // Relative paths resolve under data_dir
	BusyTimeoutMS     int          `toml:"busy_timeout_ms"`
	CompressionLevel  int          `toml:"compression_level"`        // 0 disables zstd, 1-4 fastest..best
	CompressThreshold int          `toml:"compress_threshold_bytes"` // Smaller payloads are stored raw
}

// SourcesConfiguration controls data source descriptor lookups
type SourcesConfiguration struct {
	LRUSize int `toml:"lru_size"`
}

// ConnectorConfiguration controls connections to relational backends
type ConnectorConfiguration struct {
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
	QueryTimeoutSeconds   int    `toml:"query_timeout_seconds"`
	PostgresSSLMode       string `toml:"postgres_sslmode"`
}

// KafkaConfiguration controls topic discovery
type KafkaConfiguration struct {
	IncludeInternal bool     `toml:"include_internal"`
	ExcludeTopics   []string `toml:"exclude_topics"` // Glob patterns
	ConsumerGroups  bool     `toml:"consumer_groups"`
	TimeoutSeconds  int      `toml:"timeout_seconds"`
}

// RegistryConfiguration controls schema registry requests
type RegistryConfiguration struct {
	TimeoutSeconds int     `toml:"timeout_seconds"`
	RateLimit      float64 `toml:"rate_limit"` // Requests per second per process
	RateBurst      int     `toml:"rate_burst"`
}

// AdminConfiguration for the HTTP API
type AdminConfiguration struct {
	Enabled   bool   `toml:"enabled"`
	Address   string `toml:"address"`
	Port      int    `toml:"port"`
	AuthToken string `toml:"auth_token"` // Empty disables bearer auth
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Cache      CacheConfiguration      `toml:"cache"`
	Store      StoreConfiguration      `toml:"store"`
	Sources    SourcesConfiguration    `toml:"sources"`
	Connector  ConnectorConfiguration  `toml:"connector"`
	Kafka      KafkaConfiguration      `toml:"kafka"`
	Registry   RegistryConfiguration   `toml:"registry"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	ListenFlag     = flag.String("listen", "", "Admin API listen address host:port (overrides config)")
)

// Config holds the active configuration, starting from defaults
var Config = Default()

// Default returns a fresh copy of the built-in defaults.
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./metascope-data",

		Cache: CacheConfiguration{
			TTLHours:         24,
			WriteErrorPolicy: "propagate",
		},

		Store: StoreConfiguration{
			Backend:           StoreSQLite,
			Path:              "metascope.db",
			BusyTimeoutMS:     5000,
			CompressionLevel:  1,
			CompressThreshold: 4096,
		},

		Sources: SourcesConfiguration{
			LRUSize: 256,
		},

		Connector: ConnectorConfiguration{
			ConnectTimeoutSeconds: 10,
			QueryTimeoutSeconds:   30,
			PostgresSSLMode:       "disable",
		},

		Kafka: KafkaConfiguration{
			IncludeInternal: false,
			ExcludeTopics:   []string{},
			ConsumerGroups:  true,
			TimeoutSeconds:  10,
		},

		Registry: RegistryConfiguration{
			TimeoutSeconds: 10,
			RateLimit:      20,
			RateBurst:      10,
		},

		Admin: AdminConfiguration{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    8000,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *ListenFlag != "" {
		if err := applyListen(*ListenFlag); err != nil {
			return err
		}
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

func applyListen(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid listen port %q: %w", portStr, err)
	}
	if host != "" {
		Config.Admin.Address = host
	}
	Config.Admin.Port = port
	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("metascope")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Cache.TTLHours < 1 {
		return fmt.Errorf("cache TTL must be >= 1 hour")
	}

	switch Config.Cache.WriteErrorPolicy {
	case "", "propagate", "return_fresh":
	default:
		return fmt.Errorf("invalid cache write error policy: %s", Config.Cache.WriteErrorPolicy)
	}

	switch Config.Store.Backend {
	case StoreMemory, StorePebble, StoreSQLite:
	default:
		return fmt.Errorf("invalid store backend: %s", Config.Store.Backend)
	}

	if Config.Store.Backend != StoreMemory && Config.Store.Path == "" {
		return fmt.Errorf("store path is required for the %s backend", Config.Store.Backend)
	}

	if Config.Store.CompressionLevel < 0 || Config.Store.CompressionLevel > 4 {
		return fmt.Errorf("store compression level must be between 0 and 4")
	}

	if Config.Store.CompressThreshold < 0 {
		return fmt.Errorf("store compress threshold must be >= 0")
	}

	if Config.Sources.LRUSize < 1 {
		return fmt.Errorf("sources LRU size must be >= 1")
	}

	if Config.Connector.ConnectTimeoutSeconds < 1 {
		return fmt.Errorf("connector connect timeout must be >= 1 second")
	}

	if Config.Connector.QueryTimeoutSeconds < 1 {
		return fmt.Errorf("connector query timeout must be >= 1 second")
	}

	if Config.Kafka.TimeoutSeconds < 1 {
		return fmt.Errorf("kafka timeout must be >= 1 second")
	}

	if Config.Registry.TimeoutSeconds < 1 {
		return fmt.Errorf("registry timeout must be >= 1 second")
	}

	if Config.Registry.RateLimit <= 0 {
		return fmt.Errorf("registry rate limit must be > 0")
	}

	if Config.Registry.RateBurst < 1 {
		return fmt.Errorf("registry rate burst must be >= 1")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	switch Config.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}

// StorePath resolves the store path against the data directory.
func StorePath() string {
	if path.IsAbs(Config.Store.Path) {
		return Config.Store.Path
	}
	return path.Join(Config.DataDir, Config.Store.Path)
}

// AdminAddress returns the host:port the admin API listens on.
func AdminAddress() string {
	return fmt.Sprintf("%s:%d", Config.Admin.Address, Config.Admin.Port)
}

// CacheTTL returns the configured cache TTL.
func CacheTTL() time.Duration {
	return time.Duration(Config.Cache.TTLHours) * time.Hour
}

// Seconds converts an integer seconds setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
