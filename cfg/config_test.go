package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func withConfig(t *testing.T, c *Configuration) {
	t.Helper()
	original := Config
	Config = c
	t.Cleanup(func() { Config = original })
}

func TestValidate_Defaults(t *testing.T) {
	withConfig(t, Default())

	if err := Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got: %v", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"zero ttl", func(c *Configuration) { c.Cache.TTLHours = 0 }},
		{"unknown write policy", func(c *Configuration) { c.Cache.WriteErrorPolicy = "ignore" }},
		{"unknown store backend", func(c *Configuration) { c.Store.Backend = "redis" }},
		{"missing store path", func(c *Configuration) { c.Store.Path = "" }},
		{"compression level", func(c *Configuration) { c.Store.CompressionLevel = 9 }},
		{"negative threshold", func(c *Configuration) { c.Store.CompressThreshold = -1 }},
		{"lru size", func(c *Configuration) { c.Sources.LRUSize = 0 }},
		{"connect timeout", func(c *Configuration) { c.Connector.ConnectTimeoutSeconds = 0 }},
		{"query timeout", func(c *Configuration) { c.Connector.QueryTimeoutSeconds = 0 }},
		{"kafka timeout", func(c *Configuration) { c.Kafka.TimeoutSeconds = 0 }},
		{"registry timeout", func(c *Configuration) { c.Registry.TimeoutSeconds = 0 }},
		{"registry rate", func(c *Configuration) { c.Registry.RateLimit = 0 }},
		{"registry burst", func(c *Configuration) { c.Registry.RateBurst = 0 }},
		{"admin port", func(c *Configuration) { c.Admin.Port = 70000 }},
		{"log format", func(c *Configuration) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			withConfig(t, c)

			if err := Validate(); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestValidate_MemoryStoreNeedsNoPath(t *testing.T) {
	c := Default()
	c.Store.Backend = StoreMemory
	c.Store.Path = ""
	withConfig(t, c)

	if err := Validate(); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

func TestValidate_DisabledAdminIgnoresPort(t *testing.T) {
	c := Default()
	c.Admin.Enabled = false
	c.Admin.Port = 0
	withConfig(t, c)

	if err := Validate(); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	c := Default()
	c.NodeID = 7
	c.DataDir = filepath.Join(t.TempDir(), "data")
	withConfig(t, c)

	if err := Load("non-existent-file.toml"); err != nil {
		t.Errorf("Expected no error for non-existent file, got: %v", err)
	}

	if Config.Cache.TTLHours != 24 {
		t.Errorf("Expected default TTL of 24 hours, got %d", Config.Cache.TTLHours)
	}
}

func TestLoad_CreateDataDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "nested", "data")
	c := Default()
	c.NodeID = 7
	c.DataDir = dataDir
	withConfig(t, c)

	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		t.Error("Data directory was not created")
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
node_id = 42
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[cache]
ttl_hours = 6
write_error_policy = "return_fresh"

[store]
backend = "pebble"
path = "cache"

[kafka]
exclude_topics = ["_*", "tmp-*"]

[admin]
auth_token = "s3cret"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	withConfig(t, Default())
	if err := Load(path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if Config.NodeID != 42 {
		t.Errorf("Expected node ID 42, got %d", Config.NodeID)
	}
	if CacheTTL() != 6*time.Hour {
		t.Errorf("Expected TTL 6h, got %s", CacheTTL())
	}
	if Config.Cache.WriteErrorPolicy != "return_fresh" {
		t.Errorf("Expected return_fresh policy, got %s", Config.Cache.WriteErrorPolicy)
	}
	if Config.Store.Backend != StorePebble {
		t.Errorf("Expected pebble backend, got %s", Config.Store.Backend)
	}
	if StorePath() != filepath.ToSlash(filepath.Join(dir, "data", "cache")) {
		t.Errorf("Expected store under data dir, got %s", StorePath())
	}
	if len(Config.Kafka.ExcludeTopics) != 2 {
		t.Errorf("Expected 2 exclude patterns, got %v", Config.Kafka.ExcludeTopics)
	}
	if Config.Admin.AuthToken != "s3cret" {
		t.Errorf("Expected auth token from file, got %q", Config.Admin.AuthToken)
	}
	// Sections absent from the file keep their defaults.
	if Config.Registry.RateBurst != 10 {
		t.Errorf("Expected default registry burst, got %d", Config.Registry.RateBurst)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[cache\nttl_hours = "), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	withConfig(t, Default())
	if err := Load(path); err == nil {
		t.Error("Expected decode error for malformed config")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	tempDir := t.TempDir()

	*DataDirFlag = tempDir
	*NodeIDFlag = 12345
	*ListenFlag = "127.0.0.1:9100"
	defer func() {
		*DataDirFlag = ""
		*NodeIDFlag = 0
		*ListenFlag = ""
	}()

	withConfig(t, Default())
	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if Config.DataDir != tempDir {
		t.Errorf("Expected data dir %s, got %s", tempDir, Config.DataDir)
	}
	if Config.NodeID != 12345 {
		t.Errorf("Expected node ID 12345, got %d", Config.NodeID)
	}
	if AdminAddress() != "127.0.0.1:9100" {
		t.Errorf("Expected admin address 127.0.0.1:9100, got %s", AdminAddress())
	}
}

func TestLoad_ListenPortOnly(t *testing.T) {
	*NodeIDFlag = 1
	*ListenFlag = ":9200"
	defer func() {
		*NodeIDFlag = 0
		*ListenFlag = ""
	}()

	c := Default()
	c.DataDir = t.TempDir()
	withConfig(t, c)
	if err := Load(""); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if AdminAddress() != "0.0.0.0:9200" {
		t.Errorf("Expected default host with new port, got %s", AdminAddress())
	}

	*ListenFlag = "not-an-address"
	if err := Load(""); err == nil {
		t.Error("Expected error for malformed listen address")
	}
}

func TestStorePath_Absolute(t *testing.T) {
	c := Default()
	c.Store.Path = "/var/lib/metascope/cache.db"
	withConfig(t, c)

	if StorePath() != "/var/lib/metascope/cache.db" {
		t.Errorf("Expected absolute path to be kept, got %s", StorePath())
	}
}

func TestGenerateNodeID(t *testing.T) {
	id1, err := generateNodeID()
	if err != nil {
		t.Skipf("machine id unavailable: %v", err)
	}

	if id1 == 0 {
		t.Error("Generated node ID should not be 0")
	}

	// Generate another ID - should be the same (deterministic for machine)
	id2, err := generateNodeID()
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if id1 != id2 {
		t.Error("Node ID should be deterministic for same machine")
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()
	Config = Default()

	for i := 0; i < b.N; i++ {
		Validate()
	}
}
