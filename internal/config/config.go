// Package config provides configuration for the chunkindex server and
// clients.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/arkilian/chunkindex/internal/chunkkey"
	"github.com/arkilian/chunkindex/internal/client"
	"github.com/arkilian/chunkindex/internal/queue"
	"github.com/arkilian/chunkindex/internal/storage"
	"github.com/arkilian/chunkindex/internal/worker"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration of a chunkindex process.
type Config struct {
	// DataDir is the base directory for all data files.
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`

	// Buckets is the number of shard buckets per chunk namespace. Writers,
	// compilers and clients must agree on it.
	Buckets int `json:"buckets" yaml:"buckets" toml:"buckets"`

	HTTP    HTTPConfig    `json:"http" yaml:"http" toml:"http"`
	GRPC    GRPCConfig    `json:"grpc" yaml:"grpc" toml:"grpc"`
	Import  ImportConfig  `json:"import" yaml:"import" toml:"import"`
	Compile CompileConfig `json:"compile" yaml:"compile" toml:"compile"`
	Sync    SyncConfig    `json:"sync" yaml:"sync" toml:"sync"`
	Archive ArchiveConfig `json:"archive" yaml:"archive" toml:"archive"`
	Client  ClientConfig  `json:"client" yaml:"client" toml:"client"`
}

// HTTPConfig holds admin HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr" toml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout" toml:"idle_timeout"`
}

// GRPCConfig holds the sync service configuration.
type GRPCConfig struct {
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
}

// ImportConfig holds the import worker pool configuration.
type ImportConfig struct {
	Pool worker.Config `json:"pool" yaml:"pool" toml:"pool"`
}

// CompileConfig holds compiler pool and per-kind controller configuration.
type CompileConfig struct {
	Pool    worker.Config `json:"pool" yaml:"pool" toml:"pool"`
	Keyword queue.Config  `json:"keyword" yaml:"keyword" toml:"keyword"`
	Object  queue.Config  `json:"object" yaml:"object" toml:"object"`
}

// SyncConfig holds chunk distribution settings.
type SyncConfig struct {
	// BatchSize is the number of chunks per catch-up message.
	BatchSize int `json:"batch_size" yaml:"batch_size" toml:"batch_size"`

	// ObserverBuffer is the number of pushes queued per subscriber before
	// pushes are dropped.
	ObserverBuffer int `json:"observer_buffer" yaml:"observer_buffer" toml:"observer_buffer"`
}

// ArchiveConfig controls mirroring of compiled chunks to object storage.
type ArchiveConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled" toml:"enabled"`
	Prefix  string        `json:"prefix" yaml:"prefix" toml:"prefix"`
	Storage StorageConfig `json:"storage" yaml:"storage" toml:"storage"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string   `json:"type" yaml:"type" toml:"type"`
	Path string   `json:"path" yaml:"path" toml:"path"`
	S3   storage.S3Config `json:"s3" yaml:"s3" toml:"s3"`
}

// ClientConfig holds cache client configuration.
type ClientConfig struct {
	ServerAddr      string              `json:"server_addr" yaml:"server_addr" toml:"server_addr"`
	CacheDir        string              `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	Persist         bool                `json:"persist" yaml:"persist" toml:"persist"`
	ObjectCacheSize int                 `json:"object_cache_size" yaml:"object_cache_size" toml:"object_cache_size"`
	Syncer          client.SyncerConfig `json:"syncer" yaml:"syncer" toml:"syncer"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	importPool := worker.DefaultConfig()
	compilePool := worker.DefaultConfig()
	compilePool.RetryBackoff = 10 * time.Second

	return &Config{
		DataDir: "./data/chunkindex",
		Buckets: chunkkey.DefaultBuckets,
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Import: ImportConfig{Pool: importPool},
		Compile: CompileConfig{
			Pool:    compilePool,
			Keyword: queue.DefaultConfig(),
			Object:  queue.DefaultConfig(),
		},
		Sync: SyncConfig{
			BatchSize:      20,
			ObserverBuffer: 64,
		},
		Archive: ArchiveConfig{
			Prefix:  "chunks",
			Storage: StorageConfig{Type: "local", S3: storage.DefaultS3Config()},
		},
		Client: ClientConfig{
			ServerAddr:      "localhost:9090",
			ObjectCacheSize: client.DefaultObjectCacheSize,
			Syncer:          client.DefaultSyncerConfig(),
		},
	}
}

// Resolve fills paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/chunkindex"
	}
	if c.Archive.Storage.Path == "" {
		c.Archive.Storage.Path = filepath.Join(c.DataDir, "archive")
	}
	if c.Client.CacheDir == "" {
		c.Client.CacheDir = filepath.Join(c.DataDir, "client")
	}
}

// IndexPath returns the path to the index database.
func (c *Config) IndexPath() string {
	return filepath.Join(c.DataDir, "index.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Buckets <= 0 {
		return fmt.Errorf("buckets must be positive, got %d", c.Buckets)
	}
	if c.Archive.Enabled {
		switch c.Archive.Storage.Type {
		case "local":
		case "s3":
			if c.Archive.Storage.S3.Bucket == "" {
				return fmt.Errorf("archive.storage.s3.bucket is required when storage type is s3")
			}
		default:
			return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Archive.Storage.Type)
		}
	}
	for name, p := range map[string]worker.Config{"import.pool": c.Import.Pool, "compile.pool": c.Compile.Pool} {
		if p.Concurrency <= 0 {
			return fmt.Errorf("%s.concurrency must be positive, got %d", name, p.Concurrency)
		}
		if p.MaxAttempts <= 0 {
			return fmt.Errorf("%s.max_attempts must be positive, got %d", name, p.MaxAttempts)
		}
	}
	for name, q := range map[string]queue.Config{"compile.keyword": c.Compile.Keyword, "compile.object": c.Compile.Object} {
		if q.BatchSize <= 0 || q.MaxInFlight <= 0 || q.FetchSize <= 0 {
			return fmt.Errorf("%s: batch_size, max_in_flight and fetch_size must be positive", name)
		}
		if q.MaxFailures <= 0 {
			return fmt.Errorf("%s.max_failures must be positive, got %d", name, q.MaxFailures)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML, JSON or TOML file on top of
// the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies CHUNKINDEX_* environment overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CHUNKINDEX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CHUNKINDEX_BUCKETS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Buckets = n
		}
	}

	if v := os.Getenv("CHUNKINDEX_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("CHUNKINDEX_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("CHUNKINDEX_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	if v := os.Getenv("CHUNKINDEX_COMPILE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Compile.Pool.Concurrency = n
		}
	}
	if v := os.Getenv("CHUNKINDEX_COMPILE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Compile.Pool.MaxAttempts = n
		}
	}
	if v := os.Getenv("CHUNKINDEX_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Compile.Keyword.PollInterval = d
			cfg.Compile.Object.PollInterval = d
		}
	}
	if v := os.Getenv("CHUNKINDEX_SYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.BatchSize = n
		}
	}

	if v := os.Getenv("CHUNKINDEX_ARCHIVE_ENABLED"); v != "" {
		cfg.Archive.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CHUNKINDEX_STORAGE_TYPE"); v != "" {
		cfg.Archive.Storage.Type = v
	}
	if v := os.Getenv("CHUNKINDEX_STORAGE_PATH"); v != "" {
		cfg.Archive.Storage.Path = v
	}
	if v := os.Getenv("CHUNKINDEX_S3_BUCKET"); v != "" {
		cfg.Archive.Storage.S3.Bucket = v
	}
	if v := os.Getenv("CHUNKINDEX_S3_REGION"); v != "" {
		cfg.Archive.Storage.S3.Region = v
	}
	if v := os.Getenv("CHUNKINDEX_S3_ENDPOINT"); v != "" {
		cfg.Archive.Storage.S3.Endpoint = v
	}

	if v := os.Getenv("CHUNKINDEX_SERVER_ADDR"); v != "" {
		cfg.Client.ServerAddr = v
	}
	if v := os.Getenv("CHUNKINDEX_CACHE_DIR"); v != "" {
		cfg.Client.CacheDir = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Archive.Enabled && c.Archive.Storage.Type == "local" {
		dirs = append(dirs, c.Archive.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
