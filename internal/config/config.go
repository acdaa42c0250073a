package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main kbridge configuration
type Config struct {
	// Knowledge repository
	Knowledge KnowledgeConfig `json:"knowledge" mapstructure:"knowledge"`

	// Memory store
	Memstore MemstoreConfig `json:"memstore" mapstructure:"memstore"`

	// Sync engine
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Scheduler
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// KnowledgeConfig holds knowledge repository configuration
type KnowledgeConfig struct {
	// Dir is the root of the directory-backed repository; items live at
	// <dir>/<tenant>/<id>.json.
	Dir string `json:"dir" mapstructure:"dir"`

	// Tenants the daemon syncs. Empty means tenants are discovered from
	// the repository directory layout.
	Tenants []string `json:"tenants" mapstructure:"tenants"`

	// Watch enables filesystem watching for near-real-time single-item
	// sync.
	Watch bool `json:"watch" mapstructure:"watch"`
}

// MemstoreConfig holds memory store configuration
type MemstoreConfig struct {
	Backend   string          `json:"backend" mapstructure:"backend"` // sqlite, redis
	DBPath    string          `json:"db_path" mapstructure:"db_path"`
	Redis     RedisConfig     `json:"redis" mapstructure:"redis"`
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`
}

// RedisConfig holds redis connection settings, shared by the redis
// memstore backend and the distributed sync lease.
type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
}

// EmbeddingConfig holds embedding configuration for semantic search
// over pointers.
type EmbeddingConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	Model   string `json:"model" mapstructure:"model"`
}

// SyncConfig holds sync engine configuration
type SyncConfig struct {
	StateDBPath      string `json:"state_db_path" mapstructure:"state_db_path"`
	LeaseBackend     string `json:"lease_backend" mapstructure:"lease_backend"` // local, redis
	LeaseTTLSeconds  int    `json:"lease_ttl_seconds" mapstructure:"lease_ttl_seconds"`
	RetryAttempts    int    `json:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBaseDelayMs int    `json:"retry_base_delay_ms" mapstructure:"retry_base_delay_ms"`
	MaxItems         int    `json:"max_items" mapstructure:"max_items"` // incremental cap, 0 = unbounded

	// Resolutions overrides the repair action per conflict type, e.g.
	// {"hash_mismatch": "delete_memory"}.
	Resolutions map[string]string `json:"resolutions" mapstructure:"resolutions"`
}

// SchedulerConfig holds scheduler and trigger configuration
type SchedulerConfig struct {
	Enabled                   bool `json:"enabled" mapstructure:"enabled"`
	IntervalSeconds           int  `json:"interval_seconds" mapstructure:"interval_seconds"`
	StalenessThresholdSeconds int  `json:"staleness_threshold_seconds" mapstructure:"staleness_threshold_seconds"`
	SessionThreshold          int  `json:"session_threshold" mapstructure:"session_threshold"`
}

// MetricsConfig holds the prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Knowledge: KnowledgeConfig{
			Watch: true,
		},
		Memstore: MemstoreConfig{
			Backend: "sqlite",
			Embedding: EmbeddingConfig{
				Model: "text-embedding-3-small",
			},
		},
		Sync: SyncConfig{
			LeaseBackend:     "local",
			LeaseTTLSeconds:  300,
			RetryAttempts:    3,
			RetryBaseDelayMs: 500,
		},
		Scheduler: SchedulerConfig{
			Enabled:                   true,
			IntervalSeconds:           60,
			StalenessThresholdSeconds: 3600,
			SessionThreshold:          10,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Knowledge.Dir == "" {
		return fmt.Errorf("knowledge.dir is required")
	}

	switch c.Memstore.Backend {
	case "sqlite":
		if c.Memstore.DBPath == "" && c.DataDir == "" {
			return fmt.Errorf("memstore.db_path is required for the sqlite backend")
		}
	case "redis":
		if c.Memstore.Redis.Addr == "" {
			return fmt.Errorf("memstore.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid memstore backend %q (must be: sqlite, redis)", c.Memstore.Backend)
	}

	switch c.Sync.LeaseBackend {
	case "", "local":
	case "redis":
		if c.Memstore.Redis.Addr == "" {
			return fmt.Errorf("memstore.redis.addr is required for the redis lease backend")
		}
	default:
		return fmt.Errorf("invalid lease backend %q (must be: local, redis)", c.Sync.LeaseBackend)
	}

	if c.Memstore.Embedding.Enabled && c.Memstore.Embedding.APIKey == "" {
		return fmt.Errorf("memstore.embedding.api_key is required when embedding is enabled")
	}

	if c.Sync.LeaseTTLSeconds < 0 {
		return fmt.Errorf("sync.lease_ttl_seconds must be >= 0")
	}
	if c.Scheduler.Enabled && c.Scheduler.IntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.interval_seconds must be positive")
	}

	for conflictType, resolution := range c.Sync.Resolutions {
		switch conflictType {
		case "hash_mismatch", "orphaned_pointer", "duplicate_pointer", "layer_mismatch", "status_change":
		default:
			return fmt.Errorf("unknown conflict type %q in sync.resolutions", conflictType)
		}
		switch resolution {
		case "update_memory", "delete_memory":
		default:
			return fmt.Errorf("invalid resolution %q for %s (must be: update_memory, delete_memory)", resolution, conflictType)
		}
	}

	return nil
}
