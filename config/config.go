package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every recognized option. Values come from config.yaml,
// overridden by CHUNKVAULT_* environment variables.
type Config struct {
	Debug bool `mapstructure:"debug"`

	ChunkSize           int64         `mapstructure:"chunk_size"`
	ReplicationFactor   int           `mapstructure:"replication_factor"`
	StorageNodes        []string      `mapstructure:"storage_nodes"`
	ChunkUploadDeadline time.Duration `mapstructure:"chunk_upload_deadline"`
	NodeRequestTimeout  time.Duration `mapstructure:"node_request_timeout"`
	HealthProbeInterval time.Duration `mapstructure:"health_probe_interval"`

	VerificationSchedule string `mapstructure:"verification_schedule"`
	ShareCleanupSchedule string `mapstructure:"share_cleanup_schedule"`

	// CacheTTLs overrides per-namespace TTLs, keyed by namespace name,
	// values in seconds.
	CacheTTLs map[string]int `mapstructure:"cache_ttls"`

	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Node     NodeConfig     `mapstructure:"node"`
}

// DatabaseConfig selects the metadata store driver and DSN.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// CacheConfig selects the chunk cache backend.
type CacheConfig struct {
	Backend   string `mapstructure:"backend"` // redis | memory
	RedisAddr string `mapstructure:"redis_addr"`
}

// BrokerConfig locates the durable task queue.
type BrokerConfig struct {
	Path string `mapstructure:"path"`
}

// WorkerConfig sizes the task-runner worker pool.
type WorkerConfig struct {
	Count    int `mapstructure:"count"`
	Prefetch int `mapstructure:"prefetch"`
	MaxTasks int `mapstructure:"max_tasks"` // tasks per worker before recycle
}

// UploadConfig bounds per-upload chunk fan-out.
type UploadConfig struct {
	Fanout int `mapstructure:"fanout"`
}

// NodeConfig configures a storage-node process.
type NodeConfig struct {
	ID          string `mapstructure:"id"`
	ListenAddr  string `mapstructure:"listen_addr"`
	StoragePath string `mapstructure:"storage_path"`
	Compress    bool   `mapstructure:"compress"`
}

// Quorum returns ⌊R/2⌋+1 for the configured replication factor.
func (c *Config) Quorum() int {
	return c.ReplicationFactor/2 + 1
}

// Load reads config.yaml from path (and the environment) into a Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("chunkvault")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("debug", false)
	v.SetDefault("chunk_size", 4*1024*1024)
	v.SetDefault("replication_factor", 3)
	v.SetDefault("storage_nodes", []string{})
	v.SetDefault("chunk_upload_deadline", "60s")
	v.SetDefault("node_request_timeout", "30s")
	v.SetDefault("health_probe_interval", "60s")
	v.SetDefault("verification_schedule", "0 3 * * *")
	v.SetDefault("share_cleanup_schedule", "0 2 * * *")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "file:chunkvault.db?_foreign_keys=on")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("broker.path", "./data/broker")
	v.SetDefault("worker.count", 1)
	v.SetDefault("worker.prefetch", 1)
	v.SetDefault("worker.max_tasks", 1000)
	v.SetDefault("upload.fanout", 4)
	v.SetDefault("node.id", "chunkvault-node")
	v.SetDefault("node.listen_addr", ":8081")
	v.SetDefault("node.storage_path", "./data/chunks")
	v.SetDefault("node.compress", true)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// no config file is fine, defaults + env apply
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk_size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.ReplicationFactor < 1 {
		return nil, fmt.Errorf("replication_factor must be at least 1, got %d", cfg.ReplicationFactor)
	}
	return &cfg, nil
}
