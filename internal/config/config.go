// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/grocery-price-crawler/internal/store"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig              `mapstructure:"logging"`
	Server    ServerConfig               `mapstructure:"server"`
	Auth      AuthConfig                 `mapstructure:"auth"`
	Pipeline  PipelineConfig             `mapstructure:"pipeline"`
	Storage   StorageConfig              `mapstructure:"storage"`
	Catalog   CatalogConfig              `mapstructure:"catalog"`
	Fetch     FetchConfig                `mapstructure:"fetch"`
	Headless  HeadlessConfig             `mapstructure:"headless"`
	Stores    map[string]store.Selectors `mapstructure:"stores"`
	Run       RunConfig                  `mapstructure:"run"`
	DB        DBConfig                   `mapstructure:"db"`
	Retry     RetryConfig                `mapstructure:"retry"`
	Mirror    MirrorConfig               `mapstructure:"mirror"`
	PubSub    PubSubConfig               `mapstructure:"pubsub"`
	Telemetry TelemetryConfig            `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PipelineConfig governs workers, aggregation and block handling.
type PipelineConfig struct {
	Workers          int           `mapstructure:"workers"`
	ResultBuffer     int           `mapstructure:"result_buffer"`
	FlushSize        int           `mapstructure:"flush_size"`
	FlushIdle        time.Duration `mapstructure:"flush_idle"`
	MaxRetryAttempts int           `mapstructure:"max_retry_attempts"`
	BlockThreshold   int           `mapstructure:"block_threshold"`
	CooldownMin      time.Duration `mapstructure:"cooldown_min"`
	CooldownMax      time.Duration `mapstructure:"cooldown_max"`
	ProductDelayMin  time.Duration `mapstructure:"product_delay_min"`
	ProductDelayMax  time.Duration `mapstructure:"product_delay_max"`
	WorkerStagger    time.Duration `mapstructure:"worker_stagger"`
	PersistNotFound  bool          `mapstructure:"persist_not_found"`
}

// StorageConfig locates snapshot and retry files.
type StorageConfig struct {
	OutputDir      string        `mapstructure:"output_dir"`
	MaxBackups     int           `mapstructure:"max_backups"`
	LoadRetries    int           `mapstructure:"load_retries"`
	LoadRetryDelay time.Duration `mapstructure:"load_retry_delay"`
}

// SnapshotPath is the snapshot file for a store.
func (s StorageConfig) SnapshotPath(storeName string) string {
	return filepath.Join(s.OutputDir, storeName+"_scraped_products.json")
}

// RetryPath is the retry queue file for a store.
func (s StorageConfig) RetryPath(storeName string) string {
	return filepath.Join(s.OutputDir, storeName+"_retry_queue.json")
}

// CatalogConfig points at the product list.
type CatalogConfig struct {
	Path       string `mapstructure:"path"`
	Column     string `mapstructure:"column"`
	ShardIndex int    `mapstructure:"shard_index"`
	ShardCount int    `mapstructure:"shard_count"`
}

// FetchConfig configures page retrieval.
type FetchConfig struct {
	Mode            string        `mapstructure:"mode"`
	UserAgent       string        `mapstructure:"user_agent"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RespectRobots   bool          `mapstructure:"respect_robots"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	DetailCacheSize int           `mapstructure:"detail_cache_size"`
}

// HeadlessConfig configures the browser fetcher.
type HeadlessConfig struct {
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	MaxParallel int           `mapstructure:"max_parallel"`
	ExecPath    string        `mapstructure:"exec_path"`
}

// RunConfig selects the stores to crawl.
type RunConfig struct {
	Stores []string `mapstructure:"stores"`
}

// DBConfig controls the Postgres price index.
type DBConfig struct {
	DSN      string        `mapstructure:"dsn"`
	Table    string        `mapstructure:"table"`
	MaxConns int32         `mapstructure:"max_conns"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// RetryConfig selects where retry state lives.
type RetryConfig struct {
	Backend        string `mapstructure:"backend"`
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisKeyPrefix string `mapstructure:"redis_key_prefix"`
}

// MirrorConfig selects the snapshot mirror.
type MirrorConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GROCERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Run.Stores = normalizeStores(cfg.Run.Stores)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.enabled", false)
	v.SetDefault("pipeline.workers", 2)
	v.SetDefault("pipeline.result_buffer", 64)
	v.SetDefault("pipeline.flush_size", 5)
	v.SetDefault("pipeline.flush_idle", time.Second)
	v.SetDefault("pipeline.max_retry_attempts", 3)
	v.SetDefault("pipeline.block_threshold", 3)
	v.SetDefault("pipeline.cooldown_min", 30*time.Second)
	v.SetDefault("pipeline.cooldown_max", 60*time.Second)
	v.SetDefault("pipeline.product_delay_min", 2*time.Second)
	v.SetDefault("pipeline.product_delay_max", 5*time.Second)
	v.SetDefault("pipeline.worker_stagger", 2*time.Second)
	v.SetDefault("pipeline.persist_not_found", true)
	v.SetDefault("storage.output_dir", "data")
	v.SetDefault("storage.max_backups", 20)
	v.SetDefault("storage.load_retries", 3)
	v.SetDefault("storage.load_retry_delay", 500*time.Millisecond)
	v.SetDefault("catalog.column", "Product")
	v.SetDefault("catalog.shard_index", 0)
	v.SetDefault("catalog.shard_count", 0)
	v.SetDefault("fetch.mode", "http")
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	v.SetDefault("fetch.timeout", 20*time.Second)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.rate_per_second", 0.5)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("fetch.detail_cache_size", 512)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("run.stores", []string{"walmart"})
	v.SetDefault("db.table", "product_prices")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("retry.backend", "file")
	v.SetDefault("retry.redis_key_prefix", "grocery")
	v.SetDefault("mirror.backend", "none")
	v.SetDefault("mirror.prefix", "snapshots")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("telemetry.service_name", "grocery-price-crawler")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.Pipeline.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Storage.OutputDir) == "" {
		return fmt.Errorf("storage.output_dir is required")
	}
	if c.Storage.MaxBackups <= 0 {
		return fmt.Errorf("storage.max_backups must be > 0")
	}
	if c.Catalog.ShardCount < 0 || (c.Catalog.ShardCount > 0 && (c.Catalog.ShardIndex < 0 || c.Catalog.ShardIndex >= c.Catalog.ShardCount)) {
		return fmt.Errorf("catalog.shard_index must be in [0, shard_count)")
	}
	switch c.Fetch.Mode {
	case "http":
	case "headless":
		if c.Headless.MaxParallel <= 0 {
			return fmt.Errorf("headless.max_parallel must be > 0 when fetch.mode is headless")
		}
	default:
		return fmt.Errorf("fetch.mode must be http or headless, got %q", c.Fetch.Mode)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.RatePerSecond < 0 {
		return fmt.Errorf("fetch.rate_per_second must be >= 0")
	}
	if len(c.Run.Stores) == 0 {
		return fmt.Errorf("run.stores must list at least one store")
	}
	switch c.Retry.Backend {
	case "file":
	case "redis":
		if c.Retry.RedisAddr == "" {
			return fmt.Errorf("retry.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("retry.backend must be file or redis, got %q", c.Retry.Backend)
	}
	switch c.Mirror.Backend {
	case "none", "memory":
	case "local":
		if c.Mirror.LocalDir == "" {
			return fmt.Errorf("mirror.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Mirror.GCSBucket == "" {
			return fmt.Errorf("mirror.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("mirror.backend must be none, local, gcs or memory, got %q", c.Mirror.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic_name is set")
	}
	return nil
}

func (p PipelineConfig) validate() error {
	switch {
	case p.Workers <= 0:
		return fmt.Errorf("pipeline.workers must be > 0")
	case p.ResultBuffer <= 0:
		return fmt.Errorf("pipeline.result_buffer must be > 0")
	case p.FlushSize <= 0:
		return fmt.Errorf("pipeline.flush_size must be > 0")
	case p.FlushIdle <= 0:
		return fmt.Errorf("pipeline.flush_idle must be > 0")
	case p.MaxRetryAttempts <= 0:
		return fmt.Errorf("pipeline.max_retry_attempts must be > 0")
	case p.BlockThreshold <= 0:
		return fmt.Errorf("pipeline.block_threshold must be > 0")
	case p.CooldownMax < p.CooldownMin:
		return fmt.Errorf("pipeline.cooldown_max must be >= cooldown_min")
	case p.ProductDelayMax < p.ProductDelayMin:
		return fmt.Errorf("pipeline.product_delay_max must be >= product_delay_min")
	}
	return nil
}

func normalizeStores(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, raw := range names {
		for _, name := range strings.Split(raw, ",") {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}
