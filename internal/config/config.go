// Package config loads engine configuration from YAML with environment
// overrides. Unknown keys are rejected so typos fail at startup instead of
// silently using defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "30s" style YAML values, which yaml.v3 does not decode
// into time.Duration on its own.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML parses either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value on line %d", value.Line)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders the duration in the standard string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the full engine configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Blob       BlobConfig       `yaml:"blob"`
	Patterns   PatternsConfig   `yaml:"patterns"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver          string   `yaml:"driver"` // postgres or sqlite
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds the optional shared cache settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// BlobConfig holds blob store settings.
type BlobConfig struct {
	RootDir string `yaml:"root_dir"`
}

// PatternsConfig locates the manufacturer pattern file.
type PatternsConfig struct {
	Path string `yaml:"path"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider  string   `yaml:"provider"` // http or mock
	BaseURL   string   `yaml:"base_url"`
	APIKey    string   `yaml:"api_key"`
	Model     string   `yaml:"model"`
	Dimension int      `yaml:"dimension"`
	Timeout   Duration `yaml:"timeout"`
	BatchSize int      `yaml:"batch_size"`
}

// PipelineConfig holds worker pool and retry settings.
type PipelineConfig struct {
	Workers         int      `yaml:"workers"`
	LeaseTTL        Duration `yaml:"lease_ttl"`
	PollInterval    Duration `yaml:"poll_interval"`
	ReclaimInterval Duration `yaml:"reclaim_interval"`
	MaxAttempts     int      `yaml:"max_attempts"`
	BackoffBase     Duration `yaml:"backoff_base"`
	BackoffFactor   float64  `yaml:"backoff_factor"`
	BackoffJitter   Duration `yaml:"backoff_jitter"`
	MaxPendingItems int      `yaml:"max_pending_items"`
	ChunkTargetSize int      `yaml:"chunk_target_size"`
	ChunkOverlap    int      `yaml:"chunk_overlap"`
}

// EnrichmentConfig holds link enricher settings.
type EnrichmentConfig struct {
	Enabled         bool     `yaml:"enabled"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	ProviderSpacing Duration `yaml:"provider_spacing"`
	CacheTTL        Duration `yaml:"cache_ttl"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(60 * time.Second),
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "file:krai.db?_fk=1",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(time.Hour),
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Blob:     BlobConfig{RootDir: "data/blobs"},
		Patterns: PatternsConfig{Path: "configs/patterns.yaml"},
		Embedding: EmbeddingConfig{
			Provider:  "mock",
			Model:     "text-embedding-3-small",
			Dimension: 768,
			Timeout:   Duration(60 * time.Second),
			BatchSize: 64,
		},
		Pipeline: PipelineConfig{
			Workers:         4,
			LeaseTTL:        Duration(2 * time.Minute),
			PollInterval:    Duration(500 * time.Millisecond),
			ReclaimInterval: Duration(30 * time.Second),
			MaxAttempts:     3,
			BackoffBase:     Duration(time.Second),
			BackoffFactor:   2,
			BackoffJitter:   Duration(250 * time.Millisecond),
			MaxPendingItems: 1000,
			ChunkTargetSize: 2000,
			ChunkOverlap:    200,
		},
		Enrichment: EnrichmentConfig{
			Enabled:         true,
			RequestTimeout:  Duration(15 * time.Second),
			ProviderSpacing: Duration(500 * time.Millisecond),
			CacheTTL:        Duration(24 * time.Hour),
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides, and validates. An empty path uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from KRAI_* environment variables.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("KRAI_SERVER_HOST", &cfg.Server.Host)
	setInt("KRAI_SERVER_PORT", &cfg.Server.Port)
	setString("KRAI_DATABASE_DRIVER", &cfg.Database.Driver)
	setString("KRAI_DATABASE_DSN", &cfg.Database.DSN)
	setBool("KRAI_REDIS_ENABLED", &cfg.Redis.Enabled)
	setString("KRAI_REDIS_ADDR", &cfg.Redis.Addr)
	setString("KRAI_REDIS_PASSWORD", &cfg.Redis.Password)
	setString("KRAI_BLOB_ROOT", &cfg.Blob.RootDir)
	setString("KRAI_PATTERNS_PATH", &cfg.Patterns.Path)
	setString("KRAI_EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	setString("KRAI_EMBEDDING_BASE_URL", &cfg.Embedding.BaseURL)
	setString("KRAI_EMBEDDING_API_KEY", &cfg.Embedding.APIKey)
	setString("KRAI_EMBEDDING_MODEL", &cfg.Embedding.Model)
	setInt("KRAI_EMBEDDING_DIMENSION", &cfg.Embedding.Dimension)
	setInt("KRAI_PIPELINE_WORKERS", &cfg.Pipeline.Workers)
	setString("KRAI_LOG_LEVEL", &cfg.Logging.Level)
	setString("KRAI_LOG_FORMAT", &cfg.Logging.Format)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.Embedding.Provider {
	case "mock":
	case "http":
		if c.Embedding.BaseURL == "" {
			return fmt.Errorf("embedding.base_url is required for the http provider")
		}
	default:
		return fmt.Errorf("embedding.provider must be http or mock, got %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be positive")
	}
	if c.Pipeline.BackoffFactor < 1 {
		return fmt.Errorf("pipeline.backoff_factor must be at least 1")
	}
	if c.Patterns.Path == "" {
		return fmt.Errorf("patterns.path is required")
	}
	if c.Blob.RootDir == "" {
		return fmt.Errorf("blob.root_dir is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}
