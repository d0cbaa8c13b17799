package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Cache backends for the durable tier
const (
	CacheBackendDatabase = "database"
	CacheBackendRedis    = "redis"
)

// Config represents the application configuration
type Config struct {
	Environment string           `mapstructure:"environment"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Log         LogConfig        `mapstructure:"log"`
	Cache       CacheConfig      `mapstructure:"cache"`
	Search      SearchConfig     `mapstructure:"search"`
	Pagination  PaginationConfig `mapstructure:"pagination"`
	Debounce    DebounceConfig   `mapstructure:"debounce"`
	Workers     WorkersConfig    `mapstructure:"workers"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Settings    SettingsConfig   `mapstructure:"settings"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port                int    `mapstructure:"port"`
	Host                string `mapstructure:"host"`
	ReadTimeoutSeconds  int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `mapstructure:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `mapstructure:"idle_timeout_seconds"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MaxOpenConns   int    `mapstructure:"max_open_conns"`
	MaxIdleConns   int    `mapstructure:"max_idle_conns"`
	BusyTimeoutMS  int    `mapstructure:"busy_timeout_ms"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RedisConfig contains Redis configuration
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// CacheConfig contains TTL cache configuration
type CacheConfig struct {
	Backend              string `mapstructure:"backend"`
	DefaultTTLMinutes    int    `mapstructure:"default_ttl_minutes"`
	SweepIntervalSeconds int    `mapstructure:"sweep_interval_seconds"`
	SweepDurable         bool   `mapstructure:"sweep_durable"`
}

// SearchConfig contains search system configuration
type SearchConfig struct {
	DefaultTTLMinutes int `mapstructure:"default_ttl_minutes"`
	DefaultLimit      int `mapstructure:"default_limit"`
	MaxLimit          int `mapstructure:"max_limit"`
	FacetLimit        int `mapstructure:"facet_limit"`
	CandidateLimit    int `mapstructure:"candidate_limit"`
	ReindexBatchSize  int `mapstructure:"reindex_batch_size"`
	ReindexParallel   int `mapstructure:"reindex_parallel"`
}

// PaginationConfig contains paginator configuration
type PaginationConfig struct {
	DefaultPageSize     int      `mapstructure:"default_page_size"`
	MaxPageSize         int      `mapstructure:"max_page_size"`
	Collections         []string `mapstructure:"collections"`
	PrefetchPerSecond   float64  `mapstructure:"prefetch_per_second"`
	PrefetchBurst       int      `mapstructure:"prefetch_burst"`
	PrefetchWaitSeconds int      `mapstructure:"prefetch_wait_seconds"`
}

// DebounceConfig contains debounce coordinator configuration
type DebounceConfig struct {
	DefaultDelayMS int `mapstructure:"default_delay_ms"`
}

// WorkersConfig sizes the background task pool
type WorkersConfig struct {
	PoolSize  int `mapstructure:"pool_size"`
	QueueSize int `mapstructure:"queue_size"`
}

// MetricsConfig contains metrics recorder configuration
type MetricsConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	SlowOperationMS int  `mapstructure:"slow_operation_ms"`
	RetentionDays   int  `mapstructure:"retention_days"`
}

// SettingsConfig controls how often runtime settings are re-read
type SettingsConfig struct {
	RefreshSeconds int `mapstructure:"refresh_seconds"`
}

// Load loads the configuration from file and environment variables
func Load() (*Config, error) {
	viper.SetDefault("environment", "development")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout_seconds", 30)
	viper.SetDefault("server.write_timeout_seconds", 30)
	viper.SetDefault("server.idle_timeout_seconds", 120)

	viper.SetDefault("database.path", "./data/speedlayer.db")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.busy_timeout_ms", 5000)
	viper.SetDefault("database.timeout_seconds", 3)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.key_prefix", "speedlayer:")

	viper.SetDefault("log.level", "info")

	viper.SetDefault("cache.backend", CacheBackendDatabase)
	viper.SetDefault("cache.default_ttl_minutes", 30)
	viper.SetDefault("cache.sweep_interval_seconds", 60)
	viper.SetDefault("cache.sweep_durable", true)

	viper.SetDefault("search.default_ttl_minutes", 5)
	viper.SetDefault("search.default_limit", 20)
	viper.SetDefault("search.max_limit", 100)
	viper.SetDefault("search.facet_limit", 10)
	viper.SetDefault("search.candidate_limit", 5000)
	viper.SetDefault("search.reindex_batch_size", 200)
	viper.SetDefault("search.reindex_parallel", 4)

	viper.SetDefault("pagination.default_page_size", 20)
	viper.SetDefault("pagination.max_page_size", 100)
	viper.SetDefault("pagination.collections", []string{"requests", "items", "users", "categories"})
	viper.SetDefault("pagination.prefetch_per_second", 10.0)
	viper.SetDefault("pagination.prefetch_burst", 5)
	viper.SetDefault("pagination.prefetch_wait_seconds", 5)

	viper.SetDefault("debounce.default_delay_ms", 300)

	viper.SetDefault("workers.pool_size", 4)
	viper.SetDefault("workers.queue_size", 256)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.slow_operation_ms", 2000)
	viper.SetDefault("metrics.retention_days", 30)

	viper.SetDefault("settings.refresh_seconds", 30)

	// Configuration file settings
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/speedlayer")

	// Environment variable settings
	viper.SetEnvPrefix("SPEEDLAYER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read configuration file (optional)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects values no component can operate with
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		problems = append(problems, "database.path must be set")
	}
	if c.Cache.Backend != CacheBackendDatabase && c.Cache.Backend != CacheBackendRedis {
		problems = append(problems, fmt.Sprintf("cache.backend %q must be %q or %q", c.Cache.Backend, CacheBackendDatabase, CacheBackendRedis))
	}
	if c.Cache.DefaultTTLMinutes <= 0 {
		problems = append(problems, "cache.default_ttl_minutes must be positive")
	}
	if c.Search.MaxLimit <= 0 {
		problems = append(problems, "search.max_limit must be positive")
	}
	if c.Search.DefaultLimit <= 0 || c.Search.DefaultLimit > c.Search.MaxLimit {
		problems = append(problems, "search.default_limit must be between 1 and search.max_limit")
	}
	if c.Pagination.MaxPageSize <= 0 {
		problems = append(problems, "pagination.max_page_size must be positive")
	}
	if c.Pagination.DefaultPageSize <= 0 || c.Pagination.DefaultPageSize > c.Pagination.MaxPageSize {
		problems = append(problems, "pagination.default_page_size must be between 1 and pagination.max_page_size")
	}
	if c.Debounce.DefaultDelayMS < 0 {
		problems = append(problems, "debounce.default_delay_ms must not be negative")
	}
	if c.Workers.PoolSize <= 0 || c.Workers.QueueSize <= 0 {
		problems = append(problems, "workers.pool_size and workers.queue_size must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Address returns the host:port the HTTP server listens on
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SweepInterval returns the memory sweep period
func (c CacheConfig) SweepInterval() time.Duration {
	if c.SweepIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// DefaultTTL returns the TTL used when a caller passes none
func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLMinutes) * time.Minute
}

// Timeout bounds every durable-tier call
func (d DatabaseConfig) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}
