package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	viper.Reset()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 30, cfg.Server.ReadTimeoutSeconds)
	assert.Equal(t, 120, cfg.Server.IdleTimeoutSeconds)

	assert.Equal(t, "./data/speedlayer.db", cfg.Database.Path)
	assert.Equal(t, 3*time.Second, cfg.Database.Timeout())

	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, "speedlayer:", cfg.Redis.KeyPrefix)

	assert.Equal(t, "info", cfg.Log.Level)

	assert.Equal(t, CacheBackendDatabase, cfg.Cache.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Cache.DefaultTTL())
	assert.Equal(t, time.Minute, cfg.Cache.SweepInterval())
	assert.True(t, cfg.Cache.SweepDurable)

	assert.Equal(t, 5, cfg.Search.DefaultTTLMinutes)
	assert.Equal(t, 20, cfg.Search.DefaultLimit)
	assert.Equal(t, 100, cfg.Search.MaxLimit)
	assert.Equal(t, 10, cfg.Search.FacetLimit)
	assert.Equal(t, 4, cfg.Search.ReindexParallel)

	assert.Equal(t, 20, cfg.Pagination.DefaultPageSize)
	assert.Equal(t, 100, cfg.Pagination.MaxPageSize)
	assert.Equal(t, []string{"requests", "items", "users", "categories"}, cfg.Pagination.Collections)
	assert.Equal(t, 10.0, cfg.Pagination.PrefetchPerSecond)

	assert.Equal(t, 300, cfg.Debounce.DefaultDelayMS)
	assert.Equal(t, 4, cfg.Workers.PoolSize)
	assert.Equal(t, 256, cfg.Workers.QueueSize)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 2000, cfg.Metrics.SlowOperationMS)
	assert.Equal(t, 30, cfg.Settings.RefreshSeconds)
}

func TestConfigFromFile(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "config.yaml")

	configContent := `
environment: "test"
server:
  port: 9090
  host: "127.0.0.1"

database:
  path: "/tmp/test.db"
  timeout_seconds: 1

redis:
  host: "redis-server"
  port: 6380
  password: "secret"
  db: 1

log:
  level: "debug"

cache:
  backend: "redis"
  default_ttl_minutes: 10
  sweep_interval_seconds: 15

search:
  max_limit: 50
  default_limit: 10

pagination:
  default_page_size: 25
  max_page_size: 200
  collections: ["requests", "items"]

workers:
  pool_size: 2
  queue_size: 16
`

	require.NoError(t, os.WriteFile(configFile, []byte(configContent), 0644))

	viper.Reset()
	viper.AddConfigPath(tempDir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Address())
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, time.Second, cfg.Database.Timeout())
	assert.Equal(t, "redis-server", cfg.Redis.Host)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, CacheBackendRedis, cfg.Cache.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Cache.DefaultTTL())
	assert.Equal(t, 15*time.Second, cfg.Cache.SweepInterval())
	assert.Equal(t, 50, cfg.Search.MaxLimit)
	assert.Equal(t, 10, cfg.Search.DefaultLimit)
	assert.Equal(t, 25, cfg.Pagination.DefaultPageSize)
	assert.Equal(t, []string{"requests", "items"}, cfg.Pagination.Collections)
	assert.Equal(t, 2, cfg.Workers.PoolSize)
}

func TestConfigFromEnvironmentVariables(t *testing.T) {
	t.Setenv("SPEEDLAYER_ENVIRONMENT", "production")
	t.Setenv("SPEEDLAYER_SERVER_PORT", "8090")
	t.Setenv("SPEEDLAYER_DATABASE_PATH", "/data/prod.db")
	t.Setenv("SPEEDLAYER_REDIS_HOST", "redis.example.com")
	t.Setenv("SPEEDLAYER_LOG_LEVEL", "warn")
	t.Setenv("SPEEDLAYER_CACHE_BACKEND", "redis")
	t.Setenv("SPEEDLAYER_CACHE_DEFAULT_TTL_MINUTES", "45")
	t.Setenv("SPEEDLAYER_DEBOUNCE_DEFAULT_DELAY_MS", "150")
	t.Setenv("SPEEDLAYER_METRICS_ENABLED", "false")

	viper.Reset()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "/data/prod.db", cfg.Database.Path)
	assert.Equal(t, "redis.example.com", cfg.Redis.Host)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, CacheBackendRedis, cfg.Cache.Backend)
	assert.Equal(t, 45, cfg.Cache.DefaultTTLMinutes)
	assert.Equal(t, 150, cfg.Debounce.DefaultDelayMS)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestConfigFileNotFound(t *testing.T) {
	viper.Reset()
	viper.AddConfigPath("/non/existent/path")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestConfigInvalidYaml(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "config.yaml")

	invalidYaml := `
server:
  port: 8080
  invalid yaml here [[[
database:
  path: /tmp/test.db
`
	require.NoError(t, os.WriteFile(configFile, []byte(invalidYaml), 0644))

	viper.Reset()
	viper.AddConfigPath(tempDir)

	_, err := Load()
	require.Error(t, err)
}

func TestConfigMixedSources(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "config.yaml")

	configContent := `
server:
  port: 8080
  host: "localhost"
database:
  path: "/tmp/file.db"
redis:
  host: "localhost"
  port: 6379
`
	require.NoError(t, os.WriteFile(configFile, []byte(configContent), 0644))

	t.Setenv("SPEEDLAYER_SERVER_PORT", "9090")
	t.Setenv("SPEEDLAYER_REDIS_HOST", "redis-server")

	viper.Reset()
	viper.AddConfigPath(tempDir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "/tmp/file.db", cfg.Database.Path)
	assert.Equal(t, "redis-server", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		setup   func()
		wantErr bool
	}{
		{
			name:    "valid config",
			setup:   func() {},
			wantErr: false,
		},
		{
			name:    "negative port",
			setup:   func() { viper.Set("server.port", -1) },
			wantErr: true,
		},
		{
			name:    "unknown cache backend",
			setup:   func() { viper.Set("cache.backend", "memcached") },
			wantErr: true,
		},
		{
			name:    "default page size above max",
			setup:   func() { viper.Set("pagination.default_page_size", 500) },
			wantErr: true,
		},
		{
			name:    "zero workers",
			setup:   func() { viper.Set("workers.pool_size", 0) },
			wantErr: true,
		},
		{
			name:    "negative debounce",
			setup:   func() { viper.Set("debounce.default_delay_ms", -5) },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			tt.setup()

			cfg, err := Load()

			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, cfg)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, cfg)
			}
		})
	}
}

func BenchmarkConfigLoad(b *testing.B) {
	for i := 0; i < b.N; i++ {
		viper.Reset()
		if _, err := Load(); err != nil {
			b.Fatal(err)
		}
	}
}
