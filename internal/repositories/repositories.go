package repositories

import (
	"context"
	"time"

	"github.com/fabienpiette/speedlayer/internal/models"
)

// Table names in the durable tier
const (
	TableCacheEntries = "cache_entries"
	TableSearchIndex  = "search_index"
	TableMetrics      = "performance_metrics"
	TableAppSettings  = "app_settings"
)

// CacheRepository persists cache rows in the durable tier. Get returns the
// stored row even when expired; expiry is decided by the caller's clock.
// Touch bumps the access counters of the row stored under key with the given
// expiry and returns ErrNotFound when that row is gone or was replaced.
type CacheRepository interface {
	Get(ctx context.Context, key string) (*models.CacheEntry, error)
	Put(ctx context.Context, entry *models.CacheEntry) error
	Touch(ctx context.Context, key string, expiresAt, at time.Time) error
	DeleteMatching(ctx context.Context, substr string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// IndexRepository stores one search index entry per (entity type, entity id)
type IndexRepository interface {
	Upsert(ctx context.Context, entry *models.SearchIndexEntry) error
	Get(ctx context.Context, entityType models.EntityType, entityID string) (*models.SearchIndexEntry, error)
	Delete(ctx context.Context, entityType models.EntityType, entityID string) (bool, error)
	Candidates(ctx context.Context, filter CandidateFilter) ([]*models.SearchIndexEntry, error)
}

// CandidateFilter narrows the index rows a search has to rank. Rows match
// when their type is in EntityTypes (any type when empty) and any of Words
// appears in their text or keywords (every row when empty). Limit and Offset
// page through the rows in a stable order.
type CandidateFilter struct {
	EntityTypes []models.EntityType
	Words       []string
	Limit       int
	Offset      int
}

// MetricsRepository appends and reads back performance metrics
type MetricsRepository interface {
	Record(ctx context.Context, metric *models.PerformanceMetric) error
	Since(ctx context.Context, since time.Time) ([]*models.PerformanceMetric, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// SettingsRepository reads and writes the app_settings key/value rows
type SettingsRepository interface {
	GetAll(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
}
