package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/store"
)

type cacheRepository struct {
	store store.Client
}

// NewCacheRepository creates a cache repository over the relational store.
// Times are stored as unix milliseconds.
func NewCacheRepository(client store.Client) CacheRepository {
	return &cacheRepository{store: client}
}

func (r *cacheRepository) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	res, err := r.store.Read(ctx, TableCacheEntries, store.ReadOptions{
		Filters: []store.Filter{store.Eq("cache_key", key)},
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, models.ErrNotFound
	}

	row := res.Rows[0]
	return &models.CacheEntry{
		Key:            row.String("cache_key"),
		Data:           []byte(row.String("data")),
		ExpiresAt:      row.Time("expires_at"),
		AccessCount:    row.Int64("access_count"),
		LastAccessedAt: row.Time("last_accessed_at"),
		CreatedAt:      row.Time("created_at"),
	}, nil
}

func (r *cacheRepository) Put(ctx context.Context, entry *models.CacheEntry) error {
	return r.store.Upsert(ctx, TableCacheEntries, store.Record{
		"cache_key":        entry.Key,
		"data":             string(entry.Data),
		"expires_at":       entry.ExpiresAt.UnixMilli(),
		"access_count":     entry.AccessCount,
		"last_accessed_at": entry.LastAccessedAt.UnixMilli(),
		"created_at":       entry.CreatedAt.UnixMilli(),
	}, "cache_key")
}

func (r *cacheRepository) Touch(ctx context.Context, key string, expiresAt, at time.Time) error {
	n, err := r.store.Update(ctx, TableCacheEntries,
		store.Record{
			"access_count":     store.Increment(1),
			"last_accessed_at": at.UnixMilli(),
		},
		store.Eq("cache_key", key),
		store.Eq("expires_at", expiresAt.UnixMilli()),
	)
	if err != nil {
		return fmt.Errorf("touch %s: %w", key, err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *cacheRepository) DeleteMatching(ctx context.Context, substr string) (int64, error) {
	if substr == "" {
		return 0, models.ErrInvalidInput
	}
	return r.store.Delete(ctx, TableCacheEntries, store.Contains("cache_key", substr))
}

func (r *cacheRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return r.store.Delete(ctx, TableCacheEntries, store.Lte("expires_at", now.UnixMilli()))
}
