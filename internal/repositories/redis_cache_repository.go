package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/redis"
)

const redisCacheNamespace = "cache:"

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

type redisCacheRepository struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisCacheRepository stores cache rows as JSON values with native
// expiry. now supplies the time used to compute the remaining TTL.
func NewRedisCacheRepository(client *redis.Client, now func() time.Time) CacheRepository {
	if now == nil {
		now = time.Now
	}
	return &redisCacheRepository{client: client, now: now}
}

func (r *redisCacheRepository) key(k string) string {
	return r.client.Key(redisCacheNamespace + k)
}

func (r *redisCacheRepository) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	if err := r.client.GetJSON(ctx, r.key(key), &entry); err != nil {
		if errors.Is(err, redis.ErrMiss) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (r *redisCacheRepository) Put(ctx context.Context, entry *models.CacheEntry) error {
	ttl := entry.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		_, err := r.client.DeleteKeys(ctx, r.key(entry.Key))
		return err
	}
	return r.client.SetJSON(ctx, r.key(entry.Key), entry, ttl)
}

// Touch rewrites the value under WATCH so a key deleted or replaced between
// the read and the write is left alone
func (r *redisCacheRepository) Touch(ctx context.Context, key string, expiresAt, at time.Time) error {
	k := r.key(key)
	err := r.client.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, goredis.Nil) {
			return models.ErrNotFound
		}
		if err != nil {
			return err
		}

		var entry models.CacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		if !entry.ExpiresAt.Equal(expiresAt) {
			return models.ErrNotFound
		}
		entry.AccessCount++
		entry.LastAccessedAt = at

		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, k, data, goredis.KeepTTL)
			return nil
		})
		return err
	}, k)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrNotFound), errors.Is(err, goredis.TxFailedErr):
		return models.ErrNotFound
	default:
		return fmt.Errorf("touch %s: %w", key, err)
	}
}

func (r *redisCacheRepository) DeleteMatching(ctx context.Context, substr string) (int64, error) {
	if substr == "" {
		return 0, models.ErrInvalidInput
	}
	pattern := globEscaper.Replace(r.key("")) + "*" + globEscaper.Replace(substr) + "*"
	return r.client.DeleteMatching(ctx, pattern)
}

// DeleteExpired is a no-op; Redis expires keys itself
func (r *redisCacheRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
