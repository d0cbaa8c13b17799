// Package cache implements the two-tier TTL cache: a concurrent in-memory
// tier in front of a shared durable tier, both expiring at the same instant.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/speedlayer/internal/clock"
	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/repositories"
	"github.com/fabienpiette/speedlayer/internal/settings"
	"github.com/fabienpiette/speedlayer/internal/workers"
)

// DefaultSweepInterval is used when Options leaves it unset
const DefaultSweepInterval = time.Minute

// Options tunes a Cache
type Options struct {
	// SweepInterval is the period of the background expiry sweep
	SweepInterval time.Duration
	// SweepDurable also purges expired durable rows on every sweep
	SweepDurable bool
}

type memEntry struct {
	value       interface{}
	expiresAt   time.Time
	createdAt   time.Time
	accessCount atomic.Int64
	lastAccess  atomic.Int64
}

func newMemEntry(value interface{}, expiresAt, now time.Time) *memEntry {
	e := &memEntry{value: value, expiresAt: expiresAt, createdAt: now}
	e.lastAccess.Store(now.UnixNano())
	return e
}

func (e *memEntry) touch(now time.Time) {
	e.accessCount.Add(1)
	e.lastAccess.Store(now.UnixNano())
}

type counters struct {
	memoryHits     atomic.Int64
	durableHits    atomic.Int64
	misses         atomic.Int64
	sets           atomic.Int64
	durableErrors  atomic.Int64
	invalidations  atomic.Int64
	swept          atomic.Int64
	droppedPromote atomic.Int64
}

// Cache is the two-tier TTL cache. The zero value is not usable; call New.
type Cache struct {
	mem      *xsync.MapOf[string, *memEntry]
	durable  repositories.CacheRepository
	settings settings.Source
	pool     *workers.Pool
	clock    clock.Clock
	logger   *logrus.Logger
	opts     Options

	// invalidateMu orders promotions against invalidations; generation is
	// bumped by every invalidation so promotions that raced one are dropped
	invalidateMu sync.RWMutex
	generation   atomic.Uint64

	stats counters

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// New creates a cache. durable may be nil for a memory-only cache and pool
// may be nil, in which case durable access touches are skipped.
func New(durable repositories.CacheRepository, source settings.Source, pool *workers.Pool, clk clock.Clock, logger *logrus.Logger, opts Options) *Cache {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Cache{
		mem:      xsync.NewMapOf[string, *memEntry](),
		durable:  durable,
		settings: source,
		pool:     pool,
		clock:    clk,
		logger:   logger,
		opts:     opts,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Get returns the value stored under key while it is unexpired. Durable tier
// failures are reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) (interface{}, bool) {
	if !c.settings.Current(ctx).CacheEnabled {
		c.stats.misses.Add(1)
		return nil, false
	}

	now := c.clock.Now()
	if e, ok := c.mem.Load(key); ok && now.Before(e.expiresAt) {
		e.touch(now)
		c.stats.memoryHits.Add(1)
		return e.value, true
	}

	if c.durable == nil {
		c.stats.misses.Add(1)
		return nil, false
	}

	gen := c.generation.Load()
	entry, err := c.durable.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			c.stats.durableErrors.Add(1)
			c.logger.WithError(err).WithField("key", key).Warn("Durable cache read failed, treating as miss")
		}
		c.stats.misses.Add(1)
		return nil, false
	}
	if entry.IsExpired(now) {
		c.stats.misses.Add(1)
		return nil, false
	}

	value := json.RawMessage(entry.Data)
	c.promote(key, value, entry, gen, now)
	c.stats.durableHits.Add(1)

	if c.pool != nil {
		durable := c.durable
		expiresAt := entry.ExpiresAt
		c.pool.Submit("cache.touch", func(ctx context.Context) {
			if err := durable.Touch(ctx, key, expiresAt, now); err != nil && !errors.Is(err, models.ErrNotFound) {
				c.logger.WithError(err).WithField("key", key).Debug("Failed to touch durable cache entry")
			}
		})
	}

	return value, true
}

// promote copies a durable row into memory keeping its expiry. A concurrent
// Set that already wrote memory wins, and so does any invalidation that ran
// after the durable read began.
func (c *Cache) promote(key string, value json.RawMessage, entry *models.CacheEntry, gen uint64, now time.Time) {
	c.invalidateMu.RLock()
	defer c.invalidateMu.RUnlock()

	if c.generation.Load() != gen {
		c.stats.droppedPromote.Add(1)
		return
	}

	promoted := newMemEntry(value, entry.ExpiresAt, entry.CreatedAt)
	promoted.accessCount.Store(entry.AccessCount + 1)
	promoted.lastAccess.Store(now.UnixNano())

	c.mem.Compute(key, func(old *memEntry, loaded bool) (*memEntry, bool) {
		if loaded && now.Before(old.expiresAt) {
			return old, false
		}
		return promoted, false
	})
}

// Set stores value in both tiers with one resolved expiry. A non-positive
// ttl uses the configured cache TTL. Durable failures leave a memory-only
// entry and are not reported.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if key == "" {
		return models.ErrInvalidInput
	}

	s := c.settings.Current(ctx)
	if !s.CacheEnabled {
		return nil
	}

	now := c.clock.Now()
	expiresAt := resolveExpiry(now, ttl, s)

	c.mem.Store(key, newMemEntry(value, expiresAt, now))
	c.stats.sets.Add(1)

	if c.durable == nil {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Debug("Value not encodable, cached in memory only")
		return nil
	}

	if err := c.durable.Put(ctx, &models.CacheEntry{
		Key:            key,
		Data:           data,
		ExpiresAt:      expiresAt,
		LastAccessedAt: now,
		CreatedAt:      now,
	}); err != nil {
		c.stats.durableErrors.Add(1)
		c.logger.WithError(err).WithField("key", key).Warn("Durable cache write failed, cached in memory only")
	}
	return nil
}

// resolveExpiry is the single expiry computation shared by both tiers
func resolveExpiry(now time.Time, ttl time.Duration, s models.Settings) time.Time {
	if ttl <= 0 {
		ttl = time.Duration(s.CacheTTLMinutes) * time.Minute
	}
	return now.Add(ttl)
}

// Invalidate removes every key containing pattern from both tiers and
// returns the larger of the two tier counts. Memory removal is complete
// when it returns even if the durable deletion failed.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		return 0, models.ErrInvalidInput
	}

	var durableCount int64
	if c.durable != nil {
		n, err := c.durable.DeleteMatching(ctx, pattern)
		if err != nil {
			c.stats.durableErrors.Add(1)
			c.logger.WithError(err).WithField("pattern", pattern).Warn("Durable cache invalidation failed")
		} else {
			durableCount = n
		}
	}

	c.invalidateMu.Lock()
	c.generation.Add(1)
	memCount := 0
	c.mem.Range(func(key string, _ *memEntry) bool {
		if strings.Contains(key, pattern) {
			c.mem.Delete(key)
			memCount++
		}
		return true
	})
	c.invalidateMu.Unlock()

	c.stats.invalidations.Add(1)
	c.logger.WithFields(logrus.Fields{
		"pattern": pattern,
		"memory":  memCount,
		"durable": durableCount,
	}).Debug("Cache invalidated")

	if int64(memCount) > durableCount {
		return memCount, nil
	}
	return int(durableCount), nil
}

// Peek returns a snapshot of the in-memory entry without counting an access
func (c *Cache) Peek(key string) (*models.CacheEntry, bool) {
	e, ok := c.mem.Load(key)
	if !ok {
		return nil, false
	}
	entry := &models.CacheEntry{
		Key:            key,
		ExpiresAt:      e.expiresAt,
		AccessCount:    e.accessCount.Load(),
		LastAccessedAt: time.Unix(0, e.lastAccess.Load()).UTC(),
		CreatedAt:      e.createdAt,
	}
	if raw, ok := e.value.(json.RawMessage); ok {
		entry.Data = raw
	} else if data, err := json.Marshal(e.value); err == nil {
		entry.Data = data
	}
	return entry, true
}

// Sweep removes expired memory entries one key at a time and, when
// configured, purges expired durable rows. It returns the memory count.
func (c *Cache) Sweep(ctx context.Context) int {
	now := c.clock.Now()
	removed := 0

	c.mem.Range(func(key string, e *memEntry) bool {
		if now.Before(e.expiresAt) {
			return true
		}
		c.mem.Compute(key, func(old *memEntry, loaded bool) (*memEntry, bool) {
			if loaded && !now.Before(old.expiresAt) {
				removed++
				return nil, true
			}
			return old, !loaded
		})
		return true
	})
	c.stats.swept.Add(int64(removed))

	if c.opts.SweepDurable && c.durable != nil {
		n, err := c.durable.DeleteExpired(ctx, now)
		if err != nil {
			c.stats.durableErrors.Add(1)
			c.logger.WithError(err).Warn("Durable cache sweep failed")
		} else if n > 0 {
			c.logger.WithField("rows", n).Debug("Purged expired durable cache rows")
		}
	}

	return removed
}

// Start runs the periodic sweep until Stop is called
func (c *Cache) Start() {
	c.startOnce.Do(func() {
		go func() {
			defer close(c.done)
			ticker := time.NewTicker(c.opts.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if n := c.Sweep(context.Background()); n > 0 {
						c.logger.WithField("entries", n).Debug("Swept expired cache entries")
					}
				case <-c.stopCh:
					return
				}
			}
		}()
	})
}

// Stop ends the periodic sweep and waits for it to exit
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	started := true
	c.startOnce.Do(func() {
		started = false
		close(c.done)
	})
	if started {
		<-c.done
	}
}

// Stats returns cache counters
func (c *Cache) Stats() models.CacheStats {
	return models.CacheStats{
		Entries:        c.mem.Size(),
		MemoryHits:     c.stats.memoryHits.Load(),
		DurableHits:    c.stats.durableHits.Load(),
		Misses:         c.stats.misses.Load(),
		Sets:           c.stats.sets.Load(),
		DurableErrors:  c.stats.durableErrors.Load(),
		Invalidations:  c.stats.invalidations.Load(),
		SweptEntries:   c.stats.swept.Load(),
		DroppedPromote: c.stats.droppedPromote.Load(),
	}
}

// GetAs fetches key and converts it to T. Values promoted from the durable
// tier arrive as JSON and are decoded; a value that cannot be decoded is
// reported as a miss.
func GetAs[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var zero T

	v, ok := c.Get(ctx, key)
	if !ok {
		return zero, false
	}
	if typed, ok := v.(T); ok {
		return typed, true
	}

	raw, ok := v.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(v)
		if err != nil {
			return zero, false
		}
		raw = data
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		c.logger.WithError(err).WithField("key", key).Debug("Cached value has unexpected shape")
		return zero, false
	}
	return out, true
}
