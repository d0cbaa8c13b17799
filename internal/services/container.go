package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/speedlayer/internal/cache"
	"github.com/fabienpiette/speedlayer/internal/clock"
	"github.com/fabienpiette/speedlayer/internal/config"
	"github.com/fabienpiette/speedlayer/internal/database"
	"github.com/fabienpiette/speedlayer/internal/debounce"
	"github.com/fabienpiette/speedlayer/internal/indexer"
	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/monitoring"
	"github.com/fabienpiette/speedlayer/internal/pagination"
	"github.com/fabienpiette/speedlayer/internal/redis"
	"github.com/fabienpiette/speedlayer/internal/repositories"
	"github.com/fabienpiette/speedlayer/internal/search"
	"github.com/fabienpiette/speedlayer/internal/settings"
	"github.com/fabienpiette/speedlayer/internal/store"
	"github.com/fabienpiette/speedlayer/internal/workers"
)

// debounceLatestKey is the debounce slot used by DebouncedSearchLatest. It
// never collides with a query key, which is a hex digest.
const debounceLatestKey = "search:latest"

// pruneInterval is how often old performance metrics are deleted
const pruneInterval = time.Hour

// SearchCallback receives the outcome of a debounced search
type SearchCallback func(*models.SearchResponse, error)

// Option customizes a Container
type Option func(*Container)

// WithClock replaces the wall clock, for TTL tests
func WithClock(clk clock.Clock) Option {
	return func(c *Container) { c.clock = clk }
}

// WithRedis uses an already connected Redis client for the durable cache
// tier instead of dialing cfg.Redis
func WithRedis(client *redis.Client) Option {
	return func(c *Container) { c.redisClient = client }
}

// Container holds all the application services and manages their lifecycle
type Container struct {
	// Configuration
	config *config.Config
	logger *logrus.Logger
	clock  clock.Clock

	// Infrastructure
	db          *database.DB
	redisClient *redis.Client
	ownsRedis   bool
	store       store.Client
	registry    *prometheus.Registry

	// Repositories
	cacheRepo    repositories.CacheRepository
	indexRepo    repositories.IndexRepository
	metricsRepo  repositories.MetricsRepository
	settingsRepo repositories.SettingsRepository

	// Core services
	settings   *settings.Provider
	pool       *workers.Pool
	cache      *cache.Cache
	indexer    *indexer.Indexer
	search     *search.Service
	debouncer  *debounce.Coordinator
	paginator  *pagination.Paginator
	collectors *monitoring.Collectors
	recorder   *monitoring.Recorder
	sink       monitoring.Sink

	// WebSocket hub for search-as-you-type
	hub *SearchHub

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
	stopped  bool
}

// NewContainer opens the durable tier and constructs every component. Nothing
// runs in the background until Start is called.
func NewContainer(cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required: %w", models.ErrInvalidInput)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	container := &Container{
		config:   cfg,
		logger:   logger,
		clock:    clock.Real{},
		registry: prometheus.NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(container)
	}

	if err := container.initializeInfrastructure(ctx); err != nil {
		container.closeInfrastructure()
		cancel()
		return nil, err
	}
	container.initializeRepositories()
	if err := container.initializeCoreServices(); err != nil {
		container.closeInfrastructure()
		cancel()
		return nil, err
	}
	container.hub = NewSearchHub(container, logger)

	return container, nil
}

func (c *Container) initializeInfrastructure(ctx context.Context) error {
	db, err := database.Initialize(c.config.Database.Path, database.Options{
		MaxOpenConns:  c.config.Database.MaxOpenConns,
		MaxIdleConns:  c.config.Database.MaxIdleConns,
		BusyTimeoutMS: c.config.Database.BusyTimeoutMS,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	c.db = db
	c.store = store.NewSQLClient(db.DB, c.config.Database.Timeout(), c.logger)

	if c.config.Cache.Backend == config.CacheBackendRedis && c.redisClient == nil {
		client, err := redis.Initialize(ctx, c.config.Redis, c.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize redis cache backend: %w", err)
		}
		c.redisClient = client
		c.ownsRedis = true
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return nil
}

func (c *Container) initializeRepositories() {
	if c.config.Cache.Backend == config.CacheBackendRedis {
		c.cacheRepo = repositories.NewRedisCacheRepository(c.redisClient, c.clock.Now)
	} else {
		c.cacheRepo = repositories.NewCacheRepository(c.store)
	}
	c.indexRepo = repositories.NewIndexRepository(c.store)
	c.metricsRepo = repositories.NewMetricsRepository(c.store)
	c.settingsRepo = repositories.NewSettingsRepository(c.store)

	c.logger.WithField("cache_backend", c.config.Cache.Backend).Info("Repositories initialized")
}

func (c *Container) initializeCoreServices() error {
	cfg := c.config

	c.settings = settings.NewProvider(
		c.settingsRepo,
		settings.DefaultsFromConfig(cfg),
		time.Duration(cfg.Settings.RefreshSeconds)*time.Second,
		c.clock,
		c.logger,
	)

	pool, err := workers.NewPool(cfg.Workers.PoolSize, cfg.Workers.QueueSize, c.logger)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	c.pool = pool

	c.collectors = monitoring.NewCollectors(c.registry)
	c.recorder = monitoring.NewRecorder(c.metricsRepo, c.pool, c.collectors, c.clock, c.logger, monitoring.Options{
		Persist:       cfg.Metrics.Enabled,
		SlowThreshold: time.Duration(cfg.Metrics.SlowOperationMS) * time.Millisecond,
		Retention:     time.Duration(cfg.Metrics.RetentionDays) * 24 * time.Hour,
	})
	c.sink = c.recorder
	if !cfg.Metrics.Enabled {
		c.sink = monitoring.Discard{}
	}

	c.cache = cache.New(c.cacheRepo, c.settings, c.pool, c.clock, c.logger, cache.Options{
		SweepInterval: cfg.Cache.SweepInterval(),
		SweepDurable:  cfg.Cache.SweepDurable,
	})
	c.collectors.ObserveCache(c.cache.Stats)
	c.collectors.ObservePool(c.pool.Stats)

	c.indexer = indexer.New(c.store, c.indexRepo, c.clock, c.logger, indexer.Options{
		BatchSize: cfg.Search.ReindexBatchSize,
		Parallel:  cfg.Search.ReindexParallel,
	})

	c.search = search.NewService(c.indexRepo, c.cache, c.settings, c.sink, c.clock, c.logger, search.Options{
		DefaultLimit:   cfg.Search.DefaultLimit,
		MaxLimit:       cfg.Search.MaxLimit,
		FacetLimit:     cfg.Search.FacetLimit,
		CandidateLimit: cfg.Search.CandidateLimit,
	})

	c.debouncer = debounce.New(c.logger)

	c.paginator = pagination.New(c.store, c.cache, c.settings, c.pool, c.sink, c.clock, c.logger, pagination.Options{
		MaxPageSize:       cfg.Pagination.MaxPageSize,
		Collections:       cfg.Pagination.Collections,
		PrefetchPerSecond: cfg.Pagination.PrefetchPerSecond,
		PrefetchBurst:     cfg.Pagination.PrefetchBurst,
		PrefetchWait:      time.Duration(cfg.Pagination.PrefetchWaitSeconds) * time.Second,
	})

	c.logger.Info("Core services initialized")
	return nil
}

// Start starts all background services
func (c *Container) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.stopped {
		return
	}
	c.started = true

	c.logger.Info("Starting service container")

	c.pool.Start()
	c.cache.Start()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.hub.Start()
	}()

	if c.config.Metrics.Enabled && c.config.Metrics.RetentionDays > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.pruneRoutine()
		}()
	}

	c.logger.Info("Service container started successfully")
}

// Stop gracefully stops all services. Queued background work is drained
// until ctx expires. Calling Stop more than once is a no-op.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil
	}
	c.stopped = true

	c.logger.Info("Stopping service container")

	// Signal all services to stop
	close(c.stopChan)
	c.hub.Stop()
	c.cancel()
	c.debouncer.Stop()
	c.cache.Stop()
	c.wg.Wait()

	var errs []error
	if err := c.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("worker pool: %w", err))
	}
	if err := c.closeInfrastructure(); err != nil {
		errs = append(errs, err)
	}

	c.logger.Info("Service container stopped")
	return errors.Join(errs...)
}

func (c *Container) closeInfrastructure() error {
	var errs []error
	if c.redisClient != nil && c.ownsRedis {
		if err := c.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Container) pruneRoutine() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.recorder.Prune(c.ctx); err != nil {
				c.logger.WithError(err).Warn("Metric retention pass failed")
			}
		case <-c.stopChan:
			return
		}
	}
}

// CacheGet reads a cached value from either tier
func (c *Container) CacheGet(ctx context.Context, key string) (interface{}, bool) {
	start := c.clock.Now()
	value, ok := c.cache.Get(ctx, key)
	c.record(monitoring.OpCacheGet, start, ok, false, logrus.Fields{"key": key})
	return value, ok
}

// CacheSet stores value under key in both tiers. ttl <= 0 uses the
// configured default.
func (c *Container) CacheSet(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.cache.Set(ctx, key, value, ttl)
}

// Invalidate removes every cached key containing pattern
func (c *Container) Invalidate(ctx context.Context, pattern string) (int, error) {
	start := c.clock.Now()
	n, err := c.cache.Invalidate(ctx, pattern)
	c.record(monitoring.OpInvalidate, start, false, err != nil, logrus.Fields{"pattern": pattern, "removed": n})
	return n, err
}

// IndexEntity rebuilds the index entry of one record and drops cached search
// results and pages of its collection. When the source row no longer exists
// any stale entry is removed and an error wrapping models.ErrNotFound is
// returned.
func (c *Container) IndexEntity(ctx context.Context, entityType models.EntityType, entityID string) error {
	start := c.clock.Now()
	err := c.indexer.Index(ctx, entityType, entityID)
	if errors.Is(err, models.ErrNotFound) {
		if _, rmErr := c.indexer.Remove(ctx, entityType, entityID); rmErr != nil {
			c.logger.WithError(rmErr).WithFields(logrus.Fields{
				"entity_type": entityType,
				"entity_id":   entityID,
			}).Warn("Failed to drop stale index entry")
		}
	}
	failed := err != nil && !errors.Is(err, models.ErrNotFound)
	c.record(monitoring.OpIndex, start, false, failed, logrus.Fields{
		"entity_type": string(entityType),
		"entity_id":   entityID,
	})
	if failed {
		return err
	}

	c.invalidateDerived(ctx, entityType)
	return err
}

// RemoveEntity deletes the index entry of one record
func (c *Container) RemoveEntity(ctx context.Context, entityType models.EntityType, entityID string) (bool, error) {
	removed, err := c.indexer.Remove(ctx, entityType, entityID)
	if err != nil {
		return false, err
	}
	if removed {
		c.invalidateDerived(ctx, entityType)
	}
	return removed, nil
}

// Reindex rebuilds the index for the given entity types, or all of them
func (c *Container) Reindex(ctx context.Context, types ...models.EntityType) (map[models.EntityType]int, error) {
	counts, err := c.indexer.ReindexAll(ctx, types...)
	if err != nil {
		return counts, err
	}
	if _, err := c.cache.Invalidate(ctx, search.KeyPrefix); err != nil {
		c.logger.WithError(err).Warn("Failed to drop cached search results after reindex")
	}
	return counts, nil
}

// invalidateDerived drops cached search results and cached pages of the
// collection backing entityType
func (c *Container) invalidateDerived(ctx context.Context, entityType models.EntityType) {
	if _, err := c.cache.Invalidate(ctx, search.KeyPrefix); err != nil {
		c.logger.WithError(err).Warn("Failed to drop cached search results")
	}
	table, err := c.indexer.Table(entityType)
	if err != nil {
		return
	}
	if _, err := c.cache.Invalidate(ctx, pagination.CollectionPattern(table)); err != nil {
		c.logger.WithError(err).WithField("collection", table).Warn("Failed to drop cached pages")
	}
}

// Search executes a structured query
func (c *Container) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	return c.search.Search(ctx, q)
}

// DebouncedSearch schedules q for callerID, superseding a pending search of
// the same query the caller scheduled less than delay ago. Distinct queries
// run independently. callback receives the outcome; delay 0 uses the
// debounce_ms setting. It returns false when nothing was scheduled: either
// the container is stopping or q is invalid, in which case callback gets the
// validation error right away.
func (c *Container) DebouncedSearch(callerID string, q *models.SearchQuery, callback SearchCallback, delay time.Duration) bool {
	key, err := c.search.Key(q)
	if err != nil {
		if callback != nil {
			callback(nil, err)
		}
		return false
	}
	return c.debounceSearch(callerID, key, q, callback, delay)
}

// DebouncedSearchLatest is the search-as-you-type form of DebouncedSearch:
// any query the caller scheduled less than delay ago is superseded, so only
// the last query of a burst runs.
func (c *Container) DebouncedSearchLatest(callerID string, q *models.SearchQuery, callback SearchCallback, delay time.Duration) bool {
	return c.debounceSearch(callerID, debounceLatestKey, q, callback, delay)
}

func (c *Container) debounceSearch(callerID, key string, q *models.SearchQuery, callback SearchCallback, delay time.Duration) bool {
	if delay <= 0 {
		delay = time.Duration(c.settings.Current(c.ctx).DebounceMS) * time.Millisecond
	}
	var query models.SearchQuery
	if q != nil {
		query = *q
	}
	return c.debouncer.Schedule(callerID, key, delay, func() {
		resp, err := c.search.Search(c.ctx, &query)
		if callback != nil {
			callback(resp, err)
		}
	})
}

// CancelSearches drops every pending debounced search of callerID
func (c *Container) CancelSearches(callerID string) int {
	return c.debouncer.CancelCaller(callerID)
}

// Paginate returns one page of a collection
func (c *Container) Paginate(ctx context.Context, req *models.PageRequest) (*models.PageResult, error) {
	return c.paginator.Paginate(ctx, req)
}

// GetAnalytics summarizes the persisted metrics of the last days days
func (c *Container) GetAnalytics(ctx context.Context, days int) (*models.Analytics, error) {
	return c.recorder.Analytics(ctx, days)
}

// GetSettings returns the active runtime settings
func (c *Container) GetSettings(ctx context.Context) models.Settings {
	return c.settings.Current(ctx)
}

// UpdateSettings validates and stores settings given as key/value strings
func (c *Container) UpdateSettings(ctx context.Context, values map[string]string) (models.Settings, error) {
	return c.settings.Update(ctx, values)
}

// SweepDurable purges expired durable cache rows
func (c *Container) SweepDurable(ctx context.Context) (int64, error) {
	return c.cacheRepo.DeleteExpired(ctx, c.clock.Now())
}

func (c *Container) record(op string, start time.Time, hit, failed bool, fields logrus.Fields) {
	metadata := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		metadata[k] = v
	}
	c.sink.Record(models.PerformanceMetric{
		Operation:     op,
		DurationMS:    c.clock.Now().Sub(start).Milliseconds(),
		CacheHit:      hit,
		ErrorOccurred: failed,
		Timestamp:     start,
		Metadata:      metadata,
	})
}

// Getters for services

// Config returns the static configuration
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the shared logger
func (c *Container) Logger() *logrus.Logger {
	return c.logger
}

// DB returns the database connection
func (c *Container) DB() *database.DB {
	return c.db
}

// Registry returns the Prometheus registry the collectors live on
func (c *Container) Registry() *prometheus.Registry {
	return c.registry
}

// Hub returns the search stream hub
func (c *Container) Hub() *SearchHub {
	return c.hub
}

// Recorder returns the metrics recorder
func (c *Container) Recorder() *monitoring.Recorder {
	return c.recorder
}

// EntityTypes lists the indexable entity types
func (c *Container) EntityTypes() []models.EntityType {
	return c.indexer.Types()
}

// HealthCheck performs a health check on all services
func (c *Container) HealthCheck(ctx context.Context) map[string]interface{} {
	services := map[string]interface{}{}
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": c.clock.Now().UTC().Format(time.RFC3339),
		"services":  services,
	}

	// Check database
	if err := c.db.Health(); err != nil {
		services["database"] = map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		}
		health["status"] = "degraded"
	} else {
		services["database"] = map[string]interface{}{
			"status": "healthy",
		}
	}

	// Check Redis
	if c.redisClient != nil {
		if err := c.redisClient.Health(ctx); err != nil {
			services["redis"] = map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
			}
			health["status"] = "degraded"
		} else {
			services["redis"] = map[string]interface{}{
				"status": "healthy",
			}
		}
	}

	services["cache"] = map[string]interface{}{
		"status": "healthy",
		"stats":  c.cache.Stats(),
	}

	poolStats := c.pool.Stats()
	poolStatus := "healthy"
	if poolStats.Dropped > 0 {
		poolStatus = "saturated"
	}
	services["workers"] = map[string]interface{}{
		"status": poolStatus,
		"stats":  poolStats,
	}

	services["search_stream"] = map[string]interface{}{
		"status":  "healthy",
		"clients": c.hub.GetClientCount(),
		"pending": c.debouncer.Pending(),
	}

	return health
}
