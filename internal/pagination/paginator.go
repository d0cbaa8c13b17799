// Package pagination serves offset pages of any allow-listed collection
// through the cache and prefetches the following page in the background.
package pagination

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/fabienpiette/speedlayer/internal/cache"
	"github.com/fabienpiette/speedlayer/internal/clock"
	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/monitoring"
	"github.com/fabienpiette/speedlayer/internal/settings"
	"github.com/fabienpiette/speedlayer/internal/store"
	"github.com/fabienpiette/speedlayer/internal/workers"
)

// KeyPrefix starts every cached page key
const KeyPrefix = "page:"

// Filter operators are written as a suffix of the filter name, for example
// "amount__gte"
var filterOps = map[string]func(column string, value interface{}) store.Filter{
	"gt":  store.Gt,
	"gte": store.Gte,
	"lt":  store.Lt,
	"lte": store.Lte,
	"contains": func(column string, value interface{}) store.Filter {
		return store.Contains(column, fmt.Sprint(value))
	},
}

// Options bounds pagination and prefetch
type Options struct {
	MaxPageSize       int
	Collections       []string
	PrefetchPerSecond float64
	PrefetchBurst     int
	PrefetchWait      time.Duration
}

// DefaultOptions returns the paginator defaults
func DefaultOptions() Options {
	return Options{
		MaxPageSize:       100,
		Collections:       []string{"requests", "items", "users", "categories"},
		PrefetchPerSecond: 10,
		PrefetchBurst:     5,
		PrefetchWait:      5 * time.Second,
	}
}

// Paginator reads pages through the cache
type Paginator struct {
	store       store.Client
	cache       *cache.Cache
	settings    settings.Source
	pool        *workers.Pool
	limiter     *rate.Limiter
	metrics     monitoring.Sink
	clock       clock.Clock
	logger      *logrus.Logger
	opts        Options
	collections map[string]struct{}

	group singleflight.Group
}

// New creates a paginator. pool may be nil to disable prefetch.
func New(
	client store.Client,
	c *cache.Cache,
	source settings.Source,
	pool *workers.Pool,
	metrics monitoring.Sink,
	clk clock.Clock,
	logger *logrus.Logger,
	opts Options,
) *Paginator {
	if metrics == nil {
		metrics = monitoring.Discard{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	defaults := DefaultOptions()
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = defaults.MaxPageSize
	}
	if len(opts.Collections) == 0 {
		opts.Collections = defaults.Collections
	}
	if opts.PrefetchPerSecond <= 0 {
		opts.PrefetchPerSecond = defaults.PrefetchPerSecond
	}
	if opts.PrefetchBurst <= 0 {
		opts.PrefetchBurst = defaults.PrefetchBurst
	}
	if opts.PrefetchWait <= 0 {
		opts.PrefetchWait = defaults.PrefetchWait
	}

	collections := make(map[string]struct{}, len(opts.Collections))
	for _, name := range opts.Collections {
		collections[name] = struct{}{}
	}

	return &Paginator{
		store:       client,
		cache:       c,
		settings:    source,
		pool:        pool,
		limiter:     rate.NewLimiter(rate.Limit(opts.PrefetchPerSecond), opts.PrefetchBurst),
		metrics:     metrics,
		clock:       clk,
		logger:      logger,
		opts:        opts,
		collections: collections,
	}
}

// pageQuery is a validated request
type pageQuery struct {
	req     models.PageRequest
	filters []store.Filter
	order   []store.Order
	scope   string
}

// Paginate returns one page of req.Collection. Invalid parameters wrap
// models.ErrInvalidInput; a durable tier failure yields an empty, Degraded
// result.
func (p *Paginator) Paginate(ctx context.Context, req *models.PageRequest) (*models.PageResult, error) {
	start := p.clock.Now()
	s := p.settings.Current(ctx)

	q, err := p.validate(req, s.PageSize)
	if err != nil {
		return nil, err
	}
	key := q.key(q.req.Page)

	if p.cache != nil {
		if cached, ok := cache.GetAs[*models.PageResult](ctx, p.cache, key); ok && cached != nil {
			res := *cached
			res.Cached = true
			p.record(monitoring.OpPaginate, q, q.req.Page, start, true, false)
			p.maybePrefetch(q, res.Pagination, s)
			return &res, nil
		}
	}

	res := p.load(ctx, q, q.req.Page, key)
	p.record(monitoring.OpPaginate, q, q.req.Page, start, false, res.Degraded)
	if !res.Degraded {
		p.maybePrefetch(q, res.Pagination, s)
	}

	out := *res
	return &out, nil
}

// load reads one page from the store, sharing concurrent reads of the same
// key, and caches the result unless it is degraded
func (p *Paginator) load(ctx context.Context, q *pageQuery, page int, key string) *models.PageResult {
	v, _, _ := p.group.Do(key, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)
		size := q.req.PageSize

		res, err := p.store.Read(ctx, q.req.Collection, store.ReadOptions{
			Filters:    q.filters,
			Order:      q.order,
			Limit:      size,
			Offset:     (page - 1) * size,
			CountTotal: true,
		})
		if err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"collection": q.req.Collection,
				"page":       page,
			}).Warn("Page read failed, returning degraded result")
			return &models.PageResult{
				Data:       []map[string]interface{}{},
				Pagination: models.NewPagination(page, size, 0),
				Degraded:   true,
			}, nil
		}

		data := make([]map[string]interface{}, 0, len(res.Rows))
		for _, row := range res.Rows {
			data = append(data, map[string]interface{}(row))
		}
		result := &models.PageResult{
			Data:       data,
			Pagination: models.NewPagination(page, size, res.Total),
		}

		if p.cache != nil {
			ttl := time.Duration(p.settings.Current(ctx).CacheTTLMinutes) * time.Minute
			if err := p.cache.Set(ctx, key, result, ttl); err != nil {
				p.logger.WithError(err).Debug("Failed to cache page")
			}
		}
		return result, nil
	})
	return v.(*models.PageResult)
}

// maybePrefetch fills the next page in the background when it is not
// already cached
func (p *Paginator) maybePrefetch(q *pageQuery, current models.Pagination, s models.Settings) {
	if p.pool == nil || p.cache == nil || !s.PrefetchEnabled || !s.CacheEnabled || !current.HasNext {
		return
	}

	next := current.Page + 1
	key := q.key(next)
	if p.cached(key) {
		return
	}

	submitted := p.pool.Submit("pagination.prefetch", func(ctx context.Context) {
		waitCtx, cancel := context.WithTimeout(ctx, p.opts.PrefetchWait)
		defer cancel()
		if err := p.limiter.Wait(waitCtx); err != nil {
			p.logger.WithFields(logrus.Fields{
				"collection": q.req.Collection,
				"page":       next,
			}).Debug("Prefetch skipped, rate limit wait expired")
			return
		}
		if p.cached(key) {
			return
		}

		start := p.clock.Now()
		res := p.load(ctx, q, next, key)
		p.record(monitoring.OpPrefetch, q, next, start, false, res.Degraded)
	})
	if !submitted {
		p.logger.WithField("collection", q.req.Collection).Debug("Prefetch dropped, worker queue full")
	}
}

func (p *Paginator) cached(key string) bool {
	entry, ok := p.cache.Peek(key)
	return ok && !entry.IsExpired(p.clock.Now())
}

func (p *Paginator) validate(req *models.PageRequest, defaultSize int) (*pageQuery, error) {
	if req == nil {
		return nil, fmt.Errorf("page request is required: %w", models.ErrInvalidInput)
	}
	var verrs models.ValidationErrors

	q := &pageQuery{req: *req}
	if _, ok := p.collections[req.Collection]; !ok || !store.ValidIdentifier(req.Collection) {
		verrs.Add("collection", "unknown", fmt.Sprintf("%q is not a paginated collection", req.Collection))
	}
	if req.Page < 1 {
		verrs.Add("page", "out_of_range", "must be at least 1")
	}
	switch {
	case req.PageSize == 0:
		q.req.PageSize = defaultSize
		if q.req.PageSize > p.opts.MaxPageSize {
			q.req.PageSize = p.opts.MaxPageSize
		}
	case req.PageSize < 0 || req.PageSize > p.opts.MaxPageSize:
		verrs.Add("page_size", "out_of_range", fmt.Sprintf("must be between 1 and %d", p.opts.MaxPageSize))
	}

	for name, value := range req.Filters {
		f, err := buildFilter(name, value)
		if err != nil {
			verrs.Add("filters."+name, "invalid", err.Error())
			continue
		}
		q.filters = append(q.filters, f)
	}

	hasID := false
	for _, o := range req.OrderBy {
		if !store.ValidIdentifier(o.Field) {
			verrs.Add("order_by", "invalid", fmt.Sprintf("%q is not a column name", o.Field))
			continue
		}
		q.order = append(q.order, store.Order{Column: o.Field, Desc: o.Desc})
		hasID = hasID || o.Field == "id"
	}
	// id keeps pages stable when the requested order has ties
	if !hasID {
		q.order = append(q.order, store.Order{Column: "id"})
	}

	if err := verrs.Err(); err != nil {
		return nil, err
	}

	scope, err := scopeDigest(q.req)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, models.ErrInvalidInput)
	}
	q.scope = scope
	return q, nil
}

func buildFilter(name string, value interface{}) (store.Filter, error) {
	column, op := name, ""
	if i := strings.LastIndex(name, "__"); i > 0 {
		column, op = name[:i], name[i+2:]
	}
	if !store.ValidIdentifier(column) {
		return store.Filter{}, fmt.Errorf("%q is not a column name", column)
	}

	if op != "" {
		build, ok := filterOps[op]
		if !ok {
			return store.Filter{}, fmt.Errorf("unknown operator %q", op)
		}
		return build(column, value), nil
	}

	if values, ok := value.([]interface{}); ok {
		if len(values) == 0 {
			return store.Filter{}, fmt.Errorf("must not be an empty list")
		}
		group := make([]store.Filter, 0, len(values))
		for _, v := range values {
			group = append(group, store.Eq(column, v))
		}
		return store.AnyOf(group...), nil
	}
	return store.Eq(column, value), nil
}

// scopeDigest identifies the filter and order part of a request
func scopeDigest(req models.PageRequest) (string, error) {
	canonical, err := json.Marshal(struct {
		Filters map[string]interface{} `json:"filters"`
		OrderBy []models.OrderBy       `json:"order_by"`
	}{req.Filters, req.OrderBy})
	if err != nil {
		return "", fmt.Errorf("encode page scope: %w", err)
	}
	sum := blake2b.Sum256(canonical)
	return hex.EncodeToString(sum[:16]), nil
}

func (q *pageQuery) key(page int) string {
	return KeyPrefix + q.req.Collection + ":" + q.scope + ":" + strconv.Itoa(page) + ":" + strconv.Itoa(q.req.PageSize)
}

// CollectionPattern returns the invalidation pattern covering every cached
// page of collection
func CollectionPattern(collection string) string {
	return KeyPrefix + collection + ":"
}

func (p *Paginator) record(op string, q *pageQuery, page int, start time.Time, hit, degraded bool) {
	p.metrics.Record(models.PerformanceMetric{
		Operation:     op,
		DurationMS:    p.clock.Now().Sub(start).Milliseconds(),
		CacheHit:      hit,
		ErrorOccurred: degraded,
		Timestamp:     p.clock.Now(),
		Metadata: map[string]interface{}{
			"collection": q.req.Collection,
			"page":       page,
			"page_size":  q.req.PageSize,
		},
	})
}
