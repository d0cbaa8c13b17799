// Package search executes structured queries against the search index:
// filtering, relevance ranking, highlights, facets and result caching.
package search

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/fabienpiette/speedlayer/internal/cache"
	"github.com/fabienpiette/speedlayer/internal/clock"
	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/monitoring"
	"github.com/fabienpiette/speedlayer/internal/repositories"
	"github.com/fabienpiette/speedlayer/internal/settings"
)

// Options bounds query execution
type Options struct {
	DefaultLimit int
	MaxLimit     int
	FacetLimit   int
	// CandidateLimit is the batch size used to page through index candidates
	CandidateLimit int
}

// DefaultOptions returns the query defaults
func DefaultOptions() Options {
	return Options{
		DefaultLimit:   20,
		MaxLimit:       100,
		FacetLimit:     10,
		CandidateLimit: 5000,
	}
}

// Service is the query executor and ranker. It only reads the index.
type Service struct {
	index    repositories.IndexRepository
	cache    *cache.Cache
	settings settings.Source
	metrics  monitoring.Sink
	clock    clock.Clock
	logger   *logrus.Logger
	opts     Options

	group singleflight.Group
}

// NewService creates a search service
func NewService(
	index repositories.IndexRepository,
	c *cache.Cache,
	source settings.Source,
	metrics monitoring.Sink,
	clk clock.Clock,
	logger *logrus.Logger,
	opts Options,
) *Service {
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
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = defaults.DefaultLimit
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = defaults.MaxLimit
	}
	if opts.FacetLimit <= 0 {
		opts.FacetLimit = defaults.FacetLimit
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = defaults.CandidateLimit
	}

	return &Service{
		index:    index,
		cache:    c,
		settings: source,
		metrics:  metrics,
		clock:    clk,
		logger:   logger,
		opts:     opts,
	}
}

// Search runs q. Malformed queries are rejected with an error wrapping
// models.ErrInvalidInput; a durable tier failure yields an empty response
// marked Degraded instead of an error.
func (s *Service) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := s.clock.Now()

	p, key, err := s.prepare(q)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if cached, ok := cache.GetAs[*models.SearchResponse](ctx, s.cache, key); ok && cached != nil {
			resp := *cached
			resp.Cached = true
			resp.DurationMS = s.since(start)
			s.record(p, &resp, true)
			return &resp, nil
		}
	}

	// concurrent misses for one key share a single execution, which must
	// not be cut short by whichever caller happened to start it
	v, _, _ := s.group.Do(key, func() (interface{}, error) {
		return s.execute(context.WithoutCancel(ctx), p, key, start), nil
	})
	shared := v.(*models.SearchResponse)

	resp := *shared
	resp.DurationMS = s.since(start)
	s.record(p, &resp, false)
	return &resp, nil
}

// Key returns the cache key q resolves to. Queries that differ only in case,
// whitespace or defaulted fields share a key. A nil q is the empty query.
func (s *Service) Key(q *models.SearchQuery) (string, error) {
	_, key, err := s.prepare(q)
	return key, err
}

func (s *Service) prepare(q *models.SearchQuery) (*plan, string, error) {
	if q == nil {
		q = &models.SearchQuery{}
	}
	p, err := normalize(q, s.opts)
	if err != nil {
		return nil, "", err
	}
	key, err := cacheKey(p.query)
	if err != nil {
		return nil, "", fmt.Errorf("%v: %w", err, models.ErrInvalidInput)
	}
	return p, key, nil
}

// execute computes a response and stores it in the cache
func (s *Service) execute(ctx context.Context, p *plan, key string, start time.Time) *models.SearchResponse {
	matched, err := s.scan(ctx, p)
	if err != nil {
		s.logger.WithError(err).WithField("query", p.query.Text).Warn("Search index unavailable, returning degraded response")
		resp := models.EmptySearchResponse(p.query)
		resp.Degraded = true
		return resp
	}

	sortMatches(matched, p.query.Sort)

	resp := models.EmptySearchResponse(p.query)
	resp.Total = len(matched)
	resp.Facets = buildFacets(matched, s.opts.FacetLimit)

	from := p.query.Offset
	if from > len(matched) {
		from = len(matched)
	}
	to := from + p.query.Limit
	if to > len(matched) {
		to = len(matched)
	}
	for _, m := range matched[from:to] {
		resp.Results = append(resp.Results, toResult(m, p.words))
	}
	resp.DurationMS = s.since(start)

	if s.cache != nil {
		ttl := time.Duration(s.settings.Current(ctx).SearchTTLMinutes) * time.Minute
		if err := s.cache.Set(ctx, key, resp, ttl); err != nil {
			s.logger.WithError(err).Debug("Failed to cache search response")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"query":   p.query.Text,
		"total":   resp.Total,
		"results": len(resp.Results),
	}).Debug("Search executed")
	return resp
}

// scan reads candidates in CandidateLimit sized batches until the index is
// exhausted, keeping the ones that pass the filters and score
func (s *Service) scan(ctx context.Context, p *plan) ([]scored, error) {
	var matched []scored
	for offset := 0; ; offset += s.opts.CandidateLimit {
		batch, err := s.index.Candidates(ctx, repositories.CandidateFilter{
			EntityTypes: p.entityTypes,
			Words:       p.words,
			Limit:       s.opts.CandidateLimit,
			Offset:      offset,
		})
		if err != nil {
			return nil, err
		}

		for _, entry := range batch {
			if !p.matches(entry) {
				continue
			}
			score := Score(entry, p.query.Text, p.words)
			if p.query.Text != "" && score <= 0 {
				continue
			}
			matched = append(matched, scored{entry: entry, score: score})
		}

		if len(batch) < s.opts.CandidateLimit {
			return matched, nil
		}
	}
}

func (s *Service) record(p *plan, resp *models.SearchResponse, hit bool) {
	s.metrics.Record(models.PerformanceMetric{
		Operation:     monitoring.OpSearch,
		DurationMS:    resp.DurationMS,
		CacheHit:      hit,
		ErrorOccurred: resp.Degraded,
		Timestamp:     s.clock.Now(),
		Metadata: map[string]interface{}{
			"query":   p.query.Text,
			"total":   resp.Total,
			"filters": len(p.query.Filters),
		},
	})
}

func (s *Service) since(start time.Time) int64 {
	return s.clock.Now().Sub(start).Milliseconds()
}
