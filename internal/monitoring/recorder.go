// Package monitoring records operation latency, cache outcome and errors,
// exports them to Prometheus and aggregates them for analytics.
package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/speedlayer/internal/clock"
	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/repositories"
	"github.com/fabienpiette/speedlayer/internal/workers"
)

// Operation names recorded by the acceleration layer
const (
	OpSearch     = "search"
	OpPaginate   = "paginate"
	OpPrefetch   = "prefetch"
	OpIndex      = "index"
	OpCacheGet   = "cache_get"
	OpInvalidate = "invalidate"
)

// SlowestOperationsLimit caps Analytics.SlowestOperations
const SlowestOperationsLimit = 10

// Sink receives operation outcomes. Implementations must not block.
type Sink interface {
	Record(metric models.PerformanceMetric)
}

// Discard is a Sink that drops everything
type Discard struct{}

// Record implements Sink
func (Discard) Record(models.PerformanceMetric) {}

// Options tunes the recorder
type Options struct {
	// Persist writes every metric to the metrics table
	Persist bool
	// SlowThreshold raises an alert for operations slower than this
	SlowThreshold time.Duration
	// Retention is how long persisted rows are kept by Prune
	Retention time.Duration
}

// OperationAggregate is the in-process summary of one operation name
type OperationAggregate struct {
	Count     int64         `json:"count"`
	TotalTime time.Duration `json:"total_time"`
	MinTime   time.Duration `json:"min_time"`
	MaxTime   time.Duration `json:"max_time"`
	Errors    int64         `json:"errors"`
	CacheHits int64         `json:"cache_hits"`
}

// AvgTime returns the mean duration
func (a OperationAggregate) AvgTime() time.Duration {
	if a.Count == 0 {
		return 0
	}
	return a.TotalTime / time.Duration(a.Count)
}

// Recorder is the metrics Sink used by the services
type Recorder struct {
	repo       repositories.MetricsRepository
	pool       *workers.Pool
	collectors *Collectors
	alerts     *AlertManager
	clock      clock.Clock
	logger     *logrus.Logger
	opts       Options

	mu         sync.Mutex
	operations map[string]*OperationAggregate
}

// NewRecorder creates a recorder. repo and pool may be nil, in which case
// metrics are only aggregated in process and exported to collectors.
func NewRecorder(repo repositories.MetricsRepository, pool *workers.Pool, collectors *Collectors, clk clock.Clock, logger *logrus.Logger, opts Options) *Recorder {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	alerts := NewAlertManager(logger)
	alerts.AddAlertHandler(LogAlertHandler{Logger: logger})

	return &Recorder{
		repo:       repo,
		pool:       pool,
		collectors: collectors,
		alerts:     alerts,
		clock:      clk,
		logger:     logger,
		opts:       opts,
		operations: make(map[string]*OperationAggregate),
	}
}

// Alerts returns the alert manager so callers can add handlers
func (r *Recorder) Alerts() *AlertManager {
	return r.alerts
}

// Record updates the in-process aggregates and collectors, then hands the
// row to the worker pool for persistence. It never blocks on I/O.
func (r *Recorder) Record(metric models.PerformanceMetric) {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = r.clock.Now()
	}
	took := time.Duration(metric.DurationMS) * time.Millisecond

	r.mu.Lock()
	agg, ok := r.operations[metric.Operation]
	if !ok {
		agg = &OperationAggregate{MinTime: took}
		r.operations[metric.Operation] = agg
	}
	agg.Count++
	agg.TotalTime += took
	if took < agg.MinTime {
		agg.MinTime = took
	}
	if took > agg.MaxTime {
		agg.MaxTime = took
	}
	if metric.ErrorOccurred {
		agg.Errors++
	}
	if metric.CacheHit {
		agg.CacheHits++
	}
	r.mu.Unlock()

	if r.collectors != nil {
		r.collectors.observe(&metric)
	}

	if r.opts.SlowThreshold > 0 && took > r.opts.SlowThreshold {
		r.alerts.TriggerAlert(slowOperationAlert(metric.Operation, took, r.opts.SlowThreshold, metric.Timestamp))
	}

	if !r.opts.Persist || r.repo == nil || r.pool == nil {
		return
	}

	repo := r.repo
	if !r.pool.Submit("metrics.persist", func(ctx context.Context) {
		if err := repo.Record(ctx, &metric); err != nil {
			r.logger.WithError(err).WithField("operation", metric.Operation).Warn("Failed to persist performance metric")
		}
	}) {
		r.logger.WithField("operation", metric.Operation).Debug("Metric persistence dropped, queue full")
	}
}

// Snapshot returns a copy of the in-process aggregates
func (r *Recorder) Snapshot() map[string]OperationAggregate {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]OperationAggregate, len(r.operations))
	for op, agg := range r.operations {
		out[op] = *agg
	}
	return out
}

// Analytics summarizes the persisted metrics of the last days days
func (r *Recorder) Analytics(ctx context.Context, days int) (*models.Analytics, error) {
	if days < 1 {
		return nil, fmt.Errorf("days must be at least 1: %w", models.ErrInvalidInput)
	}
	if r.repo == nil {
		return nil, fmt.Errorf("metrics are not persisted: %w", models.ErrServiceUnavailable)
	}

	since := r.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	rows, err := r.repo.Since(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics: %w", err)
	}
	return Summarize(days, rows), nil
}

// Summarize computes analytics over metric rows
func Summarize(days int, rows []*models.PerformanceMetric) *models.Analytics {
	a := &models.Analytics{
		Days:              days,
		TotalOperations:   len(rows),
		SlowestOperations: []models.OperationStats{},
	}
	if len(rows) == 0 {
		return a
	}

	var totalMS, hits, errs int64
	byOp := make(map[string]*models.OperationStats)
	sums := make(map[string]int64)

	for _, m := range rows {
		totalMS += m.DurationMS
		if m.CacheHit {
			hits++
		}
		if m.ErrorOccurred {
			errs++
		}

		st, ok := byOp[m.Operation]
		if !ok {
			st = &models.OperationStats{Operation: m.Operation}
			byOp[m.Operation] = st
		}
		st.Count++
		sums[m.Operation] += m.DurationMS
		if m.DurationMS > st.MaxDurationMS {
			st.MaxDurationMS = m.DurationMS
		}
		if m.ErrorOccurred {
			st.Errors++
		}
	}

	n := float64(len(rows))
	a.AvgResponseTimeMS = float64(totalMS) / n
	a.CacheHitRate = float64(hits) / n
	a.ErrorRate = float64(errs) / n

	stats := make([]models.OperationStats, 0, len(byOp))
	for op, st := range byOp {
		st.AvgDurationMS = float64(sums[op]) / float64(st.Count)
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].AvgDurationMS != stats[j].AvgDurationMS {
			return stats[i].AvgDurationMS > stats[j].AvgDurationMS
		}
		return stats[i].Operation < stats[j].Operation
	})
	if len(stats) > SlowestOperationsLimit {
		stats = stats[:SlowestOperationsLimit]
	}
	a.SlowestOperations = stats
	return a
}

// Prune deletes persisted metrics older than the retention window
func (r *Recorder) Prune(ctx context.Context) (int64, error) {
	if r.repo == nil || r.opts.Retention <= 0 {
		return 0, nil
	}
	n, err := r.repo.DeleteOlderThan(ctx, r.clock.Now().Add(-r.opts.Retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune metrics: %w", err)
	}
	if n > 0 {
		r.logger.WithField("rows", n).Info("Pruned old performance metrics")
	}
	return n, nil
}

var _ Sink = (*Recorder)(nil)
