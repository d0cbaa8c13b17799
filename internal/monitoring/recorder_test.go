package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fabienpiette/speedlayer/internal/clock"
	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/repositories"
	"github.com/fabienpiette/speedlayer/internal/testutil"
	"github.com/fabienpiette/speedlayer/internal/workers"
)

var now = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func newPool(t *testing.T) *workers.Pool {
	t.Helper()
	pool, err := workers.NewPool(1, 32, testutil.SetupTestLogger(t))
	require.NoError(t, err)
	pool.Start()
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return pool
}

type captureHandler struct {
	mu     sync.Mutex
	alerts []*PerformanceAlert
}

func (h *captureHandler) HandleAlert(alert *PerformanceAlert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, alert)
	return nil
}

func TestRecorder_AggregatesAndCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	collectors := NewCollectors(reg)
	r := NewRecorder(nil, nil, collectors, clock.NewFake(now), testutil.SetupTestLogger(t), Options{})

	r.Record(models.PerformanceMetric{Operation: OpSearch, DurationMS: 40})
	r.Record(models.PerformanceMetric{Operation: OpSearch, DurationMS: 10, CacheHit: true})
	r.Record(models.PerformanceMetric{Operation: OpSearch, DurationMS: 70, ErrorOccurred: true})

	snap := r.Snapshot()
	require.Contains(t, snap, OpSearch)
	agg := snap[OpSearch]
	assert.Equal(t, int64(3), agg.Count)
	assert.Equal(t, 10*time.Millisecond, agg.MinTime)
	assert.Equal(t, 70*time.Millisecond, agg.MaxTime)
	assert.Equal(t, 40*time.Millisecond, agg.AvgTime())
	assert.Equal(t, int64(1), agg.Errors)
	assert.Equal(t, int64(1), agg.CacheHits)

	assert.Equal(t, 1.0, promtest.ToFloat64(collectors.cacheRequests.WithLabelValues(OpSearch, "hit")))
	assert.Equal(t, 2.0, promtest.ToFloat64(collectors.cacheRequests.WithLabelValues(OpSearch, "miss")))
	assert.Equal(t, 1.0, promtest.ToFloat64(collectors.errors.WithLabelValues(OpSearch)))
	assert.Equal(t, 1, promtest.CollectAndCount(collectors.duration))
}

func TestRecorder_SlowOperationAlert(t *testing.T) {
	r := NewRecorder(nil, nil, nil, clock.NewFake(now), testutil.SetupTestLogger(t), Options{SlowThreshold: 2 * time.Second})
	h := &captureHandler{}
	r.Alerts().AddAlertHandler(h)

	r.Record(models.PerformanceMetric{Operation: OpPaginate, DurationMS: 1500})
	r.Record(models.PerformanceMetric{Operation: OpPaginate, DurationMS: 2500})

	require.Len(t, h.alerts, 1)
	assert.Equal(t, OpPaginate, h.alerts[0].Operation)
	assert.Equal(t, 2500*time.Millisecond, h.alerts[0].Value)
	assert.Equal(t, now, h.alerts[0].Timestamp)
}

func TestRecorder_PersistsThroughPool(t *testing.T) {
	client, _ := testutil.SetupTestStore(t)
	repo := repositories.NewMetricsRepository(client)
	clk := clock.NewFake(now)
	r := NewRecorder(repo, newPool(t), nil, clk, testutil.SetupTestLogger(t), Options{Persist: true})

	r.Record(models.PerformanceMetric{Operation: OpSearch, DurationMS: 12, Metadata: map[string]interface{}{"query": "cairo"}})

	var rows []*models.PerformanceMetric
	testutil.WaitForCondition(t, func() bool {
		var err error
		rows, err = repo.Since(context.Background(), now.Add(-time.Minute))
		return err == nil && len(rows) == 1
	}, 2*time.Second, "metric was not persisted")

	assert.Equal(t, OpSearch, rows[0].Operation)
	assert.Equal(t, int64(12), rows[0].DurationMS)
	assert.True(t, rows[0].Timestamp.Equal(now))
	assert.Equal(t, "cairo", rows[0].Metadata["query"])
}

func TestRecorder_PersistenceFailureIsSwallowed(t *testing.T) {
	repo := &testutil.MockMetricsRepository{}
	attempted := make(chan struct{})
	repo.On("Record", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { close(attempted) }).
		Return(errors.New("disk full")).Once()

	r := NewRecorder(repo, newPool(t), nil, clock.NewFake(now), testutil.SetupTestLogger(t), Options{Persist: true})
	r.Record(models.PerformanceMetric{Operation: OpPrefetch, DurationMS: 1})

	select {
	case <-attempted:
	case <-time.After(2 * time.Second):
		t.Fatal("metric persistence was not attempted")
	}
	assert.Equal(t, int64(1), r.Snapshot()[OpPrefetch].Count)
}

func TestRecorder_Analytics(t *testing.T) {
	repo := &testutil.MockMetricsRepository{}
	clk := clock.NewFake(now)
	r := NewRecorder(repo, nil, nil, clk, testutil.SetupTestLogger(t), Options{})

	rows := []*models.PerformanceMetric{
		{Operation: OpSearch, DurationMS: 100, CacheHit: false},
		{Operation: OpSearch, DurationMS: 20, CacheHit: true},
		{Operation: OpPaginate, DurationMS: 300, ErrorOccurred: true},
		{Operation: OpCacheGet, DurationMS: 0, CacheHit: true},
	}
	repo.On("Since", mock.Anything, now.Add(-7*24*time.Hour)).Return(rows, nil)

	a, err := r.Analytics(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 7, a.Days)
	assert.Equal(t, 4, a.TotalOperations)
	assert.InDelta(t, 105.0, a.AvgResponseTimeMS, 1e-9)
	assert.InDelta(t, 0.5, a.CacheHitRate, 1e-9)
	assert.InDelta(t, 0.25, a.ErrorRate, 1e-9)

	require.Len(t, a.SlowestOperations, 3)
	assert.Equal(t, OpPaginate, a.SlowestOperations[0].Operation)
	assert.Equal(t, OpSearch, a.SlowestOperations[1].Operation)
	assert.InDelta(t, 60.0, a.SlowestOperations[1].AvgDurationMS, 1e-9)
	assert.Equal(t, int64(100), a.SlowestOperations[1].MaxDurationMS)
	assert.Equal(t, 1, a.SlowestOperations[0].Errors)
	repo.AssertExpectations(t)
}

func TestRecorder_AnalyticsValidation(t *testing.T) {
	r := NewRecorder(&testutil.MockMetricsRepository{}, nil, nil, clock.NewFake(now), testutil.SetupTestLogger(t), Options{})

	_, err := r.Analytics(context.Background(), 0)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	r = NewRecorder(nil, nil, nil, clock.NewFake(now), testutil.SetupTestLogger(t), Options{})
	_, err = r.Analytics(context.Background(), 1)
	assert.ErrorIs(t, err, models.ErrServiceUnavailable)
}

func TestSummarize_EmptyAndTopTen(t *testing.T) {
	empty := Summarize(3, nil)
	assert.Equal(t, 0, empty.TotalOperations)
	assert.Empty(t, empty.SlowestOperations)
	assert.NotNil(t, empty.SlowestOperations)

	var rows []*models.PerformanceMetric
	for i := 0; i < 12; i++ {
		rows = append(rows, &models.PerformanceMetric{
			Operation:  string(rune('a' + i)),
			DurationMS: int64(i),
		})
	}
	a := Summarize(1, rows)
	require.Len(t, a.SlowestOperations, SlowestOperationsLimit)
	assert.Equal(t, "l", a.SlowestOperations[0].Operation)
}

func TestRecorder_Prune(t *testing.T) {
	repo := &testutil.MockMetricsRepository{}
	r := NewRecorder(repo, nil, nil, clock.NewFake(now), testutil.SetupTestLogger(t), Options{Retention: 30 * 24 * time.Hour})
	repo.On("DeleteOlderThan", mock.Anything, now.Add(-30*24*time.Hour)).Return(int64(4), nil)

	n, err := r.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestCollectors_ObserveCacheAndPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg)
	c.ObserveCache(func() models.CacheStats {
		return models.CacheStats{Entries: 3, MemoryHits: 1, Misses: 1}
	})
	c.ObservePool(func() workers.Stats {
		return workers.Stats{Queued: 2, Dropped: 5}
	})

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				values[f.GetName()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				values[f.GetName()] = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 3.0, values["speedlayer_cache_entries"])
	assert.Equal(t, 2.0, values["speedlayer_workers_queued"])
	assert.Equal(t, 5.0, values["speedlayer_workers_dropped_total"])
}

func TestDiscard(t *testing.T) {
	var s Sink = Discard{}
	s.Record(models.PerformanceMetric{Operation: OpSearch})
}
