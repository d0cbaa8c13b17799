package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/workers"
)

const namespace = "speedlayer"

// Collectors holds the Prometheus series fed by the recorder
type Collectors struct {
	duration      *prometheus.HistogramVec
	cacheRequests *prometheus.CounterVec
	errors        *prometheus.CounterVec
	registerer    prometheus.Registerer
}

// NewCollectors registers the recorder series on reg. Each registry can
// hold one set; tests pass a fresh prometheus.NewRegistry().
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of accelerated operations.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"operation"}),
		cacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Operations served from or missing the cache.",
		}, []string{"operation", "result"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Operations that failed or degraded.",
		}, []string{"operation"}),
		registerer: reg,
	}
}

func (c *Collectors) observe(m *models.PerformanceMetric) {
	c.duration.WithLabelValues(m.Operation).Observe(float64(m.DurationMS) / 1000)
	result := "miss"
	if m.CacheHit {
		result = "hit"
	}
	c.cacheRequests.WithLabelValues(m.Operation, result).Inc()
	if m.ErrorOccurred {
		c.errors.WithLabelValues(m.Operation).Inc()
	}
}

// ObserveCache exposes the cache counters as gauges read at scrape time
func (c *Collectors) ObserveCache(stats func() models.CacheStats) {
	factory := promauto.With(c.registerer)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Entries held in the memory tier.",
	}, func() float64 { return float64(stats().Entries) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hit_rate",
		Help:      "Share of cache reads answered by either tier.",
	}, func() float64 { return stats().HitRate() })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "durable_errors_total",
		Help:      "Durable tier failures absorbed by the cache.",
	}, func() float64 { return float64(stats().DurableErrors) })
}

// ObservePool exposes worker pool counters as gauges read at scrape time
func (c *Collectors) ObservePool(stats func() workers.Stats) {
	factory := promauto.With(c.registerer)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "workers",
		Name:      "queued",
		Help:      "Background tasks waiting in the queue.",
	}, func() float64 { return float64(stats().Queued) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workers",
		Name:      "dropped_total",
		Help:      "Background tasks rejected because the queue was full.",
	}, func() float64 { return float64(stats().Dropped) })
}
