package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/store"
)

type metricsRepository struct {
	store store.Client
}

// NewMetricsRepository creates the performance metrics repository
func NewMetricsRepository(client store.Client) MetricsRepository {
	return &metricsRepository{store: client}
}

func (r *metricsRepository) Record(ctx context.Context, metric *models.PerformanceMetric) error {
	metadata := metric.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metric metadata: %w", err)
	}

	_, err = r.store.Insert(ctx, TableMetrics, store.Record{
		"operation":      metric.Operation,
		"duration_ms":    metric.DurationMS,
		"cache_hit":      metric.CacheHit,
		"error_occurred": metric.ErrorOccurred,
		"timestamp":      metric.Timestamp.UnixMilli(),
		"metadata":       string(metadataJSON),
	}, false)
	return err
}

func (r *metricsRepository) Since(ctx context.Context, since time.Time) ([]*models.PerformanceMetric, error) {
	res, err := r.store.Read(ctx, TableMetrics, store.ReadOptions{
		Filters: []store.Filter{store.Gte("timestamp", since.UnixMilli())},
		Order:   []store.Order{{Column: "timestamp"}, {Column: "id"}},
	})
	if err != nil {
		return nil, err
	}

	metrics := make([]*models.PerformanceMetric, 0, len(res.Rows))
	for _, row := range res.Rows {
		m := &models.PerformanceMetric{
			ID:            row.Int64("id"),
			Operation:     row.String("operation"),
			DurationMS:    row.Int64("duration_ms"),
			CacheHit:      row.Bool("cache_hit"),
			ErrorOccurred: row.Bool("error_occurred"),
			Timestamp:     row.Time("timestamp"),
		}
		if raw := row.String("metadata"); raw != "" && raw != "{}" {
			if err := json.Unmarshal([]byte(raw), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metric %d metadata: %w", m.ID, err)
			}
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}

func (r *metricsRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return r.store.Delete(ctx, TableMetrics, store.Lt("timestamp", before.UnixMilli()))
}
