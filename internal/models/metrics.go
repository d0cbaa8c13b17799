package models

import (
	"time"
)

// PerformanceMetric is one recorded operation outcome
type PerformanceMetric struct {
	ID            int64                  `json:"id,omitempty"`
	Operation     string                 `json:"operation"`
	DurationMS    int64                  `json:"duration_ms"`
	CacheHit      bool                   `json:"cache_hit"`
	ErrorOccurred bool                   `json:"error_occurred"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// OperationStats aggregates metrics for one operation name
type OperationStats struct {
	Operation     string  `json:"operation"`
	Count         int     `json:"count"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	MaxDurationMS int64   `json:"max_duration_ms"`
	Errors        int     `json:"errors"`
}

// Analytics summarizes recorded metrics over a window of days
type Analytics struct {
	Days              int              `json:"days"`
	TotalOperations   int              `json:"total_operations"`
	AvgResponseTimeMS float64          `json:"avg_response_time_ms"`
	CacheHitRate      float64          `json:"cache_hit_rate"`
	ErrorRate         float64          `json:"error_rate"`
	SlowestOperations []OperationStats `json:"slowest_operations"`
}
