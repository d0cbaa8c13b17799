package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is a single cached value as seen by either cache tier
type CacheEntry struct {
	Key            string          `json:"key"`
	Data           json.RawMessage `json:"data"`
	ExpiresAt      time.Time       `json:"expires_at"`
	AccessCount    int64           `json:"access_count"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// IsExpired reports whether the entry is logically absent at now
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// CacheStats summarizes cache activity since construction
type CacheStats struct {
	Entries        int   `json:"entries"`
	MemoryHits     int64 `json:"memory_hits"`
	DurableHits    int64 `json:"durable_hits"`
	Misses         int64 `json:"misses"`
	Sets           int64 `json:"sets"`
	DurableErrors  int64 `json:"durable_errors"`
	Invalidations  int64 `json:"invalidations"`
	SweptEntries   int64 `json:"swept_entries"`
	DroppedPromote int64 `json:"dropped_promotions"`
}

// HitRate returns the fraction of lookups answered from either tier
func (s CacheStats) HitRate() float64 {
	total := s.MemoryHits + s.DurableHits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.MemoryHits+s.DurableHits) / float64(total)
}
