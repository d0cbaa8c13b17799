package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntityType(t *testing.T) {
	tests := []struct {
		input    string
		expected EntityType
		wantErr  bool
	}{
		{"request", EntityTypeRequest, false},
		{" Item ", EntityTypeItem, false},
		{"USER", EntityTypeUser, false},
		{"category", EntityTypeCategory, false},
		{"invoice", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseEntityType(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrUnknownEntityType))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCacheEntry_IsExpired(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := &CacheEntry{Key: "k", ExpiresAt: now}

	assert.False(t, entry.IsExpired(now.Add(-time.Nanosecond)))
	assert.True(t, entry.IsExpired(now))
	assert.True(t, entry.IsExpired(now.Add(time.Minute)))
}

func TestCacheStats_HitRate(t *testing.T) {
	assert.Equal(t, 0.0, CacheStats{}.HitRate())
	assert.InDelta(t, 0.75, CacheStats{MemoryHits: 2, DurableHits: 1, Misses: 1}.HitRate(), 1e-9)
}

func TestNewPagination(t *testing.T) {
	tests := []struct {
		name                 string
		page, size, total    int
		totalPages           int
		hasNext, hasPrevious bool
	}{
		{"empty collection", 1, 10, 0, 0, false, false},
		{"exact fit", 1, 10, 10, 1, false, false},
		{"partial last page", 2, 10, 25, 3, true, true},
		{"last page", 3, 10, 25, 3, false, true},
		{"beyond last page", 5, 10, 25, 3, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPagination(tt.page, tt.size, tt.total)
			assert.Equal(t, tt.totalPages, p.TotalPages)
			assert.Equal(t, tt.hasNext, p.HasNext)
			assert.Equal(t, tt.hasPrevious, p.HasPrevious)
			assert.Equal(t, tt.total, p.Total)
		})
	}
}

func TestSearchIndexEntry_ID(t *testing.T) {
	e := &SearchIndexEntry{EntityType: EntityTypeRequest, EntityID: "42"}
	assert.Equal(t, "request:42", e.ID())
}

func TestPageResult_UnmarshalKeepsIntegers(t *testing.T) {
	raw := []byte(`{
		"data": [{"id": 9007199254740993, "amount": 12.5, "title": "Gloves", "tags": [1, 2.5], "meta": {"qty": 3}}],
		"pagination": {"page": 1, "page_size": 20, "total": 1, "total_pages": 1},
		"cached": true
	}`)

	var res PageResult
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Len(t, res.Data, 1)

	row := res.Data[0]
	assert.Equal(t, int64(9007199254740993), row["id"])
	assert.Equal(t, 12.5, row["amount"])
	assert.Equal(t, "Gloves", row["title"])
	assert.Equal(t, []interface{}{int64(1), 2.5}, row["tags"])
	assert.Equal(t, map[string]interface{}{"qty": int64(3)}, row["meta"])
	assert.Equal(t, 1, res.Pagination.Total)
	assert.True(t, res.Cached)
}
