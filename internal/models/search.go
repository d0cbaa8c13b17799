package models

import (
	"time"
)

// Recognized search filter keys. Any other key is matched against the
// index entry metadata by equality.
const (
	FilterEntityType = "entity_type"
	FilterDateFrom   = "date_from"
	FilterDateTo     = "date_to"
	FilterAmountMin  = "amount_min"
	FilterAmountMax  = "amount_max"
	FilterDepartment = "department"
	FilterCategory   = "category"
	FilterStatus     = "status"
)

// Sort fields with special meaning. Anything else names a metadata key.
const (
	SortRelevance = "relevance"
	SortRecency   = "recency"
	SortUpdatedAt = "updated_at"
)

// Sort directions
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// FacetFields are the metadata keys facets are computed for
var FacetFields = []string{
	FilterEntityType,
	FilterDepartment,
	FilterCategory,
	FilterStatus,
}

// SearchIndexEntry is the denormalized searchable view of one business record
type SearchIndexEntry struct {
	EntityType     EntityType             `json:"entity_type"`
	EntityID       string                 `json:"entity_id"`
	SearchableText string                 `json:"searchable_text"`
	Keywords       []string               `json:"keywords"`
	Metadata       map[string]interface{} `json:"metadata"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// ID returns the composite identifier used in search results
func (e *SearchIndexEntry) ID() string {
	return string(e.EntityType) + ":" + e.EntityID
}

// SearchSort controls result ordering
type SearchSort struct {
	Field     string `json:"field,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// SearchQuery is a structured query against the search index
type SearchQuery struct {
	Text    string                 `json:"text,omitempty"`
	Filters map[string]interface{} `json:"filters,omitempty"`
	Sort    SearchSort             `json:"sort"`
	Limit   int                    `json:"limit,omitempty"`
	Offset  int                    `json:"offset,omitempty"`
}

// SearchResult is one ranked hit
type SearchResult struct {
	ID          string                 `json:"id"`
	EntityType  EntityType             `json:"entity_type"`
	EntityID    string                 `json:"entity_id"`
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Score       float64                `json:"score"`
	Highlights  []string               `json:"highlights"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// FacetValue is one bucket of a facet distribution
type FacetValue struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// SearchResponse is a page of ranked results plus facets over the full match set
type SearchResponse struct {
	Query      SearchQuery             `json:"query"`
	Results    []SearchResult          `json:"results"`
	Total      int                     `json:"total"`
	Facets     map[string][]FacetValue `json:"facets"`
	Cached     bool                    `json:"cached"`
	Degraded   bool                    `json:"degraded,omitempty"`
	DurationMS int64                   `json:"duration_ms"`
}

// EmptySearchResponse returns a well-formed response with no hits
func EmptySearchResponse(q SearchQuery) *SearchResponse {
	return &SearchResponse{
		Query:   q,
		Results: []SearchResult{},
		Facets:  map[string][]FacetValue{},
	}
}
