package search

import (
	"sort"
	"strings"
	"time"

	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/store"
)

// Scoring weights
const (
	ScoreFullMatch    = 100
	ScoreWordMatch    = 10
	ScoreKeywordMatch = 50
	// ScoreNoText is given to every entry of a query without text
	ScoreNoText = 1
)

// MaxHighlights caps the snippets of one result
const MaxHighlights = 3

// highlightRadius is the number of words kept on each side of a match
const highlightRadius = 3

type scored struct {
	entry *models.SearchIndexEntry
	score float64
}

// Score computes the relevance of entry for the normalized query text. It
// is deterministic and additive across the full-match, per-word and keyword
// rules.
func Score(entry *models.SearchIndexEntry, text string, words []string) float64 {
	if text == "" {
		return ScoreNoText
	}

	var score float64
	if strings.Contains(entry.SearchableText, text) {
		score += ScoreFullMatch
	}
	for _, w := range words {
		if strings.Contains(entry.SearchableText, w) {
			score += ScoreWordMatch
		}
	}
	for _, k := range entry.Keywords {
		if strings.Contains(strings.ToLower(k), text) {
			score += ScoreKeywordMatch
		}
	}
	return score
}

// Highlights returns up to MaxHighlights windows of the indexed text around
// words containing a query word, in document order
func Highlights(searchableText string, words []string) []string {
	out := []string{}
	if len(words) == 0 {
		return out
	}

	tokens := strings.Fields(searchableText)
	for i, tok := range tokens {
		if !containsAny(tok, words) {
			continue
		}
		lo := i - highlightRadius
		if lo < 0 {
			lo = 0
		}
		hi := i + highlightRadius + 1
		if hi > len(tokens) {
			hi = len(tokens)
		}
		out = append(out, strings.Join(tokens[lo:hi], " "))
		if len(out) == MaxHighlights {
			break
		}
	}
	return out
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// matches reports whether entry satisfies every filter of the plan
func (p *plan) matches(entry *models.SearchIndexEntry) bool {
	if len(p.entityTypes) > 0 {
		found := false
		for _, t := range p.entityTypes {
			if entry.EntityType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if p.dateFrom != nil || p.dateTo != nil {
		raw, _ := entry.Metadata["date"].(string)
		if raw == "" {
			return false
		}
		date := store.ParseTime(raw)
		if date.IsZero() {
			return false
		}
		if p.dateFrom != nil && date.Before(*p.dateFrom) {
			return false
		}
		if p.dateTo != nil && date.After(*p.dateTo) {
			return false
		}
	}

	if p.amountMin != nil || p.amountMax != nil {
		amount, ok := toFloat(entry.Metadata["amount"])
		if !ok {
			return false
		}
		if p.amountMin != nil && amount < *p.amountMin {
			return false
		}
		if p.amountMax != nil && amount > *p.amountMax {
			return false
		}
	}

	for key, want := range p.equals {
		if strings.ToLower(scalarString(entry.Metadata[key])) != want {
			return false
		}
	}
	return true
}

// facetValue returns the value entry contributes to a facet field
func facetValue(entry *models.SearchIndexEntry, field string) string {
	if field == models.FilterEntityType {
		return string(entry.EntityType)
	}
	return scalarString(entry.Metadata[field])
}

// buildFacets counts the values of every facet field over the matched set
func buildFacets(matched []scored, limit int) map[string][]models.FacetValue {
	facets := make(map[string][]models.FacetValue, len(models.FacetFields))
	for _, field := range models.FacetFields {
		counts := make(map[string]int)
		for _, m := range matched {
			if v := facetValue(m.entry, field); v != "" {
				counts[v]++
			}
		}

		values := make([]models.FacetValue, 0, len(counts))
		for v, n := range counts {
			values = append(values, models.FacetValue{Value: v, Count: n})
		}
		sort.Slice(values, func(i, j int) bool {
			if values[i].Count != values[j].Count {
				return values[i].Count > values[j].Count
			}
			return values[i].Value < values[j].Value
		})
		if limit > 0 && len(values) > limit {
			values = values[:limit]
		}
		facets[field] = values
	}
	return facets
}

// sortMatches orders matched entries by the requested field. Ties fall back
// to updated_at descending, then id ascending, so the order is total.
func sortMatches(matched []scored, s models.SearchSort) {
	desc := s.Direction != models.SortAsc

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]

		switch s.Field {
		case models.SortRelevance:
			if a.score != b.score {
				return a.score > b.score
			}
		case models.SortRecency, models.SortUpdatedAt:
			if !a.entry.UpdatedAt.Equal(b.entry.UpdatedAt) {
				return a.entry.UpdatedAt.After(b.entry.UpdatedAt) == desc
			}
		default:
			if c := compareMetadata(a.entry.Metadata[s.Field], b.entry.Metadata[s.Field]); c != 0 {
				// entries without the field sort last either way
				if a.entry.Metadata[s.Field] == nil || b.entry.Metadata[s.Field] == nil {
					return a.entry.Metadata[s.Field] != nil
				}
				return (c < 0) != desc
			}
		}

		return tieBreak(a.entry, b.entry)
	})
}

func tieBreak(a, b *models.SearchIndexEntry) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID() < b.ID()
}

// compareMetadata orders numbers numerically and everything else as
// case-insensitive text
func compareMetadata(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}

	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if _, isStr := a.(string); isStr {
		aok = false
	}
	if _, isStr := b.(string); isStr {
		bok = false
	}
	if aok && bok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}

	return strings.Compare(strings.ToLower(scalarString(a)), strings.ToLower(scalarString(b)))
}

func toResult(m scored, words []string) models.SearchResult {
	title, _ := m.entry.Metadata["title"].(string)
	description, _ := m.entry.Metadata["description"].(string)
	return models.SearchResult{
		ID:          m.entry.ID(),
		EntityType:  m.entry.EntityType,
		EntityID:    m.entry.EntityID,
		Title:       title,
		Description: description,
		Metadata:    m.entry.Metadata,
		Score:       m.score,
		Highlights:  Highlights(m.entry.SearchableText, words),
		UpdatedAt:   m.entry.UpdatedAt.UTC().Truncate(time.Millisecond),
	}
}
