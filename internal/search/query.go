package search

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/store"
)

// KeyPrefix starts every cached search response key
const KeyPrefix = "search:"

// MaxTextLength bounds the free-text part of a query
const MaxTextLength = 256

// plan is a validated query with its filters parsed
type plan struct {
	query       models.SearchQuery
	words       []string
	entityTypes []models.EntityType
	dateFrom    *time.Time
	dateTo      *time.Time
	amountMin   *float64
	amountMax   *float64
	equals      map[string]string
}

// normalize validates q and returns the canonical query and its plan. The
// input is not modified.
func normalize(q *models.SearchQuery, opts Options) (*plan, error) {
	var verrs models.ValidationErrors

	nq := models.SearchQuery{
		Text:   strings.Join(strings.Fields(strings.ToLower(q.Text)), " "),
		Limit:  q.Limit,
		Offset: q.Offset,
		Sort:   q.Sort,
	}
	if len(nq.Text) > MaxTextLength {
		verrs.Add("text", "too_long", fmt.Sprintf("must be at most %d characters", MaxTextLength))
	}

	switch {
	case nq.Limit == 0:
		nq.Limit = opts.DefaultLimit
	case nq.Limit < 0 || nq.Limit > opts.MaxLimit:
		verrs.Add("limit", "out_of_range", fmt.Sprintf("must be between 1 and %d", opts.MaxLimit))
	}
	if nq.Offset < 0 {
		verrs.Add("offset", "out_of_range", "must not be negative")
	}

	nq.Sort.Field = strings.ToLower(strings.TrimSpace(nq.Sort.Field))
	nq.Sort.Direction = strings.ToLower(strings.TrimSpace(nq.Sort.Direction))
	if nq.Sort.Field == "" {
		nq.Sort.Field = models.SortRelevance
		if nq.Text == "" {
			nq.Sort.Field = models.SortRecency
		}
	}
	if nq.Sort.Direction == "" {
		nq.Sort.Direction = models.SortDesc
	}
	if nq.Sort.Direction != models.SortAsc && nq.Sort.Direction != models.SortDesc {
		verrs.Add("sort.direction", "invalid", "must be asc or desc")
	}
	if !store.ValidIdentifier(nq.Sort.Field) {
		verrs.Add("sort.field", "invalid", "must be relevance, recency, updated_at or a metadata field")
	}

	p := &plan{equals: make(map[string]string)}
	if len(q.Filters) > 0 {
		nq.Filters = make(map[string]interface{}, len(q.Filters))
	}
	for key, value := range q.Filters {
		key = strings.ToLower(strings.TrimSpace(key))
		if value == nil {
			continue
		}
		if !store.ValidIdentifier(key) {
			verrs.Add("filters."+key, "invalid", "unknown filter name")
			continue
		}
		nq.Filters[key] = value

		field := "filters." + key
		switch key {
		case models.FilterEntityType:
			types, err := parseEntityTypes(value)
			if err != nil {
				verrs.Add(field, "invalid", err.Error())
				continue
			}
			p.entityTypes = types
		case models.FilterDateFrom:
			t, _, err := parseDate(value)
			if err != nil {
				verrs.Add(field, "invalid", err.Error())
				continue
			}
			p.dateFrom = &t
		case models.FilterDateTo:
			t, dateOnly, err := parseDate(value)
			if err != nil {
				verrs.Add(field, "invalid", err.Error())
				continue
			}
			// a bare date includes the whole day
			if dateOnly {
				t = t.Add(24*time.Hour - time.Nanosecond)
			}
			p.dateTo = &t
		case models.FilterAmountMin:
			f, err := parseAmount(value)
			if err != nil {
				verrs.Add(field, "invalid", err.Error())
				continue
			}
			p.amountMin = &f
		case models.FilterAmountMax:
			f, err := parseAmount(value)
			if err != nil {
				verrs.Add(field, "invalid", err.Error())
				continue
			}
			p.amountMax = &f
		default:
			p.equals[key] = strings.ToLower(scalarString(value))
		}
	}
	if p.amountMin != nil && p.amountMax != nil && *p.amountMin > *p.amountMax {
		verrs.Add("filters.amount_min", "out_of_range", "must not exceed amount_max")
	}
	if p.dateFrom != nil && p.dateTo != nil && p.dateFrom.After(*p.dateTo) {
		verrs.Add("filters.date_from", "out_of_range", "must not be after date_to")
	}

	if err := verrs.Err(); err != nil {
		return nil, err
	}

	p.query = nq
	p.words = uniqueWords(nq.Text)
	return p, nil
}

// cacheKey digests the canonical query. encoding/json sorts map keys, so
// equal queries produce equal keys.
func cacheKey(q models.SearchQuery) (string, error) {
	canonical, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("encode query: %w", err)
	}
	sum := blake2b.Sum256(canonical)
	return KeyPrefix + hex.EncodeToString(sum[:]), nil
}

func uniqueWords(text string) []string {
	fields := strings.Fields(text)
	seen := make(map[string]struct{}, len(fields))
	words := make([]string, 0, len(fields))
	for _, w := range fields {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		words = append(words, w)
	}
	return words
}

func parseEntityTypes(value interface{}) ([]models.EntityType, error) {
	var raw []string
	switch v := value.(type) {
	case string:
		raw = []string{v}
	case []string:
		raw = v
	case []interface{}:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("must be a string or a list of strings")
			}
			raw = append(raw, s)
		}
	default:
		return nil, fmt.Errorf("must be a string or a list of strings")
	}

	types := make([]models.EntityType, 0, len(raw))
	for _, s := range raw {
		t, err := models.ParseEntityType(s)
		if err != nil {
			return nil, fmt.Errorf("unknown entity type %q", s)
		}
		types = append(types, t)
	}
	return types, nil
}

// parseDate accepts RFC 3339 timestamps and YYYY-MM-DD dates
func parseDate(value interface{}) (time.Time, bool, error) {
	s, ok := value.(string)
	if !ok {
		return time.Time{}, false, fmt.Errorf("must be a date string")
	}
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), false, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), true, nil
	}
	return time.Time{}, false, fmt.Errorf("%q is not an RFC 3339 timestamp or YYYY-MM-DD date", s)
}

func parseAmount(value interface{}) (float64, error) {
	if f, ok := toFloat(value); ok {
		return f, nil
	}
	return 0, fmt.Errorf("must be a number")
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// scalarString renders filter and metadata values the same way so equality
// does not depend on how a number was decoded
func scalarString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
