package indexer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/store"
)

// Source tables of the business records
const (
	TableRequests   = "requests"
	TableItems      = "items"
	TableUsers      = "users"
	TableCategories = "categories"
)

// Extractor turns one source row of an entity type into its index entry
type Extractor interface {
	EntityType() models.EntityType
	Table() string
	Build(ctx context.Context, rel *Related, row store.Record) (*models.SearchIndexEntry, error)
}

// Related resolves fields of rows referenced by a source row. Lookups are
// memoized for the lifetime of one Related, which is one Index call or one
// ReindexAll run.
type Related struct {
	store store.Client
	memo  *xsync.MapOf[string, store.Record]
}

// NewRelated creates a lookup helper over client
func NewRelated(client store.Client) *Related {
	return &Related{store: client, memo: xsync.NewMapOf[string, store.Record]()}
}

// Row returns the row of table with the given id, or nil when id is unset or
// the row does not exist.
func (r *Related) Row(ctx context.Context, table string, id int64) (store.Record, error) {
	if id <= 0 {
		return nil, nil
	}
	key := fmt.Sprintf("%s:%d", table, id)
	if row, ok := r.memo.Load(key); ok {
		return row, nil
	}

	res, err := r.store.Read(ctx, table, store.ReadOptions{
		Filters: []store.Filter{store.Eq("id", id)},
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	var row store.Record
	if len(res.Rows) > 0 {
		row = res.Rows[0]
	}
	r.memo.Store(key, row)
	return row, nil
}

// Field returns one column of a related row, "" when the row is absent
func (r *Related) Field(ctx context.Context, table string, id int64, column string) (string, error) {
	row, err := r.Row(ctx, table, id)
	if err != nil || row == nil {
		return "", err
	}
	return row.String(column), nil
}

// DefaultExtractors returns the extractors for every built-in entity type
func DefaultExtractors() []Extractor {
	return []Extractor{
		requestExtractor{},
		itemExtractor{},
		userExtractor{},
		categoryExtractor{},
	}
}

type requestExtractor struct{}

func (requestExtractor) EntityType() models.EntityType { return models.EntityTypeRequest }
func (requestExtractor) Table() string                 { return TableRequests }

func (requestExtractor) Build(ctx context.Context, rel *Related, row store.Record) (*models.SearchIndexEntry, error) {
	category, err := rel.Field(ctx, TableCategories, row.Int64("category_id"), "name")
	if err != nil {
		return nil, err
	}
	requester, err := rel.Field(ctx, TableUsers, row.Int64("requester_id"), "full_name")
	if err != nil {
		return nil, err
	}

	return &models.SearchIndexEntry{
		EntityType: models.EntityTypeRequest,
		EntityID:   row.String("id"),
		SearchableText: searchableText(
			row.String("title"),
			row.String("description"),
			row.String("vendor"),
			row.String("invoice_number"),
			row.String("department"),
			category,
			requester,
		),
		Keywords: keywords(row.String("status"), row.String("department"), category, row.String("currency")),
		Metadata: map[string]interface{}{
			"title":       row.String("title"),
			"description": row.String("description"),
			"amount":      row.Float64("amount"),
			"currency":    row.String("currency"),
			"department":  row.String("department"),
			"category":    category,
			"status":      row.String("status"),
			"vendor":      row.String("vendor"),
			"requester":   requester,
			"date":        formatDate(row.Time("created_at")),
		},
		UpdatedAt: row.Time("updated_at"),
	}, nil
}

type itemExtractor struct{}

func (itemExtractor) EntityType() models.EntityType { return models.EntityTypeItem }
func (itemExtractor) Table() string                 { return TableItems }

func (itemExtractor) Build(ctx context.Context, rel *Related, row store.Record) (*models.SearchIndexEntry, error) {
	category, err := rel.Field(ctx, TableCategories, row.Int64("category_id"), "name")
	if err != nil {
		return nil, err
	}
	parent, err := rel.Row(ctx, TableRequests, row.Int64("request_id"))
	if err != nil {
		return nil, err
	}
	if parent == nil {
		parent = store.Record{}
	}

	quantity := row.Int64("quantity")
	unitPrice := row.Float64("unit_price")

	return &models.SearchIndexEntry{
		EntityType: models.EntityTypeItem,
		EntityID:   row.String("id"),
		SearchableText: searchableText(
			row.String("name"),
			row.String("description"),
			category,
			parent.String("title"),
		),
		Keywords: keywords(category, parent.String("department")),
		Metadata: map[string]interface{}{
			"title":       row.String("name"),
			"description": row.String("description"),
			"quantity":    quantity,
			"unit_price":  unitPrice,
			"amount":      float64(quantity) * unitPrice,
			"category":    category,
			"department":  parent.String("department"),
			"status":      parent.String("status"),
			"request_id":  row.String("request_id"),
			"request":     parent.String("title"),
			"date":        formatDate(row.Time("created_at")),
		},
		UpdatedAt: row.Time("updated_at"),
	}, nil
}

type userExtractor struct{}

func (userExtractor) EntityType() models.EntityType { return models.EntityTypeUser }
func (userExtractor) Table() string                 { return TableUsers }

func (userExtractor) Build(ctx context.Context, rel *Related, row store.Record) (*models.SearchIndexEntry, error) {
	status := "inactive"
	if row.Bool("is_active") {
		status = "active"
	}

	return &models.SearchIndexEntry{
		EntityType: models.EntityTypeUser,
		EntityID:   row.String("id"),
		SearchableText: searchableText(
			row.String("full_name"),
			row.String("email"),
			row.String("department"),
			row.String("role"),
		),
		Keywords: keywords(row.String("department"), row.String("role"), status),
		Metadata: map[string]interface{}{
			"title":       row.String("full_name"),
			"description": row.String("email"),
			"department":  row.String("department"),
			"role":        row.String("role"),
			"status":      status,
			"date":        formatDate(row.Time("created_at")),
		},
		UpdatedAt: row.Time("updated_at"),
	}, nil
}

type categoryExtractor struct{}

func (categoryExtractor) EntityType() models.EntityType { return models.EntityTypeCategory }
func (categoryExtractor) Table() string                 { return TableCategories }

func (categoryExtractor) Build(ctx context.Context, rel *Related, row store.Record) (*models.SearchIndexEntry, error) {
	parent, err := rel.Field(ctx, TableCategories, row.Int64("parent_id"), "name")
	if err != nil {
		return nil, err
	}

	return &models.SearchIndexEntry{
		EntityType:     models.EntityTypeCategory,
		EntityID:       row.String("id"),
		SearchableText: searchableText(row.String("name"), row.String("description"), parent),
		Keywords:       keywords(row.String("name"), parent),
		Metadata: map[string]interface{}{
			"title":       row.String("name"),
			"description": row.String("description"),
			"category":    row.String("name"),
			"parent":      parent,
			"date":        formatDate(row.Time("created_at")),
		},
		UpdatedAt: row.Time("updated_at"),
	}, nil
}

// searchableText lower-cases and joins the non-empty fields with single
// spaces
func searchableText(fields ...string) string {
	words := make([]string, 0, len(fields)*4)
	for _, f := range fields {
		words = append(words, strings.Fields(strings.ToLower(f))...)
	}
	return strings.Join(words, " ")
}

// keywords lower-cases, deduplicates and sorts categorical values
func keywords(values ...string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
