package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/store"
)

type indexRepository struct {
	store store.Client
}

// NewIndexRepository creates the search index repository
func NewIndexRepository(client store.Client) IndexRepository {
	return &indexRepository{store: client}
}

func (r *indexRepository) Upsert(ctx context.Context, entry *models.SearchIndexEntry) error {
	keywords := entry.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	keywordsJSON, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("encode keywords: %w", err)
	}

	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	return r.store.Upsert(ctx, TableSearchIndex, store.Record{
		"entity_type":     string(entry.EntityType),
		"entity_id":       entry.EntityID,
		"searchable_text": entry.SearchableText,
		"keywords":        string(keywordsJSON),
		"metadata":        string(metadataJSON),
		"updated_at":      entry.UpdatedAt.UnixMilli(),
	}, "entity_type", "entity_id")
}

func (r *indexRepository) Get(ctx context.Context, entityType models.EntityType, entityID string) (*models.SearchIndexEntry, error) {
	res, err := r.store.Read(ctx, TableSearchIndex, store.ReadOptions{
		Filters: []store.Filter{
			store.Eq("entity_type", string(entityType)),
			store.Eq("entity_id", entityID),
		},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, models.ErrNotFound
	}
	return decodeIndexRow(res.Rows[0])
}

func (r *indexRepository) Delete(ctx context.Context, entityType models.EntityType, entityID string) (bool, error) {
	n, err := r.store.Delete(ctx, TableSearchIndex,
		store.Eq("entity_type", string(entityType)),
		store.Eq("entity_id", entityID),
	)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *indexRepository) Candidates(ctx context.Context, filter CandidateFilter) ([]*models.SearchIndexEntry, error) {
	var filters []store.Filter

	if len(filter.EntityTypes) > 0 {
		types := make([]store.Filter, 0, len(filter.EntityTypes))
		for _, t := range filter.EntityTypes {
			types = append(types, store.Eq("entity_type", string(t)))
		}
		filters = append(filters, store.AnyOf(types...))
	}

	if len(filter.Words) > 0 {
		words := make([]store.Filter, 0, len(filter.Words)*2)
		for _, w := range filter.Words {
			w = strings.ToLower(w)
			words = append(words, store.Contains("searchable_text", w), store.Contains("keywords", w))
		}
		filters = append(filters, store.AnyOf(words...))
	}

	res, err := r.store.Read(ctx, TableSearchIndex, store.ReadOptions{
		Filters: filters,
		Order: []store.Order{
			{Column: "updated_at", Desc: true},
			{Column: "entity_type"},
			{Column: "entity_id"},
		},
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
	if err != nil {
		return nil, err
	}

	entries := make([]*models.SearchIndexEntry, 0, len(res.Rows))
	for _, row := range res.Rows {
		entry, err := decodeIndexRow(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func decodeIndexRow(row store.Record) (*models.SearchIndexEntry, error) {
	entry := &models.SearchIndexEntry{
		EntityType:     models.EntityType(row.String("entity_type")),
		EntityID:       row.String("entity_id"),
		SearchableText: row.String("searchable_text"),
		UpdatedAt:      row.Time("updated_at"),
		Keywords:       []string{},
		Metadata:       map[string]interface{}{},
	}
	if raw := row.String("keywords"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &entry.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords for %s: %w", entry.ID(), err)
		}
	}
	if raw := row.String("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", entry.ID(), err)
		}
	}
	return entry, nil
}
