// Package indexer maintains the denormalized search index: one entry per
// business record, rebuilt whole from the source row whenever it changes.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fabienpiette/speedlayer/internal/clock"
	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/repositories"
	"github.com/fabienpiette/speedlayer/internal/store"
)

// Options tunes bulk reindexing
type Options struct {
	BatchSize int
	Parallel  int
}

// DefaultOptions returns the bulk reindex defaults
func DefaultOptions() Options {
	return Options{BatchSize: 200, Parallel: 4}
}

// Indexer is the sole writer of search index entries
type Indexer struct {
	store      store.Client
	index      repositories.IndexRepository
	extractors map[models.EntityType]Extractor
	clock      clock.Clock
	logger     *logrus.Logger
	opts       Options
}

// New creates an indexer with the built-in extractors registered
func New(client store.Client, index repositories.IndexRepository, clk clock.Clock, logger *logrus.Logger, opts Options) *Indexer {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	defaults := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.Parallel <= 0 {
		opts.Parallel = defaults.Parallel
	}

	ix := &Indexer{
		store:      client,
		index:      index,
		extractors: make(map[models.EntityType]Extractor),
		clock:      clk,
		logger:     logger,
		opts:       opts,
	}
	for _, e := range DefaultExtractors() {
		ix.Register(e)
	}
	return ix
}

// Register adds or replaces the extractor of an entity type. It must be
// called before the indexer is shared.
func (ix *Indexer) Register(e Extractor) {
	ix.extractors[e.EntityType()] = e
}

// Types returns the registered entity types in a stable order
func (ix *Indexer) Types() []models.EntityType {
	types := make([]models.EntityType, 0, len(ix.extractors))
	for t := range ix.extractors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Table returns the source table an entity type is read from
func (ix *Indexer) Table(entityType models.EntityType) (string, error) {
	extractor, err := ix.extractor(entityType)
	if err != nil {
		return "", err
	}
	return extractor.Table(), nil
}

// Index rebuilds the entry of one record. It returns models.ErrNotFound
// when the source row no longer exists.
func (ix *Indexer) Index(ctx context.Context, entityType models.EntityType, entityID string) error {
	extractor, err := ix.extractor(entityType)
	if err != nil {
		return err
	}
	if entityID == "" {
		return fmt.Errorf("entity id is required: %w", models.ErrInvalidInput)
	}

	res, err := ix.store.Read(ctx, extractor.Table(), store.ReadOptions{
		Filters: []store.Filter{store.Eq("id", entityID)},
		Limit:   1,
	})
	if err != nil {
		return fmt.Errorf("failed to load %s %s: %w", entityType, entityID, err)
	}
	if len(res.Rows) == 0 {
		return fmt.Errorf("%s %s: %w", entityType, entityID, models.ErrNotFound)
	}

	if err := ix.indexRow(ctx, NewRelated(ix.store), extractor, res.Rows[0]); err != nil {
		return err
	}

	ix.logger.WithFields(logrus.Fields{
		"entity_type": entityType,
		"entity_id":   entityID,
	}).Debug("Indexed entity")
	return nil
}

// Remove deletes the entry of one record and reports whether it existed
func (ix *Indexer) Remove(ctx context.Context, entityType models.EntityType, entityID string) (bool, error) {
	if _, err := ix.extractor(entityType); err != nil {
		return false, err
	}
	removed, err := ix.index.Delete(ctx, entityType, entityID)
	if err != nil {
		return false, fmt.Errorf("failed to remove %s %s from index: %w", entityType, entityID, err)
	}
	return removed, nil
}

// ReindexAll rebuilds the entries of every row of the given types, or of
// every registered type when none are given. Rows are processed in batches
// with bounded parallelism. It returns the number of entries written per
// type.
func (ix *Indexer) ReindexAll(ctx context.Context, types ...models.EntityType) (map[models.EntityType]int, error) {
	if len(types) == 0 {
		types = ix.Types()
	}

	counts := make(map[models.EntityType]int, len(types))
	rel := NewRelated(ix.store)
	start := ix.clock.Now()

	for _, t := range types {
		extractor, err := ix.extractor(t)
		if err != nil {
			return counts, err
		}
		n, err := ix.reindexType(ctx, rel, extractor)
		counts[t] = n
		if err != nil {
			return counts, fmt.Errorf("reindex %s: %w", t, err)
		}
	}

	ix.logger.WithFields(logrus.Fields{
		"counts":   counts,
		"duration": ix.clock.Now().Sub(start).String(),
	}).Info("Search index rebuilt")
	return counts, nil
}

func (ix *Indexer) reindexType(ctx context.Context, rel *Related, extractor Extractor) (int, error) {
	var written atomic.Int64

	for offset := 0; ; offset += ix.opts.BatchSize {
		res, err := ix.store.Read(ctx, extractor.Table(), store.ReadOptions{
			Order:  []store.Order{{Column: "id"}},
			Limit:  ix.opts.BatchSize,
			Offset: offset,
		})
		if err != nil {
			return int(written.Load()), err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(ix.opts.Parallel)
		for _, row := range res.Rows {
			row := row
			g.Go(func() error {
				if err := ix.indexRow(gctx, rel, extractor, row); err != nil {
					if errors.Is(err, models.ErrNotFound) {
						return nil
					}
					return err
				}
				written.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return int(written.Load()), err
		}

		if len(res.Rows) < ix.opts.BatchSize {
			return int(written.Load()), nil
		}
	}
}

func (ix *Indexer) indexRow(ctx context.Context, rel *Related, extractor Extractor, row store.Record) error {
	entry, err := extractor.Build(ctx, rel, row)
	if err != nil {
		return fmt.Errorf("failed to build %s entry: %w", extractor.EntityType(), err)
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = ix.clock.Now()
	}
	entry.UpdatedAt = entry.UpdatedAt.UTC().Truncate(time.Millisecond)

	if err := ix.index.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("failed to store %s entry: %w", entry.ID(), err)
	}
	return nil
}

func (ix *Indexer) extractor(entityType models.EntityType) (Extractor, error) {
	e, ok := ix.extractors[entityType]
	if !ok {
		return nil, fmt.Errorf("%q: %w", entityType, models.ErrUnknownEntityType)
	}
	return e, nil
}
