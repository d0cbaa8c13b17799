package repositories

import (
	"context"
	"time"

	"github.com/fabienpiette/speedlayer/internal/store"
)

type settingsRepository struct {
	store store.Client
}

// NewSettingsRepository creates the app settings repository
func NewSettingsRepository(client store.Client) SettingsRepository {
	return &settingsRepository{store: client}
}

// GetAll retrieves all application settings
func (r *settingsRepository) GetAll(ctx context.Context) (map[string]string, error) {
	res, err := r.store.Read(ctx, TableAppSettings, store.ReadOptions{
		Columns: []string{"key", "value"},
	})
	if err != nil {
		return nil, err
	}

	settings := make(map[string]string, len(res.Rows))
	for _, row := range res.Rows {
		settings[row.String("key")] = row.String("value")
	}
	return settings, nil
}

// Set sets an application setting
func (r *settingsRepository) Set(ctx context.Context, key, value string) error {
	return r.store.Upsert(ctx, TableAppSettings, store.Record{
		"key":        key,
		"value":      value,
		"updated_at": time.Now().UnixMilli(),
	}, "key")
}

// SetIfAbsent writes value only when key has no row yet and reports whether
// it wrote
func (r *settingsRepository) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	n, err := r.store.Insert(ctx, TableAppSettings, store.Record{
		"key":        key,
		"value":      value,
		"updated_at": time.Now().UnixMilli(),
	}, true)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
