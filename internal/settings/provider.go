// Package settings resolves the runtime operating parameters of the
// acceleration layer from the app_settings rows, materializing defaults the
// first time a key is found missing.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/fabienpiette/speedlayer/internal/clock"
	"github.com/fabienpiette/speedlayer/internal/config"
	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/repositories"
)

// DefaultRefreshInterval is how long a loaded snapshot is reused
const DefaultRefreshInterval = 30 * time.Second

// Source is what components depend on to read settings
type Source interface {
	Current(ctx context.Context) models.Settings
}

// Defaults returns the built-in settings
func Defaults() models.Settings {
	return models.Settings{
		CacheEnabled:     true,
		PrefetchEnabled:  true,
		CacheTTLMinutes:  30,
		SearchTTLMinutes: 5,
		PageSize:         20,
		DebounceMS:       300,
	}
}

// DefaultsFromConfig derives the defaults written on first access from the
// static configuration
func DefaultsFromConfig(cfg *config.Config) models.Settings {
	s := Defaults()
	if cfg.Cache.DefaultTTLMinutes > 0 {
		s.CacheTTLMinutes = cfg.Cache.DefaultTTLMinutes
	}
	if cfg.Search.DefaultTTLMinutes > 0 {
		s.SearchTTLMinutes = cfg.Search.DefaultTTLMinutes
	}
	if cfg.Pagination.DefaultPageSize > 0 {
		s.PageSize = cfg.Pagination.DefaultPageSize
	}
	if cfg.Debounce.DefaultDelayMS >= 0 {
		s.DebounceMS = cfg.Debounce.DefaultDelayMS
	}
	return s
}

// Provider caches the settings snapshot and refreshes it periodically. Reads
// never wait on the durable tier once the first load finished: a stale
// snapshot is served while a single background load replaces it.
type Provider struct {
	repo     repositories.SettingsRepository
	defaults models.Settings
	refresh  time.Duration
	clock    clock.Clock
	logger   *logrus.Logger

	snapshot atomic.Pointer[snapshot]
	group    singleflight.Group

	// mu orders snapshot commits against Invalidate
	mu  sync.Mutex
	gen uint64
}

type snapshot struct {
	settings models.Settings
	loadedAt time.Time
}

// NewProvider creates a settings provider
func NewProvider(repo repositories.SettingsRepository, defaults models.Settings, refresh time.Duration, clk clock.Clock, logger *logrus.Logger) *Provider {
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Provider{
		repo:     repo,
		defaults: defaults,
		refresh:  refresh,
		clock:    clk,
		logger:   logger,
	}
}

// Current returns the active settings. It never fails: when the durable tier
// is unreachable the last known values, or the defaults, are returned. Only
// the very first call waits for a load.
func (p *Provider) Current(ctx context.Context) models.Settings {
	snap := p.snapshot.Load()
	if snap == nil {
		return p.reload(ctx)
	}
	if p.clock.Now().Sub(snap.loadedAt) >= p.refresh {
		p.refreshInBackground()
	}
	return snap.settings
}

// Defaults returns the values materialized for missing keys
func (p *Provider) Defaults() models.Settings {
	return p.defaults
}

// Update validates and persists values, then reloads the snapshot before
// returning it
func (p *Provider) Update(ctx context.Context, values map[string]string) (models.Settings, error) {
	var verrs models.ValidationErrors
	candidate := p.defaults
	for key, value := range values {
		if err := apply(&candidate, key, value); err != nil {
			verrs.Add(key, "invalid", err.Error())
		}
	}
	if err := verrs.Err(); err != nil {
		return models.Settings{}, err
	}

	for key, value := range values {
		if err := p.repo.Set(ctx, key, value); err != nil {
			return models.Settings{}, fmt.Errorf("failed to save setting %s: %w", key, err)
		}
	}

	p.Invalidate()
	p.logger.WithField("keys", len(values)).Info("Settings updated")
	return p.reload(ctx), nil
}

// Invalidate marks the snapshot stale. Loads that started earlier are
// discarded; the next Current call keeps serving the old values while a
// fresh load runs.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	if snap := p.snapshot.Load(); snap != nil {
		p.snapshot.Store(&snapshot{settings: snap.settings})
	}
}

func (p *Provider) generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

// reload loads the settings and waits for the result. Concurrent callers of
// one generation share a load.
func (p *Provider) reload(ctx context.Context) models.Settings {
	gen := p.generation()
	v, _, _ := p.group.Do(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		return p.loadAndCommit(context.WithoutCancel(ctx), gen), nil
	})
	return v.(models.Settings)
}

func (p *Provider) refreshInBackground() {
	gen := p.generation()
	p.group.DoChan(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		return p.loadAndCommit(context.Background(), gen), nil
	})
}

func (p *Provider) loadAndCommit(ctx context.Context, gen uint64) models.Settings {
	now := p.clock.Now()
	s, err := p.load(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.logger.WithError(err).Warn("Failed to load settings, using last known values")
		s = p.defaults
		if prev := p.snapshot.Load(); prev != nil {
			s = prev.settings
		}
	}
	if p.gen == gen {
		p.snapshot.Store(&snapshot{settings: s, loadedAt: now})
	}
	return s
}

func (p *Provider) load(ctx context.Context) (models.Settings, error) {
	stored, err := p.repo.GetAll(ctx)
	if err != nil {
		return models.Settings{}, err
	}

	defaults := encode(p.defaults)
	s := p.defaults
	for _, key := range models.SettingKeys {
		value, ok := stored[key]
		if !ok {
			if _, err := p.repo.SetIfAbsent(ctx, key, defaults[key]); err != nil {
				p.logger.WithError(err).WithField("key", key).Warn("Failed to materialize default setting")
			} else {
				p.logger.WithFields(logrus.Fields{"key": key, "value": defaults[key]}).Debug("Materialized default setting")
			}
			continue
		}
		if err := apply(&s, key, value); err != nil {
			p.logger.WithError(err).WithField("key", key).Warn("Ignoring invalid stored setting")
		}
	}
	return s, nil
}

// encode renders settings as their stored string form
func encode(s models.Settings) map[string]string {
	return map[string]string{
		models.SettingCacheEnabled:     strconv.FormatBool(s.CacheEnabled),
		models.SettingPrefetchEnabled:  strconv.FormatBool(s.PrefetchEnabled),
		models.SettingCacheTTLMinutes:  strconv.Itoa(s.CacheTTLMinutes),
		models.SettingSearchTTLMinutes: strconv.Itoa(s.SearchTTLMinutes),
		models.SettingPageSize:         strconv.Itoa(s.PageSize),
		models.SettingDebounceMS:       strconv.Itoa(s.DebounceMS),
	}
}

func apply(s *models.Settings, key, value string) error {
	switch key {
	case models.SettingCacheEnabled:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%q is not a boolean", value)
		}
		s.CacheEnabled = b
	case models.SettingPrefetchEnabled:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%q is not a boolean", value)
		}
		s.PrefetchEnabled = b
	case models.SettingCacheTTLMinutes:
		return positive(value, &s.CacheTTLMinutes)
	case models.SettingSearchTTLMinutes:
		return positive(value, &s.SearchTTLMinutes)
	case models.SettingPageSize:
		return positive(value, &s.PageSize)
	case models.SettingDebounceMS:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%q must be a non-negative integer", value)
		}
		s.DebounceMS = n
	default:
		return fmt.Errorf("unknown setting")
	}
	return nil
}

func positive(value string, dst *int) error {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fmt.Errorf("%q must be a positive integer", value)
	}
	*dst = n
	return nil
}
