package settings

import (
	"context"
	"sync"

	"github.com/fabienpiette/speedlayer/internal/models"
)

// Fixed is a Source holding settings in memory. Commands that run without
// the app_settings table, and tests, use it.
type Fixed struct {
	mu sync.RWMutex
	s  models.Settings
}

// NewFixed returns a Source that serves s until Set is called
func NewFixed(s models.Settings) *Fixed {
	return &Fixed{s: s}
}

// Current returns the held settings
func (f *Fixed) Current(ctx context.Context) models.Settings {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.s
}

// Set replaces the held settings
func (f *Fixed) Set(s models.Settings) {
	f.mu.Lock()
	f.s = s
	f.mu.Unlock()
}

var (
	_ Source = (*Fixed)(nil)
	_ Source = (*Provider)(nil)
)
