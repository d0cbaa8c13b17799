package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/repositories"
	"github.com/fabienpiette/speedlayer/internal/store"
)

// ErrStoreDown is returned by FlakyStore while failing
var ErrStoreDown = errors.New("durable tier unavailable")

// FlakyStore wraps a real store client and fails every call while Down is set
type FlakyStore struct {
	store.Client
	down  atomic.Bool
	reads atomic.Int64
}

// NewFlakyStore wraps client
func NewFlakyStore(client store.Client) *FlakyStore {
	return &FlakyStore{Client: client}
}

// SetDown toggles failure mode
func (f *FlakyStore) SetDown(down bool) {
	f.down.Store(down)
}

// Reads returns how many reads reached the store
func (f *FlakyStore) Reads() int64 {
	return f.reads.Load()
}

func (f *FlakyStore) Read(ctx context.Context, table string, opts store.ReadOptions) (*store.Result, error) {
	f.reads.Add(1)
	if f.down.Load() {
		return nil, ErrStoreDown
	}
	return f.Client.Read(ctx, table, opts)
}

func (f *FlakyStore) Upsert(ctx context.Context, table string, record store.Record, conflictKeys ...string) error {
	if f.down.Load() {
		return ErrStoreDown
	}
	return f.Client.Upsert(ctx, table, record, conflictKeys...)
}

func (f *FlakyStore) Insert(ctx context.Context, table string, record store.Record, ignoreConflict bool) (int64, error) {
	if f.down.Load() {
		return 0, ErrStoreDown
	}
	return f.Client.Insert(ctx, table, record, ignoreConflict)
}

func (f *FlakyStore) Update(ctx context.Context, table string, set store.Record, filters ...store.Filter) (int64, error) {
	if f.down.Load() {
		return 0, ErrStoreDown
	}
	return f.Client.Update(ctx, table, set, filters...)
}

func (f *FlakyStore) Delete(ctx context.Context, table string, filters ...store.Filter) (int64, error) {
	if f.down.Load() {
		return 0, ErrStoreDown
	}
	return f.Client.Delete(ctx, table, filters...)
}

func (f *FlakyStore) Ping(ctx context.Context) error {
	if f.down.Load() {
		return ErrStoreDown
	}
	return f.Client.Ping(ctx)
}

// MockCacheRepository provides mock implementation for CacheRepository
type MockCacheRepository struct {
	mock.Mock
}

func (m *MockCacheRepository) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CacheEntry), args.Error(1)
}

func (m *MockCacheRepository) Put(ctx context.Context, entry *models.CacheEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockCacheRepository) Touch(ctx context.Context, key string, expiresAt, at time.Time) error {
	args := m.Called(ctx, key, expiresAt, at)
	return args.Error(0)
}

func (m *MockCacheRepository) DeleteMatching(ctx context.Context, substr string) (int64, error) {
	args := m.Called(ctx, substr)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCacheRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

// MockSettingsRepository provides mock implementation for SettingsRepository
type MockSettingsRepository struct {
	mock.Mock
}

func (m *MockSettingsRepository) GetAll(ctx context.Context) (map[string]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

func (m *MockSettingsRepository) Set(ctx context.Context, key, value string) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func (m *MockSettingsRepository) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	args := m.Called(ctx, key, value)
	return args.Bool(0), args.Error(1)
}

// MockMetricsRepository provides mock implementation for MetricsRepository
type MockMetricsRepository struct {
	mock.Mock
}

func (m *MockMetricsRepository) Record(ctx context.Context, metric *models.PerformanceMetric) error {
	args := m.Called(ctx, metric)
	return args.Error(0)
}

func (m *MockMetricsRepository) Since(ctx context.Context, since time.Time) ([]*models.PerformanceMetric, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.PerformanceMetric), args.Error(1)
}

func (m *MockMetricsRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

// MemorySettingsRepository is an in-memory SettingsRepository
type MemorySettingsRepository struct {
	mu     sync.Mutex
	values map[string]string
	Err    error
}

// NewMemorySettingsRepository creates an empty settings store
func NewMemorySettingsRepository() *MemorySettingsRepository {
	return &MemorySettingsRepository{values: make(map[string]string)}
}

func (r *MemorySettingsRepository) GetAll(ctx context.Context) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out, nil
}

func (r *MemorySettingsRepository) Set(ctx context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.values[key] = value
	return nil
}

func (r *MemorySettingsRepository) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	if _, ok := r.values[key]; ok {
		return false, nil
	}
	r.values[key] = value
	return true, nil
}

var _ repositories.SettingsRepository = (*MemorySettingsRepository)(nil)
var _ repositories.CacheRepository = (*MockCacheRepository)(nil)
var _ repositories.SettingsRepository = (*MockSettingsRepository)(nil)
var _ repositories.MetricsRepository = (*MockMetricsRepository)(nil)
var _ store.Client = (*FlakyStore)(nil)
