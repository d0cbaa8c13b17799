package pagination

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabienpiette/speedlayer/internal/cache"
	"github.com/fabienpiette/speedlayer/internal/clock"
	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/repositories"
	"github.com/fabienpiette/speedlayer/internal/settings"
	"github.com/fabienpiette/speedlayer/internal/testutil"
	"github.com/fabienpiette/speedlayer/internal/workers"
)

type fixture struct {
	paginator *Paginator
	cache     *cache.Cache
	flaky     *testutil.FlakyStore
	seeder    *testutil.TestDataSeeder
	settings  *settings.Fixed
	clock     *clock.Fake
}

func newFixture(t *testing.T, pool *workers.Pool) *fixture {
	t.Helper()

	client, db := testutil.SetupTestStore(t)
	flaky := testutil.NewFlakyStore(client)
	clk := clock.NewFake(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	src := settings.NewFixed(settings.Defaults())
	logger := testutil.SetupTestLogger(t)
	c := cache.New(nil, src, nil, clk, logger, cache.Options{})

	opts := DefaultOptions()
	opts.PrefetchPerSecond = 1000
	opts.PrefetchWait = time.Second

	return &fixture{
		paginator: New(flaky, c, src, pool, nil, clk, logger, opts),
		cache:     c,
		flaky:     flaky,
		seeder:    testutil.NewTestDataSeeder(db.DB),
		settings:  src,
		clock:     clk,
	}
}

func (f *fixture) seedRequests(t *testing.T, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		status := "submitted"
		if i%3 == 0 {
			status = "approved"
		}
		f.seeder.InsertRequest(t, testutil.RequestFixture{
			Title:      fmt.Sprintf("Request %02d", i),
			Amount:     float64(i * 10),
			Department: "Operations",
			Status:     status,
		})
	}
}

func startPool(t *testing.T) *workers.Pool {
	t.Helper()
	pool, err := workers.NewPool(2, 16, testutil.SetupTestLogger(t))
	require.NoError(t, err)
	pool.Start()
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return pool
}

func TestPaginate_Invariants(t *testing.T) {
	f := newFixture(t, nil)
	f.seedRequests(t, 23)
	ctx := context.Background()

	seen := map[int64]bool{}
	first, err := f.paginator.Paginate(ctx, &models.PageRequest{Collection: "requests", Page: 1, PageSize: 7})
	require.NoError(t, err)

	pg := first.Pagination
	assert.Equal(t, 23, pg.Total)
	assert.Equal(t, 4, pg.TotalPages)

	for page := 1; page <= pg.TotalPages; page++ {
		res, err := f.paginator.Paginate(ctx, &models.PageRequest{Collection: "requests", Page: page, PageSize: 7})
		require.NoError(t, err)

		assert.Equal(t, page < 4, res.Pagination.HasNext, "page %d", page)
		assert.Equal(t, page > 1, res.Pagination.HasPrevious, "page %d", page)
		for _, row := range res.Data {
			id, ok := row["id"].(int64)
			require.True(t, ok)
			assert.False(t, seen[id], "duplicate id %d", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, 23)
}

func TestPaginate_EmptyCollection(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.paginator.Paginate(context.Background(), &models.PageRequest{Collection: "users", Page: 1})
	require.NoError(t, err)
	assert.Empty(t, res.Data)
	assert.Equal(t, models.Pagination{Page: 1, PageSize: 20}, res.Pagination)
}

func TestPaginate_DefaultPageSizeFromSettings(t *testing.T) {
	f := newFixture(t, nil)
	f.seedRequests(t, 5)

	s := settings.Defaults()
	s.PageSize = 2
	f.settings.Set(s)

	res, err := f.paginator.Paginate(context.Background(), &models.PageRequest{Collection: "requests", Page: 1})
	require.NoError(t, err)
	assert.Len(t, res.Data, 2)
	assert.Equal(t, 3, res.Pagination.TotalPages)
}

func TestPaginate_FiltersAndOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.seedRequests(t, 9)
	ctx := context.Background()

	res, err := f.paginator.Paginate(ctx, &models.PageRequest{
		Collection: "requests",
		Page:       1,
		Filters:    map[string]interface{}{"status": "approved"},
		OrderBy:    []models.OrderBy{{Field: "amount", Desc: true}},
	})
	require.NoError(t, err)
	require.Len(t, res.Data, 3)
	assert.Equal(t, "Request 09", res.Data[0]["title"])
	assert.Equal(t, "Request 03", res.Data[2]["title"])

	res, err = f.paginator.Paginate(ctx, &models.PageRequest{
		Collection: "requests",
		Page:       1,
		Filters: map[string]interface{}{
			"amount__gte": 40,
			"title":       []interface{}{"Request 04", "Request 05", "Request 01"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pagination.Total)
}

func TestPaginate_Validation(t *testing.T) {
	f := newFixture(t, nil)

	cases := []*models.PageRequest{
		nil,
		{Collection: "secrets", Page: 1},
		{Collection: "requests", Page: 0},
		{Collection: "requests", Page: 1, PageSize: -1},
		{Collection: "requests", Page: 1, PageSize: 101},
		{Collection: "requests", Page: 1, Filters: map[string]interface{}{"1=1; --": "x"}},
		{Collection: "requests", Page: 1, Filters: map[string]interface{}{"amount__between": 3}},
		{Collection: "requests", Page: 1, Filters: map[string]interface{}{"status": []interface{}{}}},
		{Collection: "requests", Page: 1, OrderBy: []models.OrderBy{{Field: "amount desc"}}},
	}
	for _, req := range cases {
		_, err := f.paginator.Paginate(context.Background(), req)
		assert.ErrorIs(t, err, models.ErrInvalidInput, "%+v", req)
	}
	assert.Zero(t, f.flaky.Reads())
}

func TestPaginate_CachesPages(t *testing.T) {
	f := newFixture(t, nil)
	f.seedRequests(t, 3)
	ctx := context.Background()
	req := &models.PageRequest{Collection: "requests", Page: 1}

	first, err := f.paginator.Paginate(ctx, req)
	require.NoError(t, err)
	second, err := f.paginator.Paginate(ctx, req)
	require.NoError(t, err)

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, int64(1), f.flaky.Reads())

	n, err := f.cache.Invalidate(ctx, CollectionPattern("requests"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	third, err := f.paginator.Paginate(ctx, req)
	require.NoError(t, err)
	assert.False(t, third.Cached)
}

func TestPaginate_DurableHitKeepsRowTypes(t *testing.T) {
	client, db := testutil.SetupTestStore(t)
	clk := clock.NewFake(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	src := settings.NewFixed(settings.Defaults())
	logger := testutil.SetupTestLogger(t)
	durable := repositories.NewCacheRepository(client)

	seeder := testutil.NewTestDataSeeder(db.DB)
	for i := 1; i <= 3; i++ {
		seeder.InsertRequest(t, testutil.RequestFixture{
			Title:      fmt.Sprintf("Request %02d", i),
			Amount:     float64(i) + 0.5,
			Department: "Operations",
			Status:     "submitted",
		})
	}

	newPaginator := func() *Paginator {
		c := cache.New(durable, src, nil, clk, logger, cache.Options{})
		return New(client, c, src, nil, nil, clk, logger, DefaultOptions())
	}
	ctx := context.Background()
	req := &models.PageRequest{Collection: "requests", Page: 1}

	first, err := newPaginator().Paginate(ctx, req)
	require.NoError(t, err)
	require.False(t, first.Cached)

	// a second process finds the page in the durable tier only
	second, err := newPaginator().Paginate(ctx, req)
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Len(t, second.Data, len(first.Data))

	for i, row := range second.Data {
		assert.IsType(t, int64(0), row["id"])
		assert.Equal(t, first.Data[i]["id"], row["id"])
		assert.Equal(t, first.Data[i]["title"], row["title"])
		assert.Equal(t, first.Data[i]["amount"], row["amount"])
	}
}

func TestPaginate_PrefetchesNextPage(t *testing.T) {
	f := newFixture(t, startPool(t))
	f.seedRequests(t, 25)
	ctx := context.Background()

	_, err := f.paginator.Paginate(ctx, &models.PageRequest{Collection: "requests", Page: 1, PageSize: 10})
	require.NoError(t, err)

	q, err := f.paginator.validate(&models.PageRequest{Collection: "requests", Page: 2, PageSize: 10}, 20)
	require.NoError(t, err)
	testutil.WaitForCondition(t, func() bool {
		_, ok := f.cache.Peek(q.key(2))
		return ok
	}, 2*time.Second, "next page was not prefetched")

	second, err := f.paginator.Paginate(ctx, &models.PageRequest{Collection: "requests", Page: 2, PageSize: 10})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	require.Len(t, second.Data, 10)
	assert.Equal(t, "Request 11", second.Data[0]["title"])
}

func TestPaginate_NoPrefetchWhenDisabledOrLastPage(t *testing.T) {
	f := newFixture(t, startPool(t))
	f.seedRequests(t, 15)
	ctx := context.Background()

	s := settings.Defaults()
	s.PrefetchEnabled = false
	f.settings.Set(s)

	_, err := f.paginator.Paginate(ctx, &models.PageRequest{Collection: "requests", Page: 1, PageSize: 10})
	require.NoError(t, err)

	f.settings.Set(settings.Defaults())
	_, err = f.paginator.Paginate(ctx, &models.PageRequest{Collection: "requests", Page: 2, PageSize: 10})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(2), f.flaky.Reads())
}

func TestPaginate_DegradedWhenStoreDown(t *testing.T) {
	f := newFixture(t, startPool(t))
	f.seedRequests(t, 30)
	f.flaky.SetDown(true)
	ctx := context.Background()

	res, err := f.paginator.Paginate(ctx, &models.PageRequest{Collection: "requests", Page: 2, PageSize: 10})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Empty(t, res.Data)
	assert.NotNil(t, res.Data)
	assert.Equal(t, 2, res.Pagination.Page)
	assert.Equal(t, int64(1), f.flaky.Reads(), "degraded pages do not prefetch")

	f.flaky.SetDown(false)
	res, err = f.paginator.Paginate(ctx, &models.PageRequest{Collection: "requests", Page: 2, PageSize: 10})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.False(t, res.Degraded)
	assert.Len(t, res.Data, 10)
}

func TestKeysSeparateScopes(t *testing.T) {
	f := newFixture(t, nil)

	a, err := f.paginator.validate(&models.PageRequest{Collection: "requests", Page: 1, Filters: map[string]interface{}{"status": "approved"}}, 20)
	require.NoError(t, err)
	b, err := f.paginator.validate(&models.PageRequest{Collection: "requests", Page: 1, Filters: map[string]interface{}{"status": "draft"}}, 20)
	require.NoError(t, err)
	c, err := f.paginator.validate(&models.PageRequest{Collection: "requests", Page: 1, Filters: map[string]interface{}{"status": "approved"}}, 20)
	require.NoError(t, err)

	assert.NotEqual(t, a.key(1), b.key(1))
	assert.Equal(t, a.key(1), c.key(1))
	assert.NotEqual(t, a.key(1), a.key(2))
	assert.Contains(t, a.key(1), CollectionPattern("requests"))
}
