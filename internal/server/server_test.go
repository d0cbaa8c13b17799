package server

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabienpiette/speedlayer/internal/middleware"
	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/services"
	"github.com/fabienpiette/speedlayer/internal/testutil"
)

func setupServer(t *testing.T) (*testutil.HTTPTestContext, *HTTPServer) {
	t.Helper()

	cfg := testutil.GetTestConfig(t)
	container, err := services.NewContainer(cfg, testutil.SetupTestLogger(t))
	require.NoError(t, err)
	container.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = container.Stop(ctx)
	})

	testutil.NewTestDataSeeder(container.DB().DB).SeedBasicData(t)

	srv := NewHTTPServer(cfg, container)
	return testutil.NewHTTPTestContext(t, srv.Handler()), srv
}

func rebuild(t *testing.T, ctx *testutil.HTTPTestContext) {
	t.Helper()

	resp := ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodPost, Path: "/api/v1/index/rebuild"})
	var body struct {
		Indexed map[string]int `json:"indexed"`
		Total   int            `json:"total"`
	}
	ctx.AssertJSONResponse(resp, http.StatusOK, &body)
	require.Equal(t, 8, body.Total)
}

func TestServer_Health(t *testing.T) {
	ctx, _ := setupServer(t)

	resp := ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodGet, Path: "/health"})
	var body map[string]interface{}
	ctx.AssertJSONResponse(resp, http.StatusOK, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body["services"], "database")
	assert.NotEmpty(t, resp.Headers.Get(middleware.RequestIDHeader))
}

func TestServer_Metrics(t *testing.T) {
	ctx, _ := setupServer(t)

	ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodGet, Path: "/api/v1/cache/missing"})

	resp := ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodGet, Path: "/metrics"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.GetResponseString(), "speedlayer_")
	assert.Contains(t, resp.GetResponseString(), "go_goroutines")
}

func TestServer_CacheRoundTrip(t *testing.T) {
	ctx, _ := setupServer(t)

	resp := ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodGet, Path: "/api/v1/cache/report:1"})
	problem := ctx.AssertProblemResponse(resp, http.StatusNotFound)
	assert.Equal(t, "/api/v1/cache/report:1", problem.Instance)

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{
		Method: http.MethodPut,
		Path:   "/api/v1/cache/report:1",
		Body:   map[string]interface{}{"value": map[string]interface{}{"total": 42}, "ttl_seconds": 60},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode, resp.GetResponseString())

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodGet, Path: "/api/v1/cache/report:1"})
	var got struct {
		Key   string                 `json:"key"`
		Value map[string]interface{} `json:"value"`
	}
	ctx.AssertJSONResponse(resp, http.StatusOK, &got)
	assert.Equal(t, "report:1", got.Key)
	assert.Equal(t, float64(42), got.Value["total"])

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{
		Method:      http.MethodDelete,
		Path:        "/api/v1/cache",
		QueryParams: map[string][]string{"pattern": {"report:"}},
	})
	ctx.AssertJSONResponse(resp, http.StatusOK, nil)
	assert.Equal(t, float64(1), ctx.GetJSONField(resp, "removed"))

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodGet, Path: "/api/v1/cache/report:1"})
	ctx.AssertProblemResponse(resp, http.StatusNotFound)
}

func TestServer_CacheRejectsBadInput(t *testing.T) {
	ctx, _ := setupServer(t)

	resp := ctx.MakeRequest(testutil.HTTPTestRequest{
		Method: http.MethodPut,
		Path:   "/api/v1/cache/report:1",
		Body:   `{"ttl_seconds": 60}`,
	})
	problem := ctx.AssertProblemResponse(resp, http.StatusBadRequest)
	require.Len(t, problem.Errors, 1)
	assert.Equal(t, "body", problem.Errors[0].Field)

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodDelete, Path: "/api/v1/cache"})
	ctx.AssertProblemResponse(resp, http.StatusBadRequest)
}

func TestServer_Search(t *testing.T) {
	ctx, _ := setupServer(t)
	rebuild(t, ctx)

	resp := ctx.MakeRequest(testutil.HTTPTestRequest{
		Method:      http.MethodGet,
		Path:        "/api/v1/search",
		QueryParams: map[string][]string{"q": {"invoice"}, "entity_type": {"request,user"}},
	})
	var body models.SearchResponse
	ctx.AssertJSONResponse(resp, http.StatusOK, &body)
	assert.Equal(t, 2, body.Total)
	assert.False(t, body.Cached)
	for _, r := range body.Results {
		assert.Equal(t, models.EntityTypeRequest, r.EntityType)
		assert.NotEmpty(t, r.Highlights)
	}
	assert.Contains(t, body.Facets, models.FilterEntityType)

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{
		Method: http.MethodPost,
		Path:   "/api/v1/search",
		Body: models.SearchQuery{
			Text:    "invoice",
			Filters: map[string]interface{}{models.FilterEntityType: []interface{}{"request", "user"}},
		},
	})
	ctx.AssertJSONResponse(resp, http.StatusOK, &body)
	assert.Equal(t, 2, body.Total)
	assert.True(t, body.Cached)
}

func TestServer_SearchRejectsBadInput(t *testing.T) {
	ctx, _ := setupServer(t)

	resp := ctx.MakeRequest(testutil.HTTPTestRequest{
		Method:      http.MethodGet,
		Path:        "/api/v1/search",
		QueryParams: map[string][]string{"q": {"invoice"}, "limit": {"ten"}},
	})
	problem := ctx.AssertProblemResponse(resp, http.StatusBadRequest)
	require.Len(t, problem.Errors, 1)
	assert.Equal(t, "limit", problem.Errors[0].Field)

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{
		Method: http.MethodPost,
		Path:   "/api/v1/search",
		Body:   `{"text": `,
	})
	ctx.AssertProblemResponse(resp, http.StatusBadRequest)
}

func TestServer_IndexEntity(t *testing.T) {
	ctx, srv := setupServer(t)
	rebuild(t, ctx)

	_, err := srv.container.DB().Exec(`UPDATE requests SET description = ? WHERE id = 3`, "Flights to Luxor")
	require.NoError(t, err)

	resp := ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodPost, Path: "/api/v1/index/request/3"})
	ctx.AssertJSONResponse(resp, http.StatusOK, nil)
	assert.Equal(t, true, ctx.GetJSONField(resp, "indexed"))

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{
		Method:      http.MethodGet,
		Path:        "/api/v1/search",
		QueryParams: map[string][]string{"q": {"luxor"}},
	})
	var body models.SearchResponse
	ctx.AssertJSONResponse(resp, http.StatusOK, &body)
	require.Len(t, body.Results, 1)
	assert.Equal(t, "request:3", body.Results[0].ID)

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodDelete, Path: "/api/v1/index/request/3"})
	ctx.AssertJSONResponse(resp, http.StatusOK, nil)
	assert.Equal(t, true, ctx.GetJSONField(resp, "removed"))

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodDelete, Path: "/api/v1/index/request/3"})
	ctx.AssertJSONResponse(resp, http.StatusOK, nil)
	assert.Equal(t, false, ctx.GetJSONField(resp, "removed"))

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodPost, Path: "/api/v1/index/request/999"})
	ctx.AssertProblemResponse(resp, http.StatusNotFound)

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodPost, Path: "/api/v1/index/invoice/1"})
	ctx.AssertProblemResponse(resp, http.StatusBadRequest)
}

func TestServer_RebuildSelectedTypes(t *testing.T) {
	ctx, _ := setupServer(t)

	resp := ctx.MakeRequest(testutil.HTTPTestRequest{
		Method: http.MethodPost,
		Path:   "/api/v1/index/rebuild",
		Body:   map[string]interface{}{"types": []string{"user"}},
	})
	var body struct {
		Indexed map[string]int `json:"indexed"`
		Total   int            `json:"total"`
	}
	ctx.AssertJSONResponse(resp, http.StatusOK, &body)
	assert.Equal(t, map[string]int{"user": 2}, body.Indexed)
	assert.Equal(t, 2, body.Total)

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{
		Method:      http.MethodPost,
		Path:        "/api/v1/index/rebuild",
		QueryParams: map[string][]string{"type": {"vendor"}},
	})
	ctx.AssertProblemResponse(resp, http.StatusBadRequest)
}

func TestServer_Collections(t *testing.T) {
	ctx, _ := setupServer(t)

	resp := ctx.MakeRequest(testutil.HTTPTestRequest{
		Method:      http.MethodGet,
		Path:        "/api/v1/collections/requests",
		QueryParams: map[string][]string{"order_by": {"-amount"}, "page_size": {"2"}},
	})
	var page models.PageResult
	ctx.AssertJSONResponse(resp, http.StatusOK, &page)
	require.Len(t, page.Data, 2)
	assert.Equal(t, 1250.5, page.Data[0]["amount"])
	assert.Equal(t, float64(890), page.Data[1]["amount"])
	assert.Equal(t, models.Pagination{
		Page:       1,
		PageSize:   2,
		Total:      3,
		TotalPages: 2,
		HasNext:    true,
	}, page.Pagination)

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{
		Method:      http.MethodGet,
		Path:        "/api/v1/collections/requests",
		QueryParams: map[string][]string{"status": {"approved", "draft"}},
	})
	ctx.AssertJSONResponse(resp, http.StatusOK, &page)
	assert.Equal(t, 2, page.Pagination.Total)

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{
		Method:      http.MethodGet,
		Path:        "/api/v1/collections/requests",
		QueryParams: map[string][]string{"amount__gt": {"500"}},
	})
	ctx.AssertJSONResponse(resp, http.StatusOK, &page)
	assert.Equal(t, 2, page.Pagination.Total)
}

func TestServer_CollectionsRejectBadInput(t *testing.T) {
	ctx, _ := setupServer(t)

	resp := ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodGet, Path: "/api/v1/collections/secrets"})
	problem := ctx.AssertProblemResponse(resp, http.StatusBadRequest)
	require.NotEmpty(t, problem.Errors)
	assert.Equal(t, "collection", problem.Errors[0].Field)

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{
		Method:      http.MethodGet,
		Path:        "/api/v1/collections/requests",
		QueryParams: map[string][]string{"page": {"first"}},
	})
	ctx.AssertProblemResponse(resp, http.StatusBadRequest)

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{
		Method:      http.MethodGet,
		Path:        "/api/v1/collections/requests",
		QueryParams: map[string][]string{"amount__between": {"1"}},
	})
	ctx.AssertProblemResponse(resp, http.StatusBadRequest)
}

func TestServer_Settings(t *testing.T) {
	ctx, _ := setupServer(t)

	resp := ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodGet, Path: "/api/v1/settings"})
	var settings models.Settings
	ctx.AssertJSONResponse(resp, http.StatusOK, &settings)
	assert.True(t, settings.CacheEnabled)

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{
		Method: http.MethodPut,
		Path:   "/api/v1/settings",
		Body:   map[string]interface{}{"page_size": 5, "prefetch_enabled": false},
	})
	ctx.AssertJSONResponse(resp, http.StatusOK, &settings)
	assert.Equal(t, 5, settings.PageSize)
	assert.False(t, settings.PrefetchEnabled)

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{
		Method: http.MethodPut,
		Path:   "/api/v1/settings",
		Body:   map[string]interface{}{"page_size": "lots"},
	})
	ctx.AssertProblemResponse(resp, http.StatusBadRequest)
}

func TestServer_AnalyticsAndOperations(t *testing.T) {
	ctx, _ := setupServer(t)

	ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodGet, Path: "/api/v1/cache/missing"})

	resp := ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodGet, Path: "/api/v1/operations"})
	var ops struct {
		Operations map[string]map[string]interface{} `json:"operations"`
	}
	ctx.AssertJSONResponse(resp, http.StatusOK, &ops)
	require.NotEmpty(t, ops.Operations)

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodGet, Path: "/api/v1/analytics"})
	var analytics models.Analytics
	ctx.AssertJSONResponse(resp, http.StatusOK, &analytics)
	assert.Equal(t, 7, analytics.Days)

	resp = ctx.MakeRequest(testutil.HTTPTestRequest{
		Method:      http.MethodGet,
		Path:        "/api/v1/analytics",
		QueryParams: map[string][]string{"days": {"week"}},
	})
	ctx.AssertProblemResponse(resp, http.StatusBadRequest)
}

func TestServer_SearchStream(t *testing.T) {
	ctx, srv := setupServer(t)
	rebuild(t, ctx)

	ws := testutil.NewWebSocketTestServer(t, srv.Handler())
	conn := ws.Dial("/api/v1/ws/search")

	var msg struct {
		Type      string                `json:"type"`
		RequestID string                `json:"request_id"`
		Data      models.SearchResponse `json:"data"`
	}
	ws.ReadJSON(conn, &msg, 3*time.Second)
	require.Equal(t, "connected", msg.Type)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":       "search",
		"request_id": "r1",
		"delay_ms":   10,
		"query":      map[string]interface{}{"text": "gloves"},
	}))

	ws.ReadJSON(conn, &msg, 3*time.Second)
	require.Equal(t, "results", msg.Type)
	assert.Equal(t, "r1", msg.RequestID)
	require.Len(t, msg.Data.Results, 1)
	assert.Equal(t, "item:1", msg.Data.Results[0].ID)
}

func TestServer_CORSPreflight(t *testing.T) {
	ctx, _ := setupServer(t)

	resp := ctx.MakeRequest(testutil.HTTPTestRequest{Method: http.MethodOptions, Path: "/api/v1/search"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, strings.Contains(resp.Headers.Get("Access-Control-Allow-Methods"), "PUT"))
}
