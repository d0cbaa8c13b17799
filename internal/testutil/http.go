package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fabienpiette/speedlayer/internal/models"
)

// HTTPTestContext provides utilities for HTTP testing
type HTTPTestContext struct {
	Handler http.Handler
	t       *testing.T
}

// NewHTTPTestContext creates a new HTTP test context around handler
func NewHTTPTestContext(t *testing.T, handler http.Handler) *HTTPTestContext {
	return &HTTPTestContext{
		Handler: handler,
		t:       t,
	}
}

// HTTPTestRequest represents a test HTTP request
type HTTPTestRequest struct {
	Method      string
	Path        string
	Body        interface{}
	Headers     map[string]string
	QueryParams map[string][]string
}

// HTTPTestResponse represents a test HTTP response
type HTTPTestResponse struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// MakeRequest makes an HTTP request and returns the response
func (ctx *HTTPTestContext) MakeRequest(req HTTPTestRequest) *HTTPTestResponse {
	var body io.Reader

	// Prepare request body
	if req.Body != nil {
		if str, ok := req.Body.(string); ok {
			body = strings.NewReader(str)
		} else {
			bodyBytes, err := json.Marshal(req.Body)
			require.NoError(ctx.t, err)
			body = bytes.NewReader(bodyBytes)
		}
	}

	httpReq := httptest.NewRequest(req.Method, req.Path, body)

	if req.QueryParams != nil {
		q := httpReq.URL.Query()
		for key, values := range req.QueryParams {
			for _, value := range values {
				q.Add(key, value)
			}
		}
		httpReq.URL.RawQuery = q.Encode()
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	// Set default content type for JSON requests
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	ctx.Handler.ServeHTTP(w, httpReq)

	return &HTTPTestResponse{
		StatusCode: w.Code,
		Body:       w.Body.Bytes(),
		Headers:    w.Header(),
	}
}

// AssertJSONResponse asserts that the response is JSON and matches expected status
func (ctx *HTTPTestContext) AssertJSONResponse(resp *HTTPTestResponse, expectedStatus int, target interface{}) {
	require.Equal(ctx.t, expectedStatus, resp.StatusCode, "body: %s", resp.GetResponseString())
	require.Equal(ctx.t, "application/json; charset=utf-8", resp.Headers.Get("Content-Type"))

	if target != nil {
		err := json.Unmarshal(resp.Body, target)
		require.NoError(ctx.t, err, "Failed to unmarshal JSON response: %s", string(resp.Body))
	}
}

// AssertProblemResponse asserts that the response is a problem document
// with the expected status and returns it
func (ctx *HTTPTestContext) AssertProblemResponse(resp *HTTPTestResponse, expectedStatus int) *models.APIError {
	require.Equal(ctx.t, expectedStatus, resp.StatusCode, "body: %s", resp.GetResponseString())

	var problem models.APIError
	require.NoError(ctx.t, json.Unmarshal(resp.Body, &problem))
	require.Equal(ctx.t, expectedStatus, problem.Status)
	require.NotEmpty(ctx.t, problem.Type)
	return &problem
}

// GetJSONField extracts a field from JSON response
func (ctx *HTTPTestContext) GetJSONField(resp *HTTPTestResponse, field string) interface{} {
	var data map[string]interface{}
	err := json.Unmarshal(resp.Body, &data)
	require.NoError(ctx.t, err)

	return data[field]
}

// GetResponseString returns the response body as string
func (resp *HTTPTestResponse) GetResponseString() string {
	return string(resp.Body)
}

// WebSocketTestServer serves a handler over a real listener so WebSocket
// clients can connect
type WebSocketTestServer struct {
	Server *httptest.Server
	t      *testing.T
}

// NewWebSocketTestServer starts handler on a loopback listener. It is closed
// when the test ends.
func NewWebSocketTestServer(t *testing.T, handler http.Handler) *WebSocketTestServer {
	ws := &WebSocketTestServer{
		Server: httptest.NewServer(handler),
		t:      t,
	}
	t.Cleanup(ws.Stop)
	return ws
}

// Dial opens a WebSocket connection to path
func (ws *WebSocketTestServer) Dial(path string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(ws.Server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(ws.t, err)
	ws.t.Cleanup(func() { conn.Close() })
	return conn
}

// ReadJSON reads the next message into target, failing after timeout
func (ws *WebSocketTestServer) ReadJSON(conn *websocket.Conn, target interface{}, timeout time.Duration) {
	require.NoError(ws.t, conn.SetReadDeadline(time.Now().Add(timeout)))
	require.NoError(ws.t, conn.ReadJSON(target))
}

// Stop stops the WebSocket test server
func (ws *WebSocketTestServer) Stop() {
	if ws.Server != nil {
		ws.Server.Close()
	}
}
