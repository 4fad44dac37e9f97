package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guido-cesarano/mediaq/pkg/config"
	"github.com/guido-cesarano/mediaq/pkg/ratelimit"
	"github.com/guido-cesarano/mediaq/pkg/store"
	"github.com/guido-cesarano/mediaq/pkg/tasks"
)

func instantFetch(_ context.Context, d Download, accountID string) (DownloadResult, error) {
	if strings.Contains(d.URL, "missing") {
		return DownloadResult{}, ratelimit.Permanent(assert.AnError)
	}
	return DownloadResult{URL: d.URL, AccountID: accountID, Bytes: 42, CompletedAt: time.Now()}, nil
}

func testConfig() config.Configuration {
	cfg := config.Default()
	cfg.Queue.MaxWorkers = 2
	cfg.Queue.MaxQueueSize = 3
	policies := make(map[ratelimit.Category]ratelimit.Policy)
	for c, p := range cfg.RateLimit.Policies {
		p.RequestsPerSecond = 1000
		p.BurstLimit = 1000
		policies[c] = p
	}
	cfg.RateLimit.Policies = policies
	return cfg
}

// newTestApp wires the server against miniredis without starting workers.
func newTestApp(t *testing.T) (*app, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis.Addr = s.Addr()
	rdb := store.NewClient(cfg.Redis)
	t.Cleanup(func() { rdb.Close() })
	a, err := newApp(cfg, rdb, instantFetch)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.manager.Stop(time.Second)
		a.limiter.Stop(time.Second)
	})
	return a, s
}

func do(t *testing.T, mux http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	a, _ := newTestApp(t)
	mux := setupRouter(a.api, "secret-key")

	tests := []struct {
		name           string
		headerKey      string
		headerValue    string
		expectedStatus int
	}{
		{
			name:           "No API Key",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Wrong API Key",
			headerKey:      "X-API-Key",
			headerValue:    "wrong-key",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Correct API Key",
			headerKey:      "X-API-Key",
			headerValue:    "secret-key",
			expectedStatus: http.StatusBadRequest, // empty body, but auth passed
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/enqueue", nil)
			if tt.headerKey != "" {
				req.Header.Set(tt.headerKey, tt.headerValue)
			}

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	a, _ := newTestApp(t)
	mux := setupRouter(a.api, "")

	w := do(t, mux, http.MethodPost, "/enqueue", nil)
	assert.NotEqual(t, http.StatusUnauthorized, w.Code)
}

func TestPreflightSkipsAuth(t *testing.T) {
	a, _ := newTestApp(t)
	mux := setupRouter(a.api, "secret-key")

	w := do(t, mux, http.MethodOptions, "/enqueue", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestEnqueueAndStatus(t *testing.T) {
	a, _ := newTestApp(t)
	mux := setupRouter(a.api, "")

	w := do(t, mux, http.MethodPost, "/enqueue", map[string]any{"url": "https://cdn.example.com/a.mp4", "priority": "high"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "high", resp["priority"])

	w = do(t, mux, http.MethodGet, "/status?id="+resp["id"], nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec tasks.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, tasks.StatusQueued, rec.Status)
	assert.Equal(t, tasks.PriorityHigh, rec.Priority)

	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodGet, "/status?id=nope", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, mux, http.MethodGet, "/enqueue", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodPost, "/enqueue", map[string]any{"url": "x", "priority": "urgent"}).Code)
}

func TestEnqueueQueueFull(t *testing.T) {
	a, _ := newTestApp(t)
	mux := setupRouter(a.api, "")

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusAccepted, do(t, mux, http.MethodPost, "/enqueue", map[string]any{"url": "https://cdn.example.com/v.mp4"}).Code)
	}
	w := do(t, mux, http.MethodPost, "/enqueue", map[string]any{"url": "https://cdn.example.com/v.mp4"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestCancelEndpoint(t *testing.T) {
	a, _ := newTestApp(t)
	mux := setupRouter(a.api, "")

	w := do(t, mux, http.MethodPost, "/enqueue", map[string]any{"url": "https://cdn.example.com/v.mp4"})
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/cancel?id="+resp["id"], nil).Code)
	assert.Equal(t, http.StatusConflict, do(t, mux, http.MethodPost, "/cancel?id="+resp["id"], nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodPost, "/cancel", nil).Code)
}

func TestDownloadStoresResult(t *testing.T) {
	a, _ := newTestApp(t)
	mux := setupRouter(a.api, "")
	require.NoError(t, a.manager.Start(context.Background()))

	w := do(t, mux, http.MethodPost, "/enqueue", map[string]any{"url": "https://cdn.example.com/ok.mp4"})
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	require.Eventually(t, func() bool {
		return do(t, mux, http.MethodGet, "/result?id="+resp["id"], nil).Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	var res DownloadResult
	require.NoError(t, json.Unmarshal(do(t, mux, http.MethodGet, "/result?id="+resp["id"], nil).Body.Bytes(), &res))
	assert.Equal(t, "default", res.AccountID)
	assert.Equal(t, int64(42), res.Bytes)

	require.Eventually(t, func() bool {
		var recs []tasks.Record
		w := do(t, mux, http.MethodGet, "/tasks?list=history", nil)
		return json.Unmarshal(w.Body.Bytes(), &recs) == nil && len(recs) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestFailedDownloadGoesToDeadLetter(t *testing.T) {
	a, _ := newTestApp(t)
	mux := setupRouter(a.api, "")
	require.NoError(t, a.manager.Start(context.Background()))

	w := do(t, mux, http.MethodPost, "/enqueue", map[string]any{"url": "https://cdn.example.com/missing.mp4"})
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		var recs []tasks.Record
		w := do(t, mux, http.MethodGet, "/tasks?list=dead_letter", nil)
		return json.Unmarshal(w.Body.Bytes(), &recs) == nil && len(recs) == 1 && recs[0].Attempts == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodGet, "/tasks?list=bogus", nil).Code)
}

func TestThumbnailUsesRequestQueue(t *testing.T) {
	a, _ := newTestApp(t)
	mux := setupRouter(a.api, "")
	a.limiter.Start(context.Background())
	require.NoError(t, a.manager.Start(context.Background()))

	w := do(t, mux, http.MethodPost, "/enqueue", map[string]any{"url": "https://cdn.example.com/pic.jpg", "thumbnail": true})
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	var res DownloadResult
	require.Eventually(t, func() bool {
		w := do(t, mux, http.MethodGet, "/result?id="+resp["id"], nil)
		return w.Code == http.StatusOK && json.Unmarshal(w.Body.Bytes(), &res) == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, res.Thumbnail)

	var stats ratelimit.Statistics
	require.NoError(t, json.Unmarshal(do(t, mux, http.MethodGet, "/ratelimits", nil).Body.Bytes(), &stats))
	assert.Contains(t, stats.Queues, ratelimit.CategoryThumbnail)
}

func TestIntrospectionEndpoints(t *testing.T) {
	a, _ := newTestApp(t)
	mux := setupRouter(a.api, "")
	require.NoError(t, a.manager.Start(context.Background()))

	for _, path := range []string{"/stats", "/workers", "/recommendations", "/ratelimits", "/ratelimits?category=download", "/metrics"} {
		w := do(t, mux, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	var workers struct {
		Workers []map[string]any `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(do(t, mux, http.MethodGet, "/workers", nil).Body.Bytes(), &workers))
	assert.Len(t, workers.Workers, 2)

	assert.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/pause", nil).Code)
	var stats struct {
		Queue struct {
			Paused bool `json:"paused"`
		} `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(do(t, mux, http.MethodGet, "/stats", nil).Body.Bytes(), &stats))
	assert.True(t, stats.Queue.Paused)
}

func TestScheduleEndpoint(t *testing.T) {
	a, _ := newTestApp(t)
	mux := setupRouter(a.api, "")

	w := do(t, mux, http.MethodPost, "/schedule", map[string]any{"spec": "@every 1h", "url": "https://cdn.example.com/feed.mp4"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = do(t, mux, http.MethodPost, "/schedule", map[string]any{"spec": "whenever", "url": "https://cdn.example.com/feed.mp4"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
