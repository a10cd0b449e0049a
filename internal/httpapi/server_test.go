package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/episodesync/internal/clients"
	"github.com/agentworkforce/episodesync/internal/config"
	"github.com/agentworkforce/episodesync/internal/health"
	"github.com/agentworkforce/episodesync/internal/state"
)

type backfillCall struct {
	source string
	days   int
}

type fakeBackend struct {
	doc         state.Document
	now         time.Time
	backfills   []backfillCall
	backfillErr error
}

func (f *fakeBackend) Health(context.Context) (health.Metrics, error) {
	return health.Collect(f.doc, config.Default(), f.now), nil
}

func (f *fakeBackend) StateDocument(context.Context) (state.Document, error) {
	return f.doc, nil
}

func (f *fakeBackend) BackfillSource(_ context.Context, source string, days int) (int, error) {
	f.backfills = append(f.backfills, backfillCall{source, days})
	if f.backfillErr != nil {
		return 0, f.backfillErr
	}
	return 5, nil
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		now: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC),
		doc: state.Document{
			"gmail": map[string]any{"last_history_id": "42", "last_run_at": "2024-05-10T11:30:00Z"},
			"slack": map[string]any{
				"last_run_at": "2024-05-10T11:59:50Z",
				"users":       map[string]any{"U1": map[string]any{"name": "ada"}, "U2": map[string]any{}},
			},
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := NewServer(newFakeBackend())
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var metrics health.Metrics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&metrics))
	assert.Equal(t, health.StatusOK, metrics.Status)
	assert.Equal(t, health.StatusOK, metrics.Sources["gmail"].Status)
	assert.Equal(t, health.StatusPending, metrics.Sources["drive"].Status)
	assert.NotEmpty(t, resp.Header().Get(correlationHeader), "correlation id is generated")
}

func TestHealthHeadHasNoBody(t *testing.T) {
	server := NewServer(newFakeBackend())
	resp := doRequest(t, server, request{method: http.MethodHead, path: "/health"})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Zero(t, resp.Body.Len())
}

func TestDashboardEndpoint(t *testing.T) {
	server := NewServer(newFakeBackend())
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/dashboard"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, strings.HasPrefix(resp.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, resp.Body.String(), "Overall status: OK")
}

func TestStatusEndpointHidesUserCache(t *testing.T) {
	server := NewServer(newFakeBackend())
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/status",
		headers: map[string]string{correlationHeader: "corr_status"},
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var payload struct {
		Sources       map[string]map[string]any `json:"sources"`
		CorrelationID string                    `json:"correlationId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "corr_status", payload.CorrelationID)
	assert.Equal(t, "42", payload.Sources["gmail"]["last_history_id"])
	slack := payload.Sources["slack"]
	assert.NotContains(t, slack, "users")
	assert.Equal(t, float64(2), slack["users_cached"])
	assert.NotContains(t, payload.Sources, "drive", "empty sections are omitted")
}

func TestBackfillRequiresAdminToken(t *testing.T) {
	cases := []struct {
		name       string
		adminToken string
		header     string
		status     int
		code       string
	}{
		{name: "not configured", adminToken: "", header: "Bearer anything", status: http.StatusForbidden, code: "forbidden"},
		{name: "missing header", adminToken: "secret", header: "", status: http.StatusUnauthorized, code: "unauthorized"},
		{name: "wrong scheme", adminToken: "secret", header: "Basic secret", status: http.StatusUnauthorized, code: "unauthorized"},
		{name: "wrong token", adminToken: "secret", header: "Bearer nope", status: http.StatusForbidden, code: "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := newFakeBackend()
			server := NewServerWithConfig(backend, ServerConfig{AdminToken: tc.adminToken})
			headers := map[string]string{correlationHeader: "corr_auth"}
			if tc.header != "" {
				headers["Authorization"] = tc.header
			}
			resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/backfill/gmail", headers: headers})
			require.Equal(t, tc.status, resp.Code, resp.Body.String())
			body := decodeError(t, resp)
			assert.Equal(t, tc.code, body["code"])
			assert.Equal(t, "corr_auth", body["correlationId"])
			assert.Empty(t, backend.backfills)
		})
	}
}

func TestBackfillRunsSource(t *testing.T) {
	backend := newFakeBackend()
	server := NewServerWithConfig(backend, ServerConfig{AdminToken: "secret"})
	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/backfill/slack?days=14",
		headers: map[string]string{"Authorization": "Bearer secret"},
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, float64(5), payload["processed"])
	assert.Equal(t, float64(14), payload["days"])
	assert.Equal(t, []backfillCall{{"slack", 14}}, backend.backfills)

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/backfill/drive",
		headers: map[string]string{"Authorization": "Bearer secret"},
	})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []backfillCall{{"slack", 14}, {"drive", 0}}, backend.backfills, "days default to the configured window")
}

func TestBackfillRejectsBadInput(t *testing.T) {
	server := NewServerWithConfig(newFakeBackend(), ServerConfig{AdminToken: "secret"})
	auth := map[string]string{"Authorization": "Bearer secret"}

	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/backfill/mcp", headers: auth})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "invalid_source", decodeError(t, resp)["code"])
	for _, days := range []string{"abc", "0", "5000"} {
		resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/backfill/gmail?days=" + days, headers: auth})
		assert.Equal(t, http.StatusBadRequest, resp.Code, "days=%s", days)
	}
}

func TestBackfillErrorsMapToStatus(t *testing.T) {
	backend := newFakeBackend()
	server := NewServerWithConfig(backend, ServerConfig{AdminToken: "secret"})
	auth := map[string]string{"Authorization": "Bearer secret"}

	backend.backfillErr = fmt.Errorf("slack: history C1: %w", &clients.RateLimitedError{RetryAfter: time.Second})
	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/backfill/slack", headers: auth})
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)

	backend.backfillErr = errors.New("sink down")
	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/backfill/slack", headers: auth})
	require.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.Equal(t, "backfill_failed", decodeError(t, resp)["code"])
}

func TestRateLimitingBySource(t *testing.T) {
	server := NewServerWithConfig(newFakeBackend(), ServerConfig{
		AdminToken:      "secret",
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})
	auth := map[string]string{"Authorization": "Bearer secret"}
	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/backfill/gmail", headers: auth})
		require.Equal(t, http.StatusOK, resp.Code, "request %d: %s", i, resp.Body.String())
	}
	denied := doRequest(t, server, request{method: http.MethodPost, path: "/v1/backfill/gmail", headers: auth})
	assert.Equal(t, http.StatusTooManyRequests, denied.Code)
	assert.Equal(t, "60", denied.Header().Get("Retry-After"))

	other := doRequest(t, server, request{method: http.MethodPost, path: "/v1/backfill/drive", headers: auth})
	assert.Equal(t, http.StatusOK, other.Code, "limits are tracked per source")
}

func TestUnknownRoutes(t *testing.T) {
	server := NewServer(newFakeBackend())
	for _, r := range []request{
		{method: http.MethodGet, path: "/v1/unknown"},
		{method: http.MethodGet, path: "/v1/backfill/gmail"},
		{method: http.MethodPost, path: "/health"},
	} {
		resp := doRequest(t, server, r)
		require.Equal(t, http.StatusNotFound, resp.Code, "%s %s", r.method, r.path)
		assert.Equal(t, "not_found", decodeError(t, resp)["code"], "%s %s", r.method, r.path)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		require.NoError(t, err)
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}
