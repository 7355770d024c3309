package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atp/router/internal/config"
	"github.com/atp/router/internal/core"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.DPLedger.Dir = t.TempDir()
	cfg.ErrorBudget.ConfigFile = filepath.Join(t.TempDir(), "error_budget.json")

	router, err := core.New(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(NewAPIServer(router).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	code, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestStatusAggregatesSubsystems(t *testing.T) {
	srv := newTestServer(t)
	code, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/status", nil)
	require.Equal(t, http.StatusOK, code)

	for _, key := range []string{"metrics", "waf", "abuse", "registry", "pricing", "orchestrator", "error_budget"} {
		assert.Contains(t, body, key)
	}
}

func TestProviderAndModelLifecycle(t *testing.T) {
	srv := newTestServer(t)

	code, provider := doJSON(t, http.MethodPost, srv.URL+"/api/v1/providers", map[string]interface{}{
		"name":               "acme",
		"is_enabled":         true,
		"supports_streaming": true,
	})
	require.Equal(t, http.StatusCreated, code)
	providerID, _ := provider["id"].(string)
	require.NotEmpty(t, providerID)

	// duplicate names refused
	code, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/providers", map[string]interface{}{
		"name": "acme",
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, model := doJSON(t, http.MethodPost, srv.URL+"/api/v1/models", map[string]interface{}{
		"name":        "acme-large",
		"provider_id": providerID,
		"is_enabled":  true,
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "shadow", model["status"])

	// new models surface in the shadow listing
	resp, err := http.Get(srv.URL + "/api/v1/models?status=shadow")
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "acme-large")

	code, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/models/acme-large/promote", nil)
	assert.Equal(t, http.StatusOK, code)

	// already active, nothing shadow left to promote
	code, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/models/acme-large/promote", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/models/acme-large/demote", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)

	code, created := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions", map[string]interface{}{
		"initial_prompt": "plan the report",
		"sub_requests": []map[string]interface{}{
			{"prompt": "outline", "adapter": "acme"},
			{"prompt": "draft", "adapter": "acme"},
		},
	})
	require.Equal(t, http.StatusCreated, code)
	sessionID, _ := created["session_id"].(string)
	require.NotEmpty(t, sessionID)
	assert.Len(t, created["request_ids"], 2)

	code, status := doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, sessionID, status["session_id"])

	code, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+sessionID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestSessionNotFound(t *testing.T) {
	srv := newTestServer(t)
	code, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/nope/run", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestErrorBudgetEndpoints(t *testing.T) {
	srv := newTestServer(t)

	code, status := doJSON(t, http.MethodGet, srv.URL+"/api/v1/errorbudget", nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, status)

	// nothing measured yet, gates pass
	code, report := doJSON(t, http.MethodPost, srv.URL+"/api/v1/errorbudget/gates", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, report["passed"])
}

func TestImprovementRunAndStatus(t *testing.T) {
	srv := newTestServer(t)

	code, run := doJSON(t, http.MethodPost, srv.URL+"/api/v1/improvement/run", map[string]interface{}{
		"trigger_reason": "scheduled",
	})
	require.Equal(t, http.StatusOK, code)
	executionID, _ := run["execution_id"].(string)
	require.NotEmpty(t, executionID)

	code, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/improvement/"+executionID, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/improvement/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAbuseEndpoints(t *testing.T) {
	srv := newTestServer(t)

	code, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/abuse/events", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["count"])

	code, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/abuse/reset", map[string]interface{}{
		"user_id": "user-1",
	})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "reset", body["status"])
}
