package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appeal-assistant/evolution/internal/engine"
	"github.com/appeal-assistant/evolution/internal/llm"
	"github.com/appeal-assistant/evolution/internal/storage/memory"
	"github.com/appeal-assistant/evolution/pkg/config"
)

type silentCompleter struct{}

func (silentCompleter) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: `{"rules": []}`}, nil
}

func newServer(t *testing.T) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  enabled: false\n"), 0o644))
	cfg, err := config.LoadFile(path)
	require.NoError(t, err)

	app, err := engine.New(cfg, engine.WithStore(memory.New()), engine.WithCompleter(silentCompleter{}))
	require.NoError(t, err)
	srv := NewServer(app)
	t.Cleanup(func() {
		_ = srv.Shutdown()
		_ = app.Close()
	})
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Operator", "ops@example.com")

	resp, err := srv.App.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestRuleLifecycleOverHTTP(t *testing.T) {
	srv := newServer(t)

	status, rule := do(t, srv, "POST", "/api/v1/admin/rules", `{
		"category": "question_template",
		"rule_key": "license",
		"rule_name": "Ask for the licence early",
		"content": {"template": "请提供营业执照编号"},
		"reason": "operator insight"
	}`)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "pending_review", rule["status"])
	assert.Equal(t, "admin_manual", rule["source"])
	id := rule["id"].(string)

	status, list := do(t, srv, "GET", "/api/v1/admin/rules?status=pending_review", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1.0, list["count"])

	status, _ = do(t, srv, "POST", "/api/v1/admin/rules/"+id+"/review", `{"decision": "maybe"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, approved := do(t, srv, "POST", "/api/v1/admin/rules/"+id+"/review", `{"decision": "approve", "reason": "clear win"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "active", approved["status"])

	status, _ = do(t, srv, "POST", "/api/v1/admin/rules/"+id+"/review", `{"decision": "approve"}`)
	assert.Equal(t, http.StatusConflict, status)

	status, active := do(t, srv, "GET", "/api/v1/admin/rules/active", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1.0, active["count"])

	status, history := do(t, srv, "GET", "/api/v1/admin/rules/"+id+"/history", "")
	require.Equal(t, http.StatusOK, status)
	entries := history["history"].([]any)
	require.Len(t, entries, 2)
	assert.Equal(t, "ops@example.com", entries[1].(map[string]any)["changed_by"])

	status, prompt := do(t, srv, "POST", "/api/v1/prompt", `{"session_id": "s1"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, prompt["text"], "Ask for the licence early")
	assert.Equal(t, []any{id}, prompt["rule_ids"])

	status, archived := do(t, srv, "POST", "/api/v1/admin/rules/"+id+"/archive", `{"reason": "stale"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "archived", archived["status"])

	status, _ = do(t, srv, "GET", "/api/v1/admin/rules/missing", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestConversationsAndJobs(t *testing.T) {
	srv := newServer(t)

	status, body := do(t, srv, "POST", "/api/v1/conversations", `{
		"session_id": "s1",
		"industry": "餐饮",
		"messages": [
			{"role": "assistant", "content": "<p>请问店铺名称？</p>"},
			{"role": "user", "content": "小王餐饮"}
		]
	}`)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, 2.0, body["message_count"])

	status, _ = do(t, srv, "POST", "/api/v1/conversations", `{"messages": []}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, jobs := do(t, srv, "GET", "/api/v1/admin/jobs", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, jobs["jobs"], 4)

	status, _ = do(t, srv, "POST", "/api/v1/admin/jobs/nope/trigger", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, run := do(t, srv, "POST", "/api/v1/admin/jobs/daily_aggregation/trigger", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "daily_aggregation", run["job"])

	status, health := do(t, srv, "GET", "/api/v1/admin/health", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", health["status"])

	status, _ = do(t, srv, "GET", "/api/v1/admin/metrics/daily?to=not-a-date", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, srv, "GET", "/api/v1/admin/clusters?type=industry_pattern", "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = do(t, srv, "GET", "/api/v1/admin/experiments/missing", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestOperationalRoutes(t *testing.T) {
	srv := newServer(t)

	status, body := do(t, srv, "GET", "/health", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status, _ = do(t, srv, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = do(t, srv, "GET", "/api/v1/admin/ws", "")
	assert.Equal(t, http.StatusUpgradeRequired, status)
}
