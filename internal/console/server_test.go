package console

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/browsergate/internal/approval"
	"github.com/xela07ax/browsergate/internal/bridge"
	"github.com/xela07ax/browsergate/internal/domain"
	"github.com/xela07ax/browsergate/internal/engine"
	"github.com/xela07ax/browsergate/internal/infra"
	"github.com/xela07ax/browsergate/internal/infra/auth"
	"github.com/xela07ax/browsergate/internal/policy"
	"github.com/xela07ax/browsergate/internal/ratelimit"
	"github.com/xela07ax/browsergate/internal/redact"
	"github.com/xela07ax/browsergate/internal/tools"
)

type stubSender struct {
	resp *bridge.ToolResponse
}

func (s *stubSender) SendCommand(context.Context, string, map[string]any) (*bridge.ToolResponse, error) {
	if s.resp != nil {
		return s.resp, nil
	}
	return nil, bridge.ErrNotConnected
}

type consoleEnv struct {
	srv  *httptest.Server
	eng  *policy.Engine
	kill *engine.KillSwitch
	appr *approval.Store
}

func newConsole(t *testing.T, sender tools.CommandSender) *consoleEnv {
	t.Helper()
	logger := zap.NewNop()
	registry := prometheus.NewRegistry()
	metrics := engine.NewMetrics(registry)

	eng := policy.NewEngine(policy.Config{
		Allowlist: domain.Allowlist{"example.com": {Read: true, Write: true}},
		RateLimit: ratelimit.Config{PerMinute: 1000, PerHour: 10000},
	}, redact.New(nil), logger)

	kill := engine.NewKillSwitch(nil, logger)
	appr := approval.NewStore(nil, time.Minute, metrics, logger)
	hub := bridge.NewHub(bridge.HubConfig{}, logger)
	t.Cleanup(hub.Close)

	reg, err := tools.NewRegistry()
	require.NoError(t, err)
	dispatcher := tools.NewDispatcher(reg, eng, sender, appr, kill, nil, metrics,
		tools.DispatcherConfig{ToolTimeout: time.Second}, logger)

	// Пустой секрет — аутентификация выключена, как в dev-конфигурации
	authSvc := auth.NewService("", time.Hour, "", "")

	server := NewServer(infra.ServerConfig{Addr: ":0", ShutdownTimeout: time.Second},
		dispatcher, eng, kill, appr, hub, authSvc, nil, registry, logger)

	ts := httptest.NewServer(server.routes())
	t.Cleanup(ts.Close)
	return &consoleEnv{srv: ts, eng: eng, kill: kill, appr: appr}
}

func (e *consoleEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	env := newConsole(t, &stubSender{})
	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestExecuteReturnsStructuredDenial(t *testing.T) {
	env := newConsole(t, &stubSender{})

	resp, body := env.do(t, http.MethodPost, "/api/v1/tools/execute", map[string]any{
		"tool": "navigate",
		"args": map[string]any{"url": "https://stranger.io/x"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode, "отказ политики — не HTTP-ошибка")
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "policy", body["error_kind"])
}

func TestExecuteSuccess(t *testing.T) {
	env := newConsole(t, &stubSender{resp: &bridge.ToolResponse{
		Success: true, Data: map[string]any{"text": "hi"}, RequestID: "r1",
	}})

	resp, body := env.do(t, http.MethodPost, "/api/v1/tools/execute", map[string]any{
		"tool": "read_text",
		"args": map[string]any{"tabId": 1},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "hi", data["text"])
}

func TestPolicyCRUD(t *testing.T) {
	env := newConsole(t, &stubSender{})

	resp, _ := env.do(t, http.MethodPut, "/api/v1/policies/new.test",
		domain.DomainPolicy{Read: true, Write: true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := env.do(t, http.MethodGet, "/api/v1/policies", nil)
	allow := body["allowlist"].(map[string]any)
	assert.Contains(t, allow, "new.test")

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/policies/new.test", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/policies/new.test", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKillSwitchEndpoints(t *testing.T) {
	env := newConsole(t, &stubSender{})

	resp, body := env.do(t, http.MethodPost, "/api/v1/killswitch/engage",
		map[string]any{"reason": "incident"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["engaged"])

	engaged, reason := env.kill.Engaged()
	assert.True(t, engaged)
	assert.Equal(t, "incident", reason)

	resp, body = env.do(t, http.MethodPost, "/api/v1/killswitch/disengage", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["engaged"])

	resp, _ = env.do(t, http.MethodPost, "/api/v1/killswitch/domains",
		map[string]any{"domain": "evil.test", "reason": "phishing"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	blocked, _ := env.kill.DomainBlocked("evil.test")
	assert.True(t, blocked)

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/killswitch/domains/evil.test", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestApprovalDecisionEndpoint(t *testing.T) {
	env := newConsole(t, &stubSender{})
	req := env.appr.Submit("click", "example.com", "checkout page", domain.RiskHigh, nil)

	resp, body := env.do(t, http.MethodPost, "/api/v1/approvals/"+req.ID+"/decision",
		map[string]any{"status": "APPROVED", "comment": "ok"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "APPROVED", body["status"])

	// Повторное решение — конфликт
	resp, _ = env.do(t, http.MethodPost, "/api/v1/approvals/"+req.ID+"/decision",
		map[string]any{"status": "REJECTED"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/approvals/ghost/decision",
		map[string]any{"status": "APPROVED"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	env := newConsole(t, &stubSender{})
	resp, body := env.do(t, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "session")
	assert.Contains(t, body, "killswitch")
}

func TestAuditWithoutStorage(t *testing.T) {
	env := newConsole(t, &stubSender{})
	resp, _ := env.do(t, http.MethodGet, "/api/v1/audit/recent", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}
