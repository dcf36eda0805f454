package http

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentgate/agentgate/internal/adapter/outbound/broker"
	"github.com/agentgate/agentgate/internal/adapter/outbound/cel"
	"github.com/agentgate/agentgate/internal/adapter/outbound/invoker"
	"github.com/agentgate/agentgate/internal/adapter/outbound/memory"
	"github.com/agentgate/agentgate/internal/adapter/outbound/policyeval"
	"github.com/agentgate/agentgate/internal/adapter/outbound/sqlstore"
	"github.com/agentgate/agentgate/internal/domain/evidence"
	"github.com/agentgate/agentgate/internal/domain/policy"
	"github.com/agentgate/agentgate/internal/domain/ratelimit"
	"github.com/agentgate/agentgate/internal/domain/rollout"
	"github.com/agentgate/agentgate/internal/domain/trace"
	"github.com/agentgate/agentgate/internal/service"
)

const jwtSecret = "test-admin-jwt-secret-material"

const bundleYAML = `tenant_id: ""
version: v1
read_only_tools: [db_query]
write_tools: [db_insert]
default_action: deny
`

func newTestServer(t *testing.T) (*Server, *sqlstore.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := context.Background()

	store, err := sqlstore.Open(filepath.Join(t.TempDir(), "trace.db"), sqlstore.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := store.EnsureSession(ctx, service.SystemSessionID, service.SystemTenantID); err != nil {
		t.Fatal(err)
	}

	policyDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(policyDir, "default.yaml"), []byte(bundleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	loader := policy.NewLoader(policyDir, false, nil)
	policySvc, err := service.NewPolicyService(loader, store, logger)
	if err != nil {
		t.Fatal(err)
	}

	kill := service.NewKillSwitchController(memory.NewKillSwitchStore(), store, logger,
		service.WithKillSwitchReflector(store))
	brk := broker.NewInert()

	gateway := service.NewGatewayService(
		service.GatewayConfig{Budgets: map[string]ratelimit.Budget{"": {Limit: 1000, Window: time.Minute}}},
		store, kill, store, memory.NewRateLimiter(), policySvc,
		policyeval.New(policySvc.Snapshot), brk, invoker.Echo{},
		trace.NewRedactor(trace.RedactOff, ""), logger,
	)

	scorer, err := cel.NewScorer(cel.DefaultRules(), logger)
	if err != nil {
		t.Fatal(err)
	}
	quarantine := service.NewQuarantineCoordinator(
		service.QuarantineConfig{}, store, store, kill, brk, scorer, logger)

	signer := evidence.NewHMACSigner([]byte("0123456789abcdef0123456789abcdef"), evidence.KeySourceEnv)
	evidenceSvc := service.NewEvidenceService(store, store, signer, nil,
		trace.NewRedactor(trace.RedactOff, ""), logger)
	transparency := service.NewTransparencyService(store, store, nil, logger)

	rollouts := service.NewRolloutService(store, policySvc,
		policy.NewLoader(policyDir, false, policy.NewHMACVerifier([]byte("pkg-secret"))),
		store, rollout.Budget{MaxCriticalDrift: 5, MaxErrorRate: 0.05}, logger)

	slo := service.NewSLOMonitor(service.SLOConfig{}, store, logger)
	auth := NewAdminAuth(jwtSecret, false, "", logger)

	server := NewServer(Deps{
		Gateway:      gateway,
		Policies:     policySvc,
		Kill:         kill,
		Quarantine:   quarantine,
		Evidence:     evidenceSvc,
		Transparency: transparency,
		Rollouts:     rollouts,
		Traces:       store,
		SLO:          slo,
		Auth:         auth,
	}, nil, WithLogger(logger))
	return server, store
}

func adminToken(t *testing.T, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   "test-operator",
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func callBody(session, tool string) map[string]any {
	return map[string]any{
		"session_id": session,
		"tenant_id":  "t1",
		"tool_name":  tool,
		"arguments":  map[string]any{"q": "select 1"},
	}
}

func TestVersionHeadersOnEveryResponse(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server.Router(), http.MethodGet, "/health", nil, nil)
	if rec.Header().Get(headerAPIVersion) != "v1" {
		t.Errorf("missing %s header", headerAPIVersion)
	}
	if rec.Header().Get(headerSupportedVersions) == "" {
		t.Errorf("missing %s header", headerSupportedVersions)
	}
}

func TestUnsupportedRequestedVersion(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server.Router(), http.MethodPost, "/tools/call",
		callBody("s1", "db_query"),
		map[string]string{headerRequestedVersion: "v99"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var env errorEnvelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	if env.Error.Kind != "version_unsupported" {
		t.Errorf("kind = %s", env.Error.Kind)
	}
}

func TestToolCallAllowAndDeny(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router()

	rec := doJSON(t, router, http.MethodPost, "/tools/call", callBody("s1", "db_query"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("allow status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success  bool   `json:"success"`
		Decision string `json:"decision"`
		TraceID  string `json:"trace_id"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Success || resp.Decision != "ALLOW" || resp.TraceID == "" {
		t.Errorf("resp = %+v", resp)
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Error("missing rate limit headers")
	}

	rec = doJSON(t, router, http.MethodPost, "/tools/call", callBody("s1", "hack_the_planet"), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("deny status = %d", rec.Code)
	}
	var env errorEnvelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	if env.Error.Kind != "policy_denied" {
		t.Errorf("kind = %s", env.Error.Kind)
	}
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router()

	rec := doJSON(t, router, http.MethodPost, "/tools/call", callBody("s2", "db_insert"), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var env errorEnvelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	if env.Error.Kind != "approval_required" || env.Error.Hint == "" {
		t.Errorf("envelope = %+v", env)
	}

	body := callBody("s2", "db_insert")
	body["approval_token"] = "approved"
	rec = doJSON(t, router, http.MethodPost, "/tools/call", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("with token: status = %d", rec.Code)
	}
}

func TestSystemPauseResumeFlow(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router()
	admin := map[string]string{"Authorization": "Bearer " + adminToken(t, RoleSystemAdmin)}

	if rec := doJSON(t, router, http.MethodPost, "/system/pause", nil, admin); rec.Code != http.StatusNoContent {
		t.Fatalf("pause status = %d", rec.Code)
	}

	rec := doJSON(t, router, http.MethodPost, "/tools/call", callBody("s1", "db_query"), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("paused call status = %d, want 409", rec.Code)
	}
	var env errorEnvelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	if env.Error.Kind != "kill_switch_active" {
		t.Errorf("kind = %s", env.Error.Kind)
	}

	if rec := doJSON(t, router, http.MethodPost, "/system/resume", nil, admin); rec.Code != http.StatusNoContent {
		t.Fatalf("resume status = %d", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodPost, "/tools/call", callBody("s1", "db_query"), nil); rec.Code != http.StatusOK {
		t.Fatalf("post-resume call status = %d", rec.Code)
	}
}

func TestAdminEndpointsRequireAuth(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router()

	rec := doJSON(t, router, http.MethodPost, "/system/pause", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated pause status = %d", rec.Code)
	}

	// Wrong domain role is forbidden.
	headers := map[string]string{"Authorization": "Bearer " + adminToken(t, RoleRetentionAdmin)}
	rec = doJSON(t, router, http.MethodPost, "/admin/policies/reload", nil, headers)
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong-role reload status = %d", rec.Code)
	}

	headers = map[string]string{"Authorization": "Bearer " + adminToken(t, RolePolicyAdmin)}
	rec = doJSON(t, router, http.MethodPost, "/admin/policies/reload", nil, headers)
	if rec.Code != http.StatusOK {
		t.Errorf("policy admin reload status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestEvidenceEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router()

	doJSON(t, router, http.MethodPost, "/tools/call", callBody("s1", "db_query"), nil)

	rec := doJSON(t, router, http.MethodGet, "/sessions/s1/evidence?format=json&archive=true", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-AgentGate-Signature") == "" {
		t.Error("missing signature header")
	}
	var doc struct {
		Metadata evidence.Metadata `json:"metadata"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &doc)
	if doc.Metadata.MerkleRoot == "" || doc.Metadata.EventCount != 2 {
		t.Errorf("metadata = %+v", doc.Metadata)
	}

	// Unknown session is 404.
	rec = doJSON(t, router, http.MethodGet, "/sessions/nope/evidence", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d", rec.Code)
	}
}

func TestTransparencyEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router()
	doJSON(t, router, http.MethodPost, "/tools/call", callBody("s1", "db_query"), nil)

	rec := doJSON(t, router, http.MethodGet, "/sessions/s1/transparency", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var root struct {
		RootHash string           `json:"root_hash"`
		Proofs   []evidence.Proof `json:"proofs"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &root)
	if root.RootHash == "" || len(root.Proofs) != 2 {
		t.Errorf("root = %+v", root)
	}
}

func TestRetentionAndLegalHold(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router()
	doJSON(t, router, http.MethodPost, "/tools/call", callBody("s1", "db_query"), nil)

	headers := map[string]string{"Authorization": "Bearer " + adminToken(t, RoleRetentionAdmin)}
	rec := doJSON(t, router, http.MethodPost, "/admin/sessions/s1/retention",
		map[string]any{"legal_hold": true}, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("set retention status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodDelete, "/admin/sessions/s1", nil, headers)
	if rec.Code != http.StatusConflict {
		t.Fatalf("delete under hold status = %d, want 409", rec.Code)
	}
	var env errorEnvelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	if env.Error.Kind != "legal_hold_set" {
		t.Errorf("kind = %s", env.Error.Kind)
	}

	// Clear the hold, delete succeeds.
	rec = doJSON(t, router, http.MethodPost, "/admin/sessions/s1/retention",
		map[string]any{"legal_hold": false}, headers)
	if rec.Code != http.StatusOK {
		t.Fatal("clear hold failed")
	}
	rec = doJSON(t, router, http.MethodDelete, "/admin/sessions/s1", nil, headers)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
}

func TestSessionsListTenantScoped(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router()
	doJSON(t, router, http.MethodPost, "/tools/call", callBody("s1", "db_query"), nil)

	rec := doJSON(t, router, http.MethodGet, "/sessions?tenant_id=t1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Sessions []trace.Session `json:"sessions"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Sessions) != 1 || resp.Sessions[0].ID != "s1" {
		t.Errorf("sessions = %+v", resp.Sessions)
	}

	// Missing tenant filter is rejected.
	rec = doJSON(t, router, http.MethodGet, "/sessions", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unfiltered list status = %d", rec.Code)
	}
}

func TestToolsListReflectsPolicy(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server.Router(), http.MethodGet, "/tools/list", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Tools []string `json:"tools"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	want := map[string]bool{"db_query": true, "db_insert": true}
	if len(resp.Tools) != 2 || !want[resp.Tools[0]] || !want[resp.Tools[1]] {
		t.Errorf("tools = %v", resp.Tools)
	}
}

func TestMetricsExposition(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router()
	doJSON(t, router, http.MethodPost, "/tools/call", callBody("s1", "db_query"), nil)

	rec := doJSON(t, router, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("agentgate_decisions_total")) {
		t.Error("metrics exposition missing gateway counters")
	}
}
