package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/probewatch/probewatch/internal/engine"
	"github.com/probewatch/probewatch/internal/events"
	"github.com/probewatch/probewatch/internal/fleet"
	"github.com/probewatch/probewatch/internal/queue"
	"github.com/probewatch/probewatch/internal/registry"
	"github.com/probewatch/probewatch/internal/store"
)

const (
	testAdminUser = "admin"
	testAdminPass = "hunter2"
)

type testAPI struct {
	handler  http.Handler
	store    store.Store
	registry *registry.Registry
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	log := logrus.NewEntry(l)

	s := store.NewMemoryStore()
	reg := registry.New(s, time.Minute, log)
	hub := events.NewHub(64)
	eng := engine.New(s, reg, hub, queue.NewLogDispatcher(log), engine.Config{CheckTTL: 90 * time.Second}, log)
	prov := fleet.NewProvisioner(reg, fleet.Config{
		APIBase:   "http://localhost:8080",
		RedisAddr: "localhost:6379",
		Image:     "probewatch/agent:latest",
	}, time.Second, log)
	srv := New(eng, reg, prov, hub, testAdminUser, testAdminPass, log)
	return &testAPI{handler: srv.Routes(), store: s, registry: reg}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func asAdmin(req *http.Request) {
	req.SetBasicAuth(testAdminUser, testAdminPass)
}

func (a *testAPI) onlineAgent(t *testing.T, name, region string) *store.Agent {
	t.Helper()
	ctx := context.Background()
	agent, err := a.registry.Register(ctx, name, region)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := a.store.UpdateAgentHeartbeat(ctx, agent.ID, "198.51.100.1", time.Now().UTC()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	return agent
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rec.Body.String())
	}
	return v
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCreateCheckAndFetch(t *testing.T) {
	api := newTestAPI(t)
	api.onlineAgent(t, "fra-1", "eu-central")

	rec := api.do(t, http.MethodPost, "/api/check", map[string]any{
		"target":  "example.com",
		"methods": []string{"http", "dns"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create: status = %d, want 202 (body: %s)", rec.Code, rec.Body.String())
	}
	created := decode[map[string]string](t, rec)
	taskID := created["task_id"]
	if taskID == "" {
		t.Fatal("no task_id in response")
	}
	if created["status"] != "running" {
		t.Errorf("status = %q, want running", created["status"])
	}

	rec = api.do(t, http.MethodGet, "/api/check/"+taskID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d, want 200", rec.Code)
	}

	rec = api.do(t, http.MethodGet, "/api/check/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed id: status = %d, want 400", rec.Code)
	}

	rec = api.do(t, http.MethodGet, "/api/check/00000000-0000-0000-0000-000000000001", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", rec.Code)
	}
}

func TestCreateCheckValidation(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/check", map[string]any{"target": "", "methods": []string{"http"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty target: status = %d, want 400", rec.Code)
	}
	rec = api.do(t, http.MethodPost, "/api/check", map[string]any{"target": "example.com", "methods": []string{"morse"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown method: status = %d, want 400", rec.Code)
	}
}

func TestSubmitResultFlow(t *testing.T) {
	api := newTestAPI(t)
	agent := api.onlineAgent(t, "fra-1", "eu-central")

	rec := api.do(t, http.MethodPost, "/api/check", map[string]any{
		"target":  "example.com",
		"methods": []string{"http"},
	})
	taskID := decode[map[string]string](t, rec)["task_id"]

	submit := map[string]any{
		"task_id":  taskID,
		"agent_id": agent.ID.String(),
		"token":    agent.Token,
		"method":   "http",
		"success":  true,
	}
	rec = api.do(t, http.MethodPost, "/api/results", submit)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: status = %d (body: %s)", rec.Code, rec.Body.String())
	}
	if got := decode[map[string]string](t, rec)["status"]; got != "accepted" {
		t.Errorf("submit status = %q, want accepted", got)
	}

	// Expected was 1x1, so the check is now finished; a repeat is late.
	rec = api.do(t, http.MethodPost, "/api/results", submit)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("late submit: status = %d, want 202", rec.Code)
	}
	if got := decode[map[string]string](t, rec)["status"]; got != "discarded" {
		t.Errorf("late submit status = %q, want discarded", got)
	}

	// Wrong token is a hard reject.
	submit["token"] = "wrong"
	rec = api.do(t, http.MethodPost, "/api/results", submit)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}
}

func TestSubmitResultTokenHeaderFallback(t *testing.T) {
	api := newTestAPI(t)
	agent := api.onlineAgent(t, "fra-1", "eu-central")
	api.onlineAgent(t, "nyc-1", "us-east")

	rec := api.do(t, http.MethodPost, "/api/check", map[string]any{
		"target":  "example.com",
		"methods": []string{"http"},
	})
	taskID := decode[map[string]string](t, rec)["task_id"]

	rec = api.do(t, http.MethodPost, "/api/results", map[string]any{
		"task_id":  taskID,
		"agent_id": agent.ID.String(),
		"method":   "http",
		"success":  true,
	}, func(r *http.Request) {
		r.Header.Set("X-Agent-Token", agent.Token)
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("header token submit: status = %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestMatrixEndpoint(t *testing.T) {
	api := newTestAPI(t)
	agent := api.onlineAgent(t, "fra-1", "eu-central")

	rec := api.do(t, http.MethodPost, "/api/check", map[string]any{
		"target":  "example.com",
		"methods": []string{"http", "dns"},
	})
	taskID := decode[map[string]string](t, rec)["task_id"]

	api.do(t, http.MethodPost, "/api/results", map[string]any{
		"task_id":  taskID,
		"agent_id": agent.ID.String(),
		"token":    agent.Token,
		"method":   "http",
		"success":  true,
	})

	rec = api.do(t, http.MethodGet, fmt.Sprintf("/api/check/%s/matrix", taskID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("matrix: status = %d", rec.Code)
	}
	matrix := decode[engine.Matrix](t, rec)
	if len(matrix.Rows) != 1 {
		t.Fatalf("matrix rows = %d, want 1", len(matrix.Rows))
	}
	if _, ok := matrix.Rows[0].Cells[store.MethodDNS]; ok {
		t.Error("dns cell present before any dns result")
	}
}

func TestHeartbeatEndpoint(t *testing.T) {
	api := newTestAPI(t)
	agent, err := api.registry.Register(context.Background(), "fra-1", "eu-central")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	rec := api.do(t, http.MethodPost, "/api/agent/heartbeat", map[string]string{"token": agent.Token})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("heartbeat: status = %d, want 204", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/api/agent/heartbeat", map[string]string{"token": "bogus"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bogus heartbeat: status = %d, want 401", rec.Code)
	}
}

func TestHeartbeatRecordsFirstForwardedHop(t *testing.T) {
	api := newTestAPI(t)
	agent, err := api.registry.Register(context.Background(), "fra-1", "eu-central")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	rec := api.do(t, http.MethodPost, "/api/agent/heartbeat", map[string]string{"token": agent.Token}, func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1, 172.16.0.1")
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("heartbeat: status = %d, want 204", rec.Code)
	}

	got, err := api.registry.Find(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.IP != "203.0.113.7" {
		t.Errorf("recorded IP = %q, want the first forwarded hop", got.IP)
	}
}

func TestPublicAgentListMasksSecrets(t *testing.T) {
	api := newTestAPI(t)
	api.onlineAgent(t, "fra-1", "eu-central")

	rec := api.do(t, http.MethodGet, "/api/agents", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	views := decode[[]map[string]any](t, rec)
	if len(views) != 1 {
		t.Fatalf("agents = %d, want 1", len(views))
	}
	for _, secret := range []string{"token", "token_tail", "id"} {
		if _, ok := views[0][secret]; ok {
			t.Errorf("public view exposes %q", secret)
		}
	}
	if online, _ := views[0]["online"].(bool); !online {
		t.Error("heartbeating agent reported offline")
	}
}

func TestAdminSurfaceRequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/admin/agents", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials: status = %d, want 401", rec.Code)
	}
	rec = api.do(t, http.MethodGet, "/api/admin/agents", nil, func(r *http.Request) {
		r.SetBasicAuth(testAdminUser, "wrong")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: status = %d, want 401", rec.Code)
	}
	rec = api.do(t, http.MethodGet, "/api/admin/agents", nil, asAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid credentials: status = %d, want 200", rec.Code)
	}
}

func TestAdminAgentLifecycle(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/admin/agents", map[string]string{
		"name":   "fra-1",
		"region": "eu-central",
	}, asAdmin)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d (body: %s)", rec.Code, rec.Body.String())
	}
	created := decode[adminCreateResponse](t, rec)
	if created.RunCmd == "" {
		t.Error("no run command in create response")
	}
	if len(created.Agent.TokenTail) != 4 {
		t.Errorf("token tail = %q, want 4 chars", created.Agent.TokenTail)
	}
	id := created.Agent.ID

	// Duplicate name conflicts.
	rec = api.do(t, http.MethodPost, "/api/admin/agents", map[string]string{
		"name":   "fra-1",
		"region": "us-east",
	}, asAdmin)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate name: status = %d, want 409", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/api/admin/agents/"+id+"/reset-token", nil, asAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset-token: status = %d", rec.Code)
	}
	if reset := decode[map[string]string](t, rec); reset["id"] != id {
		t.Errorf("reset-token returned id %q, want %q", reset["id"], id)
	}

	// The regenerated command embeds the new token, so it must differ.
	rec = api.do(t, http.MethodGet, "/api/admin/agents/"+id+"/run-cmd", nil, asAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("run-cmd: status = %d", rec.Code)
	}
	if cmd := decode[map[string]string](t, rec); cmd["run_cmd"] == created.RunCmd {
		t.Error("run command unchanged after token reset")
	}

	rec = api.do(t, http.MethodDelete, "/api/admin/agents/"+id, nil, asAdmin)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d, want 204", rec.Code)
	}
	rec = api.do(t, http.MethodDelete, "/api/admin/agents/"+id, nil, asAdmin)
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete again: status = %d, want 404", rec.Code)
	}
}

func TestAdminCreateValidation(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/admin/agents", map[string]string{
		"name":   "fra-1",
		"region": "nowhere",
	}, asAdmin)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad region: status = %d, want 400", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/api/admin/agents/provision", map[string]string{
		"name":   "fra-2",
		"region": "eu-central",
	}, asAdmin)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("provision without host: status = %d, want 400", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodOptions, "/api/check", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("preflight: status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}
