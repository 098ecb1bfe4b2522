package web

import (
	"context"
	"net/http"
	"testing"
	"time"

	"lockhub/internal/automation"
	"lockhub/internal/fleet"
)

// setupAutomationServer wires a real script manager and engine into the
// test server. Scripts live in a per-test temp directory.
func setupAutomationServer(t *testing.T) *testServer {
	t.Helper()

	db := newTestDB(t)
	tr := newStubTransport()
	bus := fleet.NewEventBus(testLogger())
	orch := fleet.New(tr, db, bus, fleet.Config{
		ScanAutoStop:  500 * time.Millisecond,
		MaxScanCycles: 1,
		MonitorSettle: time.Millisecond,
	}, testLogger())
	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(orch.Stop)

	mgr, err := automation.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	engine := automation.NewEngine(orch, mgr, testLogger(), automation.SystemConfig{}, automation.TelegramConfig{})
	engine.Start()
	t.Cleanup(engine.Stop)

	srv, err := NewServer(orch, testLogger(), WithAutomation(engine, mgr))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)

	return &testServer{srv: srv, orch: orch, tr: tr, db: db}
}

func TestAutomationCRUD(t *testing.T) {
	ts := setupAutomationServer(t)

	w := ts.do(t, http.MethodPost, "/api/automations", map[string]interface{}{
		"name":        "Night Lock",
		"description": "locks the front door at night",
		"lua_code":    `lock.log("loaded")`,
		"enabled":     false,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", w.Code, w.Body.String())
	}
	var created automation.Script
	decodeBody(t, w, &created)
	if created.ID != "night_lock" {
		t.Fatalf("id = %q, want night_lock", created.ID)
	}

	w = ts.do(t, http.MethodGet, "/api/automations", nil)
	var scripts []*automation.Script
	decodeBody(t, w, &scripts)
	if len(scripts) != 1 || scripts[0].Meta.Name != "Night Lock" {
		t.Fatalf("list = %+v", scripts)
	}

	w = ts.do(t, http.MethodGet, "/api/automations/night_lock", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status = %d", w.Code)
	}
	var got automation.Script
	decodeBody(t, w, &got)
	if got.LuaCode != `lock.log("loaded")` {
		t.Fatalf("lua code = %q", got.LuaCode)
	}

	w = ts.do(t, http.MethodPut, "/api/automations/night_lock", map[string]interface{}{
		"name":        "Night Lock",
		"description": "updated",
		"lua_code":    `lock.log("v2")`,
		"enabled":     false,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update: status = %d, body = %s", w.Code, w.Body.String())
	}
	decodeBody(t, w, &got)
	if got.Meta.Description != "updated" || got.LuaCode != `lock.log("v2")` {
		t.Fatalf("updated script = %+v", got)
	}

	w = ts.do(t, http.MethodDelete, "/api/automations/night_lock", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", w.Code)
	}
	w = ts.do(t, http.MethodGet, "/api/automations/night_lock", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status = %d, want 404", w.Code)
	}
}

func TestAutomationToggle(t *testing.T) {
	ts := setupAutomationServer(t)

	w := ts.do(t, http.MethodPost, "/api/automations", map[string]interface{}{
		"name":     "Toggle Me",
		"lua_code": `lock.log("x")`,
		"enabled":  false,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", w.Code)
	}

	w = ts.do(t, http.MethodPost, "/api/automations/toggle_me/toggle", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("toggle: status = %d, body = %s", w.Code, w.Body.String())
	}
	var script automation.Script
	decodeBody(t, w, &script)
	if !script.Meta.Enabled {
		t.Fatal("script not enabled after toggle")
	}

	w = ts.do(t, http.MethodPost, "/api/automations/toggle_me/toggle", nil)
	decodeBody(t, w, &script)
	if script.Meta.Enabled {
		t.Fatal("script still enabled after second toggle")
	}
}

func TestAutomationCreateValidation(t *testing.T) {
	ts := setupAutomationServer(t)

	w := ts.do(t, http.MethodPost, "/api/automations", map[string]interface{}{
		"lua_code": `lock.log("x")`,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing name: status = %d, want 400", w.Code)
	}
	if msg := errorOf(t, w); msg != "name is required" {
		t.Fatalf("error = %q", msg)
	}
}

func TestAutomationRunInline(t *testing.T) {
	ts := setupAutomationServer(t)

	w := ts.do(t, http.MethodPost, "/api/automations/_inline/run", map[string]interface{}{
		"lua_code": `lock.log("ping")`,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var result automation.RunResult
	decodeBody(t, w, &result)
	if !result.OK {
		t.Fatalf("result = %+v", result)
	}
	if len(result.Logs) != 1 || result.Logs[0] != "ping" {
		t.Fatalf("logs = %v", result.Logs)
	}
}

func TestAutomationRunSavedScript(t *testing.T) {
	ts := setupAutomationServer(t)

	w := ts.do(t, http.MethodPost, "/api/automations", map[string]interface{}{
		"name":     "Probe",
		"lua_code": `lock.log("saved run")`,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", w.Code)
	}

	w = ts.do(t, http.MethodPost, "/api/automations/probe/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("run: status = %d, body = %s", w.Code, w.Body.String())
	}
	var result automation.RunResult
	decodeBody(t, w, &result)
	if !result.OK || len(result.Logs) != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestAutomationEndpointsWithoutEngine(t *testing.T) {
	ts := setupTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/api/automations", nil)
	if w.Code != http.StatusOK || w.Body.String() == "" {
		t.Fatalf("list: status = %d", w.Code)
	}
	var scripts []interface{}
	decodeBody(t, w, &scripts)
	if len(scripts) != 0 {
		t.Fatalf("list = %v, want empty", scripts)
	}

	w = ts.do(t, http.MethodGet, "/api/automations/anything", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get: status = %d, want 404", w.Code)
	}

	w = ts.do(t, http.MethodPost, "/api/automations", map[string]interface{}{"name": "x"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("create: status = %d, want 500", w.Code)
	}

	w = ts.do(t, http.MethodPost, "/api/automations/x/run", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("run: status = %d, want 500", w.Code)
	}
}
