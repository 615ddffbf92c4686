package web

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"netwatch/internal/engine"
	"netwatch/internal/store"
)

type testServer struct {
	*Server
	db       *store.BoltStore
	core     *engine.Engine
	registry *engine.Registry
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestServer(t *testing.T, opts ...ServerOption) *testServer {
	t.Helper()
	logger := testLogger()

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	bus := engine.NewEventBus(logger)
	t.Cleanup(bus.Close)
	core := engine.New(db, bus, engine.Config{}, logger)
	registry := engine.NewRegistry(db, bus)
	rec := engine.NewReconciler(core, logger)

	srv := NewServer(core, registry, rec, logger, opts...)
	t.Cleanup(srv.Stop)

	return &testServer{Server: srv, db: db, core: core, registry: registry}
}

func (ts *testServer) seedDevice(t *testing.T, name, addr string) *store.Device {
	t.Helper()
	dev, err := ts.registry.AddDevice(engine.DeviceSpec{Name: name, Address: addr, Category: "server"})
	if err != nil {
		t.Fatal(err)
	}
	return dev
}

func (ts *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestAPIListDevices(t *testing.T) {
	ts := setupTestServer(t)
	ts.seedDevice(t, "web-1", "10.0.0.10")
	ts.seedDevice(t, "web-2", "10.0.0.11")

	w := ts.do("GET", "/api/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var devices []store.Device
	decode(t, w, &devices)
	if len(devices) != 2 {
		t.Errorf("device count = %d, want 2", len(devices))
	}
}

func TestAPIGetDevice(t *testing.T) {
	ts := setupTestServer(t)
	dev := ts.seedDevice(t, "db", "10.0.0.20")

	w := ts.do("GET", "/api/devices/"+itoa(dev.ID), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got store.Device
	decode(t, w, &got)
	if got.Name != "db" || got.Status != store.StatusUnknown || got.LastSeen != nil {
		t.Errorf("device = %+v", got)
	}
}

func TestAPIGetDeviceErrors(t *testing.T) {
	ts := setupTestServer(t)

	if w := ts.do("GET", "/api/devices/999", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if w := ts.do("GET", "/api/devices/abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPICreateDevice(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do("POST", "/api/devices", `{"name":"ap-lobby","address":"10.0.1.5","category":"access-point","location":"lobby"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	var dev store.Device
	decode(t, w, &dev)
	if dev.ID == 0 || dev.Status != store.StatusUnknown || dev.Category != store.CategoryAccessPoint {
		t.Errorf("device = %+v", dev)
	}

	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{"address":"10.0.0.1","category":"server"}`},
		{"missing address", `{"name":"x","category":"server"}`},
		{"bad category", `{"name":"x","address":"10.0.0.1","category":"toaster"}`},
		{"not json", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := ts.do("POST", "/api/devices", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestAPIDeleteDevice(t *testing.T) {
	ts := setupTestServer(t)
	dev := ts.seedDevice(t, "old", "10.0.0.30")

	if w := ts.do("DELETE", "/api/devices/"+itoa(dev.ID), ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if _, err := ts.db.GetDevice(dev.ID); err == nil {
		t.Error("device still exists after delete")
	}
	if w := ts.do("DELETE", "/api/devices/"+itoa(dev.ID), ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIReport(t *testing.T) {
	ts := setupTestServer(t)
	a := ts.seedDevice(t, "a", "10.0.0.1")
	ts.seedDevice(t, "b", "10.0.0.2")

	w := ts.do("POST", "/api/report", `[
		{"address":"10.0.0.1","status":"offline","latency":0},
		{"address":"10.0.0.2","status":"online","latency":"12"},
		{"address":"10.9.9.9","status":"online"},
		{"status":"online"}
	]`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	var resp struct {
		Status    string `json:"status"`
		Received  int    `json:"received"`
		Applied   int    `json:"applied"`
		Skipped   int    `json:"skipped"`
		Unmatched int    `json:"unmatched"`
	}
	decode(t, w, &resp)
	if resp.Status != "ok" || resp.Received != 4 || resp.Applied != 2 || resp.Skipped != 1 || resp.Unmatched != 1 {
		t.Errorf("response = %+v", resp)
	}

	got, _ := ts.db.GetDevice(a.ID)
	if got.Status != store.StatusOffline || got.DowntimeStart == nil || got.LastSeen == nil {
		t.Errorf("device a = %+v", got)
	}
}

func TestAPIReportRejectsNonList(t *testing.T) {
	ts := setupTestServer(t)
	for _, body := range []string{`{"address":"10.0.0.1"}`, `null`, `"x"`, `[1,`} {
		if w := ts.do("POST", "/api/report", body); w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want %d", body, w.Code, http.StatusBadRequest)
		}
	}
	if w := ts.do("POST", "/api/report", `[]`); w.Code != http.StatusOK {
		t.Errorf("empty list: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAPIDeviceLogsAndDowntime(t *testing.T) {
	ts := setupTestServer(t)
	dev := ts.seedDevice(t, "edge", "10.0.0.40")

	for _, status := range []store.Status{store.StatusOffline, store.StatusOnline, store.StatusOffline} {
		if _, err := ts.core.Apply(engine.Observation{DeviceID: dev.ID, Status: status, Source: engine.SourceAgent}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}

	w := ts.do("GET", "/api/devices/"+itoa(dev.ID)+"/logs?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("logs status = %d", w.Code)
	}
	var logs []store.LogEntry
	decode(t, w, &logs)
	if len(logs) != 2 || logs[0].Status != store.StatusOffline {
		t.Errorf("logs = %+v", logs)
	}

	w = ts.do("GET", "/api/logs/downtime", "")
	var downtime []engine.DowntimeEntry
	decode(t, w, &downtime)
	if len(downtime) != 2 || downtime[0].DeviceName != "edge" || downtime[0].Address != "10.0.0.40" {
		t.Errorf("downtime = %+v", downtime)
	}

	if w := ts.do("GET", "/api/devices/999/logs", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing device logs: status = %d", w.Code)
	}
}

func TestAPISimulationSetting(t *testing.T) {
	ts := setupTestServer(t)

	var got map[string]bool
	decode(t, ts.do("GET", "/api/settings/simulation", ""), &got)
	if got["enabled"] {
		t.Fatal("simulation enabled by default")
	}

	if w := ts.do("PUT", "/api/settings/simulation", `{"enabled":true}`); w.Code != http.StatusOK {
		t.Fatalf("put status = %d", w.Code)
	}
	if on, _ := ts.db.Simulation(); !on {
		t.Error("flag not persisted")
	}

	if w := ts.do("PUT", "/api/settings/simulation", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing field: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPIProbeWithoutProber(t *testing.T) {
	ts := setupTestServer(t)
	if w := ts.do("POST", "/api/probe", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHealthzAndVersion(t *testing.T) {
	ts := setupTestServer(t, WithVersion("1.2.3"), WithAPIKey("k"))

	if w := ts.do("GET", "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("healthz status = %d", w.Code)
	}
	var v map[string]string
	decode(t, ts.do("GET", "/api/version", "", "X-API-Key", "k"), &v)
	if v["version"] != "1.2.3" {
		t.Errorf("version = %v", v)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t, WithAPIKey("k"))
	ts.do("GET", "/healthz", "")

	w := ts.do("GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("netwatch_http_requests_total")) {
		t.Error("request counter missing from /metrics")
	}
}

func TestAuthMiddleware(t *testing.T) {
	ts := setupTestServer(t, WithAPIKey("secret-key"))

	tests := []struct {
		name    string
		path    string
		headers []string
		want    int
	}{
		{"header", "/api/devices", []string{"X-API-Key", "secret-key"}, http.StatusOK},
		{"query param", "/api/devices?api_key=secret-key", nil, http.StatusOK},
		{"missing", "/api/devices", nil, http.StatusUnauthorized},
		{"wrong key", "/api/devices", []string{"X-API-Key", "wrong-key"}, http.StatusUnauthorized},
		{"healthz open", "/healthz", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := ts.do("GET", tt.path, "", tt.headers...); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	ts := setupTestServer(t, WithAllowedOrigins([]string{"https://ops.example"}))

	w := ts.do("OPTIONS", "/api/report", "", "Origin", "https://ops.example")
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "https://ops.example" {
		t.Errorf("preflight: status = %d, headers = %v", w.Code, w.Header())
	}
	if w := ts.do("OPTIONS", "/api/report", "", "Origin", "https://evil.example"); w.Code != http.StatusForbidden {
		t.Errorf("bad preflight: status = %d", w.Code)
	}
	if w := ts.do("POST", "/api/report", "[]", "Origin", "https://evil.example"); w.Code != http.StatusForbidden {
		t.Errorf("cross-origin post: status = %d", w.Code)
	}
	if w := ts.do("GET", "/api/devices", "", "Origin", "https://evil.example"); w.Code != http.StatusOK {
		t.Errorf("cross-origin get: status = %d", w.Code)
	}
}

func TestQueryLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=5", 5},
		{"limit=0", 50},
		{"limit=-3", 50},
		{"limit=abc", 50},
		{"limit=99999", maxLogLimit},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/x?"+tt.query, nil)
		if got := queryLimit(r, defaultLogLimit); got != tt.want {
			t.Errorf("queryLimit(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

func itoa(id uint64) string {
	return strconv.FormatUint(id, 10)
}
