//go:build !no_automation

package automation

import (
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"netwatch/internal/engine"
	"netwatch/internal/store"
)

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	var nilTime *time.Time
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"uint64", uint64(7), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"time", ts, lua.LTString},
		{"time ptr", &ts, lua.LTString},
		{"nil time ptr", nilTime, lua.LTNil},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val).Type(); got != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got, tt.want)
			}
		})
	}

	if s := goToLua(L, ts); s.String() != "2024-01-02T03:04:05Z" {
		t.Errorf("time = %v", s)
	}
}

func TestMatchesHandler(t *testing.T) {
	change := map[string]interface{}{"device_id": uint64(3), "status": "offline"}

	tests := []struct {
		name    string
		handler luaEventHandler
		evType  string
		fields  map[string]interface{}
		want    bool
	}{
		{"exact match", luaEventHandler{eventType: engine.EventDeviceChanged, deviceID: 3, status: "offline"}, engine.EventDeviceChanged, change, true},
		{"wrong event type", luaEventHandler{eventType: engine.EventDeviceAdded}, engine.EventDeviceChanged, change, false},
		{"device mismatch", luaEventHandler{eventType: engine.EventDeviceChanged, deviceID: 4}, engine.EventDeviceChanged, change, false},
		{"status mismatch", luaEventHandler{eventType: engine.EventDeviceChanged, status: "online"}, engine.EventDeviceChanged, change, false},
		{"no filters", luaEventHandler{eventType: engine.EventDeviceChanged}, engine.EventDeviceChanged, change, true},
		{"device filter on empty payload", luaEventHandler{eventType: engine.EventDeviceChanged, deviceID: 3}, engine.EventDeviceChanged, map[string]interface{}{}, false},
		{"float device id", luaEventHandler{eventType: engine.EventDeviceRemoved, deviceID: 3}, engine.EventDeviceRemoved, map[string]interface{}{"device_id": float64(3)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.handler, tt.evType, tt.fields); got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventFields(t *testing.T) {
	ts := time.Now().UTC()
	f := eventFields(engine.Event{Type: engine.EventDeviceChanged, Data: engine.DeviceChange{DeviceID: 9, Status: store.StatusOnline, ObservedAt: ts}})
	if f["device_id"] != uint64(9) || f["status"] != "online" {
		t.Errorf("change fields = %v", f)
	}

	f = eventFields(engine.Event{Type: engine.EventDeviceAdded, Data: &store.Device{ID: 2, Name: "core", Address: "10.0.0.1"}})
	if f["device_id"] != uint64(2) || f["name"] != "core" {
		t.Errorf("device fields = %v", f)
	}

	if f = eventFields(engine.Event{Type: "other", Data: 42}); len(f) != 0 {
		t.Errorf("unknown payload fields = %v", f)
	}
}

type testCore struct {
	engine   *engine.Engine
	bus      *engine.EventBus
	registry *engine.Registry
}

func newTestCore(t *testing.T) *testCore {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	bus := engine.NewEventBus(testLogger())
	t.Cleanup(bus.Close)
	return &testCore{
		engine:   engine.New(st, bus, engine.Config{}, testLogger()),
		bus:      bus,
		registry: engine.NewRegistry(st, bus),
	}
}

func TestRunLuaCodeCapturesLogsAndCallsHandlers(t *testing.T) {
	core := newTestCore(t)
	if _, err := core.registry.AddDevice(engine.DeviceSpec{Name: "core-sw", Address: "10.0.0.1", Category: "switch"}); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(core.engine, nil, testLogger(), SystemConfig{}, TelegramConfig{})
	res := e.RunLuaCode(`
		netwatch.log("devices: " .. #netwatch.devices())
		local d = netwatch.device("CORE-SW")
		netwatch.log("found " .. d.address .. " " .. d.status)
		netwatch.on("device_changed", {status = "offline"}, function(ev)
			system.log("warn", ev.type .. " " .. ev.status)
		end)
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"devices: 1", "found 10.0.0.1 unknown", "[warn] device_changed offline"}
	if strings.Join(res.Logs, "|") != strings.Join(want, "|") {
		t.Errorf("logs = %q, want %q", res.Logs, want)
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	core := newTestCore(t)
	e := NewEngine(core.engine, nil, testLogger(), SystemConfig{}, TelegramConfig{})

	for _, code := range []string{`os.exit(1)`, `io.open("/etc/passwd")`, `require("socket")`} {
		if res := e.RunLuaCode(code); res.OK {
			t.Errorf("%q should fail in sandbox", code)
		}
	}
}

func TestRunLuaCodeTimeout(t *testing.T) {
	core := newTestCore(t)
	e := NewEngine(core.engine, nil, testLogger(), SystemConfig{}, TelegramConfig{})

	res := e.RunLuaCode(`while true do end`)
	if res.OK || !strings.Contains(res.Error, "timeout") {
		t.Errorf("result = %+v", res)
	}
}

func TestEngineDispatchesDeviceChanges(t *testing.T) {
	core := newTestCore(t)
	dev, err := core.registry.AddDevice(engine.DeviceSpec{Name: "edge", Address: "10.0.0.2", Category: "router"})
	if err != nil {
		t.Fatal(err)
	}

	mgr := newTestManager(t)
	if _, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "outage", Enabled: true}, LuaCode: `count = 0`}); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "disabled"}, LuaCode: `error("must not load")`}); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(core.engine, mgr, testLogger(), SystemConfig{}, TelegramConfig{})
	e.Start()
	defer e.Stop()

	if !e.Running("outage") || e.Running("disabled") {
		t.Fatalf("running: outage=%v disabled=%v", e.Running("outage"), e.Running("disabled"))
	}

	// Install a Go-backed handler on the running VM so the test can observe calls.
	e.mu.Lock()
	vm := e.vms["outage"]
	e.mu.Unlock()

	hits := make(chan string, 4)
	installed := make(chan error, 1)
	vm.commands <- func(L *lua.LState) {
		L.SetGlobal("mark", L.NewFunction(func(L *lua.LState) int {
			hits <- L.CheckString(1)
			return 0
		}))
		installed <- L.DoString(`netwatch.on("device_changed", {device_id = ` + strconv.FormatUint(dev.ID, 10) + `, status = "offline"}, function(ev) mark(ev.status) end)`)
	}
	select {
	case err := <-installed:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("vm did not run command")
	}

	apply := func(status store.Status) {
		t.Helper()
		if _, err := core.engine.Apply(engine.Observation{DeviceID: dev.ID, Status: status, Source: engine.SourceAgent}); err != nil {
			t.Fatal(err)
		}
	}
	apply(store.StatusOnline)
	apply(store.StatusOffline)

	select {
	case got := <-hits:
		if got != "offline" {
			t.Errorf("handler saw status %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	select {
	case got := <-hits:
		t.Errorf("unexpected extra call with %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReloadAndStopScript(t *testing.T) {
	core := newTestCore(t)
	mgr := newTestManager(t)
	s, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "r", Enabled: true}, LuaCode: `netwatch.log("hi")`})
	if err != nil {
		t.Fatal(err)
	}

	e := NewEngine(core.engine, mgr, testLogger(), SystemConfig{}, TelegramConfig{})
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if !e.Running(s.ID) {
		t.Fatal("script not running after reload")
	}

	e.StopScript(s.ID)
	if e.Running(s.ID) {
		t.Error("script still running after stop")
	}

	s.Meta.Enabled = false
	mgr.Save(s)
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if e.Running(s.ID) {
		t.Error("disabled script started")
	}

	if err := e.ReloadScript("missing"); err == nil {
		t.Error("expected error for missing script")
	}
}
