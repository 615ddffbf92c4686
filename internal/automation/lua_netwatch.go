//go:build !no_automation

package automation

import (
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"netwatch/internal/store"
)

const maxHandlersPerScript = 100

// registerNetwatchModule installs the `netwatch` global table.
func registerNetwatchModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int { return netwatchOn(L, vm) }))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int { return netwatchAfter(L, vm, e) }))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int { return netwatchLog(L, e) }))
	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int { return netwatchDevices(L, e) }))
	mod.RawSetString("device", L.NewFunction(func(L *lua.LState) int { return netwatchDevice(L, e) }))
	mod.RawSetString("downtime", L.NewFunction(func(L *lua.LState) int { return netwatchDowntime(L, e) }))
	L.SetGlobal("netwatch", mod)
}

// netwatch.on(type, [filter,] callback)
func netwatchOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}

	switch arg := L.Get(2).(type) {
	case *lua.LFunction:
		h.fn = arg
	case *lua.LTable:
		if v, ok := arg.RawGetString("device_id").(lua.LNumber); ok && v > 0 {
			h.deviceID = uint64(v)
		}
		if v := arg.RawGetString("status"); v != lua.LNil {
			h.status = strings.ToLower(v.String())
		}
		h.fn = L.CheckFunction(3)
	default:
		h.fn = L.CheckFunction(3)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// netwatch.after(seconds, callback)
func netwatchAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command queue full")
		}
	}()
	return 0
}

func netwatchLog(L *lua.LState, e *Engine) int {
	e.logger.Info("script log", "msg", L.CheckString(1))
	return 0
}

func netwatchDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	devices, err := e.core.Devices()
	if err != nil {
		e.logger.Warn("netwatch.devices", "err", err)
		L.Push(tbl)
		return 1
	}
	for i, dev := range devices {
		tbl.RawSetInt(i+1, deviceTable(L, dev))
	}
	L.Push(tbl)
	return 1
}

// netwatch.device(id_or_name) returns nil when nothing matches.
func netwatchDevice(L *lua.LState, e *Engine) int {
	dev := resolveDevice(e, L.CheckAny(1))
	if dev == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(deviceTable(L, dev))
	return 1
}

// netwatch.downtime([limit]) lists recent offline transitions fleet-wide.
func netwatchDowntime(L *lua.LState, e *Engine) int {
	limit := L.OptInt(1, 10)
	tbl := L.NewTable()
	entries, err := e.core.Audit().RecentGlobal(limit)
	if err != nil {
		e.logger.Warn("netwatch.downtime", "err", err)
		L.Push(tbl)
		return 1
	}
	for i, en := range entries {
		row := L.NewTable()
		row.RawSetString("device_id", lua.LNumber(en.DeviceID))
		row.RawSetString("name", lua.LString(en.DeviceName))
		row.RawSetString("address", lua.LString(en.Address))
		row.RawSetString("timestamp", lua.LString(en.Timestamp.Format(time.RFC3339)))
		tbl.RawSetInt(i+1, row)
	}
	L.Push(tbl)
	return 1
}

func deviceTable(L *lua.LState, dev *store.Device) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LNumber(dev.ID))
	t.RawSetString("name", lua.LString(dev.Name))
	t.RawSetString("address", lua.LString(dev.Address))
	t.RawSetString("category", lua.LString(dev.Category))
	t.RawSetString("location", lua.LString(dev.Location))
	t.RawSetString("status", lua.LString(dev.Status))
	t.RawSetString("latency", lua.LNumber(dev.LatencyMS))
	t.RawSetString("last_seen", goToLua(L, dev.LastSeen))
	t.RawSetString("downtime_start", goToLua(L, dev.DowntimeStart))
	return t
}

// resolveDevice accepts a numeric ID (as number or string), a name
// (case-insensitive) or an address.
func resolveDevice(e *Engine, target lua.LValue) *store.Device {
	var id uint64
	switch v := target.(type) {
	case lua.LNumber:
		id = uint64(v)
	case lua.LString:
		if n, err := strconv.ParseUint(string(v), 10, 64); err == nil {
			id = n
		}
	default:
		return nil
	}
	if id != 0 {
		if dev, err := e.core.Device(id); err == nil {
			return dev
		}
	}

	name := strings.TrimSpace(target.String())
	devices, err := e.core.Devices()
	if err != nil {
		return nil
	}
	for _, dev := range devices {
		if strings.EqualFold(dev.Name, name) {
			return dev
		}
	}
	for _, dev := range devices {
		if dev.Address == name {
			return dev
		}
	}
	return nil
}
