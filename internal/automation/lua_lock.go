//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	"lockhub/internal/fleet"

	lua "github.com/yuin/gopher-lua"
)

// commandTimeout bounds a script-initiated lock command. It covers the
// whole session: queueing for the radio, connecting, and the command.
const commandTimeout = 30 * time.Second

// registerLockModule registers the `lock` global table in a Lua state.
func registerLockModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return lockOn(L, vm)
	}))

	mod.RawSetString("lock", L.NewFunction(func(L *lua.LState) int {
		return lockCommand(L, e, true)
	}))

	mod.RawSetString("unlock", L.NewFunction(func(L *lua.LState) int {
		return lockCommand(L, e, false)
	}))

	mod.RawSetString("status", L.NewFunction(func(L *lua.LState) int {
		return lockStatus(L, e)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return lockDevices(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return lockAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return lockLog(L, e)
	}))

	L.SetGlobal("lock", mod)
}

const maxHandlersPerScript = 100

// lock.on(type, filter, callback)
func lockOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("address"); v != lua.LNil {
		h.address = strings.ToUpper(v.String())
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// lock.lock/unlock(address_or_name)
func lockCommand(L *lua.LState, e *Engine, engage bool) int {
	target := L.CheckString(1)
	addr := resolveAddr(e, target)
	if addr == "" {
		e.logger.Warn("device not found", "target", target)
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	if engage {
		err = e.orch.Lock(ctx, addr)
	} else {
		err = e.orch.Unlock(ctx, addr)
	}
	if err != nil {
		e.logger.Error("script lock command", "err", err, "target", target, "engage", engage)
	}
	return 0
}

// lock.status(address_or_name): returns a device table or nil
func lockStatus(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	addr := resolveAddr(e, target)
	if addr == "" {
		L.Push(lua.LNil)
		return 1
	}

	info, err := e.orch.Device(addr)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}

	L.Push(deviceToLua(L, info))
	return 1
}

// lock.devices(): returns a table of all paired devices
func lockDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, info := range e.orch.Devices() {
		tbl.RawSetInt(i+1, deviceToLua(L, info))
	}
	L.Push(tbl)
	return 1
}

// lock.after(seconds, callback): delayed execution
func lockAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		// Send callback execution to the VM's command channel
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// lock.log(msg)
func lockLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

func deviceToLua(L *lua.LState, info fleet.DeviceInfo) *lua.LTable {
	d := L.NewTable()
	d.RawSetString("address", lua.LString(info.Address))
	d.RawSetString("name", lua.LString(info.Name))
	d.RawSetString("paired", lua.LBool(info.Paired))
	d.RawSetString("status", lua.LString(string(info.Status)))
	d.RawSetString("connectivity", lua.LString(string(info.Connectivity)))
	d.RawSetString("battery", lua.LNumber(info.Battery))
	return d
}

// resolveAddr finds a device by MAC address or display name and returns
// the canonical address, or "" when nothing matches.
func resolveAddr(e *Engine, target string) string {
	if isMACAddress(target) {
		addr := strings.ToUpper(target)
		if _, err := e.orch.Device(addr); err == nil {
			return addr
		}
		return ""
	}

	// Search by name
	lowered := strings.ToLower(target)
	for _, info := range e.orch.Devices() {
		if strings.ToLower(info.Name) == lowered {
			return info.Address
		}
	}
	return ""
}

// isMACAddress reports whether s looks like a colon-separated MAC
// (AA:BB:CC:DD:EE:FF).
func isMACAddress(s string) bool {
	if len(s) != 17 {
		return false
	}
	for i, c := range s {
		if i%3 == 2 {
			if c != ':' {
				return false
			}
			continue
		}
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
