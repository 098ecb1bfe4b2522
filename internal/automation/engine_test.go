//go:build !no_automation

package automation

import (
	"strings"
	"testing"

	"lockhub/internal/fleet"

	lua "github.com/yuin/gopher-lua"
)

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool true", true, lua.LTBool},
		{"bool false", false, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"uint8", uint8(255), lua.LTNumber},
		{"uint16", uint16(1024), lua.LTNumber},
		{"uint32", uint32(100000), lua.LTNumber},
		{"int8", int8(-10), lua.LTNumber},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := goToLua(L, tt.val)
			if result.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, result.Type(), tt.want)
			}
		})
	}
}

func TestGoToLuaMap(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	m := map[string]interface{}{"key": "value", "num": 10}
	v := goToLua(L, m)
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}

	keyVal := tbl.RawGetString("key")
	if s, ok := keyVal.(lua.LString); !ok || string(s) != "value" {
		t.Errorf("map[key] = %v, want value", keyVal)
	}

	numVal := tbl.RawGetString("num")
	if n, ok := numVal.(lua.LNumber); !ok || float64(n) != 10 {
		t.Errorf("map[num] = %v, want 10", numVal)
	}
}

func TestGoToLuaSlice(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	s := []interface{}{"a", "b", "c"}
	v := goToLua(L, s)
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}

	if tbl.Len() != 3 {
		t.Errorf("table len = %d, want 3", tbl.Len())
	}

	first := tbl.RawGetInt(1)
	if str, ok := first.(lua.LString); !ok || string(str) != "a" {
		t.Errorf("slice[1] = %v, want a", first)
	}
}

func TestMatchesHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler luaEventHandler
		evType  string
		evData  map[string]interface{}
		want    bool
	}{
		{
			"exact match",
			luaEventHandler{eventType: "device_locked", address: "AA:BB:CC:DD:EE:FF"},
			"device_locked",
			map[string]interface{}{"address": "AA:BB:CC:DD:EE:FF"},
			true,
		},
		{
			"wrong event type",
			luaEventHandler{eventType: "device_locked"},
			"device_unlocked",
			map[string]interface{}{},
			false,
		},
		{
			"address filter mismatch",
			luaEventHandler{eventType: "device_locked", address: "AA:BB:CC:DD:EE:FF"},
			"device_locked",
			map[string]interface{}{"address": "11:22:33:44:55:66"},
			false,
		},
		{
			"no filter matches any device",
			luaEventHandler{eventType: "device_locked"},
			"device_locked",
			map[string]interface{}{"address": "11:22:33:44:55:66"},
			true,
		},
		{
			"address filter is case-insensitive",
			luaEventHandler{eventType: "device_locked", address: "AA:BB:CC:DD:EE:FF"},
			"device_locked",
			map[string]interface{}{"address": "aa:bb:cc:dd:ee:ff"},
			true,
		},
		{
			"address filter with no data",
			luaEventHandler{eventType: "scan_started", address: "AA:BB:CC:DD:EE:FF"},
			"scan_started",
			nil,
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var data interface{}
			if tt.evData != nil {
				data = tt.evData
			}
			got := matchesHandler(tt.handler, fleet.Event{
				Type: tt.evType,
				Data: data,
			})
			if got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsMACAddress(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"AA:BB:CC:DD:EE:FF", true},
		{"aa:bb:cc:dd:ee:ff", true},
		{"A1:b2:C3:d4:E5:f6", true},
		{"AA:BB:CC:DD:EE", false},
		{"AA-BB-CC-DD-EE-FF", false},
		{"AABBCCDDEEFF", false},
		{"Front Door", false},
		{"", false},
		{"GG:BB:CC:DD:EE:FF", false},
	}

	for _, tt := range tests {
		got := isMACAddress(tt.input)
		if got != tt.want {
			t.Errorf("isMACAddress(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func newRunEngine() *Engine {
	return &Engine{
		logger: testLogger(),
		vms:    make(map[string]*scriptVM),
	}
}

func TestRunLuaCodeCapturesLogs(t *testing.T) {
	e := newRunEngine()

	res := e.RunLuaCode(`
lock.log("first")
lock.log("second")
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 2 || res.Logs[0] != "first" || res.Logs[1] != "second" {
		t.Errorf("logs = %v, want [first second]", res.Logs)
	}
}

func TestRunLuaCodeReportsErrors(t *testing.T) {
	e := newRunEngine()

	res := e.RunLuaCode(`this is not lua`)
	if res.OK {
		t.Fatal("expected failure for invalid code")
	}
	if res.Error == "" {
		t.Error("expected non-empty error")
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	e := newRunEngine()

	// os, io and require are stripped from script VMs.
	for _, code := range []string{
		`os.exit(1)`,
		`io.open("/etc/passwd")`,
		`require("socket")`,
	} {
		res := e.RunLuaCode(code)
		if res.OK {
			t.Errorf("sandboxed code %q ran without error", code)
		}
	}
}

func TestRunLuaCodeInvokesHandlers(t *testing.T) {
	e := newRunEngine()

	res := e.RunLuaCode(`
lock.on("device_locked", {address="AA:BB:CC:DD:EE:FF"}, function(event)
    lock.log(event.type .. " " .. event.status)
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 {
		t.Fatalf("logs = %v, want one entry", res.Logs)
	}
	if !strings.Contains(res.Logs[0], "device_locked") || !strings.Contains(res.Logs[0], "locked") {
		t.Errorf("handler log = %q, want type and status", res.Logs[0])
	}
}

func TestRunLuaCodeSystemLogCaptured(t *testing.T) {
	e := newRunEngine()

	res := e.RunLuaCode(`system.log("warn", "careful")`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "[warn] careful" {
		t.Errorf("logs = %v, want [[warn] careful]", res.Logs)
	}
}
