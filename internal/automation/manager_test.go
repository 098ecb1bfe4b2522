//go:build !no_automation

package automation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scripts")
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	s := &Script{
		Meta: ScriptMeta{
			Name:        "Test Script",
			Description: "A test",
			Enabled:     true,
		},
		LuaCode: `lock.log("hello")`,
	}

	saved, err := m.Save(s)
	if err != nil {
		t.Fatal(err)
	}

	if saved.ID == "" {
		t.Fatal("expected non-empty ID")
	}
	if saved.ID != "test_script" {
		t.Errorf("id = %q, want test_script", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}

	if got.Meta.Name != "Test Script" {
		t.Errorf("name = %q, want Test Script", got.Meta.Name)
	}
	if got.Meta.Description != "A test" {
		t.Errorf("description = %q, want A test", got.Meta.Description)
	}
	if !got.Meta.Enabled {
		t.Error("enabled = false, want true")
	}
	if !strings.Contains(got.LuaCode, `lock.log("hello")`) {
		t.Errorf("lua_code = %q, want to contain lock.log", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	s := &Script{
		ID: "my_script",
		Meta: ScriptMeta{
			Name:    "My Script",
			Enabled: true,
		},
		LuaCode: `lock.log("v1")`,
	}

	saved, err := m.Save(s)
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "my_script" {
		t.Errorf("id = %q, want my_script", saved.ID)
	}

	// Update same script
	saved.LuaCode = `lock.log("v2")`
	_, err = m.Save(saved)
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("my_script")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, `lock.log("v2")`) {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
}

func TestManagerList(t *testing.T) {
	m := newTestManager(t)

	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		_, err := m.Save(&Script{
			Meta:    ScriptMeta{Name: name, Enabled: true},
			LuaCode: `lock.log("` + name + `")`,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 3 {
		t.Fatalf("list count = %d, want 3", len(scripts))
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "ToDelete", Enabled: true},
		LuaCode: `lock.log("bye")`,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}

	_, err = m.Get(saved.ID)
	if err == nil {
		t.Error("expected error after delete, got nil")
	}
}

func TestManagerGetNotFound(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Get("nonexistent")
	if err == nil {
		t.Error("expected error, got nil")
	}
}

func TestManagerRejectsPathTraversal(t *testing.T) {
	m := newTestManager(t)

	for _, id := range []string{"", ".", "..", "../evil", "a/b", `a\b`} {
		if _, err := m.Get(id); err == nil {
			t.Errorf("Get(%q) accepted unsafe id", id)
		}
		if err := m.Delete(id); err == nil {
			t.Errorf("Delete(%q) accepted unsafe id", id)
		}
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Dup", Enabled: true},
		LuaCode: `lock.log("1")`,
	})
	if err != nil {
		t.Fatal(err)
	}

	s2, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Dup", Enabled: true},
		LuaCode: `lock.log("2")`,
	})
	if err != nil {
		t.Fatal(err)
	}

	if s1.ID == s2.ID {
		t.Errorf("expected unique IDs, got %q for both", s1.ID)
	}
}

func TestParseScriptFile(t *testing.T) {
	dir := t.TempDir()
	content := `-- {"name":"Night Lock","description":"Lock the front door at night","enabled":true}

lock.on("device_unlocked", {address="AA:BB:CC:DD:EE:FF"}, function(event)
    if system.time_between(22, 6) then
        lock.lock(event.address)
    end
end)
`
	path := filepath.Join(dir, "night_lock.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Manager{dir: dir}
	s, err := m.parseFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if s.ID != "night_lock" {
		t.Errorf("id = %q, want night_lock", s.ID)
	}
	if s.Meta.Name != "Night Lock" {
		t.Errorf("name = %q, want Night Lock", s.Meta.Name)
	}
	if s.Meta.Description != "Lock the front door at night" {
		t.Errorf("description = %q", s.Meta.Description)
	}
	if !s.Meta.Enabled {
		t.Error("enabled = false, want true")
	}
	if !strings.Contains(s.LuaCode, `lock.on("device_unlocked"`) {
		t.Errorf("lua_code missing expected content: %q", s.LuaCode)
	}
	if strings.Contains(s.LuaCode, `-- {`) {
		t.Errorf("lua_code still contains metadata line: %q", s.LuaCode)
	}
}

func TestParseScriptFileNoMetadata(t *testing.T) {
	dir := t.TempDir()
	content := `lock.log("bare script")`
	path := filepath.Join(dir, "bare.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Manager{dir: dir}
	s, err := m.parseFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if s.Meta.Name != "" {
		t.Errorf("name = %q, want empty", s.Meta.Name)
	}
	if s.Meta.Enabled {
		t.Error("enabled = true, want false")
	}
	if s.LuaCode != `lock.log("bare script")` {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestSerializeScriptRoundTrip(t *testing.T) {
	m := newTestManager(t)

	orig := &Script{
		ID: "roundtrip",
		Meta: ScriptMeta{
			Name:        "Round Trip",
			Description: "desc",
			Enabled:     true,
		},
		LuaCode: "lock.log(\"hi\")\nlock.log(\"bye\")",
	}

	if _, err := m.Save(orig); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("roundtrip")
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != orig.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, orig.Meta)
	}
	if strings.TrimSpace(got.LuaCode) != orig.LuaCode {
		t.Errorf("lua_code = %q, want %q", got.LuaCode, orig.LuaCode)
	}
}

func TestSerializeScript(t *testing.T) {
	s := &Script{
		ID: "test",
		Meta: ScriptMeta{
			Name:        "Test",
			Description: "desc",
			Enabled:     true,
		},
		LuaCode: `lock.log("hi")`,
	}

	content := serializeScript(s)

	if !strings.HasPrefix(content, "-- {") {
		t.Errorf("expected metadata line prefix, got: %q", content[:20])
	}
	if !strings.Contains(content, `lock.log("hi")`) {
		t.Error("missing lua code")
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Bathroom Light", "bathroom_light"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
	}
	for _, tt := range tests {
		got := slugify(tt.input)
		if got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
