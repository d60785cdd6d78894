package overlay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tidwall/gjson"
)

// TestSelectPrecedence verifies per_model > per_api > global prompt
// selection and the disabled case.
func TestSelectPrecedence(t *testing.T) {
	cfg := &Config{
		Enabled:  true,
		Global:   &Prompt{Content: "global"},
		PerModel: map[string]Prompt{"gpt-4o": {Content: "model"}},
		PerAPI:   map[string]Prompt{"responses": {Content: "api"}},
	}

	if p, _ := cfg.Select("gpt-4o", "responses"); p.Content != "model" {
		t.Errorf("per_model should win, got %q", p.Content)
	}
	if p, _ := cfg.Select("other", "responses"); p.Content != "api" {
		t.Errorf("per_api should win, got %q", p.Content)
	}
	if p, _ := cfg.Select("other", "chat"); p.Content != "global" {
		t.Errorf("global fallback, got %q", p.Content)
	}

	cfg.Enabled = false
	if _, ok := cfg.Select("gpt-4o", "responses"); ok {
		t.Error("disabled overlay should select nothing")
	}
}

// TestInjectChatModes verifies prepend, append and replace placement among
// existing system messages.
func TestInjectChatModes(t *testing.T) {
	body := []byte(`{"messages":[
	  {"role":"system","content":"s1"},
	  {"role":"user","content":"u1"},
	  {"role":"system","content":"s2"},
	  {"role":"user","content":"u2"}
	]}`)

	roles := func(out []byte) []string {
		var r []string
		for _, m := range gjson.GetBytes(out, "messages").Array() {
			r = append(r, m.Get("role").String()+":"+m.Get("content").String())
		}
		return r
	}

	out := InjectChat(body, Prompt{Content: "X", InjectionMode: ModePrepend})
	got := roles(out)
	if got[0] != "system:X" || len(got) != 5 {
		t.Errorf("prepend: %v", got)
	}

	out = InjectChat(body, Prompt{Content: "X", InjectionMode: ModeAppend})
	got = roles(out)
	if len(got) != 5 || got[3] != "system:X" {
		t.Errorf("append should follow the last system message: %v", got)
	}

	out = InjectChat(body, Prompt{Content: "X", InjectionMode: ModeReplace})
	got = roles(out)
	if len(got) != 3 || got[0] != "system:X" || got[1] != "user:u1" || got[2] != "user:u2" {
		t.Errorf("replace: %v", got)
	}
}

// TestInjectChatNoSystems verifies that append with no existing system
// message lands at the front.
func TestInjectChatNoSystems(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":"u"}]}`)
	out := InjectChat(body, Prompt{Content: "X", InjectionMode: ModeAppend})
	msgs := gjson.GetBytes(out, "messages")
	if msgs.Get("0.role").String() != "system" || msgs.Get("0.content").String() != "X" {
		t.Errorf("messages = %s", msgs.Raw)
	}
}

// TestInjectResponsesStringInput verifies that a bare string input is
// promoted to an item array before injection.
func TestInjectResponsesStringInput(t *testing.T) {
	body := []byte(`{"model":"m","input":"hello"}`)
	out := InjectResponses(body, Prompt{Content: "X"})
	input := gjson.GetBytes(out, "input")
	if !input.IsArray() || len(input.Array()) != 2 {
		t.Fatalf("input = %s", input.Raw)
	}
	if input.Get("0.role").String() != "system" || input.Get("1.content").String() != "hello" {
		t.Errorf("input = %s", input.Raw)
	}
}

// TestManagerReload verifies loading from disk and hot reload picking up
// changes.
func TestManagerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system_prompt.json")
	if err := os.WriteFile(path, []byte(`{"enabled":true,"global":{"content":"v1"}}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if p, ok := m.Current().Select("m", "chat"); !ok || p.Content != "v1" {
		t.Errorf("initial = %+v ok=%v", p, ok)
	}

	if err := os.WriteFile(path, []byte(`{"enabled":true,"global":{"content":"v2","injection_mode":"replace"}}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if p, _ := m.Current().Select("m", "chat"); p.Content != "v2" || p.InjectionMode != ModeReplace {
		t.Errorf("reloaded = %+v", p)
	}
}

// TestManagerNoPath verifies that a pathless manager is disabled and
// refuses to reload.
func TestManagerNoPath(t *testing.T) {
	m, err := NewManager("")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, ok := m.Current().Select("m", "chat"); ok {
		t.Error("pathless overlay should be disabled")
	}
	if err := m.Reload(); err == nil {
		t.Error("Reload without a path should fail")
	}
}
