package routing

import (
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/tidwall/gjson"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	eng, err := NewEngine(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

// TestGlobMatch verifies '*'-only wildcard matching, including anchored
// prefixes, anchored suffixes and multi-wildcard patterns.
func TestGlobMatch(t *testing.T) {
	cases := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"gpt-4*", "gpt-4-turbo", true},
		{"gpt-4*", "gpt-4", true},
		{"gpt-4*", "gpt-3.5-turbo", false},
		{"*-20240229", "claude-3-opus-20240229", true},
		{"*-20240229", "claude-3-opus-20240307", false},
		{"claude-*-opus*", "claude-3-opus-20240229", true},
		{"claude-*-opus*", "claude-3-sonnet-20240229", false},
		{"*", "anything", true},
		{"*", "", true},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"a*b*c", "aXbYc", true},
		{"a*b*c", "abc", true},
		{"a*b*c", "acb", false},
		{"ab*", "a", false},
	}

	for _, tc := range cases {
		if got := globMatch(tc.pattern, tc.s); got != tc.want {
			t.Errorf("globMatch(%q, %q) = %v, want %v", tc.pattern, tc.s, got, tc.want)
		}
	}
}

// TestMatcherTypes verifies each matcher type against matching and
// non-matching model names.
func TestMatcherTypes(t *testing.T) {
	cases := []struct {
		match   Match
		model   string
		matches bool
	}{
		{Match{Type: MatchExact, Value: "gpt-4o"}, "gpt-4o", true},
		{Match{Type: MatchExact, Value: "gpt-4o"}, "gpt-4o-mini", false},
		{Match{Type: MatchPrefix, Value: "claude-"}, "claude-3-haiku", true},
		{Match{Type: MatchPrefix, Value: "claude-"}, "gpt-4o", false},
		{Match{Type: MatchRegex, Value: `^llama-\d+b$`}, "llama-70b", true},
		{Match{Type: MatchRegex, Value: `^llama-\d+b$`}, "llama-xl", false},
		{Match{Type: MatchGlob, Value: "*-instruct"}, "mixtral-8x7b-instruct", true},
		{Match{Type: MatchGlob, Value: "*-instruct"}, "mixtral-8x7b", false},
		{Match{Type: MatchAny}, "whatever", true},
	}

	for _, tc := range cases {
		eng := newTestEngine(t, Config{
			Enabled: true,
			Rules: []Rule{{
				Name:    "r",
				Enabled: true,
				Match:   tc.match,
				Targets: []Target{{Name: "t", BaseURL: "http://u"}},
			}},
		})
		_, err := eng.Resolve(tc.model)
		if tc.matches && err != nil {
			t.Errorf("match %+v model %q: unexpected error %v", tc.match, tc.model, err)
		}
		if !tc.matches && !errors.Is(err, ErrNoRoute) {
			t.Errorf("match %+v model %q: err = %v, want ErrNoRoute", tc.match, tc.model, err)
		}
	}
}

// TestRulePriorityOrder verifies that the highest-priority matching rule
// wins regardless of declaration order, and that disabled rules are skipped.
func TestRulePriorityOrder(t *testing.T) {
	eng := newTestEngine(t, Config{
		Enabled: true,
		Rules: []Rule{
			{Name: "low", Enabled: true, Priority: 1, Match: Match{Type: MatchAny},
				Targets: []Target{{Name: "low-t", BaseURL: "http://low"}}},
			{Name: "disabled", Enabled: false, Priority: 100, Match: Match{Type: MatchAny},
				Targets: []Target{{Name: "dis-t", BaseURL: "http://dis"}}},
			{Name: "high", Enabled: true, Priority: 10, Match: Match{Type: MatchPrefix, Value: "gpt-"},
				Targets: []Target{{Name: "high-t", BaseURL: "http://high"}}},
		},
	})

	dec, err := eng.Resolve("gpt-4o")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.Rule != "high" {
		t.Errorf("matched rule %q, want high", dec.Rule)
	}

	dec, err = eng.Resolve("claude-3")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.Rule != "low" {
		t.Errorf("matched rule %q, want low", dec.Rule)
	}
}

// TestAliasResolution verifies that the first enabled alias rewrites the
// model before rule matching, and that target model rewrites apply after.
func TestAliasResolution(t *testing.T) {
	eng := newTestEngine(t, Config{
		Enabled: true,
		Aliases: []Alias{
			{Name: "fast", Target: "gpt-4o-mini", Enabled: false},
			{Name: "fast", Target: "gpt-4o", Enabled: true},
			{Name: "fast", Target: "never-reached", Enabled: true},
		},
		Rules: []Rule{{
			Name: "gpt", Enabled: true,
			Match:   Match{Type: MatchPrefix, Value: "gpt-"},
			Targets: []Target{{Name: "t", BaseURL: "http://u", Model: "gpt-4o-2024"}},
		}},
	})

	dec, err := eng.Resolve("fast")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.Rule != "gpt" {
		t.Errorf("rule = %q, want gpt", dec.Rule)
	}
	if dec.Model != "gpt-4o-2024" {
		t.Errorf("model = %q, want gpt-4o-2024 (target rewrite)", dec.Model)
	}
}

// TestRoundRobinDistribution verifies that N resolutions over k targets
// visit each target either ⌊N/k⌋ or ⌈N/k⌉ times.
func TestRoundRobinDistribution(t *testing.T) {
	eng := newTestEngine(t, Config{
		Enabled: true,
		Rules: []Rule{{
			Name: "rr", Enabled: true, LoadBalance: LBRoundRobin,
			Match: Match{Type: MatchAny},
			Targets: []Target{
				{Name: "a", BaseURL: "http://a"},
				{Name: "b", BaseURL: "http://b"},
				{Name: "c", BaseURL: "http://c"},
			},
		}},
	})

	const n = 100
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		dec, err := eng.Resolve("m")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		counts[dec.Target.Name]++
	}

	lo, hi := n/3, n/3+1
	for _, name := range []string{"a", "b", "c"} {
		if counts[name] < lo || counts[name] > hi {
			t.Errorf("target %s visited %d times, want %d or %d", name, counts[name], lo, hi)
		}
	}
}

// TestWeightedDistribution verifies that weighted selection lands within
// three standard deviations of each target's expected share.
func TestWeightedDistribution(t *testing.T) {
	eng := newTestEngine(t, Config{
		Enabled: true,
		Rules: []Rule{{
			Name: "w", Enabled: true, LoadBalance: LBWeighted,
			Match: Match{Type: MatchAny},
			Targets: []Target{
				{Name: "heavy", BaseURL: "http://h", Weight: 9},
				{Name: "light", BaseURL: "http://l", Weight: 1},
			},
		}},
	})

	const n = 10_000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		dec, err := eng.Resolve("m")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		counts[dec.Target.Name]++
	}

	check := func(name string, p float64) {
		mean := float64(n) * p
		sigma := math.Sqrt(float64(n) * p * (1 - p))
		got := float64(counts[name])
		if math.Abs(got-mean) > 3*sigma {
			t.Errorf("target %s visited %v times, want %v ± %v", name, got, mean, 3*sigma)
		}
	}
	check("heavy", 0.9)
	check("light", 0.1)
}

// TestWeightedZeroWeights verifies that all-zero weights fall back to the
// first target instead of dividing by zero.
func TestWeightedZeroWeights(t *testing.T) {
	targets := []Target{
		{Name: "a", BaseURL: "http://a"},
		{Name: "b", BaseURL: "http://b"},
	}
	for i := 0; i < 10; i++ {
		if got := pickWeighted(targets); got.Name != "a" {
			t.Fatalf("pickWeighted = %s, want a", got.Name)
		}
	}
}

// TestInvalidRegexDisablesOnlyThatRule verifies that a rule with a broken
// regex is disabled while the rest of the config keeps working.
func TestInvalidRegexDisablesOnlyThatRule(t *testing.T) {
	eng := newTestEngine(t, Config{
		Enabled: true,
		Rules: []Rule{
			{Name: "broken", Enabled: true, Priority: 10,
				Match:   Match{Type: MatchRegex, Value: "("},
				Targets: []Target{{Name: "x", BaseURL: "http://x"}}},
			{Name: "ok", Enabled: true, Priority: 1,
				Match:   Match{Type: MatchAny},
				Targets: []Target{{Name: "y", BaseURL: "http://y"}}},
		},
	})

	dec, err := eng.Resolve("anything")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.Rule != "ok" {
		t.Errorf("rule = %q, want ok", dec.Rule)
	}

	st := eng.Stats()
	if st.EnabledRules != 1 {
		t.Errorf("enabled rules = %d, want 1", st.EnabledRules)
	}
}

// TestResolveFallbacks verifies default-target, passthrough and no-route
// behavior when no rule matches.
func TestResolveFallbacks(t *testing.T) {
	t.Run("default target", func(t *testing.T) {
		eng := newTestEngine(t, Config{
			Enabled:       true,
			DefaultTarget: &Target{Name: "def", BaseURL: "http://def", Model: "fallback-model"},
		})
		dec, err := eng.Resolve("unknown")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if dec.Target == nil || dec.Target.Name != "def" {
			t.Errorf("target = %+v, want def", dec.Target)
		}
		if dec.Model != "fallback-model" {
			t.Errorf("model = %q, want fallback-model", dec.Model)
		}
	})

	t.Run("passthrough", func(t *testing.T) {
		eng := newTestEngine(t, Config{Enabled: true, PassthroughEnabled: true})
		dec, err := eng.Resolve("unknown")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !dec.Passthrough || dec.Target != nil {
			t.Errorf("decision = %+v, want passthrough", dec)
		}
	})

	t.Run("no route", func(t *testing.T) {
		eng := newTestEngine(t, Config{Enabled: true})
		if _, err := eng.Resolve("unknown"); !errors.Is(err, ErrNoRoute) {
			t.Errorf("err = %v, want ErrNoRoute", err)
		}
	})
}

// TestApplyTransformOrder verifies the fixed transform order: a parameter
// both added and removed ends up absent, and overrides run last.
func TestApplyTransformOrder(t *testing.T) {
	temp := 0.2
	maxTok := 128
	tr := &Transform{
		RewriteModel:        "upstream-model",
		AddParams:           map[string]any{"top_k": 5, "temperature": 0.9, "seed": 42},
		RemoveParams:        []string{"top_k", "frequency_penalty"},
		OverrideTemperature: &temp,
		OverrideMaxTokens:   &maxTok,
	}

	body := []byte(`{"model":"alias","temperature":0.5,"frequency_penalty":1.0,"max_tokens":4}`)
	out, err := ApplyTransform(body, tr)
	if err != nil {
		t.Fatalf("ApplyTransform: %v", err)
	}

	if got := gjson.GetBytes(out, "model").String(); got != "upstream-model" {
		t.Errorf("model = %q", got)
	}
	if gjson.GetBytes(out, "top_k").Exists() {
		t.Error("top_k should be removed after add")
	}
	if gjson.GetBytes(out, "frequency_penalty").Exists() {
		t.Error("frequency_penalty should be removed")
	}
	if got := gjson.GetBytes(out, "temperature").Float(); got != 0.2 {
		t.Errorf("temperature = %v, want override 0.2", got)
	}
	if got := gjson.GetBytes(out, "max_tokens").Int(); got != 128 {
		t.Errorf("max_tokens = %v, want 128", got)
	}
	if got := gjson.GetBytes(out, "seed").Int(); got != 42 {
		t.Errorf("seed = %v, want 42", got)
	}
}

// TestApplyTransformNil verifies that a nil transform returns the body
// unchanged.
func TestApplyTransformNil(t *testing.T) {
	body := []byte(`{"model":"m"}`)
	out, err := ApplyTransform(body, nil)
	if err != nil {
		t.Fatalf("ApplyTransform: %v", err)
	}
	if string(out) != string(body) {
		t.Errorf("body changed: %s", out)
	}
}

// TestLoadFile verifies loading and compiling a routing config from a JSON
// file on disk.
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.json")
	content := `{
	  "enabled": true,
	  "aliases": [{"name": "fast", "target": "gpt-4o-mini", "enabled": true}],
	  "rules": [{
	    "name": "openai",
	    "enabled": true,
	    "priority": 5,
	    "match": {"type": "prefix", "value": "gpt-"},
	    "load_balance": "first",
	    "targets": [{"name": "oai", "base_url": "https://api.openai.com/v1", "mode": "chat"}],
	    "transform": {"add_params": {"stream_options": {"include_usage": true}}}
	  }]
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	eng, err := LoadFile(path, testLogger())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	dec, err := eng.Resolve("fast")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.Target == nil || dec.Target.Name != "oai" {
		t.Errorf("target = %+v, want oai", dec.Target)
	}
	if dec.Target.Mode != ModeChat {
		t.Errorf("mode = %q, want chat", dec.Target.Mode)
	}
	if dec.Transform == nil || dec.Transform.AddParams["stream_options"] == nil {
		t.Errorf("transform not loaded: %+v", dec.Transform)
	}
}
