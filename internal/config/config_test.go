package config

import (
	"testing"
)

// TestParseBackends verifies the legacy table grammar: semicolon-separated
// entries, key aliases and skipping of incomplete entries.
func TestParseBackends(t *testing.T) {
	in := "prefix=claude,base=https://api.anthropic.com/v1,key_env=ANTHROPIC_API_KEY,mode=chat;" +
		" prefix=llama, base_url=http://localhost:11434/v1 , api_key_env=LOCAL_KEY ;" +
		"prefix=broken;" +
		";" +
		"base=https://nohost.example/v1"

	got := ParseBackends(in)
	if len(got) != 2 {
		t.Fatalf("parsed %d backends, want 2: %+v", len(got), got)
	}

	first := got[0]
	if first.Prefix != "claude" || first.BaseURL != "https://api.anthropic.com/v1" ||
		first.KeyEnv != "ANTHROPIC_API_KEY" || first.Mode != "chat" {
		t.Errorf("first = %+v", first)
	}

	second := got[1]
	if second.Prefix != "llama" || second.BaseURL != "http://localhost:11434/v1" || second.KeyEnv != "LOCAL_KEY" {
		t.Errorf("second = %+v", second)
	}
	if second.Mode != "" {
		t.Errorf("mode should be empty when absent, got %q", second.Mode)
	}
}

// TestMatchBackends verifies first-match-wins prefix selection.
func TestMatchBackends(t *testing.T) {
	backends := []Backend{
		{Prefix: "claude-3", BaseURL: "https://a"},
		{Prefix: "claude", BaseURL: "https://b"},
	}

	if b, ok := Match(backends, "claude-3-opus"); !ok || b.BaseURL != "https://a" {
		t.Errorf("claude-3-opus matched %+v ok=%v", b, ok)
	}
	if b, ok := Match(backends, "claude-instant"); !ok || b.BaseURL != "https://b" {
		t.Errorf("claude-instant matched %+v ok=%v", b, ok)
	}
	if _, ok := Match(backends, "gpt-4o"); ok {
		t.Error("gpt-4o should not match")
	}
}

// TestValidate exercises the semantic checks that defaults cannot express.
func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			BindAddr:     "0.0.0.0:8088",
			LogLevel:     "info",
			DefaultModel: "gpt-5-nano",
			Upstream:     UpstreamConfig{BaseURL: "https://api.openai.com/v1", Mode: "responses", Timeout: 300e9},
			Keys:         KeysConfig{StoreBackend: "memory", CacheMode: "memory"},
			Router:       RouterConfig{Mode: "local", PrivacyMode: "none"},
			Analytics:    AnalyticsConfig{Mode: "memory"},
		}
	}

	if err := base().validate(); err != nil {
		t.Fatalf("baseline config invalid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad upstream mode", func(c *Config) { c.Upstream.Mode = "grpc" }},
		{"bad key store", func(c *Config) { c.Keys.StoreBackend = "dynamo" }},
		{"file store without path", func(c *Config) { c.Keys.StoreBackend = "file" }},
		{"redis store without url", func(c *Config) { c.Keys.StoreBackend = "redis" }},
		{"redis auth cache without url", func(c *Config) { c.Keys.CacheMode = "redis" }},
		{"remote router without url", func(c *Config) { c.Router.Mode = "remote" }},
		{"bad privacy mode", func(c *Config) { c.Router.PrivacyMode = "partial" }},
		{"clickhouse without dsn", func(c *Config) { c.Analytics.Mode = "clickhouse" }},
		{"rate limit without redis", func(c *Config) { c.RateLimit.RPMLimit = 10 }},
		{"zero timeout", func(c *Config) { c.Upstream.Timeout = 0 }},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(cfg)
		if err := cfg.validate(); err == nil {
			t.Errorf("%s: validate accepted invalid config", tc.name)
		}
	}
}

// TestManagedMode verifies that managed mode is derived from the upstream key.
func TestManagedMode(t *testing.T) {
	c := &Config{}
	if c.Managed() {
		t.Error("no upstream key should mean passthrough mode")
	}
	c.Upstream.APIKey = "sk-upstream"
	if !c.Managed() {
		t.Error("upstream key should enable managed mode")
	}
}
