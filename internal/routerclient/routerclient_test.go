package routerclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/routiium/internal/routing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func aliasEngine(t *testing.T) *routing.Engine {
	t.Helper()
	eng, err := routing.NewEngine(routing.Config{
		Enabled: true,
		Aliases: []routing.Alias{{Name: "fast", Target: "gpt-4o-mini", Enabled: true}},
		Rules: []routing.Rule{{
			Name: "openai", Enabled: true,
			Match: routing.Match{Type: routing.MatchPrefix, Value: "gpt-"},
			Targets: []routing.Target{{
				Name: "oai", BaseURL: "https://api.openai.com/v1",
				Mode: routing.ModeResponses, APIKeyEnv: "OPENAI_API_KEY",
			}},
		}},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

// TestLocalPlan verifies that the local router turns a routing decision into
// a complete plan with local policy metadata.
func TestLocalPlan(t *testing.T) {
	eng := aliasEngine(t)
	r := NewLocalRouter(func() *routing.Engine { return eng }, ContentNone)

	plan, err := r.Plan(context.Background(), RouteRequest{Alias: "fast", API: "chat"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if plan.SchemaVersion != SchemaVersion {
		t.Errorf("schema_version = %q", plan.SchemaVersion)
	}
	if len(plan.RouteID) != len("rte_")+16 || plan.RouteID[:4] != "rte_" {
		t.Errorf("route_id = %q, want rte_<16hex>", plan.RouteID)
	}
	if plan.PolicyID != "local_alias_policy" || plan.PolicyRev != "local_v1" {
		t.Errorf("policy = %q/%q", plan.PolicyID, plan.PolicyRev)
	}
	if plan.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want gpt-4o-mini", plan.Model)
	}
	if plan.Mode != routing.ModeResponses || plan.AuthEnv != "OPENAI_API_KEY" {
		t.Errorf("mode/auth = %q/%q", plan.Mode, plan.AuthEnv)
	}
	if plan.TTLMs != 15_000 {
		t.Errorf("ttl_ms = %d, want 15000", plan.TTLMs)
	}
	if plan.ContentUsed != ContentNone {
		t.Errorf("content_used = %q", plan.ContentUsed)
	}
}

// TestLocalPlanNoRoute verifies that unroutable aliases and disabled engines
// both surface ErrNoRoute.
func TestLocalPlanNoRoute(t *testing.T) {
	eng := aliasEngine(t)
	r := NewLocalRouter(func() *routing.Engine { return eng }, ContentNone)
	if _, err := r.Plan(context.Background(), RouteRequest{Alias: "unknown"}); !errors.Is(err, ErrNoRoute) {
		t.Errorf("err = %v, want ErrNoRoute", err)
	}

	disabled, err := routing.NewEngine(routing.Config{}, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	r = NewLocalRouter(func() *routing.Engine { return disabled }, ContentNone)
	if _, err := r.Plan(context.Background(), RouteRequest{Alias: "fast"}); !errors.Is(err, ErrNoRoute) {
		t.Errorf("err (disabled engine) = %v, want ErrNoRoute", err)
	}
}

// TestLocalAliasFile verifies that the alias file answers lookups the rules
// engine cannot, with and without an engine present.
func TestLocalAliasFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.json")
	content := `{
	  "claude-fast": {"base_url": "https://api.anthropic.com/v1", "mode": "chat", "model_id": "claude-3-5-haiku", "auth_env": "ANTHROPIC_API_KEY"},
	  "Mixed-Case": {"base_url": "https://local.example/v1"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write alias file: %v", err)
	}

	r := NewLocalRouter(func() *routing.Engine { return nil }, ContentNone)
	if err := r.LoadAliasFile(path); err != nil {
		t.Fatalf("LoadAliasFile: %v", err)
	}

	plan, err := r.Plan(context.Background(), RouteRequest{Alias: "claude-fast", API: "chat"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.BaseURL != "https://api.anthropic.com/v1" || plan.Mode != "chat" {
		t.Errorf("target = %q/%q", plan.BaseURL, plan.Mode)
	}
	if plan.Model != "claude-3-5-haiku" || plan.AuthEnv != "ANTHROPIC_API_KEY" {
		t.Errorf("model/auth = %q/%q", plan.Model, plan.AuthEnv)
	}
	if plan.PolicyID != "local_alias_policy" || plan.PolicyRev != "local_v1" {
		t.Errorf("policy = %q/%q", plan.PolicyID, plan.PolicyRev)
	}
	if len(plan.RouteID) != len("rte_")+16 || plan.RouteID[:4] != "rte_" {
		t.Errorf("route_id = %q, want rte_<16hex>", plan.RouteID)
	}

	// Alias names are case sensitive; unlisted names stay unroutable. Mode
	// defaults to chat and the model falls back to the alias itself.
	plan, err = r.Plan(context.Background(), RouteRequest{Alias: "Mixed-Case"})
	if err != nil {
		t.Fatalf("Plan (mixed case): %v", err)
	}
	if plan.Model != "Mixed-Case" || plan.Mode != routing.ModeChat {
		t.Errorf("defaults = %q/%q", plan.Model, plan.Mode)
	}
	if _, err := r.Plan(context.Background(), RouteRequest{Alias: "mixed-case"}); !errors.Is(err, ErrNoRoute) {
		t.Errorf("lowercased alias err = %v, want ErrNoRoute", err)
	}

	// With an engine present the rules win; the alias table only catches
	// what the rules do not.
	eng := aliasEngine(t)
	r = NewLocalRouter(func() *routing.Engine { return eng }, ContentNone)
	if err := r.LoadAliasFile(path); err != nil {
		t.Fatalf("LoadAliasFile: %v", err)
	}
	plan, err = r.Plan(context.Background(), RouteRequest{Alias: "fast", API: "chat"})
	if err != nil {
		t.Fatalf("Plan (rule hit): %v", err)
	}
	if plan.Model != "gpt-4o-mini" {
		t.Errorf("rule should win over alias table: %+v", plan)
	}
	plan, err = r.Plan(context.Background(), RouteRequest{Alias: "claude-fast", API: "chat"})
	if err != nil {
		t.Fatalf("Plan (alias fallback): %v", err)
	}
	if plan.BaseURL != "https://api.anthropic.com/v1" {
		t.Errorf("fallback plan = %+v", plan)
	}
}

// TestLoadAliasFileErrors verifies missing and malformed files are rejected
// without touching the current table.
func TestLoadAliasFileErrors(t *testing.T) {
	r := NewLocalRouter(func() *routing.Engine { return nil }, ContentNone)
	if err := r.LoadAliasFile(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("missing file accepted")
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(bad, []byte("not json"), 0o600)
	if err := r.LoadAliasFile(bad); err == nil {
		t.Error("malformed file accepted")
	}
}

// TestRemotePlan verifies the remote plan round trip, policy revision
// tracking and error mapping for 404, 5xx and unreachable services.
func TestRemotePlan(t *testing.T) {
	var gotReq RouteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/route/plan" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		switch gotReq.Alias {
		case "missing":
			w.WriteHeader(http.StatusNotFound)
		case "broken":
			http.Error(w, "policy exploded", http.StatusInternalServerError)
		default:
			json.NewEncoder(w).Encode(RoutePlan{
				SchemaVersion: SchemaVersion,
				RouteID:       "rte_aaaaaaaaaaaaaaaa",
				PolicyID:      "remote_policy",
				PolicyRev:     "rev_7",
				Model:         "gpt-4o",
				BaseURL:       "https://upstream.example/v1",
				Mode:          "chat",
				TTLMs:         5000,
			})
		}
	}))
	defer srv.Close()

	r := NewRemoteRouter(srv.URL, testLogger(), WithTimeout(time.Second))

	plan, err := r.Plan(context.Background(), RouteRequest{Alias: "fast", API: "chat", Tokenizer: "auto"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.PolicyRev != "rev_7" || plan.BaseURL != "https://upstream.example/v1" {
		t.Errorf("plan = %+v", plan)
	}
	if gotReq.Tokenizer != "auto" {
		t.Errorf("request not forwarded: %+v", gotReq)
	}
	if r.PolicyRevision() != "rev_7" {
		t.Errorf("PolicyRevision = %q, want rev_7", r.PolicyRevision())
	}

	if _, err := r.Plan(context.Background(), RouteRequest{Alias: "missing"}); !errors.Is(err, ErrNoRoute) {
		t.Errorf("404 err = %v, want ErrNoRoute", err)
	}

	_, err = r.Plan(context.Background(), RouteRequest{Alias: "broken"})
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) || remoteErr.Status != http.StatusInternalServerError {
		t.Errorf("500 err = %v, want RemoteError{500}", err)
	}

	dead := NewRemoteRouter("http://127.0.0.1:1", testLogger(), WithTimeout(100*time.Millisecond))
	if _, err := dead.Plan(context.Background(), RouteRequest{Alias: "fast"}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("unreachable err = %v, want ErrUnavailable", err)
	}
}

// TestRemoteFeedback verifies that feedback is delivered asynchronously to
// the policy service.
func TestRemoteFeedback(t *testing.T) {
	received := make(chan Feedback, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/route/feedback" {
			http.NotFound(w, r)
			return
		}
		var fb Feedback
		json.NewDecoder(r.Body).Decode(&fb)
		received <- fb
	}))
	defer srv.Close()

	r := NewRemoteRouter(srv.URL, testLogger(), WithTimeout(time.Second))
	r.Feedback(Feedback{RouteID: "rte_x", RequestID: "req_y", Status: 200, LatencyMs: 12})

	select {
	case fb := <-received:
		if fb.RouteID != "rte_x" || fb.Status != 200 {
			t.Errorf("feedback = %+v", fb)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feedback never arrived")
	}
}

// TestFeedbackOutlivesPlanBudget verifies that feedback delivery is not
// capped by the plan client's tiny timeout: a policy service slower than the
// plan budget must still receive the outcome.
func TestFeedbackOutlivesPlanBudget(t *testing.T) {
	received := make(chan Feedback, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		var fb Feedback
		json.NewDecoder(r.Body).Decode(&fb)
		received <- fb
	}))
	defer srv.Close()

	r := NewRemoteRouter(srv.URL, testLogger(), WithTimeout(10*time.Millisecond))
	r.Feedback(Feedback{RouteID: "rte_slow", Status: 200})

	select {
	case fb := <-received:
		if fb.RouteID != "rte_slow" {
			t.Errorf("feedback = %+v", fb)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("feedback never arrived")
	}
}

// TestHybridFallsBackOnNoRoute verifies that the hybrid router consults the
// remote policy only when the local one has no route.
func TestHybridFallsBackOnNoRoute(t *testing.T) {
	var remoteCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remoteCalls.Add(1)
		json.NewEncoder(w).Encode(RoutePlan{PolicyRev: "rev_1", Model: "remote-model", BaseURL: "https://r/v1", Mode: "chat"})
	}))
	defer srv.Close()

	eng := aliasEngine(t)
	local := NewLocalRouter(func() *routing.Engine { return eng }, ContentNone)
	remote := NewRemoteRouter(srv.URL, testLogger(), WithTimeout(time.Second))
	h := NewHybridRouter(local, remote)

	plan, err := h.Plan(context.Background(), RouteRequest{Alias: "fast", API: "chat"})
	if err != nil {
		t.Fatalf("Plan (local hit): %v", err)
	}
	if plan.PolicyID != "local_alias_policy" || remoteCalls.Load() != 0 {
		t.Errorf("local route should not touch remote: plan=%+v calls=%d", plan, remoteCalls.Load())
	}

	plan, err = h.Plan(context.Background(), RouteRequest{Alias: "not-routed", API: "chat"})
	if err != nil {
		t.Fatalf("Plan (fallback): %v", err)
	}
	if plan.Model != "remote-model" || remoteCalls.Load() != 1 {
		t.Errorf("fallback plan = %+v, remote calls = %d", plan, remoteCalls.Load())
	}
}

// stubClient is a scriptable Client for cache tests.
type stubClient struct {
	plans int
	rev   string
	plan  RoutePlan
	err   error
}

func (s *stubClient) Plan(context.Context, RouteRequest) (RoutePlan, error) {
	s.plans++
	if s.err != nil {
		return RoutePlan{}, s.err
	}
	return s.plan, nil
}
func (s *stubClient) Feedback(Feedback)      {}
func (s *stubClient) PolicyRevision() string { return s.rev }

// TestCachedClientTTL verifies that a plan is served from cache within its
// TTL and re-planned after the TTL elapses.
func TestCachedClientTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	stub := &stubClient{
		rev:  "rev_1",
		plan: RoutePlan{PolicyRev: "rev_1", Model: "m", BaseURL: "https://u/v1", Mode: "chat", TTLMs: 5000},
	}
	c := NewCachedClient(stub, WithClock(func() time.Time { return now }))

	req := RouteRequest{Alias: "fast", API: "chat", RequiredCaps: []string{"text"}}
	for i := 0; i < 3; i++ {
		if _, err := c.Plan(context.Background(), req); err != nil {
			t.Fatalf("Plan: %v", err)
		}
	}
	if stub.plans != 1 {
		t.Errorf("inner plans = %d, want 1 (cached)", stub.plans)
	}

	// The plan TTL (5 s) is shorter than the cache cap, so it governs.
	now = now.Add(6 * time.Second)
	if _, err := c.Plan(context.Background(), req); err != nil {
		t.Fatalf("Plan after TTL: %v", err)
	}
	if stub.plans != 2 {
		t.Errorf("inner plans = %d, want 2 (expired)", stub.plans)
	}
}

// TestCachedClientPolicyRevInvalidation verifies that a policy revision bump
// drops cached plans made under the old revision.
func TestCachedClientPolicyRevInvalidation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	stub := &stubClient{
		rev:  "rev_1",
		plan: RoutePlan{PolicyRev: "rev_1", Model: "m", BaseURL: "https://u/v1", Mode: "chat", TTLMs: 60_000},
	}
	c := NewCachedClient(stub, WithClock(func() time.Time { return now }))

	req := RouteRequest{Alias: "fast", API: "chat"}
	if _, err := c.Plan(context.Background(), req); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if _, err := c.Plan(context.Background(), req); err != nil {
		t.Fatalf("Plan (cached): %v", err)
	}
	if stub.plans != 1 {
		t.Fatalf("inner plans = %d, want 1", stub.plans)
	}

	// Policy moves on; the cached rev_1 plan must not be served again.
	stub.rev = "rev_2"
	stub.plan.PolicyRev = "rev_2"
	plan, err := c.Plan(context.Background(), req)
	if err != nil {
		t.Fatalf("Plan after rev bump: %v", err)
	}
	if stub.plans != 2 {
		t.Errorf("inner plans = %d, want 2 (rev invalidated)", stub.plans)
	}
	if plan.PolicyRev != "rev_2" {
		t.Errorf("plan rev = %q, want rev_2", plan.PolicyRev)
	}
}

// TestCachedClientKeying verifies that requests differing in stream flag or
// caps do not share cache entries.
func TestCachedClientKeying(t *testing.T) {
	stub := &stubClient{rev: "rev_1", plan: RoutePlan{PolicyRev: "rev_1", TTLMs: 60_000}}
	c := NewCachedClient(stub)

	base := RouteRequest{Alias: "fast", API: "chat", RequiredCaps: []string{"text"}}
	stream := base
	stream.Stream = true
	vision := base
	vision.RequiredCaps = []string{"text", "vision"}

	for _, req := range []RouteRequest{base, stream, vision, base} {
		if _, err := c.Plan(context.Background(), req); err != nil {
			t.Fatalf("Plan: %v", err)
		}
	}
	if stub.plans != 3 {
		t.Errorf("inner plans = %d, want 3 distinct keys", stub.plans)
	}
}

// TestExtractRouteRequest verifies capability detection, the token estimate
// floor and fingerprint stability.
func TestExtractRouteRequest(t *testing.T) {
	body := []byte(`{
	  "model": "gpt-4o",
	  "stream": true,
	  "messages": [
	    {"role": "user", "content": [
	      {"type": "text", "text": "what is this?"},
	      {"type": "image_url", "image_url": {"url": "https://x/i.png"}}
	    ]}
	  ],
	  "tools": [{"type": "function", "function": {"name": "lookup"}}]
	}`)

	req := ExtractRouteRequest(body, "chat", ContentNone)
	if req.Alias != "gpt-4o" || !req.Stream || req.API != "chat" {
		t.Errorf("basics: %+v", req)
	}
	wantCaps := map[string]bool{"text": true, "vision": true, "tools": true}
	if len(req.RequiredCaps) != 3 {
		t.Fatalf("caps = %v", req.RequiredCaps)
	}
	for _, c := range req.RequiredCaps {
		if !wantCaps[c] {
			t.Errorf("unexpected cap %q", c)
		}
	}
	if req.Tokenizer != "auto" {
		t.Errorf("tokenizer = %q", req.Tokenizer)
	}
	if len(req.RequestID) != len("req_")+12 || req.RequestID[:4] != "req_" {
		t.Errorf("request_id = %q", req.RequestID)
	}
	if req.Content != "" {
		t.Errorf("content should be empty under ContentNone: %q", req.Content)
	}

	again := ExtractRouteRequest(body, "chat", ContentNone)
	if req.PromptFingerprint != again.PromptFingerprint {
		t.Error("fingerprint not stable across extractions")
	}

	minimal := ExtractRouteRequest([]byte(`{"model":"m"}`), "chat", ContentNone)
	if minimal.EstInputTokens < 1 {
		t.Errorf("estimate = %d, want >= 1", minimal.EstInputTokens)
	}
	if len(minimal.RequiredCaps) != 1 || minimal.RequiredCaps[0] != "text" {
		t.Errorf("caps = %v, want [text]", minimal.RequiredCaps)
	}
}
