package proxy

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/routiium/internal/analytics"
	"github.com/nulpointcorp/routiium/internal/auth"
	"github.com/nulpointcorp/routiium/internal/keystore"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

func getCtx(path string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	ctx.Request.SetRequestURI(path)
	return ctx
}

// TestKeyLifecycleEndpoints walks generate, list, revoke and set_expiration
// through the HTTP surface.
func TestKeyLifecycleEndpoints(t *testing.T) {
	now := &atomic.Int64{}
	now.Store(time.Now().Unix())
	mgr := newManager(t, now)
	gw := newTestGateway(t, testConfig(), nil, func(o *Options) { o.Auth = mgr })

	// Generate with a TTL and scopes.
	ctx := postCtx("/keys/generate", `{"label":"ci","ttl_seconds":3600,"scopes":["chat"]}`)
	gw.handleKeyGenerate(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("generate status = %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	token := gjson.GetBytes(ctx.Response.Body(), "token").String()
	id := gjson.GetBytes(ctx.Response.Body(), "id").String()
	if !strings.HasPrefix(token, "sk_") || id == "" {
		t.Fatalf("unexpected generate reply: %s", ctx.Response.Body())
	}
	if gjson.GetBytes(ctx.Response.Body(), "expires_at").Int() == 0 {
		t.Error("ttl_seconds did not set expires_at")
	}
	if got := gjson.GetBytes(ctx.Response.Body(), "scopes.0").String(); got != "chat" {
		t.Errorf("scopes = %s", gjson.GetBytes(ctx.Response.Body(), "scopes").Raw)
	}

	// A non-positive TTL is rejected before anything is minted.
	ctx = postCtx("/keys/generate", `{"label":"bad","ttl_seconds":0}`)
	gw.handleKeyGenerate(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("zero ttl status = %d, want 400", ctx.Response.StatusCode())
	}
	if got := gjson.GetBytes(ctx.Response.Body(), "error.message").String(); got != "ttl_seconds must be > 0" {
		t.Errorf("zero ttl message = %q", got)
	}

	// List shows it active, with scopes, without secret material.
	ctx = getCtx("/keys")
	gw.handleKeysList(ctx)
	body := ctx.Response.Body()
	if got := gjson.GetBytes(body, "count").Int(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	if got := gjson.GetBytes(body, "keys.0.status").String(); got != "active" {
		t.Errorf("status = %q, want active", got)
	}
	if got := gjson.GetBytes(body, "keys.0.scopes.0").String(); got != "chat" {
		t.Errorf("listed scopes = %s", gjson.GetBytes(body, "keys.0.scopes").Raw)
	}
	if strings.Contains(string(body), "hash") || strings.Contains(string(body), "salt") {
		t.Errorf("key listing leaks secret material: %s", body)
	}

	// Push the expiration out.
	future := time.Now().Unix() + 7200
	ctx = postCtx("/keys/set_expiration", fmt.Sprintf(`{"id":%q,"expires_at":%d}`, id, future))
	gw.handleKeySetExpiration(ctx)
	if !gjson.GetBytes(ctx.Response.Body(), "updated").Bool() {
		t.Fatalf("set_expiration reply: %s", ctx.Response.Body())
	}
	if got := gjson.GetBytes(ctx.Response.Body(), "expires_at").Int(); got != future {
		t.Errorf("expires_at = %d, want %d", got, future)
	}

	// A past expiration is rejected with the canonical message.
	ctx = postCtx("/keys/set_expiration", fmt.Sprintf(`{"id":%q,"expires_at":%d}`, id, time.Now().Unix()-10))
	gw.handleKeySetExpiration(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("past expires_at status = %d, want 400", ctx.Response.StatusCode())
	}
	if got := gjson.GetBytes(ctx.Response.Body(), "error.message").String(); got != "expires_at must be in the future" {
		t.Errorf("message = %q", got)
	}

	// Revoke and observe the status flip.
	ctx = postCtx("/keys/revoke", fmt.Sprintf(`{"id":%q}`, id))
	gw.handleKeyRevoke(ctx)
	if !gjson.GetBytes(ctx.Response.Body(), "revoked").Bool() {
		t.Fatalf("revoke reply: %s", ctx.Response.Body())
	}
	ctx = getCtx("/keys")
	gw.handleKeysList(ctx)
	if got := gjson.GetBytes(ctx.Response.Body(), "keys.0.status").String(); got != "revoked" {
		t.Errorf("status after revoke = %q", got)
	}

	// Revoking an unknown id is a 404.
	ctx = postCtx("/keys/revoke", `{"id":"sk_ffffffffffffffffffffffffffffffff"}`)
	gw.handleKeyRevoke(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", ctx.Response.StatusCode())
	}
}

// TestGenerateExpirationRequired surfaces the policy error verbatim.
func TestGenerateExpirationRequired(t *testing.T) {
	mgr, err := auth.NewManager(context.Background(), auth.Options{
		Store:             keystore.NewMemoryStore(),
		RequireExpiration: true,
		Logger:            discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	gw := newTestGateway(t, testConfig(), nil, func(o *Options) { o.Auth = mgr })

	ctx := postCtx("/keys/generate", `{"label":"no-exp"}`)
	gw.handleKeyGenerate(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400", ctx.Response.StatusCode())
	}
	want := "Expiration required: provide expires_at or ttl_seconds (or configure default TTL)"
	if got := gjson.GetBytes(ctx.Response.Body(), "error.message").String(); got != want {
		t.Errorf("message = %q", got)
	}
}

// TestKeysUnavailable answers 503 when no manager is wired.
func TestKeysUnavailable(t *testing.T) {
	gw := newTestGateway(t, testConfig(), nil, nil)

	ctx := postCtx("/keys/generate", `{}`)
	gw.handleKeyGenerate(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", ctx.Response.StatusCode())
	}
	if got := gjson.GetBytes(ctx.Response.Body(), "error.message").String(); got != "API key manager unavailable" {
		t.Errorf("message = %q", got)
	}
}

// TestReloadEndpoints exercises per-section reload replies and the plan
// cache purge on routing reloads.
func TestReloadEndpoints(t *testing.T) {
	eng := ruleEngine(t, "https://example.invalid", "chat", nil)
	var reloads atomic.Int32
	gw := newTestGateway(t, testConfig(), eng, func(o *Options) {
		o.ReloadRouting = func() error {
			reloads.Add(1)
			return nil
		}
	})

	ctx := postCtx("/reload/routing", "")
	ctx.SetUserValue("section", "routing")
	gw.handleReload(ctx)
	if !gjson.GetBytes(ctx.Response.Body(), "routing.success").Bool() {
		t.Fatalf("routing reload reply: %s", ctx.Response.Body())
	}
	if reloads.Load() != 1 {
		t.Errorf("reload callback ran %d times, want 1", reloads.Load())
	}
	if !gjson.GetBytes(ctx.Response.Body(), "routing.stats.enabled").Bool() {
		t.Errorf("routing stats missing: %s", ctx.Response.Body())
	}

	// system_prompt is not configured on this gateway.
	ctx = postCtx("/reload/system_prompt", "")
	ctx.SetUserValue("section", "system_prompt")
	gw.handleReload(ctx)
	if gjson.GetBytes(ctx.Response.Body(), "system_prompt.success").Bool() {
		t.Errorf("unconfigured overlay reported success: %s", ctx.Response.Body())
	}

	// "all" reloads both sections.
	ctx = postCtx("/reload/all", "")
	ctx.SetUserValue("section", "all")
	gw.handleReload(ctx)
	if !gjson.GetBytes(ctx.Response.Body(), "routing").Exists() ||
		!gjson.GetBytes(ctx.Response.Body(), "system_prompt").Exists() {
		t.Errorf("all reply missing sections: %s", ctx.Response.Body())
	}

	// Unknown section is a 400.
	ctx = postCtx("/reload/bogus", "")
	ctx.SetUserValue("section", "bogus")
	gw.handleReload(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("unknown section status = %d, want 400", ctx.Response.StatusCode())
	}
}

// TestStatusEndpoint reports identity, routes and feature blocks.
func TestStatusEndpoint(t *testing.T) {
	eng := ruleEngine(t, "https://example.invalid", "chat", nil)
	store := analytics.NewMemoryStore(8)
	gw := newTestGateway(t, testConfig(), eng, func(o *Options) {
		o.Analytics = store
		o.Version = "1.2.3"
	})

	ctx := getCtx("/status")
	gw.handleStatus(ctx)

	body := ctx.Response.Body()
	if got := gjson.GetBytes(body, "name").String(); got != "routiium" {
		t.Errorf("name = %q", got)
	}
	if got := gjson.GetBytes(body, "version").String(); got != "1.2.3" {
		t.Errorf("version = %q", got)
	}
	if !gjson.GetBytes(body, "proxy_enabled").Bool() {
		t.Error("proxy_enabled should be true")
	}
	if !gjson.GetBytes(body, "features.routing.enabled").Bool() {
		t.Error("routing feature should be enabled")
	}
	if !gjson.GetBytes(body, "features.analytics.enabled").Bool() {
		t.Error("analytics feature should be enabled")
	}
	if gjson.GetBytes(body, "routes.#").Int() == 0 {
		t.Error("routes list is empty")
	}
}

// TestAnalyticsEndpoints drives events, aggregate, export and clear against
// the in-memory store.
func TestAnalyticsEndpoints(t *testing.T) {
	store := analytics.NewMemoryStore(32)
	nowT := time.Now()
	for i := 0; i < 5; i++ {
		store.Record(analytics.Event{
			RequestID:    fmt.Sprintf("req_%d", i),
			Route:        "catch-all",
			API:          "chat",
			Model:        "gpt-4o",
			Mode:         "responses",
			Status:       200,
			LatencyMs:    100,
			InputTokens:  10,
			OutputTokens: 5,
			CreatedAt:    nowT.Add(-time.Duration(i) * time.Minute),
		})
	}
	gw := newTestGateway(t, testConfig(), nil, func(o *Options) { o.Analytics = store })

	ctx := getCtx("/analytics/events?limit=3")
	gw.handleAnalyticsEvents(ctx)
	if got := gjson.GetBytes(ctx.Response.Body(), "count").Int(); got != 3 {
		t.Errorf("events count = %d, want 3 (limited)", got)
	}
	if got := gjson.GetBytes(ctx.Response.Body(), "events.0.request_id").String(); got != "req_0" {
		t.Errorf("first event = %q, want newest req_0", got)
	}

	ctx = getCtx("/analytics/aggregate")
	gw.handleAnalyticsAggregate(ctx)
	if got := gjson.GetBytes(ctx.Response.Body(), "models.0.requests").Int(); got != 5 {
		t.Errorf("aggregate requests = %d, want 5: %s", got, ctx.Response.Body())
	}

	ctx = getCtx("/analytics/export?format=csv")
	gw.handleAnalyticsExport(ctx)
	if got := string(ctx.Response.Header.ContentType()); got != "text/csv" {
		t.Errorf("export content-type = %q", got)
	}
	if got := string(ctx.Response.Header.Peek("Content-Disposition")); !strings.Contains(got, "attachment") {
		t.Errorf("Content-Disposition = %q", got)
	}
	if lines := strings.Count(string(ctx.Response.Body()), "\n"); lines != 6 {
		t.Errorf("csv lines = %d, want header + 5 rows", lines)
	}

	ctx = getCtx("/analytics/export?format=xml")
	gw.handleAnalyticsExport(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("bad format status = %d, want 400", ctx.Response.StatusCode())
	}

	ctx = postCtx("/analytics/clear", "")
	gw.handleAnalyticsClear(ctx)
	if !gjson.GetBytes(ctx.Response.Body(), "cleared").Bool() {
		t.Fatalf("clear reply: %s", ctx.Response.Body())
	}
	ctx = getCtx("/analytics/events")
	gw.handleAnalyticsEvents(ctx)
	if got := gjson.GetBytes(ctx.Response.Body(), "count").Int(); got != 0 {
		t.Errorf("count after clear = %d, want 0", got)
	}

	// A malformed window is rejected.
	ctx = getCtx("/analytics/events?start=yesterday")
	gw.handleAnalyticsEvents(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("bad start status = %d, want 400", ctx.Response.StatusCode())
	}
}
