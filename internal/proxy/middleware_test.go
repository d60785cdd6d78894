package proxy

import (
	"strings"
	"testing"

	"github.com/nulpointcorp/routiium/internal/config"
	"github.com/valyala/fasthttp"
)

// TestRecoveryMiddleware turns a handler panic into a 500 JSON error.
func TestRecoveryMiddleware(t *testing.T) {
	h := recovery(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	})

	ctx := postCtx("/v1/chat/completions", "{}")
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), "internal server error") {
		t.Errorf("body = %s", ctx.Response.Body())
	}
}

// TestRequestIDMiddleware generates an ID when missing and preserves a
// client-supplied one.
func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := requestID(func(ctx *fasthttp.RequestCtx) {
		seen, _ = ctx.UserValue("request_id").(string)
	})

	ctx := postCtx("/v1/chat/completions", "{}")
	h(ctx)
	generated := string(ctx.Response.Header.Peek("X-Request-ID"))
	if generated == "" || seen != generated {
		t.Fatalf("generated id %q, handler saw %q", generated, seen)
	}

	ctx = postCtx("/v1/chat/completions", "{}")
	ctx.Request.Header.Set("X-Request-ID", "req_custom")
	h(ctx)
	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != "req_custom" {
		t.Errorf("client id not preserved: %q", got)
	}
}

// TestCORSHandler covers the open default, a strict allowlist with
// credentials, and the preflight short-circuit.
func TestCORSHandler(t *testing.T) {
	noop := func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusOK) }

	// Open policy: wildcard origin, no credentials header.
	open := corsHandler(config.CORSConfig{})(noop)
	ctx := postCtx("/v1/chat/completions", "{}")
	open(ctx)
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
		t.Errorf("open origin = %q, want *", got)
	}
	if len(ctx.Response.Header.Peek("Access-Control-Allow-Credentials")) != 0 {
		t.Error("credentials header must not be set with a wildcard origin")
	}

	// Strict allowlist with credentials and max age.
	strict := corsHandler(config.CORSConfig{
		AllowedOrigins:   []string{"https://app.example.com"},
		AllowedMethods:   []string{"POST"},
		AllowCredentials: true,
		MaxAge:           600,
	})(noop)
	ctx = postCtx("/v1/chat/completions", "{}")
	strict(ctx)
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "https://app.example.com" {
		t.Errorf("strict origin = %q", got)
	}
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Methods")); got != "POST" {
		t.Errorf("methods = %q", got)
	}
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Credentials")); got != "true" {
		t.Errorf("credentials = %q", got)
	}
	if got := string(ctx.Response.Header.Peek("Access-Control-Max-Age")); got != "600" {
		t.Errorf("max age = %q", got)
	}

	// Preflight never reaches the inner handler.
	called := false
	pre := corsHandler(config.CORSConfig{})(func(ctx *fasthttp.RequestCtx) { called = true })
	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	ctx.Request.SetRequestURI("/v1/chat/completions")
	pre(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", ctx.Response.StatusCode())
	}
	if called {
		t.Error("preflight must not invoke the inner handler")
	}
}

// TestSecurityHeaders asserts the hardening set is present on responses.
func TestSecurityHeaders(t *testing.T) {
	h := securityHeaders(func(ctx *fasthttp.RequestCtx) {})
	ctx := postCtx("/status", "")
	h(ctx)

	for header, want := range map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'",
	} {
		if got := string(ctx.Response.Header.Peek(header)); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

// TestApplyMiddlewareOrder verifies the first middleware is the outermost.
func TestApplyMiddlewareOrder(t *testing.T) {
	var order []string
	mk := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}

	h := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mk("outer"), mk("inner"))

	h(&fasthttp.RequestCtx{})
	if got := strings.Join(order, ","); got != "outer,inner,handler" {
		t.Errorf("execution order = %s", got)
	}
}
