// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, authenticates
// it, obtains a route plan, rewrites the body into the upstream's dialect and
// forwards it — streaming or buffered. Admin surfaces (key management, hot
// reload, status, analytics) live next to the proxy routes.
//
// Key design constraints:
//   - Gateway overhead stays small: plans are cached, auth verification is
//     cached, bodies are rewritten in place with gjson/sjson.
//   - Logger, metrics, rate limiter and analytics are optional and nil-safe.
//   - All upstream I/O uses context.Context so timeouts propagate correctly.
package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/routiium/internal/analytics"
	"github.com/nulpointcorp/routiium/internal/auth"
	"github.com/nulpointcorp/routiium/internal/config"
	"github.com/nulpointcorp/routiium/internal/logger"
	"github.com/nulpointcorp/routiium/internal/metrics"
	"github.com/nulpointcorp/routiium/internal/overlay"
	"github.com/nulpointcorp/routiium/internal/ratelimit"
	"github.com/nulpointcorp/routiium/internal/routerclient"
	"github.com/nulpointcorp/routiium/internal/routing"
	"github.com/nulpointcorp/routiium/internal/upstream"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

// Options wires the Gateway's dependencies. Config, Routes and HTTPClient
// are required; everything else is optional and nil-safe.
type Options struct {
	Config *config.Config

	// Auth verifies client keys in managed mode and backs the /keys admin
	// surface. Nil disables both.
	Auth *auth.Manager

	// Routes produces route plans. Usually a CachedClient wrapping the
	// local, remote or hybrid policy.
	Routes routerclient.Client

	// PlanCache, when set, is purged on routing reloads so stale decisions
	// do not outlive the config that made them.
	PlanCache *routerclient.CachedClient

	// Engine returns the current routing engine, nil when routing is off.
	// Fetched per call so hot reloads take effect immediately.
	Engine func() *routing.Engine

	// ReloadRouting swaps in a freshly loaded routing engine. Nil disables
	// POST /reload/routing.
	ReloadRouting func() error

	// Overlay injects operator system prompts. Nil disables injection.
	Overlay *overlay.Manager

	// HTTPClient reaches OpenAI-compatible upstreams. Nil builds a default.
	HTTPClient *http.Client

	// Bedrock invokes AWS Bedrock models. Nil rejects bedrock routes.
	Bedrock *upstream.BedrockInvoker

	Logger     *slog.Logger
	Metrics    *metrics.Registry
	ReqLogger  *logger.Logger
	Analytics  analytics.Store
	RPMLimiter *ratelimit.RPMLimiter

	Version string
}

// Gateway is the proxy core. All dependencies are injected via NewGateway so
// they can be replaced with doubles in unit tests.
type Gateway struct {
	cfg       *config.Config
	auth      *auth.Manager
	routes    routerclient.Client
	planCache *routerclient.CachedClient
	engine    func() *routing.Engine
	reload    func() error
	overlay   *overlay.Manager
	client    *http.Client
	bedrock   *upstream.BedrockInvoker
	log       *slog.Logger
	metrics   *metrics.Registry
	reqLogger *logger.Logger
	analytics analytics.Store
	rpm       *ratelimit.RPMLimiter
	version   string

	// legacy is the parsed ROUTIIUM_BACKENDS prefix table, consulted when
	// the planner has no answer and strict mode is off.
	legacy       []config.Backend
	fallbackWarn sync.Once

	srv *fasthttp.Server
}

// NewGateway creates a fully wired Gateway.
func NewGateway(opts Options) (*Gateway, error) {
	if opts.Config == nil {
		return nil, errNilConfig
	}
	if opts.Routes == nil {
		return nil, errNilRoutes
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		c, err := upstream.NewClient(upstream.ClientOptions{Timeout: opts.Config.Upstream.Timeout})
		if err != nil {
			return nil, err
		}
		client = c
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	return &Gateway{
		cfg:       opts.Config,
		auth:      opts.Auth,
		routes:    opts.Routes,
		planCache: opts.PlanCache,
		engine:    opts.Engine,
		reload:    opts.ReloadRouting,
		overlay:   opts.Overlay,
		client:    client,
		bedrock:   opts.Bedrock,
		log:       log,
		metrics:   opts.Metrics,
		reqLogger: opts.ReqLogger,
		analytics: opts.Analytics,
		rpm:       opts.RPMLimiter,
		version:   version,
		legacy:    config.ParseBackends(opts.Config.LegacyBackends),
	}, nil
}

var (
	errNilConfig = errors.New("gateway: config must not be nil")
	errNilRoutes = errors.New("gateway: route client must not be nil")
)

// parseBearerToken extracts the token from an Authorization header value.
// The scheme comparison is case-insensitive.
func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// upstreamBearer picks the credential sent upstream. A plan's auth_env wins
// when the variable is set; managed mode then falls back to the configured
// upstream key, passthrough mode to the client's own bearer.
func (g *Gateway) upstreamBearer(plan routerclient.RoutePlan, clientBearer string) string {
	if plan.AuthEnv != "" {
		if v := os.Getenv(plan.AuthEnv); v != "" {
			return v
		}
	}
	if g.cfg.Managed() {
		return g.cfg.Upstream.APIKey
	}
	return clientBearer
}

// setRouteHeaders attaches routing trace headers to the response. They are
// set before the upstream call so error passthroughs carry them too.
func setRouteHeaders(ctx *fasthttp.RequestCtx, plan routerclient.RoutePlan, model string) {
	h := &ctx.Response.Header
	if plan.RouteID != "" {
		h.Set("x-route-id", plan.RouteID)
	}
	h.Set("x-resolved-model", model)
	if plan.SchemaVersion != "" {
		h.Set("router-schema", plan.SchemaVersion)
	}
	if plan.PolicyRev != "" {
		h.Set("x-policy-rev", plan.PolicyRev)
	}
	if plan.ContentUsed != "" {
		h.Set("x-content-used", plan.ContentUsed)
	}
}

// logRequest enqueues an async request log entry. Never blocks.
func (g *Gateway) logRequest(entry logger.RequestLog) {
	if g.reqLogger == nil {
		return
	}
	entry.CreatedAt = time.Now()
	g.reqLogger.Log(entry)
}

// sendFeedback reports a routed request's outcome to the policy layer.
// Best effort; only plans minted by the planner get feedback.
func (g *Gateway) sendFeedback(res resolvedRoute, reqID string, status int, latency time.Duration, outputTokens int, errMsg string) {
	if res.source != sourcePlan {
		return
	}
	g.routes.Feedback(routerclient.Feedback{
		RouteID:      res.plan.RouteID,
		RequestID:    reqID,
		Status:       status,
		LatencyMs:    latency.Milliseconds(),
		OutputTokens: outputTokens,
		Error:        errMsg,
	})
}

// usageTokens pulls token counts out of a final response body. Both the Chat
// and Responses usage shapes are understood.
func usageTokens(body []byte) (in, out uint32) {
	u := gjson.GetBytes(body, "usage")
	if !u.Exists() {
		return 0, 0
	}
	in = uint32(u.Get("prompt_tokens").Uint())
	if in == 0 {
		in = uint32(u.Get("input_tokens").Uint())
	}
	out = uint32(u.Get("completion_tokens").Uint())
	if out == 0 {
		out = uint32(u.Get("output_tokens").Uint())
	}
	return in, out
}
