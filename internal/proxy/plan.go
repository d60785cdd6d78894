package proxy

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/routiium/internal/config"
	"github.com/nulpointcorp/routiium/internal/dialect"
	"github.com/nulpointcorp/routiium/internal/routerclient"
	"github.com/nulpointcorp/routiium/internal/routing"
	"github.com/nulpointcorp/routiium/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// Route plan sources, used for metrics and the request log.
const (
	sourcePlan    = "plan"
	sourceLegacy  = "legacy"
	sourceDefault = "default"
)

// resolvedRoute is a route plan plus where it came from.
type resolvedRoute struct {
	plan   routerclient.RoutePlan
	source string
}

// routeLabel names the decision for logs and analytics: the matched rule for
// planner decisions, otherwise the fallback source.
func (r resolvedRoute) routeLabel() string {
	if r.plan.RuleName != "" {
		return r.plan.RuleName
	}
	switch r.source {
	case sourcePlan:
		return "default"
	default:
		return r.source
	}
}

// resolveRoute obtains a route plan for the request body. When the planner
// has no answer, strict mode surfaces the error; otherwise the legacy prefix
// table and finally the configured default upstream take over. On failure an
// error response has already been written and ok is false.
func (g *Gateway) resolveRoute(ctx *fasthttp.RequestCtx, body []byte, api string) (resolvedRoute, bool) {
	req := routerclient.ExtractRouteRequest(body, api, g.cfg.Router.PrivacyMode)

	plan, err := g.routes.Plan(ctx, req)
	switch {
	case err == nil && !plan.Passthrough:
		if plan.RuleName != "" {
			g.recordRouteDecision("rule")
		} else {
			g.recordRouteDecision("default")
		}
		return resolvedRoute{plan: plan, source: sourcePlan}, true

	case err == nil:
		// Explicit passthrough decision: the policy wants the caller's
		// default upstream, untouched.
		g.recordRouteDecision("passthrough")
		return g.fallbackRoute(req.Alias, api, "passthrough"), true

	case g.cfg.Router.Strict:
		if errors.Is(err, routerclient.ErrNoRoute) {
			g.recordRouteDecision("no_route")
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("no route for model %q", req.Alias),
				apierr.TypeInvalidRequest, apierr.CodeNoRoute)
			return resolvedRoute{}, false
		}
		g.log.Error("route_plan_failed",
			slog.String("alias", req.Alias),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"route planning failed: "+err.Error(),
			apierr.TypeServerError, apierr.CodeUpstreamError)
		return resolvedRoute{}, false

	default:
		if b, ok := config.Match(g.legacy, req.Alias); ok {
			g.recordRouteDecision("legacy")
			mode := b.Mode
			if mode == "" {
				mode = g.fallbackMode(api)
			}
			return resolvedRoute{
				plan: routerclient.RoutePlan{
					Model:   req.Alias,
					BaseURL: b.BaseURL,
					Mode:    mode,
					AuthEnv: b.KeyEnv,
				},
				source: sourceLegacy,
			}, true
		}
		g.recordRouteDecision("passthrough")
		return g.fallbackRoute(req.Alias, api, "planner_miss"), true
	}
}

// fallbackRoute targets the configured default upstream. The first time it
// fires a warning is logged so operators notice a silently unrouted fleet.
func (g *Gateway) fallbackRoute(model, api, reason string) resolvedRoute {
	g.fallbackWarn.Do(func() {
		g.log.Warn("router_fallback_default_upstream",
			slog.String("base_url", g.cfg.Upstream.BaseURL),
			slog.String("reason", reason),
		)
	})
	return resolvedRoute{
		plan: routerclient.RoutePlan{
			Model:   model,
			BaseURL: g.cfg.Upstream.BaseURL,
			Mode:    g.fallbackMode(api),
		},
		source: sourceDefault,
	}
}

// fallbackMode picks the upstream dialect for unplanned requests: chat stays
// chat, everything else follows the configured upstream mode.
func (g *Gateway) fallbackMode(api string) string {
	if api == dialect.APIChat {
		return routing.ModeChat
	}
	return g.cfg.Upstream.Mode
}

func (g *Gateway) recordRouteDecision(outcome string) {
	if g.metrics != nil {
		g.metrics.RecordRouteDecision(outcome)
	}
}
