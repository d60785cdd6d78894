package proxy

import (
	"log/slog"

	"github.com/nulpointcorp/routiium/internal/dialect"
	"github.com/nulpointcorp/routiium/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// reloadResult is one section's outcome in a /reload reply.
type reloadResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Stats   any    `json:"stats,omitempty"`
}

func (g *Gateway) handleReload(ctx *fasthttp.RequestCtx) {
	section, _ := ctx.UserValue("section").(string)
	switch section {
	case "routing":
		writeJSON(ctx, map[string]any{"routing": g.reloadRoutingSection()})
	case "system_prompt":
		writeJSON(ctx, map[string]any{"system_prompt": g.reloadOverlaySection()})
	case "all":
		writeJSON(ctx, map[string]any{
			"routing":       g.reloadRoutingSection(),
			"system_prompt": g.reloadOverlaySection(),
		})
	default:
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"unknown reload section: use routing, system_prompt or all",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	}
}

func (g *Gateway) reloadRoutingSection() reloadResult {
	if g.reload == nil {
		return reloadResult{Message: "routing reload not configured"}
	}
	if err := g.reload(); err != nil {
		if g.metrics != nil {
			g.metrics.RecordReload("routing", false)
		}
		g.log.Error("routing_reload_failed", slog.String("error", err.Error()))
		return reloadResult{Message: err.Error()}
	}
	if g.metrics != nil {
		g.metrics.RecordReload("routing", true)
	}
	// Cached plans were made under the old config; drop them.
	if g.planCache != nil {
		g.planCache.Purge()
	}

	res := reloadResult{Success: true, Message: "routing config reloaded"}
	if g.engine != nil {
		if eng := g.engine(); eng != nil {
			res.Stats = eng.Stats()
		}
	}
	g.log.Info("routing_reloaded")
	return res
}

func (g *Gateway) reloadOverlaySection() reloadResult {
	if g.overlay == nil {
		return reloadResult{Message: "system prompt overlay not configured"}
	}
	if err := g.overlay.Reload(); err != nil {
		if g.metrics != nil {
			g.metrics.RecordReload("system_prompt", false)
		}
		g.log.Error("system_prompt_reload_failed", slog.String("error", err.Error()))
		return reloadResult{Message: err.Error()}
	}
	if g.metrics != nil {
		g.metrics.RecordReload("system_prompt", true)
	}
	g.log.Info("system_prompt_reloaded")
	return reloadResult{
		Success: true,
		Message: "system prompt config reloaded",
		Stats:   g.overlayStats(),
	}
}

func (g *Gateway) overlayStats() map[string]any {
	cfg := g.overlay.Current()
	if cfg == nil {
		return map[string]any{"enabled": false}
	}
	return map[string]any{
		"enabled":   cfg.Enabled,
		"global":    cfg.Global != nil && cfg.Global.Content != "",
		"per_model": len(cfg.PerModel),
		"per_api":   len(cfg.PerAPI),
		"path":      g.overlay.Path(),
	}
}

func (g *Gateway) handleStatus(ctx *fasthttp.RequestCtx) {
	routingFeature := map[string]any{
		"enabled": false,
		"mode":    g.cfg.Router.Mode,
		"strict":  g.cfg.Router.Strict,
	}
	if g.engine != nil {
		if eng := g.engine(); eng != nil {
			routingFeature["enabled"] = eng.Enabled()
			routingFeature["stats"] = eng.Stats()
		}
	}

	systemPrompt := map[string]any{"enabled": false}
	if g.overlay != nil {
		systemPrompt = g.overlayStats()
	}

	analyticsFeature := map[string]any{"enabled": g.analytics != nil}
	if g.analytics != nil {
		analyticsFeature["stats"] = g.analytics.Stats()
	}

	writeJSON(ctx, map[string]any{
		"name":          "routiium",
		"version":       g.version,
		"proxy_enabled": true,
		"managed":       g.cfg.Managed(),
		"routes":        routePaths(),
		"features": map[string]any{
			"system_prompt": systemPrompt,
			"routing":       routingFeature,
			"analytics":     analyticsFeature,
		},
	})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"status": "ok", "version": g.version})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleConvert rewrites a Chat Completions body into a Responses body
// without forwarding it anywhere. Useful for debugging dialect issues.
func (g *Gateway) handleConvert(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()
	if len(body) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"request body must be a JSON object",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	out, err := dialect.ChatToResponsesRequest(dialect.NormalizeChatRequest(body))
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"cannot convert chat request: "+err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	out = applyConversationHints(ctx, out, body)

	ctx.SetContentType("application/json")
	ctx.SetBody(out)
}
