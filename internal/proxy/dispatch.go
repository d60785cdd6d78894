package proxy

import (
	"log/slog"
	"time"

	"github.com/nulpointcorp/routiium/internal/auth"
	"github.com/nulpointcorp/routiium/internal/dialect"
	"github.com/nulpointcorp/routiium/internal/logger"
	"github.com/nulpointcorp/routiium/internal/overlay"
	"github.com/nulpointcorp/routiium/internal/routing"
	"github.com/nulpointcorp/routiium/pkg/apierr"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"
)

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, dialect.APIChat)
}

func (g *Gateway) handleResponses(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, dialect.APIResponses)
}

// dispatch is the proxy hot path shared by /v1/chat/completions and
// /v1/responses: authenticate, plan, rewrite, forward.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, api string) {
	start := time.Now()
	reqBytes := len(ctx.PostBody())
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming requests are finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(api, ctx.Response.StatusCode(), time.Since(start),
			reqBytes, len(ctx.Response.Body()))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	body := ctx.PostBody()
	if len(body) == 0 || !gjson.ValidBytes(body) {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"request body must be a JSON object",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if gjson.GetBytes(body, "model").String() == "" {
		body, _ = sjson.SetBytes(body, "model", g.cfg.DefaultModel)
	}

	keyID, clientBearer, ok := g.authorize(ctx)
	if !ok {
		return
	}
	if !g.allowRate(ctx, reqID, keyID) {
		return
	}

	if api == dialect.APIChat {
		body = dialect.NormalizeChatRequest(body)
	}

	res, ok := g.resolveRoute(ctx, body, api)
	if !ok {
		return
	}

	if res.plan.Transform != nil {
		transformed, err := routing.ApplyTransform(body, res.plan.Transform)
		if err != nil {
			g.log.Error("transform_failed",
				slog.String("request_id", reqID),
				slog.String("rule", res.plan.RuleName),
				slog.String("error", err.Error()),
			)
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"request transform failed",
				apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
		body = transformed
	}

	model := gjson.GetBytes(body, "model").String()
	if res.plan.Model != "" && res.plan.Model != model {
		body, _ = sjson.SetBytes(body, "model", res.plan.Model)
		model = res.plan.Model
	}
	setRouteHeaders(ctx, res.plan, model)

	if g.overlay != nil {
		if prompt, found := g.overlay.Current().Select(model, api); found {
			if api == dialect.APIChat {
				body = overlay.InjectChat(body, prompt)
			} else {
				body = overlay.InjectResponses(body, prompt)
			}
		}
	}

	stream := gjson.GetBytes(body, "stream").Bool()
	bearer := g.upstreamBearer(res.plan, clientBearer)

	g.log.Info("proxy_request",
		slog.String("request_id", reqID),
		slog.String("api", api),
		slog.String("model", model),
		slog.String("route", res.routeLabel()),
		slog.String("mode", res.plan.Mode),
		slog.Bool("stream", stream),
	)

	var status int
	switch {
	case res.plan.Mode == routing.ModeBedrock:
		// Bedrock InvokeModel has no SSE surface here: stream requests get
		// a complete response instead.
		status = g.forwardBedrock(ctx, api, res, body)
	case stream:
		if g.forwardStream(ctx, api, res, body, bearer, model, reqID, keyID, start, reqBytes) {
			streaming = true
			return
		}
		status = ctx.Response.StatusCode()
	default:
		status = g.forward(ctx, api, res, body, bearer)
	}

	latency := time.Since(start)
	in, out := usageTokens(ctx.Response.Body())

	var errMsg string
	if status >= 400 {
		errMsg = fasthttp.StatusMessage(status)
	}
	g.sendFeedback(res, reqID, status, latency, int(out), errMsg)

	g.logRequest(logger.RequestLog{
		RequestID:    reqID,
		RouteID:      res.plan.RouteID,
		Route:        res.routeLabel(),
		API:          api,
		Model:        model,
		Mode:         res.plan.Mode,
		Stream:       false,
		KeyID:        keyID,
		Status:       uint16(status),
		LatencyMs:    clampLatency(latency),
		InputTokens:  in,
		OutputTokens: out,
	})
	if g.metrics != nil {
		g.metrics.AddTokens(model, int(in), int(out))
	}
}

// authorize enforces managed-mode authentication. In passthrough mode the
// client's bearer is returned untouched for forwarding. On failure a 401 has
// already been written and ok is false.
func (g *Gateway) authorize(ctx *fasthttp.RequestCtx) (keyID, clientBearer string, ok bool) {
	bearer := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if !g.cfg.Managed() {
		return "", bearer, true
	}

	if g.auth == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"API key manager unavailable",
			apierr.TypeServerError, apierr.CodeInternalError)
		return "", "", false
	}
	if bearer == "" {
		g.recordAuth("missing")
		apierr.WriteAuth(ctx, "Missing Authorization bearer", apierr.CodeMissingAPIKey)
		return "", "", false
	}

	status, rec := g.auth.Verify(ctx, bearer)
	g.recordAuth(status.String())
	switch status {
	case auth.StatusValid:
		return rec.ID, bearer, true
	case auth.StatusRevoked:
		apierr.WriteAuth(ctx, "API key revoked", apierr.CodeAPIKeyRevoked)
	case auth.StatusExpired:
		apierr.WriteAuth(ctx, "API key expired", apierr.CodeAPIKeyExpired)
	default:
		apierr.WriteAuth(ctx, "Invalid API key", apierr.CodeInvalidAPIKey)
	}
	return "", "", false
}

func (g *Gateway) recordAuth(status string) {
	if g.metrics != nil {
		g.metrics.RecordAuthVerification(status)
	}
}

// allowRate applies the global and per-key RPM windows. A blocked request
// gets a 429 and false.
func (g *Gateway) allowRate(ctx *fasthttp.RequestCtx, reqID, keyID string) bool {
	if g.rpm == nil {
		return true
	}

	allowed, err := g.rpm.Allow(ctx)
	if err == nil && allowed {
		allowed, err = g.rpm.AllowKey(ctx, keyID)
	}
	if g.metrics != nil {
		switch {
		case err != nil:
			g.metrics.RecordRateLimit("error")
		case allowed:
			g.metrics.RecordRateLimit("allowed")
		default:
			g.metrics.RecordRateLimit("blocked")
		}
	}
	if err == nil && !allowed {
		g.log.Warn("rate_limit_exceeded",
			slog.String("request_id", reqID),
			slog.String("key_id", keyID),
		)
		apierr.WriteRateLimit(ctx)
		return false
	}
	return true
}

// clampLatency converts a duration to whole milliseconds for the request log.
func clampLatency(d time.Duration) uint32 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}
