package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// routePaths lists the registered HTTP surface, reported by GET /status.
func routePaths() []string {
	return []string{
		"POST /v1/chat/completions",
		"POST /v1/responses",
		"POST /convert",
		"GET /status",
		"GET /health",
		"GET /readiness",
		"GET /metrics",
		"GET /keys",
		"POST /keys/generate",
		"POST /keys/revoke",
		"POST /keys/set_expiration",
		"POST /reload/{section}",
		"GET /analytics/stats",
		"GET /analytics/events",
		"GET /analytics/aggregate",
		"GET /analytics/export",
		"POST /analytics/clear",
	}
}

// Handler builds the gateway's full request handler, middleware included.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/responses", g.handleResponses)
	r.POST("/convert", g.handleConvert)

	r.GET("/status", g.handleStatus)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	r.GET("/keys", g.handleKeysList)
	r.POST("/keys/generate", g.handleKeyGenerate)
	r.POST("/keys/revoke", g.handleKeyRevoke)
	r.POST("/keys/set_expiration", g.handleKeySetExpiration)

	r.POST("/reload/{section}", g.handleReload)

	r.GET("/analytics/stats", g.handleAnalyticsStats)
	r.GET("/analytics/events", g.handleAnalyticsEvents)
	r.GET("/analytics/aggregate", g.handleAnalyticsAggregate)
	r.GET("/analytics/export", g.handleAnalyticsExport)
	r.POST("/analytics/clear", g.handleAnalyticsClear)

	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.cfg.CORS),
		securityHeaders,
	)
}

// Start runs the HTTP server on addr until Shutdown is called. The write
// timeout follows the upstream exchange budget so long SSE streams are not
// cut off by the server itself.
func (g *Gateway) Start(addr string) error {
	writeTimeout := g.cfg.Upstream.Timeout
	if writeTimeout <= 0 {
		writeTimeout = 60 * time.Second
	}

	g.srv = &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return g.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server started by Start.
func (g *Gateway) Shutdown() error {
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown()
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
