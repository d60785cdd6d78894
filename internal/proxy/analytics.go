package proxy

import (
	"bytes"
	"fmt"
	"time"

	"github.com/nulpointcorp/routiium/internal/analytics"
	"github.com/nulpointcorp/routiium/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const (
	defaultEventsWindow = time.Hour
	defaultExportWindow = 24 * time.Hour
	defaultEventsLimit  = 100
	exportLimit         = 10_000
)

func (g *Gateway) requireAnalytics(ctx *fasthttp.RequestCtx) bool {
	if g.analytics != nil {
		return true
	}
	apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
		"analytics store unavailable",
		apierr.TypeServerError, apierr.CodeInternalError)
	return false
}

func (g *Gateway) handleAnalyticsStats(ctx *fasthttp.RequestCtx) {
	if !g.requireAnalytics(ctx) {
		return
	}
	stats := map[string]any{"store": g.analytics.Stats()}
	if g.reqLogger != nil {
		stats["dropped_log_entries"] = g.reqLogger.DroppedLogs()
	}
	writeJSON(ctx, stats)
}

func (g *Gateway) handleAnalyticsEvents(ctx *fasthttp.RequestCtx) {
	if !g.requireAnalytics(ctx) {
		return
	}
	start, end, ok := queryWindow(ctx, defaultEventsWindow)
	if !ok {
		return
	}
	limit := ctx.QueryArgs().GetUintOrZero("limit")
	if limit <= 0 {
		limit = defaultEventsLimit
	}

	events, err := g.analytics.Query(ctx, start, end, limit)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"analytics query failed: "+err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	if events == nil {
		events = []analytics.Event{}
	}
	writeJSON(ctx, map[string]any{
		"events": events,
		"count":  len(events),
		"start":  start.Format(time.RFC3339),
		"end":    end.Format(time.RFC3339),
	})
}

func (g *Gateway) handleAnalyticsAggregate(ctx *fasthttp.RequestCtx) {
	if !g.requireAnalytics(ctx) {
		return
	}
	start, end, ok := queryWindow(ctx, defaultExportWindow)
	if !ok {
		return
	}

	aggs, err := g.analytics.Aggregate(ctx, start, end)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"analytics aggregation failed: "+err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	if aggs == nil {
		aggs = []analytics.ModelAggregate{}
	}
	writeJSON(ctx, map[string]any{
		"models": aggs,
		"start":  start.Format(time.RFC3339),
		"end":    end.Format(time.RFC3339),
	})
}

func (g *Gateway) handleAnalyticsExport(ctx *fasthttp.RequestCtx) {
	if !g.requireAnalytics(ctx) {
		return
	}
	start, end, ok := queryWindow(ctx, defaultExportWindow)
	if !ok {
		return
	}

	format := string(ctx.QueryArgs().Peek("format"))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "json" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"unknown export format: use csv or json",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	events, err := g.analytics.Query(ctx, start, end, exportLimit)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"analytics query failed: "+err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	var buf bytes.Buffer
	filename := fmt.Sprintf("routiium_events_%s.%s", end.Format("20060102"), format)
	if format == "csv" {
		if err := analytics.WriteCSV(&buf, events); err != nil {
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"export failed: "+err.Error(),
				apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
		ctx.SetContentType("text/csv")
	} else {
		if err := analytics.WriteJSON(&buf, events); err != nil {
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"export failed: "+err.Error(),
				apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
		ctx.SetContentType("application/json")
	}
	ctx.Response.Header.Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	ctx.SetBody(buf.Bytes())
}

func (g *Gateway) handleAnalyticsClear(ctx *fasthttp.RequestCtx) {
	if !g.requireAnalytics(ctx) {
		return
	}
	if err := g.analytics.Clear(ctx); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to clear analytics: "+err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]any{"cleared": true})
}

// queryWindow reads the optional start/end RFC3339 query parameters, falling
// back to the trailing window ending now. On a malformed timestamp a 400 is
// written and ok is false.
func queryWindow(ctx *fasthttp.RequestCtx, window time.Duration) (start, end time.Time, ok bool) {
	now := time.Now()
	start, end = now.Add(-window), now

	if raw := string(ctx.QueryArgs().Peek("start")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"invalid 'start': expected RFC3339 timestamp",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return start, end, false
		}
		start = t
	}
	if raw := string(ctx.QueryArgs().Peek("end")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"invalid 'end': expected RFC3339 timestamp",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return start, end, false
		}
		end = t
	}
	return start, end, true
}
