// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// routiium_inflight_requests
	inFlight prometheus.Gauge

	// routiium_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// routiium_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// routiium_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// routiium_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// routiium_auth_verifications_total{status}
	authVerifications *prometheus.CounterVec

	// routiium_route_decisions_total{outcome} — rule, alias, default,
	// passthrough, legacy, no_route
	routeDecisions *prometheus.CounterVec

	// routiium_plan_cache_total{result}
	planCache *prometheus.CounterVec

	// routiium_conversions_total{from,to}
	conversions *prometheus.CounterVec

	// routiium_upstream_requests_total{mode,status}
	upstreamRequests *prometheus.CounterVec

	// routiium_upstream_request_duration_seconds{mode}
	upstreamDuration *prometheus.HistogramVec

	// routiium_stream_retries_total
	streamRetries prometheus.Counter

	// routiium_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// routiium_tokens_total{model,direction}
	tokensTotal *prometheus.CounterVec

	// routiium_reloads_total{section,result}
	reloads *prometheus.CounterVec

	// routiium_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routiium_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routiium_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routiium_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routiium_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routiium_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		authVerifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routiium_auth_verifications_total",
				Help: "API key verification outcomes",
			},
			[]string{"status"},
		),

		routeDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routiium_route_decisions_total",
				Help: "Route resolution outcomes",
			},
			[]string{"outcome"},
		),

		planCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routiium_plan_cache_total",
				Help: "Route plan cache lookups",
			},
			[]string{"result"},
		),

		conversions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routiium_conversions_total",
				Help: "Request/response dialect conversions",
			},
			[]string{"from", "to"},
		),

		upstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routiium_upstream_requests_total",
				Help: "Upstream requests by dialect and HTTP status",
			},
			[]string{"mode", "status"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routiium_upstream_request_duration_seconds",
				Help:    "Upstream request duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"mode"},
		),

		streamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routiium_stream_retries_total",
			Help: "Streaming connect retries before success or giving up",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routiium_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routiium_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"model", "direction"},
		),

		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routiium_reloads_total",
				Help: "Hot reload attempts by section and result",
			},
			[]string{"section", "result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "routiium_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.authVerifications,
		r.routeDecisions,
		r.planCache,
		r.conversions,
		r.upstreamRequests,
		r.upstreamDuration,
		r.streamRetries,
		r.rateLimitTotal,
		r.tokensTotal,
		r.reloads,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// RecordAuthVerification records one key verification outcome ("valid",
// "invalid", "not_found", "revoked", "expired").
func (r *Registry) RecordAuthVerification(status string) {
	r.authVerifications.WithLabelValues(status).Inc()
}

// RecordRouteDecision records how a model was resolved.
func (r *Registry) RecordRouteDecision(outcome string) {
	r.routeDecisions.WithLabelValues(outcome).Inc()
}

func (r *Registry) PlanCacheHit()  { r.planCache.WithLabelValues("hit").Inc() }
func (r *Registry) PlanCacheMiss() { r.planCache.WithLabelValues("miss").Inc() }

// RecordConversion records one dialect conversion, e.g. ("chat", "responses").
func (r *Registry) RecordConversion(from, to string) {
	r.conversions.WithLabelValues(from, to).Inc()
}

// ObserveUpstream records one upstream exchange.
func (r *Registry) ObserveUpstream(mode string, statusCode int, dur time.Duration) {
	r.upstreamRequests.WithLabelValues(mode, strconv.Itoa(statusCode)).Inc()
	r.upstreamDuration.WithLabelValues(mode).Observe(dur.Seconds())
}

func (r *Registry) RecordStreamRetry() { r.streamRetries.Inc() }

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

// RecordReload records a hot reload attempt for a config section.
func (r *Registry) RecordReload(section string, ok bool) {
	result := "success"
	if !ok {
		result = "error"
	}
	r.reloads.WithLabelValues(section, result).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
