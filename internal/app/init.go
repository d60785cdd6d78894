package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/nulpointcorp/routiium/internal/analytics"
	"github.com/nulpointcorp/routiium/internal/auth"
	npCache "github.com/nulpointcorp/routiium/internal/cache"
	"github.com/nulpointcorp/routiium/internal/keystore"
	"github.com/nulpointcorp/routiium/internal/logger"
	"github.com/nulpointcorp/routiium/internal/metrics"
	"github.com/nulpointcorp/routiium/internal/overlay"
	"github.com/nulpointcorp/routiium/internal/proxy"
	"github.com/nulpointcorp/routiium/internal/ratelimit"
	"github.com/nulpointcorp/routiium/internal/routerclient"
	"github.com/nulpointcorp/routiium/internal/routing"
	"github.com/nulpointcorp/routiium/internal/upstream"
)

// initInfra establishes optional external connections. Redis is only
// required when a redis-backed component is selected; config.validate has
// already confirmed the URL is present in that case.
func (a *App) initInfra(ctx context.Context) error {
	needsRedis := a.cfg.Keys.StoreBackend == "redis" ||
		a.cfg.Keys.CacheMode == "redis" ||
		a.cfg.RateLimit.RPMLimit > 0 ||
		a.cfg.RateLimit.PerKeyRPMLimit > 0

	// The metrics registry has no external dependencies and later steps
	// hang counters off it, so it is created first.
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if !needsRedis {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initKeys builds the key store and the API key manager. The manager is
// always constructed: passthrough deployments still use the /keys admin
// surface to prepare keys before flipping to managed mode.
func (a *App) initKeys(ctx context.Context) error {
	var store keystore.Store
	switch a.cfg.Keys.StoreBackend {
	case "memory":
		store = keystore.NewMemoryStore()
	case "file":
		fs, err := keystore.NewFileStore(a.cfg.Keys.FilePath)
		if err != nil {
			return fmt.Errorf("file store: %w", err)
		}
		store = fs
	case "redis":
		store = keystore.NewRedisStore(a.rdb)
	default:
		return fmt.Errorf("unknown key store backend: %s", a.cfg.Keys.StoreBackend)
	}

	var shared npCache.Cache
	switch a.cfg.Keys.CacheMode {
	case "redis":
		shared = npCache.NewRedisCache(a.rdb)
	case "memory":
		mc := npCache.NewMemoryCache(ctx)
		a.verifyCache = mc
		shared = mc
	}

	mgr, err := auth.NewManager(ctx, auth.Options{
		Store:             store,
		RequireExpiration: a.cfg.Keys.RequireExpiration,
		AllowNoExpiration: a.cfg.Keys.AllowNoExpiration,
		DefaultTTLSeconds: a.cfg.Keys.DefaultTTLSeconds,
		DisableCache:      a.cfg.Keys.DisableCache || a.cfg.Keys.CacheMode == "none",
		Shared:            shared,
		Logger:            a.log,
	})
	if err != nil {
		return fmt.Errorf("key manager: %w", err)
	}
	a.keys = mgr

	a.log.Info("key manager ready",
		slog.String("store", a.cfg.Keys.StoreBackend),
		slog.String("cache", a.cfg.Keys.CacheMode),
	)
	return nil
}

// initRouting loads the rules file, arranges the hot-reload watcher and
// builds the route planner stack.
func (a *App) initRouting(_ context.Context) error {
	if a.cfg.RoutingConfigPath != "" {
		if err := a.reloadRoutingEngine(); err != nil {
			return fmt.Errorf("routing config: %w", err)
		}
		a.log.Info("routing rules loaded",
			slog.String("path", a.cfg.RoutingConfigPath),
		)

		if a.cfg.WatchConfig {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("config watcher: %w", err)
			}
			// Watch the directory: editors and config pushers replace the
			// file, which would drop a watch on the file itself.
			if err := w.Add(filepath.Dir(a.cfg.RoutingConfigPath)); err != nil {
				_ = w.Close()
				return fmt.Errorf("config watcher: %w", err)
			}
			a.watcher = w
		}
	}

	engine := func() *routing.Engine { return a.engine.Load() }

	var planner routerclient.Client
	switch a.cfg.Router.Mode {
	case "local":
		a.localRouter = routerclient.NewLocalRouter(engine, a.cfg.Router.PrivacyMode)
		planner = a.localRouter
	case "remote":
		planner = routerclient.NewRemoteRouter(a.cfg.Router.URL, a.log,
			routerclient.WithTimeout(a.cfg.Router.Timeout))
	case "hybrid":
		remote := routerclient.NewRemoteRouter(a.cfg.Router.URL, a.log,
			routerclient.WithTimeout(a.cfg.Router.Timeout))
		a.localRouter = routerclient.NewLocalRouter(engine, a.cfg.Router.PrivacyMode)
		planner = routerclient.NewHybridRouter(a.localRouter, remote)
	default:
		return fmt.Errorf("unknown router mode: %s", a.cfg.Router.Mode)
	}

	if a.localRouter != nil && a.cfg.LocalAliasesPath != "" {
		if err := a.localRouter.LoadAliasFile(a.cfg.LocalAliasesPath); err != nil {
			return fmt.Errorf("local aliases: %w", err)
		}
		a.log.Info("local aliases loaded",
			slog.String("path", a.cfg.LocalAliasesPath),
		)
	}

	a.planCache = routerclient.NewCachedClient(planner,
		routerclient.WithCacheTTL(a.cfg.Router.PlanCacheTTL),
		routerclient.WithCacheCounters(a.prom.PlanCacheHit, a.prom.PlanCacheMiss),
	)
	a.routes = a.planCache

	a.log.Info("route planner ready", slog.String("mode", a.cfg.Router.Mode))
	return nil
}

// initServices creates the remaining subsystems: system prompt overlay,
// analytics store, async request logger, metrics registry, outbound
// transports and the rate limiter.
func (a *App) initServices(ctx context.Context) error {
	if a.cfg.SystemPromptConfigPath != "" {
		ov, err := overlay.NewManager(a.cfg.SystemPromptConfigPath)
		if err != nil {
			return fmt.Errorf("system prompt overlay: %w", err)
		}
		a.overlay = ov
		a.log.Info("system prompt overlay loaded",
			slog.String("path", a.cfg.SystemPromptConfigPath),
		)
	}

	switch a.cfg.Analytics.Mode {
	case "memory":
		a.store = analytics.NewMemoryStore(0)
		a.log.Info("analytics backend: memory (in-process ring)")
	case "clickhouse":
		ch, err := analytics.NewClickHouseStore(ctx, a.cfg.Analytics.DSN, a.log)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.store = ch
		a.log.Info("analytics backend: clickhouse")
	case "none":
		a.log.Info("analytics backend: disabled")
	default:
		return fmt.Errorf("unknown analytics mode: %s", a.cfg.Analytics.Mode)
	}

	var sink logger.Sink
	if a.store != nil {
		store := a.store
		sink = func(e logger.RequestLog) {
			store.Record(analytics.Event{
				RequestID:    e.RequestID,
				RouteID:      e.RouteID,
				Route:        e.Route,
				API:          e.API,
				Model:        e.Model,
				Mode:         e.Mode,
				Stream:       e.Stream,
				KeyID:        e.KeyID,
				Status:       e.Status,
				LatencyMs:    e.LatencyMs,
				InputTokens:  e.InputTokens,
				OutputTokens: e.OutputTokens,
				CreatedAt:    e.CreatedAt,
			})
		}
	}
	reqLogger, err := logger.New(ctx, a.log, sink)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	client, err := upstream.NewClient(upstream.ClientOptions{
		Timeout:  a.cfg.Upstream.Timeout,
		ProxyURL: a.cfg.Upstream.ProxyURL,
		NoProxy:  a.cfg.Upstream.NoProxy,
	})
	if err != nil {
		return fmt.Errorf("upstream client: %w", err)
	}
	a.httpClient = client

	if a.cfg.Bedrock.AccessKey != "" && a.cfg.Bedrock.SecretKey != "" {
		region := a.cfg.Bedrock.Region
		if region == "" {
			region = upstream.RegionFromBaseURL(a.cfg.Upstream.BaseURL)
		}
		var opts []upstream.InvokerOption
		if a.cfg.Bedrock.SessionToken != "" {
			opts = append(opts, upstream.WithSessionToken(a.cfg.Bedrock.SessionToken))
		}
		if a.cfg.Bedrock.EndpointURL != "" {
			opts = append(opts, upstream.WithEndpointURL(a.cfg.Bedrock.EndpointURL))
		}
		a.bedrock = upstream.NewBedrockInvoker(
			a.cfg.Bedrock.AccessKey, a.cfg.Bedrock.SecretKey, region, opts...,
		)
		a.log.Info("bedrock invoker ready", slog.String("region", region))
	}

	if a.rdb != nil && (a.cfg.RateLimit.RPMLimit > 0 || a.cfg.RateLimit.PerKeyRPMLimit > 0) {
		a.rpm = ratelimit.NewRPMLimiter(a.rdb,
			a.cfg.RateLimit.RPMLimit, a.cfg.RateLimit.PerKeyRPMLimit)
		a.log.Info("rate limiting enabled",
			slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit),
			slog.Int("per_key_rpm_limit", a.cfg.RateLimit.PerKeyRPMLimit),
		)
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	var reload func() error
	if a.cfg.RoutingConfigPath != "" || a.cfg.LocalAliasesPath != "" {
		reload = a.reloadRouting
	}

	gw, err := proxy.NewGateway(proxy.Options{
		Config:        a.cfg,
		Auth:          a.keys,
		Routes:        a.routes,
		PlanCache:     a.planCache,
		Engine:        func() *routing.Engine { return a.engine.Load() },
		ReloadRouting: reload,
		Overlay:       a.overlay,
		HTTPClient:    a.httpClient,
		Bedrock:       a.bedrock,
		Logger:        a.log,
		Metrics:       a.prom,
		ReqLogger:     a.reqLogger,
		Analytics:     a.store,
		RPMLimiter:    a.rpm,
		Version:       a.version,
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	a.gw = gw
	return nil
}
