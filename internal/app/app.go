// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis when needed)
//  2. initKeys      — key store and API key manager
//  3. initRouting   — routing engine, file watcher, route planner
//  4. initServices  — overlay, analytics, request logger, metrics, transports
//  5. initGateway   — proxy + admin routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/routiium/internal/analytics"
	"github.com/nulpointcorp/routiium/internal/auth"
	"github.com/nulpointcorp/routiium/internal/cache"
	"github.com/nulpointcorp/routiium/internal/config"
	"github.com/nulpointcorp/routiium/internal/logger"
	"github.com/nulpointcorp/routiium/internal/metrics"
	"github.com/nulpointcorp/routiium/internal/overlay"
	"github.com/nulpointcorp/routiium/internal/proxy"
	"github.com/nulpointcorp/routiium/internal/ratelimit"
	"github.com/nulpointcorp/routiium/internal/routerclient"
	"github.com/nulpointcorp/routiium/internal/routing"
	"github.com/nulpointcorp/routiium/internal/upstream"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	keys        *auth.Manager
	verifyCache *cache.MemoryCache

	engine  atomic.Pointer[routing.Engine]
	watcher *fsnotify.Watcher

	routes      routerclient.Client
	planCache   *routerclient.CachedClient
	localRouter *routerclient.LocalRouter

	overlay   *overlay.Manager
	store     analytics.Store
	reqLogger *logger.Logger
	prom      *metrics.Registry

	httpClient *http.Client
	bedrock    *upstream.BedrockInvoker
	rpm        *ratelimit.RPMLimiter

	gw *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"keys", a.initKeys},
		{"routing", a.initRouting},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", a.cfg.BindAddr),
		slog.Bool("managed", a.cfg.Managed()),
		slog.String("router_mode", a.cfg.Router.Mode),
		slog.String("analytics_mode", a.cfg.Analytics.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(a.cfg.BindAddr)
	})

	if a.watcher != nil {
		g.Go(func() error {
			a.watchRoutingConfig(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if err := a.gw.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			a.log.Error("watcher close error", slog.String("error", err.Error()))
		}
		a.watcher = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("analytics close error", slog.String("error", err.Error()))
		}
		a.store = nil
	}
	if a.verifyCache != nil {
		a.verifyCache.Close()
		a.verifyCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// reloadRoutingEngine loads the rules file and swaps the live engine. Used
// by the config file watcher.
func (a *App) reloadRoutingEngine() error {
	eng, err := routing.LoadFile(a.cfg.RoutingConfigPath, a.log)
	if err != nil {
		return err
	}
	a.engine.Store(eng)
	return nil
}

// reloadRouting refreshes the rules engine and, when configured, the local
// alias table. Used by POST /reload/routing.
func (a *App) reloadRouting() error {
	if a.cfg.RoutingConfigPath != "" {
		if err := a.reloadRoutingEngine(); err != nil {
			return err
		}
	}
	if a.localRouter != nil && a.cfg.LocalAliasesPath != "" {
		if err := a.localRouter.LoadAliasFile(a.cfg.LocalAliasesPath); err != nil {
			return err
		}
	}
	return nil
}

// watchRoutingConfig reacts to file events on the routing config. Editors
// and config pushers typically replace the file, so events are debounced
// and the reload happens once the writes settle.
func (a *App) watchRoutingConfig(ctx context.Context) {
	const settle = 250 * time.Millisecond

	var pending *time.Timer
	reload := func() {
		if err := a.reloadRoutingEngine(); err != nil {
			a.log.Error("routing_watch_reload_failed", slog.String("error", err.Error()))
			return
		}
		if a.planCache != nil {
			a.planCache.Purge()
		}
		if a.prom != nil {
			a.prom.RecordReload("routing", true)
		}
		a.log.Info("routing_reloaded", slog.String("trigger", "file_watch"))
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(a.cfg.RoutingConfigPath) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(settle, reload)

		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.log.Error("routing_watch_error", slog.String("error", err.Error()))
		}
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
