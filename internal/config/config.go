// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example ROUTIIUM_ROUTING_CONFIG becomes
// routiium_routing_config in YAML.
//
// The gateway runs in one of two auth modes, derived rather than configured:
// managed mode when OPENAI_API_KEY is set (clients present gateway-issued
// keys, upstream credentials come from the environment), passthrough mode
// otherwise (the client bearer is forwarded to the upstream).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// BindAddr is the host:port the HTTP server listens on.
	// Default: 0.0.0.0:8088.
	BindAddr string

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// DefaultModel is used when a request carries no model. Default: gpt-5-nano.
	DefaultModel string

	// Upstream is the default OpenAI-compatible upstream.
	Upstream UpstreamConfig

	// Keys controls API key issuance and verification.
	Keys KeysConfig

	// Router controls route planning.
	Router RouterConfig

	// RoutingConfigPath points at the routing rules file (JSON or YAML).
	// Empty disables rule-based routing.
	RoutingConfigPath string

	// LocalAliasesPath points at a JSON file mapping alias names to upstream
	// targets, consulted by the local planner when no routing rule matches.
	// Empty disables the alias table.
	LocalAliasesPath string

	// SystemPromptConfigPath points at the system prompt overlay file.
	// Empty disables the overlay.
	SystemPromptConfigPath string

	// WatchConfig reloads the routing config automatically on file change.
	WatchConfig bool

	// LegacyBackends is the semicolon-separated prefix routing table used as
	// the soft-mode fallback when no route resolves. Example:
	//   "prefix=claude,base=https://api.anthropic.com/v1,key_env=ANTHROPIC_API_KEY,mode=chat"
	LegacyBackends string

	// Redis holds the connection URL for the key store, verify cache and
	// rate limiter. Required only when a redis-backed component is selected.
	Redis RedisConfig

	// Bedrock holds AWS credentials for Bedrock-mode targets.
	Bedrock BedrockConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// Analytics controls the request analytics store.
	Analytics AnalyticsConfig

	// CORS controls cross-origin response headers.
	CORS CORSConfig
}

// UpstreamConfig is the default upstream plus outbound transport knobs.
type UpstreamConfig struct {
	// BaseURL is the fallback OpenAI-compatible endpoint.
	// Default: https://api.openai.com/v1.
	BaseURL string
	// APIKey enables managed mode when set.
	APIKey string
	// Mode is the dialect the fallback upstream speaks: responses, chat or
	// bedrock. Default: responses.
	Mode string
	// Timeout bounds a full upstream exchange. Default: 300s.
	Timeout time.Duration
	// ProxyURL forces outbound traffic through one proxy.
	ProxyURL string
	// NoProxy disables proxying entirely.
	NoProxy bool
}

// KeysConfig controls the API key manager.
type KeysConfig struct {
	// StoreBackend selects the key store: memory, file or redis.
	// Default: file.
	StoreBackend string
	// FilePath is the JSON file used by the file backend.
	// Default: routiium_keys.json.
	FilePath string
	// RequireExpiration forces every generated key to carry an expiration.
	RequireExpiration bool
	// AllowNoExpiration permits keys with no expiration when no default TTL
	// is set. Ignored when RequireExpiration is true.
	AllowNoExpiration bool
	// DefaultTTLSeconds applies when a generate request has no expiration.
	DefaultTTLSeconds int64
	// DisableCache forces every verification to hit the store.
	DisableCache bool
	// CacheMode selects the verify cache: memory (in-process, default),
	// redis (shared between replicas) or none.
	CacheMode string
}

// RouterConfig controls route planning.
type RouterConfig struct {
	// Mode is local, remote or hybrid. Default: local.
	Mode string
	// URL is the remote planner base URL. Required for remote and hybrid.
	URL string
	// Timeout is the remote plan call budget. Default: 15ms.
	Timeout time.Duration
	// Strict surfaces routing failures as errors instead of falling back to
	// the legacy backends table and the default upstream.
	Strict bool
	// PrivacyMode controls prompt content sharing with the remote planner.
	// Configured as features (default), summary or full; "features" is
	// normalized to the wire value "none" (features/hashes only).
	PrivacyMode string
	// PlanCacheTTL caps how long a cached route plan may be reused.
	// Default: 15s.
	PlanCacheTTL time.Duration
}

// BedrockConfig holds AWS Bedrock configuration.
type BedrockConfig struct {
	// AccessKey is the AWS access key ID.
	AccessKey string
	// SecretKey is the AWS secret access key.
	SecretKey string
	// SessionToken is the optional STS session token for temporary credentials.
	SessionToken string
	// Region is the AWS region, e.g. "us-east-1". When empty the region is
	// derived from the target base URL.
	Region string
	// EndpointURL overrides the Bedrock runtime endpoint. Useful for local mocks.
	EndpointURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
	// PerKeyRPMLimit is the per-API-key requests per minute.
	// 0 disables the per-key window. Default: 0.
	PerKeyRPMLimit int
}

// AnalyticsConfig controls the analytics event store.
type AnalyticsConfig struct {
	// Mode selects the backend: memory (default), clickhouse or none.
	Mode string
	// DSN is the ClickHouse DSN, e.g. clickhouse://localhost:9000/default.
	// Required when Mode is clickhouse.
	DSN string
}

// CORSConfig controls cross-origin response headers.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

// Managed reports whether the gateway verifies its own issued keys (true)
// or forwards the client bearer upstream (false).
func (c *Config) Managed() bool {
	return c.Upstream.APIKey != ""
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("BIND_ADDR", "0.0.0.0:8088")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MODEL", "gpt-5-nano")

	v.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("ROUTIIUM_UPSTREAM_MODE", "responses")
	v.SetDefault("ROUTIIUM_HTTP_TIMEOUT_SECONDS", 300)

	v.SetDefault("ROUTIIUM_KEYS_STORE", "file")
	v.SetDefault("ROUTIIUM_KEYS_FILE", "routiium_keys.json")
	v.SetDefault("ROUTIIUM_KEYS_ALLOW_NO_EXPIRATION", true)
	v.SetDefault("AUTH_CACHE_MODE", "memory")

	v.SetDefault("ROUTIIUM_ROUTER_MODE", "local")
	v.SetDefault("ROUTIIUM_ROUTER_TIMEOUT_MS", 15)
	v.SetDefault("ROUTIIUM_ROUTER_PRIVACY_MODE", "features")
	v.SetDefault("ROUTIIUM_PLAN_CACHE_TTL_MS", 15_000)

	v.SetDefault("ROUTIIUM_ANALYTICS_MODE", "memory")

	// Rate limits: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("RPM_PER_KEY_LIMIT", 0)

	v.SetDefault("CORS_ALLOWED_ORIGINS", []string{"*"})
	v.SetDefault("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-Request-ID"})
	v.SetDefault("CORS_MAX_AGE", 600)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		BindAddr:     v.GetString("BIND_ADDR"),
		LogLevel:     strings.ToLower(v.GetString("LOG_LEVEL")),
		DefaultModel: v.GetString("MODEL"),

		Upstream: UpstreamConfig{
			BaseURL:  v.GetString("OPENAI_BASE_URL"),
			APIKey:   v.GetString("OPENAI_API_KEY"),
			Mode:     strings.ToLower(v.GetString("ROUTIIUM_UPSTREAM_MODE")),
			Timeout:  time.Duration(v.GetInt("ROUTIIUM_HTTP_TIMEOUT_SECONDS")) * time.Second,
			ProxyURL: v.GetString("ROUTIIUM_PROXY_URL"),
			NoProxy:  v.GetBool("ROUTIIUM_NO_PROXY"),
		},

		Keys: KeysConfig{
			StoreBackend:      strings.ToLower(v.GetString("ROUTIIUM_KEYS_STORE")),
			FilePath:          v.GetString("ROUTIIUM_KEYS_FILE"),
			RequireExpiration: v.GetBool("ROUTIIUM_KEYS_REQUIRE_EXPIRATION"),
			AllowNoExpiration: v.GetBool("ROUTIIUM_KEYS_ALLOW_NO_EXPIRATION"),
			DefaultTTLSeconds: v.GetInt64("ROUTIIUM_KEYS_DEFAULT_TTL_SECONDS"),
			DisableCache:      v.GetBool("ROUTIIUM_KEYS_DISABLE_CACHE"),
			CacheMode:         strings.ToLower(v.GetString("AUTH_CACHE_MODE")),
		},

		Router: RouterConfig{
			Mode:         strings.ToLower(v.GetString("ROUTIIUM_ROUTER_MODE")),
			URL:          v.GetString("ROUTIIUM_ROUTER_URL"),
			Timeout:      time.Duration(v.GetInt("ROUTIIUM_ROUTER_TIMEOUT_MS")) * time.Millisecond,
			Strict:       v.GetBool("ROUTIIUM_ROUTER_STRICT"),
			PrivacyMode:  normalizePrivacyMode(v.GetString("ROUTIIUM_ROUTER_PRIVACY_MODE")),
			PlanCacheTTL: time.Duration(v.GetInt("ROUTIIUM_PLAN_CACHE_TTL_MS")) * time.Millisecond,
		},

		RoutingConfigPath:      v.GetString("ROUTIIUM_ROUTING_CONFIG"),
		LocalAliasesPath:       v.GetString("ROUTIIUM_LOCAL_ALIASES"),
		SystemPromptConfigPath: v.GetString("ROUTIIUM_SYSTEM_PROMPT_CONFIG"),
		WatchConfig:            v.GetBool("ROUTIIUM_WATCH_CONFIG"),
		LegacyBackends:         v.GetString("ROUTIIUM_BACKENDS"),

		Redis: RedisConfig{URL: v.GetString("ROUTIIUM_REDIS_URL")},

		Bedrock: BedrockConfig{
			AccessKey:    v.GetString("AWS_ACCESS_KEY_ID"),
			SecretKey:    v.GetString("AWS_SECRET_ACCESS_KEY"),
			SessionToken: v.GetString("AWS_SESSION_TOKEN"),
			Region:       v.GetString("AWS_REGION"),
			EndpointURL:  v.GetString("BEDROCK_ENDPOINT_URL"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit:       v.GetInt("RPM_LIMIT"),
			PerKeyRPMLimit: v.GetInt("RPM_PER_KEY_LIMIT"),
		},

		Analytics: AnalyticsConfig{
			Mode: strings.ToLower(v.GetString("ROUTIIUM_ANALYTICS_MODE")),
			DSN:  v.GetString("ROUTIIUM_ANALYTICS_DSN"),
		},

		CORS: CORSConfig{
			AllowedOrigins:   v.GetStringSlice("CORS_ALLOWED_ORIGINS"),
			AllowedMethods:   v.GetStringSlice("CORS_ALLOWED_METHODS"),
			AllowedHeaders:   v.GetStringSlice("CORS_ALLOWED_HEADERS"),
			AllowCredentials: v.GetBool("CORS_ALLOW_CREDENTIALS"),
			MaxAge:           v.GetInt("CORS_MAX_AGE"),
		},
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.Upstream.Mode {
	case "responses", "chat", "bedrock":
	default:
		return fmt.Errorf(
			"config: invalid ROUTIIUM_UPSTREAM_MODE %q; must be one of: responses, chat, bedrock",
			c.Upstream.Mode,
		)
	}

	switch c.Keys.StoreBackend {
	case "memory", "file", "redis":
	default:
		return fmt.Errorf(
			"config: invalid ROUTIIUM_KEYS_STORE %q; must be one of: memory, file, redis",
			c.Keys.StoreBackend,
		)
	}
	if c.Keys.StoreBackend == "file" && c.Keys.FilePath == "" {
		return fmt.Errorf("config: ROUTIIUM_KEYS_FILE is required when ROUTIIUM_KEYS_STORE=file")
	}
	if c.Keys.StoreBackend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: ROUTIIUM_REDIS_URL is required when ROUTIIUM_KEYS_STORE=redis")
	}

	switch c.Keys.CacheMode {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf(
			"config: invalid AUTH_CACHE_MODE %q; must be one of: memory, redis, none",
			c.Keys.CacheMode,
		)
	}
	if c.Keys.CacheMode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: ROUTIIUM_REDIS_URL is required when AUTH_CACHE_MODE=redis")
	}

	switch c.Router.Mode {
	case "local", "remote", "hybrid":
	default:
		return fmt.Errorf(
			"config: invalid ROUTIIUM_ROUTER_MODE %q; must be one of: local, remote, hybrid",
			c.Router.Mode,
		)
	}
	if (c.Router.Mode == "remote" || c.Router.Mode == "hybrid") && c.Router.URL == "" {
		return fmt.Errorf("config: ROUTIIUM_ROUTER_URL is required when ROUTIIUM_ROUTER_MODE=%s", c.Router.Mode)
	}

	switch c.Router.PrivacyMode {
	case "none", "summary", "full":
	default:
		return fmt.Errorf(
			"config: invalid ROUTIIUM_ROUTER_PRIVACY_MODE %q; must be one of: features, summary, full",
			c.Router.PrivacyMode,
		)
	}

	switch c.Analytics.Mode {
	case "memory", "clickhouse", "none":
	default:
		return fmt.Errorf(
			"config: invalid ROUTIIUM_ANALYTICS_MODE %q; must be one of: memory, clickhouse, none",
			c.Analytics.Mode,
		)
	}
	if c.Analytics.Mode == "clickhouse" && c.Analytics.DSN == "" {
		return fmt.Errorf("config: ROUTIIUM_ANALYTICS_DSN is required when ROUTIIUM_ANALYTICS_MODE=clickhouse")
	}

	if (c.RateLimit.RPMLimit > 0 || c.RateLimit.PerKeyRPMLimit > 0) && c.Redis.URL == "" {
		return fmt.Errorf("config: ROUTIIUM_REDIS_URL is required when rate limiting is enabled")
	}

	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("config: ROUTIIUM_HTTP_TIMEOUT_SECONDS must be positive")
	}

	return nil
}

// normalizePrivacyMode maps the configured privacy tier to its wire value:
// "features" (share only derived features and hashes) travels as "none".
func normalizePrivacyMode(raw string) string {
	mode := strings.ToLower(strings.TrimSpace(raw))
	if mode == "features" || mode == "" {
		return "none"
	}
	return mode
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
