package routerclient

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheSize = 4096
	// DefaultCacheTTL caps how long a plan may be reused regardless of the
	// TTL the policy attached to it.
	DefaultCacheTTL = 15 * time.Second
)

type cachedPlan struct {
	plan     RoutePlan
	deadline time.Time
}

// CachedClient memoises plans from an inner Client.
//
// Entries are keyed by everything that can change the answer: alias, api,
// stream flag, required caps and plan token. An entry lives for
// min(plan.ttl_ms, DefaultCacheTTL) and is dropped early when the policy
// revision moves on, so a policy update invalidates stale plans without
// waiting out their TTL.
type CachedClient struct {
	inner Client
	lru   *expirable.LRU[string, cachedPlan]
	ttl   time.Duration
	now   func() time.Time

	hits   func()
	misses func()
}

// CacheOption configures a CachedClient.
type CacheOption func(*CachedClient)

// WithCacheTTL overrides the cache-wide TTL cap.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *CachedClient) { c.ttl = ttl }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *CachedClient) { c.now = now }
}

// WithCacheCounters registers callbacks invoked on cache hits and misses.
func WithCacheCounters(hit, miss func()) CacheOption {
	return func(c *CachedClient) { c.hits, c.misses = hit, miss }
}

// NewCachedClient wraps inner with a plan cache.
func NewCachedClient(inner Client, opts ...CacheOption) *CachedClient {
	c := &CachedClient{
		inner:  inner,
		ttl:    DefaultCacheTTL,
		now:    time.Now,
		hits:   func() {},
		misses: func() {},
	}
	for _, o := range opts {
		o(c)
	}
	c.lru = expirable.NewLRU[string, cachedPlan](defaultCacheSize, nil, c.ttl)
	return c
}

func (c *CachedClient) Plan(ctx context.Context, req RouteRequest) (RoutePlan, error) {
	key := cacheKey(req)

	if entry, ok := c.lru.Get(key); ok {
		fresh := c.now().Before(entry.deadline)
		revOK := entry.plan.PolicyRev == c.inner.PolicyRevision() || c.inner.PolicyRevision() == ""
		if fresh && revOK {
			c.hits()
			return entry.plan, nil
		}
		c.lru.Remove(key)
	}
	c.misses()

	plan, err := c.inner.Plan(ctx, req)
	if err != nil {
		return RoutePlan{}, err
	}

	ttl := c.ttl
	if plan.TTLMs > 0 {
		if planTTL := time.Duration(plan.TTLMs) * time.Millisecond; planTTL < ttl {
			ttl = planTTL
		}
	}
	c.lru.Add(key, cachedPlan{plan: plan, deadline: c.now().Add(ttl)})
	return plan, nil
}

func (c *CachedClient) Feedback(fb Feedback) { c.inner.Feedback(fb) }

func (c *CachedClient) PolicyRevision() string { return c.inner.PolicyRevision() }

// Purge empties the cache. Used after routing hot reloads.
func (c *CachedClient) Purge() { c.lru.Purge() }

// Len reports the number of live entries.
func (c *CachedClient) Len() int { return c.lru.Len() }

func cacheKey(req RouteRequest) string {
	var b strings.Builder
	b.WriteString(req.Alias)
	b.WriteByte('|')
	b.WriteString(req.API)
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(req.Stream))
	b.WriteByte('|')
	b.WriteString(strings.Join(req.RequiredCaps, ","))
	b.WriteByte('|')
	b.WriteString(req.PlanToken)
	return b.String()
}
