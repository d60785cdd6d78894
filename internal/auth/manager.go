package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/routiium/internal/cache"
	"github.com/nulpointcorp/routiium/internal/keystore"
)

// Status is the outcome of verifying a presented token.
type Status int

const (
	StatusValid Status = iota
	StatusInvalid
	StatusNotFound
	StatusRevoked
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	case StatusNotFound:
		return "not_found"
	case StatusRevoked:
		return "revoked"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

var (
	// ErrExpirationRequired is returned by Generate when policy demands an
	// expiration and none was provided or defaulted.
	ErrExpirationRequired = errors.New("auth: expiration required")
	// ErrPastExpiration is returned when a requested expires_at is not in
	// the future.
	ErrPastExpiration = errors.New("auth: expires_at must be in the future")
	// ErrInvalidTTL is returned when a requested ttl_seconds is not positive.
	ErrInvalidTTL = errors.New("auth: ttl must be > 0 seconds")
	// ErrKeyNotFound is returned by Revoke and SetExpiration for unknown ids.
	ErrKeyNotFound = errors.New("auth: key not found")
)

// Options configures a Manager.
type Options struct {
	Store keystore.Store
	// RequireExpiration forces every generated key to carry an expiration.
	RequireExpiration bool
	// AllowNoExpiration permits keys without expiration even when
	// RequireExpiration is set: the allow flag wins.
	AllowNoExpiration bool
	// DefaultTTLSeconds is applied when a generate request carries neither
	// expires_at nor ttl_seconds. Zero means no default.
	DefaultTTLSeconds int64
	// DisableCache bypasses the in-process record cache, forcing every
	// verification to hit the store.
	DisableCache bool
	// Shared is an optional second-level record cache shared between
	// replicas. Mutations write through to it so revocations made by one
	// replica are seen by the others.
	Shared cache.Cache
	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager issues, verifies and administers API keys on top of a keystore.
//
// Verification is hot-path: records are cached in process and refreshed on
// store reads. Mutations (generate, revoke, set expiration, purge) write
// through to the store and update the cache, so a revocation takes effect on
// the next request even with caching enabled.
type Manager struct {
	store  keystore.Store
	shared cache.Cache
	log    *slog.Logger
	now    func() time.Time

	requireExp   bool
	allowNoExp   bool
	defaultTTL   int64
	disableCache bool

	mu    sync.RWMutex
	cache map[string]keystore.Record
}

// Shared cache entries are kept short-lived: a record changed out of band
// (directly in the store) becomes visible within this window.
const sharedCacheTTL = 5 * time.Minute

const sharedKeyPrefix = "routiium:authcache:"

// NewManager creates a Manager and warms its cache from the store. A failed
// warm-up is logged and tolerated: records load lazily on first use.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("auth: store must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		store:        opts.Store,
		shared:       opts.Shared,
		log:          log,
		now:          now,
		requireExp:   opts.RequireExpiration,
		allowNoExp:   opts.AllowNoExpiration,
		defaultTTL:   opts.DefaultTTLSeconds,
		disableCache: opts.DisableCache,
		cache:        make(map[string]keystore.Record),
	}

	// A shared cache replaces the in-process map: per-replica copies would
	// shadow revocations written by other replicas.
	if !m.disableCache && m.shared == nil {
		recs, err := m.store.List(ctx)
		if err != nil {
			log.Warn("key cache warmup failed", slog.String("error", err.Error()))
		} else {
			m.mu.Lock()
			for _, rec := range recs {
				m.cache[rec.ID] = rec
			}
			m.mu.Unlock()
		}
	}

	return m, nil
}

// GenerateParams are the caller-supplied options for a new key.
type GenerateParams struct {
	Label string
	// Scopes are opaque permission markers stored with the key and returned
	// on every valid verification.
	Scopes []string
	// ExpiresAt is an absolute unix-seconds expiration. Takes precedence
	// over TTLSeconds.
	ExpiresAt *int64
	// TTLSeconds is a relative lifetime from now. Must be positive.
	TTLSeconds *int64
}

// Generate mints a new key, persists its record and returns the one-time
// token together with the stored record.
//
// Expiration precedence: ExpiresAt, then TTLSeconds, then the configured
// default TTL. When policy requires an expiration and none resolves,
// ErrExpirationRequired is returned.
func (m *Manager) Generate(ctx context.Context, params GenerateParams) (string, keystore.Record, error) {
	nowUnix := m.now().Unix()

	var expiresAt *int64
	switch {
	case params.ExpiresAt != nil:
		if *params.ExpiresAt <= nowUnix {
			return "", keystore.Record{}, ErrPastExpiration
		}
		expiresAt = params.ExpiresAt
	case params.TTLSeconds != nil:
		if *params.TTLSeconds <= 0 {
			return "", keystore.Record{}, ErrInvalidTTL
		}
		v := nowUnix + *params.TTLSeconds
		expiresAt = &v
	case m.defaultTTL > 0:
		v := nowUnix + m.defaultTTL
		expiresAt = &v
	}

	if expiresAt == nil && m.requireExp && !m.allowNoExp {
		return "", keystore.Record{}, ErrExpirationRequired
	}

	id := NewKeyID()
	secretHex := NewSecretHex()
	saltHex := NewSaltHex()
	hashHex, err := HashSecret(saltHex, secretHex)
	if err != nil {
		return "", keystore.Record{}, err
	}

	rec := keystore.Record{
		ID:        id,
		SaltHex:   saltHex,
		HashHex:   hashHex,
		Label:     params.Label,
		Scopes:    params.Scopes,
		CreatedAt: nowUnix,
		ExpiresAt: expiresAt,
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return "", keystore.Record{}, err
	}
	m.cachePut(ctx, rec)

	m.log.Info("api_key_generated",
		slog.String("key_id", id),
		slog.Bool("expires", expiresAt != nil),
	)
	return FormatToken(id, secretHex), rec, nil
}

// Verify checks a presented token and returns its status. The record is
// returned for StatusValid, StatusRevoked and StatusExpired.
//
// Store read errors are treated as a missing record rather than surfaced:
// verification must never 500 the proxy path because of a flaky backend.
func (m *Manager) Verify(ctx context.Context, token string) (Status, keystore.Record) {
	id, secretHex, ok := ParseToken(token)
	if !ok {
		return StatusInvalid, keystore.Record{}
	}

	rec, found := m.lookup(ctx, id)
	if !found {
		return StatusNotFound, keystore.Record{}
	}

	if rec.Revoked() {
		return StatusRevoked, rec
	}
	if rec.Expired(m.now().Unix()) {
		return StatusExpired, rec
	}

	computed, err := HashSecret(rec.SaltHex, secretHex)
	if err != nil || !hashEqual(computed, rec.HashHex) {
		return StatusInvalid, keystore.Record{}
	}
	return StatusValid, rec
}

// Revoke marks a key revoked. Idempotent: revoking an already revoked key
// keeps the original revocation time.
func (m *Manager) Revoke(ctx context.Context, id string) (keystore.Record, error) {
	rec, err := m.store.Get(ctx, id)
	if errors.Is(err, keystore.ErrNotFound) {
		return keystore.Record{}, ErrKeyNotFound
	}
	if err != nil {
		return keystore.Record{}, err
	}
	if rec.RevokedAt == nil {
		now := m.now().Unix()
		rec.RevokedAt = &now
		if err := m.store.Put(ctx, rec); err != nil {
			return keystore.Record{}, err
		}
	}
	m.cachePut(ctx, rec)

	m.log.Info("api_key_revoked", slog.String("key_id", id))
	return rec, nil
}

// SetExpiration replaces the key's expiration. A nil expiresAt clears it,
// subject to the same policy as Generate.
func (m *Manager) SetExpiration(ctx context.Context, id string, expiresAt *int64) (keystore.Record, error) {
	if expiresAt != nil && *expiresAt <= m.now().Unix() {
		return keystore.Record{}, ErrPastExpiration
	}
	if expiresAt == nil && m.requireExp && !m.allowNoExp {
		return keystore.Record{}, ErrExpirationRequired
	}

	rec, err := m.store.Get(ctx, id)
	if errors.Is(err, keystore.ErrNotFound) {
		return keystore.Record{}, ErrKeyNotFound
	}
	if err != nil {
		return keystore.Record{}, err
	}

	rec.ExpiresAt = expiresAt
	if err := m.store.Put(ctx, rec); err != nil {
		return keystore.Record{}, err
	}
	m.cachePut(ctx, rec)
	return rec, nil
}

// List returns all stored records.
func (m *Manager) List(ctx context.Context) ([]keystore.Record, error) {
	return m.store.List(ctx)
}

// Purge removes records expired or revoked at or before cutoff and drops
// them from the in-process cache. Shared cache entries are left to age out:
// they still carry the expired/revoked markers, so verification rejects them
// either way.
func (m *Manager) Purge(ctx context.Context, cutoff int64) (int, error) {
	removed, err := m.store.Purge(ctx, cutoff)
	if err != nil {
		return removed, err
	}

	m.mu.Lock()
	for id, rec := range m.cache {
		expired := rec.ExpiresAt != nil && *rec.ExpiresAt <= cutoff
		revoked := rec.RevokedAt != nil && *rec.RevokedAt <= cutoff
		if expired || revoked {
			delete(m.cache, id)
		}
	}
	m.mu.Unlock()
	return removed, nil
}

func (m *Manager) lookup(ctx context.Context, id string) (keystore.Record, bool) {
	if !m.disableCache {
		if m.shared != nil {
			if data, ok := m.shared.Get(ctx, sharedKeyPrefix+id); ok {
				var rec keystore.Record
				if err := json.Unmarshal(data, &rec); err == nil {
					return rec, true
				}
			}
		} else {
			m.mu.RLock()
			rec, ok := m.cache[id]
			m.mu.RUnlock()
			if ok {
				return rec, true
			}
		}
	}

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, keystore.ErrNotFound) {
			m.log.Warn("key store read failed", slog.String("key_id", id), slog.String("error", err.Error()))
		}
		return keystore.Record{}, false
	}
	m.cachePut(ctx, rec)
	return rec, true
}

func (m *Manager) cachePut(ctx context.Context, rec keystore.Record) {
	if m.disableCache {
		return
	}
	if m.shared != nil {
		if data, err := json.Marshal(rec); err == nil {
			_ = m.shared.Set(ctx, sharedKeyPrefix+rec.ID, data, sharedCacheTTL)
		}
		return
	}
	m.mu.Lock()
	m.cache[rec.ID] = rec
	m.mu.Unlock()
}
