// Package keystore provides pluggable persistence for API key records.
//
// A Record never contains key secrets — only the salted hash — so any backend
// (including a shared Redis) is safe to use without additional encryption.
package keystore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no record exists for the given id.
// Callers must distinguish it from backend errors: a missing key is an
// authentication outcome, a backend error is an operational one.
var ErrNotFound = errors.New("keystore: record not found")

// Record is the persisted form of one API key.
type Record struct {
	ID        string   `json:"id"`
	SaltHex   string   `json:"salt"`
	HashHex   string   `json:"hash"`
	Label     string   `json:"label,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	CreatedAt int64    `json:"created_at"`
	ExpiresAt *int64   `json:"expires_at,omitempty"`
	RevokedAt *int64   `json:"revoked_at,omitempty"`
}

// Expired reports whether the record is past its expiration at the given
// unix time. Records without expires_at never expire.
func (r Record) Expired(now int64) bool {
	return r.ExpiresAt != nil && now >= *r.ExpiresAt
}

// Revoked reports whether the record has been revoked.
func (r Record) Revoked() bool { return r.RevokedAt != nil }

// Store is the persistence interface for API key records.
//
// Put is an upsert. Get returns ErrNotFound for unknown ids. Purge removes
// records whose expires_at or revoked_at is at or before cutoff and returns
// how many were removed.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Purge(ctx context.Context, cutoff int64) (int, error)
	Close() error
}

// purgeable reports whether a record should be removed by Purge(cutoff).
func purgeable(rec Record, cutoff int64) bool {
	if rec.ExpiresAt != nil && *rec.ExpiresAt <= cutoff {
		return true
	}
	if rec.RevokedAt != nil && *rec.RevokedAt <= cutoff {
		return true
	}
	return false
}
