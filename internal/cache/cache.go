// Package cache provides a small byte cache shared by gateway replicas.
//
// Its main consumer is the API key manager, which uses it as a second-level
// verify cache so that key mutations made by one replica (revocations,
// expiration changes) become visible to the others without a store round
// trip on every request.
//
// Two backends are available:
//   - RedisCache  — Redis-backed, for multi-replica deployments.
//   - MemoryCache — in-process TTL cache, zero external dependencies.
//
// Both implement the Cache interface so they are fully interchangeable.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
