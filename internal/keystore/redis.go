package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "routiium:keys:"

// RedisStore persists records as JSON strings under a shared key prefix, so
// multiple gateway instances can serve the same key set.
//
// List and Purge use KEYS, which is O(N) over the whole keyspace. That is
// acceptable for admin-triggered operations on a dedicated Redis; do not point
// this store at a Redis shared with large unrelated datasets.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already-connected Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keystore: marshal %s: %w", rec.ID, err)
	}
	if err := s.rdb.Set(ctx, redisKeyPrefix+rec.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("keystore: redis set %s: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	data, err := s.rdb.Get(ctx, redisKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("keystore: redis get %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("keystore: parse %s: %w", id, err)
	}
	return rec, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	keys, err := s.rdb.Keys(ctx, redisKeyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("keystore: redis keys: %w", err)
	}
	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue // removed between KEYS and GET
		}
		if err != nil {
			return nil, fmt.Errorf("keystore: redis get %s: %w", key, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("keystore: parse %s: %w", strings.TrimPrefix(key, redisKeyPrefix), err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Purge(ctx context.Context, cutoff int64) (int, error) {
	recs, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range recs {
		if !purgeable(rec, cutoff) {
			continue
		}
		if err := s.rdb.Del(ctx, redisKeyPrefix+rec.ID).Err(); err != nil {
			return removed, fmt.Errorf("keystore: redis del %s: %w", rec.ID, err)
		}
		removed++
	}
	return removed, nil
}

func (s *RedisStore) Close() error { return nil }
