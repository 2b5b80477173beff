// Package cache provides a namespaced key-value store with expiring entries
// and an atomic increment, backed by Redis. The backend is allowed to be
// absent or unreachable: every operation absorbs backend failures and reports
// them as a miss, so callers never need availability branching of their own.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultPrefix = "chat"

// Backend is the slice of the Redis command surface the store uses.
// *redis.Client and redis.UniversalClient both satisfy it.
type Backend interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Store wraps a Redis client under a fixed key prefix. A Store with a nil
// client is valid and treats every operation as a miss.
type Store struct {
	rdb    Backend
	prefix string
	logger zerolog.Logger
}

// New creates a Store. rdb may be nil when no cache backend is provisioned.
func New(rdb Backend, prefix string, logger zerolog.Logger) *Store {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix, logger: logger}
}

func (s *Store) key(key string) string {
	return s.prefix + ":" + key
}

// Get returns the raw value for key, or ok=false on miss, absent backend, or
// any backend failure.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	if s == nil || s.rdb == nil {
		return nil, false
	}
	val, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("cache get failed")
		}
		return nil, false
	}
	return val, true
}

// Set stores value under key with the given TTL. Returns false when the write
// did not happen, which callers may ignore.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if s == nil || s.rdb == nil {
		return false
	}
	if err := s.rdb.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
		return false
	}
	return true
}

// Delete removes key. A missing key counts as success.
func (s *Store) Delete(ctx context.Context, key string) bool {
	if s == nil || s.rdb == nil {
		return false
	}
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache delete failed")
		return false
	}
	return true
}

// Increment atomically increments the counter at key and returns the new
// value. The TTL is applied only when the increment created the key (the
// returned count is 1); later increments within the window leave the expiry
// untouched so the window can close. A failed expiry counts as a backend
// failure and removes the key. ok=false means the backend was absent or
// failed and the count is meaningless.
func (s *Store) Increment(ctx context.Context, key string, ttlOnFirst time.Duration) (int64, bool) {
	if s == nil || s.rdb == nil {
		return 0, false
	}
	k := s.key(key)
	count, err := s.rdb.Incr(ctx, k).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache increment failed")
		return 0, false
	}
	if count == 1 && ttlOnFirst > 0 {
		if err := s.rdb.Expire(ctx, k, ttlOnFirst).Err(); err != nil {
			// A counter without an expiry never resets its window. Drop
			// the key and report the backend degraded instead.
			s.logger.Warn().Err(err).Str("key", key).Msg("cache expire failed")
			if delErr := s.rdb.Del(ctx, k).Err(); delErr != nil {
				s.logger.Warn().Err(delErr).Str("key", key).Msg("cache delete after failed expire")
			}
			return 0, false
		}
	}
	return count, true
}
