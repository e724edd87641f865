// Package dedup provides the Listener's job-id deduplication store: a
// bounded in-memory ring by default, or a Redis-backed Store when the
// Listener is one of a fleet sharing a dedup cache.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store reports and records whether a job id has already been dispatched.
type Store interface {
	// SeenBefore records id and reports whether it had already been seen.
	SeenBefore(ctx context.Context, id string) (bool, error)
	Close() error
}

const defaultRingSize = 256

// Ring is an in-memory least-recently-seen set bounded to a fixed capacity.
// It requires no persistent storage, matching the core's no-persisted-state
// constraint.
type Ring struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

// NewRing creates a Ring holding at most capacity entries. A non-positive
// capacity falls back to a sensible default.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultRingSize
	}
	return &Ring{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// SeenBefore reports whether id was already recorded, then records it.
func (r *Ring) SeenBefore(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[id]; ok {
		return true, nil
	}

	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.capacity {
		evict := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, evict)
	}
	return false, nil
}

// Close is a no-op; Ring holds no external resources.
func (r *Ring) Close() error { return nil }

// RedisStore backs SeenBefore with a Redis SETNX, letting a fleet of
// Listeners share one dedup cache cluster-wide.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisStore connects to addr and returns a Store whose entries expire
// after ttl.
func NewRedisStore(addr string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisStore{client: client, ttl: ttl, prefix: "fleetrunner:dedup:"}, nil
}

// SeenBefore uses SETNX semantics: the key is set only if absent, so a
// successful set means this call is the first to observe id.
func (s *RedisStore) SeenBefore(ctx context.Context, id string) (bool, error) {
	set, err := s.client.SetNX(ctx, s.prefix+id, "1", s.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
