package admission

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SlotStore is the shared counter backing admission control. Implementations
// must make TryAcquire a single atomic check-and-increment; a separate read
// followed by a write races across processes.
type SlotStore interface {
	// TryAcquire increments the counter for key iff it is below capacity,
	// refreshing the TTL on success.
	TryAcquire(ctx context.Context, key string, capacity int, ttl time.Duration) (bool, error)
	// Release decrements the counter and deletes the key once it reaches
	// zero, returning the remaining count.
	Release(ctx context.Context, key string) (int64, error)
	// Current returns the number of occupied slots for key.
	Current(ctx context.Context, key string) (int64, error)
}

// acquireScript atomically checks the counter against capacity and
// increments it, refreshing the expiry so a crashed holder cannot pin the
// slot forever.
var acquireScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local capacity = tonumber(ARGV[1])
if current < capacity then
	redis.call('INCR', KEYS[1])
	redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
	return 1
end
return 0`)

// releaseScript decrements and removes the key at or below zero so stale
// near-zero counters do not linger.
var releaseScript = redis.NewScript(`
local count = redis.call('DECR', KEYS[1])
if tonumber(count) <= 0 then
	redis.call('DEL', KEYS[1])
	return 0
end
return count`)

// redisStore is the cross-process SlotStore used in production.
type redisStore struct {
	client redis.Scripter
}

// NewRedisStore wraps a Redis client as a SlotStore.
func NewRedisStore(client *redis.Client) SlotStore {
	return &redisStore{client: client}
}

func (s *redisStore) TryAcquire(ctx context.Context, key string, capacity int, ttl time.Duration) (bool, error) {
	res, err := acquireScript.Run(ctx, s.client, []string{key}, capacity, int(ttl.Seconds())).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *redisStore) Release(ctx context.Context, key string) (int64, error) {
	return releaseScript.Run(ctx, s.client, []string{key}).Int64()
}

func (s *redisStore) Current(ctx context.Context, key string) (int64, error) {
	sc, ok := s.client.(redis.Cmdable)
	if !ok {
		return 0, nil
	}
	n, err := sc.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// memStore is a process-local SlotStore. It backs deployments without a
// shared store and the package tests; it provides the same floor-at-zero
// semantics minus the cross-process guarantee.
type memStore struct {
	mu    sync.Mutex
	slots map[string]int64
}

// NewMemStore returns an in-process SlotStore.
func NewMemStore() SlotStore {
	return &memStore{slots: make(map[string]int64)}
}

func (s *memStore) TryAcquire(_ context.Context, key string, capacity int, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots[key] >= int64(capacity) {
		return false, nil
	}
	s.slots[key]++
	return true, nil
}

func (s *memStore) Release(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.slots[key] - 1
	if n <= 0 {
		delete(s.slots, key)
		return 0, nil
	}
	s.slots[key] = n
	return n, nil
}

func (s *memStore) Current(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[key], nil
}
