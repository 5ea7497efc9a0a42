package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key patterns
const (
	keyTriggerEvent = "bonus:trigger:%s"
)

// DefaultDedupeTTL bounds how long a processed trigger event is remembered
const DefaultDedupeTTL = 72 * time.Hour

// RedisDeduper remembers processed trigger events across replicas
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates Redis-backed deduper
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

// Claim marks key as processed. It returns false when another consumer
// already claimed it.
func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, fmt.Sprintf(keyTriggerEvent, key), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim event %s: %w", key, err)
	}
	return ok, nil
}

// Release forgets key so the event can be processed again
func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, fmt.Sprintf(keyTriggerEvent, key)).Err(); err != nil {
		return fmt.Errorf("failed to release event %s: %w", key, err)
	}
	return nil
}

// MemoryDeduper is the single-process deduper
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryDeduper creates in-process deduper
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &MemoryDeduper{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Claim marks key as processed unless it was claimed within the TTL
func (d *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return false, nil
	}
	d.seen[key] = now

	// Drop stale keys so the map does not grow without bound
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
		}
	}
	return true, nil
}

// Release forgets key
func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}
