// Package activity tracks per-user activity signals used to enrich
// eligibility contexts: login streaks and the last time a user was seen.
package activity

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key patterns
const (
	keyLastSeen = "bonus:activity:%s:last_seen"
	keyStreak   = "bonus:activity:%s:streak" // hash: day, count

	fieldDay   = "day"
	fieldCount = "count"
)

const (
	// DefaultLastSeenTTL keeps last activity long enough for winback windows
	DefaultLastSeenTTL = 365 * 24 * time.Hour

	// a streak is broken after one missed day
	streakTTL = 48 * time.Hour

	dayLayout       = "2006-01-02"
	maxWatchRetries = 5
)

// NextStreak returns the streak length after a login on day now, given the
// day of the previous login and the streak length at that time
func NextStreak(lastDay string, count int, now time.Time) int {
	today := now.UTC().Format(dayLayout)
	switch lastDay {
	case today:
		if count < 1 {
			return 1
		}
		return count
	case now.UTC().AddDate(0, 0, -1).Format(dayLayout):
		return count + 1
	default:
		return 1
	}
}

// RedisTracker keeps activity signals in Redis so every replica sees them
type RedisTracker struct {
	client      *redis.Client
	lastSeenTTL time.Duration
}

// NewRedisTracker creates Redis-backed tracker
func NewRedisTracker(client *redis.Client, lastSeenTTL time.Duration) *RedisTracker {
	if lastSeenTTL <= 0 {
		lastSeenTTL = DefaultLastSeenTTL
	}
	return &RedisTracker{client: client, lastSeenTTL: lastSeenTTL}
}

// RecordLogin registers a login at and returns the consecutive-day streak
// including it
func (t *RedisTracker) RecordLogin(ctx context.Context, userID string, at time.Time) (int, error) {
	key := fmt.Sprintf(keyStreak, userID)

	var days int
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, fieldDay, fieldCount).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		lastDay, _ := vals[0].(string)
		count := 0
		if s, ok := vals[1].(string); ok {
			count, _ = strconv.Atoi(s)
		}
		days = NextStreak(lastDay, count, at)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldDay, at.UTC().Format(dayLayout), fieldCount, days)
			pipe.Expire(ctx, key, streakTTL)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := t.client.Watch(ctx, txf, key)
		if err == nil {
			return days, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return 0, fmt.Errorf("failed to record login for %s: %w", userID, err)
	}
	return 0, fmt.Errorf("failed to record login for %s: streak key contended", userID)
}

// Touch stores at as the user's last activity and returns the previous one,
// nil when the user was not seen before
func (t *RedisTracker) Touch(ctx context.Context, userID string, at time.Time) (*time.Time, error) {
	key := fmt.Sprintf(keyLastSeen, userID)

	pipe := t.client.Pipeline()
	prevCmd := pipe.Get(ctx, key)
	pipe.Set(ctx, key, at.Unix(), t.lastSeenTTL)

	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to touch activity for %s: %w", userID, err)
	}

	ts, err := prevCmd.Int64()
	if err != nil {
		return nil, nil
	}
	prev := time.Unix(ts, 0).UTC()
	return &prev, nil
}

// MemoryTracker is the single-process tracker
type MemoryTracker struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	streaks  map[string]streak
}

type streak struct {
	day   string
	count int
}

// NewMemoryTracker creates in-process tracker
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		lastSeen: make(map[string]time.Time),
		streaks:  make(map[string]streak),
	}
}

// RecordLogin registers a login at and returns the streak including it
func (t *MemoryTracker) RecordLogin(_ context.Context, userID string, at time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.streaks[userID]
	days := NextStreak(s.day, s.count, at)
	t.streaks[userID] = streak{day: at.UTC().Format(dayLayout), count: days}
	return days, nil
}

// Touch stores at as the last activity and returns the previous one
func (t *MemoryTracker) Touch(_ context.Context, userID string, at time.Time) (*time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.lastSeen[userID]
	t.lastSeen[userID] = at.UTC()
	if !ok {
		return nil, nil
	}
	return &prev, nil
}
