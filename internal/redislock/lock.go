// Package redislock provides named short-TTL mutual exclusion backed by
// Redis SETNX. The TTL doubles as a deadlock breaker: callers must tolerate
// the lock silently expiring under them.
package redislock

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const pollInterval = 100 * time.Millisecond

// Locker acquires and releases named locks in Redis.
type Locker struct {
	rdb *redis.Client
}

// New connects to Redis and returns a Locker.
func New(redisURL string) (*Locker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Locker{rdb: rdb}, nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(rdb *redis.Client) *Locker {
	return &Locker{rdb: rdb}
}

// Close closes the underlying Redis connection.
func (l *Locker) Close() error {
	return l.rdb.Close()
}

// Acquire attempts to take the named lock, polling every 100 ms until ttl
// elapses. The key expires after ttl so a crashed holder cannot wedge the
// lock forever. Returns false when the lock could not be taken in time.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) bool {
	deadline := time.Now().Add(ttl)
	for time.Now().Before(deadline) {
		ok, err := l.rdb.SetNX(ctx, name, 1, ttl).Result()
		if err != nil {
			log.Printf("redislock: setnx %s failed: %v", name, err)
			return false
		}
		if ok {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
	return false
}

// Release deletes the lock key unconditionally.
func (l *Locker) Release(ctx context.Context, name string) {
	if err := l.rdb.Del(ctx, name).Err(); err != nil {
		log.Printf("redislock: release %s failed: %v", name, err)
	}
}

// SandboxLockName derives the lock name serialising sandbox creation for a
// (challenge, user) key. userID is nil for static challenges, which share
// one sandbox between all users.
func SandboxLockName(challengeID int64, userID *int64) string {
	if userID == nil {
		return fmt.Sprintf("sandbox_lock_%d", challengeID)
	}
	return fmt.Sprintf("sandbox_lock_%d_%d", challengeID, *userID)
}
