package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/m0rjc/WatchBridge/internal/db"
)

var (
	// ErrLockNotAcquired is returned when a lock cannot be acquired
	ErrLockNotAcquired = errors.New("lock not acquired")

	// ErrLockNotHeld is returned when trying to release a lock that is not held
	ErrLockNotHeld = errors.New("lock not held")
)

const (
	releaseScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`

	extendScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
)

// RedisLock provides distributed locking using Redis.
// Implements a simple lock mechanism with TTL for safety.
type RedisLock struct {
	redis *db.RedisClient
	key   string
	owner string
	ttl   time.Duration
}

// NewRedisLock creates a lock on key held as owner. The key prefix of the
// RedisClient is applied.
func NewRedisLock(redis *db.RedisClient, key, owner string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		redis: redis,
		key:   key,
		owner: owner,
		ttl:   ttl,
	}
}

// Key returns the unprefixed lock key.
func (l *RedisLock) Key() string {
	return l.key
}

// Acquire attempts to acquire the lock.
// Returns ErrLockNotAcquired if the lock is already held by another owner.
// Acquiring a lock this owner already holds refreshes its TTL.
func (l *RedisLock) Acquire(ctx context.Context) error {
	// Use SET NX (set if not exists) with expiry
	ok, err := l.redis.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	if ok {
		return nil
	}

	// A previous session that was never released is still ours.
	if err := l.Extend(ctx, l.ttl); err == nil {
		return nil
	} else if !errors.Is(err, ErrLockNotHeld) {
		return err
	}
	return ErrLockNotAcquired
}

// Release releases the lock.
// Returns ErrLockNotHeld if the lock is not held by this owner.
// Uses Lua script to ensure atomic check-and-delete.
func (l *RedisLock) Release(ctx context.Context) error {
	result, err := l.redis.Eval(ctx, releaseScript, []string{l.key}, l.owner).Int64()
	if err != nil {
		return fmt.Errorf("redis eval failed: %w", err)
	}

	// Result is 1 if deleted, 0 if not found or owner didn't match
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// TryAcquire attempts to acquire the lock, returning immediately.
// Returns true if acquired, false if not available (non-error case).
func (l *RedisLock) TryAcquire(ctx context.Context) (bool, error) {
	err := l.Acquire(ctx)
	if errors.Is(err, ErrLockNotAcquired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Extend extends the lock TTL.
// Returns ErrLockNotHeld if the lock is not held by this owner.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := l.redis.Eval(ctx, extendScript, []string{l.key}, l.owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis eval failed: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}
