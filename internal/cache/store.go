package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates an absent or expired key.
var ErrNotFound = errors.New("cache key not found")

const (
	// TTLNoExpiry is reported by TTL for keys stored without expiry.
	TTLNoExpiry int64 = -1
	// TTLMissing is reported by TTL for absent keys.
	TTLMissing int64 = -2
)

// Store is a string key/value cache with optional per-key expiry.
// Params: keys are arbitrary strings; ttl <= 0 stores without expiry.
// Returns: backend-specific persistence behavior.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePattern(ctx context.Context, pattern string) (int, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (int64, error)
	FlushAll(ctx context.Context) error
	Close() error
}

// remainingSeconds converts an expiry instant into whole seconds left.
func remainingSeconds(now, expiresAt time.Time) int64 {
	if expiresAt.IsZero() {
		return TTLNoExpiry
	}
	left := expiresAt.Sub(now)
	if left <= 0 {
		return TTLMissing
	}
	return int64((left + time.Second - 1) / time.Second)
}
