package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tgmonitor/internal/logging"
)

// Logged adapts a Store to the best-effort contract used by sessions and keyword snapshots:
// failures are logged and swallowed, reads degrade to a miss.
type Logged struct {
	store  Store
	logger *slog.Logger
}

// NewLogged wraps store with failure logging.
// Params: backing store and logger.
// Returns: best-effort cache facade.
func NewLogged(store Store, logger *slog.Logger) *Logged {
	return &Logged{store: store, logger: logging.Component(logger, "cache")}
}

// Get returns the cached value and whether it was found.
func (l *Logged) Get(ctx context.Context, key string) (string, bool) {
	value, err := l.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			l.logger.Warn("cache get failed", "key", key, "error", err.Error())
		}
		return "", false
	}
	return value, true
}

// Set stores value; failures are only logged.
func (l *Logged) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := l.store.Set(ctx, key, value, ttl); err != nil {
		l.logger.Warn("cache set failed", "key", key, "error", err.Error())
	}
}

// Delete removes key; failures are only logged.
func (l *Logged) Delete(ctx context.Context, key string) {
	if err := l.store.Delete(ctx, key); err != nil {
		l.logger.Warn("cache delete failed", "key", key, "error", err.Error())
	}
}

// DeletePattern removes matching keys and returns how many were removed.
func (l *Logged) DeletePattern(ctx context.Context, pattern string) int {
	removed, err := l.store.DeletePattern(ctx, pattern)
	if err != nil {
		l.logger.Warn("cache delete pattern failed", "pattern", pattern, "error", err.Error())
	}
	return removed
}

// Exists reports key presence; errors read as absent.
func (l *Logged) Exists(ctx context.Context, key string) bool {
	ok, err := l.store.Exists(ctx, key)
	if err != nil {
		l.logger.Warn("cache exists failed", "key", key, "error", err.Error())
		return false
	}
	return ok
}

// Expire resets key expiry; errors read as absent.
func (l *Logged) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := l.store.Expire(ctx, key, ttl)
	if err != nil {
		l.logger.Warn("cache expire failed", "key", key, "error", err.Error())
		return false
	}
	return ok
}

// TTL returns remaining seconds; errors read as TTLMissing.
func (l *Logged) TTL(ctx context.Context, key string) int64 {
	ttl, err := l.store.TTL(ctx, key)
	if err != nil {
		l.logger.Warn("cache ttl failed", "key", key, "error", err.Error())
		return TTLMissing
	}
	return ttl
}

// FlushAll drops every key; failures are only logged.
func (l *Logged) FlushAll(ctx context.Context) {
	if err := l.store.FlushAll(ctx); err != nil {
		l.logger.Warn("cache flush failed", "error", err.Error())
	}
}

// Close closes the backing store.
func (l *Logged) Close() error {
	return l.store.Close()
}
