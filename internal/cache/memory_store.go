package cache

import (
	"context"
	"path"
	"sync"
	"time"

	"tgmonitor/internal/clock"
)

// MemoryStore keeps cache entries in process memory for single-instance mode.
// Params: entry map guarded by RWMutex and injected clock for expiry.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu      sync.RWMutex
	clock   clock.Clock
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// NewMemoryStore creates in-memory cache store.
// Params: clock (defaults to RealClock when nil).
// Returns: initialized in-memory store.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.RealClock{}
	}
	return &MemoryStore{
		clock:   c,
		entries: make(map[string]memoryEntry),
	}
}

// Get returns a live value.
// Params: cache key.
// Returns: value or ErrNotFound when absent/expired.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	entry, ok := s.lookup(key)
	if !ok {
		return "", ErrNotFound
	}
	return entry.value, nil
}

// lookup reads an entry and lazily evicts it once expired.
func (s *MemoryStore) lookup(key string) (memoryEntry, bool) {
	now := s.clock.Now()
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return memoryEntry{}, false
	}
	if entry.live(now) {
		return entry, true
	}

	s.mu.Lock()
	if current, ok := s.entries[key]; ok && !current.live(now) {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	return memoryEntry{}, false
}

// Set stores value with optional expiry.
// Params: key, value and ttl (<= 0 means no expiry).
// Returns: nil (in-memory update).
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.clock.Now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value, expiresAt: expiresAt}
	return nil
}

// Delete removes one key.
// Params: cache key.
// Returns: nil (missing keys are ignored).
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// DeletePattern removes keys matching a glob pattern.
// Params: pattern in path.Match syntax.
// Returns: number of removed keys or pattern error.
func (s *MemoryStore) DeletePattern(_ context.Context, pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.entries {
		if ok, _ := path.Match(pattern, key); ok {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Exists reports whether a live key is present.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := s.lookup(key)
	return ok, nil
}

// Expire resets the expiry of an existing key.
// Params: key and ttl (<= 0 clears expiry).
// Returns: false when key is absent.
func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || !entry.live(now) {
		delete(s.entries, key)
		return false, nil
	}
	entry.expiresAt = time.Time{}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	s.entries[key] = entry
	return true, nil
}

// TTL reports remaining lifetime in seconds.
// Params: cache key.
// Returns: seconds left, TTLNoExpiry or TTLMissing.
func (s *MemoryStore) TTL(_ context.Context, key string) (int64, error) {
	entry, ok := s.lookup(key)
	if !ok {
		return TTLMissing, nil
	}
	return remainingSeconds(s.clock.Now(), entry.expiresAt), nil
}

// FlushAll drops every entry.
func (s *MemoryStore) FlushAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]memoryEntry)
	return nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
