package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"tgmonitor/internal/clock"
	"tgmonitor/internal/config"

	"github.com/nats-io/nats.go"
)

// minMessageTTL is the smallest per-message TTL JetStream accepts.
const minMessageTTL = time.Second

// NATSStore persists cache entries in one JetStream KV bucket.
// Params: NATS connection, JetStream context, bucket handle and clock.
// Returns: KV-backed cache implementation shared across instances.
type NATSStore struct {
	nc            *nats.Conn
	js            nats.JetStreamContext
	kv            nats.KeyValue
	clock         clock.Clock
	subjectPrefix string
}

// envelope wraps a value with its absolute expiry so TTL can be answered without stream metadata.
type envelope struct {
	Value     string `json:"v"`
	ExpiresMS int64  `json:"exp,omitempty"`
}

func (e envelope) expiresAt() time.Time {
	if e.ExpiresMS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.ExpiresMS).UTC()
}

// NewNATSStore opens (or creates) the cache bucket.
// Params: cache settings and clock (defaults to RealClock).
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.CacheConfig, c clock.Clock) (*NATSStore, error) {
	if c == nil {
		c = clock.RealClock{}
	}
	nc, err := nats.Connect(strings.Join(settings.URL, ","), nats.Name("tgmonitor-cache"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(settings.Bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: settings.Bucket})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create cache bucket %q: %w", settings.Bucket, err)
		}
	}
	if err := enableBucketPerMessageTTL(js, settings.Bucket); err != nil {
		nc.Close()
		return nil, fmt.Errorf("enable per-message ttl on cache bucket: %w", err)
	}

	return &NATSStore{
		nc:            nc,
		js:            js,
		kv:            kv,
		clock:         c,
		subjectPrefix: "$KV." + settings.Bucket + ".",
	}, nil
}

// enableBucketPerMessageTTL ensures underlying KV stream allows Nats-TTL header.
// Params: JetStream context and KV bucket name.
// Returns: stream update error when config cannot be applied.
func enableBucketPerMessageTTL(js nats.JetStreamContext, bucket string) error {
	info, err := js.StreamInfo("KV_" + bucket)
	if err != nil {
		return err
	}
	if info.Config.AllowMsgTTL {
		return nil
	}
	cfg := info.Config
	cfg.AllowMsgTTL = true
	if cfg.SubjectDeleteMarkerTTL == 0 {
		cfg.SubjectDeleteMarkerTTL = 5 * time.Minute
	}
	_, err = js.UpdateStream(&cfg)
	return err
}

// Get returns a live value.
// Params: cache key.
// Returns: value or ErrNotFound when absent/expired.
func (s *NATSStore) Get(ctx context.Context, key string) (string, error) {
	env, err := s.read(ctx, key)
	if err != nil {
		return "", err
	}
	return env.Value, nil
}

// read fetches and decodes the envelope, deleting it once expired.
func (s *NATSStore) read(ctx context.Context, key string) (envelope, error) {
	encoded, err := encodeKey(key)
	if err != nil {
		return envelope{}, err
	}
	entry, err := s.kv.Get(encoded)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return envelope{}, ErrNotFound
		}
		return envelope{}, fmt.Errorf("get %q: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return envelope{}, fmt.Errorf("decode %q: %w", key, err)
	}
	if exp := env.expiresAt(); !exp.IsZero() && !s.clock.Now().Before(exp) {
		_ = s.Delete(ctx, key)
		return envelope{}, ErrNotFound
	}
	return env, nil
}

// Set stores value with optional expiry.
// Params: key, value and ttl (<= 0 means no expiry).
// Returns: encode/publish error.
func (s *NATSStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	encoded, err := encodeKey(key)
	if err != nil {
		return err
	}
	env := envelope{Value: value}
	if ttl > 0 {
		env.ExpiresMS = s.clock.Now().Add(ttl).UnixMilli()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}

	if ttl <= 0 {
		if _, err := s.kv.Put(encoded, body); err != nil {
			return fmt.Errorf("put %q: %w", key, err)
		}
		return nil
	}

	if ttl < minMessageTTL {
		ttl = minMessageTTL
	}
	msg := nats.NewMsg(s.subjectPrefix + encoded)
	msg.Data = body
	msg.Header = nats.Header{
		"Nats-TTL": []string{strconv.FormatInt(ttl.Milliseconds(), 10) + "ms"},
	}
	if _, err := s.js.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %q: %w", key, err)
	}
	return nil
}

// Delete removes one key.
// Params: cache key.
// Returns: delete error (missing keys are ignored).
func (s *NATSStore) Delete(_ context.Context, key string) error {
	encoded, err := encodeKey(key)
	if err != nil {
		return err
	}
	if err := s.kv.Delete(encoded); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// DeletePattern removes keys matching a glob pattern.
// Params: pattern in path.Match syntax, matched against decoded keys.
// Returns: number of removed keys or list/delete error.
func (s *NATSStore) DeletePattern(ctx context.Context, pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, err
	}
	keys, err := s.keys()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		if ok, _ := path.Match(pattern, key); !ok {
			continue
		}
		if err := s.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// keys lists decoded keys currently in the bucket.
func (s *NATSStore) keys() ([]string, error) {
	encoded, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]string, 0, len(encoded))
	for _, raw := range encoded {
		key, err := decodeKey(raw)
		if err != nil {
			continue
		}
		out = append(out, key)
	}
	return out, nil
}

// Exists reports whether a live key is present.
func (s *NATSStore) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.read(ctx, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Expire rewrites an existing key with a new expiry.
// Params: key and ttl (<= 0 clears expiry).
// Returns: false when key is absent.
func (s *NATSStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	env, err := s.read(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.Set(ctx, key, env.Value, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// TTL reports remaining lifetime in seconds.
// Params: cache key.
// Returns: seconds left, TTLNoExpiry or TTLMissing.
func (s *NATSStore) TTL(ctx context.Context, key string) (int64, error) {
	env, err := s.read(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TTLMissing, nil
		}
		return 0, err
	}
	return remainingSeconds(s.clock.Now(), env.expiresAt()), nil
}

// FlushAll purges every key in the bucket.
func (s *NATSStore) FlushAll(ctx context.Context) error {
	keys, err := s.keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// encodeKey maps an arbitrary key onto the KV key alphabet; other bytes become =XX.
// Params: raw cache key.
// Returns: encoded key or error for empty input.
func encodeKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("cache key must not be empty")
	}
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if isPlainKeyByte(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "=%02X", c)
	}
	return b.String(), nil
}

// decodeKey reverses encodeKey.
func decodeKey(encoded string) (string, error) {
	var b strings.Builder
	b.Grow(len(encoded))
	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		if c != '=' {
			b.WriteByte(c)
			continue
		}
		if i+3 > len(encoded) {
			return "", fmt.Errorf("truncated escape in key %q", encoded)
		}
		value, err := strconv.ParseUint(encoded[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("bad escape in key %q: %w", encoded, err)
		}
		b.WriteByte(byte(value))
		i += 2
	}
	return b.String(), nil
}

func isPlainKeyByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '_', c == '/':
		return true
	default:
		return false
	}
}
