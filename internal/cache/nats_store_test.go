package cache

import (
	"context"
	"testing"
	"time"

	"tgmonitor/internal/config"
	"tgmonitor/test/testutil"
)

func TestEncodeKeyRoundTrip(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"keywords:all":                 "keywords=3Aall",
		"telegram:session:+8613800000": "telegram=3Asession=3A=2B8613800000",
		"a=b.c":                        "a=3Db=2Ec",
		"plain/key_1-2":                "plain/key_1-2",
	}
	for raw, want := range cases {
		got, err := encodeKey(raw)
		if err != nil || got != want {
			t.Fatalf("encodeKey(%q) = %q, %v; want %q", raw, got, err, want)
		}
		back, err := decodeKey(got)
		if err != nil || back != raw {
			t.Fatalf("decodeKey(%q) = %q, %v", got, back, err)
		}
	}
	if _, err := encodeKey(""); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := decodeKey("abc=4"); err == nil {
		t.Fatalf("expected error for truncated escape")
	}
}

func TestNATSStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	store, err := NewNATSStore(config.CacheConfig{URL: []string{url}, Bucket: "cache_test"}, nil)
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "keywords:all", `[{"id":1}]`, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "telegram:session:+15550001111", "blob", time.Hour); err != nil {
		t.Fatalf("set with ttl: %v", err)
	}

	value, err := store.Get(ctx, "keywords:all")
	if err != nil || value != `[{"id":1}]` {
		t.Fatalf("get: value=%q err=%v", value, err)
	}
	ttl, err := store.TTL(ctx, "telegram:session:+15550001111")
	if err != nil || ttl <= 3500 || ttl > 3600 {
		t.Fatalf("unexpected ttl %d err=%v", ttl, err)
	}

	removed, err := store.DeletePattern(ctx, "telegram:session:*")
	if err != nil || removed != 1 {
		t.Fatalf("delete pattern: removed=%d err=%v", removed, err)
	}
	if ok, _ := store.Exists(ctx, "telegram:session:+15550001111"); ok {
		t.Fatalf("session key must be removed")
	}

	if err := store.FlushAll(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := store.Get(ctx, "keywords:all"); err != ErrNotFound {
		t.Fatalf("expected not found after flush, got %v", err)
	}
}
