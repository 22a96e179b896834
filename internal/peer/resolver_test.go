package peer

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"tgmonitor/internal/domain"
	"tgmonitor/internal/gateway"
	"tgmonitor/internal/gateway/gatewaytest"
	"tgmonitor/internal/logging"

	"github.com/google/go-cmp/cmp"
)

func strptr(s string) *string { return &s }

func connectedClient(t *testing.T, account *gatewaytest.Account) gateway.Client {
	t.Helper()

	client, err := gatewaytest.NewDialer(account).Dial(context.Background(), account.Phone)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return client
}

func TestResolveFetchesAndCaches(t *testing.T) {
	t.Parallel()

	account := gatewaytest.NewAccount("+15550001111")
	account.AddPeer(domain.Peer{ID: 42, FirstName: strptr("Ann"), LastName: "Lee", Username: "ann", Usernames: []string{"ann", "ann_alt"}})
	client := connectedClient(t, account)
	resolver := NewResolver(func() gateway.Client { return client }, logging.Discard())

	got := resolver.Resolve(context.Background(), 42)
	want := &domain.Identity{ID: 42, Title: "Ann Lee", PrimaryUsername: "ann", Usernames: []string{"ann", "ann_alt"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("identity mismatch (-want +got):\n%s", diff)
	}
	if kind, ok := resolver.Kind(42); !ok || kind != domain.PeerUser {
		t.Fatalf("expected cached user kind, got %v %v", kind, ok)
	}

	_ = resolver.Resolve(context.Background(), 42)
	entityCalls := 0
	for _, call := range account.Calls() {
		if call == "entity" {
			entityCalls++
		}
	}
	if entityCalls != 1 {
		t.Fatalf("expected one gateway lookup, got %d", entityCalls)
	}
}

func TestResolveFailureReturnsNil(t *testing.T) {
	t.Parallel()

	account := gatewaytest.NewAccount("+15550001111")
	client := connectedClient(t, account)
	resolver := NewResolver(func() gateway.Client { return client }, logging.Discard())
	if got := resolver.Resolve(context.Background(), 7); got != nil {
		t.Fatalf("unknown peer must resolve to nil, got %+v", got)
	}
	if resolver.Len() != 0 {
		t.Fatalf("failures must not be cached")
	}

	loggedOut := NewResolver(func() gateway.Client { return nil }, logging.Discard())
	if got := loggedOut.Resolve(context.Background(), 7); got != nil {
		t.Fatalf("resolve without client must be nil")
	}
}

func TestPrimeAndClear(t *testing.T) {
	t.Parallel()

	resolver := NewResolver(func() gateway.Client { return nil }, logging.Discard())
	resolver.Prime([]domain.Peer{
		{ID: -1001, Title: "News", Username: "news", Broadcast: true},
		{ID: 5, FirstName: strptr("Bob")},
	})
	if resolver.Len() != 2 {
		t.Fatalf("expected 2 primed peers, got %d", resolver.Len())
	}
	got := resolver.Resolve(context.Background(), -1001)
	if got == nil || got.Title != "News" || got.PrimaryUsername != "news" {
		t.Fatalf("primed chat must resolve from cache, got %+v", got)
	}
	if kind, _ := resolver.Kind(-1001); kind != domain.PeerChat {
		t.Fatalf("expected chat kind")
	}

	resolver.Clear()
	if resolver.Len() != 0 || resolver.Resolve(context.Background(), 5) != nil {
		t.Fatalf("clear must drop every peer")
	}
}

type countingClient struct {
	gateway.Client
	calls atomic.Int32
	gate  chan struct{}
}

func (c *countingClient) GetEntity(_ context.Context, id int64) (domain.Peer, error) {
	c.calls.Add(1)
	<-c.gate
	return domain.Peer{ID: id, Title: "Group"}, nil
}

func TestConcurrentMissesShareLookup(t *testing.T) {
	t.Parallel()

	client := &countingClient{gate: make(chan struct{})}
	resolver := NewResolver(func() gateway.Client { return client }, logging.Discard())

	var wg sync.WaitGroup
	results := make([]*domain.Identity, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = resolver.Resolve(context.Background(), -100)
		}(i)
	}
	for client.calls.Load() == 0 {
		runtime.Gosched()
	}
	close(client.gate)
	wg.Wait()

	for i, identity := range results {
		if identity == nil || identity.Title != "Group" {
			t.Fatalf("result %d unexpected %+v", i, identity)
		}
	}
	if calls := client.calls.Load(); calls != 1 {
		t.Fatalf("unexpected lookup count %d", calls)
	}
}
