package peer

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"tgmonitor/internal/domain"
	"tgmonitor/internal/gateway"
	"tgmonitor/internal/logging"

	"golang.org/x/sync/singleflight"
)

// ClientFunc returns the live gateway client or nil when logged out.
type ClientFunc func() gateway.Client

type entry struct {
	kind domain.PeerKind
	peer domain.Peer
}

// Resolver caches peer entities by id and projects them into display identities.
// Concurrent misses for one id share a single gateway lookup.
type Resolver struct {
	mu      sync.RWMutex
	entries map[int64]entry
	group   singleflight.Group
	client  ClientFunc
	logger  *slog.Logger
}

// NewResolver creates an empty resolver.
// Params: client accessor and logger.
// Returns: resolver.
func NewResolver(client ClientFunc, logger *slog.Logger) *Resolver {
	return &Resolver{
		entries: make(map[int64]entry),
		client:  client,
		logger:  logging.Component(logger, "peer"),
	}
}

// Resolve returns the identity for id, fetching it through the gateway on a miss.
// Params: peer id.
// Returns: identity or nil when the lookup fails.
func (r *Resolver) Resolve(ctx context.Context, id int64) *domain.Identity {
	if identity, ok := r.cached(id); ok {
		return identity
	}

	value, err, _ := r.group.Do(strconv.FormatInt(id, 10), func() (any, error) {
		if identity, ok := r.cached(id); ok {
			return identity, nil
		}
		client := r.client()
		if client == nil {
			return nil, errors.New("no active client")
		}
		peer, err := client.GetEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		r.store(peer)
		identity := domain.IdentityOf(peer)
		return &identity, nil
	})
	if err != nil {
		r.logger.Warn("peer resolve failed", "peer_id", id, "error", err.Error())
		return nil
	}
	return value.(*domain.Identity)
}

func (r *Resolver) cached(id int64) (*domain.Identity, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	identity := domain.IdentityOf(e.peer)
	return &identity, true
}

func (r *Resolver) store(peer domain.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[peer.ID] = entry{kind: peer.Kind(), peer: peer}
}

// Prime bulk-inserts peers, typically the dialog list.
func (r *Resolver) Prime(peers []domain.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, peer := range peers {
		r.entries[peer.ID] = entry{kind: peer.Kind(), peer: peer}
	}
}

// Kind reports the cached kind for id.
func (r *Resolver) Kind(id int64) (domain.PeerKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.kind, ok
}

// Clear drops every cached peer.
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[int64]entry)
}

// Len returns the number of cached peers.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
