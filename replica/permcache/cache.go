// Copyright (C) 2024 Bazaar Labs, Inc.
// See LICENSE for copying information.

// Package permcache caches control plane permission decisions per
// session token, so a chatty client does not turn every read into a
// control plane round trip.
package permcache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

// Error is the default permcache errs class.
var Error = errs.Class("permcache")

// Decision is what the control plane answered for one token.
type Decision struct {
	UserID uuid.UUID `json:"user_id"`
	Read   bool      `json:"read"`
	Write  bool      `json:"write"`
	Owner  bool      `json:"owner"`
}

// Source resolves a token to a permission decision.
type Source interface {
	Permissions(ctx context.Context, token string) (Decision, error)
}

// Cache is a TTL cache in front of a Source. Expired entries are
// evicted lazily on lookup.
type Cache struct {
	source Source
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	decision Decision
	expires  time.Time
}

// New creates a cache with the given entry lifetime.
func New(source Source, ttl time.Duration) *Cache {
	return &Cache{
		source:  source,
		ttl:     ttl,
		entries: map[string]entry{},
	}
}

// Get returns the cached decision for token, asking the source on a
// miss. Source errors are never cached.
func (cache *Cache) Get(ctx context.Context, token string) (_ Decision, err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now()

	cache.mu.Lock()
	if cached, ok := cache.entries[token]; ok {
		if now.Before(cached.expires) {
			cache.mu.Unlock()
			return cached.decision, nil
		}
		delete(cache.entries, token)
	}
	cache.mu.Unlock()

	decision, err := cache.source.Permissions(ctx, token)
	if err != nil {
		return Decision{}, err
	}

	cache.mu.Lock()
	cache.entries[token] = entry{decision: decision, expires: now.Add(cache.ttl)}
	cache.mu.Unlock()
	return decision, nil
}

// Invalidate drops the cached decision for token.
func (cache *Cache) Invalidate(token string) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	delete(cache.entries, token)
}
