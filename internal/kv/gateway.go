// Package kv implements the KV Gateway of section 4.3: a thin facade
// over the storage substrate adding per-key TTL, prefix-only listing,
// and a small in-process read-through cache modelling the platform's
// edge cache (distinct from the HTTP Cache of section 4.4).
package kv

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"

	"github.com/cloudflare/miniflare-sub008/internal/kvstore"
)

// Error is the class for KV gateway failures.
var Error = errs.Class("kv")

type cacheEntry struct {
	entry    kvstore.Entry
	expireAt int64 // unix-millis
}

// Gateway is one KV namespace.
type Gateway struct {
	namespace string
	substrate kvstore.Store
	clock     kvstore.Clock
	cacheTTL  time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New constructs a KV Gateway backed by substrate. cacheTTL is the TTL
// of the read-through edge-cache model; zero disables it.
func New(namespace string, substrate kvstore.Store, clock kvstore.Clock, cacheTTL time.Duration) *Gateway {
	return &Gateway{
		namespace: namespace,
		substrate: substrate,
		clock:     clock,
		cacheTTL:  cacheTTL,
		cache:     make(map[string]cacheEntry),
	}
}

func (g *Gateway) cacheKey(key string) string { return g.namespace + "/" + key }

// Get returns the value for key, consulting the read-through cache
// first when enabled.
func (g *Gateway) Get(ctx context.Context, key string) (kvstore.Entry, bool, error) {
	if err := kvstore.ValidateKey(key); err != nil {
		return kvstore.Entry{}, false, err
	}
	now := g.clock()

	if g.cacheTTL > 0 {
		g.mu.Lock()
		if c, ok := g.cache[g.cacheKey(key)]; ok && now < c.expireAt {
			g.mu.Unlock()
			return c.entry, true, nil
		}
		g.mu.Unlock()
	}

	entry, ok, err := g.substrate.Get(ctx, []byte(key), false)
	if err != nil || !ok {
		return entry, ok, err
	}

	if g.cacheTTL > 0 {
		g.mu.Lock()
		g.cache[g.cacheKey(key)] = cacheEntry{entry: entry, expireAt: now + g.cacheTTL.Milliseconds()}
		g.mu.Unlock()
	}
	return entry, true, nil
}

// Put stores value for key with an optional TTL (seconds from now,
// mapped to an absolute expiration per section 4.3).
func (g *Gateway) Put(ctx context.Context, key string, value []byte, ttlSeconds int64, metadata kvstore.Metadata) error {
	if err := kvstore.ValidateKey(key); err != nil {
		return err
	}
	var expiration int64
	if ttlSeconds > 0 {
		expiration = g.clock()/1000 + ttlSeconds
	}
	if err := g.substrate.Put(ctx, []byte(key), kvstore.Entry{Value: value, Expiration: expiration, Metadata: metadata}); err != nil {
		return err
	}
	g.invalidate(key)
	return nil
}

// Delete removes key.
func (g *Gateway) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := g.substrate.Delete(ctx, []byte(key))
	g.invalidate(key)
	return ok, err
}

func (g *Gateway) invalidate(key string) {
	if g.cacheTTL <= 0 {
		return
	}
	g.mu.Lock()
	delete(g.cache, g.cacheKey(key))
	g.mu.Unlock()
}

// List performs prefix-only listing (section 4.3: "prefix-only
// listing"), i.e. delimiter/start/end are not exposed to KV callers.
func (g *Gateway) List(ctx context.Context, prefix, cursor string, limit int) (kvstore.ListResult, error) {
	return g.substrate.List(ctx, kvstore.ListOptions{Prefix: prefix, Cursor: cursor, Limit: limit}, false)
}
