// Package cache implements the response cache (spec component C3): a
// key→payload store with a single configured TTL, backed by the durable KV
// store adapter, with per-endpoint hit/miss counters.
package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/skygateio/skygate/internal/gwerrors"
	"github.com/skygateio/skygate/internal/telemetry"
)

// backingStore is the subset of internal/store's Store this package needs.
type backingStore interface {
	CacheGet(ctx context.Context, key string) (payload []byte, expiry time.Time, ok bool, err error)
	CachePut(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

// Cache is the TTL response cache.
type Cache struct {
	store   backingStore
	ttl     time.Duration
	hits    atomic.Int64
	misses  atomic.Int64
}

// New creates a Cache with the given default TTL.
func New(store backingStore, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl}
}

// Key builds the canonical cache key "{endpoint}:{params-normalised}" per
// spec §4.3: query parameters are sorted by name so that identical
// parameter sets in different insertion orders produce the same key.
func Key(endpoint string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(endpoint)
	b.WriteByte(':')
	for i, name := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		fmt.Fprintf(&b, "%s=%s", name, params[name])
	}
	return b.String()
}

// Get returns the cached payload for key, or gwerrors.ErrCacheMiss if the
// entry is absent or its stored expiry has already passed. The store's
// background TTL reaper is not trusted to have run by the time of read.
func (c *Cache) Get(ctx context.Context, endpoint, key string) ([]byte, error) {
	payload, expiry, ok, err := c.store.CacheGet(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok || time.Now().After(expiry) {
		telemetry.CacheMissesTotal.WithLabelValues(endpoint).Inc()
		c.misses.Add(1)
		return nil, gwerrors.ErrCacheMiss
	}

	telemetry.CacheHitsTotal.WithLabelValues(endpoint).Inc()
	c.hits.Add(1)
	return payload, nil
}

// Stats returns the cache's cumulative hit and miss counts across all
// endpoints, for the /stats operational endpoint.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Put unconditionally stores payload under key with the cache's configured
// TTL. Callers must never call Put for a failed upstream call — the cache
// is negative-result oblivious (spec §4.3).
func (c *Cache) Put(ctx context.Context, key string, payload []byte) error {
	return c.store.CachePut(ctx, key, payload, c.ttl)
}
