// Package cache implements the fingerprint-keyed response cache described
// in spec.md §4.5. It adapts gomind's orchestration.LRUCache (doubly linked
// list + map) to moecore.CacheEntry and adds the two things the teacher's
// cache never needed: single-flight build coalescing, so concurrent
// requests for the same fingerprint share one build instead of racing
// identical work, and an optional durable Redis-backed tier.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/theodoremui/moe-orchestrator/moecore"
)

// Backend is the storage tier a Cache delegates to. Implementations never
// need to know about singleflight coalescing; Cache handles that above
// the backend.
type Backend interface {
	Get(ctx context.Context, fingerprint string) (moecore.CacheEntry, bool, error)
	Put(ctx context.Context, entry moecore.CacheEntry) error
	Clear(ctx context.Context) error
}

// Stats mirrors orchestration.CacheStats, extended with single-flight
// coalescing counts since that is this cache's one real addition over the
// teacher's RoutingCache.
type Stats struct {
	Size       int
	Hits       int64
	Misses     int64
	Evictions  int64
	Coalesced  int64
	HitRate    float64
}

// Cache is the fingerprint -> FinalResponse lookup every orchestrator run
// consults before invoking the Selector/Executor/Mixer pipeline.
type Cache struct {
	backend Backend
	group   singleflight.Group
	enabled bool

	mu    sync.Mutex
	stats Stats

	log     moecore.Logger
	metrics moecore.Metrics
}

// New wraps backend behind single-flight coalescing and hit/miss counters.
// When enabled is false the Cache becomes a transparent no-op: Get always
// misses and Put/GetOrBuild never touch backend (spec.md §4.5
// cache_enabled=false mode).
func New(backend Backend, enabled bool, log moecore.Logger) *Cache {
	if log == nil {
		log = moecore.NoOpLogger{}
	}
	if caw, ok := log.(moecore.ComponentAwareLogger); ok {
		log = caw.WithComponent("moe/cache")
	}
	return &Cache{backend: backend, enabled: enabled, log: log, metrics: moecore.NoOpMetrics{}}
}

// WithMetrics attaches a Metrics recorder, returning the same Cache for
// chaining at construction time.
func (c *Cache) WithMetrics(m moecore.Metrics) *Cache {
	if m != nil {
		c.metrics = m
	}
	return c
}

// Fingerprint derives a stable cache key from a query's text and the set
// of expert IDs that would handle it, so two requests that would dispatch
// to different experts never collide on the same entry. Grounded on
// orchestration.SimpleCache.hashPrompt, extended with the expert ID set
// because this cache spans the whole pipeline, not just a single prompt.
func Fingerprint(queryText string, expertIDs []string) string {
	sorted := append([]string(nil), expertIDs...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(queryText))))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached response for fingerprint, if present and not
// expired. A cache miss is never an error.
func (c *Cache) Get(ctx context.Context, fingerprint string) (moecore.FinalResponse, bool) {
	if !c.enabled {
		return moecore.FinalResponse{}, false
	}

	entry, found, err := c.backend.Get(ctx, fingerprint)
	if err != nil {
		c.log.WarnWithContext(ctx, "cache backend get failed", map[string]interface{}{"error": err.Error()})
		c.recordMiss()
		return moecore.FinalResponse{}, false
	}
	if !found || entry.Expired(time.Now()) {
		c.recordMiss()
		return moecore.FinalResponse{}, false
	}

	c.recordHit()
	return entry.Response, true
}

// Put stores a successful response. Callers must never call Put for a
// failed pipeline run (spec.md §4.5 negative-caching rule: failures are
// never cached, so a transient expert outage self-heals on the next call
// instead of being pinned for the whole TTL).
func (c *Cache) Put(ctx context.Context, fingerprint string, resp moecore.FinalResponse, ttl time.Duration) {
	if !c.enabled {
		return
	}
	entry := moecore.CacheEntry{
		Fingerprint: fingerprint,
		Response:    resp,
		CreatedAt:   time.Now(),
		TTL:         ttl,
	}
	if err := c.backend.Put(ctx, entry); err != nil {
		c.log.WarnWithContext(ctx, "cache backend put failed", map[string]interface{}{"error": err.Error()})
	}
}

// GetOrBuild returns the cached response for fingerprint if present;
// otherwise it calls build exactly once across however many goroutines
// concurrently ask for the same fingerprint (golang.org/x/sync/singleflight),
// caches the result if build succeeds, and returns it to every waiter. A
// failed build is never cached and is returned verbatim to every waiter.
func (c *Cache) GetOrBuild(ctx context.Context, fingerprint string, ttl time.Duration, build func(ctx context.Context) (moecore.FinalResponse, error)) (moecore.FinalResponse, bool, error) {
	if resp, ok := c.Get(ctx, fingerprint); ok {
		return resp, true, nil
	}
	if !c.enabled {
		resp, err := build(ctx)
		return resp, false, err
	}

	v, err, shared := c.group.Do(fingerprint, func() (interface{}, error) {
		return build(ctx)
	})
	if shared {
		c.mu.Lock()
		c.stats.Coalesced++
		c.mu.Unlock()
		c.metrics.RecordCacheResult(false, true)
	}
	if err != nil {
		return moecore.FinalResponse{}, false, err
	}

	resp := v.(moecore.FinalResponse)
	c.Put(ctx, fingerprint, resp, ttl)
	return resp, false, nil
}

// GetOrBuildConditional behaves like GetOrBuild, but build decides for
// itself whether the result is cacheable (spec.md §4.5's negative-caching
// rule: a pipeline run where every expert failed must still be returned to
// the caller but never stored). Coalescing and hit/miss accounting are
// identical to GetOrBuild; only the caching decision differs.
func (c *Cache) GetOrBuildConditional(ctx context.Context, fingerprint string, ttl time.Duration, build func(ctx context.Context) (resp moecore.FinalResponse, cacheable bool, err error)) (moecore.FinalResponse, bool, error) {
	if resp, ok := c.Get(ctx, fingerprint); ok {
		return resp, true, nil
	}
	if !c.enabled {
		resp, _, err := build(ctx)
		return resp, false, err
	}

	type outcome struct {
		resp      moecore.FinalResponse
		cacheable bool
	}

	v, err, shared := c.group.Do(fingerprint, func() (interface{}, error) {
		resp, cacheable, buildErr := build(ctx)
		return outcome{resp: resp, cacheable: cacheable}, buildErr
	})
	if shared {
		c.mu.Lock()
		c.stats.Coalesced++
		c.mu.Unlock()
		c.metrics.RecordCacheResult(false, true)
	}
	if err != nil {
		return moecore.FinalResponse{}, false, err
	}

	out := v.(outcome)
	if out.cacheable {
		c.Put(ctx, fingerprint, out.resp, ttl)
	}
	return out.resp, false, nil
}

// Clear discards every cached entry.
func (c *Cache) Clear(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	return c.backend.Clear(ctx)
}

// Stats reports current hit/miss/coalescing counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	total := s.Hits + s.Misses
	if total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *Cache) recordHit() {
	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
	c.metrics.RecordCacheResult(true, false)
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
	c.metrics.RecordCacheResult(false, false)
}
