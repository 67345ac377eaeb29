package internal

import (
	"context"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/google/uuid"
	"github.com/lychee-technology/cardbase"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CacheResult is the tri-state outcome of a cache lookup.
type CacheResult int

const (
	// CacheUnknown means the cache has nothing to say; ask the store.
	CacheUnknown CacheResult = iota
	// CacheHit carries the cached card.
	CacheHit
	// CacheMiss means the card is known not to exist.
	CacheMiss
)

// CardCache is a read-through cache with negative entries, addressed by id
// and by slug@version.
type CardCache interface {
	GetByID(ctx context.Context, id uuid.UUID) (*cardbase.Card, CacheResult, error)
	GetBySlug(ctx context.Context, slug, version string) (*cardbase.Card, CacheResult, error)
	Set(ctx context.Context, card *cardbase.Card) error
	SetMissingID(ctx context.Context, id uuid.UUID) error
	SetMissingSlug(ctx context.Context, slug, version string) error
	Unset(ctx context.Context, card *cardbase.Card) error
}

func idKey(id uuid.UUID) string {
	return "id:" + id.String()
}

func slugKey(slug, version string) string {
	return "slug:" + slug + "@" + version
}

type cacheEntry struct {
	// card is nil for negative entries
	card    *cardbase.Card
	expires time.Time
}

// MemoryCache is an in-process CardCache bounded by entry count and TTL.
type MemoryCache struct {
	mu      sync.Mutex
	entries *lru.Cache
	ttl     time.Duration
	nowFunc func() time.Time
}

func NewMemoryCache(maxEntries int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: lru.New(maxEntries),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

func (c *MemoryCache) withClock(now func() time.Time) {
	if now == nil {
		return
	}
	c.nowFunc = now
}

func (c *MemoryCache) get(key string) (*cardbase.Card, CacheResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.entries.Get(key)
	if !ok {
		return nil, CacheUnknown
	}
	entry := v.(cacheEntry)
	if c.ttl > 0 && !c.nowFunc().Before(entry.expires) {
		c.entries.Remove(key)
		return nil, CacheUnknown
	}
	if entry.card == nil {
		return nil, CacheMiss
	}
	return entry.card.Clone(), CacheHit
}

func (c *MemoryCache) put(card *cardbase.Card, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := cacheEntry{card: card, expires: c.nowFunc().Add(c.ttl)}
	for _, key := range keys {
		c.entries.Add(key, entry)
	}
}

func (c *MemoryCache) GetByID(_ context.Context, id uuid.UUID) (*cardbase.Card, CacheResult, error) {
	card, res := c.get(idKey(id))
	return card, res, nil
}

func (c *MemoryCache) GetBySlug(_ context.Context, slug, version string) (*cardbase.Card, CacheResult, error) {
	card, res := c.get(slugKey(slug, version))
	return card, res, nil
}

func (c *MemoryCache) Set(_ context.Context, card *cardbase.Card) error {
	if card == nil {
		return nil
	}
	c.put(card.Clone(), idKey(card.ID), slugKey(card.Slug, card.Version))
	return nil
}

func (c *MemoryCache) SetMissingID(_ context.Context, id uuid.UUID) error {
	c.put(nil, idKey(id))
	return nil
}

func (c *MemoryCache) SetMissingSlug(_ context.Context, slug, version string) error {
	c.put(nil, slugKey(slug, version))
	return nil
}

func (c *MemoryCache) Unset(_ context.Context, card *cardbase.Card) error {
	if card == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(idKey(card.ID))
	c.entries.Remove(slugKey(card.Slug, card.Version))
	return nil
}

// Len reports the number of live and expired entries held.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// guardedCache degrades cache failures to CacheUnknown and bypasses the
// cache while the breaker is open. Invalidations are always attempted.
type guardedCache struct {
	inner   CardCache
	breaker *cacheBreaker
}

func newGuardedCache(inner CardCache, breaker *cacheBreaker) *guardedCache {
	return &guardedCache{inner: inner, breaker: breaker}
}

func (g *guardedCache) record(op string, err error) {
	if err == nil {
		g.breaker.success()
		return
	}
	if g.breaker.failure(op) {
		zap.S().Warnw("cache breaker tripped, reading from the store", "op", op, "error", err)
		return
	}
	zap.S().Warnw("cache operation failed", "op", op, "error", err)
}

func (g *guardedCache) status() cardbase.CacheStatus {
	return g.breaker.status()
}

func (g *guardedCache) GetByID(ctx context.Context, id uuid.UUID) (*cardbase.Card, CacheResult, error) {
	if g.breaker.open() {
		return nil, CacheUnknown, nil
	}
	card, res, err := g.inner.GetByID(ctx, id)
	g.record("getById", err)
	if err != nil {
		return nil, CacheUnknown, nil
	}
	return card, res, nil
}

func (g *guardedCache) GetBySlug(ctx context.Context, slug, version string) (*cardbase.Card, CacheResult, error) {
	if g.breaker.open() {
		return nil, CacheUnknown, nil
	}
	card, res, err := g.inner.GetBySlug(ctx, slug, version)
	g.record("getBySlug", err)
	if err != nil {
		return nil, CacheUnknown, nil
	}
	return card, res, nil
}

func (g *guardedCache) Set(ctx context.Context, card *cardbase.Card) error {
	if g.breaker.open() {
		return nil
	}
	g.record("set", g.inner.Set(ctx, card))
	return nil
}

func (g *guardedCache) SetMissingID(ctx context.Context, id uuid.UUID) error {
	if g.breaker.open() {
		return nil
	}
	g.record("setMissingId", g.inner.SetMissingID(ctx, id))
	return nil
}

func (g *guardedCache) SetMissingSlug(ctx context.Context, slug, version string) error {
	if g.breaker.open() {
		return nil
	}
	g.record("setMissingSlug", g.inner.SetMissingSlug(ctx, slug, version))
	return nil
}

func (g *guardedCache) Unset(ctx context.Context, card *cardbase.Card) error {
	g.record("unset", g.inner.Unset(ctx, card))
	return nil
}

type cardReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*cardbase.Card, error)
	GetBySlug(ctx context.Context, slug, version string) (*cardbase.Card, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*cardbase.Card, error)
}

// cardLookup reads cards through the cache, filling it on the way back and
// coalescing concurrent loads of the same key.
type cardLookup struct {
	cache CardCache
	store cardReader
	group singleflight.Group
}

func newCardLookup(cache CardCache, store cardReader) *cardLookup {
	return &cardLookup{cache: cache, store: store}
}

func (l *cardLookup) ByID(ctx context.Context, id uuid.UUID) (*cardbase.Card, error) {
	if l.cache != nil {
		card, res, _ := l.cache.GetByID(ctx, id)
		switch res {
		case CacheHit:
			return card, nil
		case CacheMiss:
			return nil, nil
		}
	}
	v, err, _ := l.group.Do(idKey(id), func() (any, error) {
		card, err := l.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		l.remember(ctx, card, func() error { return l.cache.SetMissingID(ctx, id) })
		return card, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cardbase.Card).Clone(), nil
}

func (l *cardLookup) BySlug(ctx context.Context, slug, version string) (*cardbase.Card, error) {
	if l.cache != nil {
		card, res, _ := l.cache.GetBySlug(ctx, slug, version)
		switch res {
		case CacheHit:
			return card, nil
		case CacheMiss:
			return nil, nil
		}
	}
	v, err, _ := l.group.Do(slugKey(slug, version), func() (any, error) {
		card, err := l.store.GetBySlug(ctx, slug, version)
		if err != nil {
			return nil, err
		}
		l.remember(ctx, card, func() error { return l.cache.SetMissingSlug(ctx, slug, version) })
		return card, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cardbase.Card).Clone(), nil
}

// ByIDs returns the cards found among ids, serving what it can from cache
// and loading the rest in one statement.
func (l *cardLookup) ByIDs(ctx context.Context, ids []uuid.UUID) ([]*cardbase.Card, error) {
	out := make([]*cardbase.Card, 0, len(ids))
	var unknown []uuid.UUID
	for _, id := range ids {
		if l.cache == nil {
			unknown = append(unknown, id)
			continue
		}
		card, res, _ := l.cache.GetByID(ctx, id)
		switch res {
		case CacheHit:
			out = append(out, card)
		case CacheUnknown:
			unknown = append(unknown, id)
		}
	}
	if len(unknown) == 0 {
		return out, nil
	}

	loaded, err := l.store.GetByIDs(ctx, unknown)
	if err != nil {
		return nil, err
	}
	found := make(map[uuid.UUID]bool, len(loaded))
	for _, card := range loaded {
		found[card.ID] = true
		l.remember(ctx, card, nil)
		out = append(out, card)
	}
	for _, id := range unknown {
		if !found[id] {
			l.remember(ctx, nil, func() error { return l.cache.SetMissingID(ctx, id) })
		}
	}
	return out, nil
}

func (l *cardLookup) remember(ctx context.Context, card *cardbase.Card, missing func() error) {
	if l.cache == nil {
		return
	}
	if card != nil {
		_ = l.cache.Set(ctx, card)
		return
	}
	if missing != nil {
		_ = missing()
	}
}

// forget drops every cached entry of card.
func (l *cardLookup) forget(ctx context.Context, card *cardbase.Card) {
	if l.cache == nil || card == nil {
		return
	}
	_ = l.cache.Unset(ctx, card)
}
