// Package cache is a keyed read-through cache shared by everything that reads
// escrow state. Entries are only ever replaced by a fresh load or removed by
// an exact-key invalidation; nothing patches a cached value in place.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const DefaultSize = 1024

// Key identifies one cached query, e.g. {"escrow", <address>}.
type Key struct {
	Kind    string
	Subject string
}

func (k Key) String() string {
	return k.Kind + ":" + k.Subject
}

// LoadFunc produces the authoritative value for a key.
type LoadFunc func(ctx context.Context) (any, error)

type Stats struct {
	Hits          uint64
	Misses        uint64
	Invalidations uint64
}

type Cache struct {
	entries *lru.Cache
	group   singleflight.Group
	logger  zerolog.Logger

	// gens and loading only hold keys with a load in flight.
	mu      sync.Mutex
	gens    map[Key]uint64
	loading map[Key]int

	hits          atomic.Uint64
	misses        atomic.Uint64
	invalidations atomic.Uint64
}

func New(size int, logger zerolog.Logger) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("new lru: %w", err)
	}
	return &Cache{
		entries: entries,
		gens:    make(map[Key]uint64),
		loading: make(map[Key]int),
		logger:  logger.With().Str("component", "cache").Logger(),
	}, nil
}

// Get returns the cached value without loading.
func (c *Cache) Get(key Key) (any, bool) {
	return c.entries.Get(key)
}

// Fetch returns the cached value for key, or runs load once for all
// concurrent callers of the same key and caches the result. A load that
// started before an invalidation of key never lands in the cache.
//
// The shared load keeps ctx's values but not its cancellation, so one caller
// giving up does not fail the others; each caller stops waiting when its own
// ctx is done.
func (c *Cache) Fetch(ctx context.Context, key Key, load LoadFunc) (any, error) {
	if v, ok := c.entries.Get(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)

	flight := fmt.Sprintf("%s#%d", key, c.generation(key))
	loadCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(flight, func() (any, error) {
		gen := c.beginLoad(key)
		v, err := load(loadCtx)
		c.endLoad(key, gen, v, err)
		if err != nil {
			return nil, err
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// Invalidate drops exactly the given keys.
func (c *Cache) Invalidate(keys ...Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if c.loading[key] > 0 {
			c.gens[key]++
		}
		c.entries.Remove(key)
		c.invalidations.Add(1)
		c.logger.Debug().Stringer("key", key).Msg("invalidated")
	}
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

func (c *Cache) generation(key Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key]
}

func (c *Cache) beginLoad(key Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading[key]++
	return c.gens[key]
}

func (c *Cache) endLoad(key Key, gen uint64, v any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && c.gens[key] == gen {
		c.entries.Add(key, v)
	}
	c.loading[key]--
	if c.loading[key] == 0 {
		delete(c.loading, key)
		delete(c.gens, key)
	}
}
