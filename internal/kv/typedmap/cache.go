// Package typedmap provides a single-record LRU cache for read-mostly
// point maps (spec §4.2). Invalidation is explicit, through Invalidate;
// there is no TTL. No other package in this module imports typedmap, so
// no map is fronted by it.
//
// Grounded on the teacher's internal/caching package, which fronts
// similar read-mostly lookups (room hierarchy responses) with a generic
// cache interface; this adapts that shape onto ristretto directly.
package typedmap

import (
	"github.com/dgraph-io/ristretto"
)

// Cache is a capped, count-keyed LRU in front of a single logical map.
type Cache[K comparable, V any] struct {
	rc *ristretto.Cache
}

// NewCache builds a cache capped at maxEntries records. ristretto sizes
// its internal structures off cost, so every Set below carries cost 1 —
// this is an entry-count cap, not a byte-size cap, matching spec §4.2
// ("capped LRU by entry count").
func NewCache[K comparable, V any](maxEntries int64) (*Cache[K, V], error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache[K, V]{rc: rc}, nil
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.rc.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.rc.Set(key, value, 1)
}

// Invalidate drops key from the cache.
func (c *Cache[K, V]) Invalidate(key K) {
	c.rc.Del(key)
}
