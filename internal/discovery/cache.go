package discovery

import (
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// cachedResults is one search-cache slot.
type cachedResults struct {
	results  SearchResults
	cachedAt time.Time
}

// SearchCache memoizes search results with LRU eviction and a TTL.
type SearchCache struct {
	entries *lru.Cache[string, cachedResults]
	ttl     time.Duration
	clock   clock.Clock
	hits    uint64
	misses  uint64
}

// NewSearchCache builds a cache with the given capacity and TTL.
func NewSearchCache(size int, ttl time.Duration, c clock.Clock) (*SearchCache, error) {
	entries, err := lru.New[string, cachedResults](size)
	if err != nil {
		return nil, err
	}
	return &SearchCache{entries: entries, ttl: ttl, clock: c}, nil
}

// Get returns fresh cached results; stale slots are dropped and count as
// misses.
func (c *SearchCache) Get(key string) (SearchResults, bool) {
	slot, ok := c.entries.Get(key)
	if !ok {
		c.misses++
		return SearchResults{}, false
	}
	if c.clock.Now().Sub(slot.cachedAt) > c.ttl {
		c.entries.Remove(key)
		c.misses++
		return SearchResults{}, false
	}
	c.hits++
	return slot.results, true
}

// Put stores results under the canonical query key.
func (c *SearchCache) Put(key string, results SearchResults) {
	c.entries.Add(key, cachedResults{results: results, cachedAt: c.clock.Now()})
}

// HitRate is hits over lookups since start.
func (c *SearchCache) HitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// Len returns the number of cached queries.
func (c *SearchCache) Len() int {
	return c.entries.Len()
}
