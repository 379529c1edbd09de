// Package discovery locates archived content: a DHT slice with neighbor
// fan-out, a four-axis local index, a TTL search cache and a
// sliding-window popularity tracker.
package discovery

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
)

// Relevance weights: title, description, tag overlap, popularity.
const (
	weightTitle       = 1.0
	weightDescription = 0.8
	weightTags        = 0.6
	weightPopularity  = 0.1
)

// Config tunes the discovery system.
type Config struct {
	SearchCacheSize  int
	SearchCacheTTL   time.Duration
	PopularityWindow time.Duration
	MaxSearchResults int
}

// DefaultConfig mirrors the deployed defaults.
func DefaultConfig() Config {
	return Config{
		SearchCacheSize:  10_000,
		SearchCacheTTL:   5 * time.Minute,
		PopularityWindow: time.Hour,
		MaxSearchResults: 100,
	}
}

// Validate checks bounds.
func (c Config) Validate() error {
	const op = "discovery.Config"
	if c.SearchCacheSize <= 0 {
		return errs.E(errs.InvalidInput, op, "search cache size must be positive")
	}
	if c.SearchCacheTTL <= 0 || c.PopularityWindow <= 0 {
		return errs.E(errs.InvalidInput, op, "cache TTL and popularity window must be positive")
	}
	if c.MaxSearchResults <= 0 {
		return errs.E(errs.InvalidInput, op, "max search results must be positive")
	}
	return nil
}

// SearchSource tells where a search answer came from.
type SearchSource string

const (
	SourceCache SearchSource = "cache"
	SourceIndex SearchSource = "index"
)

// SearchResult is one ranked hit.
type SearchResult struct {
	ContentHash    model.Hash
	Relevance      float64
	Metadata       model.ContentMetadata
	AvailableNodes []model.Hash
	LastUpdated    time.Time
}

// SearchResults is a full search answer.
type SearchResults struct {
	Results    []SearchResult
	TotalCount int
	Source     SearchSource
	Elapsed    time.Duration
}

// Discovery combines the DHT, the local index, the search cache and the
// popularity tracker.
type Discovery struct {
	mu      sync.Mutex
	cfg     Config
	dht     *DHT
	index   *ContentIndex
	cache   *SearchCache
	tracker *PopularityTracker
	clock   clock.Clock
	logger  *zap.Logger
}

// New builds a discovery system.
func New(logger *zap.Logger, cfg Config) (*Discovery, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := clock.New()
	cache, err := NewSearchCache(cfg.SearchCacheSize, cfg.SearchCacheTTL, c)
	if err != nil {
		return nil, err
	}
	return &Discovery{
		cfg:     cfg,
		dht:     NewDHT(c),
		index:   NewContentIndex(),
		cache:   cache,
		tracker: NewPopularityTracker(cfg.PopularityWindow, c),
		clock:   c,
		logger:  logger.Named("discovery"),
	}, nil
}

// WithClock replaces the time source, for tests.
func (d *Discovery) WithClock(c clock.Clock) *Discovery {
	d.clock = c
	d.dht.clock = c
	d.cache.clock = c
	d.tracker.clock = c
	return d
}

// AddContent registers a content object with the DHT and the local index.
func (d *Discovery) AddContent(meta model.ContentMetadata, storageNodes []model.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dht.Put(meta, storageNodes)
	d.index.Add(meta)
}

// RemoveContent drops a content object from both structures.
func (d *Discovery) RemoveContent(hash model.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dht.Remove(hash)
	d.index.Remove(hash)
}

// UpdateNeighbors replaces the DHT neighbor links.
func (d *Discovery) UpdateNeighbors(neighbors []Neighbor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dht.UpdateNeighbors(neighbors)
}

// LookupContent resolves a DHT record, consulting neighbors on a local
// miss. It satisfies Neighbor so discovery instances can link each other.
func (d *Discovery) LookupContent(hash model.Hash) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dht.Lookup(hash)
}

// RecordAccess notes one retrieval for popularity tracking.
func (d *Discovery) RecordAccess(hash model.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracker.RecordAccess(hash)
}

// RecentPopularity is the access count within the sliding window.
func (d *Discovery) RecentPopularity(hash model.Hash) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracker.RecentPopularity(hash)
}

// PopularContent returns the most retrieved objects within the window.
func (d *Discovery) PopularContent(n int) []PopularityEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracker.TopContent(n)
}

// Search answers a query from the cache when possible, otherwise from the
// local index, ranking candidates by relevance.
func (d *Discovery) Search(q SearchQuery) SearchResults {
	d.mu.Lock()
	defer d.mu.Unlock()

	started := d.clock.Now()
	key := q.CacheKey()
	if cached, ok := d.cache.Get(key); ok {
		cached.Source = SourceCache
		return cached
	}

	candidates := d.index.Search(q)
	results := make([]SearchResult, 0, len(candidates))
	for _, hash := range candidates {
		meta, _ := d.index.Metadata(hash)
		result := SearchResult{
			ContentHash: hash,
			Relevance:   d.relevance(meta, q),
			Metadata:    meta,
		}
		if entry, ok := d.dht.table[hash]; ok {
			result.AvailableNodes = append([]model.Hash(nil), entry.StorageNodes...)
			result.LastUpdated = entry.LastUpdated
		}
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Relevance != results[j].Relevance {
			return results[i].Relevance > results[j].Relevance
		}
		return results[i].ContentHash.Hex() < results[j].ContentHash.Hex()
	})

	total := len(results)
	if q.Offset > 0 {
		if q.Offset >= len(results) {
			results = nil
		} else {
			results = results[q.Offset:]
		}
	}
	limit := q.Limit
	if limit <= 0 || limit > d.cfg.MaxSearchResults {
		limit = d.cfg.MaxSearchResults
	}
	if len(results) > limit {
		results = results[:limit]
	}

	answer := SearchResults{
		Results:    results,
		TotalCount: total,
		Source:     SourceIndex,
		Elapsed:    d.clock.Now().Sub(started),
	}
	d.cache.Put(key, answer)
	return answer
}

// relevance scores a candidate for a query, clamped to [0,1]. Term hits
// on title, description and tags are averaged over the query terms;
// popularity adds a logarithmic bonus.
func (d *Discovery) relevance(meta model.ContentMetadata, q SearchQuery) float64 {
	var score float64
	if len(q.Terms) > 0 {
		title := strings.ToLower(meta.Title)
		description := strings.ToLower(meta.Description)
		tags := make([]string, len(meta.Tags))
		for i, tag := range meta.Tags {
			tags[i] = strings.ToLower(tag)
		}
		var sum float64
		for _, term := range q.Terms {
			term = strings.ToLower(term)
			if term == "" {
				continue
			}
			if strings.Contains(title, term) {
				sum += weightTitle
			}
			if strings.Contains(description, term) {
				sum += weightDescription
			}
			for _, tag := range tags {
				if strings.Contains(tag, term) {
					sum += weightTags
					break
				}
			}
		}
		score = sum / float64(len(q.Terms))
	}
	popularity := float64(meta.Popularity) + float64(d.tracker.TotalPopularity(meta.ContentHash))
	score += weightPopularity * math.Log10(popularity+1)
	return math.Min(math.Max(score, 0), 1)
}

// Stats summarizes the discovery structures.
type Stats struct {
	DHTEntries     int
	IndexedObjects int
	CachedQueries  int
	CacheHitRate   float64
}

// StatsSnapshot returns current discovery statistics.
func (d *Discovery) StatsSnapshot() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		DHTEntries:     d.dht.Len(),
		IndexedObjects: d.index.Len(),
		CachedQueries:  d.cache.Len(),
		CacheHitRate:   d.cache.HitRate(),
	}
}
