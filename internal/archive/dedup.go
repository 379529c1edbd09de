package archive

import (
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/archivechain/archivechain/internal/model"
)

// DedupEntry tracks one content hash seen by the dedup engine.
type DedupEntry struct {
	ContentHash model.Hash
	Size        uint64
	RefCount    int
	AccessCount uint64
	FirstSeen   time.Time
	LastAccess  time.Time
}

// dedupCache is a bounded dedup index. Entries with live references are
// pinned; only zero-reference entries sit in the LRU and can be evicted.
type dedupCache struct {
	entries map[model.Hash]*DedupEntry
	idle    *lru.Cache[model.Hash, struct{}]
	clock   clock.Clock
}

func newDedupCache(size int, c clock.Clock) (*dedupCache, error) {
	d := &dedupCache{
		entries: make(map[model.Hash]*DedupEntry),
		clock:   c,
	}
	idle, err := lru.NewWithEvict[model.Hash, struct{}](size, func(key model.Hash, _ struct{}) {
		delete(d.entries, key)
	})
	if err != nil {
		return nil, err
	}
	d.idle = idle
	return d, nil
}

// lookup returns the entry, bumping its access counter and recency.
func (d *dedupCache) lookup(h model.Hash) (*DedupEntry, bool) {
	e, ok := d.entries[h]
	if !ok {
		return nil, false
	}
	e.AccessCount++
	e.LastAccess = d.clock.Now()
	if e.RefCount == 0 {
		d.idle.Get(h)
	}
	return e, true
}

// acquire adds a reference, creating the entry on first sight.
func (d *dedupCache) acquire(h model.Hash, size uint64) *DedupEntry {
	now := d.clock.Now()
	e, ok := d.entries[h]
	if !ok {
		e = &DedupEntry{ContentHash: h, Size: size, FirstSeen: now}
		d.entries[h] = e
	}
	if e.RefCount == 0 {
		d.idle.Remove(h)
	}
	e.RefCount++
	e.AccessCount++
	e.LastAccess = now
	return e
}

// release drops a reference. A zero-reference entry becomes evictable.
func (d *dedupCache) release(h model.Hash) int {
	e, ok := d.entries[h]
	if !ok {
		return 0
	}
	if e.RefCount > 0 {
		e.RefCount--
	}
	if e.RefCount == 0 {
		d.idle.Add(h, struct{}{})
	}
	return e.RefCount
}

func (d *dedupCache) len() int {
	return len(d.entries)
}
