package discovery

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"

	"github.com/archivechain/archivechain/internal/model"
)

// PopularityTracker counts content accesses over a sliding window.
type PopularityTracker struct {
	window time.Duration
	totals map[model.Hash]uint64
	recent map[model.Hash]*deque.Deque[time.Time]
	clock  clock.Clock
}

// NewPopularityTracker builds a tracker with the given window.
func NewPopularityTracker(window time.Duration, c clock.Clock) *PopularityTracker {
	return &PopularityTracker{
		window: window,
		totals: make(map[model.Hash]uint64),
		recent: make(map[model.Hash]*deque.Deque[time.Time]),
		clock:  c,
	}
}

// RecordAccess notes one retrieval of the content.
func (p *PopularityTracker) RecordAccess(hash model.Hash) {
	p.totals[hash]++
	window, ok := p.recent[hash]
	if !ok {
		window = &deque.Deque[time.Time]{}
		p.recent[hash] = window
	}
	window.PushBack(p.clock.Now())
	p.trim(hash)
}

// RecentPopularity is the access count inside the sliding window.
func (p *PopularityTracker) RecentPopularity(hash model.Hash) uint64 {
	p.trim(hash)
	window, ok := p.recent[hash]
	if !ok {
		return 0
	}
	return uint64(window.Len())
}

// TotalPopularity is the lifetime access count.
func (p *PopularityTracker) TotalPopularity(hash model.Hash) uint64 {
	return p.totals[hash]
}

// PopularityEntry pairs a content hash with its recent access count.
type PopularityEntry struct {
	ContentHash model.Hash
	Accesses    uint64
}

// TopContent returns the n most accessed objects within the window.
func (p *PopularityTracker) TopContent(n int) []PopularityEntry {
	entries := make([]PopularityEntry, 0, len(p.recent))
	for hash := range p.recent {
		p.trim(hash)
		window := p.recent[hash]
		if window == nil || window.Len() == 0 {
			continue
		}
		entries = append(entries, PopularityEntry{ContentHash: hash, Accesses: uint64(window.Len())})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Accesses != entries[j].Accesses {
			return entries[i].Accesses > entries[j].Accesses
		}
		return entries[i].ContentHash.Hex() < entries[j].ContentHash.Hex()
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// trim evicts accesses that fell out of the window.
func (p *PopularityTracker) trim(hash model.Hash) {
	window, ok := p.recent[hash]
	if !ok {
		return
	}
	cutoff := p.clock.Now().Add(-p.window)
	for window.Len() > 0 && window.Front().Before(cutoff) {
		window.PopFront()
	}
	if window.Len() == 0 {
		delete(p.recent, hash)
	}
}
