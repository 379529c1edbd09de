package discovery

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/archivechain/archivechain/internal/model"
)

// Entry is one DHT record: where a content object lives and how often it
// is asked for.
type Entry struct {
	ContentHash  model.Hash
	Metadata     model.ContentMetadata
	StorageNodes []model.Hash
	LastUpdated  time.Time
	AccessCount  uint64
}

// Neighbor is a remote DHT peer consulted when a local lookup misses.
type Neighbor interface {
	LookupContent(hash model.Hash) (Entry, bool)
}

// DHT is the local slice of the distributed hash table plus its neighbor
// links.
type DHT struct {
	table     map[model.Hash]*Entry
	neighbors []Neighbor
	clock     clock.Clock
}

// NewDHT builds an empty table.
func NewDHT(c clock.Clock) *DHT {
	return &DHT{table: make(map[model.Hash]*Entry), clock: c}
}

// Put inserts or refreshes a record.
func (d *DHT) Put(meta model.ContentMetadata, storageNodes []model.Hash) {
	entry, ok := d.table[meta.ContentHash]
	if !ok {
		entry = &Entry{ContentHash: meta.ContentHash}
		d.table[meta.ContentHash] = entry
	}
	entry.Metadata = meta
	entry.StorageNodes = append([]model.Hash(nil), storageNodes...)
	entry.LastUpdated = d.clock.Now()
}

// Get returns the local record, counting the access.
func (d *DHT) Get(hash model.Hash) (Entry, bool) {
	entry, ok := d.table[hash]
	if !ok {
		return Entry{}, false
	}
	entry.AccessCount++
	return *entry, true
}

// Remove drops a record.
func (d *DHT) Remove(hash model.Hash) {
	delete(d.table, hash)
}

// Lookup resolves a record locally first, then fans out to neighbors.
func (d *DHT) Lookup(hash model.Hash) (Entry, bool) {
	if entry, ok := d.Get(hash); ok {
		return entry, true
	}
	for _, neighbor := range d.neighbors {
		if entry, ok := neighbor.LookupContent(hash); ok {
			return entry, true
		}
	}
	return Entry{}, false
}

// UpdateNeighbors replaces the neighbor links.
func (d *DHT) UpdateNeighbors(neighbors []Neighbor) {
	d.neighbors = neighbors
}

// Len returns the number of local records.
func (d *DHT) Len() int {
	return len(d.table)
}
