package discovery

import (
	"time"

	"github.com/archivechain/archivechain/internal/model"
)

// sizeBucketBytes groups indexed sizes into 1 MiB buckets.
const sizeBucketBytes = 1 << 20

type hashSet map[model.Hash]struct{}

// ContentIndex is the local four-axis index: content type, tag, temporal
// (year, month, day) and size bucket, over a full metadata store.
type ContentIndex struct {
	byType   map[string]hashSet
	byTag    map[string]hashSet
	temporal map[int]map[time.Month]map[int]hashSet
	bySize   map[uint64]hashSet
	metadata map[model.Hash]model.ContentMetadata
}

// NewContentIndex builds an empty index.
func NewContentIndex() *ContentIndex {
	return &ContentIndex{
		byType:   make(map[string]hashSet),
		byTag:    make(map[string]hashSet),
		temporal: make(map[int]map[time.Month]map[int]hashSet),
		bySize:   make(map[uint64]hashSet),
		metadata: make(map[model.Hash]model.ContentMetadata),
	}
}

// Add indexes a content object on all four axes.
func (ix *ContentIndex) Add(meta model.ContentMetadata) {
	hash := meta.ContentHash
	addTo(ix.byType, meta.ContentType, hash)
	for _, tag := range meta.Tags {
		addTo(ix.byTag, tag, hash)
	}
	year, month, day := meta.CreatedAt.UTC().Date()
	months, ok := ix.temporal[year]
	if !ok {
		months = make(map[time.Month]map[int]hashSet)
		ix.temporal[year] = months
	}
	days, ok := months[month]
	if !ok {
		days = make(map[int]hashSet)
		months[month] = days
	}
	addTo(days, day, hash)
	addTo(ix.bySize, meta.Size/sizeBucketBytes, hash)
	ix.metadata[hash] = meta
}

// Remove drops a content object from every axis.
func (ix *ContentIndex) Remove(hash model.Hash) {
	meta, ok := ix.metadata[hash]
	if !ok {
		return
	}
	removeFrom(ix.byType, meta.ContentType, hash)
	for _, tag := range meta.Tags {
		removeFrom(ix.byTag, tag, hash)
	}
	year, month, day := meta.CreatedAt.UTC().Date()
	if months, ok := ix.temporal[year]; ok {
		if days, ok := months[month]; ok {
			removeFrom(days, day, hash)
			if len(days) == 0 {
				delete(months, month)
			}
		}
		if len(months) == 0 {
			delete(ix.temporal, year)
		}
	}
	removeFrom(ix.bySize, meta.Size/sizeBucketBytes, hash)
	delete(ix.metadata, hash)
}

// Metadata returns the stored metadata for a hash.
func (ix *ContentIndex) Metadata(hash model.Hash) (model.ContentMetadata, bool) {
	meta, ok := ix.metadata[hash]
	return meta, ok
}

// Len returns the number of indexed objects.
func (ix *ContentIndex) Len() int {
	return len(ix.metadata)
}

// Search intersects the axis indexes matching the query's filters, then
// applies the size and time range checks against the metadata store.
func (ix *ContentIndex) Search(q SearchQuery) []model.Hash {
	var candidates hashSet
	restricted := false

	if q.ContentType != "" {
		set, ok := ix.byType[q.ContentType]
		if !ok {
			return nil
		}
		candidates = intersect(candidates, set, restricted)
		restricted = true
	}
	for _, tag := range q.Tags {
		set, ok := ix.byTag[tag]
		if !ok {
			return nil
		}
		candidates = intersect(candidates, set, restricted)
		restricted = true
	}
	if !restricted {
		candidates = make(hashSet, len(ix.metadata))
		for hash := range ix.metadata {
			candidates[hash] = struct{}{}
		}
	}

	results := make([]model.Hash, 0, len(candidates))
	for hash := range candidates {
		meta := ix.metadata[hash]
		if q.MinSize > 0 && meta.Size < q.MinSize {
			continue
		}
		if q.MaxSize > 0 && meta.Size > q.MaxSize {
			continue
		}
		if !q.From.IsZero() && meta.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && meta.CreatedAt.After(q.To) {
			continue
		}
		results = append(results, hash)
	}
	return results
}

func addTo[K comparable](m map[K]hashSet, key K, hash model.Hash) {
	set, ok := m[key]
	if !ok {
		set = make(hashSet)
		m[key] = set
	}
	set[hash] = struct{}{}
}

func removeFrom[K comparable](m map[K]hashSet, key K, hash model.Hash) {
	if set, ok := m[key]; ok {
		delete(set, hash)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

func intersect(current, next hashSet, restricted bool) hashSet {
	if !restricted {
		out := make(hashSet, len(next))
		for hash := range next {
			out[hash] = struct{}{}
		}
		return out
	}
	out := make(hashSet)
	for hash := range current {
		if _, ok := next[hash]; ok {
			out[hash] = struct{}{}
		}
	}
	return out
}
