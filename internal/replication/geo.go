package replication

import (
	"sort"
	"sync"
	"time"

	"github.com/archivechain/archivechain/internal/model"
)

// GeoIndex maps regions to their nodes and keeps the inter-region latency
// matrix used for optimal region selection.
type GeoIndex struct {
	mu        sync.RWMutex
	regions   map[string]map[model.Hash]model.NodeInfo
	latencies map[string]map[string]time.Duration
}

// NewGeoIndex builds an empty index.
func NewGeoIndex() *GeoIndex {
	return &GeoIndex{
		regions:   make(map[string]map[model.Hash]model.NodeInfo),
		latencies: make(map[string]map[string]time.Duration),
	}
}

// AddNode inserts or refreshes a node in its region bucket.
func (g *GeoIndex) AddNode(node model.NodeInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	bucket, ok := g.regions[node.Region]
	if !ok {
		bucket = make(map[model.Hash]model.NodeInfo)
		g.regions[node.Region] = bucket
	}
	bucket[node.NodeID] = node
}

// RemoveNode drops a node; empty region buckets are removed with it.
func (g *GeoIndex) RemoveNode(node model.NodeInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	bucket, ok := g.regions[node.Region]
	if !ok {
		return
	}
	delete(bucket, node.NodeID)
	if len(bucket) == 0 {
		delete(g.regions, node.Region)
	}
}

// SetLatency records the measured latency between two regions, both ways.
func (g *GeoIndex) SetLatency(a, b string, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setLatency(a, b, d)
	g.setLatency(b, a, d)
}

func (g *GeoIndex) setLatency(from, to string, d time.Duration) {
	row, ok := g.latencies[from]
	if !ok {
		row = make(map[string]time.Duration)
		g.latencies[from] = row
	}
	row[to] = d
}

// Latency returns the recorded latency between two regions; zero within a
// region, false when unmeasured.
func (g *GeoIndex) Latency(a, b string) (time.Duration, bool) {
	if a == b {
		return 0, true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.latencies[a][b]
	return d, ok
}

// Regions returns the known region names, sorted.
func (g *GeoIndex) Regions() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.regions))
	for name := range g.regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NodesIn returns the nodes of one region.
func (g *GeoIndex) NodesIn(region string) []model.NodeInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	bucket := g.regions[region]
	nodes := make([]model.NodeInfo, 0, len(bucket))
	for _, node := range bucket {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].NodeID.Hex() < nodes[j].NodeID.Hex()
	})
	return nodes
}

// residualCapacity is the unused storage summed over a region's nodes.
func (g *GeoIndex) residualCapacity(region string) float64 {
	var total float64
	for _, node := range g.regions[region] {
		free := 1.0 - node.Metrics.StorageUsage
		if free < 0 {
			free = 0
		}
		total += free * float64(node.Capabilities.StorageCapacity)
	}
	return total
}

// SelectOptimalRegions returns up to count regions for a replica set:
// the metadata's preferred regions first, then the rest ordered by latency
// to the requester's region, ties and unmeasured pairs by residual
// capacity.
func (g *GeoIndex) SelectOptimalRegions(meta model.ContentMetadata, requesterRegion string, count int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	selected := make([]string, 0, count)
	used := make(map[string]struct{})
	for _, region := range meta.PreferredRegions {
		if len(selected) == count {
			return selected
		}
		if _, ok := g.regions[region]; !ok {
			continue
		}
		if _, ok := used[region]; ok {
			continue
		}
		selected = append(selected, region)
		used[region] = struct{}{}
	}

	type candidate struct {
		region   string
		latency  time.Duration
		measured bool
		capacity float64
	}
	rest := make([]candidate, 0, len(g.regions))
	for region := range g.regions {
		if _, ok := used[region]; ok {
			continue
		}
		c := candidate{region: region, capacity: g.residualCapacity(region)}
		if requesterRegion != "" {
			if region == requesterRegion {
				c.measured = true
			} else if d, ok := g.latencies[requesterRegion][region]; ok {
				c.latency, c.measured = d, true
			}
		}
		rest = append(rest, c)
	}
	sort.Slice(rest, func(i, j int) bool {
		a, b := rest[i], rest[j]
		if a.measured != b.measured {
			return a.measured
		}
		if a.measured && a.latency != b.latency {
			return a.latency < b.latency
		}
		if a.capacity != b.capacity {
			return a.capacity > b.capacity
		}
		return a.region < b.region
	})
	for _, c := range rest {
		if len(selected) == count {
			break
		}
		selected = append(selected, c.region)
	}
	return selected
}
