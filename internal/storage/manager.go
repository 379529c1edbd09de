package storage

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/archive"
	"github.com/archivechain/archivechain/internal/bandwidth"
	"github.com/archivechain/archivechain/internal/crypto"
	"github.com/archivechain/archivechain/internal/discovery"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/internal/replication"
)

// contentRecord is the manager's bookkeeping for one tracked object.
type contentRecord struct {
	meta     model.ContentMetadata
	replicas []model.Hash
	storedAt time.Time
	cold     bool
}

// Manager is the storage coordinator. It owns the placement decisions
// and delegates durability, planning, lookup and transport to its
// collaborators.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	deps     Dependencies
	contents map[model.Hash]*contentRecord
	stats    Stats
	clock    clock.Clock
	logger   *zap.Logger
}

// NewManager builds the coordinator over its collaborators.
func NewManager(logger *zap.Logger, cfg Config, deps Dependencies) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		contents: make(map[model.Hash]*contentRecord),
		clock:    clock.New(),
		logger:   logger.Named("storage"),
	}, nil
}

// WithClock replaces the time source, for tests.
func (m *Manager) WithClock(c clock.Clock) *Manager {
	m.clock = c
	return m
}

// Store archives a content object and distributes replicas: plan the
// strategy, pick regions and nodes, write the local copy, schedule one
// replication transfer per selected node and publish the object to
// discovery. The report grades the outcome against the replica target.
func (m *Manager) Store(data []byte, meta model.ContentMetadata, requesterRegion string) (StoreReport, error) {
	const op = "storage.Store"
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(data) == 0 {
		return StoreReport{}, errs.E(errs.InvalidInput, op, "empty content")
	}
	started := m.clock.Now()
	meta.ContentHash = crypto.Checksum(data)
	if meta.Size == 0 {
		meta.Size = uint64(len(data))
	}

	health := m.networkHealth()
	strategy, target := m.deps.Planner.CreateStrategy(meta, health)

	candidates := m.storageCandidates(meta, requesterRegion, target)
	if len(candidates) == 0 {
		m.stats.StoreFailures++
		return StoreReport{Status: StoreFailed}, errs.E(errs.ServiceUnavailable, op, "no storage nodes available")
	}
	selected := m.deps.Planner.SelectNodes(meta, strategy, candidates, target)
	if len(selected) == 0 {
		m.stats.StoreFailures++
		return StoreReport{Status: StoreFailed}, errs.E(errs.ServiceUnavailable, op, "no node admits the placement")
	}

	result, err := m.deps.Archive.Store(data, meta)
	if err != nil {
		m.stats.StoreFailures++
		return StoreReport{Status: StoreFailed}, err
	}

	stored := make([]model.Hash, 0, len(selected))
	for _, node := range selected {
		_, err := m.deps.Bandwidth.Schedule(bandwidth.TransferRequest{
			Source:             m.deps.LocalNode,
			Destination:        node.NodeID,
			Type:               bandwidth.TransferReplication,
			Priority:           m.priorityFor(meta.Criticality),
			DataSize:           meta.Size,
			EstimatedBandwidth: meta.Size,
			ContentHash:        result.ContentHash,
		})
		if err != nil {
			m.logger.Warn("replica transfer rejected",
				zap.String("content", result.ContentHash.Short()),
				zap.String("node", node.NodeID.Hex()),
				zap.Error(err))
			continue
		}
		stored = append(stored, node.NodeID)
	}

	m.deps.Discovery.AddContent(meta, stored)
	m.contents[result.ContentHash] = &contentRecord{
		meta:     meta,
		replicas: stored,
		storedAt: started,
	}
	m.stats.ObjectsStored++
	m.stats.BytesStored += meta.Size

	report := StoreReport{
		ContentHash:   result.ContentHash,
		Nodes:         stored,
		ReplicaTarget: target,
		ReplicaCount:  len(stored),
		StoredSize:    result.StoredSize,
		Deduplicated:  result.Deduplicated,
		Elapsed:       m.clock.Now().Sub(started),
		Status:        storeStatus(len(stored), target),
	}
	m.logger.Info("content stored",
		zap.String("content", result.ContentHash.Short()),
		zap.Int("replicas", report.ReplicaCount),
		zap.Int("target", report.ReplicaTarget),
		zap.String("status", string(report.Status)))
	return report, nil
}

func storeStatus(replicas, target int) StoreStatus {
	switch {
	case replicas >= target:
		return StoreSuccess
	case replicas > 0:
		return StorePartial
	default:
		return StoreFailed
	}
}

// storageCandidates returns active storage-capable nodes, narrowed to
// the optimal regions when that still leaves a pool to pick from.
func (m *Manager) storageCandidates(meta model.ContentMetadata, requesterRegion string, target int) []model.NodeInfo {
	active := m.deps.Directory.ActiveNodes()
	pool := make([]model.NodeInfo, 0, len(active))
	for _, node := range active {
		if node.Role.StoresContent() {
			pool = append(pool, node)
		}
	}

	regions := m.deps.Geo.SelectOptimalRegions(meta, requesterRegion, target)
	if len(regions) == 0 {
		return pool
	}
	preferred := make(map[string]struct{}, len(regions))
	for _, region := range regions {
		preferred[region] = struct{}{}
	}
	narrowed := make([]model.NodeInfo, 0, len(pool))
	for _, node := range pool {
		if _, ok := preferred[node.Region]; ok {
			narrowed = append(narrowed, node)
		}
	}
	if len(narrowed) == 0 {
		return pool
	}
	return narrowed
}

func (m *Manager) priorityFor(c model.Criticality) bandwidth.Priority {
	switch c {
	case model.CriticalityVital:
		return bandwidth.PriorityCritical
	case model.CriticalityCritical:
		return bandwidth.PriorityHigh
	default:
		return m.cfg.TransferPriority
	}
}

// Retrieve fetches a content object: count the access, schedule a
// download from the best replica holder when one is active, then read
// and integrity-check the local copy.
func (m *Manager) Retrieve(hash model.Hash, requester model.Hash) ([]byte, error) {
	const op = "storage.Retrieve"
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, known := m.deps.Discovery.LookupContent(hash)
	if !known && !m.deps.Archive.Has(hash) {
		m.stats.RetrieveFailures++
		return nil, errs.E(errs.NotFound, op, "unknown content")
	}
	m.deps.Discovery.RecordAccess(hash)

	if source, ok := m.bestSource(entry.StorageNodes, entry.Metadata.Size); ok {
		_, err := m.deps.Bandwidth.Schedule(bandwidth.TransferRequest{
			Source:             source,
			Destination:        requester,
			Type:               bandwidth.TransferDownload,
			Priority:           m.cfg.TransferPriority,
			DataSize:           entry.Metadata.Size,
			EstimatedBandwidth: entry.Metadata.Size,
			ContentHash:        hash,
		})
		if err != nil && errs.KindOf(err) == errs.ServiceUnavailable {
			m.stats.RetrieveFailures++
			return nil, errs.Wrap(errs.ServiceUnavailable, op, err)
		}
	}

	data, err := m.deps.Archive.Retrieve(hash)
	if err != nil {
		m.stats.RetrieveFailures++
		return nil, err
	}
	m.stats.ObjectsRetrieved++
	return data, nil
}

// bestSource picks the active replica holder with the highest placement
// score.
func (m *Manager) bestSource(holders []model.Hash, size uint64) (model.Hash, bool) {
	var (
		best      model.Hash
		bestScore float64
		found     bool
	)
	for _, id := range holders {
		node, err := m.deps.Directory.NodeOf(id)
		if err != nil || node.Status != model.NodeActive {
			continue
		}
		score := replication.PlacementScore(node, size)
		if !found || score > bestScore {
			best, bestScore, found = id, score, true
		}
	}
	return best, found
}

// CheckAvailability reports where an object lives and whether it can be
// served right now.
func (m *Manager) CheckAvailability(hash model.Hash) (AvailabilityReport, error) {
	const op = "storage.CheckAvailability"
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, known := m.deps.Discovery.LookupContent(hash)
	local := m.deps.Archive.Has(hash)
	if !known && !local {
		return AvailabilityReport{}, errs.E(errs.NotFound, op, "unknown content")
	}

	report := AvailabilityReport{
		ContentHash:  hash,
		ReplicaCount: len(entry.StorageNodes),
		LocalCopy:    local,
	}
	regions := make(map[string]struct{})
	for _, id := range entry.StorageNodes {
		node, err := m.deps.Directory.NodeOf(id)
		if err != nil {
			continue
		}
		if node.Status == model.NodeActive {
			report.ActiveReplicas++
			regions[node.Region] = struct{}{}
		}
	}
	for region := range regions {
		report.Regions = append(report.Regions, region)
	}
	report.Available = local || report.ActiveReplicas > 0
	return report, nil
}

// UpdateStrategy replaces the replication strategy for known content and
// returns the recomputed target.
func (m *Manager) UpdateStrategy(hash model.Hash, strategy replication.Strategy) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deps.Planner.UpdateStrategy(hash, strategy, m.networkHealth())
}

// Search resolves a discovery query.
func (m *Manager) Search(q discovery.SearchQuery) discovery.SearchResults {
	return m.deps.Discovery.Search(q)
}

// Delete drops an object from the archive and from discovery.
func (m *Manager) Delete(hash model.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(hash)
}

func (m *Manager) deleteLocked(hash model.Hash) error {
	if err := m.deps.Archive.Delete(hash); err != nil {
		return err
	}
	m.deps.Discovery.RemoveContent(hash)
	delete(m.contents, hash)
	return nil
}

// NodeRestarting cancels the node's in-flight and queued transfers and
// returns how many were cut.
func (m *Manager) NodeRestarting(id model.Hash) int {
	cancelled := m.deps.Bandwidth.CancelNode(id)
	if cancelled > 0 {
		m.logger.Info("transfers cancelled for restarting node",
			zap.String("node", id.Hex()),
			zap.Int("cancelled", cancelled))
	}
	return cancelled
}

// networkHealth is the fraction of active nodes currently inside the
// capacity and latency boundaries. Planners scale replica targets down
// when it drops.
func (m *Manager) networkHealth() float64 {
	active := m.deps.Directory.ActiveNodes()
	if len(active) == 0 {
		return 0
	}
	healthy := 0
	for _, node := range active {
		if node.Metrics.StorageUsage < m.cfg.Thresholds.CapacityCritical &&
			node.Metrics.NetworkLatency < m.cfg.Thresholds.LatencyHigh {
			healthy++
		}
	}
	return float64(healthy) / float64(len(active))
}

// VerifyIntegrity sweeps every locally stored object against its hash.
func (m *Manager) VerifyIntegrity() archive.VerificationReport {
	return m.deps.Archive.VerifyAll()
}

// MetadataOf returns the tracked metadata for a stored object.
func (m *Manager) MetadataOf(hash model.Hash) (model.ContentMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.contents[hash]
	if !ok {
		return model.ContentMetadata{}, false
	}
	return record.meta, true
}

// StatsSnapshot returns the lifetime counters.
func (m *Manager) StatsSnapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.stats
	stats.TrackedObjects = len(m.contents)
	for _, record := range m.contents {
		if record.cold {
			stats.ColdObjects++
		}
	}
	return stats
}
