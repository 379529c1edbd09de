// Package registry tracks the node fleet: registration, heartbeats with
// reputation smoothing, recommendations and inactive-node cleanup.
package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	chelpers "github.com/archivechain/archivechain/internal/clock"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/internal/replication"
)

// Reputation weights per heartbeat: performance, reliability,
// availability combine into the overall score.
const (
	smoothingAlpha     = 0.1
	weightPerformance  = 0.4
	weightReliability  = 0.3
	weightAvailability = 0.3
)

// Config tunes the registry.
type Config struct {
	HeartbeatInterval time.Duration
	NodeTimeout       time.Duration
	EvictionTimeout   time.Duration
	CleanupInterval   time.Duration
	MaxEvents         int
}

// DefaultConfig mirrors the deployed intervals.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		NodeTimeout:       5 * time.Minute,
		EvictionTimeout:   10 * time.Minute,
		CleanupInterval:   10 * time.Minute,
		MaxEvents:         1000,
	}
}

// Validate checks bounds.
func (c Config) Validate() error {
	const op = "registry.Config"
	if c.HeartbeatInterval <= 0 || c.NodeTimeout <= 0 || c.CleanupInterval <= 0 {
		return errs.E(errs.InvalidInput, op, "intervals must be positive")
	}
	if c.NodeTimeout <= c.HeartbeatInterval {
		return errs.E(errs.InvalidInput, op, "node timeout must exceed the heartbeat interval")
	}
	if c.EvictionTimeout <= c.NodeTimeout {
		return errs.E(errs.InvalidInput, op, "eviction timeout must exceed the node timeout")
	}
	if c.MaxEvents <= 0 {
		return errs.E(errs.InvalidInput, op, "event history must be positive")
	}
	return nil
}

// EventKind classifies fleet events.
type EventKind string

const (
	EventNodeDiscovered    EventKind = "node_discovered"
	EventNodeLost          EventKind = "node_lost"
	EventNodeUpdated       EventKind = "node_updated"
	EventHeartbeatReceived EventKind = "heartbeat_received"
	EventTimeoutDetected   EventKind = "timeout_detected"
)

// Event is one entry of the bounded fleet history.
type Event struct {
	At      time.Time
	Kind    EventKind
	NodeID  model.Hash
	Details string
}

// EventSink receives fleet events as they happen.
type EventSink interface {
	Publish(Event)
}

// Criteria filters node recommendations. Zero values mean "any".
type Criteria struct {
	Role          model.NodeRole
	Region        string
	MinReputation float64
	MaxNodes      int
}

// Stats summarizes the fleet.
type Stats struct {
	TotalNodes        int
	ActiveNodes       int
	NodesByRole       map[model.NodeRole]int
	NodesByRegion     map[string]int
	AverageReputation float64
}

// Registry is the authoritative record of the node fleet.
type Registry struct {
	mu          sync.RWMutex
	cfg         Config
	nodes       map[model.Hash]*model.NodeInfo
	reputations map[model.Hash]*model.ReputationScore
	events      []Event
	geo         *replication.GeoIndex
	sinks       []EventSink
	clock       clock.Clock
	logger      *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithGeoIndex mirrors fleet membership into a geographic index.
func WithGeoIndex(geo *replication.GeoIndex) Option {
	return func(r *Registry) { r.geo = geo }
}

// WithEventSink subscribes a sink to fleet events.
func WithEventSink(sink EventSink) Option {
	return func(r *Registry) { r.sinks = append(r.sinks, sink) }
}

// WithClock replaces the time source, for tests.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// New builds a registry.
func New(logger *zap.Logger, cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		cfg:         cfg,
		nodes:       make(map[model.Hash]*model.NodeInfo),
		reputations: make(map[model.Hash]*model.ReputationScore),
		clock:       clock.New(),
		logger:      logger.Named("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register adds a node to the fleet with a neutral reputation.
func (r *Registry) Register(info model.NodeInfo) error {
	const op = "registry.Register"
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.NodeID == (model.Hash{}) {
		return errs.E(errs.InvalidInput, op, "node id must be set")
	}
	if _, ok := r.nodes[info.NodeID]; ok {
		return errs.E(errs.InvalidState, op, "node already registered")
	}

	now := r.clock.Now()
	info.RegisteredAt = now
	info.LastHeartbeat = now
	if info.Status == "" {
		info.Status = model.NodeRegistered
	}
	r.nodes[info.NodeID] = &info
	r.reputations[info.NodeID] = &model.ReputationScore{
		Overall:      0.5,
		Reliability:  0.5,
		Performance:  0.5,
		Availability: 1.0,
		UpdatedAt:    now,
	}
	if r.geo != nil {
		r.geo.AddNode(info)
	}
	r.recordLocked(EventNodeDiscovered, info.NodeID,
		fmt.Sprintf("%s node registered in %s", info.Role, info.Region))
	r.logger.Info("node registered",
		zap.String("node", info.NodeID.Hex()),
		zap.String("role", string(info.Role)),
		zap.String("region", info.Region))
	return nil
}

// Unregister removes a node from the fleet.
func (r *Registry) Unregister(id model.Hash) error {
	const op = "registry.Unregister"
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(op, id)
}

func (r *Registry) unregisterLocked(op string, id model.Hash) error {
	info, ok := r.nodes[id]
	if !ok {
		return errs.E(errs.NotFound, op, "node not registered")
	}
	delete(r.nodes, id)
	delete(r.reputations, id)
	if r.geo != nil {
		r.geo.RemoveNode(*info)
	}
	r.recordLocked(EventNodeLost, id, "node removed from fleet")
	r.logger.Info("node unregistered", zap.String("node", id.Hex()))
	return nil
}

// Heartbeat refreshes a node's liveness and folds the reported metrics
// into its reputation. Registered and offline nodes are promoted to
// active.
func (r *Registry) Heartbeat(id model.Hash, metrics model.PerformanceMetrics) error {
	const op = "registry.Heartbeat"
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.nodes[id]
	if !ok {
		return errs.E(errs.NotFound, op, "node not registered")
	}
	now := r.clock.Now()
	info.LastHeartbeat = now
	info.Metrics = metrics
	if info.Status == model.NodeOffline || info.Status == model.NodeRegistered {
		info.Status = model.NodeActive
	}

	rep := r.reputations[id]
	performance := performanceScore(metrics)
	reliability := math.Min(1, metrics.UptimeDays)
	rep.Performance = smoothingAlpha*performance + (1-smoothingAlpha)*rep.Performance
	rep.Reliability = smoothingAlpha*reliability + (1-smoothingAlpha)*rep.Reliability
	rep.Overall = math.Min(1,
		weightPerformance*rep.Performance+
			weightReliability*rep.Reliability+
			weightAvailability*rep.Availability)
	rep.InteractionCount++
	rep.UpdatedAt = now

	r.recordLocked(EventHeartbeatReceived, id,
		fmt.Sprintf("cpu %.0f%%, latency %s", metrics.CPUUsage*100, metrics.NetworkLatency))
	return nil
}

// performanceScore rates a metrics sample: low resource usage and low
// latency score high.
func performanceScore(m model.PerformanceMetrics) float64 {
	cpu := math.Max(0, 1-m.CPUUsage)
	mem := math.Max(0, 1-m.MemoryUsage)
	storage := math.Max(0, 1-m.StorageUsage)
	latency := 1.0 / (1.0 + float64(m.NetworkLatency.Milliseconds())/1000.0)
	return math.Min(1, 0.3*cpu+0.3*mem+0.2*storage+0.2*latency)
}

// UpdateNode replaces a node's record, keeping its registration time.
func (r *Registry) UpdateNode(info model.NodeInfo) error {
	const op = "registry.UpdateNode"
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.nodes[info.NodeID]
	if !ok {
		return errs.E(errs.NotFound, op, "node not registered")
	}
	if r.geo != nil && existing.Region != info.Region {
		r.geo.RemoveNode(*existing)
		r.geo.AddNode(info)
	}
	info.RegisteredAt = existing.RegisteredAt
	*existing = info
	r.recordLocked(EventNodeUpdated, info.NodeID, "node record updated")
	return nil
}

// Recommend returns active nodes matching the criteria, best reputation
// first.
func (r *Registry) Recommend(criteria Criteria) []model.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type candidate struct {
		info  model.NodeInfo
		score float64
	}
	var candidates []candidate
	for id, info := range r.nodes {
		if info.Status != model.NodeActive {
			continue
		}
		if criteria.Role != "" && info.Role != criteria.Role {
			continue
		}
		if criteria.Region != "" && info.Region != criteria.Region {
			continue
		}
		score := r.reputations[id].Overall
		if score < criteria.MinReputation {
			continue
		}
		candidates = append(candidates, candidate{info: *info, score: score})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].info.NodeID.Hex() < candidates[j].info.NodeID.Hex()
	})

	limit := criteria.MaxNodes
	if limit <= 0 {
		limit = 10
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]model.NodeInfo, len(candidates))
	for i, c := range candidates {
		out[i] = c.info
	}
	return out
}

// CleanupInactive demotes nodes silent beyond the node timeout to
// offline and evicts those silent beyond the eviction timeout.
func (r *Registry) CleanupInactive() (offlined, evicted int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var toEvict []model.Hash
	for id, info := range r.nodes {
		silence := now.Sub(info.LastHeartbeat)
		if silence > r.cfg.EvictionTimeout {
			toEvict = append(toEvict, id)
			continue
		}
		if silence > r.cfg.NodeTimeout && info.Status != model.NodeOffline {
			info.Status = model.NodeOffline
			rep := r.reputations[id]
			rep.Availability = (1 - smoothingAlpha) * rep.Availability
			rep.UpdatedAt = now
			offlined++
			r.recordLocked(EventTimeoutDetected, id,
				fmt.Sprintf("no heartbeat for %s", silence.Truncate(time.Second)))
		}
	}
	for _, id := range toEvict {
		if err := r.unregisterLocked("registry.CleanupInactive", id); err == nil {
			evicted++
		}
	}
	if offlined > 0 || evicted > 0 {
		r.logger.Info("cleanup pass",
			zap.Int("offlined", offlined), zap.Int("evicted", evicted))
	}
	return offlined, evicted
}

// NodeOf returns a copy of a node's record.
func (r *Registry) NodeOf(id model.Hash) (model.NodeInfo, error) {
	const op = "registry.NodeOf"
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.nodes[id]
	if !ok {
		return model.NodeInfo{}, errs.E(errs.NotFound, op, "node not registered")
	}
	return *info, nil
}

// ReputationOf returns a copy of a node's reputation.
func (r *Registry) ReputationOf(id model.Hash) (model.ReputationScore, error) {
	const op = "registry.ReputationOf"
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep, ok := r.reputations[id]
	if !ok {
		return model.ReputationScore{}, errs.E(errs.NotFound, op, "node not registered")
	}
	return *rep, nil
}

// ActiveNodes lists the currently active fleet.
func (r *Registry) ActiveNodes() []model.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.NodeInfo
	for _, info := range r.nodes {
		if info.Status == model.NodeActive {
			out = append(out, *info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID.Hex() < out[j].NodeID.Hex() })
	return out
}

// NodesByRole lists nodes with the given role.
func (r *Registry) NodesByRole(role model.NodeRole) []model.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.NodeInfo
	for _, info := range r.nodes {
		if info.Role == role {
			out = append(out, *info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID.Hex() < out[j].NodeID.Hex() })
	return out
}

// RecentEvents returns up to n most recent fleet events, newest last.
func (r *Registry) RecentEvents(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > len(r.events) {
		n = len(r.events)
	}
	out := make([]Event, n)
	copy(out, r.events[len(r.events)-n:])
	return out
}

// StatsSnapshot summarizes the fleet.
func (r *Registry) StatsSnapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{
		TotalNodes:    len(r.nodes),
		NodesByRole:   make(map[model.NodeRole]int),
		NodesByRegion: make(map[string]int),
	}
	var total float64
	for id, info := range r.nodes {
		if info.Status == model.NodeActive {
			stats.ActiveNodes++
		}
		stats.NodesByRole[info.Role]++
		stats.NodesByRegion[info.Region]++
		total += r.reputations[id].Overall
	}
	if len(r.nodes) > 0 {
		stats.AverageReputation = total / float64(len(r.nodes))
	}
	return stats
}

// Run sweeps inactive nodes at the cleanup interval until the context is
// cancelled.
func (r *Registry) Run(ctx context.Context, sleep chelpers.SleepFunc) error {
	for {
		if err := sleep(ctx, r.cfg.CleanupInterval); err != nil {
			return err
		}
		r.CleanupInactive()
	}
}

func (r *Registry) recordLocked(kind EventKind, id model.Hash, details string) {
	event := Event{At: r.clock.Now(), Kind: kind, NodeID: id, Details: details}
	r.events = append(r.events, event)
	if len(r.events) > r.cfg.MaxEvents {
		r.events = r.events[len(r.events)-r.cfg.MaxEvents:]
	}
	for _, sink := range r.sinks {
		sink.Publish(event)
	}
}
