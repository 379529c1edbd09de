// Package replication plans replica targets and placement for content
// objects: per-content strategies, composite node scoring, geographic
// spread and periodic re-evaluation.
package replication

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
)

// Config tunes the replication planner.
type Config struct {
	MinReplicas            int
	MaxReplicas            int
	PopularityThreshold    uint64
	PopularityMultiplier   float64
	PopularityWeight       float64
	GeographicDistribution bool
	ReevaluationInterval   time.Duration
	NodeCapacityThreshold  float64
	// MaxRegionFraction caps the share of a replica set one region may hold
	// when geographic distribution is active.
	MaxRegionFraction float64
}

// DefaultConfig mirrors the deployed defaults.
func DefaultConfig() Config {
	return Config{
		MinReplicas:            3,
		MaxReplicas:            15,
		PopularityThreshold:    1000,
		PopularityMultiplier:   2.0,
		PopularityWeight:       2.0,
		GeographicDistribution: true,
		ReevaluationInterval:   7 * 24 * time.Hour,
		NodeCapacityThreshold:  0.85,
		MaxRegionFraction:      0.5,
	}
}

// Validate checks bounds.
func (c Config) Validate() error {
	const op = "replication.Config"
	if c.MinReplicas <= 0 || c.MaxReplicas < c.MinReplicas {
		return errs.E(errs.InvalidInput, op, "replica bounds are inconsistent")
	}
	if c.NodeCapacityThreshold <= 0 || c.NodeCapacityThreshold > 1 {
		return errs.E(errs.InvalidInput, op, "node capacity threshold must be in (0,1]")
	}
	if c.MaxRegionFraction <= 0 || c.MaxRegionFraction > 1 {
		return errs.E(errs.InvalidInput, op, "max region fraction must be in (0,1]")
	}
	return nil
}

// StrategyKind selects the replica-target computation.
type StrategyKind string

const (
	StrategyFixed      StrategyKind = "fixed"
	StrategyImportance StrategyKind = "importance"
	StrategyPopularity StrategyKind = "popularity"
	StrategyGeo        StrategyKind = "geo"
	StrategyAdaptive   StrategyKind = "adaptive"
)

// Strategy describes how a content object is replicated.
type Strategy struct {
	Kind             StrategyKind
	FixedCount       int
	Base             int
	PopularityWeight float64
	Regions          int
	PerRegion        int
	Geographic       bool
	PreferredRegions []string
	ExcludedNodes    []model.Hash
}

// Fixed returns a strategy pinning the replica count.
func Fixed(n int) Strategy {
	return Strategy{Kind: StrategyFixed, FixedCount: n}
}

// contentState is the planner's record for one content object.
type contentState struct {
	strategy      Strategy
	meta          model.ContentMetadata
	currentTarget int
	lastEvaluated time.Time
}

// Planner owns per-content replication strategies.
type Planner struct {
	mu       sync.RWMutex
	cfg      Config
	geo      *GeoIndex
	contents map[model.Hash]*contentState
	clock    clock.Clock
	logger   *zap.Logger
}

// NewPlanner builds a planner over the given geographic index.
func NewPlanner(logger *zap.Logger, geo *GeoIndex, cfg Config) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Planner{
		cfg:      cfg,
		geo:      geo,
		contents: make(map[model.Hash]*contentState),
		clock:    clock.New(),
		logger:   logger.Named("replication"),
	}, nil
}

// WithClock replaces the time source, for tests.
func (p *Planner) WithClock(c clock.Clock) *Planner {
	p.clock = c
	return p
}

// StrategyFromMetadata derives the default strategy for new content:
// adaptive targets with geographic spread when the config enables it.
func (p *Planner) StrategyFromMetadata(meta model.ContentMetadata) Strategy {
	return Strategy{
		Kind:             StrategyAdaptive,
		Base:             meta.Criticality.MinReplicas(),
		PopularityWeight: p.cfg.PopularityWeight,
		Geographic:       p.cfg.GeographicDistribution,
		PreferredRegions: append([]string(nil), meta.PreferredRegions...),
	}
}

// CreateStrategy registers a strategy for the content and returns it with
// the initial target resolved.
func (p *Planner) CreateStrategy(meta model.ContentMetadata, networkHealth float64) (Strategy, int) {
	strategy := p.StrategyFromMetadata(meta)
	target := p.TargetReplicas(strategy, meta, networkHealth)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contents[meta.ContentHash] = &contentState{
		strategy:      strategy,
		meta:          meta,
		currentTarget: target,
		lastEvaluated: p.clock.Now(),
	}
	return strategy, target
}

// UpdateStrategy replaces the strategy for known content.
func (p *Planner) UpdateStrategy(contentHash model.Hash, strategy Strategy, networkHealth float64) (int, error) {
	const op = "replication.UpdateStrategy"
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.contents[contentHash]
	if !ok {
		return 0, errs.E(errs.NotFound, op, "unknown content")
	}
	state.strategy = strategy
	state.currentTarget = p.TargetReplicas(strategy, state.meta, networkHealth)
	state.lastEvaluated = p.clock.Now()
	return state.currentTarget, nil
}

// StrategyOf returns the registered strategy and current target.
func (p *Planner) StrategyOf(contentHash model.Hash) (Strategy, int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	state, ok := p.contents[contentHash]
	if !ok {
		return Strategy{}, 0, false
	}
	return state.strategy, state.currentTarget, true
}

// TargetReplicas computes the replica target for a strategy. Fixed counts
// pass through untouched; every other kind is clamped to the configured
// bounds.
func (p *Planner) TargetReplicas(s Strategy, meta model.ContentMetadata, networkHealth float64) int {
	switch s.Kind {
	case StrategyFixed:
		return s.FixedCount
	case StrategyImportance:
		return p.clamp(meta.Criticality.MinReplicas())
	case StrategyPopularity:
		base := s.Base
		if base == 0 {
			base = p.cfg.MinReplicas
		}
		target := float64(base) + math.Log10(float64(meta.Popularity)+1)*s.PopularityWeight
		return p.clamp(int(target))
	case StrategyGeo:
		return p.clamp(s.Regions * s.PerRegion)
	default:
		base := s.Base
		if base == 0 {
			base = p.cfg.MinReplicas
		}
		popularity := 1.0
		if meta.Popularity > p.cfg.PopularityThreshold {
			popularity = p.cfg.PopularityMultiplier
		}
		return p.clamp(int(float64(base) * networkHealth * popularity))
	}
}

func (p *Planner) clamp(n int) int {
	if n < p.cfg.MinReplicas {
		return p.cfg.MinReplicas
	}
	if n > p.cfg.MaxReplicas {
		return p.cfg.MaxReplicas
	}
	return n
}

// scoredNode pairs a candidate with its composite placement score.
type scoredNode struct {
	node  model.NodeInfo
	score float64
}

// SelectNodes filters candidates by role and residual capacity, ranks them
// by the composite transfer score and returns up to target nodes, honoring
// the per-region cap when the strategy is geographic.
func (p *Planner) SelectNodes(meta model.ContentMetadata, strategy Strategy, candidates []model.NodeInfo, target int) []model.NodeInfo {
	excluded := make(map[model.Hash]struct{}, len(strategy.ExcludedNodes))
	for _, id := range strategy.ExcludedNodes {
		excluded[id] = struct{}{}
	}

	scored := make([]scoredNode, 0, len(candidates))
	for _, node := range candidates {
		if !node.Role.StoresContent() || node.Status != model.NodeActive {
			continue
		}
		if node.Metrics.StorageUsage >= p.cfg.NodeCapacityThreshold {
			continue
		}
		if _, skip := excluded[node.NodeID]; skip {
			continue
		}
		scored = append(scored, scoredNode{node: node, score: PlacementScore(node, meta.Size)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].node.NodeID.Hex() < scored[j].node.NodeID.Hex()
	})

	if !strategy.Geographic {
		selected := make([]model.NodeInfo, 0, target)
		for _, sn := range scored {
			if len(selected) == target {
				break
			}
			selected = append(selected, sn.node)
		}
		return selected
	}
	return p.selectWithRegionCap(scored, target)
}

// selectWithRegionCap picks the best nodes while keeping every region at or
// below the configured fraction of the replica set. If the cap leaves the
// set short, it is relaxed rather than under-replicating.
func (p *Planner) selectWithRegionCap(scored []scoredNode, target int) []model.NodeInfo {
	maxPerRegion := int(math.Ceil(float64(target) * p.cfg.MaxRegionFraction))
	if maxPerRegion < 1 {
		maxPerRegion = 1
	}
	selected := make([]model.NodeInfo, 0, target)
	perRegion := make(map[string]int)
	taken := make(map[model.Hash]struct{})

	for _, sn := range scored {
		if len(selected) == target {
			return selected
		}
		if perRegion[sn.node.Region] >= maxPerRegion {
			continue
		}
		selected = append(selected, sn.node)
		perRegion[sn.node.Region]++
		taken[sn.node.NodeID] = struct{}{}
	}
	for _, sn := range scored {
		if len(selected) == target {
			break
		}
		if _, ok := taken[sn.node.NodeID]; ok {
			continue
		}
		selected = append(selected, sn.node)
	}
	return selected
}

// PlacementScore is the composite transfer score:
// 0.5 bandwidth fit, 0.3 latency fit, 0.2 load fit.
func PlacementScore(node model.NodeInfo, size uint64) float64 {
	bandwidth := 1.0
	if size > 0 && node.Capabilities.BandwidthCapacity < size {
		bandwidth = float64(node.Capabilities.BandwidthCapacity) / float64(size)
	}
	latency := 1.0 / (1.0 + float64(node.Metrics.NetworkLatency.Milliseconds())/1000.0)
	load := 1.0 / (1.0 + float64(node.Metrics.ActiveTransfers))
	return 0.5*bandwidth + 0.3*latency + 0.2*load
}

// ReevaluationResult reports one strategy change from a re-evaluation pass.
type ReevaluationResult struct {
	ContentHash model.Hash
	OldTarget   int
	NewTarget   int
}

// Reevaluate walks strategies whose evaluation interval elapsed, recomputes
// targets from fresh popularity and returns the ones that changed.
func (p *Planner) Reevaluate(popularityOf func(model.Hash) uint64, networkHealth float64) []ReevaluationResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	var changed []ReevaluationResult
	for hash, state := range p.contents {
		if now.Sub(state.lastEvaluated) < p.cfg.ReevaluationInterval {
			continue
		}
		state.meta.Popularity = popularityOf(hash)
		target := p.TargetReplicas(state.strategy, state.meta, networkHealth)
		state.lastEvaluated = now
		if target == state.currentTarget {
			continue
		}
		changed = append(changed, ReevaluationResult{
			ContentHash: hash,
			OldTarget:   state.currentTarget,
			NewTarget:   target,
		})
		p.logger.Info("replication target changed",
			zap.String("content", hash.Short()),
			zap.Int("old", state.currentTarget),
			zap.Int("new", target))
		state.currentTarget = target
	}
	return changed
}
