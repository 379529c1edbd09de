package rewards

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/ledger"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/pkg/safe"
)

const (
	bytesPerTB = 1 << 40
	bytesPerGB = 1 << 30

	// truncEpsilon absorbs float representation error so a payout computed
	// as 41.999999999999998 truncates to 42, not 41.
	truncEpsilon = 1e-9
)

// Pool tracks one bounded reward budget.
type Pool struct {
	Type                  PoolType
	TotalAllocation       uint64
	Distributed           uint64
	PeriodLimit           uint64
	DistributedThisPeriod uint64
	PeriodResetAt         time.Time
	Records               []Distribution
}

// Available returns the undistributed remainder of the allocation.
func (p *Pool) Available() uint64 {
	return p.TotalAllocation - p.Distributed
}

// Ledger is the slice of the token ledger the engine needs.
type Ledger interface {
	ApplyBatch(ops []ledger.Op) error
}

// Engine computes per-contributor payouts and mints them through the ledger
// as a single deterministic batch per cycle.
type Engine struct {
	mu     sync.RWMutex
	cfg    Config
	model  EconomicModel
	pools  map[PoolType]*Pool
	ledger Ledger
	clock  clock.Clock
	logger *zap.Logger
}

// NewEngine splits totalAllocation over the four pools per cfg.Shares.
func NewEngine(logger *zap.Logger, led Ledger, totalAllocation uint64, cfg Config) *Engine {
	e := &Engine{
		cfg:    cfg,
		model:  DefaultEconomicModel(),
		pools:  make(map[PoolType]*Pool, 4),
		ledger: led,
		clock:  clock.New(),
		logger: logger.Named("rewards"),
	}
	now := e.clock.Now()
	for _, alloc := range []struct {
		t     PoolType
		share float64
	}{
		{PoolArchival, cfg.Shares.Archival},
		{PoolStorage, cfg.Shares.Storage},
		{PoolBandwidth, cfg.Shares.Bandwidth},
		{PoolDiscovery, cfg.Shares.Discovery},
	} {
		total := uint64(float64(totalAllocation) * alloc.share)
		e.pools[alloc.t] = &Pool{
			Type:            alloc.t,
			TotalAllocation: total,
			PeriodLimit:     uint64(float64(total) * cfg.MaxPoolShareRatio),
			PeriodResetAt:   now.Add(cfg.DistributionFrequency),
		}
	}
	return e
}

// WithClock replaces the time source and rebases every pool's period window
// on it, for tests.
func (e *Engine) WithClock(c clock.Clock) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = c
	now := c.Now()
	for _, p := range e.pools {
		p.PeriodResetAt = now.Add(e.cfg.DistributionFrequency)
	}
	return e
}

// PoolSnapshot returns a copy of the named pool's accounting.
func (e *Engine) PoolSnapshot(t PoolType) (Pool, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pools[t]
	if !ok {
		return Pool{}, false
	}
	cp := *p
	cp.Records = append([]Distribution(nil), p.Records...)
	return cp, true
}

// DistributeArchival pays initial-archiving contributions. Contributions
// below the quality threshold are skipped, not failed.
func (e *Engine) DistributeArchival(contribs []ArchivalContribution, ref model.Hash) (*Distribution, error) {
	allocs := make([]Allocation, 0, len(contribs))
	for _, c := range contribs {
		if c.Quality < e.cfg.Thresholds.ArchiveQuality {
			e.logger.Debug("archival contribution below quality threshold",
				zap.String("contributor", c.Contributor.Short()),
				zap.Float64("quality", c.Quality))
			continue
		}
		mult := boundedMultiplier(c.Quality, 0.5, 0.5, e.model.MaxQualityMultiplier)
		final, err := safe.UintFromFloat(float64(e.model.BaseArchiveReward)*mult + truncEpsilon)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "rewards.DistributeArchival", err)
		}
		var bonus uint64
		if c.IsRare {
			bonus = e.model.RarityBonus
		}
		allocs = append(allocs, Allocation{
			Recipient: c.Contributor,
			Base:      e.model.BaseArchiveReward,
			Final:     final + bonus,
			Details:   fmt.Sprintf("base %d x %.2f quality + %d bonus", e.model.BaseArchiveReward, mult, bonus),
		})
	}
	return e.settle(PoolArchival, allocs, ref)
}

// DistributeStorage pays continuous-storage contributions for one period.
func (e *Engine) DistributeStorage(contribs []StorageContribution, ref model.Hash) (*Distribution, error) {
	allocs := make([]Allocation, 0, len(contribs))
	for _, c := range contribs {
		if c.Reliability < e.cfg.Thresholds.StorageReliability {
			e.logger.Debug("storage contribution below reliability threshold",
				zap.String("provider", c.Provider.Short()),
				zap.Float64("reliability", c.Reliability))
			continue
		}
		tb := float64(c.StoredBytes) / bytesPerTB
		base, err := safe.UintFromFloat(tb * float64(e.model.BaseStorageRatePerTB))
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "rewards.DistributeStorage", err)
		}
		mult := boundedMultiplier(c.Reliability, 0.8, 0.2, e.model.MaxStoragePerfMultiplier)
		final, err := safe.UintFromFloat(float64(base)*mult + truncEpsilon)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "rewards.DistributeStorage", err)
		}
		var bonus uint64
		if c.DurationDays > 180 {
			bonus = uint64(c.DurationDays-180) * base / 365
		}
		allocs = append(allocs, Allocation{
			Recipient: c.Provider,
			Base:      base,
			Final:     final + bonus,
			Details:   fmt.Sprintf("%.2f TB x %d x %.2f performance + %d bonus", tb, e.model.BaseStorageRatePerTB, mult, bonus),
		})
	}
	return e.settle(PoolStorage, allocs, ref)
}

// DistributeBandwidth pays serving contributions for one period.
func (e *Engine) DistributeBandwidth(contribs []BandwidthContribution, ref model.Hash) (*Distribution, error) {
	allocs := make([]Allocation, 0, len(contribs))
	for _, c := range contribs {
		if c.Performance < e.cfg.Thresholds.BandwidthPerformance {
			e.logger.Debug("bandwidth contribution below performance threshold",
				zap.String("provider", c.Provider.Short()),
				zap.Float64("performance", c.Performance))
			continue
		}
		gb := float64(c.BytesServed) / bytesPerGB
		base, err := safe.UintFromFloat(gb * float64(e.model.BaseBandwidthRatePerGB))
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "rewards.DistributeBandwidth", err)
		}
		mult := boundedMultiplier(c.Performance, 0.8, 0.2, e.model.MaxBandwidthPerfMultiplier)
		final, err := safe.UintFromFloat(float64(base)*mult + truncEpsilon)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "rewards.DistributeBandwidth", err)
		}
		var bonus uint64
		if c.Performance > 0.95 {
			bonus = base / 10
		}
		allocs = append(allocs, Allocation{
			Recipient: c.Provider,
			Base:      base,
			Final:     final + bonus,
			Details:   fmt.Sprintf("%.2f GB x %d x %.2f performance + %d bonus", gb, e.model.BaseBandwidthRatePerGB, mult, bonus),
		})
	}
	return e.settle(PoolBandwidth, allocs, ref)
}

// DistributeDiscovery pays content-discovery contributions.
func (e *Engine) DistributeDiscovery(contribs []DiscoveryContribution, ref model.Hash) (*Distribution, error) {
	allocs := make([]Allocation, 0, len(contribs))
	for _, c := range contribs {
		if c.Relevance < e.cfg.Thresholds.DiscoveryRelevance {
			e.logger.Debug("discovery contribution below relevance threshold",
				zap.String("discoverer", c.Discoverer.Short()),
				zap.Float64("relevance", c.Relevance))
			continue
		}
		mult := boundedMultiplier(c.Importance, 0.5, 0.5, e.model.MaxDiscoveryImportanceFactor)
		final, err := safe.UintFromFloat(float64(e.model.BaseDiscoveryReward)*mult + truncEpsilon)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "rewards.DistributeDiscovery", err)
		}
		var bonus uint64
		if c.FirstDiscovery {
			bonus = e.model.BaseDiscoveryReward / 2
		}
		allocs = append(allocs, Allocation{
			Recipient: c.Discoverer,
			Base:      e.model.BaseDiscoveryReward,
			Final:     final + bonus,
			Details:   fmt.Sprintf("base %d x %.2f importance + %d bonus", e.model.BaseDiscoveryReward, mult, bonus),
		})
	}
	return e.settle(PoolDiscovery, allocs, ref)
}

// settle debits the pool and mints allocations as one atomic batch, ordered
// by recipient key for determinism.
func (e *Engine) settle(t PoolType, allocs []Allocation, ref model.Hash) (*Distribution, error) {
	const op = "rewards.settle"
	e.mu.Lock()
	defer e.mu.Unlock()

	pool := e.pools[t]
	e.rollPeriod(pool)

	var total uint64
	for _, a := range allocs {
		total += a.Final
	}
	if total > pool.Available() {
		return nil, errs.Quantitative(errs.InsufficientRewardPool, op, total, pool.Available())
	}
	if pool.DistributedThisPeriod+total > pool.PeriodLimit {
		return nil, errs.Quantitative(errs.InsufficientRewardPool, op,
			total, pool.PeriodLimit-pool.DistributedThisPeriod)
	}

	if total > 0 {
		byRecipient := make(map[model.PublicKey]uint64, len(allocs))
		keys := make([]model.PublicKey, 0, len(allocs))
		for _, a := range allocs {
			if _, seen := byRecipient[a.Recipient]; !seen {
				keys = append(keys, a.Recipient)
			}
			byRecipient[a.Recipient] += a.Final
		}
		ledger.SortRecipients(keys)
		ops := make([]ledger.Op, 0, len(keys))
		for _, k := range keys {
			ops = append(ops, ledger.MintOp(k, byRecipient[k], ref))
		}
		if err := e.ledger.ApplyBatch(ops); err != nil {
			return nil, err
		}
	}

	pool.Distributed += total
	pool.DistributedThisPeriod += total
	dist := Distribution{
		Pool:        t,
		Allocations: allocs,
		Total:       total,
		Criteria:    fmt.Sprintf("thresholds=%+v", e.cfg.Thresholds),
		Ref:         ref,
		At:          e.clock.Now(),
	}
	pool.Records = append(pool.Records, dist)
	e.logger.Info("reward cycle settled",
		zap.String("pool", string(t)),
		zap.Int("recipients", len(allocs)),
		zap.Uint64("total", total))
	return &dist, nil
}

// rollPeriod advances the payout window if the reset time has passed.
func (e *Engine) rollPeriod(p *Pool) {
	now := e.clock.Now()
	for !now.Before(p.PeriodResetAt) {
		p.PeriodResetAt = p.PeriodResetAt.Add(e.cfg.DistributionFrequency)
		p.DistributedThisPeriod = 0
	}
}

// boundedMultiplier maps a signal in [pivot, pivot+span] onto [1, max].
func boundedMultiplier(signal, pivot, span, max float64) float64 {
	m := 1 + (signal-pivot)/span*(max-1)
	return math.Min(math.Max(m, 1), max)
}
