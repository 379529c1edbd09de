// Package rewards implements the four reward pools that pay contributors
// for archiving, storing, serving, and discovering content.
package rewards

import (
	"time"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
)

// PoolType names one of the four reward pools.
type PoolType string

const (
	PoolArchival  PoolType = "initial_archiving"
	PoolStorage   PoolType = "continuous_storage"
	PoolBandwidth PoolType = "bandwidth_service"
	PoolDiscovery PoolType = "content_discovery"
)

// Shares of the archival-rewards allocation assigned to each pool.
type PoolShares struct {
	Archival  float64
	Storage   float64
	Bandwidth float64
	Discovery float64
}

// DefaultPoolShares is the 40/30/20/10 split.
func DefaultPoolShares() PoolShares {
	return PoolShares{Archival: 0.40, Storage: 0.30, Bandwidth: 0.20, Discovery: 0.10}
}

// QualityThresholds are the minimum signals below which a contribution is
// skipped rather than rewarded.
type QualityThresholds struct {
	ArchiveQuality       float64
	StorageReliability   float64
	BandwidthPerformance float64
	DiscoveryRelevance   float64
}

// Config tunes distribution cadence and limits.
type Config struct {
	DistributionFrequency time.Duration
	// MaxPoolShareRatio caps one period's payout as a fraction of the
	// pool's total allocation.
	MaxPoolShareRatio float64
	MinRecipients     int
	ClaimTimeout      time.Duration
	Shares            PoolShares
	Thresholds        QualityThresholds
}

// DefaultConfig mirrors the deployed defaults: daily cycles, 5% of a pool
// per period, one recipient minimum, 30-day claim window.
func DefaultConfig() Config {
	return Config{
		DistributionFrequency: 24 * time.Hour,
		MaxPoolShareRatio:     0.05,
		MinRecipients:         1,
		ClaimTimeout:          30 * 24 * time.Hour,
		Shares:                DefaultPoolShares(),
		Thresholds: QualityThresholds{
			ArchiveQuality:       0.8,
			StorageReliability:   0.95,
			BandwidthPerformance: 0.9,
			DiscoveryRelevance:   0.7,
		},
	}
}

// Validate checks bounds.
func (c Config) Validate() error {
	const op = "rewards.Config"
	if c.DistributionFrequency <= 0 {
		return errs.E(errs.InvalidInput, op, "distribution frequency must be positive")
	}
	if c.MaxPoolShareRatio <= 0 || c.MaxPoolShareRatio > 1 {
		return errs.E(errs.InvalidInput, op, "max pool share ratio must be in (0,1]")
	}
	if c.MinRecipients < 1 {
		return errs.E(errs.InvalidInput, op, "minimum recipients must be at least 1")
	}
	if c.ClaimTimeout <= 0 {
		return errs.E(errs.InvalidInput, op, "claim timeout must be positive")
	}
	sum := c.Shares.Archival + c.Shares.Storage + c.Shares.Bandwidth + c.Shares.Discovery
	if sum <= 0 || sum > 1.0001 {
		return errs.E(errs.InvalidInput, op, "pool shares must sum to at most 1")
	}
	return nil
}

// EconomicModel holds the payout formula parameters.
type EconomicModel struct {
	BaseArchiveReward            uint64
	MaxQualityMultiplier         float64
	RarityBonus                  uint64
	BaseStorageRatePerTB         uint64
	MaxStoragePerfMultiplier     float64
	BaseBandwidthRatePerGB       uint64
	MaxBandwidthPerfMultiplier   float64
	BaseDiscoveryReward          uint64
	MaxDiscoveryImportanceFactor float64
}

// DefaultEconomicModel returns the deployed formula parameters.
func DefaultEconomicModel() EconomicModel {
	return EconomicModel{
		BaseArchiveReward:            100,
		MaxQualityMultiplier:         5.0,
		RarityBonus:                  100,
		BaseStorageRatePerTB:         10,
		MaxStoragePerfMultiplier:     5.0,
		BaseBandwidthRatePerGB:       1,
		MaxBandwidthPerfMultiplier:   5.0,
		BaseDiscoveryReward:          25,
		MaxDiscoveryImportanceFactor: 4.0,
	}
}

// ArchivalContribution is one successful initial archiving of content.
type ArchivalContribution struct {
	Contributor model.PublicKey
	ContentHash model.Hash
	Size        uint64
	Quality     float64
	IsRare      bool
}

// StorageContribution is one provider's storage service over a period.
type StorageContribution struct {
	Provider     model.PublicKey
	StoredBytes  uint64
	Reliability  float64
	DurationDays uint32
}

// BandwidthContribution is one provider's serving volume over a period.
type BandwidthContribution struct {
	Provider    model.PublicKey
	BytesServed uint64
	Performance float64
}

// DiscoveryContribution is one indexing/discovery contribution.
type DiscoveryContribution struct {
	Discoverer     model.PublicKey
	ContentHash    model.Hash
	Relevance      float64
	Importance     float64
	FirstDiscovery bool
}

// Allocation is the computed payout for one recipient.
type Allocation struct {
	Recipient model.PublicKey
	Base      uint64
	Final     uint64
	Details   string
}

// Distribution records one completed payout cycle of a pool.
type Distribution struct {
	Pool        PoolType
	Allocations []Allocation
	Total       uint64
	Criteria    string
	Ref         model.Hash
	At          time.Time
}
