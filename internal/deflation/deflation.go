// Package deflation implements the deflationary mechanisms of the token
// economy: automatic fee burning, quality bonds with slashing, and long-term
// holding bonuses.
package deflation

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/ledger"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/pkg/safe"
)

// Config tunes the deflationary mechanisms.
type Config struct {
	// FeeBurnRate is the fraction of each settled fee destroyed.
	FeeBurnRate float64
	// MinQualityThreshold is the quality score below which a bond is slashed.
	MinQualityThreshold float64
	// QualitySlashRate is the fraction of a bond destroyed per violation.
	QualitySlashRate float64
	// MinCommitment is the shortest accepted long-term commitment.
	MinCommitment time.Duration
	// BonusFrequency is how often long-term bonuses accrue.
	BonusFrequency time.Duration
	// MonthlyBonusRate is the base bonus per 30 days, before multipliers.
	MonthlyBonusRate float64
}

// DefaultConfig mirrors the deployed defaults.
func DefaultConfig() Config {
	return Config{
		FeeBurnRate:         0.10,
		MinQualityThreshold: 0.8,
		QualitySlashRate:    0.15,
		MinCommitment:       180 * 24 * time.Hour,
		BonusFrequency:      30 * 24 * time.Hour,
		MonthlyBonusRate:    0.001,
	}
}

// Validate checks rate and duration bounds.
func (c Config) Validate() error {
	const op = "deflation.Config"
	if c.FeeBurnRate < 0 || c.FeeBurnRate > 1 {
		return errs.E(errs.InvalidInput, op, "fee burn rate must be in [0,1]")
	}
	if c.QualitySlashRate < 0 || c.QualitySlashRate > 1 {
		return errs.E(errs.InvalidInput, op, "quality slash rate must be in [0,1]")
	}
	if c.MinCommitment <= 0 || c.BonusFrequency <= 0 {
		return errs.E(errs.InvalidInput, op, "commitment and bonus frequency must be positive")
	}
	return nil
}

// Ledger is the slice of the token ledger the engine mutates.
type Ledger interface {
	Mint(to model.PublicKey, amount uint64, ref model.Hash) error
	Burn(from model.PublicKey, amount uint64, ref model.Hash) error
	BurnLocked(from model.PublicKey, amount uint64, purpose ledger.Purpose, ref model.Hash) error
	Lock(pk model.PublicKey, amount uint64, purpose ledger.Purpose, ref model.Hash) error
	Unlock(pk model.PublicKey, amount uint64, purpose ledger.Purpose, ref model.Hash) error
}

// BurnReason classifies a burn record.
type BurnReason string

const (
	BurnTransactionFees BurnReason = "transaction_fees"
	BurnQualitySlash    BurnReason = "quality_slash"
	BurnManual          BurnReason = "manual"
)

// BurnRecord is one completed burn.
type BurnRecord struct {
	Ref         model.Hash
	OriginalFee uint64
	Burned      uint64
	Retained    uint64
	Reason      BurnReason
	At          time.Time
}

// Metrics is an accounting snapshot of the deflationary state.
type Metrics struct {
	TotalBurned           uint64
	TotalBonded           uint64
	TotalSlashed          uint64
	TotalLongTermLocked   uint64
	TotalBonusDistributed uint64
}

// Engine owns the burn history, quality bonds and long-term positions.
type Engine struct {
	mu        sync.RWMutex
	cfg       Config
	ledger    Ledger
	bonds     map[model.PublicKey]*QualityBond
	positions map[model.Hash]*LongTermPosition
	byHolder  map[model.PublicKey][]model.Hash
	burns     []BurnRecord
	slashes   []SlashRecord
	bonuses   []BonusRecord
	metrics   Metrics
	clock     clock.Clock
	logger    *zap.Logger
}

// NewEngine builds an Engine over the given ledger.
func NewEngine(logger *zap.Logger, led Ledger, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		ledger:    led,
		bonds:     make(map[model.PublicKey]*QualityBond),
		positions: make(map[model.Hash]*LongTermPosition),
		byHolder:  make(map[model.PublicKey][]model.Hash),
		clock:     clock.New(),
		logger:    logger.Named("deflation"),
	}, nil
}

// WithClock replaces the time source, for tests.
func (e *Engine) WithClock(c clock.Clock) *Engine {
	e.clock = c
	return e
}

// BurnFees destroys the configured fraction of a settled fee out of the
// system account and returns the burned amount.
func (e *Engine) BurnFees(fee uint64, ref model.Hash) (uint64, error) {
	const op = "deflation.BurnFees"
	e.mu.Lock()
	defer e.mu.Unlock()

	burn, err := safe.UintFromFloat(float64(fee) * e.cfg.FeeBurnRate)
	if err != nil {
		return 0, errs.Wrap(errs.Internal, op, err)
	}
	if burn == 0 {
		return 0, nil
	}
	if err := e.ledger.Burn(model.SystemAccount, burn, ref); err != nil {
		return 0, err
	}
	e.burns = append(e.burns, BurnRecord{
		Ref:         ref,
		OriginalFee: fee,
		Burned:      burn,
		Retained:    fee - burn,
		Reason:      BurnTransactionFees,
		At:          e.clock.Now(),
	})
	e.metrics.TotalBurned += burn
	e.logger.Debug("fees burned",
		zap.Uint64("fee", fee),
		zap.Uint64("burned", burn))
	return burn, nil
}

// AnnualDeflationRate estimates the yearly deflation as the tokens burned in
// the trailing year over the circulating supply.
func (e *Engine) AnnualDeflationRate(circulating uint64) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if circulating == 0 {
		return 0
	}
	cutoff := e.clock.Now().Add(-365 * 24 * time.Hour)
	var burned uint64
	for _, r := range e.burns {
		if r.At.After(cutoff) {
			burned += r.Burned
		}
	}
	return float64(burned) / float64(circulating)
}

// Snapshot returns a copy of the current metrics.
func (e *Engine) Snapshot() Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics
}

// BurnHistory returns a copy of the burn records, oldest first.
func (e *Engine) BurnHistory() []BurnRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]BurnRecord(nil), e.burns...)
}
