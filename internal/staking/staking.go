// Package staking implements governance and validator staking: locked
// stakes with vote-power multipliers, proposal voting, delegation, monthly
// rewards and penalties.
package staking

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/ledger"
	"github.com/archivechain/archivechain/internal/model"
)

// Config tunes the staking system.
type Config struct {
	MinGovernanceStake    uint64
	MinValidatorStake     uint64
	MinGovernanceLockDays uint32
	MinValidatorLockDays  uint32
	// AnnualRewardRate is the base yearly reward as a fraction (0.08 = 8%).
	AnnualRewardRate float64
	// MaxLockMultiplier caps the vote-power multiplier earned by long locks.
	MaxLockMultiplier float64
	ReviewWindow      time.Duration
	VotingWindow      time.Duration
	// QuorumFraction of the total voting power that must participate.
	QuorumFraction float64
	// ApprovalThreshold of for/(for+against) required to approve.
	ApprovalThreshold float64
	MaxCommission     float64
}

// DefaultConfig mirrors the deployed defaults.
func DefaultConfig() Config {
	return Config{
		MinGovernanceStake:    1_000_000,
		MinValidatorStake:     10_000_000,
		MinGovernanceLockDays: 30,
		MinValidatorLockDays:  90,
		AnnualRewardRate:      0.08,
		MaxLockMultiplier:     2.0,
		ReviewWindow:          24 * time.Hour,
		VotingWindow:          7 * 24 * time.Hour,
		QuorumFraction:        0.15,
		ApprovalThreshold:     0.60,
		MaxCommission:         0.20,
	}
}

// Validate checks bounds.
func (c Config) Validate() error {
	const op = "staking.Config"
	if c.MinGovernanceStake == 0 || c.MinValidatorStake == 0 {
		return errs.E(errs.InvalidInput, op, "minimum stakes must be positive")
	}
	if c.MaxLockMultiplier < 1 {
		return errs.E(errs.InvalidInput, op, "max lock multiplier must be at least 1")
	}
	if c.QuorumFraction <= 0 || c.QuorumFraction > 1 {
		return errs.E(errs.InvalidInput, op, "quorum fraction must be in (0,1]")
	}
	if c.ApprovalThreshold <= 0 || c.ApprovalThreshold > 1 {
		return errs.E(errs.InvalidInput, op, "approval threshold must be in (0,1]")
	}
	if c.MaxCommission < 0 || c.MaxCommission > 1 {
		return errs.E(errs.InvalidInput, op, "max commission must be in [0,1]")
	}
	return nil
}

// Ledger is the slice of the token ledger the staking system mutates.
type Ledger interface {
	Mint(to model.PublicKey, amount uint64, ref model.Hash) error
	Lock(pk model.PublicKey, amount uint64, purpose ledger.Purpose, ref model.Hash) error
	Unlock(pk model.PublicKey, amount uint64, purpose ledger.Purpose, ref model.Hash) error
	BurnLocked(from model.PublicKey, amount uint64, purpose ledger.Purpose, ref model.Hash) error
}

// Metrics is an accounting snapshot of the staking state.
type Metrics struct {
	TotalGovernanceStaked   uint64
	TotalValidatorStaked    uint64
	GovernanceStakers       int
	ActiveValidators        int
	ActiveProposals         int
	TotalRewardsDistributed uint64
	TotalPenaltiesApplied   uint64
}

// System owns governance stakes, validator stakes, delegations and
// proposals.
type System struct {
	mu         sync.RWMutex
	cfg        Config
	ledger     Ledger
	governance map[model.PublicKey]*GovernanceStake
	validators map[model.PublicKey]*ValidatorStake
	proposals  map[model.Hash]*Proposal
	metrics    Metrics
	clock      clock.Clock
	logger     *zap.Logger
}

// NewSystem builds a staking System over the given ledger.
func NewSystem(logger *zap.Logger, led Ledger, cfg Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &System{
		cfg:        cfg,
		ledger:     led,
		governance: make(map[model.PublicKey]*GovernanceStake),
		validators: make(map[model.PublicKey]*ValidatorStake),
		proposals:  make(map[model.Hash]*Proposal),
		clock:      clock.New(),
		logger:     logger.Named("staking"),
	}, nil
}

// WithClock replaces the time source, for tests.
func (s *System) WithClock(c clock.Clock) *System {
	s.clock = c
	return s
}

// Snapshot returns a copy of the current metrics.
func (s *System) Snapshot() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.metrics
	m.GovernanceStakers = len(s.governance)
	m.ActiveValidators = 0
	for _, v := range s.validators {
		if v.Status == ValidatorActive {
			m.ActiveValidators++
		}
	}
	m.ActiveProposals = 0
	for _, p := range s.proposals {
		if p.Status == ProposalVoting {
			m.ActiveProposals++
		}
	}
	return m
}
