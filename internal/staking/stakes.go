package staking

import (
	"time"

	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/ledger"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/pkg/safe"
)

// StakeStatus is the lifecycle state of a governance stake.
type StakeStatus string

const (
	StakeLocked    StakeStatus = "locked"
	StakeActive    StakeStatus = "active"
	StakeWithdrawn StakeStatus = "withdrawn"
)

// ValidatorStatus is the lifecycle state of a validator.
type ValidatorStatus string

const (
	ValidatorActive    ValidatorStatus = "active"
	ValidatorInactive  ValidatorStatus = "inactive"
	ValidatorProbation ValidatorStatus = "probation"
	ValidatorSlashed   ValidatorStatus = "slashed"
	ValidatorRetired   ValidatorStatus = "retired"
)

// GovernanceStake is a locked balance granting voting power.
type GovernanceStake struct {
	Staker             model.PublicKey
	Amount             uint64
	StartedAt          time.Time
	LockDays           uint32
	LockEnd            time.Time
	Multiplier         float64
	AccumulatedRewards uint64
	LastRewardClaim    time.Time
	Status             StakeStatus
}

// Power is the stake's voting power, amount times the lock multiplier.
func (g *GovernanceStake) Power() uint64 {
	p, err := safe.UintFromFloat(float64(g.Amount) * g.Multiplier)
	if err != nil {
		return 0
	}
	return p
}

// DelegatorInfo tracks one delegation to a validator.
type DelegatorInfo struct {
	Delegator          model.PublicKey
	Amount             uint64
	DelegatedAt        time.Time
	AccumulatedRewards uint64
}

// PenaltyKind classifies a validator penalty.
type PenaltyKind string

const (
	PenaltyMissedBlocks      PenaltyKind = "missed_blocks"
	PenaltyMaliciousBehavior PenaltyKind = "malicious_behavior"
	PenaltyPoorPerformance   PenaltyKind = "poor_performance"
	PenaltyRuleViolation     PenaltyKind = "rule_violation"
)

// Penalty is one applied validator penalty.
type Penalty struct {
	Kind   PenaltyKind
	Amount uint64
	Reason string
	Ref    model.Hash
	At     time.Time
}

// ValidatorStake is a validator's own stake plus inbound delegations.
type ValidatorStake struct {
	Validator        model.PublicKey
	Amount           uint64
	StartedAt        time.Time
	CommissionRate   float64
	DelegatedAmount  uint64
	Delegators       map[model.PublicKey]*DelegatorInfo
	QualityScore     float64
	Penalties        []Penalty
	RewardsGenerated uint64
	LastRewardClaim  time.Time
	Status           ValidatorStatus
}

// lockMultiplier maps a lock duration to a vote-power multiplier.
func (s *System) lockMultiplier(lockDays uint32) float64 {
	m := 1 + float64(lockDays)/365*(s.cfg.MaxLockMultiplier-1)
	if m > s.cfg.MaxLockMultiplier {
		return s.cfg.MaxLockMultiplier
	}
	return m
}

// CreateGovernanceStake locks amount under the governance purpose and grants
// voting power scaled by the lock duration.
func (s *System) CreateGovernanceStake(staker model.PublicKey, amount uint64, lockDays uint32, ref model.Hash) error {
	const op = "staking.CreateGovernanceStake"
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount < s.cfg.MinGovernanceStake {
		return errs.Quantitative(errs.InsufficientStake, op, s.cfg.MinGovernanceStake, amount)
	}
	if lockDays < s.cfg.MinGovernanceLockDays {
		return errs.Ef(errs.InvalidInput, op, "lock must be at least %d days", s.cfg.MinGovernanceLockDays)
	}
	if _, exists := s.governance[staker]; exists {
		return errs.Ef(errs.InvalidState, op, "account %s already has a governance stake", staker.Short())
	}
	if err := s.ledger.Lock(staker, amount, ledger.PurposeGovernance, ref); err != nil {
		return err
	}
	now := s.clock.Now()
	s.governance[staker] = &GovernanceStake{
		Staker:          staker,
		Amount:          amount,
		StartedAt:       now,
		LockDays:        lockDays,
		LockEnd:         now.Add(time.Duration(lockDays) * 24 * time.Hour),
		Multiplier:      s.lockMultiplier(lockDays),
		LastRewardClaim: now,
		Status:          StakeLocked,
	}
	s.metrics.TotalGovernanceStaked += amount
	s.logger.Info("governance stake created",
		zap.String("staker", staker.Short()),
		zap.Uint64("amount", amount),
		zap.Uint32("lock_days", lockDays))
	return nil
}

// WithdrawGovernanceStake unlocks a stake whose lock window has passed.
func (s *System) WithdrawGovernanceStake(staker model.PublicKey, ref model.Hash) error {
	const op = "staking.WithdrawGovernanceStake"
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.governance[staker]
	if !ok {
		return errs.Ef(errs.NotFound, op, "no governance stake for %s", staker.Short())
	}
	if s.clock.Now().Before(g.LockEnd) {
		return errs.Ef(errs.InvalidState, op, "stake locked until %s", g.LockEnd.Format(time.RFC3339))
	}
	if err := s.ledger.Unlock(staker, g.Amount, ledger.PurposeGovernance, ref); err != nil {
		return err
	}
	g.Status = StakeWithdrawn
	delete(s.governance, staker)
	s.metrics.TotalGovernanceStaked -= g.Amount
	return nil
}

// CreateValidatorStake registers a validator with its self-stake.
func (s *System) CreateValidatorStake(validator model.PublicKey, amount uint64, commission float64, ref model.Hash) error {
	const op = "staking.CreateValidatorStake"
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount < s.cfg.MinValidatorStake {
		return errs.Quantitative(errs.InsufficientStake, op, s.cfg.MinValidatorStake, amount)
	}
	if commission < 0 || commission > s.cfg.MaxCommission {
		return errs.Ef(errs.InvalidInput, op, "commission must be in [0, %.2f]", s.cfg.MaxCommission)
	}
	if _, exists := s.validators[validator]; exists {
		return errs.Ef(errs.InvalidState, op, "validator %s already registered", validator.Short())
	}
	if err := s.ledger.Lock(validator, amount, ledger.PurposeValidator, ref); err != nil {
		return err
	}
	s.validators[validator] = &ValidatorStake{
		Validator:       validator,
		Amount:          amount,
		StartedAt:       s.clock.Now(),
		CommissionRate:  commission,
		Delegators:      make(map[model.PublicKey]*DelegatorInfo),
		QualityScore:    1.0,
		LastRewardClaim: s.clock.Now(),
		Status:          ValidatorActive,
	}
	s.metrics.TotalValidatorStaked += amount
	s.logger.Info("validator registered",
		zap.String("validator", validator.Short()),
		zap.Uint64("amount", amount),
		zap.Float64("commission", commission))
	return nil
}

// Delegate locks the delegator's tokens behind an active validator.
func (s *System) Delegate(delegator, validator model.PublicKey, amount uint64, ref model.Hash) error {
	const op = "staking.Delegate"
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.validators[validator]
	if !ok {
		return errs.Ef(errs.NotFound, op, "validator %s not found", validator.Short())
	}
	if v.Status != ValidatorActive {
		return errs.Ef(errs.InvalidState, op, "validator %s is %s", validator.Short(), v.Status)
	}
	if amount == 0 {
		return errs.E(errs.InvalidInput, op, "amount must be positive")
	}
	if err := s.ledger.Lock(delegator, amount, ledger.PurposeDelegation, ref); err != nil {
		return err
	}
	info, exists := v.Delegators[delegator]
	if exists {
		info.Amount += amount
	} else {
		v.Delegators[delegator] = &DelegatorInfo{
			Delegator:   delegator,
			Amount:      amount,
			DelegatedAt: s.clock.Now(),
		}
	}
	v.DelegatedAmount += amount
	s.metrics.TotalValidatorStaked += amount
	return nil
}

// Undelegate releases a delegation back to the delegator.
func (s *System) Undelegate(delegator, validator model.PublicKey, ref model.Hash) (uint64, error) {
	const op = "staking.Undelegate"
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.validators[validator]
	if !ok {
		return 0, errs.Ef(errs.NotFound, op, "validator %s not found", validator.Short())
	}
	info, ok := v.Delegators[delegator]
	if !ok {
		return 0, errs.Ef(errs.NotFound, op, "no delegation from %s", delegator.Short())
	}
	if err := s.ledger.Unlock(delegator, info.Amount, ledger.PurposeDelegation, ref); err != nil {
		return 0, err
	}
	delete(v.Delegators, delegator)
	v.DelegatedAmount -= info.Amount
	s.metrics.TotalValidatorStaked -= info.Amount
	return info.Amount, nil
}

// VotingPower returns the address's current voting power: its own governance
// stake scaled by the lock multiplier. An address without a stake has zero
// power.
func (s *System) VotingPower(address model.PublicKey) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.votingPower(address)
}

func (s *System) votingPower(address model.PublicKey) uint64 {
	g, ok := s.governance[address]
	if !ok || (g.Status != StakeLocked && g.Status != StakeActive) {
		return 0
	}
	return g.Power()
}

// TotalVotingPower returns the sum of all active governance voting power.
func (s *System) TotalVotingPower() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalVotingPower()
}

// GovernanceStakeAmount returns the address's raw governance stake, zero for
// addresses without an active stake.
func (s *System) GovernanceStakeAmount(address model.PublicKey) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.governance[address]
	if !ok || (g.Status != StakeLocked && g.Status != StakeActive) {
		return 0
	}
	return g.Amount
}

func (s *System) totalVotingPower() uint64 {
	var total uint64
	for _, g := range s.governance {
		if g.Status == StakeLocked || g.Status == StakeActive {
			total += g.Power()
		}
	}
	return total
}

// ApplyPenalty slashes a validator's self-stake and records the penalty.
// Malicious behavior slashes the validator outright; performance penalties
// put it on probation.
func (s *System) ApplyPenalty(validator model.PublicKey, kind PenaltyKind, amount uint64, reason string, ref model.Hash) error {
	const op = "staking.ApplyPenalty"
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.validators[validator]
	if !ok {
		return errs.Ef(errs.NotFound, op, "validator %s not found", validator.Short())
	}
	if amount > v.Amount {
		amount = v.Amount
	}
	if amount > 0 {
		if err := s.ledger.BurnLocked(validator, amount, ledger.PurposeValidator, ref); err != nil {
			return err
		}
		v.Amount -= amount
		s.metrics.TotalValidatorStaked -= amount
		s.metrics.TotalPenaltiesApplied += amount
	}
	v.Penalties = append(v.Penalties, Penalty{
		Kind:   kind,
		Amount: amount,
		Reason: reason,
		Ref:    ref,
		At:     s.clock.Now(),
	})
	switch kind {
	case PenaltyMaliciousBehavior:
		v.Status = ValidatorSlashed
	case PenaltyPoorPerformance, PenaltyMissedBlocks:
		if v.Status == ValidatorActive {
			v.Status = ValidatorProbation
		}
	}
	s.logger.Warn("validator penalty applied",
		zap.String("validator", validator.Short()),
		zap.String("kind", string(kind)),
		zap.Uint64("amount", amount),
		zap.String("status", string(v.Status)))
	return nil
}

// GovernanceStakeOf returns a copy of the staker's governance stake.
func (s *System) GovernanceStakeOf(staker model.PublicKey) (GovernanceStake, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.governance[staker]
	if !ok {
		return GovernanceStake{}, false
	}
	return *g, true
}

// ValidatorOf returns a copy of the validator's stake, delegators included.
func (s *System) ValidatorOf(validator model.PublicKey) (ValidatorStake, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.validators[validator]
	if !ok {
		return ValidatorStake{}, false
	}
	cp := *v
	cp.Delegators = make(map[model.PublicKey]*DelegatorInfo, len(v.Delegators))
	for k, d := range v.Delegators {
		dc := *d
		cp.Delegators[k] = &dc
	}
	cp.Penalties = append([]Penalty(nil), v.Penalties...)
	return cp, true
}

// SetQualityScore records the validator's measured performance used as the
// reward multiplier.
func (s *System) SetQualityScore(validator model.PublicKey, score float64) error {
	const op = "staking.SetQualityScore"
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[validator]
	if !ok {
		return errs.Ef(errs.NotFound, op, "validator %s not found", validator.Short())
	}
	v.QualityScore = score
	return nil
}
