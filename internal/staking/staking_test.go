package staking

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/ledger"
	"github.com/archivechain/archivechain/internal/model"
)

func acct(b byte) model.PublicKey {
	return model.PublicKey{0: b}
}

func ref(b byte) model.Hash {
	return model.Hash{0: b}
}

func newTestSystem(t *testing.T) (*System, *ledger.Ledger, *clock.Mock) {
	t.Helper()
	led, err := ledger.New(zap.NewNop())
	require.NoError(t, err)
	s, err := NewSystem(zap.NewNop(), led, DefaultConfig())
	require.NoError(t, err)
	mock := clock.NewMock()
	s.WithClock(mock)
	return s, led, mock
}

func TestSystem_GovernanceStake(t *testing.T) {
	t.Parallel()
	s, led, mock := newTestSystem(t)
	staker := acct(1)
	require.NoError(t, led.Mint(staker, 2_000_000, ref(1)))

	err := s.CreateGovernanceStake(staker, 500_000, 30, ref(2))
	require.Error(t, err)
	assert.Equal(t, errs.InsufficientStake, errs.KindOf(err))

	err = s.CreateGovernanceStake(staker, 1_000_000, 10, ref(3))
	require.Error(t, err)
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))

	require.NoError(t, s.CreateGovernanceStake(staker, 1_000_000, 30, ref(4)))
	assert.Equal(t, uint64(1_000_000), led.Locked(staker, ledger.PurposeGovernance))

	// 30-day lock earns a 1.0821 multiplier over the 1M stake.
	assert.Equal(t, uint64(1_082_191), s.VotingPower(staker))

	err = s.WithdrawGovernanceStake(staker, ref(5))
	require.Error(t, err)
	assert.Equal(t, errs.InvalidState, errs.KindOf(err))

	mock.Add(31 * 24 * time.Hour)
	require.NoError(t, s.WithdrawGovernanceStake(staker, ref(6)))
	assert.Zero(t, led.Locked(staker, ledger.PurposeGovernance))
	assert.Zero(t, s.VotingPower(staker))
}

func TestSystem_MaxLockMultiplier(t *testing.T) {
	t.Parallel()
	s, led, _ := newTestSystem(t)
	staker := acct(1)
	require.NoError(t, led.Mint(staker, 10_000_000, ref(1)))
	require.NoError(t, s.CreateGovernanceStake(staker, 5_000_000, 3*365, ref(2)))

	// The multiplier is capped at 2x no matter how long the lock.
	assert.Equal(t, uint64(10_000_000), s.VotingPower(staker))
}

func TestSystem_ProposalRejectedOnApproval(t *testing.T) {
	t.Parallel()
	s, led, mock := newTestSystem(t)
	a, b := acct(1), acct(2)
	require.NoError(t, led.Mint(a, 2_000_000, ref(1)))
	require.NoError(t, led.Mint(b, 6_000_000, ref(2)))

	require.NoError(t, s.CreateGovernanceStake(a, 1_000_000, 30, ref(3)))
	require.NoError(t, s.CreateGovernanceStake(b, 5_000_000, 365, ref(4)))

	id, err := s.CreateProposal(a, "raise storage rate", "double the per-TB rate", ProposalParameterChange)
	require.NoError(t, err)

	// Votes before the review window ends are refused.
	err = s.VoteOnProposal(a, id, VoteFor, "", nil)
	require.Error(t, err)
	assert.Equal(t, errs.DeadlineExpired, errs.KindOf(err))

	mock.Add(24 * time.Hour)
	require.NoError(t, s.VoteOnProposal(a, id, VoteFor, "needed for sustainability", nil))
	require.NoError(t, s.VoteOnProposal(b, id, VoteAgainst, "", nil))

	// Second vote by the same account fails.
	err = s.VoteOnProposal(a, id, VoteFor, "", nil)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidState, errs.KindOf(err))

	_, err = s.FinalizeProposal(id)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidState, errs.KindOf(err))

	mock.Add(7*24*time.Hour + time.Second)
	status, err := s.FinalizeProposal(id)
	require.NoError(t, err)
	assert.Equal(t, ProposalRejected, status)

	p, ok := s.ProposalOf(id)
	require.True(t, ok)
	assert.Equal(t, uint64(1_082_191), p.VotesFor)
	assert.Equal(t, uint64(10_000_000), p.VotesAgainst)
}

func TestSystem_ProposalApproved(t *testing.T) {
	t.Parallel()
	s, led, mock := newTestSystem(t)
	a, b := acct(1), acct(2)
	require.NoError(t, led.Mint(a, 6_000_000, ref(1)))
	require.NoError(t, led.Mint(b, 2_000_000, ref(2)))
	require.NoError(t, s.CreateGovernanceStake(a, 5_000_000, 365, ref(3)))
	require.NoError(t, s.CreateGovernanceStake(b, 1_000_000, 30, ref(4)))

	id, err := s.CreateProposal(a, "adopt zstd default", "", ProposalParameterChange)
	require.NoError(t, err)

	mock.Add(25 * time.Hour)
	require.NoError(t, s.VoteOnProposal(a, id, VoteFor, "", nil))
	require.NoError(t, s.VoteOnProposal(b, id, VoteAbstain, "", nil))

	mock.Add(7 * 24 * time.Hour)
	status, err := s.FinalizeProposal(id)
	require.NoError(t, err)
	assert.Equal(t, ProposalApproved, status)
}

func TestSystem_ProposalQuorumNotMet(t *testing.T) {
	t.Parallel()
	s, led, mock := newTestSystem(t)
	a := acct(1)
	require.NoError(t, led.Mint(a, 2_000_000, ref(1)))
	require.NoError(t, s.CreateGovernanceStake(a, 1_000_000, 30, ref(2)))

	id, err := s.CreateProposal(a, "no one votes", "", ProposalGeneral)
	require.NoError(t, err)

	mock.Add(9 * 24 * time.Hour)
	status, err := s.FinalizeProposal(id)
	require.NoError(t, err)
	assert.Equal(t, ProposalRejected, status)
}

func TestSystem_VoteWithoutPower(t *testing.T) {
	t.Parallel()
	s, led, mock := newTestSystem(t)
	a, stranger := acct(1), acct(9)
	require.NoError(t, led.Mint(a, 2_000_000, ref(1)))
	require.NoError(t, s.CreateGovernanceStake(a, 1_000_000, 30, ref(2)))

	id, err := s.CreateProposal(a, "outsider vote", "", ProposalGeneral)
	require.NoError(t, err)

	mock.Add(25 * time.Hour)
	err = s.VoteOnProposal(stranger, id, VoteFor, "", nil)
	require.Error(t, err)
	assert.Equal(t, errs.Unauthorized, errs.KindOf(err))
}

func TestSystem_ValidatorStakeAndDelegation(t *testing.T) {
	t.Parallel()
	s, led, _ := newTestSystem(t)
	validator, delegator := acct(1), acct(2)
	require.NoError(t, led.Mint(validator, 20_000_000, ref(1)))
	require.NoError(t, led.Mint(delegator, 6_000_000, ref(2)))

	err := s.CreateValidatorStake(validator, 10_000_000, 0.5, ref(3))
	require.Error(t, err)
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))

	err = s.CreateValidatorStake(validator, 1_000_000, 0.1, ref(4))
	require.Error(t, err)
	assert.Equal(t, errs.InsufficientStake, errs.KindOf(err))

	require.NoError(t, s.CreateValidatorStake(validator, 10_000_000, 0.1, ref(5)))
	require.NoError(t, s.Delegate(delegator, validator, 5_000_000, ref(6)))
	assert.Equal(t, uint64(5_000_000), led.Locked(delegator, ledger.PurposeDelegation))

	v, ok := s.ValidatorOf(validator)
	require.True(t, ok)
	assert.Equal(t, uint64(5_000_000), v.DelegatedAmount)
	require.Contains(t, v.Delegators, delegator)

	returned, err := s.Undelegate(delegator, validator, ref(7))
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000), returned)
	assert.Zero(t, led.Locked(delegator, ledger.PurposeDelegation))
}

func TestSystem_RewardsDistribution(t *testing.T) {
	t.Parallel()
	s, led, mock := newTestSystem(t)
	staker, validator, delegator := acct(1), acct(2), acct(3)
	require.NoError(t, led.Mint(staker, 2_000_000, ref(1)))
	require.NoError(t, led.Mint(validator, 11_000_000, ref(2)))
	require.NoError(t, led.Mint(delegator, 6_000_000, ref(3)))

	require.NoError(t, s.CreateGovernanceStake(staker, 1_200_000, 365, ref(4)))
	require.NoError(t, s.CreateValidatorStake(validator, 10_000_000, 0.1, ref(5)))
	require.NoError(t, s.Delegate(delegator, validator, 5_000_000, ref(6)))

	// Nothing is due before a month has passed.
	total, err := s.DistributeRewards(ref(7))
	require.NoError(t, err)
	assert.Zero(t, total)

	mock.Add(30 * 24 * time.Hour)
	total, err = s.DistributeRewards(ref(8))
	require.NoError(t, err)

	// Governance: 1.2M x 8%/12 x 2.0 = 16_000. Validator pool: 15M x 8%/12
	// = 100_000; commission 10_000 to the validator plus its 10/15 share of
	// the remaining 90_000; delegator gets the 5/15 share.
	assert.Equal(t, uint64(116_000), total)
	assert.Equal(t, uint64(2_000_000-1_200_000+1_200_000+16_000), led.Balance(staker))
	assert.Equal(t, uint64(11_000_000+70_000), led.Balance(validator))
	assert.Equal(t, uint64(6_000_000+30_000), led.Balance(delegator))

	g, ok := s.GovernanceStakeOf(staker)
	require.True(t, ok)
	assert.Equal(t, uint64(16_000), g.AccumulatedRewards)
}

func TestSystem_ApplyPenalty(t *testing.T) {
	t.Parallel()
	s, led, _ := newTestSystem(t)
	validator, delegator := acct(1), acct(2)
	require.NoError(t, led.Mint(validator, 12_000_000, ref(1)))
	require.NoError(t, led.Mint(delegator, 1_000_000, ref(2)))
	require.NoError(t, s.CreateValidatorStake(validator, 10_000_000, 0.1, ref(3)))

	require.NoError(t, s.ApplyPenalty(validator, PenaltyPoorPerformance, 500_000, "slow block production", ref(4)))
	v, ok := s.ValidatorOf(validator)
	require.True(t, ok)
	assert.Equal(t, ValidatorProbation, v.Status)
	assert.Equal(t, uint64(9_500_000), v.Amount)
	assert.Equal(t, uint64(9_500_000), led.Locked(validator, ledger.PurposeValidator))
	require.Len(t, v.Penalties, 1)

	require.NoError(t, s.ApplyPenalty(validator, PenaltyMaliciousBehavior, 1_000_000, "double signing", ref(5)))
	v, _ = s.ValidatorOf(validator)
	assert.Equal(t, ValidatorSlashed, v.Status)

	// Delegating to a slashed validator is refused.
	err := s.Delegate(delegator, validator, 1_000_000, ref(6))
	require.Error(t, err)
	assert.Equal(t, errs.InvalidState, errs.KindOf(err))

	assert.Equal(t, uint64(1_500_000), s.Snapshot().TotalPenaltiesApplied)
}
