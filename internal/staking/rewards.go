package staking

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/pkg/safe"
)

const rewardInterval = 30 * 24 * time.Hour

// DistributeRewards mints the monthly staking rewards for every governance
// stake and active validator whose claim interval has elapsed, and returns
// the total distributed. Validator rewards pay the commission to the
// validator and prorate the remainder over self-stake and delegations.
func (s *System) DistributeRewards(ref model.Hash) (uint64, error) {
	const op = "staking.DistributeRewards"
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	monthlyRate := s.cfg.AnnualRewardRate / 12
	var total uint64

	for _, staker := range sortedKeys(s.governance) {
		g := s.governance[staker]
		if g.Status != StakeLocked && g.Status != StakeActive {
			continue
		}
		if now.Sub(g.LastRewardClaim) < rewardInterval {
			continue
		}
		reward, err := safe.UintFromFloat(float64(g.Amount) * monthlyRate * g.Multiplier)
		if err != nil {
			return total, errs.Wrap(errs.Internal, op, err)
		}
		if reward == 0 {
			g.LastRewardClaim = now
			continue
		}
		if err := s.ledger.Mint(staker, reward, ref); err != nil {
			return total, err
		}
		g.AccumulatedRewards += reward
		g.LastRewardClaim = now
		total += reward
	}

	for _, validator := range sortedKeys(s.validators) {
		v := s.validators[validator]
		if v.Status != ValidatorActive {
			continue
		}
		if now.Sub(v.LastRewardClaim) < rewardInterval {
			continue
		}
		distributed, err := s.distributeValidatorReward(v, monthlyRate, ref, now)
		if err != nil {
			return total, err
		}
		total += distributed
	}

	s.metrics.TotalRewardsDistributed += total
	if total > 0 {
		s.logger.Info("staking rewards distributed", zap.Uint64("total", total))
	}
	return total, nil
}

func (s *System) distributeValidatorReward(v *ValidatorStake, monthlyRate float64, ref model.Hash, now time.Time) (uint64, error) {
	const op = "staking.distributeValidatorReward"
	totalStake := v.Amount + v.DelegatedAmount
	if totalStake == 0 {
		v.LastRewardClaim = now
		return 0, nil
	}
	pool, err := safe.UintFromFloat(float64(totalStake) * monthlyRate * v.QualityScore)
	if err != nil {
		return 0, errs.Wrap(errs.Internal, op, err)
	}
	if pool == 0 {
		v.LastRewardClaim = now
		return 0, nil
	}
	commission, err := safe.UintFromFloat(float64(pool) * v.CommissionRate)
	if err != nil {
		return 0, errs.Wrap(errs.Internal, op, err)
	}
	remainder := pool - commission

	// Validator takes commission plus its prorated share of the remainder.
	validatorReward := commission + remainder*v.Amount/totalStake
	if err := s.ledger.Mint(v.Validator, validatorReward, ref); err != nil {
		return 0, err
	}
	v.RewardsGenerated += validatorReward
	distributed := validatorReward

	for _, delegator := range sortedKeys(v.Delegators) {
		d := v.Delegators[delegator]
		reward := remainder * d.Amount / totalStake
		if reward == 0 {
			continue
		}
		if err := s.ledger.Mint(delegator, reward, ref); err != nil {
			return distributed, err
		}
		d.AccumulatedRewards += reward
		distributed += reward
	}
	v.LastRewardClaim = now
	return distributed, nil
}

// sortedKeys returns map keys in byte order for deterministic payouts.
func sortedKeys[V any](m map[model.PublicKey]V) []model.PublicKey {
	keys := make([]model.PublicKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		for b := 0; b < len(keys[i]); b++ {
			if keys[i][b] != keys[j][b] {
				return keys[i][b] < keys[j][b]
			}
		}
		return false
	})
	return keys
}
