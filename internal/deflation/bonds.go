package deflation

import (
	"time"

	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/ledger"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/pkg/safe"
)

// QualityLevel is the service tier an archiver vouches for with a bond.
type QualityLevel string

const (
	QualityBasic       QualityLevel = "basic"
	QualityStandard    QualityLevel = "standard"
	QualityPremium     QualityLevel = "premium"
	QualityExceptional QualityLevel = "exceptional"
)

// BondRequirement returns the minimum bond for the level.
func (q QualityLevel) BondRequirement() uint64 {
	switch q {
	case QualityBasic:
		return 10_000
	case QualityStandard:
		return 50_000
	case QualityPremium:
		return 200_000
	case QualityExceptional:
		return 1_000_000
	default:
		return 0
	}
}

// BondStatus is the lifecycle state of a quality bond.
type BondStatus string

const (
	BondActive  BondStatus = "active"
	BondSlashed BondStatus = "slashed"
)

// QualityBond backs an archiver's promised quality level with locked tokens.
type QualityBond struct {
	Staker       model.PublicKey
	Amount       uint64
	Promised     QualityLevel
	CurrentScore float64
	StartedAt    time.Time
	LastCheck    time.Time
	Violations   uint32
	SlashedTotal uint64
	Status       BondStatus
}

// SlashRecord is one applied quality penalty.
type SlashRecord struct {
	Staker model.PublicKey
	Amount uint64
	Score  float64
	Ref    model.Hash
	At     time.Time
}

// CreateBond locks a quality bond for the staker. One active bond per
// account.
func (e *Engine) CreateBond(staker model.PublicKey, amount uint64, level QualityLevel, ref model.Hash) error {
	const op = "deflation.CreateBond"
	e.mu.Lock()
	defer e.mu.Unlock()

	required := level.BondRequirement()
	if required == 0 {
		return errs.Ef(errs.InvalidInput, op, "unknown quality level %q", level)
	}
	if amount < required {
		return errs.Quantitative(errs.InsufficientStake, op, required, amount)
	}
	if _, exists := e.bonds[staker]; exists {
		return errs.Ef(errs.InvalidState, op, "account %s already has an active bond", staker.Short())
	}
	if err := e.ledger.Lock(staker, amount, ledger.PurposeQualityBond, ref); err != nil {
		return err
	}
	now := e.clock.Now()
	e.bonds[staker] = &QualityBond{
		Staker:       staker,
		Amount:       amount,
		Promised:     level,
		CurrentScore: 1.0,
		StartedAt:    now,
		LastCheck:    now,
		Status:       BondActive,
	}
	e.metrics.TotalBonded += amount
	e.logger.Info("quality bond created",
		zap.String("staker", staker.Short()),
		zap.String("level", string(level)),
		zap.Uint64("amount", amount))
	return nil
}

// EvaluateQuality records an observed quality score for a bonded account and
// slashes the bond when the score falls below the configured threshold. The
// slashed amount is returned, zero when no penalty applied.
func (e *Engine) EvaluateQuality(staker model.PublicKey, score float64, ref model.Hash) (uint64, error) {
	const op = "deflation.EvaluateQuality"
	e.mu.Lock()
	defer e.mu.Unlock()

	bond, ok := e.bonds[staker]
	if !ok {
		return 0, errs.Ef(errs.NotFound, op, "no quality bond for %s", staker.Short())
	}
	bond.CurrentScore = score
	bond.LastCheck = e.clock.Now()

	if score >= e.cfg.MinQualityThreshold {
		return 0, nil
	}
	bond.Violations++
	slash, err := safe.UintFromFloat(float64(bond.Amount) * e.cfg.QualitySlashRate)
	if err != nil {
		return 0, errs.Wrap(errs.Internal, op, err)
	}
	if slash == 0 || slash > bond.Amount {
		return 0, nil
	}
	if err := e.ledger.BurnLocked(staker, slash, ledger.PurposeQualityBond, ref); err != nil {
		return 0, err
	}
	bond.Amount -= slash
	bond.SlashedTotal += slash
	if bond.Amount < bond.Promised.BondRequirement()/2 {
		bond.Status = BondSlashed
	}
	e.slashes = append(e.slashes, SlashRecord{
		Staker: staker,
		Amount: slash,
		Score:  score,
		Ref:    ref,
		At:     bond.LastCheck,
	})
	e.burns = append(e.burns, BurnRecord{
		Ref:         ref,
		OriginalFee: slash,
		Burned:      slash,
		Reason:      BurnQualitySlash,
		At:          bond.LastCheck,
	})
	e.metrics.TotalBonded -= slash
	e.metrics.TotalSlashed += slash
	e.metrics.TotalBurned += slash
	e.logger.Warn("quality bond slashed",
		zap.String("staker", staker.Short()),
		zap.Float64("score", score),
		zap.Uint64("slashed", slash),
		zap.String("status", string(bond.Status)))
	return slash, nil
}

// WithdrawBond releases an active bond's remaining amount back to the staker.
// A slashed bond cannot be withdrawn.
func (e *Engine) WithdrawBond(staker model.PublicKey, ref model.Hash) (uint64, error) {
	const op = "deflation.WithdrawBond"
	e.mu.Lock()
	defer e.mu.Unlock()

	bond, ok := e.bonds[staker]
	if !ok {
		return 0, errs.Ef(errs.NotFound, op, "no quality bond for %s", staker.Short())
	}
	if bond.Status == BondSlashed {
		return 0, errs.E(errs.InvalidState, op, "slashed bond cannot be withdrawn")
	}
	if err := e.ledger.Unlock(staker, bond.Amount, ledger.PurposeQualityBond, ref); err != nil {
		return 0, err
	}
	delete(e.bonds, staker)
	e.metrics.TotalBonded -= bond.Amount
	return bond.Amount, nil
}

// Bond returns a copy of the staker's bond.
func (e *Engine) Bond(staker model.PublicKey) (QualityBond, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.bonds[staker]
	if !ok {
		return QualityBond{}, false
	}
	return *b, true
}
