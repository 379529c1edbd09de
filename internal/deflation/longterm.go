package deflation

import (
	"encoding/binary"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/crypto"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/ledger"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/pkg/safe"
)

// Long-term multiplier bands.
const (
	sixMonths = 180 * 24 * time.Hour
	oneYear   = 365 * 24 * time.Hour
	twoYears  = 730 * 24 * time.Hour

	multiplierSixMonths = 1.2
	multiplierOneYear   = 1.5
	multiplierTwoYears  = 2.0
)

// PositionStatus is the lifecycle state of a long-term position.
type PositionStatus string

const (
	PositionActive          PositionStatus = "active"
	PositionCompleted       PositionStatus = "completed"
	PositionEarlyWithdrawal PositionStatus = "early_withdrawal"
)

// LongTermPosition locks tokens for a commitment window in exchange for a
// recurring bonus scaled by the commitment length.
type LongTermPosition struct {
	ID            model.Hash
	Holder        model.PublicKey
	Amount        uint64
	StartedAt     time.Time
	CommitmentEnd time.Time
	Multiplier    float64
	LastAccrual   time.Time
	Status        PositionStatus
}

// BonusRecord is one distributed long-term bonus.
type BonusRecord struct {
	Holder     model.PublicKey
	PositionID model.Hash
	Amount     uint64
	Multiplier float64
	PeriodDays uint32
	Ref        model.Hash
	At         time.Time
}

// CommitmentMultiplier returns the bonus multiplier for a commitment length.
func CommitmentMultiplier(commitment time.Duration) float64 {
	switch {
	case commitment >= twoYears:
		return multiplierTwoYears
	case commitment >= oneYear:
		return multiplierOneYear
	case commitment >= sixMonths:
		return multiplierSixMonths
	default:
		return 1.0
	}
}

// OpenPosition locks amount under a long-term commitment and returns the
// position id.
func (e *Engine) OpenPosition(holder model.PublicKey, amount uint64, commitment time.Duration, ref model.Hash) (model.Hash, error) {
	const op = "deflation.OpenPosition"
	e.mu.Lock()
	defer e.mu.Unlock()

	if commitment < e.cfg.MinCommitment {
		return model.ZeroHash, errs.Ef(errs.InvalidInput, op,
			"commitment %s below minimum %s", commitment, e.cfg.MinCommitment)
	}
	if amount == 0 {
		return model.ZeroHash, errs.E(errs.InvalidInput, op, "amount must be positive")
	}
	if err := e.ledger.Lock(holder, amount, ledger.PurposeLongTerm, ref); err != nil {
		return model.ZeroHash, err
	}

	now := e.clock.Now()
	var nonce [16]byte
	binary.LittleEndian.PutUint64(nonce[:8], amount)
	binary.LittleEndian.PutUint64(nonce[8:], uint64(now.UnixNano()))
	id := crypto.ChecksumParts(holder[:], nonce[:], ref[:])

	e.positions[id] = &LongTermPosition{
		ID:            id,
		Holder:        holder,
		Amount:        amount,
		StartedAt:     now,
		CommitmentEnd: now.Add(commitment),
		Multiplier:    CommitmentMultiplier(commitment),
		LastAccrual:   now,
		Status:        PositionActive,
	}
	e.byHolder[holder] = append(e.byHolder[holder], id)
	e.metrics.TotalLongTermLocked += amount
	e.logger.Info("long-term position opened",
		zap.String("holder", holder.Short()),
		zap.String("position", id.Short()),
		zap.Uint64("amount", amount),
		zap.Float64("multiplier", CommitmentMultiplier(commitment)))
	return id, nil
}

// AccrueBonuses mints the due bonus for every active position whose accrual
// interval has elapsed, and returns the total distributed. Positions are
// visited in id order so payouts are deterministic.
func (e *Engine) AccrueBonuses(ref model.Hash) (uint64, error) {
	const op = "deflation.AccrueBonuses"
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]model.Hash, 0, len(e.positions))
	for id := range e.positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		for b := 0; b < len(ids[i]); b++ {
			if ids[i][b] != ids[j][b] {
				return ids[i][b] < ids[j][b]
			}
		}
		return false
	})

	now := e.clock.Now()
	var total uint64
	for _, id := range ids {
		p := e.positions[id]
		if p.Status != PositionActive {
			continue
		}
		elapsed := now.Sub(p.LastAccrual)
		if elapsed < e.cfg.BonusFrequency {
			continue
		}
		periods := elapsed.Hours() / 24 / 30
		bonus, err := safe.UintFromFloat(float64(p.Amount) * e.cfg.MonthlyBonusRate * periods * p.Multiplier)
		if err != nil {
			return total, errs.Wrap(errs.Internal, op, err)
		}
		if bonus == 0 {
			p.LastAccrual = now
			continue
		}
		if err := e.ledger.Mint(p.Holder, bonus, ref); err != nil {
			return total, err
		}
		e.bonuses = append(e.bonuses, BonusRecord{
			Holder:     p.Holder,
			PositionID: p.ID,
			Amount:     bonus,
			Multiplier: p.Multiplier,
			PeriodDays: uint32(elapsed.Hours() / 24),
			Ref:        ref,
			At:         now,
		})
		p.LastAccrual = now
		total += bonus
	}
	e.metrics.TotalBonusDistributed += total
	if total > 0 {
		e.logger.Info("long-term bonuses distributed", zap.Uint64("total", total))
	}
	return total, nil
}

// ClosePosition unlocks a position's tokens. Closing before the commitment
// end marks the position as an early withdrawal, which forfeits any bonus
// still accruing.
func (e *Engine) ClosePosition(holder model.PublicKey, id model.Hash, ref model.Hash) error {
	const op = "deflation.ClosePosition"
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.positions[id]
	if !ok {
		return errs.Ef(errs.NotFound, op, "position %s not found", id.Short())
	}
	if p.Holder != holder {
		return errs.E(errs.Unauthorized, op, "position belongs to another account")
	}
	if p.Status != PositionActive {
		return errs.Ef(errs.InvalidState, op, "position already %s", p.Status)
	}
	if err := e.ledger.Unlock(holder, p.Amount, ledger.PurposeLongTerm, ref); err != nil {
		return err
	}
	if e.clock.Now().Before(p.CommitmentEnd) {
		p.Status = PositionEarlyWithdrawal
	} else {
		p.Status = PositionCompleted
	}
	e.metrics.TotalLongTermLocked -= p.Amount
	e.logger.Info("long-term position closed",
		zap.String("holder", holder.Short()),
		zap.String("position", id.Short()),
		zap.String("status", string(p.Status)))
	return nil
}

// Position returns a copy of the position with the given id.
func (e *Engine) Position(id model.Hash) (LongTermPosition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.positions[id]
	if !ok {
		return LongTermPosition{}, false
	}
	return *p, true
}

// PositionsOf returns copies of the holder's positions, open order.
func (e *Engine) PositionsOf(holder model.PublicKey) []LongTermPosition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]LongTermPosition, 0, len(e.byHolder[holder]))
	for _, id := range e.byHolder[holder] {
		if p, ok := e.positions[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}
