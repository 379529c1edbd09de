package deflation

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

func newTestEngine(t *testing.T) (*Engine, *ledger.Ledger, *clock.Mock) {
	t.Helper()
	led, err := ledger.New(zap.NewNop())
	require.NoError(t, err)
	e, err := NewEngine(zap.NewNop(), led, DefaultConfig())
	require.NoError(t, err)
	mock := clock.NewMock()
	e.WithClock(mock)
	return e, led, mock
}

func TestEngine_BurnFees(t *testing.T) {
	t.Parallel()
	e, led, _ := newTestEngine(t)

	require.NoError(t, led.Mint(model.SystemAccount, 1_000, ref(1)))

	burned, err := e.BurnFees(100, ref(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), burned)
	assert.Equal(t, uint64(990), led.Balance(model.SystemAccount))
	assert.Equal(t, uint64(10), e.Snapshot().TotalBurned)

	history := e.BurnHistory()
	require.Len(t, history, 1)
	assert.Equal(t, BurnTransactionFees, history[0].Reason)
	assert.Equal(t, uint64(90), history[0].Retained)
}

func TestEngine_BurnFeesZero(t *testing.T) {
	t.Parallel()
	e, led, _ := newTestEngine(t)

	burned, err := e.BurnFees(5, ref(1))
	require.NoError(t, err)
	assert.Zero(t, burned)
	assert.Zero(t, led.Statistics().Burned)
}

func TestEngine_QualityBondLifecycle(t *testing.T) {
	t.Parallel()
	e, led, _ := newTestEngine(t)
	staker := acct(1)

	require.NoError(t, led.Mint(staker, 100_000, ref(1)))
	require.NoError(t, e.CreateBond(staker, 50_000, QualityStandard, ref(2)))
	assert.Equal(t, uint64(50_000), led.Locked(staker, ledger.PurposeQualityBond))

	// A second bond for the same account is rejected.
	err := e.CreateBond(staker, 50_000, QualityStandard, ref(3))
	require.Error(t, err)
	assert.Equal(t, errs.InvalidState, errs.KindOf(err))

	slashed, err := e.EvaluateQuality(staker, 0.9, ref(4))
	require.NoError(t, err)
	assert.Zero(t, slashed)

	slashed, err = e.EvaluateQuality(staker, 0.5, ref(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(7_500), slashed)
	assert.Equal(t, uint64(42_500), led.Locked(staker, ledger.PurposeQualityBond))
	assert.Equal(t, uint64(7_500), led.Statistics().Burned)

	bond, ok := e.Bond(staker)
	require.True(t, ok)
	assert.Equal(t, BondActive, bond.Status)
	assert.Equal(t, uint32(1), bond.Violations)

	remaining, err := e.WithdrawBond(staker, ref(6))
	require.NoError(t, err)
	assert.Equal(t, uint64(42_500), remaining)
	assert.Zero(t, led.Locked(staker, ledger.PurposeQualityBond))
	_, ok = e.Bond(staker)
	assert.False(t, ok)
}

func TestEngine_BondBelowRequirement(t *testing.T) {
	t.Parallel()
	e, led, _ := newTestEngine(t)
	staker := acct(1)
	require.NoError(t, led.Mint(staker, 100_000, ref(1)))

	err := e.CreateBond(staker, 9_000, QualityBasic, ref(2))
	require.Error(t, err)
	assert.Equal(t, errs.InsufficientStake, errs.KindOf(err))
}

func TestEngine_RepeatedSlashingFreezesBond(t *testing.T) {
	t.Parallel()
	e, led, _ := newTestEngine(t)
	staker := acct(1)
	require.NoError(t, led.Mint(staker, 300_000, ref(1)))
	require.NoError(t, e.CreateBond(staker, 200_000, QualityPremium, ref(2)))

	// 15% per violation erodes the bond below half the requirement after
	// five evaluations.
	for i := 0; i < 5; i++ {
		_, err := e.EvaluateQuality(staker, 0.4, ref(byte(10+i)))
		require.NoError(t, err)
	}
	bond, ok := e.Bond(staker)
	require.True(t, ok)
	assert.Equal(t, BondSlashed, bond.Status)
	assert.Equal(t, uint32(5), bond.Violations)

	_, err := e.WithdrawBond(staker, ref(20))
	require.Error(t, err)
	assert.Equal(t, errs.InvalidState, errs.KindOf(err))
}

func TestEngine_LongTermPosition(t *testing.T) {
	t.Parallel()
	e, led, mock := newTestEngine(t)
	holder := acct(1)
	require.NoError(t, led.Mint(holder, 200_000, ref(1)))

	_, err := e.OpenPosition(holder, 100_000, 90*24*time.Hour, ref(2))
	require.Error(t, err)
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))

	id, err := e.OpenPosition(holder, 100_000, 365*24*time.Hour, ref(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), led.Locked(holder, ledger.PurposeLongTerm))

	p, ok := e.Position(id)
	require.True(t, ok)
	assert.Equal(t, 1.5, p.Multiplier)

	// One 30-day period at 0.1% base, multiplied by 1.5.
	mock.Add(30 * 24 * time.Hour)
	total, err := e.AccrueBonuses(ref(4))
	require.NoError(t, err)
	assert.Equal(t, uint64(150), total)
	assert.Equal(t, uint64(200_150), led.Balance(holder))

	// Nothing further accrues until another period elapses.
	total, err = e.AccrueBonuses(ref(5))
	require.NoError(t, err)
	assert.Zero(t, total)

	require.NoError(t, e.ClosePosition(holder, id, ref(6)))
	p, ok = e.Position(id)
	require.True(t, ok)
	assert.Equal(t, PositionEarlyWithdrawal, p.Status)
	assert.Zero(t, led.Locked(holder, ledger.PurposeLongTerm))
}

func TestEngine_PositionCompletesAfterCommitment(t *testing.T) {
	t.Parallel()
	e, led, mock := newTestEngine(t)
	holder := acct(1)
	require.NoError(t, led.Mint(holder, 50_000, ref(1)))

	id, err := e.OpenPosition(holder, 50_000, 730*24*time.Hour, ref(2))
	require.NoError(t, err)
	p, _ := e.Position(id)
	assert.Equal(t, 2.0, p.Multiplier)

	mock.Add(731 * 24 * time.Hour)
	require.NoError(t, e.ClosePosition(holder, id, ref(3)))
	p, _ = e.Position(id)
	assert.Equal(t, PositionCompleted, p.Status)

	err = e.ClosePosition(holder, id, ref(4))
	require.Error(t, err)
	assert.Equal(t, errs.InvalidState, errs.KindOf(err))
}

func TestCommitmentMultiplier(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		commitment time.Duration
		want       float64
	}{
		{name: "below six months", commitment: 90 * 24 * time.Hour, want: 1.0},
		{name: "six months", commitment: 180 * 24 * time.Hour, want: 1.2},
		{name: "one year", commitment: 365 * 24 * time.Hour, want: 1.5},
		{name: "two years", commitment: 730 * 24 * time.Hour, want: 2.0},
		{name: "three years", commitment: 3 * 365 * 24 * time.Hour, want: 2.0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CommitmentMultiplier(tc.commitment))
		})
	}
}

func TestEngine_AnnualDeflationRate(t *testing.T) {
	t.Parallel()
	e, led, mock := newTestEngine(t)
	require.NoError(t, led.Mint(model.SystemAccount, 10_000, ref(1)))

	_, err := e.BurnFees(5_000, ref(2))
	require.NoError(t, err)

	circulating := led.Statistics().Circulating
	assert.InDelta(t, float64(500)/float64(circulating), e.AnnualDeflationRate(circulating), 1e-9)

	// Burns older than a year fall out of the window.
	mock.Add(366 * 24 * time.Hour)
	assert.Zero(t, e.AnnualDeflationRate(circulating))
}
