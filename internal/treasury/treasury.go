// Package treasury manages the community reserve: funding proposals, their
// weighted votes, budgets with milestone-gated disbursement, and the
// append-only transaction history.
package treasury

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/crypto"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/ledger"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/pkg/safe"
)

// Config tunes the treasury.
type Config struct {
	MinProposalAmount  uint64
	MaxProposalAmount  uint64
	ReviewWindow       time.Duration
	VotingWindow       time.Duration
	QuorumFraction     float64
	ApprovalThreshold  float64
	MinProposerStake   uint64
	MaxActiveProposals int
	// MaxTreasuryFraction caps one proposal at a fraction of available funds.
	MaxTreasuryFraction float64
	MaxProjectDuration  time.Duration
	// ExpiryExtension is how far an expiring budget is pushed out when the
	// fail-safe action is Extend.
	ExpiryExtension time.Duration
}

// DefaultConfig mirrors the deployed defaults.
func DefaultConfig() Config {
	return Config{
		MinProposalAmount:   10_000,
		MaxProposalAmount:   ledger.CommunityReserve / 100,
		ReviewWindow:        3 * 24 * time.Hour,
		VotingWindow:        14 * 24 * time.Hour,
		QuorumFraction:      0.10,
		ApprovalThreshold:   0.60,
		MinProposerStake:    100_000,
		MaxActiveProposals:  20,
		MaxTreasuryFraction: 0.05,
		MaxProjectDuration:  24 * 30 * 24 * time.Hour,
		ExpiryExtension:     6 * 30 * 24 * time.Hour,
	}
}

// Validate checks bounds.
func (c Config) Validate() error {
	const op = "treasury.Config"
	if c.MinProposalAmount == 0 || c.MaxProposalAmount < c.MinProposalAmount {
		return errs.E(errs.InvalidInput, op, "proposal amount bounds are inconsistent")
	}
	if c.QuorumFraction <= 0 || c.QuorumFraction > 1 {
		return errs.E(errs.InvalidInput, op, "quorum fraction must be in (0,1]")
	}
	if c.ApprovalThreshold <= 0 || c.ApprovalThreshold > 1 {
		return errs.E(errs.InvalidInput, op, "approval threshold must be in (0,1]")
	}
	if c.MaxTreasuryFraction <= 0 || c.MaxTreasuryFraction > 1 {
		return errs.E(errs.InvalidInput, op, "max treasury fraction must be in (0,1]")
	}
	if c.MaxActiveProposals <= 0 {
		return errs.E(errs.InvalidInput, op, "max active proposals must be positive")
	}
	return nil
}

// Ledger is the slice of the token ledger the treasury mints through.
type Ledger interface {
	Mint(to model.PublicKey, amount uint64, ref model.Hash) error
}

// Governance supplies stake and voting-power lookups, normally backed by the
// staking system.
type Governance interface {
	GovernanceStakeAmount(pk model.PublicKey) uint64
	VotingPower(pk model.PublicKey) uint64
	TotalVotingPower() uint64
}

// TransactionSink receives recorded treasury transactions, e.g. the
// analytical archive.
type TransactionSink interface {
	Publish(tx Transaction)
}

// TransactionKind classifies a treasury transaction.
type TransactionKind string

const (
	TxDeposit      TransactionKind = "deposit"
	TxAllocation   TransactionKind = "allocation"
	TxDisbursement TransactionKind = "disbursement"
	TxRefund       TransactionKind = "refund"
	TxCancellation TransactionKind = "cancellation"
)

// Transaction is one append-only treasury ledger entry.
type Transaction struct {
	ID          model.Hash
	ProposalID  model.Hash
	Kind        TransactionKind
	Amount      uint64
	Recipient   model.PublicKey
	Description string
	Ref         model.Hash
	At          time.Time
}

// Funds is the split of the reserve at a point in time.
type Funds struct {
	Available uint64
	Allocated uint64
	Disbursed uint64
}

// Treasury owns the community reserve accounting.
type Treasury struct {
	mu           sync.RWMutex
	cfg          Config
	ledger       Ledger
	gov          Governance
	available    uint64
	allocated    uint64
	disbursed    uint64
	proposals    map[model.Hash]*Proposal
	budgets      map[model.Hash]*Budget
	projects     map[model.Hash]*Project
	transactions []Transaction
	sinks        []TransactionSink
	clock        clock.Clock
	logger       *zap.Logger
}

// Option configures a Treasury.
type Option func(*Treasury)

// WithTransactionSink attaches a transaction observer.
func WithTransactionSink(s TransactionSink) Option {
	return func(t *Treasury) { t.sinks = append(t.sinks, s) }
}

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(t *Treasury) { t.clock = c }
}

// New builds a Treasury seeded with the initial reserve.
func New(logger *zap.Logger, led Ledger, gov Governance, initialFunds uint64, cfg Config, opts ...Option) (*Treasury, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Treasury{
		cfg:       cfg,
		ledger:    led,
		gov:       gov,
		available: initialFunds,
		proposals: make(map[model.Hash]*Proposal),
		budgets:   make(map[model.Hash]*Budget),
		projects:  make(map[model.Hash]*Project),
		clock:     clock.New(),
		logger:    logger.Named("treasury"),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.record(TxDeposit, initialFunds, model.ZeroHash, model.PublicKey{}, "initial reserve", model.ZeroHash)
	return t, nil
}

// FundsSnapshot returns the current reserve split.
func (t *Treasury) FundsSnapshot() Funds {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Funds{Available: t.available, Allocated: t.allocated, Disbursed: t.disbursed}
}

// Transactions returns a copy of the transaction history, oldest first.
func (t *Treasury) Transactions() []Transaction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Transaction(nil), t.transactions...)
}

// record appends a transaction and publishes it. Callers hold the lock.
func (t *Treasury) record(kind TransactionKind, amount uint64, proposalID model.Hash, recipient model.PublicKey, description string, ref model.Hash) {
	now := t.clock.Now()
	var nonce [16]byte
	binary.LittleEndian.PutUint64(nonce[:8], uint64(now.UnixNano()))
	binary.LittleEndian.PutUint64(nonce[8:], amount)
	tx := Transaction{
		ID:          crypto.ChecksumParts([]byte(kind), nonce[:], proposalID[:], ref[:]),
		ProposalID:  proposalID,
		Kind:        kind,
		Amount:      amount,
		Recipient:   recipient,
		Description: description,
		Ref:         ref,
		At:          now,
	}
	t.transactions = append(t.transactions, tx)
	for _, s := range t.sinks {
		s.Publish(tx)
	}
}

// quorum returns the power that must be cast for a proposal to pass quorum.
func (t *Treasury) quorum() (uint64, error) {
	q, err := safe.UintFromFloat(float64(t.gov.TotalVotingPower()) * t.cfg.QuorumFraction)
	if err != nil {
		return 0, errs.Wrap(errs.Internal, "treasury.quorum", err)
	}
	return q, nil
}
