package archive

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/ledger"
	"github.com/archivechain/archivechain/internal/treasury"
	"github.com/archivechain/archivechain/pkg/batcher"
)

// Archiver implements ledger.EventSink by batching committed events into the
// analytical store. A dropped event only affects analytics, so Publish never
// blocks the ledger for long and logs failures instead of propagating them.
type Archiver struct {
	logger  *zap.Logger
	batcher *batcher.Batcher[ledger.Event]
}

// EventInserter is satisfied by Repository.
type EventInserter interface {
	InsertEvents(ctx context.Context, events []ledger.Event) error
}

// NewArchiver wires a repository behind a size/interval batcher.
func NewArchiver(logger *zap.Logger, repo EventInserter, flushSize int, flushInterval time.Duration, rps int) *Archiver {
	logger = logger.Named("ledgerArchive")
	return &Archiver{
		logger: logger,
		batcher: batcher.New[ledger.Event](logger, func(ctx context.Context, events []ledger.Event) error {
			return repo.InsertEvents(ctx, events)
		}, flushSize, flushInterval, rps),
	}
}

// Start begins the background flushing loop.
func (a *Archiver) Start(ctx context.Context) {
	a.batcher.Start(ctx)
}

// Stop flushes remaining events and stops the loop.
func (a *Archiver) Stop() {
	a.batcher.Stop()
}

// Publish queues one committed event.
func (a *Archiver) Publish(ev ledger.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.batcher.Add(ctx, ev); err != nil {
		a.logger.Warn("event not archived", zap.Uint64("seq", ev.Seq), zap.Error(err))
	}
}

// TreasuryArchiver implements treasury.TransactionSink by batching recorded
// transactions into the analytical store.
type TreasuryArchiver struct {
	logger  *zap.Logger
	batcher *batcher.Batcher[treasury.Transaction]
}

// TreasuryTransactionInserter is satisfied by Repository.
type TreasuryTransactionInserter interface {
	InsertTreasuryTransactions(ctx context.Context, txs []treasury.Transaction) error
}

// NewTreasuryArchiver wires a repository behind a size/interval batcher.
func NewTreasuryArchiver(logger *zap.Logger, repo TreasuryTransactionInserter, flushSize int, flushInterval time.Duration, rps int) *TreasuryArchiver {
	logger = logger.Named("treasuryArchive")
	return &TreasuryArchiver{
		logger: logger,
		batcher: batcher.New[treasury.Transaction](logger, func(ctx context.Context, txs []treasury.Transaction) error {
			return repo.InsertTreasuryTransactions(ctx, txs)
		}, flushSize, flushInterval, rps),
	}
}

// Start begins the background flushing loop.
func (a *TreasuryArchiver) Start(ctx context.Context) {
	a.batcher.Start(ctx)
}

// Stop flushes remaining transactions and stops the loop.
func (a *TreasuryArchiver) Stop() {
	a.batcher.Stop()
}

// Publish queues one recorded transaction.
func (a *TreasuryArchiver) Publish(tx treasury.Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.batcher.Add(ctx, tx); err != nil {
		a.logger.Warn("treasury transaction not archived", zap.String("id", tx.ID.Short()), zap.Error(err))
	}
}
