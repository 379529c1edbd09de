package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/archivechain/archivechain/internal/treasury"
)

// InsertTreasuryTransactions stores treasury transaction rows in ClickHouse.
func (r *Repository) InsertTreasuryTransactions(ctx context.Context, txs []treasury.Transaction) error {
	start := time.Now()
	var err error
	defer func() {
		r.metrics.Observe("insert_treasury_transactions", err, start)
	}()

	if len(txs) == 0 {
		return nil
	}

	const query = `
INSERT INTO treasury_transactions (
	id,
	proposal_id,
	kind,
	amount,
	recipient,
	timestamp
) VALUES`

	batch, err := r.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare treasury transactions batch: %w", err)
	}

	for _, tx := range txs {
		if err = batch.Append(
			tx.ID.Hex(),
			tx.ProposalID.Hex(),
			string(tx.Kind),
			tx.Amount,
			tx.Recipient.Hex(),
			tx.At,
		); err != nil {
			return fmt.Errorf("append treasury transaction: %w", err)
		}
	}

	if err = batch.Send(); err != nil {
		return fmt.Errorf("insert treasury transactions: %w", err)
	}
	return nil
}
