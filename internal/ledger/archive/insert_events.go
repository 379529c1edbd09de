package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/archivechain/archivechain/internal/ledger"
)

// InsertEvents stores ledger event rows in ClickHouse.
func (r *Repository) InsertEvents(ctx context.Context, events []ledger.Event) error {
	start := time.Now()
	var err error
	defer func() {
		r.metrics.Observe("insert_events", err, start)
	}()

	if len(events) == 0 {
		return nil
	}

	const query = `
INSERT INTO ledger_events (
	seq,
	kind,
	from_account,
	to_account,
	amount,
	purpose,
	ref,
	timestamp
) VALUES`

	batch, err := r.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare events batch: %w", err)
	}

	for _, ev := range events {
		var from, to string
		if ev.From != nil {
			from = ev.From.Hex()
		}
		if ev.To != nil {
			to = ev.To.Hex()
		}
		if err = batch.Append(
			ev.Seq,
			string(ev.Kind),
			from,
			to,
			ev.Amount,
			string(ev.Purpose),
			ev.Ref.Hex(),
			ev.Timestamp,
		); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}

	if err = batch.Send(); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}
