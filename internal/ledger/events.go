package ledger

import (
	"time"

	"github.com/archivechain/archivechain/internal/model"
)

// Purpose tags a locked balance bucket. Staking, treasury and deflation all
// share the same lock map instead of bespoke escrows.
type Purpose string

const (
	PurposeGovernance  Purpose = "governance"
	PurposeValidator   Purpose = "validator"
	PurposeDelegation  Purpose = "delegation"
	PurposeQualityBond Purpose = "quality_bond"
	PurposeLongTerm    Purpose = "long_term"
	PurposeTreasury    Purpose = "treasury"
)

// EventKind classifies a ledger mutation.
type EventKind string

const (
	EventMint     EventKind = "mint"
	EventBurn     EventKind = "burn"
	EventTransfer EventKind = "transfer"
	EventLock     EventKind = "lock"
	EventUnlock   EventKind = "unlock"
)

// Event is the append-only record emitted by every ledger mutation. Ref is
// the settled transaction reference supplied by the consensus layer and is
// unique per committed operation.
type Event struct {
	Seq       uint64           `json:"seq"`
	Kind      EventKind        `json:"kind"`
	From      *model.PublicKey `json:"from,omitempty"`
	To        *model.PublicKey `json:"to,omitempty"`
	Amount    uint64           `json:"amount"`
	Purpose   Purpose          `json:"purpose,omitempty"`
	Ref       model.Hash       `json:"ref"`
	Timestamp time.Time        `json:"timestamp"`
}
