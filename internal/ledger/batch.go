package ledger

import (
	"sort"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
)

// Op is a single mutation inside an atomic batch.
type Op struct {
	Kind    EventKind
	From    model.PublicKey
	To      model.PublicKey
	Amount  uint64
	Purpose Purpose
	Ref     model.Hash
}

// MintOp builds a batched mint.
func MintOp(to model.PublicKey, amount uint64, ref model.Hash) Op {
	return Op{Kind: EventMint, To: to, Amount: amount, Ref: ref}
}

// BurnOp builds a batched burn.
func BurnOp(from model.PublicKey, amount uint64, ref model.Hash) Op {
	return Op{Kind: EventBurn, From: from, Amount: amount, Ref: ref}
}

// TransferOp builds a batched transfer.
func TransferOp(from, to model.PublicKey, amount uint64, ref model.Hash) Op {
	return Op{Kind: EventTransfer, From: from, To: to, Amount: amount, Ref: ref}
}

// LockOp builds a batched lock.
func LockOp(pk model.PublicKey, amount uint64, purpose Purpose, ref model.Hash) Op {
	return Op{Kind: EventLock, From: pk, Amount: amount, Purpose: purpose, Ref: ref}
}

// UnlockOp builds a batched unlock.
func UnlockOp(pk model.PublicKey, amount uint64, purpose Purpose, ref model.Hash) Op {
	return Op{Kind: EventUnlock, From: pk, Amount: amount, Purpose: purpose, Ref: ref}
}

// ApplyBatch applies all operations atomically: if any sub-operation fails
// the ledger state is rolled back before returning. Events are journaled and
// published only after the whole batch succeeds.
func (l *Ledger) ApplyBatch(ops []Op) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := l.snapshot()
	staged := make([]Event, 0, len(ops))
	l.staged = &staged

	var failed error
	for _, op := range ops {
		var err error
		switch op.Kind {
		case EventMint:
			err = l.mint(op.To, op.Amount, op.Ref)
		case EventBurn:
			err = l.burn(op.From, op.Amount, op.Ref)
		case EventTransfer:
			err = l.transfer(op.From, op.To, op.Amount, op.Ref)
		case EventLock:
			err = l.lock(op.From, op.Amount, op.Purpose, op.Ref)
		case EventUnlock:
			err = l.unlock(op.From, op.Amount, op.Purpose, op.Ref)
		default:
			err = errs.Ef(errs.InvalidInput, "ledger.ApplyBatch", "unknown op kind %q", op.Kind)
		}
		if err != nil {
			failed = err
			break
		}
	}
	l.staged = nil

	if failed != nil {
		l.restore(snapshot)
		return failed
	}

	for _, ev := range staged {
		if l.journal != nil {
			if err := l.journal.Append(ev); err != nil {
				return errs.Wrap(errs.Internal, "ledger.journal", err)
			}
		}
		l.events = append(l.events, ev)
		for _, s := range l.sinks {
			s.Publish(ev)
		}
	}
	return nil
}

// SortRecipients orders recipient keys for deterministic batch minting.
func SortRecipients(keys []model.PublicKey) {
	sort.Slice(keys, func(i, j int) bool {
		for b := 0; b < len(keys[i]); b++ {
			if keys[i][b] != keys[j][b] {
				return keys[i][b] < keys[j][b]
			}
		}
		return false
	})
}

type ledgerSnapshot struct {
	accounts map[model.PublicKey]*account
	minted   uint64
	burned   uint64
	seq      uint64
}

func (l *Ledger) snapshot() ledgerSnapshot {
	accounts := make(map[model.PublicKey]*account, len(l.accounts))
	for pk, a := range l.accounts {
		locked := make(map[Purpose]uint64, len(a.locked))
		for p, v := range a.locked {
			locked[p] = v
		}
		accounts[pk] = &account{balance: a.balance, locked: locked, lastActivity: a.lastActivity}
	}
	return ledgerSnapshot{accounts: accounts, minted: l.minted, burned: l.burned, seq: l.seq}
}

func (l *Ledger) restore(s ledgerSnapshot) {
	l.accounts = s.accounts
	l.minted = s.minted
	l.burned = s.burned
	l.seq = s.seq
}
