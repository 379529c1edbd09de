package ledger

import (
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
)

// EventApprove records an allowance change. Amount carries the resulting
// allowance, not a delta, so replay is idempotent.
const EventApprove EventKind = "approve"

// Allowance returns how much spender may move out of owner's account.
func (l *Ledger) Allowance(owner, spender model.PublicKey) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowances[owner][spender]
}

// Approve sets spender's allowance over owner's account, replacing any
// previous value.
func (l *Ledger) Approve(owner, spender model.PublicKey, amount uint64, ref model.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setAllowance(owner, spender, amount)
	return l.emit(Event{Kind: EventApprove, From: &owner, To: &spender, Amount: amount, Ref: ref})
}

// TransferFrom moves tokens out of from's available balance on the strength
// of an allowance granted to spender. The remaining allowance is re-emitted
// so journal replay reconstructs it.
func (l *Ledger) TransferFrom(spender, from, to model.PublicKey, amount uint64, ref model.Hash) error {
	const op = "ledger.TransferFrom"
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount == 0 {
		return errs.E(errs.InvalidInput, op, "amount must be positive")
	}
	allowed := l.allowances[from][spender]
	if allowed < amount {
		return errs.Quantitative(errs.Unauthorized, op, amount, allowed)
	}
	if err := l.transfer(from, to, amount, ref); err != nil {
		return err
	}
	remaining := allowed - amount
	l.setAllowance(from, spender, remaining)
	return l.emit(Event{Kind: EventApprove, From: &from, To: &spender, Amount: remaining, Ref: ref})
}

func (l *Ledger) setAllowance(owner, spender model.PublicKey, amount uint64) {
	if l.allowances == nil {
		l.allowances = make(map[model.PublicKey]map[model.PublicKey]uint64)
	}
	if amount == 0 {
		delete(l.allowances[owner], spender)
		if len(l.allowances[owner]) == 0 {
			delete(l.allowances, owner)
		}
		return
	}
	m, ok := l.allowances[owner]
	if !ok {
		m = make(map[model.PublicKey]uint64)
		l.allowances[owner] = m
	}
	m[spender] = amount
}
