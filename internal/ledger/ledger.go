// Package ledger implements the native token ledger: account balances,
// purpose-tagged locks, and the append-only event log every mutation feeds.
package ledger

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
)

// SupplyCap is the fixed total supply of the native token.
const SupplyCap uint64 = 100_000_000_000

// Initial allocations. Their sum equals SupplyCap; each is released through
// mints referencing its budget.
const (
	ArchivalRewardsAllocation uint64 = 40_000_000_000
	TeamAllocation            uint64 = 25_000_000_000
	CommunityReserve          uint64 = 20_000_000_000
	PublicSaleAllocation      uint64 = 15_000_000_000
)

type account struct {
	balance      uint64
	locked       map[Purpose]uint64
	lastActivity time.Time
}

func (a *account) lockedTotal() uint64 {
	var sum uint64
	for _, v := range a.locked {
		sum += v
	}
	return sum
}

// Ledger owns balances and the event log. All mutations are serialized; a
// batch either applies completely or not at all.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[model.PublicKey]*account
	minted   uint64
	burned   uint64
	events   []Event
	seq      uint64
	// allowances[owner][spender] is the amount spender may transfer out.
	allowances map[model.PublicKey]map[model.PublicKey]uint64
	// staged redirects emitted events while a batch is in flight.
	staged *[]Event

	journal Journal
	sinks   []EventSink
	clock   clock.Clock
	logger  *zap.Logger
}

// Journal persists events durably; see FileJournal.
type Journal interface {
	Append(ev Event) error
	Replay(fn func(ev Event) error) error
	Close() error
}

// EventSink receives committed events, e.g. the analytical archive.
type EventSink interface {
	Publish(ev Event)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithJournal attaches a durable journal. Existing entries are replayed on
// construction to recover state.
func WithJournal(j Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

// WithEventSink attaches a committed-event observer.
func WithEventSink(s EventSink) Option {
	return func(l *Ledger) { l.sinks = append(l.sinks, s) }
}

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// New builds a Ledger. If a journal is attached its events are replayed; a
// journal that fails to load is fatal for the node, so the error is returned.
func New(logger *zap.Logger, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		accounts: make(map[model.PublicKey]*account),
		clock:    clock.New(),
		logger:   logger.Named("ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.journal != nil {
		if err := l.journal.Replay(l.replay); err != nil {
			return nil, errs.Wrap(errs.Internal, "ledger.New", err)
		}
		if err := l.validateLocked(); err != nil {
			return nil, err
		}
		l.logger.Info("journal replayed",
			zap.Uint64("events", l.seq),
			zap.Uint64("minted", l.minted),
			zap.Uint64("burned", l.burned))
	}
	return l, nil
}

func (l *Ledger) account(pk model.PublicKey) *account {
	a, ok := l.accounts[pk]
	if !ok {
		a = &account{locked: make(map[Purpose]uint64)}
		l.accounts[pk] = a
	}
	return a
}

// Balance returns the full balance of an account, locked amounts included.
func (l *Ledger) Balance(pk model.PublicKey) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a, ok := l.accounts[pk]; ok {
		return a.balance
	}
	return 0
}

// Available returns balance minus the sum of all locked buckets.
func (l *Ledger) Available(pk model.PublicKey) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a, ok := l.accounts[pk]; ok {
		return a.balance - a.lockedTotal()
	}
	return 0
}

// Locked returns the amount locked under the given purpose.
func (l *Ledger) Locked(pk model.PublicKey, purpose Purpose) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a, ok := l.accounts[pk]; ok {
		return a.locked[purpose]
	}
	return 0
}

// Mint credits newly released supply to an account.
func (l *Ledger) Mint(to model.PublicKey, amount uint64, ref model.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.mint(to, amount, ref); err != nil {
		return err
	}
	return nil
}

func (l *Ledger) mint(to model.PublicKey, amount uint64, ref model.Hash) error {
	const op = "ledger.Mint"
	if amount == 0 {
		return errs.E(errs.InvalidInput, op, "amount must be positive")
	}
	if l.minted+amount > SupplyCap {
		return errs.Quantitative(errs.InvalidState, op, SupplyCap-l.minted, amount)
	}
	a := l.account(to)
	a.balance += amount
	a.lastActivity = l.clock.Now()
	l.minted += amount
	return l.emit(Event{Kind: EventMint, To: &to, Amount: amount, Ref: ref})
}

// Burn permanently destroys tokens from an account's available balance.
func (l *Ledger) Burn(from model.PublicKey, amount uint64, ref model.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.burn(from, amount, ref)
}

func (l *Ledger) burn(from model.PublicKey, amount uint64, ref model.Hash) error {
	const op = "ledger.Burn"
	if amount == 0 {
		return errs.E(errs.InvalidInput, op, "amount must be positive")
	}
	a := l.account(from)
	if avail := a.balance - a.lockedTotal(); avail < amount {
		return errs.Quantitative(errs.InsufficientFunds, op, amount, avail)
	}
	a.balance -= amount
	a.lastActivity = l.clock.Now()
	l.burned += amount
	return l.emit(Event{Kind: EventBurn, From: &from, Amount: amount, Ref: ref})
}

// BurnLocked destroys tokens directly out of a locked bucket, used for
// slashing penalties.
func (l *Ledger) BurnLocked(from model.PublicKey, amount uint64, purpose Purpose, ref model.Hash) error {
	const op = "ledger.BurnLocked"
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount == 0 {
		return errs.E(errs.InvalidInput, op, "amount must be positive")
	}
	a := l.account(from)
	if a.locked[purpose] < amount {
		return errs.Quantitative(errs.InsufficientStake, op, amount, a.locked[purpose])
	}
	a.locked[purpose] -= amount
	a.balance -= amount
	a.lastActivity = l.clock.Now()
	l.burned += amount
	return l.emit(Event{Kind: EventBurn, From: &from, Amount: amount, Purpose: purpose, Ref: ref})
}

// Transfer moves tokens between accounts from the sender's available balance.
func (l *Ledger) Transfer(from, to model.PublicKey, amount uint64, ref model.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfer(from, to, amount, ref)
}

func (l *Ledger) transfer(from, to model.PublicKey, amount uint64, ref model.Hash) error {
	const op = "ledger.Transfer"
	if amount == 0 {
		return errs.E(errs.InvalidInput, op, "amount must be positive")
	}
	src := l.account(from)
	if avail := src.balance - src.lockedTotal(); avail < amount {
		return errs.Quantitative(errs.InsufficientFunds, op, amount, avail)
	}
	dst := l.account(to)
	now := l.clock.Now()
	src.balance -= amount
	src.lastActivity = now
	dst.balance += amount
	dst.lastActivity = now
	return l.emit(Event{Kind: EventTransfer, From: &from, To: &to, Amount: amount, Ref: ref})
}

// Lock reserves part of an account's available balance under a purpose tag.
func (l *Ledger) Lock(pk model.PublicKey, amount uint64, purpose Purpose, ref model.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lock(pk, amount, purpose, ref)
}

func (l *Ledger) lock(pk model.PublicKey, amount uint64, purpose Purpose, ref model.Hash) error {
	const op = "ledger.Lock"
	if amount == 0 {
		return errs.E(errs.InvalidInput, op, "amount must be positive")
	}
	a := l.account(pk)
	if avail := a.balance - a.lockedTotal(); avail < amount {
		return errs.Quantitative(errs.InsufficientFunds, op, amount, avail)
	}
	a.locked[purpose] += amount
	a.lastActivity = l.clock.Now()
	return l.emit(Event{Kind: EventLock, From: &pk, Amount: amount, Purpose: purpose, Ref: ref})
}

// Unlock releases part of a purpose bucket back to the available balance.
func (l *Ledger) Unlock(pk model.PublicKey, amount uint64, purpose Purpose, ref model.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unlock(pk, amount, purpose, ref)
}

func (l *Ledger) unlock(pk model.PublicKey, amount uint64, purpose Purpose, ref model.Hash) error {
	const op = "ledger.Unlock"
	if amount == 0 {
		return errs.E(errs.InvalidInput, op, "amount must be positive")
	}
	a := l.account(pk)
	if a.locked[purpose] < amount {
		return errs.Quantitative(errs.InsufficientStake, op, amount, a.locked[purpose])
	}
	a.locked[purpose] -= amount
	if a.locked[purpose] == 0 {
		delete(a.locked, purpose)
	}
	a.lastActivity = l.clock.Now()
	return l.emit(Event{Kind: EventUnlock, From: &pk, Amount: amount, Purpose: purpose, Ref: ref})
}

func (l *Ledger) emit(ev Event) error {
	l.seq++
	ev.Seq = l.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.clock.Now()
	}
	if l.staged != nil {
		*l.staged = append(*l.staged, ev)
		return nil
	}
	if l.journal != nil {
		if err := l.journal.Append(ev); err != nil {
			// The in-memory mutation already happened; a journal write
			// failure is unrecoverable at the call site.
			return errs.Wrap(errs.Internal, "ledger.journal", err)
		}
	}
	l.events = append(l.events, ev)
	for _, s := range l.sinks {
		s.Publish(ev)
	}
	return nil
}

// replay applies a journaled event without re-journaling it.
func (l *Ledger) replay(ev Event) error {
	switch ev.Kind {
	case EventMint:
		if ev.To == nil {
			return errors.New("mint event without recipient")
		}
		l.account(*ev.To).balance += ev.Amount
		l.minted += ev.Amount
	case EventBurn:
		if ev.From == nil {
			return errors.New("burn event without source")
		}
		a := l.account(*ev.From)
		a.balance -= ev.Amount
		if ev.Purpose != "" {
			a.locked[ev.Purpose] -= ev.Amount
		}
		l.burned += ev.Amount
	case EventTransfer:
		if ev.From == nil || ev.To == nil {
			return errors.New("transfer event without endpoints")
		}
		l.account(*ev.From).balance -= ev.Amount
		l.account(*ev.To).balance += ev.Amount
	case EventLock:
		if ev.From == nil {
			return errors.New("lock event without account")
		}
		l.account(*ev.From).locked[ev.Purpose] += ev.Amount
	case EventUnlock:
		if ev.From == nil {
			return errors.New("unlock event without account")
		}
		a := l.account(*ev.From)
		a.locked[ev.Purpose] -= ev.Amount
		if a.locked[ev.Purpose] == 0 {
			delete(a.locked, ev.Purpose)
		}
	case EventApprove:
		if ev.From == nil || ev.To == nil {
			return errors.New("approve event without endpoints")
		}
		l.setAllowance(*ev.From, *ev.To, ev.Amount)
	default:
		return errors.New("unknown event kind " + string(ev.Kind))
	}
	l.seq = ev.Seq
	l.events = append(l.events, ev)
	return nil
}

func (l *Ledger) validateLocked() error {
	for pk, a := range l.accounts {
		if a.balance < a.lockedTotal() {
			return errs.Ef(errs.Internal, "ledger.New",
				"account %s locked exceeds balance after replay", pk.Short())
		}
	}
	if l.minted > SupplyCap {
		return errs.Quantitative(errs.Internal, "ledger.New", SupplyCap, l.minted)
	}
	return nil
}

// Events returns a copy of the events appended after seq, oldest first.
func (l *Ledger) Events(afterSeq uint64, limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Stats summarizes global supply accounting.
type Stats struct {
	SupplyCap   uint64
	Minted      uint64
	Burned      uint64
	Circulating uint64
	LockedTotal uint64
	Holders     int
	Events      uint64
}

// Statistics returns the current supply accounting snapshot.
func (l *Ledger) Statistics() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var circulating, locked uint64
	holders := 0
	for _, a := range l.accounts {
		circulating += a.balance
		locked += a.lockedTotal()
		if a.balance > 0 {
			holders++
		}
	}
	return Stats{
		SupplyCap:   SupplyCap,
		Minted:      l.minted,
		Burned:      l.burned,
		Circulating: circulating,
		LockedTotal: locked,
		Holders:     holders,
		Events:      l.seq,
	}
}

// ValidateIntegrity checks the supply conservation invariant:
// sum of balances + burned + unreleased allocations = supply cap.
func (l *Ledger) ValidateIntegrity() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total uint64
	for pk, a := range l.accounts {
		if a.balance < a.lockedTotal() {
			return errs.Ef(errs.Internal, "ledger.ValidateIntegrity",
				"account %s has locked > balance", pk.Short())
		}
		total += a.balance
	}
	unreleased := SupplyCap - l.minted
	if total+l.burned+unreleased != SupplyCap {
		return errs.Ef(errs.Internal, "ledger.ValidateIntegrity",
			"supply mismatch: balances %d + burned %d + unreleased %d != cap %d",
			total, l.burned, unreleased, SupplyCap)
	}
	return nil
}

// Close flushes and closes the journal, if any.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.journal == nil {
		return nil
	}
	return l.journal.Close()
}
