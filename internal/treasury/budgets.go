package treasury

import (
	"time"

	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
)

// DisbursementStatus tracks one milestone payment.
type DisbursementStatus string

const (
	DisbursementScheduled DisbursementStatus = "scheduled"
	DisbursementReady     DisbursementStatus = "ready"
	DisbursementProcessed DisbursementStatus = "processed"
)

// DisbursementMilestone is one scheduled payment of an approved budget.
type DisbursementMilestone struct {
	Index       int
	Description string
	Amount      uint64
	DueAt       time.Time
	Status      DisbursementStatus
	ProcessedAt time.Time
}

// BudgetStatus is the lifecycle state of an approved budget.
type BudgetStatus string

const (
	BudgetActive BudgetStatus = "active"
	BudgetClosed BudgetStatus = "closed"
	BudgetFrozen BudgetStatus = "frozen"
)

// Budget is the disbursement schedule of an approved proposal.
type Budget struct {
	ProposalID model.Hash
	Total      uint64
	Disbursed  uint64
	Milestones []DisbursementMilestone
	Status     BudgetStatus
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Remaining returns the undisbursed part of the budget.
func (b *Budget) Remaining() uint64 {
	return b.Total - b.Disbursed
}

// ProjectStatus is the lifecycle state of a funded project.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectCancelled ProjectStatus = "cancelled"
)

// Project tracks delivery progress of a funded proposal.
type Project struct {
	ProposalID          model.Hash
	Manager             model.PublicKey
	Title               string
	Status              ProjectStatus
	CompletedMilestones int
	TotalMilestones     int
	Progress            float64
}

// ExpiryAction is the fail-safe applied to budgets past their deadline.
type ExpiryAction string

const (
	// ExpiryReturn refunds the remaining allocation to the reserve.
	ExpiryReturn ExpiryAction = "return"
	// ExpiryExtend pushes the deadline out by the configured extension.
	ExpiryExtend ExpiryAction = "extend"
	// ExpiryFreeze blocks further disbursement pending manual review.
	ExpiryFreeze ExpiryAction = "freeze"
)

// openBudget creates the budget and project for an approved proposal.
// Callers hold the lock.
func (t *Treasury) openBudget(p *Proposal, now time.Time) {
	milestones := make([]DisbursementMilestone, len(p.Milestones))
	for i, m := range p.Milestones {
		milestones[i] = DisbursementMilestone{
			Index:       i,
			Description: m.Description,
			Amount:      m.Amount,
			DueAt:       now.Add(m.Offset),
			Status:      DisbursementScheduled,
		}
	}
	t.budgets[p.ID] = &Budget{
		ProposalID: p.ID,
		Total:      p.Amount,
		Milestones: milestones,
		Status:     BudgetActive,
		CreatedAt:  now,
		ExpiresAt:  now.Add(p.Duration),
	}
	t.projects[p.ID] = &Project{
		ProposalID:      p.ID,
		Manager:         p.ProjectManager,
		Title:           p.Title,
		Status:          ProjectActive,
		TotalMilestones: len(milestones),
	}
}

// MarkMilestoneReady moves a scheduled milestone to ready, signalling that
// the deliverable has been verified off-chain.
func (t *Treasury) MarkMilestoneReady(proposalID model.Hash, index int) error {
	const op = "treasury.MarkMilestoneReady"
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.budgets[proposalID]
	if !ok {
		return errs.E(errs.NotFound, op, "unknown budget")
	}
	if b.Status != BudgetActive {
		return errs.E(errs.InvalidState, op, "budget is not active")
	}
	if index < 0 || index >= len(b.Milestones) {
		return errs.E(errs.InvalidInput, op, "milestone index out of range")
	}
	m := &b.Milestones[index]
	if m.Status != DisbursementScheduled {
		return errs.E(errs.InvalidState, op, "milestone is not scheduled")
	}
	m.Status = DisbursementReady
	return nil
}

// DisburseMilestone mints a ready milestone's amount to the project manager
// and advances the project's progress. Closing the last milestone completes
// the budget and the project.
func (t *Treasury) DisburseMilestone(proposalID model.Hash, index int, ref model.Hash) error {
	const op = "treasury.DisburseMilestone"
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.budgets[proposalID]
	if !ok {
		return errs.E(errs.NotFound, op, "unknown budget")
	}
	if b.Status != BudgetActive {
		return errs.E(errs.InvalidState, op, "budget is not active")
	}
	if index < 0 || index >= len(b.Milestones) {
		return errs.E(errs.InvalidInput, op, "milestone index out of range")
	}
	m := &b.Milestones[index]
	if m.Status != DisbursementReady {
		return errs.E(errs.InvalidState, op, "milestone is not ready for payment")
	}
	if b.Remaining() < m.Amount {
		return errs.Quantitative(errs.InsufficientFunds, op, b.Remaining(), m.Amount)
	}
	project := t.projects[proposalID]
	if err := t.ledger.Mint(project.Manager, m.Amount, ref); err != nil {
		return err
	}

	m.Status = DisbursementProcessed
	m.ProcessedAt = t.clock.Now()
	b.Disbursed += m.Amount
	t.allocated -= m.Amount
	t.disbursed += m.Amount

	project.CompletedMilestones++
	project.Progress = float64(project.CompletedMilestones) / float64(project.TotalMilestones)
	if project.CompletedMilestones == project.TotalMilestones {
		project.Status = ProjectCompleted
		b.Status = BudgetClosed
	}
	t.record(TxDisbursement, m.Amount, proposalID, project.Manager, m.Description, ref)
	t.logger.Info("milestone disbursed",
		zap.String("proposal", proposalID.String()),
		zap.Int("milestone", index),
		zap.Uint64("amount", m.Amount))
	return nil
}

// ExpireBudgets applies the fail-safe action to every active budget past its
// deadline and returns the number of budgets acted on. Return moves the
// remaining allocation back to the reserve and cancels the project.
func (t *Treasury) ExpireBudgets(action ExpiryAction) (int, error) {
	const op = "treasury.ExpireBudgets"
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	acted := 0
	for id, b := range t.budgets {
		if b.Status != BudgetActive || !now.After(b.ExpiresAt) {
			continue
		}
		remaining := b.Remaining()
		switch action {
		case ExpiryReturn:
			t.allocated -= remaining
			t.available += remaining
			b.Status = BudgetClosed
			if p := t.projects[id]; p.Status == ProjectActive {
				p.Status = ProjectCancelled
			}
			t.record(TxRefund, remaining, id, model.PublicKey{}, "budget expired", model.ZeroHash)
		case ExpiryExtend:
			b.ExpiresAt = b.ExpiresAt.Add(t.cfg.ExpiryExtension)
		case ExpiryFreeze:
			b.Status = BudgetFrozen
			t.record(TxCancellation, remaining, id, model.PublicKey{}, "budget frozen pending review", model.ZeroHash)
		default:
			return acted, errs.E(errs.InvalidInput, op, "unknown expiry action")
		}
		acted++
		t.logger.Warn("budget past deadline",
			zap.String("proposal", id.String()),
			zap.String("action", string(action)),
			zap.Uint64("remaining", remaining))
	}
	return acted, nil
}

// BudgetOf returns a copy of a budget.
func (t *Treasury) BudgetOf(proposalID model.Hash) (Budget, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.budgets[proposalID]
	if !ok {
		return Budget{}, false
	}
	cp := *b
	cp.Milestones = append([]DisbursementMilestone(nil), b.Milestones...)
	return cp, true
}

// ProjectOf returns a copy of a project.
func (t *Treasury) ProjectOf(proposalID model.Hash) (Project, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.projects[proposalID]
	if !ok {
		return Project{}, false
	}
	return *p, true
}
