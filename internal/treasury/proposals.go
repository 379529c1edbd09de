package treasury

import (
	"encoding/binary"
	"time"

	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/crypto"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/pkg/safe"
)

// ProposalStatus is the lifecycle state of a funding proposal.
type ProposalStatus string

const (
	ProposalReview   ProposalStatus = "review"
	ProposalVoting   ProposalStatus = "voting"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// VotePosition is a voter's stance on a proposal.
type VotePosition string

const (
	VoteFor     VotePosition = "for"
	VoteAgainst VotePosition = "against"
	VoteAbstain VotePosition = "abstain"
)

// Vote is one recorded vote with the power it carried at vote time.
type Vote struct {
	Voter         model.PublicKey
	Position      VotePosition
	Power         uint64
	Justification string
	At            time.Time
}

// MilestoneSpec describes one deliverable of a funding proposal. Offset is
// measured from approval.
type MilestoneSpec struct {
	Description string
	Amount      uint64
	Offset      time.Duration
}

// Proposal is a request to fund a project from the community reserve.
type Proposal struct {
	ID             model.Hash
	Proposer       model.PublicKey
	ProjectManager model.PublicKey
	Title          string
	Description    string
	Amount         uint64
	Duration       time.Duration
	Milestones     []MilestoneSpec
	Status         ProposalStatus
	CreatedAt      time.Time
	VotingStart    time.Time
	VotingEnd      time.Time
	Quorum         uint64
	VotesFor       uint64
	VotesAgainst   uint64
	VotesAbstain   uint64
	Votes          map[model.PublicKey]Vote
}

// SubmitProposal validates and files a funding proposal. The proposer needs
// a governance stake of at least MinProposerStake, the amount must fit the
// configured bounds and the available-funds cap, and the milestone amounts
// must sum to the requested amount.
func (t *Treasury) SubmitProposal(proposer, projectManager model.PublicKey, title, description string, amount uint64, duration time.Duration, milestones []MilestoneSpec) (model.Hash, error) {
	const op = "treasury.SubmitProposal"
	t.mu.Lock()
	defer t.mu.Unlock()

	if title == "" {
		return model.ZeroHash, errs.E(errs.InvalidInput, op, "title is required")
	}
	if stake := t.gov.GovernanceStakeAmount(proposer); stake < t.cfg.MinProposerStake {
		return model.ZeroHash, errs.Quantitative(errs.InsufficientStake, op, stake, t.cfg.MinProposerStake)
	}
	if amount < t.cfg.MinProposalAmount || amount > t.cfg.MaxProposalAmount {
		return model.ZeroHash, errs.Ef(errs.InvalidInput, op,
			"amount %d outside [%d, %d]", amount, t.cfg.MinProposalAmount, t.cfg.MaxProposalAmount)
	}
	limit, err := safe.UintFromFloat(float64(t.available) * t.cfg.MaxTreasuryFraction)
	if err != nil {
		return model.ZeroHash, errs.Wrap(errs.Internal, op, err)
	}
	if amount > limit {
		return model.ZeroHash, errs.Quantitative(errs.InsufficientFunds, op, limit, amount)
	}
	if duration <= 0 || duration > t.cfg.MaxProjectDuration {
		return model.ZeroHash, errs.E(errs.InvalidInput, op, "project duration out of range")
	}
	active := 0
	for _, p := range t.proposals {
		if p.Status == ProposalReview || p.Status == ProposalVoting {
			active++
		}
	}
	if active >= t.cfg.MaxActiveProposals {
		return model.ZeroHash, errs.Quantitative(errs.RateLimited, op,
			uint64(t.cfg.MaxActiveProposals), uint64(active+1))
	}
	if len(milestones) == 0 {
		milestones = []MilestoneSpec{{Description: "full delivery", Amount: amount, Offset: duration}}
	}
	var sum uint64
	for _, m := range milestones {
		if m.Offset <= 0 || m.Offset > duration {
			return model.ZeroHash, errs.E(errs.InvalidInput, op, "milestone offset outside project duration")
		}
		sum += m.Amount
	}
	if sum != amount {
		return model.ZeroHash, errs.Quantitative(errs.InvalidInput, op, amount, sum)
	}

	now := t.clock.Now()
	quorum, err := t.quorum()
	if err != nil {
		return model.ZeroHash, err
	}
	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], uint64(now.UnixNano()))
	id := crypto.ChecksumParts(proposer[:], []byte(title), nonce[:])

	t.proposals[id] = &Proposal{
		ID:             id,
		Proposer:       proposer,
		ProjectManager: projectManager,
		Title:          title,
		Description:    description,
		Amount:         amount,
		Duration:       duration,
		Milestones:     append([]MilestoneSpec(nil), milestones...),
		Status:         ProposalReview,
		CreatedAt:      now,
		VotingStart:    now.Add(t.cfg.ReviewWindow),
		VotingEnd:      now.Add(t.cfg.ReviewWindow + t.cfg.VotingWindow),
		Quorum:         quorum,
		Votes:          make(map[model.PublicKey]Vote),
	}
	t.logger.Info("funding proposal submitted",
		zap.String("id", id.String()),
		zap.String("title", title),
		zap.Uint64("amount", amount))
	return id, nil
}

// VoteOnProposal casts a weighted vote inside the voting window. Each
// account votes once with its full governance power at vote time.
func (t *Treasury) VoteOnProposal(voter model.PublicKey, proposalID model.Hash, position VotePosition, justification string) error {
	const op = "treasury.VoteOnProposal"
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.proposals[proposalID]
	if !ok {
		return errs.E(errs.NotFound, op, "unknown proposal")
	}
	now := t.clock.Now()
	if now.Before(p.VotingStart) || now.After(p.VotingEnd) {
		return errs.E(errs.DeadlineExpired, op, "outside the voting window")
	}
	if p.Status == ProposalReview {
		p.Status = ProposalVoting
	}
	if p.Status != ProposalVoting {
		return errs.E(errs.InvalidState, op, "proposal is not open for voting")
	}
	if _, voted := p.Votes[voter]; voted {
		return errs.E(errs.InvalidState, op, "account already voted")
	}
	power := t.gov.VotingPower(voter)
	if power == 0 {
		return errs.E(errs.Unauthorized, op, "no governance voting power")
	}

	switch position {
	case VoteFor:
		p.VotesFor += power
	case VoteAgainst:
		p.VotesAgainst += power
	case VoteAbstain:
		p.VotesAbstain += power
	default:
		return errs.E(errs.InvalidInput, op, "unknown vote position")
	}
	p.Votes[voter] = Vote{Voter: voter, Position: position, Power: power, Justification: justification, At: now}
	return nil
}

// FinalizeProposal tallies a proposal after its voting window closes.
// Abstentions count toward quorum only. An approved proposal moves its
// amount from available to allocated and opens a budget and a project.
func (t *Treasury) FinalizeProposal(proposalID model.Hash) (ProposalStatus, error) {
	const op = "treasury.FinalizeProposal"
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.proposals[proposalID]
	if !ok {
		return "", errs.E(errs.NotFound, op, "unknown proposal")
	}
	if p.Status != ProposalReview && p.Status != ProposalVoting {
		return "", errs.E(errs.InvalidState, op, "proposal already finalized")
	}
	now := t.clock.Now()
	if !now.After(p.VotingEnd) {
		return "", errs.E(errs.InvalidState, op, "voting window still open")
	}

	cast := p.VotesFor + p.VotesAgainst + p.VotesAbstain
	decisive := p.VotesFor + p.VotesAgainst
	if cast < p.Quorum || decisive == 0 ||
		float64(p.VotesFor)/float64(decisive) < t.cfg.ApprovalThreshold {
		p.Status = ProposalRejected
		t.logger.Info("funding proposal rejected",
			zap.String("id", proposalID.String()),
			zap.Uint64("cast", cast),
			zap.Uint64("quorum", p.Quorum))
		return ProposalRejected, nil
	}
	if t.available < p.Amount {
		p.Status = ProposalRejected
		t.logger.Warn("funding proposal passed but the reserve cannot cover it",
			zap.String("id", proposalID.String()),
			zap.Uint64("amount", p.Amount),
			zap.Uint64("available", t.available))
		return ProposalRejected, nil
	}

	p.Status = ProposalApproved
	t.available -= p.Amount
	t.allocated += p.Amount
	t.openBudget(p, now)
	t.record(TxAllocation, p.Amount, p.ID, p.ProjectManager, p.Title, model.ZeroHash)
	t.logger.Info("funding proposal approved",
		zap.String("id", proposalID.String()),
		zap.Uint64("amount", p.Amount))
	return ProposalApproved, nil
}

// ProposalOf returns a copy of a proposal.
func (t *Treasury) ProposalOf(id model.Hash) (Proposal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	cp := *p
	cp.Milestones = append([]MilestoneSpec(nil), p.Milestones...)
	cp.Votes = make(map[model.PublicKey]Vote, len(p.Votes))
	for k, v := range p.Votes {
		cp.Votes[k] = v
	}
	return cp, true
}
