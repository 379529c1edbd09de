package staking

import (
	"encoding/binary"
	"time"

	"go.uber.org/zap"

	"github.com/archivechain/archivechain/internal/crypto"
	"github.com/archivechain/archivechain/internal/errs"
	"github.com/archivechain/archivechain/internal/model"
	"github.com/archivechain/archivechain/pkg/safe"
)

// ProposalKind classifies a governance proposal.
type ProposalKind string

const (
	ProposalParameterChange     ProposalKind = "parameter_change"
	ProposalTreasuryAllocation  ProposalKind = "treasury_allocation"
	ProposalProtocolUpgrade     ProposalKind = "protocol_upgrade"
	ProposalValidatorManagement ProposalKind = "validator_management"
	ProposalGeneral             ProposalKind = "general"
)

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

const (
	ProposalVoting   ProposalStatus = "voting"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

// VotePosition is a voter's stance.
type VotePosition string

const (
	VoteFor     VotePosition = "for"
	VoteAgainst VotePosition = "against"
	VoteAbstain VotePosition = "abstain"
)

// Vote is one recorded ballot.
type Vote struct {
	Voter         model.PublicKey
	Position      VotePosition
	Power         uint64
	Justification string
	Signature     []byte
	At            time.Time
}

// Proposal is a governance proposal with its tallies.
type Proposal struct {
	ID                model.Hash
	Proposer          model.PublicKey
	Title             string
	Description       string
	Kind              ProposalKind
	CreatedAt         time.Time
	VotingStart       time.Time
	VotingEnd         time.Time
	RequiredQuorum    uint64
	ApprovalThreshold float64
	VotesFor          uint64
	VotesAgainst      uint64
	VotesAbstain      uint64
	Votes             map[model.PublicKey]Vote
	Status            ProposalStatus
}

// CreateProposal opens a proposal. Voting starts after the review window and
// the quorum is fixed at creation time from the total voting power.
func (s *System) CreateProposal(proposer model.PublicKey, title, description string, kind ProposalKind) (model.Hash, error) {
	const op = "staking.CreateProposal"
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.governance[proposer]
	if !ok || g.Amount < s.cfg.MinGovernanceStake {
		var have uint64
		if ok {
			have = g.Amount
		}
		return model.ZeroHash, errs.Quantitative(errs.InsufficientStake, op, s.cfg.MinGovernanceStake, have)
	}
	if title == "" {
		return model.ZeroHash, errs.E(errs.InvalidInput, op, "title must not be empty")
	}

	now := s.clock.Now()
	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], uint64(now.UnixNano()))
	id := crypto.ChecksumParts(proposer[:], []byte(title), nonce[:])

	quorum, err := safe.UintFromFloat(float64(s.totalVotingPower()) * s.cfg.QuorumFraction)
	if err != nil {
		return model.ZeroHash, errs.Wrap(errs.Internal, op, err)
	}
	p := &Proposal{
		ID:                id,
		Proposer:          proposer,
		Title:             title,
		Description:       description,
		Kind:              kind,
		CreatedAt:         now,
		VotingStart:       now.Add(s.cfg.ReviewWindow),
		VotingEnd:         now.Add(s.cfg.ReviewWindow + s.cfg.VotingWindow),
		RequiredQuorum:    quorum,
		ApprovalThreshold: s.cfg.ApprovalThreshold,
		Votes:             make(map[model.PublicKey]Vote),
		Status:            ProposalVoting,
	}
	s.proposals[id] = p
	s.logger.Info("proposal created",
		zap.String("proposal", id.Short()),
		zap.String("proposer", proposer.Short()),
		zap.String("kind", string(kind)),
		zap.Uint64("quorum", quorum))
	return id, nil
}

// VoteOnProposal casts a ballot with the voter's full power at vote time.
// A voter may vote once; votes outside the voting window fail.
func (s *System) VoteOnProposal(voter model.PublicKey, proposalID model.Hash, position VotePosition, justification string, signature []byte) error {
	const op = "staking.VoteOnProposal"
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[proposalID]
	if !ok {
		return errs.Ef(errs.NotFound, op, "proposal %s not found", proposalID.Short())
	}
	now := s.clock.Now()
	if now.Before(p.VotingStart) || now.After(p.VotingEnd) {
		return errs.E(errs.DeadlineExpired, op, "voting window closed")
	}
	if _, voted := p.Votes[voter]; voted {
		return errs.Ef(errs.InvalidState, op, "account %s already voted", voter.Short())
	}
	power := s.votingPower(voter)
	if power == 0 {
		return errs.E(errs.Unauthorized, op, "account has no voting power")
	}
	switch position {
	case VoteFor:
		p.VotesFor += power
	case VoteAgainst:
		p.VotesAgainst += power
	case VoteAbstain:
		p.VotesAbstain += power
	default:
		return errs.Ef(errs.InvalidInput, op, "unknown vote position %q", position)
	}
	p.Votes[voter] = Vote{
		Voter:         voter,
		Position:      position,
		Power:         power,
		Justification: justification,
		Signature:     signature,
		At:            now,
	}
	return nil
}

// FinalizeProposal tallies a proposal after its voting window closes.
// Abstentions count toward quorum but not toward approval.
func (s *System) FinalizeProposal(proposalID model.Hash) (ProposalStatus, error) {
	const op = "staking.FinalizeProposal"
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[proposalID]
	if !ok {
		return "", errs.Ef(errs.NotFound, op, "proposal %s not found", proposalID.Short())
	}
	if p.Status != ProposalVoting {
		return "", errs.Ef(errs.InvalidState, op, "proposal already %s", p.Status)
	}
	if !s.clock.Now().After(p.VotingEnd) {
		return "", errs.E(errs.InvalidState, op, "voting window still open")
	}

	cast := p.VotesFor + p.VotesAgainst + p.VotesAbstain
	if cast < p.RequiredQuorum {
		p.Status = ProposalRejected
	} else if decisive := p.VotesFor + p.VotesAgainst; decisive > 0 &&
		float64(p.VotesFor)/float64(decisive) >= p.ApprovalThreshold {
		p.Status = ProposalApproved
	} else {
		p.Status = ProposalRejected
	}
	s.logger.Info("proposal finalized",
		zap.String("proposal", proposalID.Short()),
		zap.String("status", string(p.Status)),
		zap.Uint64("for", p.VotesFor),
		zap.Uint64("against", p.VotesAgainst),
		zap.Uint64("abstain", p.VotesAbstain))
	return p.Status, nil
}

// ProposalOf returns a copy of the proposal with the given id.
func (s *System) ProposalOf(id model.Hash) (Proposal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	cp := *p
	cp.Votes = make(map[model.PublicKey]Vote, len(p.Votes))
	for k, v := range p.Votes {
		cp.Votes[k] = v
	}
	return cp, true
}
