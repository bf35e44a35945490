package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/autobahn-chain/node/internal/bus"
	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/mempool"
	"github.com/autobahn-chain/node/internal/model"
)

// cutQueryTimeout bounds the QueryNewCut round trip so a wedged or absent
// mempool responder surfaces as a failed round rather than a stalled one.
const cutQueryTimeout = time.Second

func prepareVoteMessage(h crypto.Hash) []byte {
	return crypto.NewEncoder().String("prepare-vote").Hash(h).Out()
}

func confirmAckMessage(h crypto.Hash) []byte {
	return crypto.NewEncoder().String("confirm-ack").Hash(h).Out()
}

// StartRound is called by the leader of (e.slot, view) to open a new round:
// it asks Mempool for a Cut, forms the ConsensusProposal, and returns the
// Prepare message to broadcast. It is an error to call this when not the
// leader, or when ticket does not authorize the round.
func (e *Engine) StartRound(ctx context.Context, view uint64, ticket model.Ticket) (*model.ConsensusProposal, model.Ticket, error) {
	e.mu.Lock()
	slot := e.slot
	e.mu.Unlock()

	if !e.IsLeader(slot, view) {
		return nil, model.Ticket{}, ErrNotLeader
	}
	if err := e.checkTicketLocked(slot, ticket); err != nil {
		return nil, model.Ticket{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, cutQueryTimeout)
	defer cancel()
	cut, err := bus.Ask[mempool.QueryNewCutRequest, model.Cut](queryCtx, e.mempoolBus, mempool.QueryNewCutRequest{Slot: slot})
	if err != nil {
		return nil, model.Ticket{}, fmt.Errorf("consensus: querying new cut: %w", err)
	}

	e.mu.Lock()
	parent := e.lastCommittedHash
	e.mu.Unlock()

	proposal := &model.ConsensusProposal{
		Slot:       slot,
		ParentHash: parent,
		Cut:        cut,
		View:       view,
		Timestamp:  time.Now().Unix(),
	}

	e.mu.Lock()
	r := e.roundLocked(view)
	r.proposal = proposal
	r.proposalHash = proposal.Hash()
	r.phase = PhasePreparing
	e.mu.Unlock()

	e.logger.Infof("slot %d view %d: started round as leader", slot, view)
	return proposal, ticket, nil
}

// checkTicketLocked validates that ticket authorizes opening slot. Callers
// must not hold e.mu (it acquires internally for the genesis/commit-QC
// checks that need lastCommitted state).
func (e *Engine) checkTicketLocked(slot uint64, ticket model.Ticket) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch ticket.Kind {
	case model.TicketGenesis:
		if slot != 0 {
			return fmt.Errorf("%w: genesis ticket only authorizes slot 0", ErrInvalidTicket)
		}
	case model.TicketCommitQC:
		if e.lastCommitted == nil && slot != 0 {
			return fmt.Errorf("%w: no prior commit to justify slot %d", ErrInvalidTicket, slot)
		}
		if e.lastCommitted != nil {
			if slot != e.lastCommitted.Slot+1 {
				return fmt.Errorf("%w: commit-qc ticket is for slot %d, not %d", ErrInvalidTicket, e.lastCommitted.Slot+1, slot)
			}
			if !model.VerifyQuorumCertificate(confirmAckMessage(e.lastCommittedHash), ticket.CommitQC, e.stakes, e.quorumStake()) {
				return fmt.Errorf("%w: commit-qc does not certify the last committed proposal", ErrInvalidTicket)
			}
		}
	case model.TicketTimeoutQC:
		// A timeout-qc ticket authorizes a new view at the *current* slot;
		// the caller is expected to be retrying the same slot after a
		// view change, which HandleTimeoutCertificate already validated.
	default:
		return fmt.Errorf("%w: unknown ticket kind", ErrInvalidTicket)
	}
	return nil
}

// HandlePrepare processes an incoming Prepare(proposal, ticket). If the
// proposal is accepted, it returns this validator's signed PrepareVote.
// Joining nodes observe but never vote.
func (e *Engine) HandlePrepare(proposal *model.ConsensusProposal, ticket model.Ticket) (*crypto.ValidatorSignature, error) {
	leader := e.leaderForView(proposal.Slot, proposal.View)
	if leader == nil {
		return nil, ErrWrongLeader
	}

	if err := e.checkTicketLocked(proposal.Slot, ticket); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if proposal.Slot != e.slot {
		return nil, fmt.Errorf("%w: proposal for slot %d, engine at slot %d", ErrStaleRound, proposal.Slot, e.slot)
	}
	if proposal.ParentHash != e.lastCommittedHash {
		return nil, ErrBadParentHash
	}
	for _, entry := range proposal.Cut {
		if !model.VerifyPoDA(entry, e.stakes, e.quorumStake()) {
			return nil, fmt.Errorf("%w: validator %s", ErrInvalidCut, entry.Validator)
		}
	}

	hash := proposal.Hash()
	r := e.roundLocked(proposal.View)
	if !r.votedHash.IsZero() && r.votedHash != hash {
		return nil, ErrAlreadyVotedOtherHash
	}

	r.proposal = proposal
	r.proposalHash = hash
	r.phase = PhasePreparing

	if e.isJoining {
		e.logger.Debugf("slot %d view %d: observing prepare while joining", proposal.Slot, proposal.View)
		return nil, nil
	}

	sig, err := e.selfKey.Sign(prepareVoteMessage(hash))
	if err != nil {
		return nil, fmt.Errorf("consensus: signing prepare vote: %w", err)
	}
	r.votedHash = hash
	return sig, nil
}

// HandlePrepareVote is called on the leader with a follower's PrepareVote.
// Once quorum stake has voted, it aggregates a prepare-QC and returns the
// Confirm message to broadcast.
func (e *Engine) HandlePrepareVote(view uint64, voter *crypto.PublicKey, sig *crypto.ValidatorSignature) (*model.QuorumCertificate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rounds[view]
	if !ok || r.proposal == nil {
		return nil, fmt.Errorf("%w: view %d", ErrUnknownProposal, view)
	}
	if !crypto.Verify(prepareVoteMessage(r.proposalHash), sig, voter) {
		return nil, ErrBadSignature
	}
	if r.prepareQC != nil {
		return nil, nil // quorum already formed; late votes are coalesced
	}

	r.prepareVotes[voter.String()] = sig
	qc := e.tryAggregateLocked(r.prepareVotes)
	if qc == nil {
		return nil, nil
	}
	r.prepareQC = qc
	r.phase = PhaseConfirming
	return qc, nil
}

// HandleConfirm processes an incoming Confirm(prepareQC) for the proposal
// already seen via Prepare, returning this validator's signed ConfirmAck.
func (e *Engine) HandleConfirm(slot, view uint64, prepareQC *model.QuorumCertificate) (*crypto.ValidatorSignature, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rounds[view]
	if !ok || r.proposal == nil {
		return nil, fmt.Errorf("%w: view %d", ErrUnknownProposal, view)
	}
	if !e.verifyQuorumQCLocked(r.proposalHash, prepareQC, prepareVoteMessage) {
		return nil, ErrInvalidCut
	}
	r.prepareQC = prepareQC
	r.phase = PhaseConfirming

	if e.isJoining {
		return nil, nil
	}

	sig, err := e.selfKey.Sign(confirmAckMessage(r.proposalHash))
	if err != nil {
		return nil, fmt.Errorf("consensus: signing confirm ack: %w", err)
	}
	return sig, nil
}

// HandleConfirmAck is called on the leader with a follower's ConfirmAck.
// Once quorum stake has acked, it aggregates a commit-QC and returns the
// Commit message to broadcast.
func (e *Engine) HandleConfirmAck(view uint64, voter *crypto.PublicKey, sig *crypto.ValidatorSignature) (*model.QuorumCertificate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rounds[view]
	if !ok || r.proposal == nil {
		return nil, fmt.Errorf("%w: view %d", ErrUnknownProposal, view)
	}
	if !crypto.Verify(confirmAckMessage(r.proposalHash), sig, voter) {
		return nil, ErrBadSignature
	}
	if r.commitQC != nil {
		return nil, nil // quorum already formed; late acks are coalesced
	}

	r.confirmAcks[voter.String()] = sig
	qc := e.tryAggregateLocked(r.confirmAcks)
	if qc == nil {
		return nil, nil
	}
	r.commitQC = qc
	r.phase = PhaseCommitting
	return qc, nil
}

// tryAggregateLocked aggregates votes into a QuorumCertificate once their
// combined stake clears quorum, returning nil otherwise. The certificate
// records its signer set so recipients can verify the aggregate against the
// exact subset that signed rather than the full validator set. Callers must
// hold e.mu.
func (e *Engine) tryAggregateLocked(votes map[string]*crypto.ValidatorSignature) *model.QuorumCertificate {
	var stake uint64
	sigs := make([]*crypto.ValidatorSignature, 0, len(votes))
	signers := make([]*crypto.PublicKey, 0, len(votes))
	for pkHex, sig := range votes {
		pk := e.pubKeyByHex(pkHex)
		if pk == nil {
			continue // not in the staking set; contributes no stake
		}
		stake += e.stakes[pkHex]
		sigs = append(sigs, sig)
		signers = append(signers, pk)
	}
	if len(sigs) == 0 {
		return nil
	}
	if stake < e.quorumStake() {
		return nil
	}
	agg, err := crypto.Aggregate(sigs)
	if err != nil {
		e.logger.Errorf("aggregating quorum certificate: %v", err)
		return nil
	}
	return &model.QuorumCertificate{Signature: agg, Signers: signers}
}

// verifyQuorumQCLocked checks that qc certifies hash under msgFor: the
// aggregate must verify against the certificate's recorded signer subset,
// and that subset's stake must clear quorum. Callers must hold e.mu.
func (e *Engine) verifyQuorumQCLocked(hash crypto.Hash, qc *model.QuorumCertificate, msgFor func(crypto.Hash) []byte) bool {
	return model.VerifyQuorumCertificate(msgFor(hash), qc, e.stakes, e.quorumStake())
}
