package consensus

import (
	"fmt"

	"github.com/autobahn-chain/node/internal/bus"
	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/model"
)

// CommitBlockEvent is published on the events bus whenever a slot commits.
type CommitBlockEvent struct {
	Block model.SignedBlock
}

// HandleCommit processes an incoming Commit(commitQC) for view. If the
// round's proposal has not been seen yet (Commit outran Confirm locally),
// the commit is buffered until the proposal arrives or the slot advances
// past it. On success it advances to the next slot and publishes a
// CommitBlockEvent.
func (e *Engine) HandleCommit(view uint64, votedHash crypto.Hash, commitQC *model.QuorumCertificate) (*model.SignedBlock, error) {
	e.mu.Lock()
	r, ok := e.rounds[view]
	if !ok || r.proposal == nil {
		e.bufferCommitLocked(votedHash, commitQC)
		e.mu.Unlock()
		return nil, nil
	}

	if !e.verifyQuorumQCLocked(r.proposalHash, commitQC, confirmAckMessage) {
		e.mu.Unlock()
		return nil, ErrInvalidCut
	}

	r.commitQC = commitQC
	r.phase = PhaseCommitted
	block := e.finalizeLocked(r, commitQC)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.commits.Inc()
		e.metrics.slot.Set(float64(e.Slot()))
	}
	bus.Publish(e.eventsBus, CommitBlockEvent{Block: *block})
	e.logger.Infof("committed slot %d (view %d)", block.ConsensusProposal.Slot, view)
	return block, nil
}

// bufferCommitLocked stores an out-of-order commit, evicting the oldest
// entry once the buffer is full. Callers must hold e.mu.
func (e *Engine) bufferCommitLocked(votedHash crypto.Hash, commitQC *model.QuorumCertificate) {
	e.bufferedCommits = append(e.bufferedCommits, bufferedCommit{proposalHash: votedHash, commitQC: commitQC})
	if len(e.bufferedCommits) > maxBufferedCommits {
		e.bufferedCommits = e.bufferedCommits[len(e.bufferedCommits)-maxBufferedCommits:]
	}
	e.logger.Debugf("buffered out-of-order commit for %s (%d buffered)", votedHash, len(e.bufferedCommits))
}

// finalizeLocked marks the round's proposal as the new chain head and
// resets round state for the next slot. Callers must hold e.mu.
func (e *Engine) finalizeLocked(r *round, commitQC *model.QuorumCertificate) *model.SignedBlock {
	proposal := *r.proposal
	e.lastCommitted = &proposal
	e.lastCommittedHash = r.proposalHash
	e.lastCommitQC = commitQC
	e.slot = proposal.Slot + 1
	e.rounds = map[uint64]*round{0: newRound(0)}
	e.consecutiveTimeouts = 0
	e.bufferedCommits = nil

	if e.isJoining {
		// A committed round alone never flips Joining; only data-availability
		// catch-up transitions it back to active.
		e.logger.Debugf("committed slot %d while still joining", proposal.Slot)
	}

	return &model.SignedBlock{
		ConsensusProposal: proposal,
		Certificate:       commitQC,
	}
}

// AdvanceDataAvailability records that Mempool/DA has delivered every
// DataProposal referenced through slot. Joining only flips to active once
// catch-up has both progressed through a committed slot by consensus AND
// the corresponding data has actually been retrieved: consensus progress
// alone is not sufficient to resume voting.
func (e *Engine) AdvanceDataAvailability(throughSlot uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if throughSlot > e.daCaughtUpThroughSlot {
		e.daCaughtUpThroughSlot = throughSlot
	}
	if e.isJoining && e.lastCommitted != nil && e.daCaughtUpThroughSlot >= e.lastCommitted.Slot {
		e.isJoining = false
		e.logger.Infof("caught up through slot %d, resuming active voting", e.daCaughtUpThroughSlot)
	}
}

// drainBufferedCommitLocked returns and removes a buffered commit whose
// proposal hash matches hash, if any. Callers must hold e.mu.
func (e *Engine) drainBufferedCommitLocked(hash crypto.Hash) *bufferedCommit {
	for i, bc := range e.bufferedCommits {
		if bc.proposalHash == hash {
			e.bufferedCommits = append(e.bufferedCommits[:i], e.bufferedCommits[i+1:]...)
			return &bc
		}
	}
	return nil
}

// TryResolveBufferedCommit re-checks buffered commits against the round
// now that its proposal has arrived (via HandlePrepare/HandleConfirm).
// Call after accepting a Prepare or Confirm for view.
func (e *Engine) TryResolveBufferedCommit(view uint64) (*model.SignedBlock, error) {
	e.mu.Lock()
	r, ok := e.rounds[view]
	if !ok || r.proposal == nil {
		e.mu.Unlock()
		return nil, nil
	}
	bc := e.drainBufferedCommitLocked(r.proposalHash)
	if bc == nil {
		e.mu.Unlock()
		return nil, nil
	}
	if !e.verifyQuorumQCLocked(r.proposalHash, bc.commitQC, confirmAckMessage) {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: buffered commit for view %d", ErrInvalidCut, view)
	}
	r.commitQC = bc.commitQC
	r.phase = PhaseCommitted
	block := e.finalizeLocked(r, bc.commitQC)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.commits.Inc()
	}
	bus.Publish(e.eventsBus, CommitBlockEvent{Block: *block})
	return block, nil
}
