package consensus

import (
	"fmt"
	"time"

	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/model"
)

func timeoutMessage(slot, view uint64) []byte {
	return crypto.NewEncoder().Uint64(slot).Uint64(view).String("timeout").Out()
}

// RoundTimeout returns how long to wait before declaring a timeout for the
// given view, doubling per consecutive timeout up to timeoutCapExponent.
func (e *Engine) RoundTimeout(view uint64) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	shift := e.consecutiveTimeouts
	if uint(shift) > e.timeoutCapExponent {
		shift = int(e.timeoutCapExponent)
	}
	return e.baseTimeout * time.Duration(uint64(1)<<uint(shift))
}

// HandleTimeout is called locally when a round's timer expires: it casts
// this validator's own signed Timeout vote for (slot, view) and returns it
// to broadcast.
func (e *Engine) HandleTimeout(view uint64) (*crypto.ValidatorSignature, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	slot := e.slot
	sig, err := e.selfKey.Sign(timeoutMessage(slot, view))
	if err != nil {
		return nil, fmt.Errorf("consensus: signing timeout: %w", err)
	}
	r := e.roundLocked(view)
	r.phase = PhaseTimedOut
	r.timeoutVotes[e.selfPubKey.String()] = sig
	e.consecutiveTimeouts++
	if e.metrics != nil {
		e.metrics.viewChanges.Inc()
	}
	e.logger.Warnf("timed out slot %d view %d (consecutive=%d)", slot, view, e.consecutiveTimeouts)
	return sig, nil
}

// HandleTimeoutVote records a peer's Timeout vote for (slot, view). Once
// quorum stake has voted, the accumulated signatures are aggregated into a
// TimeoutQC and returned for broadcast as the authorization ticket for the
// next view.
func (e *Engine) HandleTimeoutVote(slot, view uint64, voter *crypto.PublicKey, sig *crypto.ValidatorSignature) (*model.QuorumCertificate, error) {
	if !crypto.Verify(timeoutMessage(slot, view), sig, voter) {
		return nil, ErrBadSignature
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if slot != e.slot {
		return nil, fmt.Errorf("%w: timeout vote for slot %d, engine at slot %d", ErrStaleRound, slot, e.slot)
	}
	r := e.roundLocked(view)
	if r.timeoutQC != nil {
		return nil, nil // quorum already formed; late votes are coalesced
	}
	r.timeoutVotes[voter.String()] = sig

	qc := e.tryAggregateLocked(r.timeoutVotes)
	if qc == nil {
		return nil, nil
	}
	r.timeoutQC = qc
	return qc, nil
}

// HandleTimeoutCertificate processes an incoming TimeoutQC authorizing
// view+1 at the current slot. It verifies the certificate against its
// recorded signer subset and, if valid, returns the Ticket to open the new
// view with.
func (e *Engine) HandleTimeoutCertificate(slot, view uint64, qc *model.QuorumCertificate) (model.Ticket, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if slot != e.slot {
		return model.Ticket{}, 0, fmt.Errorf("%w: timeout-qc for slot %d, engine at slot %d", ErrStaleRound, slot, e.slot)
	}
	if !model.VerifyQuorumCertificate(timeoutMessage(slot, view), qc, e.stakes, e.quorumStake()) {
		return model.Ticket{}, 0, ErrBadSignature
	}

	nextView := view + 1
	e.roundLocked(nextView)
	e.logger.Infof("view change: slot %d moving to view %d", slot, nextView)
	return model.TimeoutQCTicket(qc), nextView, nil
}
