// Package node wires Mempool, Consensus, and node-state together into one
// running validator: it dispatches inbound wire messages published by the
// p2p transport into the relevant handler, broadcasts each handler's signed
// reply as a model.OutboundMessage for p2p to deliver, drives the round and
// view-change timer, and feeds every committed block through
// Mempool.ResolveCut into node-state.
package node

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autobahn-chain/node/internal/bus"
	"github.com/autobahn-chain/node/internal/consensus"
	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/mempool"
	"github.com/autobahn-chain/node/internal/model"
	"github.com/autobahn-chain/node/internal/nodestate"
)

// disseminationInterval is how often a validator checks its own pending
// transaction buffer for a new DataProposal to build and broadcast.
const disseminationInterval = 100 * time.Millisecond

// Node is the glue layer between the transport and the three state
// machines: nothing here holds consensus or mempool invariants of its own,
// it only routes messages and results between components that already
// enforce their own.
type Node struct {
	selfPubKey *crypto.PublicKey
	validators []*crypto.PublicKey

	mempool   *mempool.Mempool
	consensus *consensus.Engine
	state     *nodestate.State

	// netBus carries model.MempoolNetMessage / model.ConsensusNetMessage
	// (inbound, published by p2p.Server.onEnvelope) and model.OutboundMessage
	// (outbound, consumed by p2p.Server.forwardOutbound). It is the same Bus
	// handle the p2p.Server for this node was constructed with.
	netBus *bus.Bus

	// eventsBus carries consensus.CommitBlockEvent.
	eventsBus *bus.Bus

	mu       sync.Mutex
	lastSeen map[string]crypto.Hash // validator pubkey hex -> last DataProposal handed to node-state

	logger *zap.SugaredLogger
}

// New constructs a Node. mp, eng, and st must share the validator/stake set
// this node was configured with; eventsBus must be the same Bus eng was
// constructed with, so commitLoop observes its CommitBlockEvents.
func New(selfPubKey *crypto.PublicKey, validators []*crypto.PublicKey, mp *mempool.Mempool, eng *consensus.Engine, st *nodestate.State, netBus, eventsBus *bus.Bus, logger *zap.SugaredLogger) *Node {
	return &Node{
		selfPubKey: selfPubKey,
		validators: validators,
		mempool:    mp,
		consensus:  eng,
		state:      st,
		netBus:     netBus,
		eventsBus:  eventsBus,
		lastSeen:   make(map[string]crypto.Hash),
		logger:     logger.Named("node"),
	}
}

// Run drives every wiring loop until ctx is canceled, returning once all of
// them have exited.
func (n *Node) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){
		n.disseminationLoop,
		n.inboundMempoolLoop,
		n.commitLoop,
		n.consensusLoop,
	} {
		loop := loop
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}
	wg.Wait()
}

// broadcast publishes payload addressed to every validator but this node.
func (n *Node) broadcast(payload any) {
	for _, v := range n.validators {
		n.sendTo(v, payload)
	}
}

// sendTo publishes payload addressed at target. Sending to self is a no-op:
// a validator's own handler calls are made in-process, never round-tripped
// through the transport.
func (n *Node) sendTo(target *crypto.PublicKey, payload any) {
	if target == nil || target.Equal(n.selfPubKey) {
		return
	}
	bus.Publish(n.netBus, model.OutboundMessage{TargetPubKey: target, Payload: payload})
}

// disseminationLoop periodically drains this validator's pending
// transaction buffer into a DataProposal and broadcasts it.
func (n *Node) disseminationLoop(ctx context.Context) {
	ticker := time.NewTicker(disseminationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dp, err := n.mempool.BuildDataProposal()
			if err != nil {
				n.logger.Errorf("building data proposal: %v", err)
				continue
			}
			if dp == nil {
				continue
			}
			n.broadcast(&model.MempoolNetMessage{
				Kind:         model.MempoolNetDataProposal,
				Validator:    n.selfPubKey,
				DataProposal: dp,
			})
		}
	}
}

// inboundMempoolLoop dispatches inbound DataProposal/DataVote wire messages
// into Mempool, replying with this validator's own DataVote where one is
// owed.
func (n *Node) inboundMempoolLoop(ctx context.Context) {
	in := bus.Subscribe[model.MempoolNetMessage](n.netBus)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-in:
			n.handleMempoolMessage(msg)
		}
	}
}

func (n *Node) handleMempoolMessage(msg model.MempoolNetMessage) {
	if msg.Validator == nil {
		n.logger.Warnf("dropped mempool message with no lane owner")
		return
	}
	switch msg.Kind {
	case model.MempoolNetDataProposal:
		if msg.DataProposal == nil {
			n.logger.Warnf("dropped data proposal message with no proposal")
			return
		}
		sig, err := n.mempool.HandleDataProposal(msg.Validator, msg.DataProposal)
		if err != nil {
			n.logger.Warnf("rejected data proposal from %s: %v", msg.Validator, err)
			return
		}
		hash, err := msg.DataProposal.Hash()
		if err != nil {
			n.logger.Errorf("hashing inbound data proposal from %s: %v", msg.Validator, err)
			return
		}
		n.sendTo(msg.Validator, &model.MempoolNetMessage{
			Kind:             model.MempoolNetDataVote,
			Validator:        msg.Validator,
			DataProposalHash: hash,
			Voter:            n.selfPubKey,
			Signature:        sig,
		})
	case model.MempoolNetDataVote:
		if err := n.mempool.HandleDataVote(msg.Validator, msg.DataProposalHash, msg.Voter, msg.Signature); err != nil {
			n.logger.Warnf("rejected data vote from %s for %s/%s: %v", msg.Voter, msg.Validator, msg.DataProposalHash, err)
		}
	}
}

// commitLoop resolves each committed Cut into the per-validator
// DataProposal sequences it references and applies the completed block to
// node-state, then tells Consensus data-availability has caught up through
// it.
func (n *Node) commitLoop(ctx context.Context) {
	commits := bus.Subscribe[consensus.CommitBlockEvent](n.eventsBus)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-commits:
			n.applyCommit(ev.Block)
		}
	}
}

func (n *Node) applyCommit(block model.SignedBlock) {
	n.mu.Lock()
	lastSeen := make(map[string]crypto.Hash, len(n.lastSeen))
	for k, v := range n.lastSeen {
		lastSeen[k] = v
	}
	n.mu.Unlock()

	resolved, err := n.mempool.ResolveCut(block.ConsensusProposal.Cut, lastSeen)
	if err != nil {
		n.logger.Errorf("resolving cut for slot %d: %v", block.ConsensusProposal.Slot, err)
		return
	}
	block.DataProposals = resolved

	n.mu.Lock()
	for _, e := range block.ConsensusProposal.Cut {
		if e.DataProposalHash.IsZero() {
			continue
		}
		n.lastSeen[e.Validator.String()] = e.DataProposalHash
	}
	n.mu.Unlock()

	if _, err := n.state.ApplyBlock(&block); err != nil {
		n.logger.Errorf("applying block at slot %d: %v", block.ConsensusProposal.Slot, err)
		return
	}
	n.consensus.AdvanceDataAvailability(block.Height())
}

// consensusLoop owns the round/view-change timer and every inbound
// ConsensusNetMessage, serialized through one select so the locally tracked
// view never races against a timer reset.
func (n *Node) consensusLoop(ctx context.Context) {
	in := bus.Subscribe[model.ConsensusNetMessage](n.netBus)
	commits := bus.Subscribe[consensus.CommitBlockEvent](n.eventsBus)

	view := uint64(0)
	n.tryStartRound(ctx, view, model.GenesisTicket())

	timer := time.NewTimer(n.consensus.RoundTimeout(view))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-in:
			if nextView, changed := n.handleConsensusMessage(ctx, msg, view); changed {
				view = nextView
				resetTimer(timer, n.consensus.RoundTimeout(view))
			}
		case <-commits:
			view = 0
			resetTimer(timer, n.consensus.RoundTimeout(view))
			n.tryStartRound(ctx, view, n.nextTicket())
		case <-timer.C:
			if nextView, changed := n.onTimeout(ctx, view); changed {
				view = nextView
			}
			resetTimer(timer, n.consensus.RoundTimeout(view))
		}
	}
}

// handleConsensusMessage dispatches one inbound consensus wire message.
// Only a TimeoutCertificate moves the locally tracked view; it reports the
// new view and true when that happens.
func (n *Node) handleConsensusMessage(ctx context.Context, msg model.ConsensusNetMessage, view uint64) (uint64, bool) {
	switch msg.Kind {
	case model.ConsensusNetPrepare:
		if msg.Proposal == nil {
			n.logger.Warnf("dropped prepare with no proposal")
			return view, false
		}
		ticket := model.Ticket{}
		if msg.Ticket != nil {
			ticket = *msg.Ticket
		}
		sig, err := n.consensus.HandlePrepare(msg.Proposal, ticket)
		if err != nil {
			n.logger.Warnf("rejected prepare for slot %d view %d: %v", msg.Proposal.Slot, msg.Proposal.View, err)
			return view, false
		}
		n.resolveBuffered(msg.Proposal.View)
		if sig == nil {
			return view, false // joining node: observes, does not vote
		}
		leader := n.consensus.LeaderForView(msg.Proposal.Slot, msg.Proposal.View)
		n.sendTo(leader, &model.ConsensusNetMessage{
			Kind: model.ConsensusNetPrepareVote, Slot: msg.Proposal.Slot, View: msg.Proposal.View,
			VotedHash: msg.Proposal.Hash(), Voter: n.selfPubKey, Signature: sig,
		})

	case model.ConsensusNetPrepareVote:
		qc, err := n.consensus.HandlePrepareVote(msg.View, msg.Voter, msg.Signature)
		if err != nil {
			n.logger.Warnf("rejected prepare vote from %s: %v", msg.Voter, err)
			return view, false
		}
		if qc != nil {
			n.broadcast(&model.ConsensusNetMessage{Kind: model.ConsensusNetConfirm, Slot: msg.Slot, View: msg.View, PrepareQC: qc})
			n.handleOwnConfirm(msg.Slot, msg.View, qc)
		}

	case model.ConsensusNetConfirm:
		sig, err := n.consensus.HandleConfirm(msg.Slot, msg.View, msg.PrepareQC)
		if err != nil {
			n.logger.Warnf("rejected confirm for slot %d view %d: %v", msg.Slot, msg.View, err)
			return view, false
		}
		n.resolveBuffered(msg.View)
		if sig == nil {
			return view, false
		}
		leader := n.consensus.LeaderForView(msg.Slot, msg.View)
		n.sendTo(leader, &model.ConsensusNetMessage{Kind: model.ConsensusNetConfirmAck, Slot: msg.Slot, View: msg.View, Voter: n.selfPubKey, Signature: sig})

	case model.ConsensusNetConfirmAck:
		qc, err := n.consensus.HandleConfirmAck(msg.View, msg.Voter, msg.Signature)
		if err != nil {
			n.logger.Warnf("rejected confirm ack from %s: %v", msg.Voter, err)
			return view, false
		}
		if qc != nil {
			n.broadcastCommit(msg.View, qc)
		}

	case model.ConsensusNetCommit:
		// HandleCommit publishes CommitBlockEvent itself; commitLoop and
		// this loop's own commits subscription both react to it.
		if _, err := n.consensus.HandleCommit(msg.View, msg.VotedHash, msg.CommitQC); err != nil {
			n.logger.Warnf("rejected commit for view %d: %v", msg.View, err)
		}

	case model.ConsensusNetTimeout:
		qc, err := n.consensus.HandleTimeoutVote(msg.Slot, msg.View, msg.Voter, msg.Signature)
		if err != nil {
			n.logger.Warnf("rejected timeout vote from %s: %v", msg.Voter, err)
			return view, false
		}
		if qc != nil {
			n.broadcast(&model.ConsensusNetMessage{Kind: model.ConsensusNetTimeoutCertificate, Slot: msg.Slot, View: msg.View, TimeoutQC: qc})
			return n.advanceView(ctx, msg.Slot, msg.View, qc)
		}

	case model.ConsensusNetTimeoutCertificate:
		return n.advanceView(ctx, msg.Slot, msg.View, msg.TimeoutQC)
	}
	return view, false
}

// advanceView applies a timeout certificate: it enters the view the
// certificate authorizes and opens the new round if this validator leads it.
// Reports the new view and true on success.
func (n *Node) advanceView(ctx context.Context, slot, view uint64, qc *model.QuorumCertificate) (uint64, bool) {
	ticket, nextView, err := n.consensus.HandleTimeoutCertificate(slot, view, qc)
	if err != nil {
		n.logger.Warnf("rejected timeout certificate for slot %d view %d: %v", slot, view, err)
		return view, false
	}
	n.tryStartRound(ctx, nextView, ticket)
	return nextView, true
}

// handleOwnConfirm runs this leader's own follower-side of the Confirm
// phase: a broadcast never loops back to its sender, so the leader feeds
// the prepare-QC it just broadcast through the same handler its followers
// use and folds its own ConfirmAck into the aggregation.
func (n *Node) handleOwnConfirm(slot, view uint64, prepareQC *model.QuorumCertificate) {
	sig, err := n.consensus.HandleConfirm(slot, view, prepareQC)
	if err != nil || sig == nil {
		return
	}
	qc, err := n.consensus.HandleConfirmAck(view, n.selfPubKey, sig)
	if err != nil || qc == nil {
		return
	}
	n.broadcastCommit(view, qc)
}

// broadcastCommit sends the commit certificate for view's proposal to every
// peer and applies it locally, committing the slot on this validator too.
func (n *Node) broadcastCommit(view uint64, qc *model.QuorumCertificate) {
	hash, ok := n.consensus.ProposalHash(view)
	if !ok {
		n.logger.Warnf("commit quorum for view %d with no proposal on hand", view)
		return
	}
	n.broadcast(&model.ConsensusNetMessage{Kind: model.ConsensusNetCommit, Slot: n.consensus.Slot(), View: view, VotedHash: hash, CommitQC: qc})
	if _, err := n.consensus.HandleCommit(view, hash, qc); err != nil {
		n.logger.Warnf("applying own commit for view %d: %v", view, err)
	}
}

// resolveBuffered re-checks buffered out-of-order commits now that view's
// proposal has arrived; TryResolveBufferedCommit publishes its own
// CommitBlockEvent when one resolves.
func (n *Node) resolveBuffered(view uint64) {
	if _, err := n.consensus.TryResolveBufferedCommit(view); err != nil {
		n.logger.Warnf("resolving buffered commit for view %d: %v", view, err)
	}
}

// onTimeout fires when view's round timer expires locally: it casts and
// broadcasts this validator's own Timeout vote, then folds that same vote
// into its own aggregation pass so a lone validator's vote can still
// complete a quorum that was otherwise already satisfied. If the local vote
// completes the quorum, the resulting certificate is broadcast and applied
// here too, reporting the view it advances to.
func (n *Node) onTimeout(ctx context.Context, view uint64) (uint64, bool) {
	sig, err := n.consensus.HandleTimeout(view)
	if err != nil {
		n.logger.Errorf("handling local timeout for view %d: %v", view, err)
		return view, false
	}
	slot := n.consensus.Slot()
	n.broadcast(&model.ConsensusNetMessage{Kind: model.ConsensusNetTimeout, Slot: slot, View: view, Voter: n.selfPubKey, Signature: sig})

	qc, err := n.consensus.HandleTimeoutVote(slot, view, n.selfPubKey, sig)
	if err != nil || qc == nil {
		return view, false
	}
	n.broadcast(&model.ConsensusNetMessage{Kind: model.ConsensusNetTimeoutCertificate, Slot: slot, View: view, TimeoutQC: qc})
	return n.advanceView(ctx, slot, view, qc)
}

// tryStartRound opens (slot, view) with ticket if, and only if, this
// validator leads it. The leader also runs its own follower side of the
// Prepare phase, since its broadcast never loops back to itself.
func (n *Node) tryStartRound(ctx context.Context, view uint64, ticket model.Ticket) {
	slot := n.consensus.Slot()
	if !n.consensus.IsLeader(slot, view) {
		return
	}
	proposal, tk, err := n.consensus.StartRound(ctx, view, ticket)
	if err != nil {
		n.logger.Warnf("starting round at slot %d view %d: %v", slot, view, err)
		return
	}
	n.broadcast(&model.ConsensusNetMessage{Kind: model.ConsensusNetPrepare, Slot: proposal.Slot, View: proposal.View, Proposal: proposal, Ticket: &tk})

	sig, err := n.consensus.HandlePrepare(proposal, tk)
	if err != nil || sig == nil {
		return
	}
	if qc, err := n.consensus.HandlePrepareVote(proposal.View, n.selfPubKey, sig); err == nil && qc != nil {
		n.broadcast(&model.ConsensusNetMessage{Kind: model.ConsensusNetConfirm, Slot: proposal.Slot, View: proposal.View, PrepareQC: qc})
		n.handleOwnConfirm(proposal.Slot, proposal.View, qc)
	}
}

// nextTicket returns the ticket that authorizes the slot following the most
// recently committed one.
func (n *Node) nextTicket() model.Ticket {
	if qc := n.consensus.LastCommitQC(); qc != nil {
		return model.CommitQCTicket(qc)
	}
	return model.GenesisTicket()
}

// resetTimer stops t, draining a pending fire if there is one, and rearms
// it for d.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
