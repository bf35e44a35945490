package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/autobahn-chain/node/internal/bus"
	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/mempool"
	"github.com/autobahn-chain/node/internal/model"
)

type validatorNode struct {
	sk *crypto.SecretKey
	pk *crypto.PublicKey
	e  *Engine
}

// newTestValidators builds n Engines sharing a common validator/stake set.
// Each gets its own mempool bus with a trivial QueryNewCutRequest responder
// that always replies with an empty Cut, since these tests exercise
// consensus round mechanics, not mempool integration.
func newTestValidators(t *testing.T, n int) []*validatorNode {
	t.Helper()
	logger := zap.NewNop().Sugar()

	keys := make([]*crypto.SecretKey, n)
	pubs := make([]*crypto.PublicKey, n)
	stakes := make(map[string]uint64, n)
	for i := 0; i < n; i++ {
		sk, pk, err := crypto.GenerateKey()
		require.NoError(t, err)
		keys[i] = sk
		pubs[i] = pk
		stakes[pk.String()] = 100
	}

	nodes := make([]*validatorNode, n)
	for i := 0; i < n; i++ {
		mpBus := bus.New()
		serveEmptyCuts(mpBus)
		nodes[i] = &validatorNode{
			sk: keys[i],
			pk: pubs[i],
			e: New(keys[i], stakes, pubs, Config{}, mpBus, bus.New(), logger, prometheus.NewRegistry()),
		}
	}
	return nodes
}

func serveEmptyCuts(b *bus.Bus) {
	ch := bus.Subscribe[*bus.Query[mempool.QueryNewCutRequest, model.Cut]](b)
	go func() {
		for q := range ch {
			q.Reply(model.Cut{})
		}
	}()
}

func leaderOf(nodes []*validatorNode, slot, view uint64) *validatorNode {
	for _, n := range nodes {
		if n.e.IsLeader(slot, view) {
			return n
		}
	}
	return nil
}

// runHappyRound drives one full Prepare/Confirm/Commit round among nodes at
// (slot, view) with ticket, returning the committed block.
func runHappyRound(t *testing.T, nodes []*validatorNode, view uint64, ticket model.Ticket) *model.SignedBlock {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	leader := leaderOf(nodes, nodes[0].e.Slot(), view)
	require.NotNil(t, leader)

	proposal, _, err := leader.e.StartRound(ctx, view, ticket)
	require.NoError(t, err)

	// Prepare phase: every node (including the leader) processes Prepare
	// and casts a PrepareVote back to the leader.
	var prepareQC *model.QuorumCertificate
	for _, n := range nodes {
		sig, err := n.e.HandlePrepare(proposal, ticket)
		require.NoError(t, err)
		require.NotNil(t, sig)
		qc, err := leader.e.HandlePrepareVote(view, n.pk, sig)
		require.NoError(t, err)
		if qc != nil {
			prepareQC = qc
		}
	}
	require.NotNil(t, prepareQC, "quorum of prepare votes should have formed a QC")

	// Confirm phase: leader broadcasts the prepare QC, every node replies
	// ConfirmAck.
	var commitQC *model.QuorumCertificate
	for _, n := range nodes {
		sig, err := n.e.HandleConfirm(proposal.Slot, view, prepareQC)
		require.NoError(t, err)
		require.NotNil(t, sig)
		qc, err := leader.e.HandleConfirmAck(view, n.pk, sig)
		require.NoError(t, err)
		if qc != nil {
			commitQC = qc
		}
	}
	require.NotNil(t, commitQC, "quorum of confirm acks should have formed a commit QC")

	votedHash := proposal.Hash()
	var committed *model.SignedBlock
	for _, n := range nodes {
		block, err := n.e.HandleCommit(view, votedHash, commitQC)
		require.NoError(t, err)
		require.NotNil(t, block)
		committed = block
	}

	// Every committed block's certificate must verify against the stake
	// weights of the validators that signed it.
	require.True(t, model.VerifyQuorumCertificate(
		confirmAckMessage(committed.ConsensusProposal.Hash()),
		committed.Certificate,
		nodes[0].e.stakes,
		nodes[0].e.quorumStake(),
	))
	return committed
}

func TestFourNodeHappyPathCommitsSlotZero(t *testing.T) {
	nodes := newTestValidators(t, 4)
	block := runHappyRound(t, nodes, 0, model.GenesisTicket())
	assert.Equal(t, uint64(0), block.ConsensusProposal.Slot)
	for _, n := range nodes {
		assert.Equal(t, uint64(1), n.e.Slot())
		assert.False(t, n.e.IsJoining())
	}
}

func TestHappyPathAdvancesAcrossSlots(t *testing.T) {
	nodes := newTestValidators(t, 4)
	runHappyRound(t, nodes, 0, model.GenesisTicket())

	qc := nodes[0].e.lastCommitQC
	block := runHappyRound(t, nodes, 0, model.CommitQCTicket(qc))
	assert.Equal(t, uint64(1), block.ConsensusProposal.Slot)
	for _, n := range nodes {
		assert.Equal(t, uint64(2), n.e.Slot())
	}
}

func TestJoiningNodeDoesNotVoteButObserves(t *testing.T) {
	nodes := newTestValidators(t, 4)
	logger := zap.NewNop().Sugar()
	mpBus := bus.New()
	serveEmptyCuts(mpBus)

	sk, pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	stakes := map[string]uint64{pk.String(): 0}
	validators := make([]*crypto.PublicKey, 0, 5)
	for _, n := range nodes {
		validators = append(validators, n.pk)
	}
	joining := &validatorNode{sk: sk, pk: pk, e: New(sk, stakes, validators, Config{Joining: true}, mpBus, bus.New(), logger, prometheus.NewRegistry())}

	require.True(t, joining.e.IsJoining())

	leader := leaderOf(nodes, 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	proposal, _, err := leader.e.StartRound(ctx, 0, model.GenesisTicket())
	require.NoError(t, err)

	sig, err := joining.e.HandlePrepare(proposal, model.GenesisTicket())
	require.NoError(t, err)
	assert.Nil(t, sig, "a joining node must not cast a prepare vote")

	// Consensus progress alone (without a matching DA catch-up signal) must
	// not flip Joining back to active.
	assert.True(t, joining.e.IsJoining())
	joining.e.AdvanceDataAvailability(0)
	assert.True(t, joining.e.IsJoining(), "no committed slot yet to catch up through")
}

func TestDataAvailabilityCatchUpClearsJoiningAfterCommit(t *testing.T) {
	nodes := newTestValidators(t, 4)
	block := runHappyRound(t, nodes, 0, model.GenesisTicket())

	logger := zap.NewNop().Sugar()
	mpBus := bus.New()
	serveEmptyCuts(mpBus)
	sk, pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	validators := make([]*crypto.PublicKey, 0, 5)
	stakes := map[string]uint64{pk.String(): 0}
	for _, n := range nodes {
		validators = append(validators, n.pk)
	}
	joining := New(sk, stakes, validators, Config{Joining: true}, mpBus, bus.New(), logger, prometheus.NewRegistry())
	joining.lastCommitted = &block.ConsensusProposal
	joining.lastCommittedHash = block.ConsensusProposal.Hash()

	require.True(t, joining.IsJoining())
	joining.AdvanceDataAvailability(block.ConsensusProposal.Slot)
	assert.False(t, joining.IsJoining())
}

func TestViewChangeProducesTimeoutQCAndNextTicket(t *testing.T) {
	nodes := newTestValidators(t, 4)

	var qc *model.QuorumCertificate
	for _, n := range nodes {
		sig, err := n.e.HandleTimeout(0)
		require.NoError(t, err)
		c, err := nodes[0].e.HandleTimeoutVote(0, 0, n.pk, sig)
		require.NoError(t, err)
		if c != nil {
			qc = c
		}
	}
	require.NotNil(t, qc)

	ticket, nextView, err := nodes[1].e.HandleTimeoutCertificate(0, 0, qc)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nextView)
	assert.Equal(t, model.TicketTimeoutQC, ticket.Kind)

	block := runHappyRound(t, nodes, nextView, ticket)
	assert.Equal(t, uint64(0), block.ConsensusProposal.Slot)
}

func TestConfiguredGenesisLeaderTakesFirstRound(t *testing.T) {
	logger := zap.NewNop().Sugar()
	keys := make([]*crypto.SecretKey, 4)
	pubs := make([]*crypto.PublicKey, 4)
	stakes := make(map[string]uint64, 4)
	for i := range keys {
		sk, pk, err := crypto.GenerateKey()
		require.NoError(t, err)
		keys[i] = sk
		pubs[i] = pk
		stakes[pk.String()] = 100
	}

	mpBus := bus.New()
	serveEmptyCuts(mpBus)
	e := New(keys[0], stakes, pubs, Config{GenesisLeader: pubs[2]}, mpBus, bus.New(), logger, prometheus.NewRegistry())

	assert.True(t, e.LeaderForView(0, 0).Equal(pubs[2]))
	// Later rounds fall back to deterministic rotation over the sorted set.
	assert.NotNil(t, e.LeaderForView(0, 1))
	assert.NotNil(t, e.LeaderForView(1, 0))
}

func TestReplayedPrepareAfterCommitIsNoop(t *testing.T) {
	nodes := newTestValidators(t, 4)
	block := runHappyRound(t, nodes, 0, model.GenesisTicket())

	// The engine has moved to slot 1; replaying slot 0's Prepare neither
	// produces a vote nor rewinds the slot.
	sig, err := nodes[1].e.HandlePrepare(&block.ConsensusProposal, model.GenesisTicket())
	assert.ErrorIs(t, err, ErrStaleRound)
	assert.Nil(t, sig)
	assert.Equal(t, uint64(1), nodes[1].e.Slot())
}

func TestAlreadyVotedOtherHashRejected(t *testing.T) {
	nodes := newTestValidators(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	leader := leaderOf(nodes, 0, 0)
	proposalA, _, err := leader.e.StartRound(ctx, 0, model.GenesisTicket())
	require.NoError(t, err)
	_, err = nodes[1].e.HandlePrepare(proposalA, model.GenesisTicket())
	require.NoError(t, err)

	proposalB := *proposalA
	proposalB.Cut = model.Cut{{}}
	_, err = nodes[1].e.HandlePrepare(&proposalB, model.GenesisTicket())
	assert.ErrorIs(t, err, ErrAlreadyVotedOtherHash)
}
