package mempool

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/model"
)

type node struct {
	sk *crypto.SecretKey
	pk *crypto.PublicKey
	mp *Mempool
}

func newTestNetwork(t *testing.T, n int) []*node {
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

	nodes := make([]*node, n)
	for i := 0; i < n; i++ {
		nodes[i] = &node{
			sk: keys[i],
			pk: pubs[i],
			mp: New(keys[i], stakes, pubs, logger, prometheus.NewRegistry()),
		}
	}
	return nodes
}

// disseminate simulates the broadcast/vote round trip for a DataProposal
// built by proposer against every other node in nodes.
func disseminate(t *testing.T, proposer *node, dp *model.DataProposal, peers []*node) {
	t.Helper()
	for _, peer := range peers {
		if peer == proposer {
			continue
		}
		sig, err := peer.mp.HandleDataProposal(proposer.pk, dp)
		require.NoError(t, err)

		hash, err := dp.Hash()
		require.NoError(t, err)
		require.NoError(t, proposer.mp.HandleDataVote(proposer.pk, hash, peer.pk, sig))
	}
}

func TestDisseminationFormsPoDAAndProducesCut(t *testing.T) {
	nodes := newTestNetwork(t, 4)
	proposer := nodes[0]

	tx := model.WrapRegisterContract(&model.RegisterContractTransaction{
		Owner: "alice", Verifier: "test", ContractName: "test1",
	})
	require.NoError(t, proposer.mp.SubmitTransaction(tx))

	dp, err := proposer.mp.BuildDataProposal()
	require.NoError(t, err)
	require.NotNil(t, dp)

	disseminate(t, proposer, dp, nodes)

	cut := proposer.mp.buildCut()
	require.Len(t, cut, 4)

	dpHash, err := dp.Hash()
	require.NoError(t, err)

	var found bool
	for _, e := range cut {
		if e.Validator.Equal(proposer.pk) {
			found = true
			assert.Equal(t, dpHash, e.DataProposalHash)
			assert.NotNil(t, e.PoDA)
		}
	}
	assert.True(t, found)
}

func TestCutRepeatsPreviousTipWhenNoNewPoDA(t *testing.T) {
	nodes := newTestNetwork(t, 4)
	proposer := nodes[0]

	tx := model.WrapRegisterContract(&model.RegisterContractTransaction{ContractName: "test1", Verifier: "test"})
	require.NoError(t, proposer.mp.SubmitTransaction(tx))
	dp, err := proposer.mp.BuildDataProposal()
	require.NoError(t, err)
	disseminate(t, proposer, dp, nodes)

	first := proposer.mp.buildCut()
	second := proposer.mp.buildCut()
	assert.Equal(t, first, second)
}

func TestIdentityInvariantRejectedAtAdmission(t *testing.T) {
	nodes := newTestNetwork(t, 1)
	tx := model.WrapBlob(&model.BlobTransaction{
		Identity: "alice.bogus",
		Blobs:    []model.Blob{{ContractName: "hyllar", Data: []byte("x")}},
	})
	err := nodes[0].mp.SubmitTransaction(tx)
	assert.ErrorIs(t, err, ErrInvalidTransaction)

	dp, err := nodes[0].mp.BuildDataProposal()
	require.NoError(t, err)
	assert.Nil(t, dp, "no transaction should have been queued")
}

func TestHandleDataProposalRejectsBadParentHash(t *testing.T) {
	nodes := newTestNetwork(t, 2)
	proposer, follower := nodes[0], nodes[1]

	bogus := &model.DataProposal{ParentHash: crypto.SumSHA3([]byte("not-the-tip"))}
	_, err := follower.mp.HandleDataProposal(proposer.pk, bogus)
	assert.ErrorIs(t, err, ErrBadParentHash)
}

func TestDuplicateVoteIsIdempotent(t *testing.T) {
	nodes := newTestNetwork(t, 4)
	proposer := nodes[0]

	tx := model.WrapRegisterContract(&model.RegisterContractTransaction{ContractName: "test1", Verifier: "test"})
	require.NoError(t, proposer.mp.SubmitTransaction(tx))
	dp, err := proposer.mp.BuildDataProposal()
	require.NoError(t, err)
	dpHash, err := dp.Hash()
	require.NoError(t, err)

	sig, err := nodes[1].mp.HandleDataProposal(proposer.pk, dp)
	require.NoError(t, err)
	require.NoError(t, proposer.mp.HandleDataVote(proposer.pk, dpHash, nodes[1].pk, sig))
	require.NoError(t, proposer.mp.HandleDataVote(proposer.pk, dpHash, nodes[1].pk, sig))

	// The proposer's own vote plus nodes[1]'s: the replay must not add a third.
	l := proposer.mp.lanes[proposer.pk.String()]
	assert.Len(t, l.votes[dpHash], 2)
}
