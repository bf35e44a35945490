package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobahn-chain/node/internal/crypto"
)

func TestQuorumStakeThreshold(t *testing.T) {
	assert.Equal(t, uint64(267), QuorumStake(400), "four equal stakers of 100 need three votes")
	assert.Equal(t, uint64(3), QuorumStake(3))
	assert.Equal(t, uint64(1), QuorumStake(1))
}

func TestVerifyQuorumCertificate(t *testing.T) {
	msg := []byte("proposal-hash")
	stakes := make(map[string]uint64)
	var sigs []*crypto.ValidatorSignature
	var pks []*crypto.PublicKey
	for i := 0; i < 4; i++ {
		sk, pk, err := crypto.GenerateKey()
		require.NoError(t, err)
		sig, err := sk.Sign(msg)
		require.NoError(t, err)
		stakes[pk.String()] = 100
		sigs = append(sigs, sig)
		pks = append(pks, pk)
	}

	agg, err := crypto.Aggregate(sigs[:3])
	require.NoError(t, err)
	qc := &QuorumCertificate{Signature: agg, Signers: pks[:3]}

	assert.True(t, VerifyQuorumCertificate(msg, qc, stakes, QuorumStake(400)))
	assert.False(t, VerifyQuorumCertificate([]byte("other"), qc, stakes, QuorumStake(400)))

	// Two signers carry only 200 of the 267 stake quorum needs.
	agg2, err := crypto.Aggregate(sigs[:2])
	require.NoError(t, err)
	under := &QuorumCertificate{Signature: agg2, Signers: pks[:2]}
	assert.False(t, VerifyQuorumCertificate(msg, under, stakes, QuorumStake(400)))

	// A signer listed twice must not double its stake.
	padded := &QuorumCertificate{Signature: agg2, Signers: []*crypto.PublicKey{pks[0], pks[0], pks[1]}}
	assert.False(t, VerifyQuorumCertificate(msg, padded, stakes, QuorumStake(400)))

	assert.False(t, VerifyQuorumCertificate(msg, nil, stakes, QuorumStake(400)))
}

func TestConsensusProposalHashBindsAllFields(t *testing.T) {
	_, pk, err := crypto.GenerateKey()
	require.NoError(t, err)

	base := ConsensusProposal{Slot: 3, View: 1, Cut: Cut{{Validator: pk}}}
	h := base.Hash()

	bumpedSlot := base
	bumpedSlot.Slot = 4
	assert.NotEqual(t, h, bumpedSlot.Hash())

	bumpedView := base
	bumpedView.View = 2
	assert.NotEqual(t, h, bumpedView.Hash())

	withParent := base
	withParent.ParentHash = crypto.SumSHA3([]byte("parent"))
	assert.NotEqual(t, h, withParent.Hash())

	bumpedTimestamp := base
	bumpedTimestamp.Timestamp = 1
	assert.NotEqual(t, h, bumpedTimestamp.Hash())
}
