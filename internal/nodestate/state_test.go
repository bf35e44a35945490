package nodestate

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/autobahn-chain/node/internal/bus"
	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/model"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	return New(NewRegistry(), 5, bus.New(), zap.NewNop().Sugar(), prometheus.NewRegistry())
}

// blockWith wraps txs into a minimal SignedBlock with a single synthetic
// validator lane so canonicalOrder has something to flatten.
func blockWith(t *testing.T, slot uint64, txs ...model.Transaction) *model.SignedBlock {
	t.Helper()
	_, pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	dp := model.DataProposal{Txs: txs}
	return &model.SignedBlock{
		ConsensusProposal: model.ConsensusProposal{
			Slot: slot,
			Cut:  model.Cut{{Validator: pk}},
		},
		DataProposals: map[string][]model.DataProposal{pk.String(): {dp}},
	}
}

func testProofFor(t *testing.T, txHash crypto.Hash, blobIndex uint32, initialState, nextState []byte, success bool) model.ProofData {
	t.Helper()
	return testProofWithOutputs(t, txHash, blobIndex, initialState, nextState, success, "")
}

func testProofWithOutputs(t *testing.T, txHash crypto.Hash, blobIndex uint32, initialState, nextState []byte, success bool, programOutputs string) model.ProofData {
	t.Helper()
	payload := []testHyleOutput{{
		Version:        1,
		InitialState:   initialState,
		NextState:      nextState,
		TxHash:         txHash.String(),
		BlobIndex:      blobIndex,
		Success:        success,
		ProgramOutputs: programOutputs,
	}}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return model.NewProofDataBase64(base64.StdEncoding.EncodeToString(raw))
}

func TestRegisterContractThenBlobThenProofSettles(t *testing.T) {
	s := newTestState(t)

	register := model.WrapRegisterContract(&model.RegisterContractTransaction{
		ContractName: "hyllar", Verifier: "test", ProgramID: []byte("prog"), StateDigest: []byte{0, 0, 0, 0},
	})
	blobTx := &model.BlobTransaction{
		Identity: "alice.hyllar",
		Blobs:    []model.Blob{{ContractName: "hyllar", Data: []byte("transfer")}},
	}
	blob := model.WrapBlob(blobTx)
	blobHash, err := blob.Hash()
	require.NoError(t, err)

	block1, err := s.ApplyBlock(blockWith(t, 0, register, blob))
	require.NoError(t, err)
	assert.Empty(t, block1.FailedTxs)
	cs, ok := s.Contract("hyllar")
	require.True(t, ok)
	assert.Equal(t, 1, cs.UnsettledCount)

	proofData := testProofFor(t, blobHash, 0, []byte{0, 0, 0, 0}, []byte{1, 1, 1, 1}, true)
	proofTx := model.WrapProof(&model.ProofTransaction{ContractName: "hyllar", Proof: proofData})

	block2, err := s.ApplyBlock(blockWith(t, 1, proofTx))
	require.NoError(t, err)
	assert.Contains(t, block2.SettledBlobTxHashes, blobHash)
	assert.Equal(t, []byte{1, 1, 1, 1}, block2.UpdatedStates["hyllar"])

	cs, ok = s.Contract("hyllar")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 1, 1, 1}, cs.StateDigest)
	assert.Equal(t, 0, cs.UnsettledCount)
}

func TestDuplicateContractRegistrationFails(t *testing.T) {
	s := newTestState(t)
	reg := model.WrapRegisterContract(&model.RegisterContractTransaction{ContractName: "c", Verifier: "test"})

	block, err := s.ApplyBlock(blockWith(t, 0, reg, reg))
	require.NoError(t, err)
	assert.Len(t, block.FailedTxs, 1)
}

func TestFailedProofMarksWholeTransactionFailedWithNoStateAdvance(t *testing.T) {
	s := newTestState(t)
	register := model.WrapRegisterContract(&model.RegisterContractTransaction{
		ContractName: "hyllar", Verifier: "test", StateDigest: []byte{0, 0, 0, 0},
	})
	blobTx := &model.BlobTransaction{
		Identity: "alice.hyllar",
		Blobs:    []model.Blob{{ContractName: "hyllar", Data: []byte("x")}},
	}
	blob := model.WrapBlob(blobTx)
	blobHash, err := blob.Hash()
	require.NoError(t, err)
	s.ApplyBlock(blockWith(t, 0, register, blob))

	proofData := testProofFor(t, blobHash, 0, []byte{0, 0, 0, 0}, []byte{9, 9, 9, 9}, false)
	proofTx := model.WrapProof(&model.ProofTransaction{ContractName: "hyllar", Proof: proofData})

	block, err := s.ApplyBlock(blockWith(t, 1, proofTx))
	require.NoError(t, err)
	assert.Contains(t, block.FailedTxs, blobHash)
	assert.Empty(t, block.SettledBlobTxHashes)

	cs, ok := s.Contract("hyllar")
	require.True(t, ok)
	assert.Equal(t, []byte{0, 0, 0, 0}, cs.StateDigest, "state must not advance on failure")
}

func TestFailedProofSurfacesLiteralProgramOutputs(t *testing.T) {
	s := newTestState(t)
	register := model.WrapRegisterContract(&model.RegisterContractTransaction{
		ContractName: "hyllar", Verifier: "test", StateDigest: []byte{0, 0, 0, 0},
	})
	blobTx := &model.BlobTransaction{
		Identity: "caller.hyllar",
		Blobs:    []model.Blob{{ContractName: "hyllar", Data: []byte("transfer_from")}},
	}
	blob := model.WrapBlob(blobTx)
	blobHash, err := blob.Hash()
	require.NoError(t, err)
	s.ApplyBlock(blockWith(t, 0, register, blob))

	const wantOutput = "Allowance exceeded for sender=faucet caller=caller allowance=0"
	proofData := testProofWithOutputs(t, blobHash, 0, []byte{0, 0, 0, 0}, []byte{9, 9, 9, 9}, false, wantOutput)
	proofTx := model.WrapProof(&model.ProofTransaction{ContractName: "hyllar", Proof: proofData})

	block, err := s.ApplyBlock(blockWith(t, 1, proofTx))
	require.NoError(t, err)
	assert.Contains(t, block.FailedTxs, blobHash)
	assert.Empty(t, block.SettledBlobTxHashes)
	assert.Equal(t, wantOutput, block.FailureOutputs[blobHash])

	cs, ok := s.Contract("hyllar")
	require.True(t, ok)
	assert.Equal(t, []byte{0, 0, 0, 0}, cs.StateDigest)
}

func TestStaleInitialStateRejectsProof(t *testing.T) {
	s := newTestState(t)
	register := model.WrapRegisterContract(&model.RegisterContractTransaction{
		ContractName: "hyllar", Verifier: "test", StateDigest: []byte{0, 0, 0, 0},
	})
	blobTx := &model.BlobTransaction{Identity: "alice.hyllar", Blobs: []model.Blob{{ContractName: "hyllar", Data: []byte("x")}}}
	blob := model.WrapBlob(blobTx)
	blobHash, err := blob.Hash()
	require.NoError(t, err)
	s.ApplyBlock(blockWith(t, 0, register, blob))

	stale := testProofFor(t, blobHash, 0, []byte{9, 9, 9, 9}, []byte{1, 1, 1, 1}, true)
	proofTx := model.WrapProof(&model.ProofTransaction{ContractName: "hyllar", Proof: stale})

	block, err := s.ApplyBlock(blockWith(t, 1, proofTx))
	require.NoError(t, err)
	assert.Empty(t, block.SettledBlobTxHashes)
	assert.Empty(t, block.FailedTxs, "a stale-initial-state proof is dropped, not a tx failure")
}

func TestRecursiveProofSettlesTwoContractsInOneBlock(t *testing.T) {
	s := newTestState(t)
	regA := model.WrapRegisterContract(&model.RegisterContractTransaction{
		ContractName: "A", Verifier: "test", StateDigest: []byte{0},
	})
	regB := model.WrapRegisterContract(&model.RegisterContractTransaction{
		ContractName: "B", Verifier: "test", StateDigest: []byte{0},
	})
	blobTx := &model.BlobTransaction{
		Identity: "alice.A",
		Blobs: []model.Blob{
			{ContractName: "A", Data: []byte("a")},
			{ContractName: "B", Data: []byte("b")},
		},
	}
	blob := model.WrapBlob(blobTx)
	blobHash, err := blob.Hash()
	require.NoError(t, err)
	s.ApplyBlock(blockWith(t, 0, regA, regB, blob))

	payload := []testHyleOutput{
		{Version: 1, InitialState: []byte{0}, NextState: []byte{1}, TxHash: blobHash.String(), BlobIndex: 0, Success: true},
		{Version: 1, InitialState: []byte{0}, NextState: []byte{2}, TxHash: blobHash.String(), BlobIndex: 1, Success: true},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	proofData := model.NewProofDataBase64(base64.StdEncoding.EncodeToString(raw))
	proofTx := model.WrapProof(&model.ProofTransaction{ContractName: "A", Proof: proofData})

	block, err := s.ApplyBlock(blockWith(t, 1, proofTx))
	require.NoError(t, err)
	assert.Contains(t, block.SettledBlobTxHashes, blobHash)
	assert.Len(t, block.VerifiedBlobs, 2)
	assert.Equal(t, []byte{1}, block.UpdatedStates["A"])
	assert.Equal(t, []byte{2}, block.UpdatedStates["B"])

	csA, ok := s.Contract("A")
	require.True(t, ok)
	assert.Equal(t, []byte{1}, csA.StateDigest)
	csB, ok := s.Contract("B")
	require.True(t, ok)
	assert.Equal(t, []byte{2}, csB.StateDigest)
}

func TestProofCompletingTwoTransactionsSettlesInAdmissionOrder(t *testing.T) {
	s := newTestState(t)
	register := model.WrapRegisterContract(&model.RegisterContractTransaction{
		ContractName: "hyllar", Verifier: "test", StateDigest: []byte{0},
	})
	first := model.WrapBlob(&model.BlobTransaction{
		Identity: "alice.hyllar",
		Blobs:    []model.Blob{{ContractName: "hyllar", Data: []byte("a")}},
	})
	second := model.WrapBlob(&model.BlobTransaction{
		Identity: "bob.hyllar",
		Blobs:    []model.Blob{{ContractName: "hyllar", Data: []byte("b")}},
	})
	firstHash, err := first.Hash()
	require.NoError(t, err)
	secondHash, err := second.Hash()
	require.NoError(t, err)
	_, err = s.ApplyBlock(blockWith(t, 0, register, first, second))
	require.NoError(t, err)

	// One proof completes both transactions at once; settlement must follow
	// the admission tuple, not map iteration order.
	payload := []testHyleOutput{
		{Version: 1, InitialState: []byte{0}, NextState: []byte{2}, TxHash: secondHash.String(), BlobIndex: 0, Success: true},
		{Version: 1, InitialState: []byte{0}, NextState: []byte{1}, TxHash: firstHash.String(), BlobIndex: 0, Success: true},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	proofTx := model.WrapProof(&model.ProofTransaction{
		ContractName: "hyllar",
		Proof:        model.NewProofDataBase64(base64.StdEncoding.EncodeToString(raw)),
	})

	block, err := s.ApplyBlock(blockWith(t, 1, proofTx))
	require.NoError(t, err)
	assert.Equal(t, []crypto.Hash{firstHash, secondHash}, block.SettledBlobTxHashes)
	require.Len(t, block.VerifiedBlobs, 2)
	assert.Equal(t, firstHash, block.VerifiedBlobs[0].TxHash)
	assert.Equal(t, secondHash, block.VerifiedBlobs[1].TxHash)

	// The later transaction's update lands last, so its next_state is the
	// digest every validator ends the block on.
	cs, ok := s.Contract("hyllar")
	require.True(t, ok)
	assert.Equal(t, []byte{2}, cs.StateDigest)
}

func TestSimultaneousTimeoutsEmitInAdmissionOrder(t *testing.T) {
	s := newTestState(t)
	register := model.WrapRegisterContract(&model.RegisterContractTransaction{ContractName: "hyllar", Verifier: "test"})
	first := model.WrapBlob(&model.BlobTransaction{
		Identity: "alice.hyllar",
		Blobs:    []model.Blob{{ContractName: "hyllar", Data: []byte("a")}},
	})
	second := model.WrapBlob(&model.BlobTransaction{
		Identity: "bob.hyllar",
		Blobs:    []model.Blob{{ContractName: "hyllar", Data: []byte("b")}},
	})
	firstHash, err := first.Hash()
	require.NoError(t, err)
	secondHash, err := second.Hash()
	require.NoError(t, err)
	_, err = s.ApplyBlock(blockWith(t, 0, register, first, second))
	require.NoError(t, err)

	var lastBlock *model.Block
	for slot := uint64(1); slot <= s.timeoutDepth; slot++ {
		lastBlock, err = s.ApplyBlock(blockWith(t, slot))
		require.NoError(t, err)
	}
	assert.Equal(t, []crypto.Hash{firstHash, secondHash}, lastBlock.TimedOutTxHashes)
	assert.Equal(t, 0, s.PendingCount())
}

func TestUnsettledBlobTimesOutAfterConfiguredDepth(t *testing.T) {
	s := newTestState(t)
	register := model.WrapRegisterContract(&model.RegisterContractTransaction{ContractName: "hyllar", Verifier: "test"})
	blobTx := &model.BlobTransaction{Identity: "alice.hyllar", Blobs: []model.Blob{{ContractName: "hyllar", Data: []byte("x")}}}
	blob := model.WrapBlob(blobTx)
	blobHash, err := blob.Hash()
	require.NoError(t, err)
	s.ApplyBlock(blockWith(t, 0, register, blob))

	var lastBlock *model.Block
	for slot := uint64(1); slot <= s.timeoutDepth; slot++ {
		lastBlock, err = s.ApplyBlock(blockWith(t, slot))
		require.NoError(t, err)
	}
	assert.Contains(t, lastBlock.TimedOutTxHashes, blobHash)
	assert.Equal(t, 0, s.PendingCount())
}
