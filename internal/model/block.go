package model

import "github.com/autobahn-chain/node/internal/crypto"

// VerifiedBlob records that a settled blob received an accepted proof
// output: OutputCount is how many HyleOutputs bound to it. Settlement keeps
// one accepted output per blob, so it is 1; a recursive proof covering
// several contracts yields one VerifiedBlob per blob.
type VerifiedBlob struct {
	TxHash      crypto.Hash
	BlobIndex   uint32
	OutputCount int
}

// Block is the result of applying a SignedBlock to node-state: every
// transaction in canonical order, which failed or timed out, which blob
// transactions settled, and the contract state digests that advanced.
type Block struct {
	ParentHash          crypto.Hash
	Hash                crypto.Hash
	Height              uint64
	Timestamp           int64
	Txs                 []Transaction
	FailedTxs           []crypto.Hash
	SettledBlobTxHashes []crypto.Hash
	VerifiedBlobs       []VerifiedBlob
	TimedOutTxHashes    []crypto.Hash
	UpdatedStates       map[string][]byte // contract name -> new state digest

	// FailureOutputs carries the literal program_outputs string reported by
	// a failing HyleOutput, keyed by the blob transaction hash it failed,
	// for the subset of failures that originate from a verified proof
	// rather than from malformed input.
	FailureOutputs map[crypto.Hash]string
}

// ContractState is node-state's exclusive record for one registered
// contract: its current digest, its verifier and program id, and the blob
// transactions awaiting proof against it.
type ContractState struct {
	Verifier    string
	ProgramID   []byte
	StateDigest []byte

	// Unsettled maps a blob transaction hash to the full transaction, for
	// every blob tx that touches this contract and has not yet settled,
	// failed, or timed out.
	Unsettled map[crypto.Hash]*BlobTransaction
}

// NewContractState builds the initial state for a freshly registered
// contract.
func NewContractState(verifier string, programID, stateDigest []byte) *ContractState {
	return &ContractState{
		Verifier:    verifier,
		ProgramID:   programID,
		StateDigest: stateDigest,
		Unsettled:   make(map[crypto.Hash]*BlobTransaction),
	}
}
