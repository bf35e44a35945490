package model

import (
	"encoding/base64"
	"errors"
	"strconv"

	"github.com/autobahn-chain/node/internal/crypto"
)

// ErrUnknownProofDataKind is returned when a ProofData value carries neither
// a base64 string nor raw bytes.
var ErrUnknownProofDataKind = errors.New("model: proof data has no representation")

// ProofDataKind tags which representation a ProofData carries.
type ProofDataKind int

const (
	ProofDataBase64 ProofDataKind = iota
	ProofDataBytes
)

// ProofData is either a base64-encoded string or raw bytes; its hash is the
// SHA3-256 of whichever byte representation was actually chosen, so the two
// kinds are not interchangeable even when they decode to the same bytes.
type ProofData struct {
	Kind   ProofDataKind
	Base64 string
	Raw    []byte
}

// NewProofDataBase64 wraps a base64-encoded proof payload.
func NewProofDataBase64(s string) ProofData {
	return ProofData{Kind: ProofDataBase64, Base64: s}
}

// NewProofDataBytes wraps a raw proof payload.
func NewProofDataBytes(b []byte) ProofData {
	return ProofData{Kind: ProofDataBytes, Raw: b}
}

// Bytes returns the byte representation that hashing and verification act
// on: the UTF-8 bytes of the base64 string for the Base64 kind, or the raw
// bytes directly for the Bytes kind.
func (p ProofData) Bytes() ([]byte, error) {
	switch p.Kind {
	case ProofDataBase64:
		return []byte(p.Base64), nil
	case ProofDataBytes:
		return p.Raw, nil
	default:
		return nil, ErrUnknownProofDataKind
	}
}

// Decoded returns the underlying proof bytes, base64-decoding first if
// necessary. Verifiers operate on this, not on Bytes.
func (p ProofData) Decoded() ([]byte, error) {
	switch p.Kind {
	case ProofDataBase64:
		return base64.StdEncoding.DecodeString(p.Base64)
	case ProofDataBytes:
		return p.Raw, nil
	default:
		return nil, ErrUnknownProofDataKind
	}
}

// Hash returns the SHA3-256 hash of the chosen byte representation.
func (p ProofData) Hash() (crypto.Hash, error) {
	b, err := p.Bytes()
	if err != nil {
		return crypto.Hash{}, err
	}
	return crypto.SumSHA3(b), nil
}

// Len reports the length of the chosen byte representation, used by
// VerifiedProofTransaction's redacted String() to surface size without the
// payload itself.
func (p ProofData) Len() int {
	b, err := p.Bytes()
	if err != nil {
		return 0
	}
	return len(b)
}

// ProofTransaction carries an unverified proof submitted for a contract.
type ProofTransaction struct {
	ContractName string
	Proof        ProofData
}

// String redacts the proof payload, surfacing only its length — proof bytes
// are large and never useful in a log line.
func (tx ProofTransaction) String() string {
	return "ProofTransaction{contract_name=" + tx.ContractName + ", proof=[HIDDEN], proof_len=" +
		strconv.Itoa(tx.Proof.Len()) + "}"
}

// HyleOutput is the invariant contract between prover and node: the node
// trusts Success and the InitialState -> NextState transition only if the
// signature chain verifies and InitialState equals the contract's current
// digest at settlement time.
type HyleOutput struct {
	Version        uint32
	InitialState   []byte
	NextState      []byte
	Identity       Identity
	TxHash         crypto.Hash
	BlobIndex      uint32
	BlobsBytes     []byte
	Success        bool
	ProgramOutputs string
}

// BlobProofOutput binds one HyleOutput to the blob it proves, within a
// single (possibly recursive) proof.
type BlobProofOutput struct {
	BlobTxHash        crypto.Hash
	OriginalProofHash crypto.Hash
	ProgramID         []byte
	HyleOutput        HyleOutput
}

// VerifiedProofTransaction replaces a ProofTransaction once verification has
// run. IsRecursive distinguishes a proof that attests multiple underlying
// program IDs at once from one that attests a single blob.
type VerifiedProofTransaction struct {
	ContractName string
	Proof        *ProofData // kept only for local-lane indexing; may be nil once discarded
	ProofHash    crypto.Hash
	ProvenBlobs  []BlobProofOutput
	IsRecursive  bool
}

// String redacts the proof payload, matching ProofTransaction.String.
func (tx VerifiedProofTransaction) String() string {
	proofLen := 0
	if tx.Proof != nil {
		proofLen = tx.Proof.Len()
	}
	return "VerifiedProofTransaction{contract_name=" + tx.ContractName +
		", proof_hash=" + tx.ProofHash.String() +
		", proof=[HIDDEN], proof_len=" + strconv.Itoa(proofLen) +
		", proven_blobs=" + strconv.Itoa(len(tx.ProvenBlobs)) +
		", is_recursive=" + strconv.FormatBool(tx.IsRecursive) + "}"
}

// RegisterContractTransaction registers a verifier and initial state digest
// for a contract name. Names are unique once registered.
type RegisterContractTransaction struct {
	Owner        string
	Verifier     string
	ProgramID    []byte
	StateDigest  []byte
	ContractName string
}
