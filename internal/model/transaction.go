package model

import (
	"errors"

	"github.com/autobahn-chain/node/internal/crypto"
)

// ErrEmptyTransaction is returned by Hash when a Transaction wraps
// none of its four kinds — a zero-value Transaction is never meaningful.
var ErrEmptyTransaction = errors.New("model: transaction wraps no payload")

// TxKind tags which payload a Transaction carries.
type TxKind int

const (
	TxBlob TxKind = iota
	TxProof
	TxVerifiedProof
	TxRegisterContract
)

func (k TxKind) String() string {
	switch k {
	case TxBlob:
		return "Blob"
	case TxProof:
		return "Proof"
	case TxVerifiedProof:
		return "VerifiedProof"
	case TxRegisterContract:
		return "RegisterContract"
	default:
		return "Unknown"
	}
}

// Transaction is the tagged union of every transaction kind a lane can
// carry. Exactly one of the pointer fields matching Kind is non-nil.
type Transaction struct {
	Version uint32
	Kind    TxKind

	Blob             *BlobTransaction
	Proof            *ProofTransaction
	VerifiedProof    *VerifiedProofTransaction
	RegisterContract *RegisterContractTransaction
}

// WrapBlob builds a Transaction carrying a BlobTransaction.
func WrapBlob(tx *BlobTransaction) Transaction {
	return Transaction{Version: 1, Kind: TxBlob, Blob: tx}
}

// WrapProof builds a Transaction carrying a ProofTransaction.
func WrapProof(tx *ProofTransaction) Transaction {
	return Transaction{Version: 1, Kind: TxProof, Proof: tx}
}

// WrapVerifiedProof builds a Transaction carrying a VerifiedProofTransaction.
func WrapVerifiedProof(tx *VerifiedProofTransaction) Transaction {
	return Transaction{Version: 1, Kind: TxVerifiedProof, VerifiedProof: tx}
}

// WrapRegisterContract builds a Transaction carrying a
// RegisterContractTransaction.
func WrapRegisterContract(tx *RegisterContractTransaction) Transaction {
	return Transaction{Version: 1, Kind: TxRegisterContract, RegisterContract: tx}
}

// Hash returns the transaction's canonical hash, dispatching on Kind.
// RegisterContractTransaction and ProofTransaction have no identity-bearing
// field of their own in the spec, so their hash covers their full contents;
// BlobTransaction and VerifiedProofTransaction use the hashes defined on
// those types directly.
func (tx Transaction) Hash() (crypto.Hash, error) {
	switch tx.Kind {
	case TxBlob:
		if tx.Blob == nil {
			return crypto.Hash{}, ErrEmptyTransaction
		}
		return tx.Blob.Hash(), nil
	case TxProof:
		if tx.Proof == nil {
			return crypto.Hash{}, ErrEmptyTransaction
		}
		b, err := tx.Proof.Proof.Bytes()
		if err != nil {
			return crypto.Hash{}, err
		}
		return crypto.NewEncoder().String(tx.Proof.ContractName).Bytes(b).Sum(), nil
	case TxVerifiedProof:
		if tx.VerifiedProof == nil {
			return crypto.Hash{}, ErrEmptyTransaction
		}
		return tx.VerifiedProof.ProofHash, nil
	case TxRegisterContract:
		if tx.RegisterContract == nil {
			return crypto.Hash{}, ErrEmptyTransaction
		}
		r := tx.RegisterContract
		return crypto.NewEncoder().
			String(r.Owner).String(r.Verifier).Bytes(r.ProgramID).
			Bytes(r.StateDigest).String(r.ContractName).Sum(), nil
	default:
		return crypto.Hash{}, ErrEmptyTransaction
	}
}
