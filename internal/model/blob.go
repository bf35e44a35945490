// Package model defines the data entities shared by mempool, consensus, and
// node-state: transactions, proofs, lanes, cuts, proposals, and applied
// blocks. Types here carry no behavior beyond hashing, validation, and the
// canonical ordering rules their owning components rely on.
package model

import (
	"errors"
	"strings"

	"github.com/autobahn-chain/node/internal/crypto"
)

// ErrInvalidIdentity is returned when a BlobTransaction's identity does not
// name a contract that one of its own blobs targets.
var ErrInvalidIdentity = errors.New("model: identity does not match any blob's contract name")

// Identity is a user identity string of the form "<id>.<contract_name>".
type Identity string

// ContractName returns the suffix of the identity after the last dot.
func (id Identity) ContractName() string {
	s := string(id)
	i := strings.LastIndexByte(s, '.')
	if i < 0 {
		return ""
	}
	return s[i+1:]
}

// Blob is an opaque payload addressed to a named contract.
type Blob struct {
	ContractName string
	Data         []byte
}

// BlobTransaction bundles an identity with the ordered blobs it carries.
// Hash = SHA3-256(identity || SHA3-256(flatten(blobs))), matching the
// canonical serialization rule: blobs are flattened in order before being
// hashed, and permuting them changes the outer hash.
type BlobTransaction struct {
	Identity Identity
	Blobs    []Blob
}

// Validate checks the identity invariant: at least one blob's contract name
// must equal the identity's contract-name suffix.
func (tx *BlobTransaction) Validate() error {
	want := tx.Identity.ContractName()
	if want == "" {
		return ErrInvalidIdentity
	}
	for _, b := range tx.Blobs {
		if b.ContractName == want {
			return nil
		}
	}
	return ErrInvalidIdentity
}

func flattenBlobs(blobs []Blob) []byte {
	enc := crypto.NewEncoder()
	for _, b := range blobs {
		enc.String(b.ContractName).Bytes(b.Data)
	}
	return enc.Out()
}

// Hash returns the canonical hash of the transaction.
func (tx *BlobTransaction) Hash() crypto.Hash {
	blobsHash := crypto.SumSHA3(flattenBlobs(tx.Blobs))
	return crypto.NewEncoder().String(string(tx.Identity)).Hash(blobsHash).Sum()
}
