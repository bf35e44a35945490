package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobTransactionValidateAcceptsMatchingContract(t *testing.T) {
	tx := &BlobTransaction{
		Identity: "caller.hyllar",
		Blobs: []Blob{
			{ContractName: "hyllar", Data: []byte("transfer")},
		},
	}
	require.NoError(t, tx.Validate())
}

func TestBlobTransactionValidateRejectsMismatchedContract(t *testing.T) {
	tx := &BlobTransaction{
		Identity: "alice.bogus",
		Blobs: []Blob{
			{ContractName: "hyllar", Data: []byte("x")},
		},
	}
	assert.ErrorIs(t, tx.Validate(), ErrInvalidIdentity)
}

func TestBlobTransactionValidateRejectsNoDotIdentity(t *testing.T) {
	tx := &BlobTransaction{Identity: "noDotHere", Blobs: []Blob{{ContractName: "x"}}}
	assert.ErrorIs(t, tx.Validate(), ErrInvalidIdentity)
}

func TestBlobTransactionHashDeterministic(t *testing.T) {
	tx := &BlobTransaction{
		Identity: "caller.hyllar",
		Blobs: []Blob{
			{ContractName: "hyllar", Data: []byte("a")},
			{ContractName: "hyllar", Data: []byte("b")},
		},
	}
	h1 := tx.Hash()
	h2 := tx.Hash()
	assert.Equal(t, h1, h2)
}

func TestBlobTransactionHashChangesWithBlobOrder(t *testing.T) {
	forward := &BlobTransaction{
		Identity: "caller.hyllar",
		Blobs: []Blob{
			{ContractName: "hyllar", Data: []byte("a")},
			{ContractName: "hyllar", Data: []byte("b")},
		},
	}
	reversed := &BlobTransaction{
		Identity: "caller.hyllar",
		Blobs: []Blob{
			{ContractName: "hyllar", Data: []byte("b")},
			{ContractName: "hyllar", Data: []byte("a")},
		},
	}
	assert.NotEqual(t, forward.Hash(), reversed.Hash())
}
