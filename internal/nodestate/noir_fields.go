package nodestate

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/model"
)

// parseNoirOutputFields decodes the flat list of decimal field elements bb
// extracts from a Noir proof's public inputs back into a HyleOutput, per
// the fixed layout the Noir contract template commits to: version,
// initial_state (len-prefixed), next_state (len-prefixed), identity
// (len-prefixed string), tx_hash (len-prefixed), blob_index, blobs
// (len-prefixed), success.
func parseNoirOutputFields(fields []string) (model.HyleOutput, error) {
	nums := make([]*big.Int, len(fields))
	for i, f := range fields {
		n := new(big.Int)
		if _, ok := n.SetString(strings.TrimPrefix(f, "0x"), 0); !ok {
			if _, ok := n.SetString(f, 10); !ok {
				return model.HyleOutput{}, fmt.Errorf("nodestate: invalid noir field %q", f)
			}
		}
		nums[i] = n
	}

	pos := 0
	next := func() (*big.Int, error) {
		if pos >= len(nums) {
			return nil, fmt.Errorf("nodestate: noir output fields exhausted at position %d", pos)
		}
		v := nums[pos]
		pos++
		return v, nil
	}
	readBytes := func() ([]byte, error) {
		n, err := next()
		if err != nil {
			return nil, err
		}
		length := int(n.Int64())
		out := make([]byte, 0, length)
		for i := 0; i < length; i++ {
			b, err := next()
			if err != nil {
				return nil, err
			}
			out = append(out, byte(b.Int64()))
		}
		return out, nil
	}

	version, err := next()
	if err != nil {
		return model.HyleOutput{}, err
	}
	initialState, err := readBytes()
	if err != nil {
		return model.HyleOutput{}, err
	}
	nextState, err := readBytes()
	if err != nil {
		return model.HyleOutput{}, err
	}
	identityLen, err := next()
	if err != nil {
		return model.HyleOutput{}, err
	}
	identityBytes := make([]byte, 0, identityLen.Int64())
	for i := int64(0); i < identityLen.Int64(); i++ {
		b, err := next()
		if err != nil {
			return model.HyleOutput{}, err
		}
		identityBytes = append(identityBytes, byte(b.Int64()))
	}
	txHashBytes, err := readBytes()
	if err != nil {
		return model.HyleOutput{}, err
	}
	blobIndex, err := next()
	if err != nil {
		return model.HyleOutput{}, err
	}
	blobsBytes, err := readBytes()
	if err != nil {
		return model.HyleOutput{}, err
	}
	success, err := next()
	if err != nil {
		return model.HyleOutput{}, err
	}

	var txHash crypto.Hash
	if len(txHashBytes) == 32 {
		txHash = crypto.HashFromBytes(txHashBytes)
	}

	return model.HyleOutput{
		Version:      uint32(version.Uint64()),
		InitialState: initialState,
		NextState:    nextState,
		Identity:     model.Identity(identityBytes),
		TxHash:       txHash,
		BlobIndex:    uint32(blobIndex.Uint64()),
		BlobsBytes:   blobsBytes,
		Success:      success.Cmp(big.NewInt(0)) != 0,
	}, nil
}
