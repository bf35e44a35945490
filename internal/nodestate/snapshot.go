package nodestate

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/model"
)

// ErrUnknownContract is returned when a snapshot is requested for a name
// that was never registered.
var ErrUnknownContract = errors.New("nodestate: unknown contract")

// contractSnapshot is the gob wire shape of one contract's persisted state:
// everything needed to resume settlement after a restart, including the
// blob transactions still awaiting proof.
type contractSnapshot struct {
	Verifier    string
	ProgramID   []byte
	StateDigest []byte
	Unsettled   map[crypto.Hash]*model.BlobTransaction
}

// SnapshotContract serializes the named contract's full state into a single
// binary blob. The persistence collaborator calls this periodically, one
// blob per contract; RestoreContract round-trips it.
func (s *State) SnapshotContract(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, ok := s.contracts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, name)
	}
	snap := contractSnapshot{
		Verifier:    cs.Verifier,
		ProgramID:   cs.ProgramID,
		StateDigest: cs.StateDigest,
		Unsettled:   cs.Unsettled,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return nil, fmt.Errorf("nodestate: encoding snapshot for %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// RestoreContract installs a contract's state from a blob produced by
// SnapshotContract, overwriting any existing entry for name. Unsettled blob
// transactions in the snapshot resume waiting for proofs at the restored
// height.
func (s *State) RestoreContract(name string, blob []byte) error {
	var snap contractSnapshot
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&snap); err != nil {
		return fmt.Errorf("nodestate: decoding snapshot for %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cs := model.NewContractState(snap.Verifier, snap.ProgramID, snap.StateDigest)
	for txHash, tx := range snap.Unsettled {
		cs.Unsettled[txHash] = tx
		if _, tracked := s.pending[txHash]; !tracked {
			s.pending[txHash] = &pendingBlob{
				tx:          tx,
				sinceHeight: s.lastHeight,
				outputs:     make(map[uint32]model.BlobProofOutput),
			}
		}
	}
	s.contracts[name] = cs
	return nil
}
