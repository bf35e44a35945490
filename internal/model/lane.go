package model

import "github.com/autobahn-chain/node/internal/crypto"

// DataProposal is one lane entry: a hash-linked bundle of transactions owned
// by a single validator. ParentHash must equal the tip of the lane as the
// validator's own view saw it before this proposal was formed; lanes never
// mix two validators' transactions in the same proposal.
type DataProposal struct {
	ParentHash crypto.Hash
	Txs        []Transaction
}

// Hash returns the canonical hash of the proposal: its parent link followed
// by each transaction's own hash, in order. Two proposals with the same
// transactions in a different order hash differently.
func (dp *DataProposal) Hash() (crypto.Hash, error) {
	enc := crypto.NewEncoder().Hash(dp.ParentHash).Uint64(uint64(len(dp.Txs)))
	for _, tx := range dp.Txs {
		h, err := tx.Hash()
		if err != nil {
			return crypto.Hash{}, err
		}
		enc.Hash(h)
	}
	return enc.Sum(), nil
}

// CutEntry names, for one validator, the lane tip this Cut witnesses and the
// aggregate signature (PoDA) proving a quorum observed it. Signers records
// which validators contributed to PoDA, so a recipient can verify it
// against the configured stake weights without trusting the aggregator.
type CutEntry struct {
	Validator        *crypto.PublicKey
	DataProposalHash crypto.Hash
	PoDA             *crypto.AggregateSignature
	Signers          []*crypto.PublicKey
}

// Cut is the per-slot snapshot of every participating validator's lane tip,
// one CutEntry per validator in the active staking set.
type Cut []CutEntry

// QuorumStake returns the minimum stake a signer set must carry to count as
// a stake-weighted supermajority: floor(2*totalStake/3) + 1.
func QuorumStake(totalStake uint64) uint64 {
	return (2*totalStake)/3 + 1
}

// DataVoteMessage returns the canonical message a DataVote, and therefore a
// PoDA over it, signs: the lane owner's identity bound to the proposal
// hash, so a vote cannot be replayed against a different validator's lane.
func DataVoteMessage(owner *crypto.PublicKey, dpHash crypto.Hash) []byte {
	return crypto.NewEncoder().Bytes(owner.Bytes()).Hash(dpHash).Out()
}

// VerifyPoDA reports whether entry's aggregate signature verifies against
// its recorded signers and those signers' combined stake clears quorum.
// An empty entry (no DataProposalHash, i.e. the validator has never formed
// a PoDA) is trivially valid — the Cut simply carries nothing for it yet.
func VerifyPoDA(entry CutEntry, stakes map[string]uint64, quorumStake uint64) bool {
	if entry.DataProposalHash.IsZero() {
		return entry.PoDA == nil
	}
	if entry.Validator == nil || entry.PoDA == nil || len(entry.Signers) == 0 {
		return false
	}
	seen := make(map[string]bool, len(entry.Signers))
	var stake uint64
	for _, s := range entry.Signers {
		if s == nil || seen[s.String()] {
			return false
		}
		seen[s.String()] = true
		stake += stakes[s.String()]
	}
	if stake < quorumStake {
		return false
	}
	return crypto.VerifyAggregate(DataVoteMessage(entry.Validator, entry.DataProposalHash), entry.PoDA, entry.Signers)
}
