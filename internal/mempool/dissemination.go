package mempool

import (
	"fmt"

	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/model"
)

// BuildDataProposal drains the pending buffer into a new DataProposal
// chained onto this validator's own lane tip, records it locally, casts
// this validator's own DataVote for it, and returns the proposal to
// broadcast. Returns (nil, nil) if there is nothing pending.
func (mp *Mempool) BuildDataProposal() (*model.DataProposal, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if len(mp.pending) == 0 {
		return nil, nil
	}

	own := mp.lanes[mp.selfPubKey.String()]
	dp := &model.DataProposal{ParentHash: own.tip, Txs: mp.pending}
	dpBytes := mp.pendingBytes
	mp.pending = nil
	mp.pendingBytes = 0

	hash, err := dp.Hash()
	if err != nil {
		return nil, fmt.Errorf("mempool: hashing own data proposal: %w", err)
	}

	own.proposals[hash] = dp
	own.order = append(own.order, hash)
	own.tip = hash
	own.sizeBytes += dpBytes

	mp.castOwnVoteLocked(mp.selfPubKey, hash)

	mp.logger.Infof("built data proposal %s with %d txs", hash, len(dp.Txs))
	return dp, nil
}

// castOwnVoteLocked signs and records this validator's own DataVote for
// owner's proposal at dpHash. Callers must hold mp.mu.
func (mp *Mempool) castOwnVoteLocked(owner *crypto.PublicKey, dpHash crypto.Hash) {
	sig, err := mp.selfKey.Sign(model.DataVoteMessage(owner, dpHash))
	if err != nil {
		mp.logger.Errorf("signing own data vote: %v", err)
		return
	}
	mp.recordVoteLocked(owner, dpHash, mp.selfPubKey, sig)
}

// HandleDataProposal validates and records a proposal received from
// another validator's lane, returning this validator's signed DataVote
// reply, or an error if the proposal is rejected. Rejections are logged
// and dropped, never banned — Byzantine detection is out of scope.
func (mp *Mempool) HandleDataProposal(owner *crypto.PublicKey, dp *model.DataProposal) (*crypto.ValidatorSignature, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	l, ok := mp.lanes[owner.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownValidator, owner)
	}
	if dp.ParentHash != l.tip {
		mp.logger.Warnf("dropped data proposal from %s: parent hash mismatch", owner)
		return nil, ErrBadParentHash
	}

	dpBytes := 0
	for _, tx := range dp.Txs {
		dpBytes += estimateSize(tx)
	}
	if l.sizeBytes+dpBytes > mp.maxLaneBytes {
		mp.logger.Warnf("dropped data proposal from %s: lane capacity full", owner)
		return nil, ErrCapacityFull
	}

	hash, err := dp.Hash()
	if err != nil {
		return nil, fmt.Errorf("mempool: hashing incoming data proposal: %w", err)
	}

	l.proposals[hash] = dp
	l.order = append(l.order, hash)
	l.tip = hash
	l.sizeBytes += dpBytes

	sig, err := mp.selfKey.Sign(model.DataVoteMessage(owner, hash))
	if err != nil {
		return nil, fmt.Errorf("mempool: signing data vote: %w", err)
	}
	mp.recordVoteLocked(owner, hash, mp.selfPubKey, sig)

	return sig, nil
}

// HandleDataVote records a peer's DataVote for owner's proposal at dpHash.
// Once a quorum of stake has voted, the accumulated signatures are
// aggregated into that proposal's PoDA.
func (mp *Mempool) HandleDataVote(owner *crypto.PublicKey, dpHash crypto.Hash, voter *crypto.PublicKey, sig *crypto.ValidatorSignature) error {
	if !crypto.Verify(model.DataVoteMessage(owner, dpHash), sig, voter) {
		return ErrBadSignature
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	l, ok := mp.lanes[owner.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, owner)
	}
	if _, ok := l.proposals[dpHash]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDataProposal, dpHash)
	}

	mp.recordVoteLocked(owner, dpHash, voter, sig)
	return nil
}

// recordVoteLocked stores a vote and aggregates a PoDA once quorum is
// reached. Callers must hold mp.mu.
func (mp *Mempool) recordVoteLocked(owner *crypto.PublicKey, dpHash crypto.Hash, voter *crypto.PublicKey, sig *crypto.ValidatorSignature) {
	l := mp.lanes[owner.String()]
	if l.votes[dpHash] == nil {
		l.votes[dpHash] = make(map[string]*crypto.ValidatorSignature)
	}
	if _, already := l.votes[dpHash][voter.String()]; already {
		return // duplicate vote is idempotent
	}
	l.votes[dpHash][voter.String()] = sig
	if mp.metrics != nil {
		mp.metrics.dataVotes.Inc()
	}

	if _, already := l.poda[dpHash]; already {
		return
	}

	var stake uint64
	sigs := make([]*crypto.ValidatorSignature, 0, len(l.votes[dpHash]))
	signers := make([]*crypto.PublicKey, 0, len(l.votes[dpHash]))
	for pkHex, s := range l.votes[dpHash] {
		stake += mp.stakeByHex(pkHex)
		sigs = append(sigs, s)
		signers = append(signers, mp.pubKeyByHex(pkHex))
	}
	if stake < mp.quorumStake() {
		return
	}

	agg, err := crypto.Aggregate(sigs)
	if err != nil {
		mp.logger.Errorf("aggregating PoDA for %s/%s: %v", owner, dpHash, err)
		return
	}
	l.poda[dpHash] = agg
	l.podaSigners[dpHash] = signers
	l.podaTip = dpHash
	mp.logger.Infof("PoDA formed for %s tip %s (%d voters, stake %d)", owner, dpHash, len(sigs), stake)
}

func (mp *Mempool) stakeByHex(hex string) uint64 {
	return mp.stakes[hex]
}

func (mp *Mempool) pubKeyByHex(hex string) *crypto.PublicKey {
	for _, v := range mp.validators {
		if v.String() == hex {
			return v
		}
	}
	return nil
}
