package model

import "github.com/autobahn-chain/node/internal/crypto"

// QuorumCertificate is an aggregate signature over one message together
// with the validators who contributed to it, so a recipient that did not
// build the certificate itself can verify the aggregate against the actual
// signer subset and check that subset's stake against the quorum threshold.
type QuorumCertificate struct {
	Signature *crypto.AggregateSignature
	Signers   []*crypto.PublicKey
}

// VerifyQuorumCertificate reports whether qc's aggregate verifies against
// its recorded signers and those signers' combined stake clears quorumStake.
func VerifyQuorumCertificate(msg []byte, qc *QuorumCertificate, stakes map[string]uint64, quorumStake uint64) bool {
	if qc == nil || qc.Signature == nil || len(qc.Signers) == 0 {
		return false
	}
	seen := make(map[string]bool, len(qc.Signers))
	var stake uint64
	for _, s := range qc.Signers {
		if s == nil || seen[s.String()] {
			return false
		}
		seen[s.String()] = true
		stake += stakes[s.String()]
	}
	if stake < quorumStake {
		return false
	}
	return crypto.VerifyAggregate(msg, qc.Signature, qc.Signers)
}

// TicketKind tags which authorization a Ticket carries.
type TicketKind int

const (
	TicketGenesis TicketKind = iota
	TicketCommitQC
	TicketTimeoutQC
)

// Ticket authorizes a leader to open a round: the genesis ticket starts
// slot 0; CommitQC carries the previous slot's commit certificate; TimeoutQC
// carries the certificate from a view change. A leader may only broadcast
// Prepare with a matching ticket for the round it is opening.
type Ticket struct {
	Kind TicketKind

	// CommitQC is the quorum certificate over the previous slot's committed
	// ConsensusProposal hash, present iff Kind == TicketCommitQC.
	CommitQC *QuorumCertificate

	// TimeoutQC is the quorum certificate over the Timeout(slot, view) that
	// triggered this round's view change, present iff Kind == TicketTimeoutQC.
	TimeoutQC *QuorumCertificate
}

// GenesisTicket authorizes slot 0.
func GenesisTicket() Ticket { return Ticket{Kind: TicketGenesis} }

// CommitQCTicket authorizes slot+1 given the previous slot's commit QC.
func CommitQCTicket(qc *QuorumCertificate) Ticket {
	return Ticket{Kind: TicketCommitQC, CommitQC: qc}
}

// TimeoutQCTicket authorizes the next view given a timeout QC.
func TimeoutQCTicket(qc *QuorumCertificate) Ticket {
	return Ticket{Kind: TicketTimeoutQC, TimeoutQC: qc}
}

// ConsensusProposal is a leader's proposal for a slot: the Cut it carries,
// the parent it builds on, and the view it was produced in. Timestamp is
// the leader's clock at proposal time; because it is bound by the hash and
// agreed on with the rest of the proposal, every honest validator applies
// the identical block, timestamp included.
type ConsensusProposal struct {
	Slot                uint64
	ParentHash          crypto.Hash
	Cut                 Cut
	NewBondedValidators []*crypto.PublicKey
	View                uint64
	Timestamp           int64
}

// Hash binds every field of the proposal.
func (cp *ConsensusProposal) Hash() crypto.Hash {
	enc := crypto.NewEncoder().
		Uint64(cp.Slot).
		Hash(cp.ParentHash).
		Uint64(cp.View).
		Uint64(uint64(cp.Timestamp)).
		Uint64(uint64(len(cp.Cut)))
	for _, e := range cp.Cut {
		var vb []byte
		if e.Validator != nil {
			vb = e.Validator.Bytes()
		}
		enc.Bytes(vb).Hash(e.DataProposalHash)
	}
	enc.Uint64(uint64(len(cp.NewBondedValidators)))
	for _, v := range cp.NewBondedValidators {
		enc.Bytes(v.Bytes())
	}
	return enc.Sum()
}

// SignedBlock is a committed consensus round's output: the proposal that
// was agreed on, the per-validator data proposals it references, and the
// quorum certificate over the proposal's hash.
type SignedBlock struct {
	ConsensusProposal ConsensusProposal
	DataProposals     map[string][]DataProposal // validator pubkey hex -> lane slice referenced by the Cut
	Certificate       *QuorumCertificate
}

// Height returns the block height, which equals the proposal's slot.
func (sb *SignedBlock) Height() uint64 { return sb.ConsensusProposal.Slot }
