package model

import "github.com/autobahn-chain/node/internal/crypto"

// OutboundMessage is published on the bus by any component that wants a
// message delivered to a specific peer; the p2p transport is the sole
// subscriber and sends Payload to TargetPubKey over its TCP connection.
type OutboundMessage struct {
	TargetPubKey *crypto.PublicKey
	Payload      any
}

// MempoolNetKind tags which mempool wire message a MempoolNetMessage carries.
type MempoolNetKind int

const (
	MempoolNetDataProposal MempoolNetKind = iota
	MempoolNetDataVote
)

// MempoolNetMessage is the on-wire envelope for mempool dissemination:
// either a validator broadcasting a new DataProposal, or a peer's signed
// DataVote acknowledging one.
type MempoolNetMessage struct {
	Kind MempoolNetKind

	// Validator is the lane owner the message concerns.
	Validator *crypto.PublicKey

	// DataProposal is set iff Kind == MempoolNetDataProposal.
	DataProposal *DataProposal

	// DataProposalHash, Voter, and Signature are set iff
	// Kind == MempoolNetDataVote.
	DataProposalHash crypto.Hash
	Voter            *crypto.PublicKey
	Signature        *crypto.ValidatorSignature
}

// ConsensusNetKind tags which consensus wire message a ConsensusNetMessage
// carries.
type ConsensusNetKind int

const (
	ConsensusNetPrepare ConsensusNetKind = iota
	ConsensusNetPrepareVote
	ConsensusNetConfirm
	ConsensusNetConfirmAck
	ConsensusNetCommit
	ConsensusNetTimeout
	ConsensusNetTimeoutCertificate
)

// ConsensusNetMessage is the on-wire envelope for the three-phase commit
// protocol and its view-change path.
type ConsensusNetMessage struct {
	Kind ConsensusNetKind

	Slot uint64
	View uint64

	// Prepare
	Proposal *ConsensusProposal
	Ticket   *Ticket

	// PrepareVote / ConfirmAck / Timeout: the signer's vote over a hash.
	VotedHash crypto.Hash
	Voter     *crypto.PublicKey
	Signature *crypto.ValidatorSignature

	// Confirm
	PrepareQC *QuorumCertificate

	// Commit
	CommitQC *QuorumCertificate

	// TimeoutCertificate
	TimeoutQC *QuorumCertificate
}
