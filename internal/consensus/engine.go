// Package consensus implements the slot-indexed, leader-rotating BFT state
// machine: leader-driven Prepare/Confirm/Commit rounds, view changes on
// timeout, and joining-node catch-up.
package consensus

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/autobahn-chain/node/internal/bus"
	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/model"
)

// Sentinel errors.
var (
	ErrNotLeader           = errors.New("consensus: not the leader for this round")
	ErrInvalidTicket       = errors.New("consensus: ticket does not authorize this round")
	ErrBadParentHash       = errors.New("consensus: proposal parent hash does not match last committed proposal")
	ErrInvalidCut          = errors.New("consensus: cut contains an entry that fails to verify")
	ErrWrongLeader         = errors.New("consensus: prepare sender is not the round's leader")
	ErrAlreadyVotedOtherHash = errors.New("consensus: already voted for a different hash in this (slot, view)")
	ErrBadSignature        = errors.New("consensus: signature does not verify")
	ErrUnknownProposal     = errors.New("consensus: qc references an unknown proposal hash")
	ErrStaleRound          = errors.New("consensus: message for an already-committed or superseded round")
)

// Phase is one validator's state within a single (slot, view).
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePreparing
	PhaseConfirming
	PhaseCommitting
	PhaseCommitted
	PhaseTimedOut
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhasePreparing:
		return "Preparing"
	case PhaseConfirming:
		return "Confirming"
	case PhaseCommitting:
		return "Committing"
	case PhaseCommitted:
		return "Committed"
	case PhaseTimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// round holds the per-(slot,view) working state of the three-phase commit.
type round struct {
	view  uint64
	phase Phase

	proposal     *model.ConsensusProposal
	proposalHash crypto.Hash
	votedHash    crypto.Hash // hash this validator cast a PrepareVote for; zero if none yet

	prepareVotes map[string]*crypto.ValidatorSignature
	prepareQC    *model.QuorumCertificate

	confirmAcks map[string]*crypto.ValidatorSignature
	commitQC    *model.QuorumCertificate

	timeoutVotes map[string]*crypto.ValidatorSignature
	timeoutQC    *model.QuorumCertificate
}

func newRound(view uint64) *round {
	return &round{
		view:         view,
		phase:        PhaseIdle,
		prepareVotes: make(map[string]*crypto.ValidatorSignature),
		confirmAcks:  make(map[string]*crypto.ValidatorSignature),
		timeoutVotes: make(map[string]*crypto.ValidatorSignature),
	}
}

const maxBufferedCommits = 16

// bufferedCommit is a Commit message that arrived before its matching
// Confirm was seen; evicted on slot advance if never resolved.
type bufferedCommit struct {
	proposalHash crypto.Hash
	commitQC     *model.QuorumCertificate
}

// Engine is one validator's consensus state machine.
type Engine struct {
	mu sync.Mutex

	selfKey    *crypto.SecretKey
	selfPubKey *crypto.PublicKey

	validators []*crypto.PublicKey // sorted, canonical ordering
	stakes     map[string]uint64
	totalStake uint64

	slot   uint64
	rounds map[uint64]*round // view -> round, scoped to the current slot

	lastCommitted     *model.ConsensusProposal
	lastCommittedHash crypto.Hash
	lastCommitQC      *model.QuorumCertificate

	bufferedCommits []bufferedCommit

	isJoining            bool
	daCaughtUpThroughSlot uint64

	genesisLeader *crypto.PublicKey

	baseTimeout        time.Duration
	timeoutCapExponent uint
	consecutiveTimeouts int

	mempoolBus *bus.Bus
	eventsBus  *bus.Bus

	logger  *zap.SugaredLogger
	metrics *metrics
}

type metrics struct {
	slot           prometheus.Gauge
	commits        prometheus.Counter
	viewChanges    prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		slot: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autobahn", Subsystem: "consensus", Name: "slot",
			Help: "Current consensus slot.",
		}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autobahn", Subsystem: "consensus", Name: "commits_total",
			Help: "Total slots committed.",
		}),
		viewChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autobahn", Subsystem: "consensus", Name: "view_changes_total",
			Help: "Total view changes triggered by timeout.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.slot, m.commits, m.viewChanges)
	}
	return m
}

// Config bundles the construction parameters that come from the node's
// genesis configuration (consensus.slot_duration_ms, consensus.genesis_*).
type Config struct {
	SlotDuration       time.Duration
	TimeoutCapExponent uint // doubling cap; 6 means 64x base timeout
	Joining            bool

	// GenesisLeader, when set, leads (slot 0, view 0) regardless of the
	// rotation order; every later round rotates deterministically.
	GenesisLeader *crypto.PublicKey
}

// New constructs an Engine for selfKey among the given validator set.
// joining nodes start in passive observation mode per the Joining state.
func New(selfKey *crypto.SecretKey, stakers map[string]uint64, validators []*crypto.PublicKey, cfg Config, mempoolBus, eventsBus *bus.Bus, logger *zap.SugaredLogger, reg *prometheus.Registry) *Engine {
	sorted := append([]*crypto.PublicKey(nil), validators...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	var total uint64
	for _, v := range sorted {
		total += stakers[v.String()]
	}

	capExp := cfg.TimeoutCapExponent
	if capExp == 0 {
		capExp = 6
	}
	baseTimeout := cfg.SlotDuration
	if baseTimeout == 0 {
		baseTimeout = 2 * time.Second
	}

	return &Engine{
		selfKey:            selfKey,
		selfPubKey:         selfKey.Public(),
		validators:         sorted,
		stakes:             stakers,
		totalStake:         total,
		rounds:             map[uint64]*round{0: newRound(0)},
		isJoining:          cfg.Joining,
		genesisLeader:      cfg.GenesisLeader,
		baseTimeout:        baseTimeout,
		timeoutCapExponent: capExp,
		mempoolBus:         mempoolBus,
		eventsBus:          eventsBus,
		logger:             logger.Named("consensus"),
		metrics:            newMetrics(reg),
	}
}

// quorumStake returns the minimum stake a signer set must carry to count as
// a quorum, per the Open Questions decision.
func (e *Engine) quorumStake() uint64 {
	return model.QuorumStake(e.totalStake)
}

// leaderForView deterministically rotates the leader role across the
// canonical validator ordering by (slot + view) mod n. The configured
// genesis leader, if any, takes the very first round.
func (e *Engine) leaderForView(slot, view uint64) *crypto.PublicKey {
	if slot == 0 && view == 0 && e.genesisLeader != nil {
		return e.genesisLeader
	}
	if len(e.validators) == 0 {
		return nil
	}
	idx := (slot + view) % uint64(len(e.validators))
	return e.validators[idx]
}

// IsLeader reports whether this validator leads (slot, view).
func (e *Engine) IsLeader(slot, view uint64) bool {
	leader := e.leaderForView(slot, view)
	return leader != nil && leader.Equal(e.selfPubKey)
}

// LeaderForView is the exported form of leaderForView: node wiring uses it
// to address a Prepare/Confirm reply at the round's leader without
// duplicating the rotation rule.
func (e *Engine) LeaderForView(slot, view uint64) *crypto.PublicKey {
	return e.leaderForView(slot, view)
}

// LastCommitQC returns the commit certificate for the most recently
// committed slot, or nil before any slot has committed.
func (e *Engine) LastCommitQC() *model.QuorumCertificate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCommitQC
}

// Slot returns the slot this engine is currently working on.
func (e *Engine) Slot() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slot
}

// IsJoining reports whether this node is still in the passive
// observation state awaiting data-availability catch-up.
func (e *Engine) IsJoining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isJoining
}

// roundLocked returns (creating if absent) the round for view in the
// current slot. Callers must hold e.mu.
func (e *Engine) roundLocked(view uint64) *round {
	r, ok := e.rounds[view]
	if !ok {
		r = newRound(view)
		e.rounds[view] = r
	}
	return r
}

// ProposalHash returns the hash of the proposal this validator holds for
// view in the current slot, if one has been seen.
func (e *Engine) ProposalHash(view uint64) (crypto.Hash, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rounds[view]
	if !ok || r.proposal == nil {
		return crypto.Hash{}, false
	}
	return r.proposalHash, true
}

// pubKeyByHex resolves a validator's public key from its hex encoding, the
// form vote maps are keyed by.
func (e *Engine) pubKeyByHex(hex string) *crypto.PublicKey {
	for _, v := range e.validators {
		if v.String() == hex {
			return v
		}
	}
	return nil
}
