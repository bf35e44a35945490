// Package mempool implements the per-validator lane model: append-only
// hash-chained DataProposal dissemination, vote collection into Proofs of
// Data Availability, and Cut production for Consensus.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/model"
)

// Sentinel errors.
var (
	ErrInvalidTransaction    = errors.New("mempool: invalid transaction")
	ErrCapacityFull          = errors.New("mempool: lane capacity full")
	ErrUnknownValidator      = errors.New("mempool: unknown validator")
	ErrBadParentHash         = errors.New("mempool: data proposal parent hash does not match lane tip")
	ErrBadSignature          = errors.New("mempool: vote signature does not verify")
	ErrUnknownDataProposal   = errors.New("mempool: vote references unknown data proposal")
)

const defaultMaxLaneBytes = 8 << 20 // 8 MiB per validator lane

// QueryNewCutRequest is the request payload of the Consensus -> Mempool
// QueryNewCut query.
type QueryNewCutRequest struct {
	Slot uint64
}

// lane is one validator's append-only hash-chained sequence of data
// proposals, plus the vote/PoDA bookkeeping for each proposal's tip.
type lane struct {
	tip       crypto.Hash
	proposals map[crypto.Hash]*model.DataProposal
	order     []crypto.Hash
	votes     map[crypto.Hash]map[string]*crypto.ValidatorSignature // dp hash -> voter pubkey hex -> sig
	poda      map[crypto.Hash]*crypto.AggregateSignature
	podaSigners map[crypto.Hash][]*crypto.PublicKey
	podaTip   crypto.Hash // latest dp hash with a valid PoDA; zero if none yet
	sizeBytes int
}

func newLane() *lane {
	return &lane{
		proposals:   make(map[crypto.Hash]*model.DataProposal),
		votes:       make(map[crypto.Hash]map[string]*crypto.ValidatorSignature),
		poda:        make(map[crypto.Hash]*crypto.AggregateSignature),
		podaSigners: make(map[crypto.Hash][]*crypto.PublicKey),
	}
}

// Mempool owns every validator's lane. The staking set (validator pubkey ->
// stake) is fixed at construction: open validator set selection is out of
// scope.
type Mempool struct {
	mu sync.RWMutex

	selfKey    *crypto.SecretKey
	selfPubKey *crypto.PublicKey

	validators []*crypto.PublicKey // sorted, canonical validator ordering
	stakes     map[string]uint64   // pubkey hex -> stake
	totalStake uint64

	lanes map[string]*lane // pubkey hex -> lane

	pending      []model.Transaction // this validator's own not-yet-proposed txs
	pendingBytes int

	lastCut model.Cut // previous Cut, for "repeat previous tip" semantics

	maxLaneBytes int

	logger *zap.SugaredLogger

	metrics *metrics
}

type metrics struct {
	laneSize  *prometheus.GaugeVec
	dataVotes prometheus.Counter
	cutsBuilt prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		laneSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "autobahn",
			Subsystem: "mempool",
			Name:      "lane_size_bytes",
			Help:      "Current size in bytes of each validator's lane.",
		}, []string{"validator"}),
		dataVotes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autobahn",
			Subsystem: "mempool",
			Name:      "data_votes_total",
			Help:      "Total DataVote messages accepted.",
		}),
		cutsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autobahn",
			Subsystem: "mempool",
			Name:      "cuts_built_total",
			Help:      "Total Cuts produced in response to QueryNewCut.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.laneSize, m.dataVotes, m.cutsBuilt)
	}
	return m
}

// New constructs a Mempool for selfKey among the given validator set
// (pubkey -> stake). reg may be nil to skip metrics registration.
func New(selfKey *crypto.SecretKey, stakers map[string]uint64, validators []*crypto.PublicKey, logger *zap.SugaredLogger, reg *prometheus.Registry) *Mempool {
	sorted := append([]*crypto.PublicKey(nil), validators...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	lanes := make(map[string]*lane, len(sorted))
	var total uint64
	for _, v := range sorted {
		lanes[v.String()] = newLane()
		total += stakers[v.String()]
	}

	return &Mempool{
		selfKey:      selfKey,
		selfPubKey:   selfKey.Public(),
		validators:   sorted,
		stakes:       stakers,
		totalStake:   total,
		lanes:        lanes,
		maxLaneBytes: defaultMaxLaneBytes,
		logger:       logger.Named("mempool"),
		metrics:      newMetrics(reg),
	}
}

// quorumStake returns the minimum stake a signer set must carry to count as
// a quorum, per the Open Questions decision recorded in model.QuorumStake.
func (mp *Mempool) quorumStake() uint64 {
	return model.QuorumStake(mp.totalStake)
}

// SubmitTransaction admits a client transaction into this validator's own
// pending buffer. BlobTransactions are rejected at admission if they
// violate the identity invariant; they never reach a DataProposal.
func (mp *Mempool) SubmitTransaction(tx model.Transaction) error {
	if tx.Kind == model.TxBlob {
		if tx.Blob == nil {
			return fmt.Errorf("%w: empty blob transaction", ErrInvalidTransaction)
		}
		if err := tx.Blob.Validate(); err != nil {
			mp.logger.Warnf("rejected blob tx at admission: %v", err)
			return fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
		}
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	ownLane := mp.lanes[mp.selfPubKey.String()]
	txBytes := estimateSize(tx)
	if ownLane.sizeBytes+mp.pendingBytes+txBytes > mp.maxLaneBytes {
		mp.logger.Warnf("rejected transaction: lane capacity full (%d/%d bytes)", ownLane.sizeBytes+mp.pendingBytes, mp.maxLaneBytes)
		return ErrCapacityFull
	}

	mp.pending = append(mp.pending, tx)
	mp.pendingBytes += txBytes
	mp.logger.Debugf("queued %s transaction, %d pending", tx.Kind, len(mp.pending))
	return nil
}

// estimateSize is a rough byte-size estimate used only for the lane
// capacity cap, not for hashing or wire encoding.
func estimateSize(tx model.Transaction) int {
	switch tx.Kind {
	case model.TxBlob:
		n := len(tx.Blob.Identity)
		for _, b := range tx.Blob.Blobs {
			n += len(b.ContractName) + len(b.Data)
		}
		return n
	case model.TxProof:
		return tx.Proof.Proof.Len()
	case model.TxRegisterContract:
		return len(tx.RegisterContract.ContractName) + len(tx.RegisterContract.StateDigest)
	default:
		return 64
	}
}

// validatorStake returns the configured stake for pk, or 0 if unknown.
func (mp *Mempool) validatorStake(pk *crypto.PublicKey) uint64 {
	return mp.stakes[pk.String()]
}
