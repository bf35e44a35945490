// Package nodestate applies committed blocks to contract state: registering
// contracts, admitting blob transactions, dispatching proofs to verifiers,
// and settling or failing blob transactions once every blob they carry has
// an accepted proof outcome.
package nodestate

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/autobahn-chain/node/internal/bus"
	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/model"
)

// Sentinel errors.
var (
	ErrUnknownVerifier = errors.New("nodestate: contract references an unregistered verifier")
)

// NewBlockEvent is published on the events bus once a block has been fully
// applied, per the ordering guarantee that a block is observable strictly
// after application.
type NewBlockEvent struct {
	Block model.Block
}

const defaultTimeoutDepth = 100

// pendingBlob tracks one blob transaction awaiting settlement: the
// transaction itself, its admission coordinates (block height for timeout,
// data-proposal and in-proposal indexes for the settlement tie-break), and
// the accepted successful outputs seen so far, keyed by blob index.
type pendingBlob struct {
	tx          *model.BlobTransaction
	sinceHeight uint64
	dpIdx       int
	txIdx       int
	outputs     map[uint32]model.BlobProofOutput
}

// settlesBefore orders pending blob transactions by their admission tuple
// (block_height, data_proposal_index, tx_index_within_proposal): when two
// transactions would settle or time out in the same block, the smaller
// tuple goes first.
func (pb *pendingBlob) settlesBefore(other *pendingBlob) bool {
	if pb.sinceHeight != other.sinceHeight {
		return pb.sinceHeight < other.sinceHeight
	}
	if pb.dpIdx != other.dpIdx {
		return pb.dpIdx < other.dpIdx
	}
	return pb.txIdx < other.txIdx
}

// State owns every registered contract and the blob transactions awaiting
// settlement against them. The contract map itself is guarded by
// rwSnapshotLock (indexer.go), the reader-preferring lock the indexer reads
// through; mutation happens only inside ApplyBlock.
type State struct {
	mu        rwSnapshotLock
	contracts map[string]*model.ContractState

	pending      map[crypto.Hash]*pendingBlob
	timeoutDepth uint64

	lastHash   crypto.Hash
	lastHeight uint64

	registry *Registry
	bus      *bus.Bus
	logger   *zap.SugaredLogger
	metrics  *metrics
}

type metrics struct {
	settlements prometheus.Counter
	failures    prometheus.Counter
	timeouts    prometheus.Counter
	contracts   prometheus.Gauge
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		settlements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autobahn", Subsystem: "nodestate", Name: "settlements_total",
			Help: "Total blob transactions settled.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autobahn", Subsystem: "nodestate", Name: "failures_total",
			Help: "Total transactions marked failed.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autobahn", Subsystem: "nodestate", Name: "timeouts_total",
			Help: "Total blob transactions timed out.",
		}),
		contracts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autobahn", Subsystem: "nodestate", Name: "contracts",
			Help: "Currently registered contracts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.settlements, m.failures, m.timeouts, m.contracts)
	}
	return m
}

// New constructs an empty State. timeoutDepth of 0 applies the default.
func New(registry *Registry, timeoutDepth uint64, b *bus.Bus, logger *zap.SugaredLogger, reg *prometheus.Registry) *State {
	if timeoutDepth == 0 {
		timeoutDepth = defaultTimeoutDepth
	}
	return &State{
		contracts:    make(map[string]*model.ContractState),
		pending:      make(map[crypto.Hash]*pendingBlob),
		timeoutDepth: timeoutDepth,
		registry:     registry,
		bus:          b,
		logger:       logger.Named("nodestate"),
		metrics:      newMetrics(reg),
	}
}

// orderedTx is one transaction in a block's canonical application order.
type orderedTx struct {
	tx              model.Transaction
	dataProposalIdx int
	txIdx           int
}

// canonicalOrder flattens a SignedBlock's per-validator data proposals into
// the fixed application order: validators ascending by public key, then
// proposals and transactions in lane insertion order.
func canonicalOrder(sb *model.SignedBlock) []orderedTx {
	validators := make([]string, 0, len(sb.ConsensusProposal.Cut))
	for _, entry := range sb.ConsensusProposal.Cut {
		if entry.Validator != nil {
			validators = append(validators, entry.Validator.String())
		}
	}
	sort.Strings(validators)

	var ordered []orderedTx
	dpIdx := 0
	for _, v := range validators {
		for _, dp := range sb.DataProposals[v] {
			for txIdx, tx := range dp.Txs {
				ordered = append(ordered, orderedTx{tx: tx, dataProposalIdx: dpIdx, txIdx: txIdx})
			}
			dpIdx++
		}
	}
	return ordered
}

// ApplyBlock applies a committed SignedBlock to node-state and returns the
// resulting Block. It is the sole mutator of contract state.
func (s *State) ApplyBlock(sb *model.SignedBlock) (*model.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	height := sb.Height()
	ordered := canonicalOrder(sb)

	block := &model.Block{
		ParentHash:     s.lastHash,
		Height:         height,
		Timestamp:      sb.ConsensusProposal.Timestamp,
		UpdatedStates:  make(map[string][]byte),
		FailureOutputs: make(map[crypto.Hash]string),
	}

	for _, ot := range ordered {
		block.Txs = append(block.Txs, ot.tx)
		txHash, err := ot.tx.Hash()
		if err != nil {
			return nil, fmt.Errorf("nodestate: hashing tx: %w", err)
		}

		switch ot.tx.Kind {
		case model.TxRegisterContract:
			s.applyRegisterContract(block, txHash, ot.tx.RegisterContract)
		case model.TxBlob:
			s.applyBlob(block, txHash, ot.tx.Blob, height, ot.dataProposalIdx, ot.txIdx)
		case model.TxProof:
			s.applyProof(block, txHash, ot.tx.Proof)
		case model.TxVerifiedProof:
			s.applyVerifiedProof(block, ot.tx.VerifiedProof)
		}
	}

	s.applyTimeouts(block, height)

	hash := blockHash(block)
	block.Hash = hash
	s.lastHash = hash
	s.lastHeight = height
	if s.metrics != nil {
		s.metrics.contracts.Set(float64(len(s.contracts)))
	}

	bus.Publish(s.bus, NewBlockEvent{Block: *block})
	s.logger.Infof("applied block %d: %d txs, %d settled, %d failed, %d timed out",
		height, len(ordered), len(block.SettledBlobTxHashes), len(block.FailedTxs), len(block.TimedOutTxHashes))
	return block, nil
}

func blockHash(b *model.Block) crypto.Hash {
	enc := crypto.NewEncoder().Hash(b.ParentHash).Uint64(b.Height).Uint64(uint64(len(b.Txs)))
	for _, tx := range b.Txs {
		h, err := tx.Hash()
		if err == nil {
			enc.Hash(h)
		}
	}
	return enc.Sum()
}

func (s *State) applyRegisterContract(block *model.Block, txHash crypto.Hash, rc *model.RegisterContractTransaction) {
	if rc == nil {
		block.FailedTxs = append(block.FailedTxs, txHash)
		return
	}
	if _, exists := s.contracts[rc.ContractName]; exists {
		s.logger.Warnf("duplicate contract registration for %s", rc.ContractName)
		block.FailedTxs = append(block.FailedTxs, txHash)
		if s.metrics != nil {
			s.metrics.failures.Inc()
		}
		return
	}
	s.contracts[rc.ContractName] = model.NewContractState(rc.Verifier, rc.ProgramID, rc.StateDigest)
}

func (s *State) applyBlob(block *model.Block, txHash crypto.Hash, blob *model.BlobTransaction, height uint64, dpIdx, txIdx int) {
	if blob == nil || blob.Validate() != nil {
		block.FailedTxs = append(block.FailedTxs, txHash)
		if s.metrics != nil {
			s.metrics.failures.Inc()
		}
		return
	}

	pb := &pendingBlob{
		tx:          blob,
		sinceHeight: height,
		dpIdx:       dpIdx,
		txIdx:       txIdx,
		outputs:     make(map[uint32]model.BlobProofOutput),
	}
	s.pending[txHash] = pb
	for _, b := range blob.Blobs {
		if cs, ok := s.contracts[b.ContractName]; ok {
			cs.Unsettled[txHash] = blob
		}
	}
}

func (s *State) applyProof(block *model.Block, txHash crypto.Hash, proof *model.ProofTransaction) {
	if proof == nil {
		block.FailedTxs = append(block.FailedTxs, txHash)
		return
	}
	cs, ok := s.contracts[proof.ContractName]
	if !ok {
		s.logger.Warnf("proof for unregistered contract %s", proof.ContractName)
		block.FailedTxs = append(block.FailedTxs, txHash)
		return
	}
	verifier, ok := s.registry.Get(cs.Verifier)
	if !ok {
		s.logger.Warnf("%v: %s", ErrUnknownVerifier, cs.Verifier)
		block.FailedTxs = append(block.FailedTxs, txHash)
		return
	}
	outputs, err := verifier.Verify(proof.Proof, cs.ProgramID)
	if err != nil {
		s.logger.Warnf("proof verification failed for %s: %v", proof.ContractName, err)
		block.FailedTxs = append(block.FailedTxs, txHash)
		if s.metrics != nil {
			s.metrics.failures.Inc()
		}
		return
	}
	s.settleOutputs(block, outputs)
}

// applyVerifiedProof handles a proof that arrived pre-verified (e.g.
// relayed from a peer that already ran the verifier), applying its
// recorded outputs directly without invoking a verifier again.
func (s *State) applyVerifiedProof(block *model.Block, vp *model.VerifiedProofTransaction) {
	if vp == nil {
		return
	}
	s.settleOutputs(block, vp.ProvenBlobs)
}

// settleOutputs applies a batch of BlobProofOutputs (from a single proof,
// possibly recursive) to whichever blob transactions they reference,
// failing or settling transactions as their blobs complete.
func (s *State) settleOutputs(block *model.Block, outputs []model.BlobProofOutput) {
	touched := make(map[crypto.Hash]bool)
	for _, out := range outputs {
		pb, ok := s.pending[out.HyleOutput.TxHash]
		if !ok {
			continue // references an unknown or already-resolved blob tx
		}
		if int(out.HyleOutput.BlobIndex) >= len(pb.tx.Blobs) {
			continue
		}
		contractName := pb.tx.Blobs[out.HyleOutput.BlobIndex].ContractName
		cs, ok := s.contracts[contractName]
		if !ok {
			continue
		}
		if !bytes.Equal(out.HyleOutput.InitialState, cs.StateDigest) {
			continue // stale initial_state check fails; proof not accepted yet
		}
		if _, unsettled := cs.Unsettled[out.HyleOutput.TxHash]; !unsettled {
			continue
		}

		if !out.HyleOutput.Success {
			block.FailureOutputs[out.HyleOutput.TxHash] = out.HyleOutput.ProgramOutputs
			s.failPending(block, out.HyleOutput.TxHash, pb)
			continue
		}

		pb.outputs[out.HyleOutput.BlobIndex] = out
		touched[out.HyleOutput.TxHash] = true
	}

	// A single (possibly recursive) proof can complete more than one blob
	// transaction at once; settle them in the admission-tuple order so every
	// validator advances contract digests identically.
	ready := make([]crypto.Hash, 0, len(touched))
	for txHash := range touched {
		pb, ok := s.pending[txHash]
		if !ok {
			continue
		}
		if len(pb.outputs) < len(pb.tx.Blobs) {
			continue // not every blob has an accepted output yet
		}
		ready = append(ready, txHash)
	}
	sort.Slice(ready, func(i, j int) bool {
		return s.pendingBefore(ready[i], ready[j])
	})
	for _, txHash := range ready {
		s.settlePending(block, txHash, s.pending[txHash])
	}
}

// pendingBefore compares two pending transactions by admission tuple,
// falling back to the hash so entries with equal tuples (e.g. restored from
// a snapshot) still order identically everywhere.
func (s *State) pendingBefore(a, b crypto.Hash) bool {
	pa, pb := s.pending[a], s.pending[b]
	if pa.settlesBefore(pb) {
		return true
	}
	if pb.settlesBefore(pa) {
		return false
	}
	return bytes.Compare(a[:], b[:]) < 0
}

func (s *State) settlePending(block *model.Block, txHash crypto.Hash, pb *pendingBlob) {
	for idx, blob := range pb.tx.Blobs {
		out := pb.outputs[uint32(idx)]
		cs, ok := s.contracts[blob.ContractName]
		if !ok {
			continue
		}
		cs.StateDigest = out.HyleOutput.NextState
		delete(cs.Unsettled, txHash)
		block.UpdatedStates[blob.ContractName] = out.HyleOutput.NextState
		block.VerifiedBlobs = append(block.VerifiedBlobs, model.VerifiedBlob{
			TxHash: txHash, BlobIndex: uint32(idx), OutputCount: 1,
		})
	}
	block.SettledBlobTxHashes = append(block.SettledBlobTxHashes, txHash)
	delete(s.pending, txHash)
	if s.metrics != nil {
		s.metrics.settlements.Inc()
	}
}

func (s *State) failPending(block *model.Block, txHash crypto.Hash, pb *pendingBlob) {
	for _, blob := range pb.tx.Blobs {
		if cs, ok := s.contracts[blob.ContractName]; ok {
			delete(cs.Unsettled, txHash)
		}
	}
	block.FailedTxs = append(block.FailedTxs, txHash)
	delete(s.pending, txHash)
	if s.metrics != nil {
		s.metrics.failures.Inc()
	}
}

// applyTimeouts marks any blob transaction that has sat unsettled past
// timeoutDepth blocks as timed out, in admission-tuple order so the block's
// TimedOutTxHashes is identical on every validator.
func (s *State) applyTimeouts(block *model.Block, height uint64) {
	expired := make([]crypto.Hash, 0)
	for txHash, pb := range s.pending {
		if height >= pb.sinceHeight+s.timeoutDepth {
			expired = append(expired, txHash)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return s.pendingBefore(expired[i], expired[j])
	})

	for _, txHash := range expired {
		pb := s.pending[txHash]
		for _, blob := range pb.tx.Blobs {
			if cs, ok := s.contracts[blob.ContractName]; ok {
				delete(cs.Unsettled, txHash)
			}
		}
		block.TimedOutTxHashes = append(block.TimedOutTxHashes, txHash)
		delete(s.pending, txHash)
		if s.metrics != nil {
			s.metrics.timeouts.Inc()
		}
	}
}
