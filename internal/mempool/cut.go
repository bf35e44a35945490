package mempool

import (
	"context"
	"fmt"

	"github.com/autobahn-chain/node/internal/bus"
	"github.com/autobahn-chain/node/internal/crypto"
	"github.com/autobahn-chain/node/internal/model"
)

// Serve runs the QueryNewCut responder loop until ctx is canceled. Consensus
// issues queries with bus.Ask[QueryNewCutRequest, model.Cut]; Serve answers
// each one from the current lane state and never blocks a slow caller, since
// building a Cut only reads already-computed PoDA state.
func (mp *Mempool) Serve(ctx context.Context, b *bus.Bus) {
	queries := bus.Subscribe[*bus.Query[QueryNewCutRequest, model.Cut]](b)
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-queries:
			q.Reply(mp.buildCut())
		}
	}
}

// buildCut answers a QueryNewCut: one entry per validator in the active
// staking set, naming the latest lane tip with a valid PoDA. A lane with no
// new PoDA since the previous Cut repeats its previous entry verbatim.
func (mp *Mempool) buildCut() model.Cut {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	prev := make(map[string]model.CutEntry, len(mp.lastCut))
	for _, e := range mp.lastCut {
		prev[e.Validator.String()] = e
	}

	cut := make(model.Cut, 0, len(mp.validators))
	for _, v := range mp.validators {
		l := mp.lanes[v.String()]
		if !l.podaTip.IsZero() {
			cut = append(cut, model.CutEntry{
				Validator:        v,
				DataProposalHash: l.podaTip,
				PoDA:             l.poda[l.podaTip],
				Signers:          l.podaSigners[l.podaTip],
			})
			continue
		}
		if e, ok := prev[v.String()]; ok {
			cut = append(cut, e)
			continue
		}
		// No PoDA has ever formed for this validator: an empty entry, which
		// Consensus and DA treat as "nothing to include yet".
		cut = append(cut, model.CutEntry{Validator: v})
	}

	mp.lastCut = cut
	if mp.metrics != nil {
		mp.metrics.cutsBuilt.Inc()
	}
	return cut
}

// ResolveCut returns, for every non-empty entry in cut, the slice of that
// validator's DataProposals strictly after lastSeen[validator] up to and
// including the entry's DataProposalHash, in chain order. Data Availability
// uses this to pull the transactions a committed Cut actually references
// when assembling a SignedBlock's per-validator sequences.
func (mp *Mempool) ResolveCut(cut model.Cut, lastSeen map[string]crypto.Hash) (map[string][]model.DataProposal, error) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	out := make(map[string][]model.DataProposal, len(cut))
	for _, e := range cut {
		if e.DataProposalHash.IsZero() {
			continue
		}
		l, ok := mp.lanes[e.Validator.String()]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownValidator, e.Validator)
		}
		chain, err := l.chainBetween(lastSeen[e.Validator.String()], e.DataProposalHash)
		if err != nil {
			return nil, err
		}
		out[e.Validator.String()] = chain
	}
	return out, nil
}

// chainBetween returns the proposals strictly after afterHash up to and
// including uptoHash, in append order. A zero afterHash means "from the
// start of the lane".
func (l *lane) chainBetween(afterHash, uptoHash crypto.Hash) ([]model.DataProposal, error) {
	start := 0
	if !afterHash.IsZero() {
		idx := -1
		for i, h := range l.order {
			if h == afterHash {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDataProposal, afterHash)
		}
		start = idx + 1
	}

	end := -1
	for i, h := range l.order {
		if h == uptoHash {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataProposal, uptoHash)
	}
	if end < start {
		return nil, nil
	}

	out := make([]model.DataProposal, 0, end-start+1)
	for _, h := range l.order[start : end+1] {
		out = append(out, *l.proposals[h])
	}
	return out, nil
}
