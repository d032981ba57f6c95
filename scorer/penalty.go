// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scorer

import (
	"fmt"

	"github.com/nlpodyssey/beamscore/corpus"
	"github.com/nlpodyssey/beamscore/graph"
	"github.com/nlpodyssey/spago/mat"
)

// penaltyState carries a fixed-size penalty vector over the vocabulary.
// The vector is an immutable value built once in StartState and shared by
// reference across all subsequent steps of the run.
type penaltyState struct {
	dimVocab  int
	penalties mat.Matrix
}

func (s *penaltyState) Distribution() mat.Matrix {
	return s.penalties
}

// Breakdown indexes modulo the vocabulary dimension: the same vector is
// logically repeated for every target position and beam slot.
func (s *penaltyState) Breakdown(i int) float64 {
	return s.penalties.ScalarAt(i % s.dimVocab).F64()
}

func (s *penaltyState) Blacklist(mat.Matrix, *corpus.Batch) {}

// WordPenalty biases every vocabulary id by a constant, exempting a set
// of free ids (typically padding and end-of-sequence). Combined with a
// negative weight it realizes a static length penalty.
type WordPenalty struct {
	base
	dimVocab int
	freeIDs  []int
}

// NewWordPenalty returns a word penalty over a vocabulary of the given
// dimension. When no free ids are given, the defaults (padding,
// end-of-sequence) apply.
func NewWordPenalty(name string, weight float64, dimVocab int, freeIDs ...int) *WordPenalty {
	if len(freeIDs) == 0 {
		freeIDs = []int{DefaultPaddingID, DefaultEndOfSequenceID}
	}
	return &WordPenalty{
		base:     base{name: name, weight: weight},
		dimVocab: dimVocab,
		freeIDs:  freeIDs,
	}
}

func (p *WordPenalty) Init(*graph.Graph) error  { return nil }
func (p *WordPenalty) Clear(*graph.Graph) error { return nil }

// StartState builds the penalty vector. It does not depend on the batch:
// two calls with different batches produce identical distributions.
func (p *WordPenalty) StartState(g *graph.Graph, _ *corpus.Batch) (State, error) {
	v := make([]float64, p.dimVocab)
	for i := range v {
		v[i] = 1
	}
	for _, id := range p.freeIDs {
		if id >= 0 && id < p.dimVocab {
			v[id] = 0
		}
	}
	return &penaltyState{dimVocab: p.dimVocab, penalties: g.Constant(v)}, nil
}

// Step returns the state unchanged. The penalty does not depend on the
// decoding position, so position-dependent penalties cannot be expressed
// by this scorer kind.
func (p *WordPenalty) Step(_ *graph.Graph, state State, hypIndices, embIndices []int) (State, error) {
	if err := checkIndices(hypIndices, embIndices); err != nil {
		return nil, err
	}
	return state, nil
}

// UnseenWordPenalty penalizes every vocabulary id that does not occur in
// the source side of the current batch, exempting the end-of-sequence id.
// The vector depends on batch content, not on decoding progress, so it is
// rebuilt per batch and invariant across steps.
type UnseenWordPenalty struct {
	base
	dimVocab   int
	batchIndex int
	eosID      int
}

// NewUnseenWordPenalty returns a coverage penalty reading the batch
// stream at batchIndex.
func NewUnseenWordPenalty(name string, weight float64, dimVocab, batchIndex, eosID int) *UnseenWordPenalty {
	return &UnseenWordPenalty{
		base:       base{name: name, weight: weight},
		dimVocab:   dimVocab,
		batchIndex: batchIndex,
		eosID:      eosID,
	}
}

func (p *UnseenWordPenalty) Init(*graph.Graph) error  { return nil }
func (p *UnseenWordPenalty) Clear(*graph.Graph) error { return nil }

func (p *UnseenWordPenalty) StartState(g *graph.Graph, batch *corpus.Batch) (State, error) {
	if p.batchIndex < 0 || p.batchIndex >= batch.Streams() {
		return nil, fmt.Errorf("%w: batch stream %d out of range [0,%d)",
			ErrConfiguration, p.batchIndex, batch.Streams())
	}
	v := make([]float64, p.dimVocab)
	for i := range v {
		v[i] = -1
	}
	for _, id := range batch.Stream(p.batchIndex).Indices() {
		if id >= 0 && id < p.dimVocab {
			v[id] = 0
		}
	}
	if p.eosID >= 0 && p.eosID < p.dimVocab {
		v[p.eosID] = 0
	}
	return &penaltyState{dimVocab: p.dimVocab, penalties: g.Constant(v)}, nil
}

// Step returns the state unchanged, like WordPenalty.Step.
func (p *UnseenWordPenalty) Step(_ *graph.Graph, state State, hypIndices, embIndices []int) (State, error) {
	if err := checkIndices(hypIndices, embIndices); err != nil {
		return nil, err
	}
	return state, nil
}
