// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scorer defines the contract that lets heterogeneous scoring
// sources participate identically in beam expansion: a full neural
// encoder-decoder, a static length penalty and a source-coverage penalty
// each hold private state, contribute a weighted vocabulary distribution
// and follow the beam's reordering instructions at every step.
package scorer

import (
	"fmt"
	"math"

	"github.com/nlpodyssey/beamscore/corpus"
	"github.com/nlpodyssey/beamscore/graph"
	"github.com/nlpodyssey/spago/mat"
)

// Default vocabulary ids exempted from penalties. They follow the common
// vocabulary layout (padding first, end-of-sequence at 2) but are plain
// defaults: every constructor takes explicit ids, since the agreed EOS id
// varies per vocabulary.
const (
	DefaultPaddingID       = 0
	DefaultEndOfSequenceID = 2
)

// Scorer is one scoring source in an ensemble. A Scorer persists for a
// whole decoding run; Init and Clear bracket parameter (re)loading, not
// per-step state.
//
// Step calls across scorers within one beam iteration are independent of
// each other, but all scorers must complete iteration t before iteration
// t+1 begins: the driver needs every distribution to pick the next
// hypothesis indices.
type Scorer interface {
	// Name returns the scorer's unique name, which doubles as its
	// parameter-namespace key in the shared computation context.
	Name() string

	// Weight returns the combination coefficient applied uniformly to
	// every token score from this scorer.
	Weight() float64

	// Init performs one-time setup. It is the only operation expected to
	// fail under a correctly configured ensemble.
	Init(g *graph.Graph) error

	// Clear releases any scratch associated with this scorer inside the
	// shared context.
	Clear(g *graph.Graph) error

	// StartState produces the initial state for one batch of sequences.
	StartState(g *graph.Graph, batch *corpus.Batch) (State, error)

	// Step advances the state by one decoding position. hypIndices[k]
	// identifies which slot of the prior state candidate k extends; slots
	// may be reused, reordered or dropped. embIndices[k] identifies the
	// vocabulary id whose embedding feeds candidate k. Both slices must
	// have equal length, which is also the number of slots in the
	// resulting state.
	Step(g *graph.Graph, state State, hypIndices, embIndices []int) (State, error)
}

// EncoderDecoder is the neural collaborator wrapped by a ModelScorer.
// Implementations own the whole recurrent computation; the core only maps
// lifecycle and step calls onto it.
type EncoderDecoder interface {
	Load(g *graph.Graph, path string) error
	Clear(g *graph.Graph) error
	StartState(g *graph.Graph, batch *corpus.Batch) (DecoderState, error)
	Step(g *graph.Graph, state DecoderState, hypIndices, embIndices []int) (DecoderState, error)
}

// base carries the immutable identity shared by all scorer variants.
type base struct {
	name   string
	weight float64
}

func (b base) Name() string    { return b.name }
func (b base) Weight() float64 { return b.weight }

// checkIndices validates the beam bookkeeping vectors of one step.
func checkIndices(hypIndices, embIndices []int) error {
	if len(hypIndices) != len(embIndices) {
		return fmt.Errorf("%w: %d hypothesis indices vs %d embedding indices",
			ErrConfiguration, len(hypIndices), len(embIndices))
	}
	return nil
}

// checkFinite scans a distribution for NaN or infinite values.
func checkFinite(dist mat.Matrix) error {
	for i, v := range dist.Data().F64() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: value %f at position %d", ErrNonFiniteScore, v, i)
		}
	}
	return nil
}
