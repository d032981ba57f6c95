// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package beamscore combines independently trained scoring sources into a
// single per-step probability signal for a beam-search sequence decoder.
package beamscore

import (
	"fmt"

	"github.com/nlpodyssey/beamscore/corpus"
	"github.com/nlpodyssey/beamscore/graph"
	"github.com/nlpodyssey/beamscore/scorer"
	"github.com/nlpodyssey/spago/mat"
)

// Ensemble is a weighted collection of scorers sharing one computation
// context. It is synchronous from the driver's perspective: all scorers
// must complete a step before the next one begins.
type Ensemble struct {
	scorers []scorer.Scorer
	graph   *graph.Graph
}

// New builds an ensemble from the given options without loading any
// parameters; call Init before decoding.
func New(opts Options) (*Ensemble, error) {
	scorers, err := newScorers(opts)
	if err != nil {
		return nil, err
	}
	return &Ensemble{
		scorers: scorers,
		graph:   graph.New(),
	}, nil
}

// Scorers returns the ensemble members in configuration order.
func (e *Ensemble) Scorers() []scorer.Scorer {
	return e.scorers
}

// Graph returns the shared computation context.
func (e *Ensemble) Graph() *graph.Graph {
	return e.graph
}

// Init loads every scorer's parameters. A failing artifact aborts
// construction.
func (e *Ensemble) Init() error {
	for _, s := range e.scorers {
		if err := s.Init(e.graph); err != nil {
			return err
		}
	}
	return nil
}

// Clear releases every scorer's scratch in the shared context.
func (e *Ensemble) Clear() error {
	for _, s := range e.scorers {
		if err := s.Clear(e.graph); err != nil {
			return err
		}
	}
	return nil
}

// StartStates produces the initial state of every scorer for one batch,
// in scorer order.
func (e *Ensemble) StartStates(batch *corpus.Batch) ([]scorer.State, error) {
	states := make([]scorer.State, len(e.scorers))
	for i, s := range e.scorers {
		state, err := s.StartState(e.graph, batch)
		if err != nil {
			return nil, err
		}
		states[i] = state
	}
	return states, nil
}

// Step advances every scorer by one decoding position under the same beam
// bookkeeping vectors.
func (e *Ensemble) Step(states []scorer.State, hypIndices, embIndices []int) ([]scorer.State, error) {
	if len(states) != len(e.scorers) {
		return nil, fmt.Errorf("%w: %d states for %d scorers",
			scorer.ErrConfiguration, len(states), len(e.scorers))
	}
	next := make([]scorer.State, len(states))
	for i, s := range e.scorers {
		state, err := s.Step(e.graph, states[i], hypIndices, embIndices)
		if err != nil {
			return nil, err
		}
		next[i] = state
	}
	return next, nil
}

// Combine returns the weighted sum of the scorers' distributions. A
// vocabulary-sized penalty vector broadcasts against a larger beam-major
// distribution by modulo indexing, consistent with State.Breakdown.
func (e *Ensemble) Combine(states []scorer.State) (mat.Matrix, error) {
	if len(states) != len(e.scorers) {
		return nil, fmt.Errorf("%w: %d states for %d scorers",
			scorer.ErrConfiguration, len(states), len(e.scorers))
	}
	size := 0
	for _, state := range states {
		if s := state.Distribution().Size(); s > size {
			size = s
		}
	}
	out := make([]float64, size)
	for i, state := range states {
		data := state.Distribution().Data().F64()
		if size%len(data) != 0 {
			return nil, fmt.Errorf("%w: distribution size %d does not divide %d",
				scorer.ErrConfiguration, len(data), size)
		}
		w := e.scorers[i].Weight()
		for j := range out {
			out[j] += w * data[j%len(data)]
		}
	}
	return mat.NewDense[float64](mat.WithBacking(out)), nil
}

// Blacklist lets every state suppress vocabulary ids from the accumulated
// beam costs before selection.
func (e *Ensemble) Blacklist(totalCosts mat.Matrix, states []scorer.State, batch *corpus.Batch) {
	for _, state := range states {
		state.Blacklist(totalCosts, batch)
	}
}

// ScorerScore is one scorer's contribution to a rescored candidate.
type ScorerScore struct {
	Name   string
	Weight float64
	Score  float64
}

// Rescore walks a candidate sequence with a singleton beam and
// accumulates each scorer's per-token breakdown, for post-hoc n-best
// rescoring and explanation.
func (e *Ensemble) Rescore(batch *corpus.Batch, candidate []int) ([]ScorerScore, error) {
	if len(candidate) == 0 {
		return nil, fmt.Errorf("%w: empty candidate sequence", scorer.ErrConfiguration)
	}
	states, err := e.StartStates(batch)
	if err != nil {
		return nil, err
	}

	scores := make([]ScorerScore, len(e.scorers))
	for i, s := range e.scorers {
		scores[i] = ScorerScore{Name: s.Name(), Weight: s.Weight()}
	}

	for t, tokenID := range candidate {
		for i, state := range states {
			scores[i].Score += state.Breakdown(tokenID)
		}
		if t == len(candidate)-1 {
			break
		}
		states, err = e.Step(states, []int{0}, []int{tokenID})
		if err != nil {
			return nil, err
		}
	}
	return scores, nil
}
