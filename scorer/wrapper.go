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

// ModelScorer adapts an encoder-decoder collaborator to the Scorer
// contract. It owns no computation: it switches to its private parameter
// namespace and delegates, so several models can coexist in one shared
// computation context.
type ModelScorer struct {
	base
	model EncoderDecoder
	path  string
}

// NewModelScorer returns a scorer wrapping the given collaborator, whose
// parameters will be loaded from path at Init time.
func NewModelScorer(model EncoderDecoder, name string, weight float64, path string) *ModelScorer {
	return &ModelScorer{
		base:  base{name: name, weight: weight},
		model: model,
		path:  path,
	}
}

func (s *ModelScorer) Init(g *graph.Graph) error {
	g.SwitchParams(s.Name())
	if err := s.model.Load(g, s.path); err != nil {
		return fmt.Errorf("scorer %q: %w", s.Name(), err)
	}
	return nil
}

func (s *ModelScorer) Clear(g *graph.Graph) error {
	g.SwitchParams(s.Name())
	return s.model.Clear(g)
}

func (s *ModelScorer) StartState(g *graph.Graph, batch *corpus.Batch) (State, error) {
	g.SwitchParams(s.Name())
	ds, err := s.model.StartState(g, batch)
	if err != nil {
		return nil, fmt.Errorf("scorer %q: %w", s.Name(), err)
	}
	return &modelState{inner: ds}, nil
}

func (s *ModelScorer) Step(g *graph.Graph, state State, hypIndices, embIndices []int) (State, error) {
	if err := checkIndices(hypIndices, embIndices); err != nil {
		return nil, err
	}
	ws, ok := state.(interface{ Underlying() DecoderState })
	if !ok {
		return nil, fmt.Errorf("%w: scorer %q cannot step a foreign state %T",
			ErrConfiguration, s.Name(), state)
	}
	g.SwitchParams(s.Name())
	ds, err := s.model.Step(g, ws.Underlying(), hypIndices, embIndices)
	if err != nil {
		return nil, fmt.Errorf("scorer %q: %w", s.Name(), err)
	}
	next := &modelState{inner: ds}
	if err := checkFinite(next.Distribution()); err != nil {
		return nil, fmt.Errorf("scorer %q: %w", s.Name(), err)
	}
	return next, nil
}

// modelState wraps the collaborator's recurrent state. Its lifetime is
// tied to the wrapped state; the distribution view is non-owning.
type modelState struct {
	inner DecoderState
}

// Underlying exposes the wrapped decoder state to the owning ModelScorer,
// which recovers it by capability instead of a blind downcast.
func (s *modelState) Underlying() DecoderState {
	return s.inner
}

func (s *modelState) Distribution() mat.Matrix {
	return s.inner.Distribution()
}

func (s *modelState) Breakdown(i int) float64 {
	return s.Distribution().ScalarAt(i).F64()
}

func (s *modelState) Blacklist(totalCosts mat.Matrix, batch *corpus.Batch) {
	s.inner.Blacklist(totalCosts, batch)
}
