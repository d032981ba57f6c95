// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lm

import (
	"math"

	"github.com/nlpodyssey/beamscore/corpus"
	"github.com/nlpodyssey/rwkv"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
)

var floatNegInf = float.Interface(math.Inf(-1))

// State holds the recurrent state and the score distribution of every
// live hypothesis. It is replaced wholesale at each step.
type State struct {
	model    *Model
	states   []rwkv.State
	dist     mat.Matrix
	dimVocab int
}

// newState flattens the per-slot distributions into one beam-major score
// vector, the layout the beam driver indexes into.
func newState(m *Model, states []rwkv.State, dists []mat.Matrix) *State {
	dimVocab := m.net.Config.VocabSize
	flat := make([]float64, 0, len(dists)*dimVocab)
	for _, d := range dists {
		flat = append(flat, d.Data().F64()...)
	}
	return &State{
		model:    m,
		states:   states,
		dist:     mat.NewDense[float64](mat.WithBacking(flat)),
		dimVocab: dimVocab,
	}
}

// Slots returns the number of hypotheses the state covers.
func (s *State) Slots() int {
	return len(s.states)
}

func (s *State) Distribution() mat.Matrix {
	return s.dist
}

// Blacklist forces the model's forbidden ids to an unusable score in the
// accumulated beam costs, for every slot the costs cover.
func (s *State) Blacklist(totalCosts mat.Matrix, _ *corpus.Batch) {
	if len(s.model.opts.ForbiddenIDs) == 0 {
		return
	}
	slots := totalCosts.Size() / s.dimVocab
	for slot := 0; slot < slots; slot++ {
		for _, id := range s.model.opts.ForbiddenIDs {
			if id >= 0 && id < s.dimVocab {
				totalCosts.SetScalar(floatNegInf, slot*s.dimVocab+id)
			}
		}
	}
}
