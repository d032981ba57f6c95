// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scorer

import (
	"math"
	"testing"

	"github.com/nlpodyssey/beamscore/corpus"
	"github.com/nlpodyssey/beamscore/graph"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDecoderState is a deterministic collaborator state: slot k of a
// step carries the value 100*hypIndices[k] + embIndices[k].
type fakeDecoderState struct {
	dist mat.Matrix
}

func (s *fakeDecoderState) Distribution() mat.Matrix { return s.dist }

func (s *fakeDecoderState) Blacklist(totalCosts mat.Matrix, _ *corpus.Batch) {
	totalCosts.SetScalar(float.Interface(-1e9), 0)
}

// fakeEncDec records the namespace active at every call.
type fakeEncDec struct {
	namespaces []string
	loadedPath string
	slots      int
	stepValues []float64
}

func (f *fakeEncDec) Load(g *graph.Graph, path string) error {
	f.namespaces = append(f.namespaces, g.Namespace())
	f.loadedPath = path
	return nil
}

func (f *fakeEncDec) Clear(g *graph.Graph) error {
	f.namespaces = append(f.namespaces, g.Namespace())
	return nil
}

func (f *fakeEncDec) StartState(g *graph.Graph, batch *corpus.Batch) (DecoderState, error) {
	f.namespaces = append(f.namespaces, g.Namespace())
	values := make([]float64, batch.Size())
	return &fakeDecoderState{dist: mat.NewDense[float64](mat.WithBacking(values))}, nil
}

func (f *fakeEncDec) Step(g *graph.Graph, _ DecoderState, hypIndices, embIndices []int) (DecoderState, error) {
	f.namespaces = append(f.namespaces, g.Namespace())
	f.slots = len(hypIndices)
	values := make([]float64, len(hypIndices))
	for k := range hypIndices {
		values[k] = float64(100*hypIndices[k] + embIndices[k])
	}
	f.stepValues = values
	return &fakeDecoderState{dist: mat.NewDense[float64](mat.WithBacking(values))}, nil
}

func newTestBatch() *corpus.Batch {
	return corpus.NewBatch(corpus.NewStream(
		corpus.Sentence{1, 2},
		corpus.Sentence{3},
		corpus.Sentence{4, 5},
	))
}

func TestModelScorerDelegatesUnderItsNamespace(t *testing.T) {
	g := graph.New()
	model := &fakeEncDec{}
	s := NewModelScorer(model, "F0", 1, "path/to/model")

	require.NoError(t, s.Init(g))
	assert.Equal(t, "path/to/model", model.loadedPath)

	state, err := s.StartState(g, newTestBatch())
	require.NoError(t, err)

	_, err = s.Step(g, state, []int{0}, []int{1})
	require.NoError(t, err)
	require.NoError(t, s.Clear(g))

	assert.Equal(t, []string{"F0", "F0", "F0", "F0"}, model.namespaces)
}

func TestModelScorerStepFollowsBeamReordering(t *testing.T) {
	g := graph.New()
	model := &fakeEncDec{}
	s := NewModelScorer(model, "F0", 1, "path")
	require.NoError(t, s.Init(g))

	state, err := s.StartState(g, newTestBatch())
	require.NoError(t, err)

	// Three new candidates: slot 0 extended twice, slot 2 once, fed
	// embeddings 5, 7 and 9.
	next, err := s.Step(g, state, []int{0, 0, 2}, []int{5, 7, 9})
	require.NoError(t, err)

	assert.Equal(t, 3, model.slots)
	assert.Equal(t, []float64{5, 7, 209}, next.Distribution().Data().F64())
	assert.Equal(t, float64(7), next.Breakdown(1))
}

func TestModelScorerStepIndicesMismatch(t *testing.T) {
	g := graph.New()
	s := NewModelScorer(&fakeEncDec{}, "F0", 1, "path")

	state, err := s.StartState(g, newTestBatch())
	require.NoError(t, err)

	_, err = s.Step(g, state, []int{0, 1}, []int{5})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestModelScorerStepRejectsForeignState(t *testing.T) {
	g := graph.New()
	s := NewModelScorer(&fakeEncDec{}, "F0", 1, "path")

	foreign, err := NewWordPenalty("WP", 1, 6).StartState(g, newTestBatch())
	require.NoError(t, err)

	_, err = s.Step(g, foreign, []int{0}, []int{1})
	assert.ErrorIs(t, err, ErrConfiguration)
}

type nanEncDec struct {
	fakeEncDec
}

func (f *nanEncDec) Step(g *graph.Graph, _ DecoderState, hypIndices, _ []int) (DecoderState, error) {
	values := make([]float64, len(hypIndices))
	values[0] = math.NaN()
	return &fakeDecoderState{dist: mat.NewDense[float64](mat.WithBacking(values))}, nil
}

func TestModelScorerStepRejectsNonFiniteDistribution(t *testing.T) {
	g := graph.New()
	s := NewModelScorer(&nanEncDec{}, "F0", 1, "path")

	state, err := s.StartState(g, newTestBatch())
	require.NoError(t, err)

	_, err = s.Step(g, state, []int{0}, []int{1})
	assert.ErrorIs(t, err, ErrNonFiniteScore)
}

func TestModelStateBlacklistDelegates(t *testing.T) {
	g := graph.New()
	s := NewModelScorer(&fakeEncDec{}, "F0", 1, "path")

	batch := newTestBatch()
	state, err := s.StartState(g, batch)
	require.NoError(t, err)

	totalCosts := mat.NewDense[float64](mat.WithBacking([]float64{1, 2, 3}))
	state.Blacklist(totalCosts, batch)
	assert.Equal(t, -1e9, totalCosts.Data().F64()[0])
}
