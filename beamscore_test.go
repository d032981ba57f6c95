// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package beamscore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nlpodyssey/beamscore/corpus"
	"github.com/nlpodyssey/beamscore/graph"
	"github.com/nlpodyssey/beamscore/scorer"
	"github.com/nlpodyssey/spago/mat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// identityState scores every vocabulary id with its own value, which
// makes rescoring sums easy to predict.
type identityState struct {
	dist mat.Matrix
}

func (s *identityState) Distribution() mat.Matrix            { return s.dist }
func (s *identityState) Blacklist(mat.Matrix, *corpus.Batch) {}

func newIdentityState(size int) *identityState {
	values := make([]float64, size)
	for i := range values {
		values[i] = float64(i)
	}
	return &identityState{dist: mat.NewDense[float64](mat.WithBacking(values))}
}

type identityEncDec struct {
	opts ModelOptions
}

func (f *identityEncDec) Load(*graph.Graph, string) error { return nil }
func (f *identityEncDec) Clear(*graph.Graph) error        { return nil }

func (f *identityEncDec) StartState(_ *graph.Graph, _ *corpus.Batch) (scorer.DecoderState, error) {
	return newIdentityState(f.opts.VocabSize), nil
}

func (f *identityEncDec) Step(_ *graph.Graph, _ scorer.DecoderState, hypIndices, _ []int) (scorer.DecoderState, error) {
	return newIdentityState(f.opts.VocabSize * len(hypIndices)), nil
}

func registerIdentityModel(t *testing.T, modelType string) *[]ModelOptions {
	t.Helper()
	var seen []ModelOptions
	old, hadOld := modelBuilders[modelType]
	RegisterModel(modelType, func(opts ModelOptions) (scorer.EncoderDecoder, error) {
		seen = append(seen, opts)
		return &identityEncDec{opts: opts}, nil
	})
	t.Cleanup(func() {
		if hadOld {
			modelBuilders[modelType] = old
		} else {
			delete(modelBuilders, modelType)
		}
	})
	return &seen
}

func writeModelDir(t *testing.T, settings string) string {
	t.Helper()
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(settings), 0644)
	require.NoError(t, err)
	return dir
}

func TestNewScorersDefaultWeights(t *testing.T) {
	registerIdentityModel(t, "fake")
	m1 := writeModelDir(t, `{"type":"fake","vocab_size":6}`)
	m2 := writeModelDir(t, `{"type":"fake","vocab_size":6}`)

	e, err := New(Options{Models: []string{m1, m2}, DimVocabs: []int{6}})
	require.NoError(t, err)

	scorers := e.Scorers()
	require.Len(t, scorers, 2)
	assert.Equal(t, "F0", scorers[0].Name())
	assert.Equal(t, "F1", scorers[1].Name())
	assert.Equal(t, 1.0, scorers[0].Weight())
	assert.Equal(t, 1.0, scorers[1].Weight())
}

func TestNewScorersExplicitWeights(t *testing.T) {
	registerIdentityModel(t, "fake")
	m1 := writeModelDir(t, `{"type":"fake","vocab_size":6}`)
	m2 := writeModelDir(t, `{"type":"fake","vocab_size":6}`)

	e, err := New(Options{
		Models:    []string{m1, m2},
		Weights:   []float64{0.3, 0.7},
		DimVocabs: []int{6},
	})
	require.NoError(t, err)

	assert.Equal(t, 0.3, e.Scorers()[0].Weight())
	assert.Equal(t, 0.7, e.Scorers()[1].Weight())
}

func TestNewScorersConfigurationErrors(t *testing.T) {
	registerIdentityModel(t, "fake")
	m1 := writeModelDir(t, `{"type":"fake","vocab_size":6}`)

	_, err := New(Options{DimVocabs: []int{6}})
	assert.ErrorIs(t, err, scorer.ErrConfiguration)

	_, err = New(Options{Models: []string{m1}})
	assert.ErrorIs(t, err, scorer.ErrConfiguration)

	_, err = New(Options{Models: []string{m1}, Weights: []float64{1, 2}, DimVocabs: []int{6}})
	assert.ErrorIs(t, err, scorer.ErrConfiguration)

	m2 := writeModelDir(t, `{"type":"no-such-type"}`)
	_, err = New(Options{Models: []string{m2}, DimVocabs: []int{6}})
	assert.ErrorIs(t, err, scorer.ErrConfiguration)
}

func TestNewScorersMissingSettingsIsAdvisory(t *testing.T) {
	seen := registerIdentityModel(t, "fake")
	dir := t.TempDir() // no config.json inside

	e, err := New(Options{
		Models:    []string{dir},
		DimVocabs: []int{6},
		ModelType: "fake",
	})
	require.NoError(t, err)
	require.Len(t, e.Scorers(), 1)

	// The externally supplied settings fill the gap.
	require.Len(t, *seen, 1)
	assert.Equal(t, 6, (*seen)[0].VocabSize)
	assert.Equal(t, "fake", (*seen)[0].Type)
}

func TestNewScorersIndexedScorer(t *testing.T) {
	seen := registerIdentityModel(t, "lm")
	dir := writeModelDir(t, `{"type":"lm","vocab_size":6}`)

	_, err := New(Options{
		Models:    []string{dir},
		DimVocabs: []int{6},
		Inputs:    []string{"source", "context"},
	})
	require.NoError(t, err)

	// The indexed scorer's batch index derives from the input count.
	require.Len(t, *seen, 1)
	assert.Equal(t, 2, (*seen)[0].Index)
}

func TestNewScorersAppendsPenalties(t *testing.T) {
	registerIdentityModel(t, "fake")
	dir := writeModelDir(t, `{"type":"fake","vocab_size":6}`)

	e, err := New(Options{
		Models:            []string{dir},
		DimVocabs:         []int{6},
		WordPenalty:       -0.3,
		UnseenWordPenalty: -0.1,
	})
	require.NoError(t, err)

	scorers := e.Scorers()
	require.Len(t, scorers, 3)
	assert.Equal(t, "WP", scorers[1].Name())
	assert.Equal(t, -0.3, scorers[1].Weight())
	assert.Equal(t, "UWP", scorers[2].Name())
	assert.Equal(t, -0.1, scorers[2].Weight())
}

func TestEnsembleCombineBroadcastsPenaltyVectors(t *testing.T) {
	registerIdentityModel(t, "fake")
	dir := writeModelDir(t, `{"type":"fake","vocab_size":2}`)

	e, err := New(Options{
		Models:      []string{dir},
		Weights:     []float64{2},
		DimVocabs:   []int{2},
		WordPenalty: 1,
	})
	require.NoError(t, err)

	model := &identityState{dist: mat.NewDense[float64](mat.WithBacking([]float64{1, 2, 3, 4}))}
	penalty := &identityState{dist: mat.NewDense[float64](mat.WithBacking([]float64{10, 20}))}

	combined, err := e.Combine([]scorer.State{
		&stubState{identityState: model},
		&stubState{identityState: penalty},
	})
	require.NoError(t, err)

	assert.Equal(t, []float64{12, 24, 16, 28}, combined.Data().F64())
}

// stubState upgrades an identityState to the full scorer.State contract.
type stubState struct {
	*identityState
}

func (s *stubState) Breakdown(i int) float64 {
	data := s.dist.Data().F64()
	return data[i%len(data)]
}

func TestEnsembleRescore(t *testing.T) {
	registerIdentityModel(t, "fake")
	dir := writeModelDir(t, `{"type":"fake","vocab_size":6}`)

	e, err := New(Options{
		Models:    []string{dir},
		DimVocabs: []int{6},
	})
	require.NoError(t, err)
	require.NoError(t, e.Init())

	batch := corpus.NewBatch(corpus.NewStream(corpus.Sentence{1, 2}))
	scores, err := e.Rescore(batch, []int{3, 1, 2})
	require.NoError(t, err)

	require.Len(t, scores, 1)
	assert.Equal(t, "F0", scores[0].Name)
	// Identity distributions score each token with its own id.
	assert.Equal(t, 6.0, scores[0].Score)
}

func TestEnsembleStepStateCountMismatch(t *testing.T) {
	registerIdentityModel(t, "fake")
	dir := writeModelDir(t, `{"type":"fake","vocab_size":6}`)

	e, err := New(Options{Models: []string{dir}, DimVocabs: []int{6}})
	require.NoError(t, err)

	_, err = e.Step(nil, []int{0}, []int{1})
	assert.ErrorIs(t, err, scorer.ErrConfiguration)
}

func TestLoadOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ensemble.yaml")
	content := `
models: [models/a, models/b]
weights: [0.6, 0.4]
dim_vocabs: [50277]
inputs: [source]
word_penalty: -0.2
eos_id: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"models/a", "models/b"}, opts.Models)
	assert.Equal(t, []float64{0.6, 0.4}, opts.Weights)
	assert.Equal(t, 1, opts.eosID())
	assert.Equal(t, "lm", opts.modelType())

	_, err = LoadOptions(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, scorer.ErrConfiguration)
}

func TestLoadOptionsExplicitZeroEndOfSequenceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ensemble.yaml")
	content := `
models: [models/a]
dim_vocabs: [6]
eos_id: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, 0, opts.eosID())

	// An absent eos_id still selects the default.
	assert.Equal(t, scorer.DefaultEndOfSequenceID, Options{}.eosID())
}
