// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nlpodyssey/beamscore/corpus"
	"github.com/nlpodyssey/beamscore/graph"
	"github.com/nlpodyssey/beamscore/scorer"
	"github.com/nlpodyssey/rwkv"
	"github.com/nlpodyssey/spago/mat"
	"github.com/rs/zerolog/log"
)

// Options configure the collaborator independently of its parameters.
type Options struct {
	// Index is the batch stream the model is conditioned on. An ensemble
	// designates its indexed scorer by setting this to the number of
	// configured inputs.
	Index int
	// ForbiddenIDs are suppressed from the accumulated beam costs by the
	// blacklist hook.
	ForbiddenIDs []int
}

// Model adapts a recurrent language network to the encoder-decoder
// contract. The caller is expected to have switched the graph to the
// owning scorer's namespace before every call.
type Model struct {
	opts Options
	net  *Net
}

var _ scorer.EncoderDecoder = &Model{}

// New returns an unloaded model.
func New(opts Options) *Model {
	return &Model{opts: opts}
}

// Config returns the network shape. It is the zero Config before Load.
func (m *Model) Config() Config {
	if m.net == nil {
		return Config{}
	}
	return m.net.Config
}

// Load reads the native model file from the given directory.
func (m *Model) Load(_ *graph.Graph, dir string) error {
	net, err := loadFromFile(filepath.Join(dir, DefaultOutputFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: no model file in %q; download and convert the model first", scorer.ErrArtifactLoad, dir)
		}
		return fmt.Errorf("%w: %v", scorer.ErrArtifactLoad, err)
	}
	log.Debug().Msgf("loaded model from %q (vocab %d, d_model %d, %d layers)",
		dir, net.Config.VocabSize, net.Config.DModel, net.Config.NumHiddenLayers)
	m.net = net
	return nil
}

// Clear releases the scratch of the active namespace. The loaded
// parameters survive.
func (m *Model) Clear(g *graph.Graph) error {
	g.Clear()
	return nil
}

// StartState encodes each sentence of the conditioned batch stream and
// returns one beam slot, with its distribution, per sentence.
func (m *Model) StartState(_ *graph.Graph, batch *corpus.Batch) (scorer.DecoderState, error) {
	if m.net == nil {
		return nil, fmt.Errorf("%w: model not initialized", scorer.ErrConfiguration)
	}
	if batch.Streams() == 0 {
		return nil, fmt.Errorf("%w: empty batch", scorer.ErrConfiguration)
	}
	idx := m.opts.Index
	if idx >= batch.Streams() {
		log.Debug().Msgf("batch index %d out of range, conditioning on stream %d", idx, batch.Streams()-1)
		idx = batch.Streams() - 1
	}
	stream := batch.Stream(idx)

	states := make([]rwkv.State, len(stream.Sentences))
	dists := make([]mat.Matrix, len(stream.Sentences))
	for i, sentence := range stream.Sentences {
		if len(sentence) == 0 {
			return nil, fmt.Errorf("%w: empty sentence %d in batch stream %d", scorer.ErrConfiguration, i, idx)
		}
		x, s, err := m.net.encode(sentence, nil)
		if err != nil {
			return nil, err
		}
		states[i] = s
		dists[i] = m.net.predict(x)
	}
	return newState(m, states, dists), nil
}

// Step gathers the selected recurrent sub-states and advances each by one
// position, feeding the selected embeddings. The prior state is left
// untouched so the driver can keep it for backtracking.
func (m *Model) Step(_ *graph.Graph, state scorer.DecoderState, hypIndices, embIndices []int) (scorer.DecoderState, error) {
	st, ok := state.(*State)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected decoder state %T", scorer.ErrConfiguration, state)
	}
	states := make([]rwkv.State, len(hypIndices))
	dists := make([]mat.Matrix, len(hypIndices))
	for k, slot := range hypIndices {
		if slot < 0 || slot >= len(st.states) {
			return nil, fmt.Errorf("%w: hypothesis index %d out of range [0,%d)",
				scorer.ErrConfiguration, slot, len(st.states))
		}
		xs, err := m.net.Embeddings.Encode([]int{embIndices[k]})
		if err != nil {
			return nil, err
		}
		// The recurrent forward reassigns layer-state fields in place, so a
		// reused slot must be advanced on its own copy.
		x, s := m.net.Encoder.ForwardSingle(xs[0], cloneState(st.states[slot]))
		states[k] = s
		dists[k] = m.net.predict(x)
	}
	return newState(m, states, dists), nil
}

// cloneState returns layer states that can be advanced without touching
// the originals. The held tensors are immutable and shared.
func cloneState(s rwkv.State) rwkv.State {
	out := make(rwkv.State, len(s))
	for i, layer := range s {
		c := *layer
		out[i] = &c
	}
	return out
}
