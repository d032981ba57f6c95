// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lm provides a recurrent language model implementing the
// encoder-decoder contract consumed by scorer.ModelScorer.
package lm

import (
	"encoding/gob"
	"encoding/json"
	"os"

	"github.com/nlpodyssey/rwkv"
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/embedding"
	"github.com/nlpodyssey/spago/nn/normalization/layernorm"
)

const (
	// DefaultConfigFilename is the settings file embedded in a model
	// directory.
	DefaultConfigFilename = "config.json"
	// DefaultPyModelFilename is the torch checkpoint converted by
	// ConvertPyTorchModel.
	DefaultPyModelFilename = "pytorch_model.pt"
	// DefaultOutputFilename is the native model file read by Load.
	DefaultOutputFilename = "beamscore_model.bin"
)

// Config describes the network shape. When converting a torch model the
// zero values are deduced from the checkpoint.
type Config struct {
	// Type identifies the model kind for ensemble construction.
	Type string `json:"type"`
	// DModel is the embedding size.
	DModel int `json:"d_model"`
	// NumHiddenLayers is the number of recurrent layers.
	NumHiddenLayers int `json:"num_hidden_layers"`
	// VocabSize is the vocabulary dimension, fixed for the lifetime of a
	// decoding run.
	VocabSize int `json:"vocab_size"`
	// RescaleLayer halves activations every so many layers.
	RescaleLayer int `json:"rescale_layer"`
}

// LoadConfig reads the settings embedded in a model directory.
func LoadConfig(filePath string) (Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var config Config
	if err := json.NewDecoder(file).Decode(&config); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Net is the serialized network: token embeddings, a recurrent encoder,
// a final layer norm and a linear vocabulary head.
type Net struct {
	nn.Module
	Embeddings *embedding.Model
	Encoder    *rwkv.Model
	LN         *layernorm.Model
	Linear     *nn.Param
	Config     Config
}

func init() {
	gob.Register(&Net{})
}

// NewNet returns a network with the given shape and zeroed parameters.
func NewNet[T float.DType](c Config) *Net {
	return &Net{
		Config: c,
		Encoder: rwkv.New[T](rwkv.Config{
			DModel:       c.DModel,
			NumLayers:    c.NumHiddenLayers,
			RescaleLayer: c.RescaleLayer,
		}),
		LN:         layernorm.New[T](c.DModel, 1e-6),
		Linear:     nn.NewParam(mat.NewDense[T](mat.WithShape(c.VocabSize, c.DModel))),
		Embeddings: embedding.New[T](c.VocabSize, c.DModel),
	}
}

// encode feeds one token sequence through the recurrent encoder and
// returns the last hidden representation together with the final state.
func (n *Net) encode(tokens []int, state rwkv.State) (mat.Tensor, rwkv.State, error) {
	xs, err := n.Embeddings.Encode(tokens)
	if err != nil {
		return nil, nil, err
	}
	if len(xs) == 1 {
		x, s := n.Encoder.ForwardSingle(xs[0], state)
		return x, s, nil
	}
	h, s := n.Encoder.ForwardSequence(xs, state)
	return h[len(h)-1], s, nil
}

// predict returns the materialized score distribution of the next token.
func (n *Net) predict(x mat.Tensor) mat.Matrix {
	return ag.Mul(n.Linear, n.LN.Forward(x)[0]).Value().(mat.Matrix)
}
