// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lm

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/nlpodyssey/rwkv"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/embedding"
	"github.com/nlpodyssey/spago/nn/normalization/layernorm"
	"github.com/rs/zerolog/log"
)

const convLayerNormEps = 1e-5

// ConvertPyTorchModel converts the torch checkpoint found in dir to the
// native format read by Load. It expects a "config.json" next to the
// checkpoint. An existing native model file is kept unless overwrite is
// set.
func ConvertPyTorchModel(dir string, overwrite bool) error {
	outFilename := filepath.Join(dir, DefaultOutputFilename)
	if !overwrite {
		if info, err := os.Stat(outFilename); err == nil && !info.IsDir() {
			log.Debug().Str("model", outFilename).Msg("model file already exists, skipping conversion")
			return nil
		}
	}

	config, err := LoadConfig(filepath.Join(dir, DefaultConfigFilename))
	if err != nil {
		return fmt.Errorf("failed to load config file in %q: %w", dir, err)
	}

	params, err := loadTorchParams(filepath.Join(dir, DefaultPyModelFilename))
	if err != nil {
		return err
	}

	c := &converter{net: &Net{Config: config}, params: params}
	if err := c.run(); err != nil {
		return fmt.Errorf("model conversion failed: %w", err)
	}
	return Dump(c.net, outFilename)
}

type converter struct {
	net    *Net
	params paramsMap
}

func (c *converter) run() error {
	for _, fn := range []func() error{
		c.convEmbeddings,
		c.convLinear,
		c.convRootLayerNorm,
		c.convLayers,
	} {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func (c *converter) convEmbeddings() error {
	t, err := c.params.fetch("emb.weight")
	if err != nil {
		return err
	}
	if len(t.Size) != 2 {
		return fmt.Errorf("expected 2-dimensional embeddings, actual %d", len(t.Size))
	}
	data, err := tensorData(t)
	if err != nil {
		return err
	}

	rows, cols := t.Size[0], t.Size[1]
	if vs := c.net.Config.VocabSize; vs == 0 {
		c.net.Config.VocabSize = rows
	} else if vs != rows {
		return fmt.Errorf("expected embedding vectors to match vocabulary size %d, actual %d", vs, rows)
	}
	if dm := c.net.Config.DModel; dm == 0 {
		c.net.Config.DModel = cols
	} else if dm != cols {
		return fmt.Errorf("expected embedding vectors to match configured size %d, actual %d", dm, cols)
	}

	embs := embedding.New[float32](c.net.Config.VocabSize, c.net.Config.DModel)
	for i := 0; i < rows; i++ {
		vec := mat.NewDense[float32](mat.WithBacking(data[i*cols : (i+1)*cols]))
		embs.Weights[i].ReplaceValue(vec)
	}
	c.net.Embeddings = embs
	return nil
}

func (c *converter) convLinear() error {
	m, err := c.fetchMatrix("head.weight", c.net.Config.VocabSize, c.net.Config.DModel)
	if err != nil {
		return fmt.Errorf("failed to convert head-weight/linear: %w", err)
	}
	c.net.Linear = nn.NewParam(m)
	return nil
}

func (c *converter) convRootLayerNorm() (err error) {
	c.net.LN, err = c.convLayerNorm("ln_out", c.params)
	if err != nil {
		err = fmt.Errorf("failed to convert layer-norm: %w", err)
	}
	return
}

func (c *converter) convLayers() error {
	layerParams := c.params.fetchPrefixed("blocks.")
	numLayers, err := countLayers(layerParams)
	if err != nil {
		return err
	}
	if numLayers == 0 {
		return fmt.Errorf("no blocks/layers found in parameters")
	}
	if hl := c.net.Config.NumHiddenLayers; hl == 0 {
		c.net.Config.NumHiddenLayers = numLayers
	} else if hl != numLayers {
		return fmt.Errorf("expected %d blocks/layers, actual %d", hl, numLayers)
	}

	conf := rwkv.Config{
		DModel:       c.net.Config.DModel,
		NumLayers:    c.net.Config.NumHiddenLayers,
		RescaleLayer: c.net.Config.RescaleLayer,
	}

	layers := make([]*rwkv.Layer, numLayers)
	for i := range layers {
		layers[i], err = c.convLayer(i, conf, layerParams.fetchPrefixed(fmt.Sprintf("%d.", i)))
		if err != nil {
			return fmt.Errorf("failed to convert block/layer %d: %w", i, err)
		}
	}

	c.net.Encoder = &rwkv.Model{Config: conf, Layers: layers}
	return nil
}

func (c *converter) convLayer(id int, conf rwkv.Config, params paramsMap) (_ *rwkv.Layer, err error) {
	layer := &rwkv.Layer{}

	if layer.ChanMix, err = c.convChanMix(id, params.fetchPrefixed("ffn.")); err != nil {
		return nil, fmt.Errorf("failed to convert ffn/channel-mix: %w", err)
	}
	if layer.TimeMix, err = c.convTimeMix(id, conf, params.fetchPrefixed("att.")); err != nil {
		return nil, fmt.Errorf("failed to convert att/time-mix: %w", err)
	}
	if id == 0 {
		if layer.LN0, err = c.convLayerNorm("ln0", params); err != nil {
			return nil, fmt.Errorf("failed to convert layer-norm 0: %w", err)
		}
	}
	if layer.LN1, err = c.convLayerNorm("ln1", params); err != nil {
		return nil, fmt.Errorf("failed to convert layer-norm 1: %w", err)
	}
	if layer.LN2, err = c.convLayerNorm("ln2", params); err != nil {
		return nil, fmt.Errorf("failed to convert layer-norm 2: %w", err)
	}
	return layer, nil
}

func (c *converter) convChanMix(id int, params paramsMap) (*rwkv.ChannelMix, error) {
	dm := c.net.Config.DModel
	outScale := math.Pow(2, float64(id/c.net.Config.RescaleLayer))

	key, err := c.fetchMatrix("key.weight", dm*4, dm, params)
	if err != nil {
		return nil, err
	}
	receptance, err := c.fetchMatrix("receptance.weight", dm, dm, params)
	if err != nil {
		return nil, err
	}
	value, err := c.fetchMatrix("value.weight", dm, dm*4, params)
	if err != nil {
		return nil, err
	}
	if outScale != 1 {
		value.ProdScalarInPlace(1 / outScale)
	}
	tmk, err := c.fetchVector("time_mix_k", dm, params)
	if err != nil {
		return nil, err
	}
	tmr, err := c.fetchVector("time_mix_r", dm, params)
	if err != nil {
		return nil, err
	}

	return &rwkv.ChannelMix{
		Key:        nn.NewParam(key),
		Value:      nn.NewParam(value),
		Receptance: nn.NewParam(receptance),
		TimeMixK:   nn.NewParam(tmk),
		TimeMixR:   nn.NewParam(tmr),
	}, nil
}

func (c *converter) convTimeMix(id int, conf rwkv.Config, params paramsMap) (*rwkv.TimeMix, error) {
	dm := c.net.Config.DModel
	outScale := math.Pow(2, float64(id/c.net.Config.RescaleLayer))

	key, err := c.fetchMatrix("key.weight", dm, dm, params)
	if err != nil {
		return nil, err
	}
	receptance, err := c.fetchMatrix("receptance.weight", dm, dm, params)
	if err != nil {
		return nil, err
	}
	output, err := c.fetchMatrix("output.weight", dm, dm, params)
	if err != nil {
		return nil, err
	}
	if outScale != 1 {
		output.ProdScalarInPlace(1 / outScale)
	}
	value, err := c.fetchMatrix("value.weight", dm, dm, params)
	if err != nil {
		return nil, err
	}
	tDecay, err := c.fetchVector("time_decay", dm, params)
	if err != nil {
		return nil, err
	}
	tDecay = tDecay.Exp().ProdScalarInPlace(-1)
	tFirst, err := c.fetchVector("time_first", dm, params)
	if err != nil {
		return nil, err
	}
	tmk, err := c.fetchVector("time_mix_k", dm, params)
	if err != nil {
		return nil, err
	}
	tmr, err := c.fetchVector("time_mix_r", dm, params)
	if err != nil {
		return nil, err
	}
	tmv, err := c.fetchVector("time_mix_v", dm, params)
	if err != nil {
		return nil, err
	}

	return &rwkv.TimeMix{
		Config:     conf,
		Key:        nn.NewParam(key),
		Value:      nn.NewParam(value),
		Receptance: nn.NewParam(receptance),
		Output:     nn.NewParam(output),
		TimeDecay:  nn.NewParam(tDecay),
		TimeFirst:  nn.NewParam(tFirst),
		TimeMixK:   nn.NewParam(tmk),
		TimeMixV:   nn.NewParam(tmv),
		TimeMixR:   nn.NewParam(tmr),
	}, nil
}

func (c *converter) convLayerNorm(name string, params paramsMap) (*layernorm.Model, error) {
	dm := c.net.Config.DModel
	w, err := c.fetchVector(name+".weight", dm, params)
	if err != nil {
		return nil, fmt.Errorf("failed to convert layer-norm weight: %w", err)
	}
	b, err := c.fetchVector(name+".bias", dm, params)
	if err != nil {
		return nil, fmt.Errorf("failed to convert layer-norm bias: %w", err)
	}
	return &layernorm.Model{
		W:   nn.NewParam(w),
		B:   nn.NewParam(b),
		Eps: nn.Buf(mat.Scalar(float32(convLayerNormEps))),
	}, nil
}

// fetchMatrix reads a named 2-dimensional parameter, checking its shape.
// It reads from the given params map, or from the converter's root map
// when none is given.
func (c *converter) fetchMatrix(name string, rows, cols int, from ...paramsMap) (mat.Matrix, error) {
	params := c.params
	if len(from) > 0 {
		params = from[0]
	}
	t, err := params.fetch(name)
	if err != nil {
		return nil, err
	}
	if len(t.Size) != 2 {
		return nil, fmt.Errorf("parameter %q: expected 2 dimensions, actual %d", name, len(t.Size))
	}
	data, err := tensorData(t)
	if err != nil {
		return nil, err
	}
	if t.Size[0] != rows || t.Size[1] != cols {
		return nil, fmt.Errorf("parameter %q: expected matrix size %dx%d, actual %dx%d",
			name, rows, cols, t.Size[0], t.Size[1])
	}
	return mat.NewDense[float32](mat.WithShape(rows, cols), mat.WithBacking(data)), nil
}

// fetchVector reads a named parameter as a squeezed vector of the
// expected size.
func (c *converter) fetchVector(name string, size int, from paramsMap) (mat.Matrix, error) {
	t, err := from.fetch(name)
	if err != nil {
		return nil, err
	}
	data, err := tensorData(t)
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, fmt.Errorf("parameter %q: expected vector size %d, actual %d", name, size, len(data))
	}
	return mat.NewDense[float32](mat.WithBacking(data)), nil
}

func loadTorchParams(filename string) (paramsMap, error) {
	torchModel, err := pytorch.Load(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load torch model %q: %w", filename, err)
	}
	od, ok := torchModel.(*types.OrderedDict)
	if !ok {
		return nil, fmt.Errorf("expected *types.OrderedDict, actual %T", torchModel)
	}

	params := make(paramsMap, od.Len())
	for k, item := range od.Map {
		name, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("wrong param name type %T", k)
		}
		tensor, ok := item.Value.(*pytorch.Tensor)
		if !ok {
			return nil, fmt.Errorf("wrong value type %T for param %q", item.Value, name)
		}
		params[name] = tensor
	}
	return params, nil
}

func tensorData(t *pytorch.Tensor) ([]float32, error) {
	st, ok := t.Source.(*pytorch.BFloat16Storage)
	if !ok {
		return nil, fmt.Errorf("only BFloat16Storage is supported, actual %T", t.Source)
	}
	size := t.Size[0]
	for _, v := range t.Size[1:] {
		size *= v
	}
	return st.Data[t.StorageOffset : t.StorageOffset+size], nil
}

func countLayers(params paramsMap) (int, error) {
	max := 0
	for k := range params {
		before, _, ok := strings.Cut(k, ".")
		if !ok {
			return 0, fmt.Errorf("block/layer parameter names expected to start with number, actual name %q", k)
		}
		num, err := strconv.Atoi(before)
		if err != nil {
			return 0, fmt.Errorf("block/layer parameter names expected to start with number, actual name %q: %w", k, err)
		}
		if num > max {
			max = num
		}
	}
	return max + 1, nil
}

type paramsMap map[string]*pytorch.Tensor

// fetch gets a tensor by name, removing the entry from the map.
func (p paramsMap) fetch(name string) (*pytorch.Tensor, error) {
	t, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("parameter %q not found", name)
	}
	delete(p, name)
	return t, nil
}

func (p paramsMap) fetchPrefixed(prefix string) paramsMap {
	out := make(paramsMap, len(p))
	for k, v := range p {
		if after, ok := strings.CutPrefix(k, prefix); ok {
			out[after] = v
			delete(p, k)
		}
	}
	return out
}
