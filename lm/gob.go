// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lm

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/nlpodyssey/rwkv"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/normalization/layernorm"
)

// Dump saves the network to a file. The model is written in chunks, one
// recurrent layer at a time, so decoding does not need the whole
// parameter set in flight at once.
func Dump(net *Net, filename string) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to open model dump file %q for writing: %w", filename, err)
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = fmt.Errorf("failed to close model dump file %q: %w", filename, e)
		}
	}()
	if err = gobEncode(net, f); err != nil {
		return fmt.Errorf("failed to encode model dump: %w", err)
	}
	return nil
}

func gobEncode(net *Net, w io.Writer) error {
	bw := bufio.NewWriter(w)
	encoder := gob.NewEncoder(bw)

	chunks := []interface{}{
		net.Config,
		net.Embeddings,
		net.LN,
		net.Linear,
		net.Encoder.Config,
	}
	for _, layer := range net.Encoder.Layers {
		chunks = append(chunks, layer)
	}

	for _, chunk := range chunks {
		if err := encoder.Encode(chunk); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func loadFromFile(filename string) (_ *Net, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return gobDecode(f)
}

func gobDecode(r io.Reader) (*Net, error) {
	net := &Net{
		LN:      &layernorm.Model{},
		Encoder: &rwkv.Model{},
	}

	decoder := gob.NewDecoder(bufio.NewReader(r))

	if err := decoder.Decode(&net.Config); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&net.Embeddings); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&net.LN); err != nil {
		return nil, err
	}
	linear := nn.Param{}
	if err := decoder.Decode(&linear); err != nil {
		return nil, err
	}
	net.Linear = &linear
	if err := decoder.Decode(&net.Encoder.Config); err != nil {
		return nil, err
	}

	net.Encoder.Layers = make([]*rwkv.Layer, net.Config.NumHiddenLayers)
	for i := range net.Encoder.Layers {
		if err := decoder.Decode(&net.Encoder.Layers[i]); err != nil {
			return nil, err
		}
	}

	return net, nil
}
