// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scorer

import (
	"github.com/nlpodyssey/beamscore/corpus"
	"github.com/nlpodyssey/spago/mat"
)

// State is the opaque per-scorer decoding state. It is produced once per
// batch by StartState and replaced, never mutated, by every Step.
type State interface {
	// Distribution returns the current step's score vector, indexed by
	// vocabulary id. Readers must not modify it.
	Distribution() mat.Matrix

	// Breakdown returns the scalar contribution of a single vocabulary id,
	// used for post-hoc n-best rescoring and explanation. States backed by
	// a fixed-size vector that is logically repeated per position index
	// modulo the vector's size.
	Breakdown(i int) float64

	// Blacklist lets the state suppress vocabulary ids from the accumulated
	// beam costs before selection. Most states do nothing.
	Blacklist(totalCosts mat.Matrix, batch *corpus.Batch)
}

// DecoderState is the recurrent-state view exposed by an encoder-decoder
// collaborator. The core never inspects its internals.
type DecoderState interface {
	Distribution() mat.Matrix
	Blacklist(totalCosts mat.Matrix, batch *corpus.Batch)
}
