// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package corpus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamIndices(t *testing.T) {
	s := NewStream(Sentence{1, 3, 1}, Sentence{5})
	assert.Equal(t, []int{1, 3, 1, 5}, s.Indices())

	assert.Nil(t, NewStream().Indices())
}

func TestBatch(t *testing.T) {
	src := NewStream(Sentence{1, 2}, Sentence{3})
	ctx := NewStream(Sentence{4}, Sentence{5})
	b := NewBatch(src, ctx)

	assert.Equal(t, 2, b.Streams())
	assert.Equal(t, 2, b.Size())
	assert.Same(t, ctx, b.Stream(1))

	assert.Equal(t, 0, NewBatch().Size())
}
