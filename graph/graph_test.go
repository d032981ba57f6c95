// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwitchParams(t *testing.T) {
	g := New()
	assert.Equal(t, "", g.Namespace())

	g.SwitchParams("F0")
	assert.Equal(t, "F0", g.Namespace())

	g.SwitchParams("F1")
	g.SwitchParams("F0")
	assert.Equal(t, "F0", g.Namespace())
}

func TestConstantsAreTrackedPerNamespace(t *testing.T) {
	g := New()

	g.SwitchParams("F0")
	c := g.Constant([]float64{1, 0, 1})
	require.Equal(t, []float64{1, 0, 1}, c.Data().F64())

	g.SwitchParams("F1")
	g.Constant([]float64{0})
	g.Constant([]float64{0})

	assert.Equal(t, 1, g.NumConstants("F0"))
	assert.Equal(t, 2, g.NumConstants("F1"))
	assert.Equal(t, 0, g.NumConstants("unknown"))
}

func TestClearReleasesOnlyTheCurrentNamespace(t *testing.T) {
	g := New()

	g.SwitchParams("F0")
	g.Constant([]float64{1})
	g.SwitchParams("F1")
	g.Constant([]float64{1})

	g.SwitchParams("F0")
	g.Clear()

	assert.Equal(t, 0, g.NumConstants("F0"))
	assert.Equal(t, 1, g.NumConstants("F1"))
}
