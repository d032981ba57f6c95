// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package graph provides the shared computation context used by an
// ensemble of scorers. Several models can coexist in one Graph, each
// isolated in its own parameter namespace; callers must switch to a
// scorer's namespace before any state-mutating call on its behalf.
package graph

import (
	"github.com/nlpodyssey/spago/mat"
	"github.com/rs/zerolog/log"
)

// Graph is a shared computation context with named parameter namespaces.
// It is not safe for concurrent use of the same namespace; exclusivity
// is a caller responsibility.
type Graph struct {
	namespaces map[string]*namespace
	current    *namespace
}

// namespace holds the scratch values created while it was active.
type namespace struct {
	name      string
	constants []mat.Matrix
}

// New returns an empty Graph with the root namespace selected.
func New() *Graph {
	g := &Graph{namespaces: make(map[string]*namespace)}
	g.SwitchParams("")
	return g
}

// SwitchParams selects the parameter namespace with the given name,
// creating it on first use.
func (g *Graph) SwitchParams(name string) {
	ns, ok := g.namespaces[name]
	if !ok {
		ns = &namespace{name: name}
		g.namespaces[name] = ns
		log.Trace().Msgf("created parameter namespace %q", name)
	}
	g.current = ns
}

// Namespace returns the name of the currently selected namespace.
func (g *Graph) Namespace() string {
	return g.current.name
}

// Constant builds an immutable score vector tracked by the current
// namespace. The returned matrix must not be modified.
func (g *Graph) Constant(values []float64) mat.Matrix {
	m := mat.NewDense[float64](mat.WithBacking(values))
	g.current.constants = append(g.current.constants, m)
	return m
}

// NumConstants reports how many constants the named namespace tracks.
func (g *Graph) NumConstants(name string) int {
	ns, ok := g.namespaces[name]
	if !ok {
		return 0
	}
	return len(ns.constants)
}

// Clear releases the scratch of the currently selected namespace.
// It must be called before reusing the context across batches with
// different vocabulary shapes.
func (g *Graph) Clear() {
	log.Trace().Msgf("clearing parameter namespace %q", g.current.name)
	g.current.constants = nil
}
