// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package corpus defines the read-only input batch consumed by scorers.
package corpus

// Sentence is one tokenized sequence, expressed as vocabulary ids.
type Sentence []int

// Stream groups the parallel sentences of one input stream.
type Stream struct {
	Sentences []Sentence
}

// NewStream returns a stream over the given sentences.
func NewStream(sentences ...Sentence) *Stream {
	return &Stream{Sentences: sentences}
}

// Indices returns every vocabulary id occurring in the stream, in order
// of appearance. Ids may repeat.
func (s *Stream) Indices() []int {
	var ids []int
	for _, sentence := range s.Sentences {
		ids = append(ids, sentence...)
	}
	return ids
}

// Batch is a set of parallel input streams. It is read-only for scorers:
// they may inspect it to seed batch-derived heuristics but never modify it.
type Batch struct {
	streams []*Stream
}

// NewBatch returns a batch over the given streams.
func NewBatch(streams ...*Stream) *Batch {
	return &Batch{streams: streams}
}

// Streams returns the number of input streams.
func (b *Batch) Streams() int {
	return len(b.streams)
}

// Stream returns the i-th input stream.
func (b *Batch) Stream(i int) *Stream {
	return b.streams[i]
}

// Size returns the number of parallel sentences in the batch, taken from
// the first stream.
func (b *Batch) Size() int {
	if len(b.streams) == 0 {
		return 0
	}
	return len(b.streams[0].Sentences)
}
