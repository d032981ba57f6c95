// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package beamscore

import (
	"fmt"
	"os"

	"github.com/nlpodyssey/beamscore/scorer"
	"gopkg.in/yaml.v3"
)

// Options is the configuration surface of an ensemble.
type Options struct {
	// Models is the ordered list of model artifact directories.
	Models []string `yaml:"models"`
	// Weights is an optional list parallel to Models; when empty every
	// scorer gets weight 1.
	Weights []float64 `yaml:"weights"`
	// DimVocabs lists vocabulary dimensions per vocabulary; the last entry
	// is the dimension scorers operate on.
	DimVocabs []int `yaml:"dim_vocabs"`
	// Inputs names the configured input streams. A model of type "lm" is
	// designated as the indexed scorer when inputs are configured.
	Inputs []string `yaml:"inputs"`
	// WordPenalty, when non-zero, appends a static word penalty with the
	// given weight.
	WordPenalty float64 `yaml:"word_penalty"`
	// UnseenWordPenalty, when non-zero, appends a source-coverage penalty
	// with the given weight.
	UnseenWordPenalty float64 `yaml:"unseen_word_penalty"`
	// PaddingID is the vocabulary id exempted from the word penalty.
	PaddingID int `yaml:"pad_id"`
	// EndOfSequenceID is the vocabulary id exempted from both penalties.
	// When absent the default applies; an explicit 0 is honored.
	EndOfSequenceID *int `yaml:"eos_id"`
	// ModelType is the fallback model type used when an artifact embeds no
	// settings (default "lm").
	ModelType string `yaml:"model_type"`
}

// LoadOptions reads an ensemble configuration from a YAML file.
func LoadOptions(filePath string) (Options, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Options{}, fmt.Errorf("%w: %v", scorer.ErrConfiguration, err)
	}
	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("%w: %v", scorer.ErrConfiguration, err)
	}
	return opts, nil
}

func (o Options) modelType() string {
	if o.ModelType == "" {
		return "lm"
	}
	return o.ModelType
}

func (o Options) eosID() int {
	if o.EndOfSequenceID == nil {
		return scorer.DefaultEndOfSequenceID
	}
	return *o.EndOfSequenceID
}
