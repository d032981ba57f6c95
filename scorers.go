// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package beamscore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nlpodyssey/beamscore/lm"
	"github.com/nlpodyssey/beamscore/scorer"
	"github.com/rs/zerolog/log"
)

// ModelOptions describe one model of the ensemble to its builder.
type ModelOptions struct {
	// Type is the model kind, from the artifact settings or the fallback.
	Type string
	// VocabSize is the model's vocabulary dimension.
	VocabSize int
	// Index is the batch stream an indexed scorer is conditioned on.
	Index int
	// Path is the model artifact directory.
	Path string
}

// ModelBuilder constructs an encoder-decoder collaborator for one model
// type.
type ModelBuilder func(opts ModelOptions) (scorer.EncoderDecoder, error)

var modelBuilders = map[string]ModelBuilder{}

// RegisterModel makes a model type available to ensemble construction.
// New collaborator kinds register here without touching the factory.
func RegisterModel(modelType string, builder ModelBuilder) {
	modelBuilders[modelType] = builder
}

func init() {
	RegisterModel("lm", func(opts ModelOptions) (scorer.EncoderDecoder, error) {
		return lm.New(lm.Options{Index: opts.Index}), nil
	})
}

// modelSettings are the auxiliary settings a model artifact may embed.
type modelSettings struct {
	Type      string `json:"type"`
	VocabSize int    `json:"vocab_size"`
}

func loadModelSettings(dir string) (modelSettings, error) {
	file, err := os.Open(filepath.Join(dir, lm.DefaultConfigFilename))
	if err != nil {
		return modelSettings{}, fmt.Errorf("%w: %v", scorer.ErrSettingsNotFound, err)
	}
	defer file.Close()

	var settings modelSettings
	if err := json.NewDecoder(file).Decode(&settings); err != nil {
		return modelSettings{}, fmt.Errorf("%w: %v", scorer.ErrSettingsNotFound, err)
	}
	return settings, nil
}

// newScorers builds the weighted scorer collection: one model scorer per
// configured artifact, named by ordinal position, plus the optional
// penalty scorers.
func newScorers(opts Options) ([]scorer.Scorer, error) {
	if len(opts.Models) == 0 {
		return nil, fmt.Errorf("%w: no models configured", scorer.ErrConfiguration)
	}
	if len(opts.DimVocabs) == 0 {
		return nil, fmt.Errorf("%w: no vocabulary dimensions configured", scorer.ErrConfiguration)
	}
	dimVocab := opts.DimVocabs[len(opts.DimVocabs)-1]

	weights := opts.Weights
	if len(weights) == 0 {
		weights = make([]float64, len(opts.Models))
		for i := range weights {
			weights[i] = 1
		}
	} else if len(weights) != len(opts.Models) {
		return nil, fmt.Errorf("%w: %d models vs %d weights",
			scorer.ErrConfiguration, len(opts.Models), len(weights))
	}

	scorers := make([]scorer.Scorer, 0, len(opts.Models)+2)
	for i, path := range opts.Models {
		name := fmt.Sprintf("F%d", i)

		settings, err := loadModelSettings(path)
		if err != nil {
			log.Warn().Msgf("no model settings found in model file %q", path)
			settings = modelSettings{}
		}
		if settings.Type == "" {
			settings.Type = opts.modelType()
		}
		if settings.VocabSize == 0 {
			settings.VocabSize = dimVocab
		}

		index := 0
		if settings.Type == "lm" && len(opts.Inputs) > 0 {
			index = len(opts.Inputs)
		}

		build, ok := modelBuilders[settings.Type]
		if !ok {
			return nil, fmt.Errorf("%w: unknown model type %q for %q",
				scorer.ErrConfiguration, settings.Type, path)
		}
		model, err := build(ModelOptions{
			Type:      settings.Type,
			VocabSize: settings.VocabSize,
			Index:     index,
			Path:      path,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build model %q: %w", path, err)
		}

		log.Info().Msgf("loading scorer of type %q as feature %s", settings.Type, name)
		scorers = append(scorers, scorer.NewModelScorer(model, name, weights[i], path))
	}

	if opts.WordPenalty != 0 {
		scorers = append(scorers,
			scorer.NewWordPenalty("WP", opts.WordPenalty, dimVocab, opts.PaddingID, opts.eosID()))
	}
	if opts.UnseenWordPenalty != 0 {
		scorers = append(scorers,
			scorer.NewUnseenWordPenalty("UWP", opts.UnseenWordPenalty, dimVocab, 0, opts.eosID()))
	}

	return scorers, nil
}
