// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nlpodyssey/beamscore"
	"github.com/nlpodyssey/beamscore/corpus"
	"github.com/nlpodyssey/beamscore/downloader"
	"github.com/nlpodyssey/beamscore/lm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	app := &cli.App{
		Name:  "beamscore",
		Usage: "Operate ensembles of scorers for beam-search decoding",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "set log level (trace, debug, info, warn, error, fatal, panic)",
				Action: func(c *cli.Context, s string) error {
					return setLogLevel(s)
				},
				Value:   "info",
				EnvVars: []string{"BEAMSCORE_LOGLEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "download",
				Usage: "Download model artifacts to directory",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "model-dir",
						Usage:    "directory of the model to operate on",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					if err := download(c.String("model-dir")); err != nil {
						log.Err(err).Send()
					}
					return nil
				},
			},
			{
				Name:  "convert",
				Usage: "Convert a torch checkpoint in directory to the native format",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "model-dir",
						Usage:    "directory of the model to operate on",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "overwrite",
						Usage: "overwrite an existing native model file",
					},
				},
				Action: func(c *cli.Context) error {
					if err := lm.ConvertPyTorchModel(c.String("model-dir"), c.Bool("overwrite")); err != nil {
						log.Fatal().Err(err).Send()
					}
					return nil
				},
			},
			{
				Name:  "inspect",
				Usage: "Build an ensemble from a configuration file and report its scorers",
				Flags: []cli.Flag{configFlag()},
				Action: func(c *cli.Context) error {
					if err := inspect(c.String("config")); err != nil {
						log.Fatal().Err(err).Send()
					}
					return nil
				},
			},
			{
				Name:  "rescore",
				Usage: "Rescore an n-best list with the ensemble",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:     "source",
						Usage:    "file with one source sentence of space-separated token ids per line",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "nbest",
						Usage:    "n-best file with lines '<sentence index> ||| <token ids>'",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					if err := rescore(c.String("config"), c.String("source"), c.String("nbest")); err != nil {
						log.Fatal().Err(err).Send()
					}
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "config",
		Usage:    "ensemble configuration file (YAML)",
		Required: true,
	}
}

func setLogLevel(level string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	log.Logger = log.Level(parsed)
	return nil
}

func download(modelDir string) error {
	dir, name := splitPathAndModelName(modelDir)
	if name == "" {
		return fmt.Errorf("invalid model directory %q: expected <path>/<org>/<model>", modelDir)
	}
	return downloader.Download(dir, name, false, "")
}

// splitPathAndModelName separates "<path>/<org>/<model>" into the base
// path and the "org/model" Hugging Face identifier.
func splitPathAndModelName(modelDir string) (string, string) {
	parent := filepath.Dir(modelDir)
	base := filepath.Dir(parent)
	if base == "." || base == parent {
		return "", ""
	}
	name, err := filepath.Rel(base, modelDir)
	if err != nil {
		return "", ""
	}
	return base, name
}

func inspect(configPath string) error {
	opts, err := beamscore.LoadOptions(configPath)
	if err != nil {
		return err
	}
	ensemble, err := beamscore.New(opts)
	if err != nil {
		return err
	}
	if err := ensemble.Init(); err != nil {
		return err
	}
	for _, s := range ensemble.Scorers() {
		log.Info().Msgf("scorer %s: weight %.4f", s.Name(), s.Weight())
	}
	return nil
}

func rescore(configPath, sourcePath, nbestPath string) error {
	opts, err := beamscore.LoadOptions(configPath)
	if err != nil {
		return err
	}
	ensemble, err := beamscore.New(opts)
	if err != nil {
		return err
	}
	if err := ensemble.Init(); err != nil {
		return err
	}

	sources, err := readTokenIDLines(sourcePath)
	if err != nil {
		return err
	}

	f, err := os.Open(nbestPath)
	if err != nil {
		return err
	}
	defer f.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		idx, candidate, err := parseNBestLine(line)
		if err != nil {
			return err
		}
		if idx < 0 || idx >= len(sources) {
			return fmt.Errorf("n-best sentence index %d out of range [0,%d)", idx, len(sources))
		}

		batch := corpus.NewBatch(corpus.NewStream(sources[idx]))
		scores, err := ensemble.Rescore(batch, candidate)
		if err != nil {
			return err
		}

		var sb strings.Builder
		total := 0.0
		for _, s := range scores {
			fmt.Fprintf(&sb, " %s= %.6f", s.Name, s.Score)
			total += s.Weight * s.Score
		}
		fmt.Fprintf(out, "%s |||%s ||| %.6f\n", line, sb.String(), total)
	}
	return scanner.Err()
}

func readTokenIDLines(path string) ([]corpus.Sentence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sentences []corpus.Sentence
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		sentence, err := parseTokenIDs(scanner.Text())
		if err != nil {
			return nil, err
		}
		sentences = append(sentences, sentence)
	}
	return sentences, scanner.Err()
}

func parseNBestLine(line string) (int, corpus.Sentence, error) {
	idxPart, tokensPart, found := strings.Cut(line, "|||")
	if !found {
		return 0, nil, fmt.Errorf("malformed n-best line %q", line)
	}
	idx, err := strconv.Atoi(strings.TrimSpace(idxPart))
	if err != nil {
		return 0, nil, fmt.Errorf("malformed n-best sentence index in %q: %w", line, err)
	}
	candidate, err := parseTokenIDs(tokensPart)
	if err != nil {
		return 0, nil, err
	}
	return idx, candidate, nil
}

func parseTokenIDs(s string) (corpus.Sentence, error) {
	var sentence corpus.Sentence
	for _, field := range strings.Fields(s) {
		id, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", field, err)
		}
		sentence = append(sentence, id)
	}
	return sentence, nil
}
