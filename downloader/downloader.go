// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package downloader fetches model artifacts for ensemble scorers from
// Hugging Face repositories.
package downloader

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Artifact URL, in the format:
// "https://huggingface.co/{model_id}/resolve/{revision}/{filename}"
const (
	huggingFaceCoPrefix = "https://huggingface.co/%s/resolve/%s/%s"
	defaultRevision     = "main"
)

// artifactFiles is the set of files one ensemble model needs: the
// embedded settings and the torch checkpoint to convert.
var artifactFiles = []string{
	"config.json", "pytorch_model.pt",
}

// Download fetches the artifact files of a model into
// modelsDir/modelName, creating directories as needed (0755).
//
// With overwriteIfExist false, a file that already exists is kept and
// considered successfully downloaded; with true it is fetched again.
func Download(modelsDir, modelName string, overwriteIfExist bool, accessToken string) error {
	d := downloader{
		modelPath:        filepath.Join(modelsDir, modelName),
		modelName:        modelName,
		overwriteIfExist: overwriteIfExist,
		accessToken:      accessToken,
	}
	if err := d.ensureModelPath(); err != nil {
		return err
	}
	for _, filename := range artifactFiles {
		if err := d.downloadFile(filename); err != nil {
			return err
		}
	}
	return nil
}

type downloader struct {
	modelPath        string
	modelName        string
	accessToken      string
	overwriteIfExist bool
}

func (d downloader) ensureModelPath() error {
	if info, err := os.Stat(d.modelPath); err == nil && info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(d.modelPath, 0755); err != nil {
		return fmt.Errorf("error creating model path %#v: %w", d.modelPath, err)
	}
	return nil
}

func (d downloader) downloadFile(name string) (err error) {
	fPath := filepath.Join(d.modelPath, name)
	if info, err := os.Stat(fPath); !d.overwriteIfExist && err == nil && !info.IsDir() {
		log.Debug().Str("file", fPath).Msg("artifact file already exists, skipping download")
		return nil
	}

	url := fmt.Sprintf(huggingFaceCoPrefix, d.modelName, defaultRevision, name)
	log.Debug().Str("url", url).Str("destination", fPath).Msg("downloading")

	f, err := os.Create(fPath)
	if err != nil {
		return fmt.Errorf("error creating file %#v: %w", fPath, err)
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = fmt.Errorf("error closing file %#v: %w", fPath, e)
		}
	}()

	resp, err := d.httpGet(url)
	if err != nil {
		return fmt.Errorf("error getting %#v: %w", url, err)
	}
	defer func() {
		if e := resp.Body.Close(); e != nil && err == nil {
			err = fmt.Errorf("error closing %#v response body: %w", url, e)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%#v responded with %s", url, resp.Status)
	}

	if _, err = io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("error downloading %#v to %#v: %w", url, fPath, err)
	}
	return nil
}

func (d downloader) httpGet(url string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	if d.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.accessToken)
	}
	return http.DefaultClient.Do(req)
}
