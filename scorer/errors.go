// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scorer

import "errors"

var (
	// ErrConfiguration reports a malformed ensemble configuration, such as
	// mismatched model/weight lists or indices outside the beam. It is fatal.
	ErrConfiguration = errors.New("invalid ensemble configuration")

	// ErrArtifactLoad reports a model artifact missing required parameters.
	// It is fatal for the owning scorer's Init and aborts ensemble
	// construction.
	ErrArtifactLoad = errors.New("model artifact load failed")

	// ErrSettingsNotFound reports that a model artifact embeds no auxiliary
	// settings. It is advisory: callers log a warning and proceed with
	// externally supplied settings.
	ErrSettingsNotFound = errors.New("no model settings found in model file")

	// ErrNonFiniteScore reports a NaN or infinite value in a score
	// distribution. Retrying a deterministic forward computation cannot
	// change the outcome, so the decoding run is aborted.
	ErrNonFiniteScore = errors.New("non-finite score distribution")
)
