// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"encoding/json"

	"github.com/gomlx/gradestim/pkg/ml/quantize"
	"github.com/pkg/errors"
)

// saveCodecStates returns a JSON object with the state of every codec that implements quantize.Stateful,
// keyed by the given names. Stateless codecs are omitted.
func saveCodecStates(codecs map[string]quantize.Codec) ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(codecs))
	for key, codec := range codecs {
		stateful, ok := codec.(quantize.Stateful)
		if !ok {
			continue
		}
		codecState, err := stateful.State()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to save state of %q", key)
		}
		fields[key] = codecState
	}
	return json.Marshal(fields)
}

// loadCodecStates restores the codec states saved by saveCodecStates. Codecs without a saved state are left
// untouched, and a saved state for a codec that is not stateful (or is unknown) is an error.
func loadCodecStates(state []byte, codecs map[string]quantize.Codec) error {
	fields, err := parseState(state)
	if err != nil {
		return err
	}
	for key, codecState := range fields {
		codec, found := codecs[key]
		if !found {
			return errors.Errorf("estimator state has unknown field %q", key)
		}
		stateful, ok := codec.(quantize.Stateful)
		if !ok {
			return errors.Errorf("estimator state has a state for %q, but its codec %T has no state", key, codec)
		}
		if err = stateful.LoadState(codecState); err != nil {
			return errors.WithMessagef(err, "failed to load state of %q", key)
		}
	}
	return nil
}
