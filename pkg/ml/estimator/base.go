// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradestim/pkg/ml/datasets"
	"github.com/gomlx/gradestim/pkg/ml/gradients"
	"github.com/gomlx/gradestim/pkg/ml/model"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Base holds the state shared by all estimators: configuration, iteration counter and the two batch
// cursors. It also implements the statistics (see SnapOnlineMean, SnapOnline and MeanVarianceSNR).
//
// Base implements GradEstimator, but its Grad always fails with ErrNotImplemented.
type Base struct {
	cfg  Config
	kind Kind
	id   string

	niters int

	// trainCursor and estimCursor are independent cursors over the same data. active is the one Grad
	// draws from: trainCursor, except during GradEstim.
	trainCursor, estimCursor, active *datasets.Infinite

	// snapshot is the model copy kept by SnapModel.
	snapshot model.Model
}

var _ GradEstimator = (*Base)(nil)

// NewBase creates the base estimator. It validates cfg, uses train as the training stream and a clone of it
// as the estimation stream.
func NewBase(kind Kind, train datasets.Dataset, cfg Config) (*Base, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid configuration for %s estimator", kind)
	}
	if train == nil {
		return nil, errors.Errorf("%s estimator requires a training dataset", kind)
	}
	estim, err := datasets.Clone(train)
	if err != nil {
		return nil, err
	}
	b := &Base{
		cfg:         cfg,
		kind:        kind,
		id:          uuid.NewString(),
		estimCursor: datasets.NewInfinite(estim),
		trainCursor: datasets.NewInfinite(train),
	}
	b.active = b.trainCursor
	klog.V(1).Infof("%s: created with %s", b, cfg)
	return b, nil
}

// String implements fmt.Stringer.
func (b *Base) String() string {
	return fmt.Sprintf("<Estimator kind=%s id=%s>", b.kind, b.id)
}

// Core implements GradEstimator.
func (b *Base) Core() *Base { return b }

// Config returns the configuration of the estimator.
func (b *Base) Config() Config { return b.cfg }

// Kind returns the accumulation strategy of the estimator.
func (b *Base) Kind() Kind { return b.kind }

// UpdateNIters sets the current training iteration. It's externally driven by the training loop.
func (b *Base) UpdateNIters(niters int) {
	b.niters = niters
}

// NIters returns the last value set with UpdateNIters.
func (b *Base) NIters() int { return b.niters }

// TrainingCursor returns the cursor of the training stream.
func (b *Base) TrainingCursor() *datasets.Infinite { return b.trainCursor }

// EstimationCursor returns the cursor of the estimation stream.
func (b *Base) EstimationCursor() *datasets.Infinite { return b.estimCursor }

// Grad implements GradEstimator. The base estimator has no accumulation strategy: it always returns
// an error wrapping ErrNotImplemented.
func (b *Base) Grad(_ model.Model, _ bool) (Result, error) {
	return Result{}, errors.Wrapf(ErrNotImplemented, "%s: Grad", b)
}

// State implements GradEstimator. The base estimator has no persisted fields.
func (b *Base) State() ([]byte, error) {
	return []byte("{}"), nil
}

// LoadState implements GradEstimator. It only checks that state is a JSON object.
func (b *Base) LoadState(state []byte) error {
	_, err := parseState(state)
	return err
}

// nextBatch draws the next batch from the active stream.
func (b *Base) nextBatch() (datasets.Batch, error) {
	return b.active.Next()
}

// rawGradient clears the gradients of m and returns the gradient of its loss on the next batch of the
// estimation stream.
func (b *Base) rawGradient(m model.Model) (gradients.Gradient, error) {
	batch, err := b.estimCursor.Next()
	if err != nil {
		return nil, err
	}
	m.ZeroGrad()
	_, g, err := m.Gradient(batch)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: failed to compute raw gradient", b)
	}
	return g, nil
}

// GradEstim calls e.Grad (not in place) with the estimation stream as the active stream, and restores the
// training stream afterward, also if e.Grad fails or panics.
func GradEstim(e GradEstimator, m model.Model) (Result, error) {
	b := e.Core()
	saved := b.active
	b.active = b.estimCursor
	defer func() { b.active = saved }()
	return e.Grad(m, false)
}

// SnapModel keeps a copy of the weights of m: the first call creates a deep copy of the model, the
// following ones copy the current weights into it.
func (b *Base) SnapModel(m model.Model) error {
	klog.V(1).Infof("%s: snap model with %s parameter values", b, humanize.Comma(int64(model.NumElements(m))))
	if b.snapshot == nil {
		snapshot, err := m.Clone(m.Device())
		if err != nil {
			return errors.WithMessagef(err, "%s: SnapModel failed to clone model", b)
		}
		b.snapshot = snapshot
		return nil
	}
	return model.CopyWeights(b.snapshot, m)
}

// Snapshot returns the model copy kept by SnapModel, or nil if SnapModel was never called.
func (b *Base) Snapshot() model.Model { return b.snapshot }

// runRound runs one estimator round, converting panics that carry an error (e.g. shape mismatches in the
// tensor arithmetic) into returned errors.
func (b *Base) runRound(round func() (Result, error)) (Result, error) {
	var result Result
	var roundErr error
	err := exceptions.TryCatch[error](func() { result, roundErr = round() })
	if err == nil {
		err = roundErr
	}
	if err != nil {
		return Result{}, errors.WithMessagef(err, "%s: Grad failed", b)
	}
	return result, nil
}

// parseState parses a state blob into its fields.
func parseState(state []byte) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(state, &fields); err != nil {
		return nil, errors.Wrap(err, "invalid estimator state, it must be a JSON object")
	}
	return fields, nil
}
