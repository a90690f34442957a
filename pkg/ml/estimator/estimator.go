// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package estimator implements quantized stochastic gradient estimators, and the statistics used to
// measure the noise they introduce.
//
// Every estimator shares a Base, which owns two independent cursors over the training data: the training
// stream and the estimation stream. Grad draws from the active stream, which is the training stream
// except inside GradEstim, where the estimation stream is swapped in. The statistics (SnapOnlineMean,
// SnapOnline, MeanVarianceSNR) only draw from the estimation stream, so they never change the order of the
// training batches.
//
// There are three strategies to accumulate NumReplicas quantized gradient samples, selected by Kind:
//
//   - KindSequential: samples are computed one after the other on one model, quantized, divided by
//     NumReplicas and accumulated.
//   - KindSingleDeviceReplica: NumReplicas copies of the model on the same device each compute one sample;
//     gradients are quantized in place and summed into replica 0. Replica weights are re-synchronized from
//     replica 0 before every round after the first.
//   - KindMultiDeviceReplica: like KindSingleDeviceReplica, but each replica is pinned to its own device,
//     with its own codec. Weights are re-synchronized with a transfer between devices, and gradients are
//     explicitly transferred to replica 0's device before they are summed.
//
// Example:
//
//	cfg := estimator.DefaultConfig()
//	_, err := estimator.ParseSettings(&cfg, "nuq_ngpu=4;nuq_method=nuq")
//	if err != nil { ... }
//	e, err := estimator.New(estimator.KindSequential, trainDS, cfg)
//	if err != nil { ... }
//	for step := range numSteps {
//		e.Core().UpdateNIters(step)
//		result, err := e.Grad(m, true)  // Gradient is stored in m's parameter gradient slots.
//		...
//	}
package estimator

import (
	"fmt"
	"strings"

	"github.com/gomlx/gradestim/pkg/core/devices"
	"github.com/gomlx/gradestim/pkg/ml/datasets"
	"github.com/gomlx/gradestim/pkg/ml/gradients"
	"github.com/gomlx/gradestim/pkg/ml/model"
	"github.com/gomlx/gradestim/pkg/ml/quantize"
	"github.com/pkg/errors"
)

// ErrNotImplemented is returned by Base.Grad: the base estimator has no accumulation strategy.
var ErrNotImplemented = errors.New("not implemented")

// Result of a call to GradEstimator.Grad.
type Result struct {
	// Loss of the last gradient sample computed.
	Loss float64

	// Gradient is the aggregated gradient. It's nil when Grad was called in place: the gradient is then in
	// the parameter gradient slots of the model.
	Gradient gradients.Gradient
}

// GradEstimator is implemented by all estimators.
type GradEstimator interface {
	// Grad computes the next aggregated quantized gradient of m, drawing batches from the active stream.
	//
	// If inPlace is true, the gradient is stored in the parameter gradient slots of m (allocating them if
	// needed), and only the loss is returned.
	Grad(m model.Model, inPlace bool) (Result, error)

	// Core returns the shared base estimator.
	Core() *Base

	// State returns the opaque persisted state of the estimator.
	State() ([]byte, error)

	// LoadState restores a state returned by State.
	LoadState(state []byte) error
}

// Kind of accumulation strategy of an estimator.
type Kind int

const (
	// KindSequential accumulates samples one after the other on the same model.
	KindSequential Kind = iota

	// KindSingleDeviceReplica accumulates samples of model replicas on the same device.
	KindSingleDeviceReplica

	// KindMultiDeviceReplica accumulates samples of model replicas, each on its own device.
	KindMultiDeviceReplica
)

var kindNames = []string{"sequential", "single_device_replica", "multi_device_replica"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// KindFromString parses the name of a Kind (case-insensitive, "-" and "_" are equivalent).
func KindFromString(name string) (Kind, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for ii, n := range kindNames {
		if n == normalized {
			return Kind(ii), nil
		}
	}
	return KindSequential, errors.Errorf("unknown estimator kind %q, valid values are %q", name, kindNames)
}

// New creates an estimator of the given kind, sampling batches from train.
//
// The estimator takes ownership of train: it's used as the training stream, and a clone of it (see
// datasets.Cloner) as the estimation stream.
func New(kind Kind, train datasets.Dataset, cfg Config) (GradEstimator, error) {
	base, err := NewBase(kind, train, cfg)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindSequential:
		return newSequential(base)
	case KindSingleDeviceReplica:
		return newReplicated(base, false)
	case KindMultiDeviceReplica:
		return newReplicated(base, true)
	}
	return nil, errors.Errorf("estimator.New: invalid kind %s", kind)
}

// Replica is a handle to one copy of the model used by the replica estimators.
type Replica struct {
	// Index of the replica: 0 is the authoritative one, the model given to Grad.
	Index int

	// Device where the replica's parameters are placed, and where its work runs.
	Device *devices.Device

	// Model is the replica's copy of the model.
	Model model.Model

	// Codec used to quantize the replica's gradients.
	Codec quantize.Codec
}

// String implements fmt.Stringer.
func (r *Replica) String() string {
	return fmt.Sprintf("replica #%d@%s", r.Index, r.Device)
}
