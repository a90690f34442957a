// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package quantize defines the Codec contract used by the gradient estimators, and its implementations.
//
// A Codec maps a tensor to an approximation of it with reduced precision, of the same shape and on the
// same device. The implementations are:
//
//   - Identity (MethodNone): returns a copy of the input.
//   - Float16 (MethodFloat16): rounds every value to IEEE 754 half precision.
//   - BFloat16 (MethodBFloat16): rounds every value to bfloat16.
//   - MultiBucket (MethodUniform and MethodNonUniform): splits the values in buckets, and represents each
//     value by its bucket norm times one of a few levels in [0, 1], chosen by unbiased stochastic rounding.
package quantize

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/gradestim/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Codec quantizes tensors.
//
// Quantize must not modify its input, and must return a tensor with the same shape and on the same device.
// It is deterministic given the same calibration state (see Stateful). The layerCount is the number of
// parameters the tensor holds (1 when quantizing a single parameter's gradient).
//
// A Codec is not safe for concurrent use: multi-device estimators hold one instance per device.
type Codec interface {
	Quantize(t *tensors.Tensor, layerCount int) (*tensors.Tensor, error)
}

// Stateful is implemented by codecs with calibration state that should be saved and restored along with
// the estimator.
type Stateful interface {
	State() ([]byte, error)
	LoadState(state []byte) error
}

// Method selects a Codec implementation.
type Method int

const (
	// MethodNone doesn't quantize: see Identity.
	MethodNone Method = iota

	// MethodFloat16 rounds to half precision: see Float16.
	MethodFloat16

	// MethodBFloat16 rounds to bfloat16: see BFloat16.
	MethodBFloat16

	// MethodUniform uses MultiBucket with uniformly spaced levels.
	MethodUniform

	// MethodNonUniform uses MultiBucket with exponentially spaced levels, finer close to 0.
	MethodNonUniform
)

var methodNames = []string{"none", "fp16", "bf16", "q", "nuq"}

// String implements fmt.Stringer, with the names used in the configuration.
func (m Method) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return fmt.Sprintf("Method(%d)", int(m))
	}
	return methodNames[m]
}

// MethodFromString parses one of the method names "none", "fp16", "bf16", "q" or "nuq" (case-insensitive).
func MethodFromString(name string) (Method, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for ii, n := range methodNames {
		if n == name {
			return Method(ii), nil
		}
	}
	return MethodNone, errors.Errorf("unknown quantization method %q, valid values are %q", name, methodNames)
}

// Options used to create a Codec with New.
type Options struct {
	Method Method

	// Bits used per value by MultiBucket, including the sign bit. It must be between 2 and 16.
	Bits int

	// BucketSize used by MultiBucket.
	BucketSize int

	// Seed of the MultiBucket stochastic rounding.
	Seed int64
}

// New creates a new Codec instance for the given options.
func New(opts Options) (Codec, error) {
	switch opts.Method {
	case MethodNone:
		return Identity{}, nil
	case MethodFloat16:
		return Float16{}, nil
	case MethodBFloat16:
		return BFloat16{}, nil
	case MethodUniform, MethodNonUniform:
		q, err := NewMultiBucket(opts.Method, opts.Bits, opts.BucketSize, opts.Seed)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	return nil, errors.Errorf("quantize.New: invalid method %s", opts.Method)
}

// checkFinite returns an error if any value of t is NaN or infinite.
func checkFinite(codec string, t *tensors.Tensor) error {
	for ii, v := range t.Flat() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("%s: cannot quantize non-finite value %g at flat position %d of tensor %s",
				codec, v, ii, t.Shape())
		}
	}
	return nil
}

// mapValues returns a clone of t with fn applied to every value.
func mapValues(t *tensors.Tensor, fn func(float64) float64) *tensors.Tensor {
	out := t.Clone()
	flat := out.Flat()
	for ii, v := range flat {
		flat[ii] = fn(v)
	}
	return out
}
