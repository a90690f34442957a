// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantize

import (
	"github.com/gomlx/gradestim/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gradestim/pkg/core/tensors"
	"github.com/x448/float16"
)

// Identity is a Codec that returns an exact copy of its input.
type Identity struct{}

// Quantize implements Codec.
func (Identity) Quantize(t *tensors.Tensor, _ int) (*tensors.Tensor, error) {
	return t.Clone(), nil
}

// Float16 is a Codec that rounds every value to the nearest IEEE 754 half-precision value.
// Values beyond ±65504 become infinities.
type Float16 struct{}

// Quantize implements Codec.
func (Float16) Quantize(t *tensors.Tensor, _ int) (*tensors.Tensor, error) {
	return mapValues(t, func(v float64) float64 {
		return float64(float16.Fromfloat32(float32(v)).Float32())
	}), nil
}

// BFloat16 is a Codec that rounds every value to the nearest bfloat16 value.
type BFloat16 struct{}

// Quantize implements Codec.
func (BFloat16) Quantize(t *tensors.Tensor, _ int) (*tensors.Tensor, error) {
	return mapValues(t, func(v float64) float64 {
		return bfloat16.FromFloat64(v).Float64()
	}), nil
}
