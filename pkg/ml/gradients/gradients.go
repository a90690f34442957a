// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gradients holds the Gradient type and the adapter that flattens per-parameter gradients into
// contiguous sequences (and back), the layout used for bucketization and quantization.
//
// Flattening strategies:
//
//   - Flatten: one rank-1 tensor with all parameters concatenated in parameter order.
//   - FlattenLayerBased: one rank-1 tensor per parameter, no concatenation.
//   - FlattenSeparated: two concatenations, one for rank-1 ("bias") parameters and one for the others
//     ("weight").
//   - FlattenLayerBasedSeparated: like FlattenLayerBased, but split in the bias and weight groups.
//
// Unflatten reverses Flatten given the parameter shapes: the slice boundary for the i-th parameter is the
// cumulative size of parameters 0..i-1. It's an exact round trip.
package gradients

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradestim/pkg/core/devices"
	"github.com/gomlx/gradestim/pkg/core/shapes"
	"github.com/gomlx/gradestim/pkg/core/tensors"
)

// Gradient is an ordered sequence of tensors, one per trainable parameter, each with the shape of its
// parameter.
type Gradient []*tensors.Tensor

// Shapes returns the shapes of the gradient tensors, in order.
func (g Gradient) Shapes() []shapes.Shape {
	s := make([]shapes.Shape, len(g))
	for ii, t := range g {
		s[ii] = t.Shape()
	}
	return s
}

// NumElements returns the total number of elements across all tensors.
func (g Gradient) NumElements() int {
	return shapes.TotalSize(g.Shapes())
}

// ZerosLike returns a zero-valued gradient with the same shapes and devices as g.
func ZerosLike(g Gradient) Gradient {
	z := make(Gradient, len(g))
	for ii, t := range g {
		z[ii] = tensors.ZerosLike(t)
	}
	return z
}

// Clone returns a deep copy of g.
func (g Gradient) Clone() Gradient {
	c := make(Gradient, len(g))
	for ii, t := range g {
		c[ii] = t.Clone()
	}
	return c
}

// ToDevice returns a copy of g with every tensor transferred to device.
func (g Gradient) ToDevice(device *devices.Device) Gradient {
	c := make(Gradient, len(g))
	for ii, t := range g {
		c[ii] = t.ToDevice(device)
	}
	return c
}

// assertSameLength panics if the gradients have a different number of tensors.
func assertSameLength(op string, g, other Gradient) {
	if len(g) != len(other) {
		exceptions.Panicf("gradients.%s: gradients have different number of tensors (%d and %d)", op, len(g), len(other))
	}
}

// Zero sets all values of g to 0, in place.
func (g Gradient) Zero() {
	for _, t := range g {
		t.ZeroInPlace()
	}
}

// AddInPlace adds other to g, tensor by tensor. Shapes and devices must match.
func (g Gradient) AddInPlace(other Gradient) {
	assertSameLength("AddInPlace", g, other)
	for ii, t := range g {
		t.AddInPlace(other[ii])
	}
}

// CopyFrom overwrites the values of g with the ones in other. Shapes and devices must match.
func (g Gradient) CopyFrom(other Gradient) {
	assertSameLength("CopyFrom", g, other)
	for ii, t := range g {
		t.CopyFrom(other[ii])
	}
}

// ScaleInPlace multiplies all values of g by factor.
func (g Gradient) ScaleInPlace(factor float64) {
	for _, t := range g {
		t.ScaleInPlace(factor)
	}
}

// SameShapes returns whether g has tensors with exactly the given shapes, in order.
func (g Gradient) SameShapes(s []shapes.Shape) bool {
	if len(g) != len(s) {
		return false
	}
	for ii, t := range g {
		if !t.Shape().Equal(s[ii]) {
			return false
		}
	}
	return true
}

// InDelta returns whether g and other have the same shapes, and values within delta.
func (g Gradient) InDelta(other Gradient, delta float64) bool {
	if len(g) != len(other) {
		return false
	}
	for ii, t := range g {
		if !t.InDelta(other[ii], delta) {
			return false
		}
	}
	return true
}

// Equal returns whether g and other have the same shapes and exactly the same values.
func (g Gradient) Equal(other Gradient) bool {
	return g.InDelta(other, 0)
}
