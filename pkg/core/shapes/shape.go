// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and associated tools.
//
// Shape represents the dimensions of a gradient Tensor: every parameter of a model has a fixed shape, and
// its gradient has the same one. All values are float64, so there is no DType.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: is the index of a dimension on a multidimensional Tensor.
//   - Dimension: the size of a multi-dimensions Tensor in one of its axes.
//   - Scalar: is a shape where there are no axes (or dimensions), only a single value.
//
// Example: a weight matrix with 2 outputs and 3 inputs has shape `[2 3]`: rank 2, axis 0 has dimension 2
// and axis 1 has dimension 3. This shape could be created with `shapes.Make(2, 3)`.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
)

// Shape represents the shape of a Tensor.
//
// Use Make to create a new shape.
type Shape struct {
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// Dimensions of size 0 are accepted (empty tensors), negative dimensions panic.
func Make(dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%v): cannot create a shape with an axis with dimension < 0", dimensions)
		}
	}
	return s
}

// Scalar returns a scalar Shape.
func Scalar() Shape {
	return Shape{}
}

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return "(scalar)"
	}
	return fmt.Sprintf("%v", s.Dimensions)
}

// Size returns the number of elements needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the memory in bytes used to store the values of the given shape.
func (s Shape) Memory() uintptr {
	return 8 * uintptr(s.Size())
}

// Equal compares two shapes for equality of dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{Dimensions: slices.Clone(s.Dimensions)}
}

// HasShape is an interface for objects that have an associated Shape.
type HasShape interface {
	Shape() Shape
}

// TotalSize returns the sum of the sizes of all given shapes.
func TotalSize[S HasShape](elements []S) (total int) {
	for _, e := range elements {
		total += e.Shape().Size()
	}
	return
}
