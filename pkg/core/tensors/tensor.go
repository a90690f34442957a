// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a representation of a multidimensional array of float64 values
// placed on a device.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape and their content, stored as a flat (1D) slice in row-major order.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromFlatDataAndDimensions(data []float64, dimensions ...int): creates a Tensor with the
//     given dimensions and a copy of the flattened values. Example:
//
//     t := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromScalarAndDimensions(value float64, dimensions ...int): creates a Tensor filled with value.
//
// Placement:
//
// Every tensor lives on a device (see package devices), the nil device being the host. Arithmetic between
// tensors requires both to be on the same device: data is never shared implicitly across devices, and
// Tensor.ToDevice is the explicit transfer.
package tensors

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradestim/pkg/core/devices"
	"github.com/gomlx/gradestim/pkg/core/shapes"
	"github.com/gomlx/gradestim/pkg/support/xslices"
	"gonum.org/v1/gonum/floats"
)

// Tensor represents a multidimensional array of float64, stored as a flat slice, placed on a device.
//
// Tensors are not safe for concurrent mutation.
type Tensor struct {
	// shape of the tensor.
	shape shapes.Shape

	// flat holds the values in row-major order, len(flat) == shape.Size().
	flat []float64

	// device where the tensor is stored, nil for the host.
	device *devices.Device
}

// FromShape returns a zero-valued Tensor with the given shape, on the host.
func FromShape(shape shapes.Shape) *Tensor {
	return &Tensor{
		shape: shape.Clone(),
		flat:  make([]float64, shape.Size()),
	}
}

// FromFlatDataAndDimensions creates a host tensor with the given dimensions, filled with a copy of data.
//
// It panics if len(data) doesn't match the size of the dimensions.
func FromFlatDataAndDimensions(data []float64, dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(len(data)=%d, dimensions=%v): dimensions require %d elements",
			len(data), dimensions, shape.Size())
	}
	return &Tensor{shape: shape, flat: slices.Clone(data)}
}

// FromScalarAndDimensions creates a host tensor with the given dimensions, filled with the given value.
func FromScalarAndDimensions(value float64, dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	return &Tensor{shape: shape, flat: xslices.SliceWithValue(shape.Size(), value)}
}

// ZerosLike returns a new zero-valued tensor with the same shape and on the same device as t.
func ZerosLike(t *Tensor) *Tensor {
	return &Tensor{
		shape:  t.shape.Clone(),
		flat:   make([]float64, len(t.flat)),
		device: t.device,
	}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Rank of the tensor, a shortcut to `Tensor.Shape().Rank()`.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements of the tensor.
func (t *Tensor) Size() int { return len(t.flat) }

// Device where the tensor is stored. Nil means the host.
func (t *Tensor) Device() *devices.Device { return t.device }

// Flat returns the underlying flat values. Mutating it mutates the tensor.
func (t *Tensor) Flat() []float64 { return t.flat }

// CopyFlatData returns a copy of the flat values.
func (t *Tensor) CopyFlatData() []float64 { return slices.Clone(t.flat) }

// Clone returns a deep copy of the tensor, on the same device.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat), device: t.device}
}

// ToDevice returns a copy of the tensor placed on the given device (nil for the host).
//
// It always copies, even if the tensor is already on the device.
func (t *Tensor) ToDevice(device *devices.Device) *Tensor {
	t2 := t.Clone()
	t2.device = device
	return t2
}

// Reshape returns a copy of the tensor with the new dimensions. The total size must be the same.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	if shape.Size() != t.Size() {
		exceptions.Panicf("Tensor.Reshape(%v): tensor with shape %s has %d elements, new shape requires %d",
			dimensions, t.shape, t.Size(), shape.Size())
	}
	return &Tensor{shape: shape, flat: slices.Clone(t.flat), device: t.device}
}

// assertCompatible panics if other doesn't have the same shape or device as t.
func (t *Tensor) assertCompatible(op string, other *Tensor) {
	if !t.shape.Equal(other.shape) {
		exceptions.Panicf("Tensor.%s: shapes don't match, %s and %s", op, t.shape, other.shape)
	}
	if t.device != other.device {
		exceptions.Panicf("Tensor.%s: tensors on different devices (%s and %s), transfer with ToDevice first",
			op, t.device, other.device)
	}
}

// CopyFrom overwrites the values of t with the values of src.
// They must have the same shape and be on the same device.
func (t *Tensor) CopyFrom(src *Tensor) {
	t.assertCompatible("CopyFrom", src)
	copy(t.flat, src.flat)
}

// ZeroInPlace sets all values to 0.
func (t *Tensor) ZeroInPlace() {
	clear(t.flat)
}

// AddInPlace adds other to t, element-wise. They must have the same shape and be on the same device.
func (t *Tensor) AddInPlace(other *Tensor) {
	t.assertCompatible("AddInPlace", other)
	floats.Add(t.flat, other.flat)
}

// ScaleInPlace multiplies every element of t by factor.
func (t *Tensor) ScaleInPlace(factor float64) {
	floats.Scale(factor, t.flat)
}

// Norm returns the L2 norm of the values.
func (t *Tensor) Norm() float64 {
	if len(t.flat) == 0 {
		return 0
	}
	return floats.Norm(t.flat, 2)
}

// Sum returns the sum of the values.
func (t *Tensor) Sum() float64 {
	return floats.Sum(t.flat)
}

// Equal checks whether t and otherTensor have the same shape and exactly the same values.
// The device is not compared.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	return t.InDelta(otherTensor, 0)
}

// InDelta checks whether Abs(t - otherTensor) <= delta for every element, and that they have the same shape.
// If delta <= 0 it checks for equality. The device is not compared.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	return xslices.InDelta(t.flat, otherTensor.flat, delta)
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	const maxValues = 16
	if len(t.flat) > maxValues {
		return fmt.Sprintf("Tensor%s@%s: %v...", t.shape, t.device, t.flat[:maxValues])
	}
	return fmt.Sprintf("Tensor%s@%s: %v", t.shape, t.device, t.flat)
}

// Concatenate the flat values of the given tensors into one rank-1 tensor, in the order given.
//
// All tensors must be on the same device, and the result is placed there. An empty list returns an empty
// rank-1 host tensor.
func Concatenate(tensors ...*Tensor) *Tensor {
	if len(tensors) == 0 {
		return FromShape(shapes.Make(0))
	}
	total := 0
	device := tensors[0].device
	for ii, t := range tensors {
		if t.device != device {
			exceptions.Panicf("Concatenate: tensor #%d is on %s, but tensor #0 is on %s", ii, t.device, device)
		}
		total += t.Size()
	}
	flat := make([]float64, 0, total)
	for _, t := range tensors {
		flat = append(flat, t.flat...)
	}
	return &Tensor{shape: shapes.Make(total), flat: flat, device: device}
}

// Slice returns a rank-1 copy of the flat values in [start, end), on the same device.
func (t *Tensor) Slice(start, end int) *Tensor {
	if start < 0 || end > len(t.flat) || start > end {
		exceptions.Panicf("Tensor.Slice(%d, %d) out-of-bounds for tensor with %d elements", start, end, len(t.flat))
	}
	return &Tensor{shape: shapes.Make(end - start), flat: slices.Clone(t.flat[start:end]), device: t.device}
}
