// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"testing"

	"github.com/gomlx/gradestim/pkg/core/devices"
	"github.com/gomlx/gradestim/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	zeros := FromShape(shapes.Make(2, 3))
	assert.Equal(t, 6, zeros.Size())
	assert.Equal(t, 2, zeros.Rank())
	assert.Nil(t, zeros.Device())
	assert.Equal(t, make([]float64, 6), zeros.Flat())

	data := []float64{1, 2, 3, 4}
	x := FromFlatDataAndDimensions(data, 2, 2)
	data[0] = 100
	assert.Equal(t, []float64{1, 2, 3, 4}, x.Flat(), "FromFlatDataAndDimensions must copy the data")
	require.Panics(t, func() { _ = FromFlatDataAndDimensions(data, 3) })

	filled := FromScalarAndDimensions(0.5, 3)
	assert.Equal(t, []float64{0.5, 0.5, 0.5}, filled.Flat())

	like := ZerosLike(x)
	assert.True(t, like.Shape().Equal(x.Shape()))
	assert.Equal(t, 0.0, like.Sum())
}

func TestArithmetic(t *testing.T) {
	x := FromFlatDataAndDimensions([]float64{3, 4}, 2)
	assert.InDelta(t, 5.0, x.Norm(), 1e-12)
	assert.InDelta(t, 7.0, x.Sum(), 1e-12)

	y := x.Clone()
	y.ScaleInPlace(2)
	assert.Equal(t, []float64{6, 8}, y.Flat())
	assert.Equal(t, []float64{3, 4}, x.Flat())

	y.AddInPlace(x)
	assert.Equal(t, []float64{9, 12}, y.Flat())

	y.CopyFrom(x)
	assert.True(t, y.Equal(x))

	y.ZeroInPlace()
	assert.Equal(t, []float64{0, 0}, y.Flat())

	require.Panics(t, func() { y.AddInPlace(FromShape(shapes.Make(3))) })
	assert.Equal(t, 0.0, FromShape(shapes.Make(0)).Norm())
}

func TestDevicePlacement(t *testing.T) {
	d0, d1 := devices.New(0), devices.New(1)
	defer d0.Finalize()
	defer d1.Finalize()

	host := FromFlatDataAndDimensions([]float64{1, 2, 3}, 3)
	on0 := host.ToDevice(d0)
	on1 := host.ToDevice(d1)
	assert.Equal(t, d0, on0.Device())
	assert.Nil(t, host.Device())
	assert.True(t, on0.Equal(on1), "Equal doesn't compare devices")

	// Arithmetic across devices requires an explicit transfer.
	require.Panics(t, func() { on0.AddInPlace(on1) })
	on0.AddInPlace(on1.ToDevice(d0))
	assert.Equal(t, []float64{2, 4, 6}, on0.Flat())
	assert.Equal(t, []float64{1, 2, 3}, on1.Flat())

	require.Panics(t, func() { _ = Concatenate(on0, on1) })
	assert.Contains(t, on0.String(), "device:0")
}

func TestReshapeSliceConcatenate(t *testing.T) {
	x := FromFlatDataAndDimensions([]float64{1, 2, 3, 4, 5, 6}, 6)
	m := x.Reshape(2, 3)
	assert.Equal(t, []int{2, 3}, m.Shape().Dimensions)
	require.Panics(t, func() { _ = x.Reshape(4) })

	s := x.Slice(2, 5)
	assert.Equal(t, []float64{3, 4, 5}, s.Flat())
	require.Panics(t, func() { _ = x.Slice(4, 7) })

	c := Concatenate(x.Slice(0, 2), m, FromShape(shapes.Make(0)))
	assert.Equal(t, []int{8}, c.Shape().Dimensions)
	assert.Equal(t, []float64{1, 2, 1, 2, 3, 4, 5, 6}, c.Flat())
	assert.Equal(t, 0, Concatenate().Size())
}

func TestInDelta(t *testing.T) {
	x := FromFlatDataAndDimensions([]float64{1, math.NaN()}, 2)
	y := FromFlatDataAndDimensions([]float64{1 + 1e-9, math.NaN()}, 2)
	assert.True(t, x.InDelta(y, 1e-6))
	assert.False(t, x.Equal(y))
	assert.False(t, x.InDelta(FromShape(shapes.Make(1, 2)), 1))
	assert.False(t, x.InDelta(FromFlatDataAndDimensions([]float64{1, 0}, 2), 1))
}
