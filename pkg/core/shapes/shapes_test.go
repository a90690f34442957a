// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	shape0 := Scalar()
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(4, 3, 2)
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 2, shape1.Dim(-1))
	require.Equal(t, 4, shape1.Dim(0))
	require.Equal(t, "[4 3 2]", shape1.String())

	empty := Make(0)
	require.Equal(t, 0, empty.Size())

	require.Panics(t, func() { _ = Make(2, -1) })
	require.Panics(t, func() { _ = shape1.Dim(3) })
}

func TestEqualAndClone(t *testing.T) {
	s := Make(2, 2)
	c := s.Clone()
	require.True(t, s.Equal(c))
	c.Dimensions[0] = 3
	require.False(t, s.Equal(c))
	require.Equal(t, 2, s.Dimensions[0], "Clone must not share the dimensions slice")
	require.False(t, Make(4).Equal(Make(2, 2)))
	require.True(t, Scalar().Equal(Make()))
}

func TestTotalSize(t *testing.T) {
	require.Equal(t, 8, TotalSize([]Shape{Make(4), Make(2, 2)}))
	require.Equal(t, 0, TotalSize([]Shape{}))
}
