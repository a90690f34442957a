// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIotaAndMap(t *testing.T) {
	assert.Equal(t, []float64{3, 4}, Iota(3.0, 2))
	assert.Equal(t, []int{}, Iota(0, 0))
	assert.Equal(t, []string{"1", "2", "3"}, Map(Iota(1, 3), strconv.Itoa))
}

func TestGatherAndSliceWithValue(t *testing.T) {
	assert.Equal(t, []string{"c", "a", "c"}, Gather([]string{"a", "b", "c"}, []int{2, 0, 2}))
	assert.Empty(t, Gather([]string{"a"}, nil))
	assert.Equal(t, []float64{0.5, 0.5, 0.5}, SliceWithValue(3, 0.5))
}

func TestInDelta(t *testing.T) {
	assert.True(t, InDelta([]float64{1, 2}, []float64{1.05, 1.95}, 0.1))
	assert.False(t, InDelta([]float64{1, 2}, []float64{1.05, 1.95}, 0.01))
	assert.False(t, InDelta([]float64{1}, []float64{1, 2}, 1))
	assert.False(t, InDelta([]float32{1}, []float32{1.001}, 0))
	assert.True(t, InDelta([]float64{math.NaN(), 3}, []float64{math.NaN(), 3}, 0))
	assert.False(t, InDelta([]float64{math.NaN()}, []float64{0}, 1))
	assert.False(t, InDelta([]float64{0, 1}, []float64{0, math.NaN()}, 10))
	assert.False(t, InDelta([]float32{float32(math.NaN())}, []float32{1}, 1))
}
