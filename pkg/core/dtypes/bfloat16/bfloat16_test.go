// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bfloat16

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRounding(t *testing.T) {
	tests := []struct {
		name string
		in   uint32 // float32 bits
		want uint16
	}{
		{"one", 0x3F800000, 0x3F80},
		{"exact", 0x3F810000, 0x3F81},
		{"below half", 0x3F807FFF, 0x3F80},
		{"tie to even, down", 0x3F808000, 0x3F80},
		{"tie to even, up", 0x3F818000, 0x3F82},
		{"above half", 0x3F808001, 0x3F81},
		{"negative", 0xBF808001, 0xBF81},
		{"infinity", 0x7F800000, 0x7F80},
		{"overflow to infinity", 0x7F7FFFFF, 0x7F80},
		{"zero", 0, 0},
	}
	for _, tt := range tests {
		got := FromFloat32(math.Float32frombits(tt.in))
		assert.Equalf(t, tt.want, got.Bits(), "%s: FromFloat32(0x%08X)", tt.name, tt.in)
	}

	nan := FromFloat64(math.NaN())
	require.True(t, math.IsNaN(nan.Float64()))
	assert.Equal(t, Inf(-1).Float64(), math.Inf(-1))
}

func TestConversions(t *testing.T) {
	assert.Equal(t, 1.0, FromFloat64(1).Float64())
	assert.Equal(t, -0.5, FromFloat64(-0.5).Float64())
	assert.Equal(t, "3", FromFloat32(3).String())
	assert.Equal(t, FromBits(0x3F80), FromFloat32(1))

	// Relative error is bounded by 2^-8 (7 bits of mantissa, rounded).
	for _, x := range []float64{0.1, 1.0 / 3.0, 123.456, -7e-5, 9.99e20} {
		got := FromFloat64(x).Float64()
		assert.InDelta(t, 0.0, (got-x)/x, 1.0/256.0, "value %g", x)
	}
	assert.Greater(t, SmallestNonzero.Float64(), 0.0)
}
