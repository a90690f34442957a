// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bfloat16 implements the bfloat16 storage type used by the BFloat16 gradient codec.
//
// It follows https://github.com/x448/float16 and the pending issue in
// https://github.com/x448/float16/issues/22, but rounds to the nearest even value instead of truncating
// when converting from float32.
package bfloat16

import (
	"math"
	"strconv"
)

// BFloat16 (brain floating point) is a 16-bit floating-point format: the upper half of an IEEE 754
// single-precision float. It keeps float32's 8-bit exponent (so the same dynamic range) and only 7 bits of
// mantissa.
type BFloat16 uint16

// Float32 returns the float32 value of f. It's exact.
func (f BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// Float64 returns the float64 value of f. It's exact.
func (f BFloat16) Float64() float64 {
	return float64(f.Float32())
}

// FromFloat32 converts a float32 to a BFloat16, rounding to the nearest representable value (ties to even).
//
// NaN values stay NaN (the payload is truncated, and a quiet bit is set so it doesn't become infinity).
func FromFloat32(x float32) BFloat16 {
	bits := math.Float32bits(x)
	if x != x {
		return BFloat16(bits>>16 | 0x0040)
	}
	lsb := (bits >> 16) & 1
	bits += 0x7FFF + lsb
	return BFloat16(bits >> 16)
}

// FromFloat64 converts a float64 to a BFloat16, going through float32.
func FromFloat64(x float64) BFloat16 {
	return FromFloat32(float32(x))
}

// FromBits converts an uint16 to a BFloat16.
func FromBits(bits uint16) BFloat16 {
	return BFloat16(bits)
}

// Bits converts BFloat16 to an uint16.
func (f BFloat16) Bits() uint16 {
	return uint16(f)
}

// String implements fmt.Stringer, and prints a float representation of the BFloat16.
func (f BFloat16) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'f', -1, 32)
}

// Inf returns a BFloat16 with an infinity value with the specified sign.
// A sign >= 0 returns positive infinity, a sign < 0 returns negative infinity.
func Inf(sign int) BFloat16 {
	return FromFloat32(float32(math.Inf(sign)))
}

// SmallestNonzero is the smallest nonzero denormal value for bfloat16 (9.1835e-41).
const SmallestNonzero = BFloat16(0x0001)
