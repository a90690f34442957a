// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package.
package xslices

import (
	"math"

	"golang.org/x/exp/constraints"
)

// Iota returns a slice of incremental int values, starting with start and of length len.
// Eg: Iota(3.0, 2) -> []float64{3.0, 4.0}
func Iota[T interface {
	constraints.Integer | constraints.Float
}](start T, len int) (slice []T) {
	slice = make([]T, len)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Gather returns the elements of slice at the given indices, in the order of indices.
func Gather[T any](slice []T, indices []int) []T {
	out := make([]T, len(indices))
	for ii, idx := range indices {
		out[ii] = slice[idx]
	}
	return out
}

// SliceWithValue creates a slice of given size filled with given value.
func SliceWithValue[T any](size int, value T) []T {
	s := make([]T, size)
	for ii := range s {
		s[ii] = value
	}
	return s
}

// InDelta checks whether s0 and s1 have the same length and that each of their values
// are within the given delta.
//
// If delta <= 0, it checks for equality. NaN values only match other NaN values.
func InDelta[T constraints.Float](s0, s1 []T, delta float64) bool {
	if len(s0) != len(s1) {
		return false
	}
	for ii, e0 := range s0 {
		e1 := s1[ii]
		if e0 == e1 {
			continue
		}
		f0, f1 := float64(e0), float64(e1)
		if math.IsNaN(f0) && math.IsNaN(f1) {
			continue
		}
		if math.IsNaN(f0) || math.IsNaN(f1) {
			return false
		}
		if delta <= 0 || math.Abs(f0-f1) > delta {
			return false
		}
	}
	return true
}
