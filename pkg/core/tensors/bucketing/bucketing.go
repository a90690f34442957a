// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bucketing splits flattened gradients into fixed-size buckets, the unit of normalization and
// quantization.
//
// A flat sequence of length L with bucket size B is split into ceil(L/B) contiguous buckets: the first
// floor(L/B) have exactly B elements, and a last "partial" bucket holds the remaining L mod B elements (if
// any).
//
// Each bucket is normalized by its own L2 norm (plus Epsilon, so all-zero buckets are well-defined), and
// its statistics (norm, and mean and standard deviation of the normalized values) can be pooled across
// many buckets with a Collector.
//
// # Usage
//
//	c := bucketing.NewCollector(1024, false)
//	for _, g := range sampledGradients {
//	    c.Collect(g)  // g is a []float64 flat gradient.
//	}
//	fmt.Printf("mean=%g, sigma=%g, %d buckets\n", c.Mean(), c.Sigma(), len(c.Stats))
package bucketing

import (
	"math"

	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Epsilon is added to the norm of a bucket before dividing by it.
const Epsilon = 1e-7

// NumBuckets returns the number of buckets, ceil(length/bucketSize), needed to cover length elements.
func NumBuckets(length, bucketSize int) int {
	if bucketSize <= 0 {
		exceptions.Panicf("bucketing: bucketSize must be > 0, got %d", bucketSize)
	}
	return (length + bucketSize - 1) / bucketSize
}

// Bounds returns the [start, end) range of bucket idx.
func Bounds(length, bucketSize, idx int) (start, end int) {
	start = idx * bucketSize
	end = min(start+bucketSize, length)
	return
}

// Bucketize returns the buckets of flat: sub-slices (not copies) of at most bucketSize elements.
//
// It panics if bucketSize <= 0.
func Bucketize(flat []float64, bucketSize int) [][]float64 {
	numBuckets := NumBuckets(len(flat), bucketSize)
	buckets := make([][]float64, numBuckets)
	for ii := range buckets {
		start, end := Bounds(len(flat), bucketSize, ii)
		buckets[ii] = flat[start:end:end]
	}
	return buckets
}

// IsPartial returns whether the bucket has fewer than bucketSize elements.
func IsPartial(bucket []float64, bucketSize int) bool {
	return len(bucket) != bucketSize
}

// Norm returns the L2 norm of the bucket.
func Norm(bucket []float64) float64 {
	if len(bucket) == 0 {
		return 0
	}
	return floats.Norm(bucket, 2)
}

// Normalize returns a new slice with bucket / (‖bucket‖ + Epsilon).
func Normalize(bucket []float64) []float64 {
	normalized := make([]float64, len(bucket))
	floats.ScaleTo(normalized, 1.0/(Norm(bucket)+Epsilon), bucket)
	return normalized
}

// NormalizeBuckets normalizes each bucket of flat independently, and returns them unconcatenated.
func NormalizeBuckets(flat []float64, bucketSize int) [][]float64 {
	buckets := Bucketize(flat, bucketSize)
	for ii, bucket := range buckets {
		buckets[ii] = Normalize(bucket)
	}
	return buckets
}

// NormalizeAll normalizes each bucket of flat independently, and returns them concatenated in a new slice
// with the same length as flat.
func NormalizeAll(flat []float64, bucketSize int) []float64 {
	normalized := make([]float64, len(flat))
	for ii, bucket := range Bucketize(flat, bucketSize) {
		start, end := Bounds(len(flat), bucketSize, ii)
		floats.ScaleTo(normalized[start:end], 1.0/(Norm(bucket)+Epsilon), bucket)
	}
	return normalized
}

// Variance returns the unbiased (n-1) variance of the values. Fewer than 2 values have variance 0.
func Variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return stat.Variance(values, nil)
}

// Statistics of one bucket.
type Statistics struct {
	// Norm is the L2 norm of the raw (not normalized) bucket.
	Norm float64

	// Mean of the normalized bucket.
	Mean float64

	// Sigma is the standard deviation (unbiased) of the normalized bucket.
	Sigma float64
}

// Measure returns the Statistics of the bucket.
func Measure(bucket []float64) Statistics {
	stats, _, _ := measure(bucket)
	return stats
}

// measure returns the statistics of the bucket, plus the sum and the variance of its normalized values.
func measure(bucket []float64) (stats Statistics, sum, variance float64) {
	normalized := Normalize(bucket)
	sum = floats.Sum(normalized)
	variance = Variance(normalized)
	stats = Statistics{
		Norm:  Norm(bucket),
		Mean:  sum / float64(len(bucket)),
		Sigma: math.Sqrt(variance),
	}
	return
}
