// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bucketing

import (
	"math"
)

// Collector pools the statistics of normalized buckets across many flat sequences.
//
// Each bucket contributes `variance * (len - 1)` (its sum of squared deviations) to the pooled variance,
// its sum to the pooled sum, and its length to the pooled count. Per-bucket Statistics are always
// recorded in Stats.
//
// If SkipPartial is set, partial buckets (shorter than BucketSize) are recorded in Stats only: they don't
// contribute to the pooled sum, variance or count.
type Collector struct {
	BucketSize  int
	SkipPartial bool

	// Stats of every bucket seen, in the order they were collected.
	Stats []Statistics

	// Pooled totals across all calls to Collect.
	Sum, PooledVariance float64
	Count               int
}

// NewCollector returns an empty Collector.
func NewCollector(bucketSize int, skipPartial bool) *Collector {
	return &Collector{BucketSize: bucketSize, SkipPartial: skipPartial}
}

// Collect the buckets of flat.
//
// It returns the contribution of flat to the pooled sum, the pooled variance (sum of `variance*(len-1)`)
// and count of elements. The same values are also added to the Collector totals.
func (c *Collector) Collect(flat []float64) (sum, pooledVariance float64, count int) {
	for _, bucket := range Bucketize(flat, c.BucketSize) {
		stats, bucketSum, variance := measure(bucket)
		c.Stats = append(c.Stats, stats)
		if c.SkipPartial && IsPartial(bucket, c.BucketSize) {
			continue
		}
		sum += bucketSum
		pooledVariance += variance * float64(len(bucket)-1)
		count += len(bucket)
	}
	c.Sum += sum
	c.PooledVariance += pooledVariance
	c.Count += count
	return
}

// Mean of all pooled normalized values. It is NaN if nothing was pooled.
func (c *Collector) Mean() float64 {
	if c.Count == 0 {
		return math.NaN()
	}
	return c.Sum / float64(c.Count)
}

// Sigma is the pooled standard deviation, sqrt(PooledVariance/Count). It is NaN if nothing was pooled.
func (c *Collector) Sigma() float64 {
	if c.Count == 0 {
		return math.NaN()
	}
	return math.Sqrt(c.PooledVariance / float64(c.Count))
}

// Norms returns the norms of the collected buckets, in order.
func (c *Collector) Norms() []float64 {
	norms := make([]float64, len(c.Stats))
	for ii, s := range c.Stats {
		norms[ii] = s.Norm
	}
	return norms
}
