// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"math"
	"testing"

	"github.com/gomlx/gradestim/pkg/core/tensors/bucketing"
	"github.com/gomlx/gradestim/pkg/ml/gradients"
	"github.com/gomlx/gradestim/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopKByNorm(t *testing.T) {
	// Means identify the original position of each bucket.
	stats := []bucketing.Statistics{{Norm: 1, Mean: 0}, {Norm: 3, Mean: 1}, {Norm: 2, Mean: 2}, {Norm: 3, Mean: 3}, {Norm: 0.5, Mean: 4}}
	top := topKByNorm(stats, 3)
	require.Len(t, top, 3)
	assert.Equal(t, []float64{3, 3, 2}, xslices.Map(top, func(s bucketing.Statistics) float64 { return s.Norm }))
	assert.Equal(t, []float64{1, 3, 2}, xslices.Map(top, func(s bucketing.Statistics) float64 { return s.Mean }))

	assert.Empty(t, topKByNorm(stats, 0))
	assert.Equal(t, stats, topKByNorm(stats, 5))
	assert.Equal(t, stats, topKByNorm(stats, 10))
}

// expectedCollector collects the stub gradients for the inputs xs the way SnapOnlineMean does.
func expectedCollector(bucketSize int, skipPartial, layerBased bool, xs ...float64) *bucketing.Collector {
	c := bucketing.NewCollector(bucketSize, skipPartial)
	for _, x := range xs {
		g := stubGradient(x)
		if layerBased {
			for _, t := range g {
				c.Collect(t.Flat())
			}
		} else {
			c.Collect(gradients.Flatten(g).Flat())
		}
	}
	return c
}

func TestSnapOnlineMean(t *testing.T) {
	testCases := []struct {
		name                  string
		layer                 int
		skipPartial           bool
		numBuckets, numPooled int
	}{
		{"per-parameter", 0, false, 8, 16},
		{"per-parameter-skip-partial", 0, true, 8, 12},
		{"global", 1, false, 6, 16},
		{"global-skip-partial", 1, true, 6, 12},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(1)
			cfg.NumberOfSamples = 2
			cfg.BucketSize = 3
			cfg.DistNum = 2
			cfg.Layer = tc.layer
			cfg.IgnoreSmallBuckets = tc.skipPartial
			e := must.M1(New(KindSequential, sequenceDataset(5), cfg))
			summary := must.M1(e.Core().SnapOnlineMean(newStubModel()))

			expected := expectedCollector(3, tc.skipPartial, tc.layer == 0, 1, 2)
			assert.Equal(t, tc.numBuckets, summary.NumBuckets)
			assert.Equal(t, tc.numPooled, summary.NumPooled)
			assert.InDelta(t, expected.Mean(), summary.Layer.Mean, 1e-12)
			assert.InDelta(t, expected.Sigma(), summary.Layer.Sigma, 1e-12)

			require.Equal(t, 2, summary.Buckets.Len())
			top := topKByNorm(expected.Stats, 2)
			assert.Equal(t, top[0].Norm, summary.Buckets.Norms[0])
			assert.Equal(t, top[1].Norm, summary.Buckets.Norms[1])
			assert.GreaterOrEqual(t, summary.Buckets.Norms[0], summary.Buckets.Norms[1])
			assert.Equal(t, top[1].Sigma, summary.Buckets.Sigmas[1])

			// Statistics never draw from the training stream.
			assert.Equal(t, 0, e.Core().TrainingCursor().Yields())
			assert.Equal(t, 2, e.Core().EstimationCursor().Yields())
		})
	}
}

func TestSnapOnlineMeanNothingPooled(t *testing.T) {
	cfg := testConfig(1)
	cfg.BucketSize = 16
	cfg.IgnoreSmallBuckets = true
	cfg.DistNum = 0
	e := must.M1(New(KindSequential, sequenceDataset(5), cfg))
	_, err := e.Core().SnapOnlineMean(newStubModel())
	require.Error(t, err)

	// Without the skip policy, the partial buckets are pooled.
	cfg.IgnoreSmallBuckets = false
	e = must.M1(New(KindSequential, sequenceDataset(5), cfg))
	summary := must.M1(e.Core().SnapOnlineMean(newStubModel()))
	assert.Equal(t, 0, summary.Buckets.Len())
	assert.Equal(t, 2*cfg.NumberOfSamples, summary.NumBuckets)
}

func TestMeanVarianceSNR(t *testing.T) {
	e := must.M1(New(KindSequential, sequenceDataset(5), testConfig(1)))
	m := newStubModel()
	_, err := MeanVarianceSNR(e, m, 0)
	require.Error(t, err)

	// First pass x=1,2: mean is 1.5 * pattern. Second pass x=3,4: deviations are 1.5 and 2.5 times the pattern.
	mv := must.M1(MeanVarianceSNR(e, m, 2))
	assert.True(t, mv.Mean.InDelta(stubGradient(1.5), 1e-12))
	assert.Equal(t, 0, e.Core().TrainingCursor().Yields())

	patterns := append(append([]float64{}, pattern0...), pattern1...)
	nw := float64(len(patterns))
	var sumSquares, snr, noiseToSignal float64
	for _, p := range patterns {
		sumSquares += p * p
		signal := (9 + 16) * p * p
		noise := (1.5*1.5 + 2.5*2.5) * p * p
		snr += math.Log(signal+1e-10) - math.Log(noise+1e-10)
		noiseToSignal += noise / (signal + 1e-7)
	}
	assert.InDelta(t, (1.5*1.5+2.5*2.5)*sumSquares/nw/2, mv.Variance, 1e-9)
	assert.InDelta(t, snr/nw, mv.SNR, 1e-9)
	assert.InDelta(t, noiseToSignal/nw, mv.NoiseToSignal, 1e-9)

	// Model failures are propagated.
	failing := newStubModel()
	failing.failOn = 2
	e = must.M1(New(KindSequential, sequenceDataset(5), testConfig(1)))
	_, err = MeanVarianceSNR(e, failing, 2)
	require.Error(t, err)
}

func TestSnapOnline(t *testing.T) {
	// Every parameter is exactly one bucket: normalized gradients are the same for all x > 0.
	cfg := testConfig(1)
	cfg.NumberOfSamples = 2
	cfg.BucketSize = 4
	e := must.M1(New(KindSequential, sequenceDataset(5), cfg))
	mean, variance, err := e.Core().SnapOnline(newStubModel())
	require.NoError(t, err)
	expectedSum := 0.0
	for _, p := range [][]float64{pattern0, pattern1} {
		for _, v := range bucketing.NormalizeAll(p, 4) {
			expectedSum += v
		}
	}
	assert.InDelta(t, expectedSum/8, mean, 1e-6)
	assert.InDelta(t, 0, variance, 1e-12)
	assert.Equal(t, 0, e.Core().TrainingCursor().Yields())
	assert.Equal(t, 4, e.Core().EstimationCursor().Yields())

	// With buckets of 3, the last element of each parameter is a partial bucket, excluded with ig_sm_bkts.
	cfg.BucketSize = 3
	cfg.IgnoreSmallBucketsOnline = true
	e = must.M1(New(KindSequential, sequenceDataset(5), cfg))
	mean, _, err = e.Core().SnapOnline(newStubModel())
	require.NoError(t, err)
	expectedSum = 0
	for _, p := range [][]float64{pattern0, pattern1} {
		for _, v := range bucketing.NormalizeAll(p, 3)[:3] {
			expectedSum += v
		}
	}
	assert.InDelta(t, expectedSum/6, mean, 1e-6)

	// Only partial buckets: nothing is left.
	cfg.BucketSize = 8
	e = must.M1(New(KindSequential, sequenceDataset(5), cfg))
	_, _, err = e.Core().SnapOnline(newStubModel())
	require.Error(t, err)
}
