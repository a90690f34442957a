// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"cmp"
	"math"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradestim/pkg/core/tensors/bucketing"
	"github.com/gomlx/gradestim/pkg/ml/gradients"
	"github.com/gomlx/gradestim/pkg/ml/model"
	"github.com/gomlx/gradestim/pkg/support/xslices"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// Numerical guards of the signal-to-noise ratios.
const (
	snrEpsilon           = 1e-10
	noiseToSignalEpsilon = 1e-7
)

// BucketStatistics are the per-bucket statistics reported by SnapOnlineMean, as parallel slices:
// the norm of the raw bucket, and the mean and standard deviation of the normalized bucket.
type BucketStatistics struct {
	Norms  []float64 `json:"norms"`
	Means  []float64 `json:"means"`
	Sigmas []float64 `json:"sigmas"`
}

// Len returns the number of buckets.
func (s BucketStatistics) Len() int { return len(s.Norms) }

// LayerStatistics are the mean and the standard deviation of all normalized buckets pooled together.
type LayerStatistics struct {
	Mean  float64 `json:"mean"`
	Sigma float64 `json:"sigma"`
}

// Summary returned by SnapOnlineMean.
type Summary struct {
	// Buckets holds the statistics of at most Config.DistNum buckets, the ones with the largest norms,
	// sorted by decreasing norm.
	Buckets BucketStatistics `json:"nb"`

	// Layer holds the pooled statistics.
	Layer LayerStatistics `json:"nl"`

	// NumBuckets is the number of buckets measured, before the top-k selection.
	NumBuckets int `json:"num_buckets"`

	// NumPooled is the number of elements pooled in the Layer statistics.
	NumPooled int `json:"num_pooled"`
}

// topKByNorm returns the statistics of the k buckets with the largest norms, in decreasing order of norm.
// Ties keep the original order. If there are k or fewer buckets, they are all returned in the original order.
func topKByNorm(stats []bucketing.Statistics, k int) []bucketing.Statistics {
	if len(stats) <= k {
		return stats
	}
	indices := xslices.Iota(0, len(stats))
	slices.SortStableFunc(indices, func(a, b int) int {
		return cmp.Compare(stats[b].Norm, stats[a].Norm)
	})
	return xslices.Gather(stats, indices[:k])
}

// SnapOnlineMean samples Config.NumberOfSamples raw gradients from the estimation stream, and measures
// their normalized buckets.
//
// With Config.LayerBased each parameter is bucketed separately, otherwise the whole gradient is flattened
// first. If Config.IgnoreSmallBuckets is set, partial buckets are reported in the per-bucket statistics but
// not pooled.
//
// It returns an error if no element was pooled (e.g. all buckets were partial and skipped).
func (b *Base) SnapOnlineMean(m model.Model) (*Summary, error) {
	collector := bucketing.NewCollector(b.cfg.BucketSize, b.cfg.IgnoreSmallBuckets)
	for range b.cfg.NumberOfSamples {
		g, err := b.rawGradient(m)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: SnapOnlineMean", b)
		}
		if b.cfg.LayerBased() {
			for _, layer := range gradients.FlattenLayerBased(g) {
				collector.Collect(layer.Flat())
			}
		} else {
			collector.Collect(gradients.Flatten(g).Flat())
		}
	}
	if collector.Count == 0 {
		return nil, errors.Errorf("%s: SnapOnlineMean pooled no values from %d buckets (nuq_ig_sm_bkts=%t, nuq_bucket_size=%d)",
			b, len(collector.Stats), b.cfg.IgnoreSmallBuckets, b.cfg.BucketSize)
	}
	if b.cfg.DistNum == 0 {
		klog.Warningf("%s: dist_num=0, no per-bucket statistics will be reported", b)
	}
	top := topKByNorm(collector.Stats, b.cfg.DistNum)
	summary := &Summary{
		Buckets: BucketStatistics{
			Norms:  xslices.Map(top, func(s bucketing.Statistics) float64 { return s.Norm }),
			Means:  xslices.Map(top, func(s bucketing.Statistics) float64 { return s.Mean }),
			Sigmas: xslices.Map(top, func(s bucketing.Statistics) float64 { return s.Sigma }),
		},
		Layer:      LayerStatistics{Mean: collector.Mean(), Sigma: collector.Sigma()},
		NumBuckets: len(collector.Stats),
		NumPooled:  collector.Count,
	}
	klog.V(1).Infof("%s: SnapOnlineMean over %d samples: %s buckets, %s values pooled, mean=%g, sigma=%g",
		b, b.cfg.NumberOfSamples, humanize.Comma(int64(summary.NumBuckets)), humanize.Comma(int64(summary.NumPooled)),
		summary.Layer.Mean, summary.Layer.Sigma)
	return summary, nil
}

// MeanVariance holds the results of MeanVarianceSNR.
type MeanVariance struct {
	// Mean gradient, one tensor per parameter.
	Mean gradients.Gradient

	// Variance is the mean squared deviation from Mean, per element and per round.
	Variance float64

	// SNR is the mean over all elements of log(signal) - log(noise), where signal is the sum of the squared
	// gradients and noise the sum of the squared deviations from Mean.
	SNR float64

	// NoiseToSignal is the mean over all elements of noise / signal.
	NoiseToSignal float64
}

// MeanVarianceSNR estimates the mean of the gradients produced by e (see GradEstim) over rounds samples,
// and then their variance and signal-to-noise ratios over rounds new samples.
//
// Each sample is the full output of e.Grad, drawn from the estimation stream.
func MeanVarianceSNR(e GradEstimator, m model.Model, rounds int) (mv *MeanVariance, err error) {
	if rounds <= 0 {
		return nil, errors.Errorf("MeanVarianceSNR requires rounds > 0, got %d", rounds)
	}
	b := e.Core()
	exception := exceptions.TryCatch[error](func() { mv, err = meanVarianceSNR(e, m, rounds) })
	if exception != nil {
		err = exception
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: MeanVarianceSNR", b)
	}
	klog.V(1).Infof("%s: MeanVarianceSNR over %d rounds: variance=%g, snr=%g, noise/signal=%g",
		b, rounds, mv.Variance, mv.SNR, mv.NoiseToSignal)
	return mv, nil
}

func meanVarianceSNR(e GradEstimator, m model.Model, rounds int) (*MeanVariance, error) {
	values := model.Values(m)
	mean := gradients.ZerosLike(values)
	for range rounds {
		result, err := GradEstim(e, m)
		if err != nil {
			return nil, err
		}
		mean.AddInPlace(result.Gradient)
	}
	mean.ScaleInPlace(1 / float64(rounds))

	numElements := float64(values.NumElements())
	signal, noise := gradients.ZerosLike(values), gradients.ZerosLike(values)
	var variance float64
	for range rounds {
		result, err := GradEstim(e, m)
		if err != nil {
			return nil, err
		}
		if !result.Gradient.SameShapes(values.Shapes()) {
			return nil, errors.Errorf("estimator returned gradient with shapes %v, parameters have shapes %v",
				result.Gradient.Shapes(), values.Shapes())
		}
		var roundVariance float64
		for ii, g := range result.Gradient {
			gFlat := g.Flat()
			deviation := make([]float64, len(gFlat))
			floats.SubTo(deviation, gFlat, mean[ii].Flat())
			floats.Mul(deviation, deviation)
			roundVariance += floats.Sum(deviation)
			floats.Add(noise[ii].Flat(), deviation)
			floats.MulTo(deviation, gFlat, gFlat)
			floats.Add(signal[ii].Flat(), deviation)
		}
		variance += roundVariance / numElements
	}

	mv := &MeanVariance{Mean: mean, Variance: variance / float64(rounds)}
	for ii := range signal {
		noiseFlat := noise[ii].Flat()
		for jj, s := range signal[ii].Flat() {
			n := noiseFlat[jj]
			mv.SNR += math.Log(s+snrEpsilon) - math.Log(n+snrEpsilon)
			mv.NoiseToSignal += n / (s + noiseToSignalEpsilon)
		}
	}
	mv.SNR /= numElements
	mv.NoiseToSignal /= numElements
	return mv, nil
}

// SnapOnline returns the mean and the variance of the bucket-normalized raw gradients, with each parameter
// bucketed separately.
//
// The mean gradient is estimated over Config.NumberOfSamples samples of the estimation stream, and the
// variance (mean squared deviation per element and sample) over as many new samples. If
// Config.IgnoreSmallBucketsOnline is set, the elements of partial buckets are excluded from both.
func (b *Base) SnapOnline(m model.Model) (mean, variance float64, err error) {
	numSamples := b.cfg.NumberOfSamples
	var meanGrad gradients.Gradient
	var included []int // Number of elements of each parameter taken into account.
	for range numSamples {
		var normalized gradients.Gradient
		normalized, err = b.normalizedGradient(m)
		if err != nil {
			return
		}
		if meanGrad == nil {
			meanGrad = gradients.ZerosLike(normalized)
			included = b.includedElements(normalized)
		}
		meanGrad.AddInPlace(normalized)
	}
	meanGrad.ScaleInPlace(1 / float64(numSamples))
	count := 0
	for ii, n := range included {
		mean += floats.Sum(meanGrad[ii].Flat()[:n])
		count += n
	}
	if count == 0 {
		err = errors.Errorf("%s: SnapOnline has no elements left after excluding partial buckets (ig_sm_bkts=%t, nuq_bucket_size=%d)",
			b, b.cfg.IgnoreSmallBucketsOnline, b.cfg.BucketSize)
		return
	}
	mean /= float64(count)

	for range numSamples {
		var normalized gradients.Gradient
		normalized, err = b.normalizedGradient(m)
		if err != nil {
			return
		}
		for ii, n := range included {
			deviation := make([]float64, n)
			floats.SubTo(deviation, normalized[ii].Flat()[:n], meanGrad[ii].Flat()[:n])
			variance += floats.Dot(deviation, deviation)
		}
	}
	variance /= float64(numSamples * count)
	klog.V(1).Infof("%s: SnapOnline over %d samples: mean=%g, variance=%g", b, numSamples, mean, variance)
	return
}

// normalizedGradient returns a raw gradient from the estimation stream, with each parameter bucketed and
// normalized separately.
func (b *Base) normalizedGradient(m model.Model) (gradients.Gradient, error) {
	g, err := b.rawGradient(m)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: SnapOnline", b)
	}
	normalized := make(gradients.Gradient, len(g))
	for ii, t := range g {
		normalized[ii] = t.Clone()
		copy(normalized[ii].Flat(), bucketing.NormalizeAll(t.Flat(), b.cfg.BucketSize))
	}
	return normalized, nil
}

// includedElements returns, for each tensor of g, the number of leading elements used by SnapOnline: all
// of them, or only those in full buckets if Config.IgnoreSmallBucketsOnline is set.
func (b *Base) includedElements(g gradients.Gradient) []int {
	included := make([]int, len(g))
	for ii, t := range g {
		included[ii] = t.Size()
		if b.cfg.IgnoreSmallBucketsOnline {
			included[ii] -= t.Size() % b.cfg.BucketSize
		}
	}
	return included
}
