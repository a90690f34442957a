// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"path/filepath"

	"github.com/gomlx/gradestim/pkg/ml/estimator"
	"github.com/gomlx/gradestim/pkg/ml/estimator/report"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type everyNSteps struct {
	n, count int
	fn       OnStepFn
}

func (eN *everyNSteps) onStep(loop *Loop, loss float64) error {
	eN.count++
	if eN.count%eN.n != 0 {
		return nil
	}
	return eN.fn(loop, loss)
}

// EveryNSteps registers a OnStep hook on the loop that is called every N times.
//
// Notice that it does not call `fn` at the last step (except by coincidence).
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	eN := &everyNSteps{n: n, fn: fn}
	fullName := fmt.Sprintf("EveryNSteps(%d): %s", n, name)
	loop.OnStep(fullName, priority, eN.onStep)
}

// Keys of Loop.SharedData published by ReportStatistics.
const (
	// SummaryKey holds the last *estimator.Summary measured.
	SummaryKey = "estimator_summary"

	// MeanVarianceKey holds the last *estimator.MeanVariance measured.
	MeanVarianceKey = "estimator_mean_variance"
)

// StatisticsConfig configures ReportStatistics.
type StatisticsConfig struct {
	// Every how many steps the statistics are measured.
	Every int

	// Dir where the CSV tables and histograms are written, one set per measurement. If empty, nothing is
	// written, and the statistics are only logged and published in Loop.SharedData.
	Dir string

	// Plot enables the histograms of the bucket statistics (only if Dir is set).
	Plot bool

	// SNRRounds, if > 0, also measures the mean, variance and signal-to-noise ratio of the estimator with
	// that many rounds.
	SNRRounds int
}

// ReportStatistics registers a hook that every cfg.Every steps snapshots the model weights and measures the
// gradient statistics of the loop's estimator. The statistics only draw from the estimation stream: they
// don't change the batches seen by training.
func ReportStatistics(loop *Loop, cfg StatisticsConfig) error {
	if cfg.Every <= 0 {
		return errors.Errorf("ReportStatistics: Every must be > 0, got %d", cfg.Every)
	}
	EveryNSteps(loop, cfg.Every, "ReportStatistics", 0, func(loop *Loop, _ float64) error {
		return reportStatistics(loop, cfg)
	})
	return nil
}

func reportStatistics(loop *Loop, cfg StatisticsConfig) error {
	base := loop.Estimator.Core()
	if err := base.SnapModel(loop.Model); err != nil {
		return err
	}
	summary, err := base.SnapOnlineMean(base.Snapshot())
	if err != nil {
		return err
	}
	loop.SharedData[SummaryKey] = summary
	klog.Infof("step %d: gradient mean=%g sigma=%g over %d buckets", loop.LoopStep,
		summary.Layer.Mean, summary.Layer.Sigma, summary.NumBuckets)

	if cfg.SNRRounds > 0 {
		mv, err := estimator.MeanVarianceSNR(loop.Estimator, loop.Model, cfg.SNRRounds)
		if err != nil {
			return err
		}
		loop.SharedData[MeanVarianceKey] = mv
		klog.Infof("step %d: gradient variance=%g snr=%g noise-to-signal=%g", loop.LoopStep,
			mv.Variance, mv.SNR, mv.NoiseToSignal)
	}

	if cfg.Dir == "" {
		return nil
	}
	prefix := fmt.Sprintf("step_%06d", loop.LoopStep)
	if err = report.WriteCSVFile(filepath.Join(cfg.Dir, prefix+".csv"), summary); err != nil {
		return err
	}
	if cfg.Plot && summary.Buckets.Len() > 0 {
		if _, err = report.PlotSummary(cfg.Dir, prefix, summary); err != nil {
			return err
		}
	}
	return nil
}
