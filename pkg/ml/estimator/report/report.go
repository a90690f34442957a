// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package report exports the gradient statistics measured by the estimators: CSV tables and histogram
// plots.
package report

import (
	"io"
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gradestim/pkg/ml/estimator"
	"github.com/gomlx/gradestim/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// Column names of the bucket statistics table.
const (
	NormColumn  = "norm"
	MeanColumn  = "mean"
	SigmaColumn = "sigma"
)

// DefaultNumBins is the number of bins used by the histograms of PlotSummary.
var DefaultNumBins = 20

// BucketsDataFrame returns the per-bucket statistics of the summary as a table, one row per bucket, in the
// order of the summary (decreasing norm).
func BucketsDataFrame(summary *estimator.Summary) dataframe.DataFrame {
	return dataframe.New(
		series.New(summary.Buckets.Norms, series.Float, NormColumn),
		series.New(summary.Buckets.Means, series.Float, MeanColumn),
		series.New(summary.Buckets.Sigmas, series.Float, SigmaColumn),
	)
}

// WriteCSV writes the per-bucket statistics of the summary as CSV, with a header.
func WriteCSV(w io.Writer, summary *estimator.Summary) error {
	df := BucketsDataFrame(summary)
	if df.Err != nil {
		return errors.Wrap(df.Err, "failed to build bucket statistics table")
	}
	if err := df.WriteCSV(w); err != nil {
		return errors.Wrap(err, "failed to write bucket statistics CSV")
	}
	return nil
}

// WriteCSVFile is like WriteCSV, but writes to the file at path, creating its directory if needed.
func WriteCSVFile(path string, summary *estimator.Summary) (err error) {
	if path, err = fsutil.ExpandTilde(path); err != nil {
		return err
	}
	if err = fsutil.EnsureParentDir(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close %q", path)
		}
	}()
	return WriteCSV(f, summary)
}

// PlotHistogram saves a histogram of the values to path. The image format is given by the extension of
// path (e.g. ".png", ".svg" or ".pdf").
func PlotHistogram(path, title string, values []float64, numBins int) error {
	if len(values) == 0 {
		return errors.Errorf("PlotHistogram(%q): no values to plot", title)
	}
	if numBins <= 0 {
		return errors.Errorf("PlotHistogram(%q): numBins must be > 0, got %d", title, numBins)
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = title
	p.Y.Label.Text = "buckets"
	hist, err := plotter.NewHist(plotter.Values(values), numBins)
	if err != nil {
		return errors.Wrapf(err, "PlotHistogram(%q)", title)
	}
	p.Add(hist)
	if err = fsutil.EnsureParentDir(path); err != nil {
		return err
	}
	if err = p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save histogram to %q", path)
	}
	return nil
}

// PlotSummary saves the histograms of the norms, means and standard deviations of the buckets of the
// summary to "<prefix>_norm.png", "<prefix>_mean.png" and "<prefix>_sigma.png" in dir. It returns the
// paths of the files written.
func PlotSummary(dir, prefix string, summary *estimator.Summary) ([]string, error) {
	dir, err := fsutil.ExpandTilde(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, column := range []struct {
		name   string
		values []float64
	}{
		{NormColumn, summary.Buckets.Norms},
		{MeanColumn, summary.Buckets.Means},
		{SigmaColumn, summary.Buckets.Sigmas},
	} {
		path := filepath.Join(dir, prefix+"_"+column.name+".png")
		if err := PlotHistogram(path, column.name, column.values, DefaultNumBins); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	klog.V(1).Infof("report: saved %d histograms of %d buckets to %q", len(paths), summary.Buckets.Len(), dir)
	return paths, nil
}
