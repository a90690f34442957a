// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/gradestim/pkg/ml/estimator"
	"github.com/gomlx/gradestim/pkg/support/fsutil"
	"github.com/gomlx/gradestim/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSummary() *estimator.Summary {
	return &estimator.Summary{
		Buckets: estimator.BucketStatistics{
			Norms:  []float64{4.5, 3.25, 1, 0.5},
			Means:  []float64{0.125, -0.25, 0.5, 0},
			Sigmas: []float64{0.5, 0.375, 0.25, 0.125},
		},
		Layer:      estimator.LayerStatistics{Mean: 0.1, Sigma: 0.3},
		NumBuckets: 10,
		NumPooled:  1000,
	}
}

func TestWriteCSV(t *testing.T) {
	summary := testSummary()
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, summary))
	assert.True(t, strings.HasPrefix(buf.String(), "norm,mean,sigma\n"), "got %q", buf.String())

	df := dataframe.ReadCSV(&buf)
	require.NoError(t, df.Err)
	assert.Equal(t, []string{NormColumn, MeanColumn, SigmaColumn}, df.Names())
	assert.True(t, xslices.InDelta(summary.Buckets.Norms, df.Col(NormColumn).Float(), 1e-6))
	assert.True(t, xslices.InDelta(summary.Buckets.Means, df.Col(MeanColumn).Float(), 1e-6))
	assert.True(t, xslices.InDelta(summary.Buckets.Sigmas, df.Col(SigmaColumn).Float(), 1e-6))

	path := filepath.Join(t.TempDir(), "reports", "buckets.csv")
	require.NoError(t, WriteCSVFile(path, summary))
	contents := must.M1(os.ReadFile(path))
	assert.Equal(t, 5, strings.Count(string(contents), "\n"))
}

func TestPlotSummary(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plots")
	paths, err := PlotSummary(dir, "step_100", testSummary())
	require.NoError(t, err)
	require.Len(t, paths, 3)
	for _, path := range paths {
		assert.True(t, must.M1(fsutil.FileExists(path)), "missing %q", path)
	}
	assert.Equal(t, filepath.Join(dir, "step_100_norm.png"), paths[0])

	require.Error(t, PlotHistogram(filepath.Join(dir, "empty.png"), "empty", nil, 10))
	require.Error(t, PlotHistogram(filepath.Join(dir, "bins.png"), "bins", []float64{1}, 0))
}
