// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"os"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gradestim/pkg/core/tensors"
	"github.com/pkg/errors"
)

// FromCSV reads a CSV table with a header line into an InMemoryDataset.
//
// The columns named in labelColumns become the labels, in the given order; all the other columns become
// the inputs, in the order of the file. Every value must be numeric.
func FromCSV(name string, r io.Reader, labelColumns ...string) (*InMemoryDataset, error) {
	if len(labelColumns) == 0 {
		return nil, errors.Errorf("FromCSV(%q): at least one label column is required", name)
	}
	df := dataframe.ReadCSV(r, dataframe.HasHeader(true), dataframe.DefaultType(series.Float))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "FromCSV(%q): failed to parse CSV", name)
	}
	columns := df.Names()
	for _, label := range labelColumns {
		if !slices.Contains(columns, label) {
			return nil, errors.Errorf("FromCSV(%q): label column %q not found in columns %q", name, label, columns)
		}
	}
	var inputColumns []string
	for _, col := range columns {
		if !slices.Contains(labelColumns, col) {
			inputColumns = append(inputColumns, col)
		}
	}
	if len(inputColumns) == 0 {
		return nil, errors.Errorf("FromCSV(%q): no input columns left after removing labels %q", name, labelColumns)
	}
	inputs, err := dataFrameToTensor(df, inputColumns)
	if err != nil {
		return nil, errors.WithMessagef(err, "FromCSV(%q) inputs", name)
	}
	labels, err := dataFrameToTensor(df, labelColumns)
	if err != nil {
		return nil, errors.WithMessagef(err, "FromCSV(%q) labels", name)
	}
	return InMemory(name, inputs, labels)
}

// FromCSVFile is like FromCSV, reading from the file in path. The dataset is named after the path.
func FromCSVFile(path string, labelColumns ...string) (*InMemoryDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open CSV file")
	}
	defer func() { _ = f.Close() }()
	return FromCSV(path, f, labelColumns...)
}

// dataFrameToTensor converts the given columns of df to a tensor shaped [df.Nrow(), len(columns)].
func dataFrameToTensor(df dataframe.DataFrame, columns []string) (*tensors.Tensor, error) {
	numRows := df.Nrow()
	flat := make([]float64, numRows*len(columns))
	for colNum, colName := range columns {
		col := df.Col(colName)
		if col.Type() != series.Float && col.Type() != series.Int {
			return nil, errors.Errorf("column %q has type %s, only numeric columns are supported", colName, col.Type())
		}
		for rowNum, value := range col.Float() {
			flat[rowNum*len(columns)+colNum] = value
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, numRows, len(columns)), nil
}
