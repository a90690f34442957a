// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package linear implements a linear regression model.Model with the analytic gradient of its
// mean squared error loss.
//
// The model computes `predictions = inputs · weightsᵀ + biases`, with weights shaped
// [numOutputs, numInputs] and biases shaped [numOutputs]. The loss is the mean of the squared errors over
// all examples and outputs of the batch.
package linear

import (
	"fmt"
	"math/rand"

	"github.com/gomlx/gradestim/pkg/core/devices"
	"github.com/gomlx/gradestim/pkg/core/shapes"
	"github.com/gomlx/gradestim/pkg/core/tensors"
	"github.com/gomlx/gradestim/pkg/ml/datasets"
	"github.com/gomlx/gradestim/pkg/ml/gradients"
	"github.com/gomlx/gradestim/pkg/ml/model"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Names of the parameters.
const (
	WeightsName = "weights"
	BiasesName  = "biases"
)

// Model is a linear regression model.
type Model struct {
	numInputs, numOutputs int
	device                *devices.Device
	weights, biases       *model.Parameter
}

var _ model.Model = (*Model)(nil)

// New creates a linear model on the host, with weights initialized from a normal distribution with standard
// deviation 0.1 (seeded) and zero biases.
func New(numInputs, numOutputs int, seed int64) *Model {
	rng := rand.New(rand.NewSource(seed))
	weights := tensors.FromShape(shapes.Make(numOutputs, numInputs))
	for ii := range weights.Flat() {
		weights.Flat()[ii] = 0.1 * rng.NormFloat64()
	}
	m, err := NewWithValues(weights, tensors.FromShape(shapes.Make(numOutputs)))
	if err != nil {
		panic(err)
	}
	return m
}

// NewWithValues creates a linear model with copies of the given weights ([numOutputs, numInputs]) and
// biases ([numOutputs]), placed on the weights' device.
func NewWithValues(weights, biases *tensors.Tensor) (*Model, error) {
	if weights.Rank() != 2 || biases.Rank() != 1 || biases.Shape().Dim(0) != weights.Shape().Dim(0) {
		return nil, errors.Errorf("linear.NewWithValues: invalid shapes for weights %s and biases %s, "+
			"they must be [numOutputs, numInputs] and [numOutputs]", weights.Shape(), biases.Shape())
	}
	device := weights.Device()
	return &Model{
		numInputs:  weights.Shape().Dim(1),
		numOutputs: weights.Shape().Dim(0),
		device:     device,
		weights:    &model.Parameter{Name: WeightsName, Value: weights.Clone()},
		biases:     &model.Parameter{Name: BiasesName, Value: biases.ToDevice(device)},
	}, nil
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	return fmt.Sprintf("linear.Model(%d->%d)@%s", m.numInputs, m.numOutputs, m.device)
}

// Parameters implements model.Model: weights and biases, in this order.
func (m *Model) Parameters() []*model.Parameter {
	return []*model.Parameter{m.weights, m.biases}
}

// Device implements model.Model.
func (m *Model) Device() *devices.Device { return m.device }

// ZeroGrad implements model.Model.
func (m *Model) ZeroGrad() {
	model.ZeroGrads(m.Parameters())
}

// Clone implements model.Model.
func (m *Model) Clone(device *devices.Device) (model.Model, error) {
	clone, err := NewWithValues(m.weights.Value.ToDevice(device), m.biases.Value.ToDevice(device))
	if err != nil {
		return nil, err
	}
	return clone, nil
}

// checkBatch returns the inputs and the labels of the batch as matrices.
func (m *Model) checkBatch(batch datasets.Batch) (inputs, labels *mat.Dense, err error) {
	if batch.Inputs == nil || batch.Labels == nil {
		return nil, nil, errors.New("linear.Model: batch is missing inputs or labels")
	}
	inShape, labelsShape := batch.Inputs.Shape(), batch.Labels.Shape()
	if inShape.Rank() != 2 || inShape.Dim(1) != m.numInputs || inShape.Dim(0) == 0 {
		return nil, nil, errors.Errorf("%s: inputs must be shaped [batchSize>0, %d], got %s", m, m.numInputs, inShape)
	}
	if labelsShape.Rank() != 2 || labelsShape.Dim(1) != m.numOutputs || labelsShape.Dim(0) != inShape.Dim(0) {
		return nil, nil, errors.Errorf("%s: labels must be shaped [%d, %d], got %s",
			m, inShape.Dim(0), m.numOutputs, labelsShape)
	}
	batchSize := inShape.Dim(0)
	inputs = mat.NewDense(batchSize, m.numInputs, batch.Inputs.CopyFlatData())
	labels = mat.NewDense(batchSize, m.numOutputs, batch.Labels.CopyFlatData())
	return
}

// residuals returns `predictions - labels`, shaped [batchSize, numOutputs], and the inputs matrix.
func (m *Model) residuals(batch datasets.Batch) (residuals, inputs *mat.Dense, err error) {
	inputs, labels, err := m.checkBatch(batch)
	if err != nil {
		return nil, nil, err
	}
	weights := mat.NewDense(m.numOutputs, m.numInputs, m.weights.Value.CopyFlatData())
	biases := m.biases.Value.Flat()
	residuals = &mat.Dense{}
	residuals.Mul(inputs, weights.T())
	residuals.Apply(func(_, j int, v float64) float64 { return v + biases[j] }, residuals)
	residuals.Sub(residuals, labels)
	return residuals, inputs, nil
}

// mse returns the mean squared value of the residuals.
func mse(residuals *mat.Dense) float64 {
	r, c := residuals.Dims()
	data := residuals.RawMatrix().Data
	return floats.Dot(data, data) / float64(r*c)
}

// Criterion implements model.Model: the mean squared error.
func (m *Model) Criterion(batch datasets.Batch) (float64, error) {
	residuals, _, err := m.residuals(batch)
	if err != nil {
		return 0, err
	}
	return mse(residuals), nil
}

// Gradient implements model.Model.
//
// With residuals R = X·Wᵀ + b - Y shaped [N, O], the gradients are `2/(N·O) · Rᵀ·X` for the weights and
// `2/(N·O) · Σ_rows R` for the biases.
func (m *Model) Gradient(batch datasets.Batch) (loss float64, grad gradients.Gradient, err error) {
	residuals, inputs, err := m.residuals(batch)
	if err != nil {
		return 0, nil, err
	}
	loss = mse(residuals)
	batchSize, _ := residuals.Dims()
	scale := 2.0 / float64(batchSize*m.numOutputs)

	var dWeights mat.Dense
	dWeights.Mul(residuals.T(), inputs)
	dWeights.Scale(scale, &dWeights)

	dBiases := make([]float64, m.numOutputs)
	for row := range batchSize {
		floats.Add(dBiases, residuals.RawRowView(row))
	}
	floats.Scale(scale, dBiases)

	grad = gradients.Gradient{
		tensors.FromFlatDataAndDimensions(dWeights.RawMatrix().Data, m.numOutputs, m.numInputs).ToDevice(m.device),
		tensors.FromFlatDataAndDimensions(dBiases, m.numOutputs).ToDevice(m.device),
	}
	return loss, grad, nil
}
