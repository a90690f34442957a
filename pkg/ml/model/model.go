// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the contract of the trainable models consumed by the gradient estimators, and
// helpers that operate on any Model.
//
// A Model exposes its parameters (in a stable order), each with a value and an optional gradient slot, a
// loss (Criterion) and the gradient of the loss with respect to its parameters (Gradient). Gradient has no
// side effects: Backward is the helper that accumulates a gradient into the parameter gradient slots.
//
// Every model lives on one device (its parameters are placed there). Clone creates a deep copy on
// another device, and CopyWeights is the explicit transfer of the parameter values between replicas.
package model

import (
	"github.com/gomlx/gradestim/pkg/core/devices"
	"github.com/gomlx/gradestim/pkg/core/shapes"
	"github.com/gomlx/gradestim/pkg/core/tensors"
	"github.com/gomlx/gradestim/pkg/ml/datasets"
	"github.com/gomlx/gradestim/pkg/ml/gradients"
	"github.com/pkg/errors"
)

// Parameter is one trainable tensor of a model, and its gradient slot.
type Parameter struct {
	Name string

	// Value of the parameter, placed on the model's device.
	Value *tensors.Tensor

	// Grad is the accumulated gradient slot, nil if absent. When present, it has the same shape and device
	// as Value.
	Grad *tensors.Tensor
}

// Model is the contract of trainable models.
type Model interface {
	// Parameters returns the trainable parameters, always in the same order.
	Parameters() []*Parameter

	// Device where the parameters are placed. nil is the host.
	Device() *devices.Device

	// ZeroGrad clears the gradient slots of all parameters.
	ZeroGrad()

	// Criterion returns the loss of the model on the batch.
	Criterion(batch datasets.Batch) (float64, error)

	// Gradient returns the loss and its gradient with respect to each parameter, in the order of Parameters,
	// placed on the model's device. It doesn't change the parameters or their gradient slots.
	Gradient(batch datasets.Batch) (loss float64, grad gradients.Gradient, err error)

	// Clone returns a deep copy of the model (parameter values, not gradients) placed on device.
	Clone(device *devices.Device) (Model, error)
}

// ShapesOf returns the shapes of the parameters, in order.
func ShapesOf(params []*Parameter) []shapes.Shape {
	s := make([]shapes.Shape, len(params))
	for ii, p := range params {
		s[ii] = p.Value.Shape()
	}
	return s
}

// NumElements returns the total number of scalar values in the parameters of m.
func NumElements(m Model) int {
	return shapes.TotalSize(ShapesOf(m.Parameters()))
}

// Values returns the parameter values of m, in order. They are not copies.
func Values(m Model) gradients.Gradient {
	params := m.Parameters()
	values := make(gradients.Gradient, len(params))
	for ii, p := range params {
		values[ii] = p.Value
	}
	return values
}

// Grads returns the gradient slots of m, in order, allocating zero-valued slots for parameters that have
// none. They are not copies: changing them changes the model's gradient slots.
func Grads(m Model) gradients.Gradient {
	params := m.Parameters()
	grads := make(gradients.Gradient, len(params))
	for ii, p := range params {
		if p.Grad == nil {
			p.Grad = tensors.ZerosLike(p.Value)
		}
		grads[ii] = p.Grad
	}
	return grads
}

// ZeroGrads clears the gradient slots of params that are present.
//
// It's a helper to implement Model.ZeroGrad.
func ZeroGrads(params []*Parameter) {
	for _, p := range params {
		if p.Grad != nil {
			p.Grad.ZeroInPlace()
		}
	}
}

// SetGrads copies g into the gradient slots of m, allocating the slots that are absent.
// g must have the same shapes as the parameters, and be on the model's device.
func SetGrads(m Model, g gradients.Gradient) error {
	params := m.Parameters()
	if !g.SameShapes(ShapesOf(params)) {
		return errors.Errorf("SetGrads: gradient shapes %v don't match parameter shapes %v", g.Shapes(), ShapesOf(params))
	}
	for ii, p := range params {
		if p.Grad == nil {
			p.Grad = g[ii].Clone()
		} else {
			p.Grad.CopyFrom(g[ii])
		}
	}
	return nil
}

// Backward computes the gradient of the loss of m on batch, and adds it to the gradient slots of the
// parameters (allocating them if absent). It returns the loss.
func Backward(m Model, batch datasets.Batch) (float64, error) {
	loss, g, err := m.Gradient(batch)
	if err != nil {
		return 0, err
	}
	params := m.Parameters()
	if len(g) != len(params) {
		return 0, errors.Errorf("Backward: model returned %d gradient tensors for %d parameters", len(g), len(params))
	}
	for ii, p := range params {
		if p.Grad == nil {
			p.Grad = g[ii]
		} else {
			p.Grad.AddInPlace(g[ii])
		}
	}
	return loss, nil
}

// CopyWeights overwrites the parameter values of dst with the ones from src, transferring them to dst's
// device. Both models must have parameters with the same shapes.
func CopyWeights(dst, src Model) error {
	dstParams, srcParams := dst.Parameters(), src.Parameters()
	if len(dstParams) != len(srcParams) {
		return errors.Errorf("CopyWeights: destination has %d parameters, source has %d", len(dstParams), len(srcParams))
	}
	for ii, p := range dstParams {
		srcValue := srcParams[ii].Value
		if !p.Value.Shape().Equal(srcValue.Shape()) {
			return errors.Errorf("CopyWeights: parameter #%d (%q) has shape %s, source has %s",
				ii, p.Name, p.Value.Shape(), srcValue.Shape())
		}
		if srcValue.Device() != dst.Device() {
			srcValue = srcValue.ToDevice(dst.Device())
		}
		p.Value.CopyFrom(srcValue)
	}
	return nil
}
