// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model_test

import (
	"testing"

	"github.com/gomlx/gradestim/pkg/core/devices"
	"github.com/gomlx/gradestim/pkg/core/shapes"
	"github.com/gomlx/gradestim/pkg/core/tensors"
	"github.com/gomlx/gradestim/pkg/ml/gradients"
	"github.com/gomlx/gradestim/pkg/ml/model"
	"github.com/gomlx/gradestim/pkg/ml/models/linear"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpers(t *testing.T) {
	m := linear.New(3, 2, 0)
	assert.Equal(t, []shapes.Shape{shapes.Make(2, 3), shapes.Make(2)}, model.ShapesOf(m.Parameters()))
	assert.Equal(t, 8, model.NumElements(m))
	assert.Same(t, m.Parameters()[0].Value, model.Values(m)[0])

	// Grads allocates zero-valued slots, shared with the model.
	for _, p := range m.Parameters() {
		require.Nil(t, p.Grad)
	}
	grads := model.Grads(m)
	require.NotNil(t, m.Parameters()[1].Grad)
	assert.Same(t, m.Parameters()[1].Grad, grads[1])
	assert.Equal(t, []float64{0, 0}, grads[1].Flat())

	g := gradients.Gradient{
		tensors.FromScalarAndDimensions(1, 2, 3),
		tensors.FromFlatDataAndDimensions([]float64{5, 7}, 2),
	}
	require.NoError(t, model.SetGrads(m, g))
	assert.Equal(t, []float64{5, 7}, m.Parameters()[1].Grad.Flat())
	assert.NotSame(t, g[1], m.Parameters()[1].Grad)
	require.Error(t, model.SetGrads(m, g[:1]))

	m.ZeroGrad()
	assert.Equal(t, []float64{0, 0}, m.Parameters()[1].Grad.Flat())
}

func TestCopyWeightsErrors(t *testing.T) {
	device := devices.New(0)
	defer device.Finalize()
	src := linear.New(3, 2, 1)
	dst := must.M1(linear.New(3, 2, 2).Clone(device))
	require.NoError(t, model.CopyWeights(dst, src))
	assert.True(t, dst.Parameters()[0].Value.Equal(src.Parameters()[0].Value.ToDevice(device)))
	assert.Equal(t, device, dst.Parameters()[0].Value.Device())

	require.Error(t, model.CopyWeights(linear.New(2, 2, 0), src))
}
