// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradients

import (
	"github.com/gomlx/gradestim/pkg/core/shapes"
	"github.com/gomlx/gradestim/pkg/core/tensors"
	"github.com/pkg/errors"
)

// isBias returns whether a parameter of the given rank belongs to the "bias" group.
func isBias(t *tensors.Tensor) bool {
	return t.Rank() == 1
}

// Flatten concatenates all tensors of g, in order, into one rank-1 tensor.
func Flatten(g Gradient) *tensors.Tensor {
	return tensors.Concatenate(g...)
}

// FlattenLayerBased returns one rank-1 tensor per parameter, with no cross-parameter concatenation.
func FlattenLayerBased(g Gradient) []*tensors.Tensor {
	flat := make([]*tensors.Tensor, len(g))
	for ii, t := range g {
		flat[ii] = t.Reshape(t.Size())
	}
	return flat
}

// FlattenSeparated partitions the parameters by rank, and concatenates each group in the original order:
// rank 1 parameters form the "bias" group, all others form the "weight" group.
//
// A group with no members yields an empty rank-1 tensor, on the device of the gradient.
func FlattenSeparated(g Gradient) (bias, weight *tensors.Tensor) {
	biasGroup, weightGroup := FlattenLayerBasedSeparated(g)
	return concatenateGroup(g, biasGroup), concatenateGroup(g, weightGroup)
}

// concatenateGroup concatenates the group, placing an empty group on the device of g.
func concatenateGroup(g Gradient, group []*tensors.Tensor) *tensors.Tensor {
	flat := tensors.Concatenate(group...)
	if len(group) == 0 && len(g) > 0 && g[0].Device() != nil {
		flat = flat.ToDevice(g[0].Device())
	}
	return flat
}

// FlattenLayerBasedSeparated returns one rank-1 tensor per parameter, partitioned in the "bias" (rank 1)
// and "weight" (all other ranks) groups, each in the original order.
func FlattenLayerBasedSeparated(g Gradient) (bias, weight []*tensors.Tensor) {
	for _, t := range g {
		if isBias(t) {
			bias = append(bias, t.Reshape(t.Size()))
		} else {
			weight = append(weight, t.Reshape(t.Size()))
		}
	}
	return
}

// Unflatten splits the rank-1 flat tensor into tensors with the given shapes, in order.
// It is the inverse of Flatten.
//
// It returns an error if flat is not rank-1, or if its size is not exactly the total size of the shapes:
// it never truncates or pads.
func Unflatten(flat *tensors.Tensor, parameterShapes []shapes.Shape) (Gradient, error) {
	if flat.Rank() != 1 {
		return nil, errors.Errorf("Unflatten requires a rank-1 tensor, got shape %s", flat.Shape())
	}
	total := shapes.TotalSize(parameterShapes)
	if total != flat.Size() {
		return nil, errors.Errorf("Unflatten: flat tensor has %d elements, but the %d parameter shapes require %d",
			flat.Size(), len(parameterShapes), total)
	}
	g := make(Gradient, len(parameterShapes))
	begin := 0
	for ii, shape := range parameterShapes {
		size := shape.Size()
		g[ii] = flat.Slice(begin, begin+size).Reshape(shape.Dimensions...)
		begin += size
	}
	return g, nil
}

// UnflattenLike is like Unflatten, using the shapes of the reference gradient.
func UnflattenLike(flat *tensors.Tensor, reference Gradient) (Gradient, error) {
	return Unflatten(flat, reference.Shapes())
}
