// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"github.com/gomlx/gradestim/pkg/ml/gradients"
	"github.com/gomlx/gradestim/pkg/ml/model"
	"github.com/gomlx/gradestim/pkg/ml/quantize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// sequentialCodecKey is the key of the codec state in Sequential.State.
const sequentialCodecKey = "codec"

// Sequential estimator computes Config.NumReplicas gradient samples one after the other on the same model,
// quantizes each of them, and accumulates them scaled by 1/NumReplicas.
//
// The Gradient returned by Grad is the estimator's accumulator: it's overwritten by the next call.
type Sequential struct {
	*Base

	codec quantize.Codec

	// acc is the accumulator, reused across calls while the parameter shapes don't change.
	acc gradients.Gradient
}

var _ GradEstimator = (*Sequential)(nil)

func newSequential(base *Base) (GradEstimator, error) {
	codec, err := base.cfg.NewCodec(0)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: failed to create codec", base)
	}
	return &Sequential{Base: base, codec: codec}, nil
}

// Codec used to quantize the gradient samples.
func (s *Sequential) Codec() quantize.Codec { return s.codec }

// Grad implements GradEstimator.
func (s *Sequential) Grad(m model.Model, inPlace bool) (Result, error) {
	return s.runRound(func() (Result, error) { return s.round(m, inPlace) })
}

func (s *Sequential) round(m model.Model, inPlace bool) (Result, error) {
	s.resetAccumulator(m)
	numSamples := s.cfg.NumReplicas
	var loss float64
	for ii := range numSamples {
		batch, err := s.nextBatch()
		if err != nil {
			return Result{}, err
		}
		m.ZeroGrad()
		var g gradients.Gradient
		loss, g, err = m.Gradient(batch)
		if err != nil {
			return Result{}, errors.WithMessagef(err, "sample #%d", ii)
		}
		q, err := quantizeGradient(s.codec, g, s.cfg.LayerBased(), 1/float64(numSamples))
		if err != nil {
			return Result{}, errors.WithMessagef(err, "sample #%d", ii)
		}
		s.acc.AddInPlace(q)
	}
	klog.V(2).Infof("%s: accumulated %d samples, last loss=%g", s, numSamples, loss)
	if inPlace {
		if err := model.SetGrads(m, s.acc); err != nil {
			return Result{}, err
		}
		return Result{Loss: loss}, nil
	}
	return Result{Loss: loss, Gradient: s.acc}, nil
}

// resetAccumulator zeroes the accumulator, or allocates a new one if the shapes or the device of the
// parameters of m changed.
func (s *Sequential) resetAccumulator(m model.Model) {
	values := model.Values(m)
	if s.acc != nil && s.acc.SameShapes(values.Shapes()) &&
		(len(s.acc) == 0 || s.acc[0].Device() == m.Device()) {
		s.acc.Zero()
		return
	}
	s.acc = gradients.ZerosLike(values)
}

// State implements GradEstimator: the state of the codec, if it's stateful.
func (s *Sequential) State() ([]byte, error) {
	return saveCodecStates(map[string]quantize.Codec{sequentialCodecKey: s.codec})
}

// LoadState implements GradEstimator.
func (s *Sequential) LoadState(state []byte) error {
	if err := loadCodecStates(state, map[string]quantize.Codec{sequentialCodecKey: s.codec}); err != nil {
		return errors.WithMessagef(err, "%s: LoadState", s)
	}
	return nil
}

// quantizeGradient quantizes g with codec, and scales the result.
//
// If layerBased, each tensor is quantized separately. Otherwise, g is flattened into one sequence,
// quantized at once and unflattened back. Either way the codec is told the number of parameters as the
// layer count.
func quantizeGradient(codec quantize.Codec, g gradients.Gradient, layerBased bool, scale float64) (gradients.Gradient, error) {
	layerCount := len(g)
	if layerBased {
		q := make(gradients.Gradient, len(g))
		for ii, t := range g {
			qt, err := codec.Quantize(t, layerCount)
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to quantize gradient of parameter #%d", ii)
			}
			qt.ScaleInPlace(scale)
			q[ii] = qt
		}
		return q, nil
	}
	flat, err := codec.Quantize(gradients.Flatten(g), layerCount)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to quantize flattened gradient")
	}
	flat.ScaleInPlace(scale)
	return gradients.UnflattenLike(flat, g)
}
