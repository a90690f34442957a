// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gradestim/pkg/core/devices"
	"github.com/gomlx/gradestim/pkg/ml/datasets"
	"github.com/gomlx/gradestim/pkg/ml/model"
	"github.com/gomlx/gradestim/pkg/ml/quantize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Replicated estimator computes each of the Config.NumReplicas gradient samples on its own copy of the
// model (a Replica), and sums the quantized samples (scaled by 1/NumReplicas) into replica 0, the model
// given to Grad.
//
// Replicas are created on the first call to Grad, and the estimator stays bound to that model afterward.
//
// The replicas' weights are copied from replica 0 before every round after the first. With multiDevice,
// replicas 1..NumReplicas-1 are placed on devices owned by the estimator (see Finalize), each replica has
// its own codec, and the copy is a transfer between devices. Otherwise, all replicas are placed on the
// device of replica 0 and share one codec.
type Replicated struct {
	*Base

	multiDevice bool

	// codecs has one codec per replica if multiDevice, otherwise only one shared by all replicas.
	codecs []quantize.Codec

	replicas []*Replica
	mesh     *devices.Mesh
	rounds   int
}

var _ GradEstimator = (*Replicated)(nil)

func newReplicated(base *Base, multiDevice bool) (GradEstimator, error) {
	r := &Replicated{Base: base, multiDevice: multiDevice}
	numCodecs := 1
	if multiDevice {
		numCodecs = base.cfg.NumReplicas
	}
	r.codecs = make([]quantize.Codec, numCodecs)
	for ii := range r.codecs {
		codec, err := base.cfg.NewCodec(ii)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: failed to create codec #%d", base, ii)
		}
		r.codecs[ii] = codec
	}
	return r, nil
}

// codec returns the codec of the replica with the given index.
func (r *Replicated) codec(replicaIdx int) quantize.Codec {
	if r.multiDevice {
		return r.codecs[replicaIdx]
	}
	return r.codecs[0]
}

// Replicas returns the replicas, or nil if Grad was never called.
func (r *Replicated) Replicas() []*Replica {
	return slices.Clone(r.replicas)
}

// Finalize releases the devices created for the replicas. The estimator can't be used afterward.
func (r *Replicated) Finalize() {
	if r.mesh != nil {
		r.mesh.Finalize()
	}
}

// ensureReplicas creates the replicas on the first call, or checks that m is replica 0 afterward.
func (r *Replicated) ensureReplicas(m model.Model) error {
	if r.replicas != nil {
		if r.replicas[0].Model != m {
			return errors.Errorf("%s: replicas were created for another model, each estimator can only be used with one model", r)
		}
		return nil
	}

	numReplicas := r.cfg.NumReplicas
	device0 := m.Device()
	if r.multiDevice && numReplicas > 1 {
		mesh, err := devices.NewMeshStartingAt(max(device0.Num(), 0)+1, numReplicas-1)
		if err != nil {
			return errors.WithMessagef(err, "%s: failed to create devices for the replicas", r)
		}
		r.mesh = mesh
	}
	replicas := make([]*Replica, numReplicas)
	replicas[0] = &Replica{Index: 0, Device: device0, Model: m, Codec: r.codec(0)}
	for ii := 1; ii < numReplicas; ii++ {
		device := device0
		if r.mesh != nil {
			device = r.mesh.Device(ii - 1)
		}
		clone, err := m.Clone(device)
		if err != nil {
			r.Finalize()
			r.mesh = nil
			return errors.WithMessagef(err, "%s: failed to create replica #%d", r, ii)
		}
		replicas[ii] = &Replica{Index: ii, Device: device, Model: clone, Codec: r.codec(ii)}
	}
	r.replicas = replicas
	klog.V(1).Infof("%s: created %d replicas with %s parameter values each: %v",
		r, numReplicas, humanize.Comma(int64(model.NumElements(m))), replicas)
	return nil
}

// Grad implements GradEstimator.
//
// If inPlace is false, the returned Gradient is a copy of the gradient slots of replica 0.
func (r *Replicated) Grad(m model.Model, inPlace bool) (Result, error) {
	return r.runRound(func() (Result, error) { return r.round(m, inPlace) })
}

func (r *Replicated) round(m model.Model, inPlace bool) (Result, error) {
	if err := r.ensureReplicas(m); err != nil {
		return Result{}, err
	}
	if r.rounds > 0 {
		for _, replica := range r.replicas[1:] {
			if err := model.CopyWeights(replica.Model, m); err != nil {
				return Result{}, errors.WithMessagef(err, "failed to synchronize weights of %s", replica)
			}
		}
	}
	r.rounds++

	// Batches are drawn in ascending replica order, and each replica's work is enqueued on its device.
	losses := make([]float64, len(r.replicas))
	var firstErr error
	for ii, replica := range r.replicas {
		batch, err := r.nextBatch()
		if err != nil {
			firstErr = err
			break
		}
		batch = batch.ToDevice(replica.Device)
		err = replica.Device.Go(func() error {
			var err error
			losses[ii], err = r.replicaWork(replica, batch)
			return err
		})
		if err != nil {
			firstErr = err
			break
		}
	}
	// Devices are always synchronized, so no work of this round is left running.
	if err := r.synchronize(); firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return Result{}, firstErr
	}

	// Aggregate into replica 0, in ascending replica order.
	device0 := r.replicas[0].Device
	grads0 := model.Grads(m)
	for _, replica := range r.replicas[1:] {
		grads0.AddInPlace(model.Grads(replica.Model).ToDevice(device0))
	}
	loss := losses[len(losses)-1]
	klog.V(2).Infof("%s: aggregated %d replicas, last loss=%g", r, len(r.replicas), loss)
	if inPlace {
		return Result{Loss: loss}, nil
	}
	return Result{Loss: loss, Gradient: grads0.Clone()}, nil
}

// replicaWork computes the gradient of the replica on the batch into its gradient slots, and quantizes it in
// place, scaled by 1/NumReplicas. It returns the loss.
func (r *Replicated) replicaWork(replica *Replica, batch datasets.Batch) (float64, error) {
	replica.Model.ZeroGrad()
	loss, err := model.Backward(replica.Model, batch)
	if err != nil {
		return 0, errors.WithMessagef(err, "%s", replica)
	}
	grads := model.Grads(replica.Model)
	layerCount := len(grads)
	scale := 1 / float64(r.cfg.NumReplicas)
	for ii, g := range grads {
		q, err := replica.Codec.Quantize(g, layerCount)
		if err != nil {
			return 0, errors.WithMessagef(err, "%s: failed to quantize gradient of parameter #%d", replica, ii)
		}
		q.ScaleInPlace(scale)
		g.CopyFrom(q)
	}
	return loss, nil
}

// synchronize waits for the device of replica 0 and then for the replicas' devices.
func (r *Replicated) synchronize() error {
	err := r.replicas[0].Device.Synchronize()
	if r.mesh != nil {
		if meshErr := r.mesh.Synchronize(); err == nil {
			err = meshErr
		}
	}
	return err
}

// codecKeys maps the state keys to the codecs.
func (r *Replicated) codecKeys() map[string]quantize.Codec {
	if !r.multiDevice {
		return map[string]quantize.Codec{sequentialCodecKey: r.codecs[0]}
	}
	keys := make(map[string]quantize.Codec, len(r.codecs))
	for ii, codec := range r.codecs {
		keys[fmt.Sprintf("%s_%d", sequentialCodecKey, ii)] = codec
	}
	return keys
}

// State implements GradEstimator: the state of the stateful codecs.
func (r *Replicated) State() ([]byte, error) {
	return saveCodecStates(r.codecKeys())
}

// LoadState implements GradEstimator.
func (r *Replicated) LoadState(state []byte) error {
	if err := loadCodecStates(state, r.codecKeys()); err != nil {
		return errors.WithMessagef(err, "%s: LoadState", r)
	}
	return nil
}
