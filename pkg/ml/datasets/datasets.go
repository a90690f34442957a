// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets defines the batch source consumed by the gradient estimators, and a few implementations:
// `InMemory` (with seeded shuffling), `FromCSV`, `Take` and the `Infinite` cursor.
//
// Estimators never read a Dataset directly: they hold two independent Infinite cursors, one for the
// training stream and one for the estimation stream, so that sampling for statistics never changes the
// order of the training batches.
package datasets

import (
	"fmt"
	"io"

	"github.com/gomlx/gradestim/pkg/core/devices"
	"github.com/gomlx/gradestim/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Batch is the unit of data of one gradient sample: inputs shaped [batchSize, numFeatures] and labels
// shaped [batchSize, numOutputs].
type Batch struct {
	Inputs, Labels *tensors.Tensor
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int {
	if b.Inputs == nil || b.Inputs.Rank() == 0 {
		return 0
	}
	return b.Inputs.Shape().Dim(0)
}

// ToDevice returns a copy of the batch with inputs and labels transferred to device.
func (b Batch) ToDevice(device *devices.Device) Batch {
	return Batch{Inputs: b.Inputs.ToDevice(device), Labels: b.Labels.ToDevice(device)}
}

// Dataset provides the data, one batch at a time.
type Dataset interface {
	// Name identifies the dataset. Used for debugging and logging.
	Name() string

	// Reset restarts the dataset from the beginning. It's called after io.EOF is reached, to start
	// another epoch.
	Reset()

	// Yield one batch. It returns io.EOF at the end of the epoch, or another error if something went wrong.
	// The ownership of the batch tensors is transferred to the caller.
	Yield() (Batch, error)
}

// Cloner is implemented by datasets that can create an independent instance of themselves: same data, but
// with their own position and sampling order.
//
// Estimators require it to create their two independent cursors.
type Cloner interface {
	Clone() Dataset
}

// Clone returns an independent instance of ds, if it implements Cloner. Otherwise, it returns an error.
func Clone(ds Dataset) (Dataset, error) {
	var clone Dataset
	if cloner, ok := ds.(Cloner); ok {
		clone = cloner.Clone()
	}
	if clone == nil {
		return nil, errors.Errorf("dataset %q (%T) can't be cloned, it can't provide "+
			"independent training and estimation streams", ds.Name(), ds)
	}
	return clone, nil
}

// takeDataset implements a `Dataset` that only yields `take` batches.
type takeDataset struct {
	ds          Dataset
	count, take int
}

// Take returns a wrapper to `ds`, a `Dataset` that only yields `n` batches per epoch.
func Take(ds Dataset, n int) Dataset {
	return &takeDataset{
		ds:   ds,
		take: n,
	}
}

// Name implements Dataset. It returns the dataset name.
func (ds *takeDataset) Name() string {
	return fmt.Sprintf("%s [Take %d]", ds.ds.Name(), ds.take)
}

// Reset implements Dataset.
func (ds *takeDataset) Reset() {
	ds.ds.Reset()
	ds.count = 0
}

// Yield implements Dataset.
func (ds *takeDataset) Yield() (Batch, error) {
	if ds.count >= ds.take {
		return Batch{}, io.EOF
	}
	ds.count++
	return ds.ds.Yield()
}

// Clone implements Cloner. It returns nil if the wrapped dataset can't be cloned.
func (ds *takeDataset) Clone() Dataset {
	clone, err := Clone(ds.ds)
	if err != nil {
		return nil
	}
	return Take(clone, ds.take)
}

// Infinite is a cursor over a dataset that never ends: at the end of every epoch it resets the dataset
// (which reshuffles it, if so configured) and continues.
type Infinite struct {
	ds     Dataset
	epochs int
	yields int
}

// NewInfinite creates an Infinite cursor over ds. The cursor takes ownership of ds, and resets it.
func NewInfinite(ds Dataset) *Infinite {
	ds.Reset()
	return &Infinite{ds: ds}
}

// Name of the underlying dataset.
func (c *Infinite) Name() string {
	return c.ds.Name()
}

// Epochs returns the number of times the underlying dataset was exhausted and reset.
func (c *Infinite) Epochs() int { return c.epochs }

// Yields returns the number of batches returned so far.
func (c *Infinite) Yields() int { return c.yields }

// Next returns the next batch. It never returns io.EOF: it returns an error only if the underlying
// dataset fails, or if it yields no batches in a full epoch.
func (c *Infinite) Next() (Batch, error) {
	batch, err := c.ds.Yield()
	if err == io.EOF {
		c.epochs++
		c.ds.Reset()
		batch, err = c.ds.Yield()
		if err == io.EOF {
			return Batch{}, errors.Errorf("dataset %q yielded no batches in epoch %d", c.ds.Name(), c.epochs)
		}
	}
	if err != nil {
		return Batch{}, errors.WithMessagef(err, "failed to yield batch #%d from dataset %q", c.yields, c.ds.Name())
	}
	c.yields++
	return batch, nil
}
