// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"math/rand"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gradestim/pkg/core/tensors"
	"github.com/gomlx/gradestim/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InMemoryDataset represents a Dataset that has been completely read into the memory of the host.
//
// It supports batching and seeded shuffling, and can be cloned (only one copy of the underlying data is
// used).
type InMemoryDataset struct {
	name string

	// inputs and labels hold the full dataset, shaped [numExamples, numFeatures] and [numExamples, numOutputs].
	inputs, labels *tensors.Tensor

	// numExamples indicates the total number of examples.
	numExamples int

	// muSampling serializes the sampling information, all the member variables below.
	muSampling sync.Mutex

	// batchSize to yield. If set to 0 yields only one example at a time.
	batchSize int

	// dropIncompleteBatch, when there are not enough remaining examples in the epoch.
	dropIncompleteBatch bool

	// next record to be sampled. If shuffle is given, this is an index in shuffle.
	// If it is set to -1, it means the epoch has been exhausted already.
	next int

	// shuffle holds the current shuffle if Shuffle was selected.
	shuffle []int

	// rng used for shuffling, allows for deterministic random datasets.
	rng *rand.Rand
}

var _ Cloner = (*InMemoryDataset)(nil)

// InMemory creates a dataset with the given inputs and labels, both rank-2 tensors with the same number
// of examples in the leading axis.
//
// The returned dataset is initially not shuffled and yields one example at a time: configure it with
// BatchSize, Shuffle and WithSeed.
func InMemory(name string, inputs, labels *tensors.Tensor) (*InMemoryDataset, error) {
	if inputs.Rank() != 2 || labels.Rank() != 2 {
		return nil, errors.Errorf("InMemory(%q): inputs and labels must be rank 2, got shapes %s and %s",
			name, inputs.Shape(), labels.Shape())
	}
	numExamples := inputs.Shape().Dim(0)
	if labels.Shape().Dim(0) != numExamples {
		return nil, errors.Errorf("InMemory(%q): inputs have %d examples, but labels have %d",
			name, numExamples, labels.Shape().Dim(0))
	}
	mds := &InMemoryDataset{
		name:        name,
		inputs:      inputs.ToDevice(nil),
		labels:      labels.ToDevice(nil),
		numExamples: numExamples,
		rng:         rand.New(rand.NewSource(0)),
	}
	klog.V(1).Infof("InMemory(%q): %s examples, %s", name, humanize.Comma(int64(numExamples)),
		humanize.Bytes(uint64(mds.Memory())))
	return mds, nil
}

// Memory returns an approximation of the memory used by the data, in bytes.
func (mds *InMemoryDataset) Memory() int {
	return int(mds.inputs.Shape().Memory() + mds.labels.Shape().Memory())
}

// NumExamples returns the number of examples in one epoch.
func (mds *InMemoryDataset) NumExamples() int {
	return mds.numExamples
}

// NumInputs returns the number of input features of each example.
func (mds *InMemoryDataset) NumInputs() int { return mds.inputs.Shape().Dim(1) }

// NumLabels returns the number of label values of each example.
func (mds *InMemoryDataset) NumLabels() int { return mds.labels.Shape().Dim(1) }

// Name implements Dataset.
func (mds *InMemoryDataset) Name() string {
	return mds.name
}

// Clone implements Cloner. It returns an independent dataset over the same data, with the same batching
// configuration, reset.
//
// If mds is shuffled, the clone is shuffled as well, with a random number generator seeded from mds's own:
// it's deterministic, but its order is independent of mds's.
func (mds *InMemoryDataset) Clone() Dataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	clone := &InMemoryDataset{
		name:                mds.name,
		inputs:              mds.inputs,
		labels:              mds.labels,
		numExamples:         mds.numExamples,
		batchSize:           mds.batchSize,
		dropIncompleteBatch: mds.dropIncompleteBatch,
		rng:                 rand.New(rand.NewSource(mds.rng.Int63())),
	}
	if mds.shuffle != nil {
		clone.shuffleLocked()
	}
	return clone
}

// Reset implements Dataset. If the dataset is shuffled, it is reshuffled.
func (mds *InMemoryDataset) Reset() {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()

	mds.next = 0
	if mds.shuffle != nil {
		mds.shuffleLocked()
	}
}

// Shuffle configures the InMemoryDataset to shuffle the order of the data, without replacement.
// At each call to Reset() it is reshuffled.
//
// It returns the modified InMemoryDataset, so calls can be cascaded.
func (mds *InMemoryDataset) Shuffle() *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.shuffleLocked()
	return mds
}

// shuffleLocked shuffles dataset yield order. It assumes muSampling is locked.
func (mds *InMemoryDataset) shuffleLocked() {
	if mds.shuffle == nil {
		mds.shuffle = xslices.Iota(0, mds.numExamples)
	}
	mds.rng.Shuffle(len(mds.shuffle), func(i, j int) {
		mds.shuffle[i], mds.shuffle[j] = mds.shuffle[j], mds.shuffle[i]
	})
}

// WithSeed sets the seed of the random number generator used for shuffling. The default seed is 0.
//
// If dataset is configured with Shuffle, this re-shuffles the dataset immediately.
//
// It returns the modified InMemoryDataset, so calls can be cascaded.
func (mds *InMemoryDataset) WithSeed(seed int64) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.rng = rand.New(rand.NewSource(seed))
	if mds.shuffle != nil {
		mds.shuffle = nil
		mds.shuffleLocked()
	}
	return mds
}

// BatchSize configures the InMemoryDataset to return batches of the given size. If dropIncompleteBatch is
// set to true, it will drop the examples of the last batch of an epoch if there are not enough to fill it.
// Otherwise, it will return a partially filled batch.
//
// If `n` is set to 0, it reverts back to yielding one example at a time.
//
// It returns the modified InMemoryDataset, so calls can be cascaded.
func (mds *InMemoryDataset) BatchSize(n int, dropIncompleteBatch bool) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.batchSize = n
	mds.dropIncompleteBatch = dropIncompleteBatch
	return mds
}

// indicesNextYield retrieves the indices for the next Yield call.
func (mds *InMemoryDataset) indicesNextYield() (indices []int) {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	if mds.next == -1 {
		return // Epoch already exhausted.
	}
	n := max(mds.batchSize, 1)
	indices = make([]int, 0, n)
	for mds.next < mds.numExamples && len(indices) < n {
		if len(mds.shuffle) > 0 {
			indices = append(indices, mds.shuffle[mds.next])
		} else {
			indices = append(indices, mds.next)
		}
		mds.next++
	}
	if len(indices) < n && mds.dropIncompleteBatch {
		indices = nil
	}
	if mds.next >= mds.numExamples {
		mds.next = -1
	}
	return
}

// Yield implements Dataset. It returns io.EOF at the end of the epoch.
func (mds *InMemoryDataset) Yield() (Batch, error) {
	indices := mds.indicesNextYield()
	if len(indices) == 0 {
		return Batch{}, io.EOF
	}
	return Batch{
		Inputs: gatherRows(mds.inputs, indices),
		Labels: gatherRows(mds.labels, indices),
	}, nil
}

// gatherRows of the rank-2 tensor data into a new tensor shaped [len(indices), data.Dim(1)].
func gatherRows(data *tensors.Tensor, indices []int) *tensors.Tensor {
	rowSize := data.Shape().Dim(1)
	flat := data.Flat()
	gathered := make([]float64, 0, len(indices)*rowSize)
	for _, idx := range indices {
		gathered = append(gathered, flat[idx*rowSize:(idx+1)*rowSize]...)
	}
	return tensors.FromFlatDataAndDimensions(gathered, len(indices), rowSize)
}
