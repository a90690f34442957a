// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantize

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/gomlx/gradestim/pkg/core/tensors"
	"github.com/gomlx/gradestim/pkg/core/tensors/bucketing"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// MultiBucket quantizes values in buckets: the flat values are split in buckets of BucketSize, and each
// value v of a bucket with norm ‖b‖ is represented as sign(v)·‖b‖·level, where level is one of a fixed set
// of levels 0 = L₀ < L₁ < … < Lₖ = 1.
//
// The level is picked with stochastic rounding between the two levels surrounding |v|/‖b‖, with
// probabilities that make the result an unbiased estimate of v.
//
// Its calibration state is the seed and the number of calls so far: each call to Quantize uses a fresh
// random stream derived from both, so quantizing again after restoring a state reproduces the same values.
type MultiBucket struct {
	method     Method
	bits       int
	bucketSize int
	levels     []float64

	seed  int64
	calls uint64
}

var _ Stateful = (*MultiBucket)(nil)

// NewMultiBucket creates a MultiBucket codec.
//
// The method must be MethodUniform (levels j/k) or MethodNonUniform (levels 0 and 2^-j); bits includes the
// sign bit, and it defines k = 2^(bits-1) - 1 intervals.
func NewMultiBucket(method Method, bits, bucketSize int, seed int64) (*MultiBucket, error) {
	if bits < 2 || bits > 16 {
		return nil, errors.Errorf("NewMultiBucket: bits must be between 2 and 16, got %d", bits)
	}
	if bucketSize <= 0 {
		return nil, errors.Errorf("NewMultiBucket: bucketSize must be > 0, got %d", bucketSize)
	}
	k := (1 << (bits - 1)) - 1
	levels := make([]float64, k+1)
	switch method {
	case MethodUniform:
		for ii := range levels {
			levels[ii] = float64(ii) / float64(k)
		}
	case MethodNonUniform:
		for ii := 1; ii <= k; ii++ {
			levels[ii] = math.Ldexp(1, ii-k)
		}
	default:
		return nil, errors.Errorf("NewMultiBucket: method must be %s or %s, got %s",
			MethodUniform, MethodNonUniform, method)
	}
	klog.V(2).Infof("quantize.MultiBucket(%s, bits=%d, bucket=%d): levels=%v", method, bits, bucketSize, levels)
	return &MultiBucket{
		method:     method,
		bits:       bits,
		bucketSize: bucketSize,
		levels:     levels,
		seed:       seed,
	}, nil
}

// Levels returns the quantization levels in [0, 1], in increasing order.
func (q *MultiBucket) Levels() []float64 { return q.levels }

// Quantize implements Codec. It returns an error if t holds NaN or infinite values, or if layerCount < 1.
func (q *MultiBucket) Quantize(t *tensors.Tensor, layerCount int) (*tensors.Tensor, error) {
	if layerCount < 1 {
		return nil, errors.Errorf("MultiBucket.Quantize: layerCount must be >= 1, got %d", layerCount)
	}
	if err := checkFinite("MultiBucket.Quantize", t); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(uint64(q.seed), q.calls))
	q.calls++
	out := t.Clone()
	for _, bucket := range bucketing.Bucketize(out.Flat(), q.bucketSize) {
		q.quantizeBucket(rng, bucket)
	}
	return out, nil
}

// quantizeBucket in place.
func (q *MultiBucket) quantizeBucket(rng *rand.Rand, bucket []float64) {
	norm := floats.Norm(bucket, 2)
	if norm == 0 {
		return
	}
	last := len(q.levels) - 1
	for ii, v := range bucket {
		r := math.Min(math.Abs(v)/norm, 1)
		// Index of the first level > r, minus one: levels[low] <= r.
		low := sort.SearchFloat64s(q.levels, r)
		if low > last || q.levels[low] > r {
			low--
		}
		level := q.levels[low]
		if low < last && level < r {
			high := q.levels[low+1]
			if rng.Float64() < (r-level)/(high-level) {
				level = high
			}
		}
		bucket[ii] = math.Copysign(norm*level, v)
	}
}

// multiBucketState is the serialized form of the MultiBucket calibration state.
type multiBucketState struct {
	Method string `json:"method"`
	Bits   int    `json:"bits"`
	Seed   int64  `json:"seed"`
	Calls  uint64 `json:"calls"`
}

// State implements Stateful.
func (q *MultiBucket) State() ([]byte, error) {
	return json.Marshal(multiBucketState{Method: q.method.String(), Bits: q.bits, Seed: q.seed, Calls: q.calls})
}

// LoadState implements Stateful. The state must have been saved by a codec with the same method and bits.
func (q *MultiBucket) LoadState(state []byte) error {
	var s multiBucketState
	if err := json.Unmarshal(state, &s); err != nil {
		return errors.Wrapf(err, "MultiBucket.LoadState: failed to parse state")
	}
	if s.Method != q.method.String() || s.Bits != q.bits {
		return errors.Errorf("MultiBucket.LoadState: state saved for method %q with %d bits, codec is %q with %d bits",
			s.Method, s.Bits, q.method, q.bits)
	}
	q.seed, q.calls = s.Seed, s.Calls
	return nil
}
