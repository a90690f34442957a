// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"fmt"
	"strings"

	"github.com/gomlx/gradestim/pkg/ml/quantize"
	"github.com/pkg/errors"
)

// Config holds the options of the gradient estimators. The struct tags are the names used in settings
// strings and configuration files (see ParseSettings).
type Config struct {
	// NumberOfSamples is the number of gradients sampled per statistics round.
	NumberOfSamples int `json:"nuq_number_of_samples" toml:"nuq_number_of_samples" yaml:"nuq_number_of_samples"`

	// BucketSize is the number of elements per bucket, for the statistics and for the MultiBucket codecs.
	BucketSize int `json:"nuq_bucket_size" toml:"nuq_bucket_size" yaml:"nuq_bucket_size"`

	// Layer selects how gradients are flattened: 0 buckets and quantizes each parameter separately,
	// any other value flattens all parameters into one sequence before bucketing and quantizing.
	Layer int `json:"nuq_layer" toml:"nuq_layer" yaml:"nuq_layer"`

	// NumReplicas is the number of gradient samples accumulated per call to Grad: the number of
	// sequential samples or of model replicas.
	NumReplicas int `json:"nuq_ngpu" toml:"nuq_ngpu" yaml:"nuq_ngpu"`

	// IgnoreSmallBuckets excludes partial buckets from the pooled statistics of SnapOnlineMean.
	IgnoreSmallBuckets bool `json:"nuq_ig_sm_bkts" toml:"nuq_ig_sm_bkts" yaml:"nuq_ig_sm_bkts"`

	// IgnoreSmallBucketsOnline excludes the elements of partial buckets from SnapOnline.
	IgnoreSmallBucketsOnline bool `json:"ig_sm_bkts" toml:"ig_sm_bkts" yaml:"ig_sm_bkts"`

	// DistNum is the maximum number of bucket statistics reported by SnapOnlineMean: the ones with
	// the largest norm are kept.
	DistNum int `json:"dist_num" toml:"dist_num" yaml:"dist_num"`

	// Method of quantization, one of "none", "fp16", "bf16", "q" or "nuq".
	Method string `json:"nuq_method" toml:"nuq_method" yaml:"nuq_method"`

	// Bits per value of the "q" and "nuq" methods, including the sign.
	Bits int `json:"nuq_bits" toml:"nuq_bits" yaml:"nuq_bits"`

	// Seed of the quantization stochastic rounding. Each replica codec uses Seed plus the replica index.
	Seed int64 `json:"nuq_seed" toml:"nuq_seed" yaml:"nuq_seed"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		NumberOfSamples: 10,
		BucketSize:      1024,
		Layer:           0,
		NumReplicas:     1,
		DistNum:         100,
		Method:          quantize.MethodUniform.String(),
		Bits:            4,
	}
}

// Validate returns an error if any of the options is invalid.
func (c Config) Validate() error {
	if c.NumberOfSamples <= 0 {
		return errors.Errorf("nuq_number_of_samples must be > 0, got %d", c.NumberOfSamples)
	}
	if c.BucketSize <= 0 {
		return errors.Errorf("nuq_bucket_size must be > 0, got %d", c.BucketSize)
	}
	if c.NumReplicas <= 0 {
		return errors.Errorf("nuq_ngpu must be > 0, got %d", c.NumReplicas)
	}
	if c.DistNum < 0 {
		return errors.Errorf("dist_num must be >= 0, got %d", c.DistNum)
	}
	method, err := quantize.MethodFromString(c.Method)
	if err != nil {
		return errors.WithMessage(err, "invalid nuq_method")
	}
	if (method == quantize.MethodUniform || method == quantize.MethodNonUniform) && (c.Bits < 2 || c.Bits > 16) {
		return errors.Errorf("nuq_bits must be between 2 and 16 for nuq_method=%s, got %d", method, c.Bits)
	}
	return nil
}

// LayerBased returns whether gradients are bucketed and quantized per parameter (nuq_layer == 0).
func (c Config) LayerBased() bool {
	return c.Layer == 0
}

// NewCodec creates a new quantization codec for the replica with the given index.
func (c Config) NewCodec(replicaIdx int) (quantize.Codec, error) {
	method, err := quantize.MethodFromString(c.Method)
	if err != nil {
		return nil, err
	}
	return quantize.New(quantize.Options{
		Method:     method,
		Bits:       c.Bits,
		BucketSize: c.BucketSize,
		Seed:       c.Seed + int64(replicaIdx),
	})
}

// String implements fmt.Stringer, listing the options as settings (see ParseSettings).
func (c Config) String() string {
	parts := []string{
		fmt.Sprintf("nuq_number_of_samples=%d", c.NumberOfSamples),
		fmt.Sprintf("nuq_bucket_size=%d", c.BucketSize),
		fmt.Sprintf("nuq_layer=%d", c.Layer),
		fmt.Sprintf("nuq_ngpu=%d", c.NumReplicas),
		fmt.Sprintf("nuq_ig_sm_bkts=%t", c.IgnoreSmallBuckets),
		fmt.Sprintf("ig_sm_bkts=%t", c.IgnoreSmallBucketsOnline),
		fmt.Sprintf("dist_num=%d", c.DistNum),
		fmt.Sprintf("nuq_method=%s", c.Method),
		fmt.Sprintf("nuq_bits=%d", c.Bits),
		fmt.Sprintf("nuq_seed=%d", c.Seed),
	}
	return strings.Join(parts, ";")
}
