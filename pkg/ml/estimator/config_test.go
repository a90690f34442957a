// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gradestim/pkg/ml/quantize"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	for name, update := range map[string]func(c *Config){
		"samples":  func(c *Config) { c.NumberOfSamples = 0 },
		"bucket":   func(c *Config) { c.BucketSize = -1 },
		"ngpu":     func(c *Config) { c.NumReplicas = 0 },
		"dist_num": func(c *Config) { c.DistNum = -1 },
		"method":   func(c *Config) { c.Method = "int8" },
		"bits":     func(c *Config) { c.Bits = 1 },
	} {
		cfg := DefaultConfig()
		update(&cfg)
		assert.Errorf(t, cfg.Validate(), "invalid %s should fail validation", name)
	}

	// Bits are only used by the multi-bucket methods.
	cfg := DefaultConfig()
	cfg.Method = "fp16"
	cfg.Bits = 0
	require.NoError(t, cfg.Validate())
	codec := must.M1(cfg.NewCodec(0))
	assert.IsType(t, quantize.Float16{}, codec)
}

func TestParseSettings(t *testing.T) {
	cfg := DefaultConfig()
	paramsSet, err := ParseSettings(&cfg, "nuq_ngpu=4; nuq_method=nuq;nuq_bucket_size=8_192;nuq_ig_sm_bkts=true;nuq_seed=-3;")
	require.NoError(t, err)
	assert.Equal(t, []string{"nuq_ngpu", "nuq_method", "nuq_bucket_size", "nuq_ig_sm_bkts", "nuq_seed"}, paramsSet)
	assert.Equal(t, 4, cfg.NumReplicas)
	assert.Equal(t, "nuq", cfg.Method)
	assert.Equal(t, 8192, cfg.BucketSize)
	assert.True(t, cfg.IgnoreSmallBuckets)
	assert.False(t, cfg.IgnoreSmallBucketsOnline)
	assert.Equal(t, int64(-3), cfg.Seed)

	for _, settings := range []string{"nuq_unknown=1", "nuq_ngpu", "nuq_ngpu=1=2", "nuq_ngpu=four", "ig_sm_bkts=yes"} {
		cfg := DefaultConfig()
		_, err = ParseSettings(&cfg, settings)
		assert.Errorf(t, err, "settings %q should fail", settings)
	}

	// String lists the options in the settings format.
	cfg.Layer = 1
	parsed := DefaultConfig()
	_ = must.M1(ParseSettings(&parsed, cfg.String()))
	assert.Equal(t, cfg, parsed)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, contents string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
		return path
	}

	tomlPath := write("estimator.toml", "nuq_ngpu = 2\nnuq_method = \"bf16\"\nig_sm_bkts = true\n")
	cfg := DefaultConfig()
	paramsSet := must.M1(ParseSettings(&cfg, "nuq_bits=8;file:"+tomlPath))
	assert.Equal(t, []string{"nuq_bits", "nuq_ngpu", "nuq_method", "ig_sm_bkts"}, paramsSet)
	assert.Equal(t, 2, cfg.NumReplicas)
	assert.Equal(t, "bf16", cfg.Method)
	assert.True(t, cfg.IgnoreSmallBucketsOnline)
	assert.Equal(t, 8, cfg.Bits)

	yamlPath := write("estimator.yaml", "nuq_layer: 1\ndist_num: 5\n")
	cfg = DefaultConfig()
	paramsSet = must.M1(LoadFile(&cfg, yamlPath))
	assert.Equal(t, []string{"nuq_layer", "dist_num"}, paramsSet)
	assert.Equal(t, 1, cfg.Layer)
	assert.Equal(t, 5, cfg.DistNum)

	textPath := write("estimator.txt", "# Replicas\nnuq_ngpu=3\n\nnuq_number_of_samples=20;nuq_bits=2\n")
	cfg = DefaultConfig()
	paramsSet = must.M1(LoadFile(&cfg, textPath))
	assert.Equal(t, []string{"nuq_ngpu", "nuq_number_of_samples", "nuq_bits"}, paramsSet)
	assert.Equal(t, 3, cfg.NumReplicas)
	assert.Equal(t, 20, cfg.NumberOfSamples)
	assert.Equal(t, 2, cfg.Bits)

	// Unknown parameters are errors in every format.
	for _, path := range []string{
		write("unknown.toml", "nuq_gpus = 2\n"),
		write("unknown.yml", "nuq_gpus: 2\n"),
		write("unknown.txt", "nuq_gpus=2\n"),
	} {
		cfg = DefaultConfig()
		_, err := LoadFile(&cfg, path)
		assert.Errorf(t, err, "loading %q should fail", path)
	}
	_, err := LoadFile(&cfg, filepath.Join(dir, "missing.toml"))
	require.Error(t, err)
}
