// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/gomlx/gradestim/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// fields maps the option names to pointers to the corresponding Config fields.
func (c *Config) fields() map[string]any {
	return map[string]any{
		"nuq_number_of_samples": &c.NumberOfSamples,
		"nuq_bucket_size":       &c.BucketSize,
		"nuq_layer":             &c.Layer,
		"nuq_ngpu":              &c.NumReplicas,
		"nuq_ig_sm_bkts":        &c.IgnoreSmallBuckets,
		"ig_sm_bkts":            &c.IgnoreSmallBucketsOnline,
		"dist_num":              &c.DistNum,
		"nuq_method":            &c.Method,
		"nuq_bits":              &c.Bits,
		"nuq_seed":              &c.Seed,
	}
}

// ParseSettings updates cfg from settings, a list separated by ";": e.g.: "nuq_ngpu=4;nuq_method=nuq".
// It returns the names of the options set, in order.
//
// Values are parsed as JSON according to the type of the option, except strings, which are taken
// verbatim. For integer options "_" is removed: it allows one to enter large numbers using it as a
// separator, like in Go. E.g.: 1_000_000 = 1000000.
//
// A setting "file:<path>" reads the options from a file: TOML if the path ends with ".toml", YAML if it
// ends with ".yaml" or ".yml", and otherwise one or more settings per line, with "#" starting a comment
// line. A leading "~" in the path is replaced by the home directory.
//
// It returns an error in case an option is unknown or the parsing failed. cfg is not validated.
func ParseSettings(cfg *Config, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(cfg, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(cfg *Config, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		var fileParams []string
		fileParams, err = LoadFile(cfg, filePath)
		newParamsSet = append(newParamsSet, fileParams...)
		return
	}

	paramName, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	paramName, valueStr = strings.TrimSpace(paramName), strings.TrimSpace(valueStr)
	ptr, found := cfg.fields()[paramName]
	if !found {
		err = errors.Errorf("can't set parameter %q: unknown parameter, valid parameters are %q",
			paramName, cfg.knownParams())
		return
	}
	switch v := ptr.(type) {
	case *int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), v)
	case *int64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), v)
	case *bool:
		err = json.Unmarshal([]byte(valueStr), v)
	case *string:
		*v = valueStr
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for parameter %q", valueStr, paramName)
		return
	}
	klog.V(2).Infof("estimator setting %s=%s", paramName, valueStr)
	newParamsSet = append(newParamsSet, paramName)
	return
}

// knownParams returns the sorted list of option names.
func (c *Config) knownParams() []string {
	names := make([]string, 0, len(c.fields()))
	for name := range c.fields() {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LoadFile updates cfg with the options in the file at path, and returns the names of the options set.
// See ParseSettings for the supported formats.
func LoadFile(cfg *Config, path string) (paramsSet []string, err error) {
	path, err = fsutil.ExpandTilde(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read settings from file %q", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		paramsSet, err = loadTOML(cfg, contents)
	case ".yaml", ".yml":
		paramsSet, err = loadYAML(cfg, contents)
	default:
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			var lineParams []string
			lineParams, err = ParseSettings(cfg, line)
			if err != nil {
				break
			}
			paramsSet = append(paramsSet, lineParams...)
		}
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "settings file %q", path)
	}
	return paramsSet, nil
}

func loadTOML(cfg *Config, contents []byte) (paramsSet []string, err error) {
	md, err := toml.Decode(string(contents), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse TOML")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("unknown parameters %q, valid parameters are %q", undecoded, cfg.knownParams())
	}
	for _, key := range md.Keys() {
		paramsSet = append(paramsSet, key.String())
	}
	return paramsSet, nil
}

func loadYAML(cfg *Config, contents []byte) (paramsSet []string, err error) {
	var keys yaml.Node
	if err = yaml.Unmarshal(contents, &keys); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML")
	}
	if len(keys.Content) > 0 && keys.Content[0].Kind == yaml.MappingNode {
		mapping := keys.Content[0].Content
		for ii := 0; ii < len(mapping); ii += 2 {
			paramsSet = append(paramsSet, mapping[ii].Value)
		}
	}
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	if err = dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode YAML")
	}
	return paramsSet, nil
}
