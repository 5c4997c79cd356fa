// Copyright 2024 Fathom MQ Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config carries the session runtime's process-wide configuration
// switches as an explicit, constructor-injected value rather than mutable
// package globals (see the design note on "strict mode" flags). It follows
// the teacher's zero-value-means-default pattern (SetDefaults()), and adds
// file-based loaders for both TOML and YAML since the example corpus shows
// both formats used for broker client configuration.
package config

import (
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

// Default prefetch watermarks, per the spec's defaults section.
const (
	DefaultPrefetchHigh = 5000
	DefaultPrefetchLow  = 2500
)

// ProcessConfig mirrors the distilled spec's "process-wide configuration
// switches" (STRICT_AMQP, STRICT_AMQP_FATAL, IMMEDIATE_PREFETCH) plus the
// default prefetch watermarks, injected into a Session at construction.
type ProcessConfig struct {
	Strict              bool   `toml:"strict_amqp" yaml:"strict_amqp"`
	StrictFatal         bool   `toml:"strict_amqp_fatal" yaml:"strict_amqp_fatal"`
	ImmediatePrefetch   bool   `toml:"immediate_prefetch" yaml:"immediate_prefetch"`
	DefaultPrefetchHigh uint32 `toml:"default_prefetch_high" yaml:"default_prefetch_high"`
	DefaultPrefetchLow  uint32 `toml:"default_prefetch_low" yaml:"default_prefetch_low"`
}

// SetDefaults returns a modified ProcessConfig with appropriate zero
// values set to the spec's documented defaults.
func (c ProcessConfig) SetDefaults() ProcessConfig {
	// Only the prefetch watermarks are filled in. A zero StrictFatal
	// cannot be told apart from an explicit false, so it is left as
	// given; Default() is what returns StrictFatal true.
	if c.DefaultPrefetchHigh == 0 {
		c.DefaultPrefetchHigh = DefaultPrefetchHigh
	}
	if c.DefaultPrefetchLow == 0 {
		c.DefaultPrefetchLow = DefaultPrefetchLow
	}
	return c
}

// Default returns the spec's default ProcessConfig: non-strict, with
// strict-fatal true (only meaningful once strict mode is enabled), and
// immediate-prefetch false.
func Default() ProcessConfig {
	return ProcessConfig{
		StrictFatal:         true,
		DefaultPrefetchHigh: DefaultPrefetchHigh,
		DefaultPrefetchLow:  DefaultPrefetchLow,
	}
}

// LoadTOML reads a ProcessConfig from a TOML file, filling unset fields
// with SetDefaults().
func LoadTOML(path string) (ProcessConfig, error) {
	var c ProcessConfig
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return ProcessConfig{}, err
	}
	return c.SetDefaults(), nil
}

// LoadYAML parses a ProcessConfig from YAML data, filling unset fields
// with SetDefaults().
func LoadYAML(data []byte) (ProcessConfig, error) {
	var c ProcessConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return ProcessConfig{}, err
	}
	return c.SetDefaults(), nil
}
