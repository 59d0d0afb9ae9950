// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the configuration of the state service from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/statestore/pkg/sessionstate"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultMaxRecordSize bounds the body of a stored record.
const DefaultMaxRecordSize = 8 << 20

// Config is the state service configuration file.
type Config struct {
	// Listen is the address of the session API.
	Listen string `json:"listen" yaml:"listen"`
	// MetricsListen serves Prometheus metrics on a separate address when set.
	MetricsListen string `json:"metrics_listen,omitempty" yaml:"metrics_listen,omitempty"`
	// MaxRecordSize bounds the body of a stored record in bytes.
	MaxRecordSize int64 `json:"max_record_size" yaml:"max_record_size"`
	// Store selects and tunes the backend holding the records.
	Store sessionstate.StoreConfig `json:"store" yaml:"store"`
}

// Default returns the configuration used for anything a file leaves unset.
func Default() *Config {
	return &Config{
		Listen:        ":8080",
		MaxRecordSize: DefaultMaxRecordSize,
		Store:         sessionstate.DefaultStoreConfig(),
	}
}

// Load reads the file at path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	// #nosec G304: the path comes from the operator
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document and fills unset fields with
// defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := ApplyDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields of cfg from Default, keeping values that
// are set.
func ApplyDefaults(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", ErrInvalidConfig)
	}
	if err := mergo.Merge(cfg, Default()); err != nil {
		return fmt.Errorf("failed to apply config defaults: %w", err)
	}
	return nil
}
