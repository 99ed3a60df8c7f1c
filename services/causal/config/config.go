// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the causal tool configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/causal/pkg/logging"
	"github.com/AleutianAI/causal/services/causal/graph"
	"github.com/AleutianAI/causal/services/causal/telemetry"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Environment variables that override file values.
const (
	EnvGraph    = "CAUSAL_GRAPH"
	EnvWorkRoot = "CAUSAL_WORK_ROOT"
)

// Work storage backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

type Config struct {
	Graph     GraphConfig      `yaml:"graph"`
	Slice     SliceConfig      `yaml:"slice"`
	Work      WorkConfig       `yaml:"work"`
	Logging   logging.Config   `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type GraphConfig struct {
	// Path is the call-graph snapshot file.
	Path string `yaml:"path"`

	MaxPathDepth int `yaml:"max_path_depth" validate:"gte=0,lte=100"`
	MaxPaths     int `yaml:"max_paths" validate:"gte=0,lte=1000"`
}

type SliceConfig struct {
	BackwardDepth int `yaml:"backward_depth" validate:"gte=0,lte=100"`
	ForwardDepth  int `yaml:"forward_depth" validate:"gte=0,lte=100"`
}

type WorkConfig struct {
	// Root holds packages/, diffs/, results/ and locks/ for the file
	// backend, or the badger directory.
	Root    string `yaml:"root" validate:"required_unless=Backend memory"`
	Backend string `yaml:"backend" validate:"oneof=file badger memory"`

	// TimeoutHours is stamped on room locks at checkout. 0 means none.
	TimeoutHours float64 `yaml:"timeout_hours" validate:"gte=0"`

	// Outbox, when set, receives handoff records as {id}.json.
	Outbox string `yaml:"outbox"`
}

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Graph: GraphConfig{
			MaxPathDepth: graph.DefaultMaxDepth,
			MaxPaths:     graph.DefaultMaxPaths,
		},
		Slice: SliceConfig{
			BackwardDepth: 3,
			ForwardDepth:  3,
		},
		Work: WorkConfig{
			Root:         ".causal",
			Backend:      BackendFile,
			TimeoutHours: 2,
		},
		Logging: logging.Config{
			Level:   logging.LevelInfo,
			Service: "causal",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path or a missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	if v := os.Getenv(EnvGraph); v != "" {
		cfg.Graph.Path = v
	}
	if v := os.Getenv(EnvWorkRoot); v != "" {
		cfg.Work.Root = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Write serialises c to path as YAML.
func Write(path string, c Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
