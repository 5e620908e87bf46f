// Copyright 2025 BioPassport Project
//
// Evaluation preset file. Runs are reproducible from a YAML file describing
// the dataset presets; the built-in presets are used when no file is given.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xaviwho/biopassport/pkg/workload"
)

// EvalConfig is the parsed preset file.
type EvalConfig struct {
	Version string            `yaml:"version"`
	Presets []workload.Config `yaml:"presets"`
}

// LoadEvalConfig parses a preset YAML file.
func LoadEvalConfig(path string) (*EvalConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read preset file: %w", err)
	}
	var cfg EvalConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse preset file %s: %w", path, err)
	}
	for i, p := range cfg.Presets {
		if p.Name == "" {
			return nil, fmt.Errorf("preset %d has no name", i)
		}
		if p.MaterialCount <= 0 {
			return nil, fmt.Errorf("preset %q: material_count must be positive", p.Name)
		}
	}
	return &cfg, nil
}

// Preset resolves a preset by name, falling back to the built-ins when the
// file does not define it.
func (c *EvalConfig) Preset(name string) (workload.Config, error) {
	for _, p := range c.Presets {
		if p.Name == name {
			return p, nil
		}
	}
	return workload.Preset(name)
}
