// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/porticolabs/portico/pkg/env"
)

// YAMLLoader reads a configuration file, expanding ${VAR} references from
// the environment before decoding.
type YAMLLoader struct {
	path string
	env  env.Reader
}

// NewYAMLLoader builds a loader for the given path.
func NewYAMLLoader(path string, envReader env.Reader) *YAMLLoader {
	if envReader == nil {
		envReader = &env.OSReader{}
	}
	return &YAMLLoader{path: path, env: envReader}
}

// Load reads, expands, decodes and defaults the configuration.
func (l *YAMLLoader) Load() (*Config, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.Expand(string(raw), func(key string) string {
		return l.env.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("decoding config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills the values the file may omit.
func applyDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = "portico"
	}
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "127.0.0.1"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 4483
	}
	if cfg.HTTP.Endpoint == "" {
		cfg.HTTP.Endpoint = "/mcp"
	}
	if cfg.Naming.Strategy == "" {
		cfg.Naming.Strategy = "namespace"
	}
	if cfg.Naming.Separator == "" {
		cfg.Naming.Separator = "_"
	}
	if cfg.Naming.Format == "" {
		cfg.Naming.Format = "{backend}_{tool}"
	}
	for i := range cfg.Backends {
		if cfg.Backends[i].StartMode == "" {
			cfg.Backends[i].StartMode = "eager"
		}
		if cfg.Backends[i].Kind == "package" && cfg.Backends[i].Command == "" {
			cfg.Backends[i].Command = "npx"
		}
	}
}
