// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"

	"github.com/porticolabs/portico/pkg/hub"
)

// ErrInvalidConfig marks configuration that must be refused at boot.
var ErrInvalidConfig = errors.New("invalid configuration")

var validKinds = map[string]bool{"local": true, "package": true, "remote": true}
var validStartModes = map[string]bool{"eager": true, "lazy": true}
var validStrategies = map[string]bool{"namespace": true, "alias": true, "error": true}
var validTransports = map[string]bool{"": true, "http": true, "sse": true, "websocket": true}

// Validator checks a loaded configuration for semantic errors.
type Validator struct{}

// NewValidator builds a validator.
func NewValidator() *Validator { return &Validator{} }

// Validate returns the first problem found, wrapped in ErrInvalidConfig.
func (*Validator) Validate(cfg *Config) error {
	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("%w: http port %d out of range", ErrInvalidConfig, cfg.HTTP.Port)
	}
	if !validStrategies[cfg.Naming.Strategy] {
		return fmt.Errorf("%w: unknown naming strategy %q", ErrInvalidConfig, cfg.Naming.Strategy)
	}
	if len(cfg.Backends) == 0 {
		return fmt.Errorf("%w: at least one backend is required", ErrInvalidConfig)
	}

	seen := map[string]bool{}
	for _, b := range cfg.Backends {
		if err := hub.ValidateBackendID(b.ID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if seen[b.ID] {
			return fmt.Errorf("%w: duplicate backend id %q", ErrInvalidConfig, b.ID)
		}
		seen[b.ID] = true

		if !validKinds[b.Kind] {
			return fmt.Errorf("%w: backend %q has unknown kind %q", ErrInvalidConfig, b.ID, b.Kind)
		}
		if !validStartModes[b.StartMode] {
			return fmt.Errorf("%w: backend %q has unknown start mode %q", ErrInvalidConfig, b.ID, b.StartMode)
		}

		switch b.Kind {
		case "local":
			if b.Command == "" {
				return fmt.Errorf("%w: local backend %q needs a command", ErrInvalidConfig, b.ID)
			}
		case "package":
			if len(b.Args) == 0 {
				return fmt.Errorf("%w: package backend %q needs the package in args", ErrInvalidConfig, b.ID)
			}
		case "remote":
			if b.URL == "" {
				return fmt.Errorf("%w: remote backend %q needs a url", ErrInvalidConfig, b.ID)
			}
			if !validTransports[b.Transport] {
				return fmt.Errorf("%w: backend %q has unknown transport %q", ErrInvalidConfig, b.ID, b.Transport)
			}
		}

		if b.Concurrency < 0 {
			return fmt.Errorf("%w: backend %q has negative concurrency", ErrInvalidConfig, b.ID)
		}
		for _, v := range []int{b.Timeouts.SpawnMs, b.Timeouts.InstallMs, b.Timeouts.ToolCallMs, b.Timeouts.HealthcheckMs} {
			if v < 0 {
				return fmt.Errorf("%w: backend %q has negative timeout", ErrInvalidConfig, b.ID)
			}
		}
	}
	return nil
}
