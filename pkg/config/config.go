// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the hub configuration file. The rest of
// the system consumes the already-validated value; nothing else reads files
// or the environment for configuration.
package config

import (
	"time"

	"github.com/porticolabs/portico/pkg/hub"
	"github.com/porticolabs/portico/pkg/transport"
)

// Config is the root of the hub configuration file.
type Config struct {
	Name string `yaml:"name"`

	HTTP        HTTPConfig        `yaml:"http"`
	Naming      NamingConfig      `yaml:"naming"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`

	// StateStore is a sqlite path enabling lifecycle persistence.
	StateStore string `yaml:"state_store"`

	Backends []BackendConfig `yaml:"backends"`
}

// HTTPConfig is the front transport surface.
type HTTPConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Endpoint  string `yaml:"endpoint"`
	Stateless bool   `yaml:"stateless"`

	KeepAliveMs  int `yaml:"keep_alive_ms"`
	StreamTTLMs  int `yaml:"stream_ttl_ms"`
	MaxSessions  int `yaml:"max_sessions"`
	SessionTTLMs int `yaml:"session_ttl_ms"`
}

// NamingConfig governs public tool name derivation.
type NamingConfig struct {
	Strategy  string `yaml:"strategy"`
	Separator string `yaml:"separator"`
	Format    string `yaml:"format"`
}

// TimeoutsConfig carries the global deadlines in milliseconds.
type TimeoutsConfig struct {
	SpawnMs       int `yaml:"spawn_ms"`
	InstallMs     int `yaml:"install_ms"`
	ToolCallMs    int `yaml:"tool_call_ms"`
	HealthcheckMs int `yaml:"healthcheck_ms"`
}

// ConcurrencyConfig caps in-flight tool calls.
type ConcurrencyConfig struct {
	Global int `yaml:"global"`
}

// BackendConfig is one backend definition as written in YAML.
type BackendConfig struct {
	ID        string `yaml:"id"`
	Kind      string `yaml:"kind"`
	StartMode string `yaml:"start_mode"`

	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	WorkDir string            `yaml:"workdir"`
	Env     map[string]string `yaml:"env"`

	URL       string            `yaml:"url"`
	Transport string            `yaml:"transport"`
	Auth      BackendAuthConfig `yaml:"auth"`

	Tools       BackendToolsConfig   `yaml:"tools"`
	Concurrency int                  `yaml:"concurrency"`
	Timeouts    TimeoutsConfig       `yaml:"timeouts"`
	Restart     BackendRestartConfig `yaml:"restart"`
	Health      BackendHealthConfig  `yaml:"health"`
}

// BackendAuthConfig holds remote backend credentials. Secrets come from the
// environment, never from the file itself.
type BackendAuthConfig struct {
	BearerTokenEnv   string `yaml:"bearer_token_env"`
	BasicUser        string `yaml:"basic_user"`
	BasicPasswordEnv string `yaml:"basic_password_env"`
}

// BackendToolsConfig shapes the exposed tool surface.
type BackendToolsConfig struct {
	Include []string          `yaml:"include"`
	Exclude []string          `yaml:"exclude"`
	Aliases map[string]string `yaml:"aliases"`
}

// BackendRestartConfig is the crash recovery policy.
type BackendRestartConfig struct {
	Auto        bool `yaml:"auto"`
	DelayMs     int  `yaml:"delay_ms"`
	MaxRestarts int  `yaml:"max_restarts"`
}

// BackendHealthConfig is the optional ping probe.
type BackendHealthConfig struct {
	Enabled     bool `yaml:"enabled"`
	IntervalMs  int  `yaml:"interval_ms"`
	MaxFailures int  `yaml:"max_failures"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// HubNaming converts the naming section to the domain type.
func (c *Config) HubNaming() hub.NamingConfig {
	naming := hub.DefaultNamingConfig()
	if c.Naming.Strategy != "" {
		naming.Strategy = hub.NamingStrategy(c.Naming.Strategy)
	}
	if c.Naming.Separator != "" {
		naming.Separator = c.Naming.Separator
	}
	if c.Naming.Format != "" {
		naming.FormatTemplate = c.Naming.Format
	}
	return naming
}

// HubBackends converts the backend definitions to domain types, resolving
// credential env references through the given lookup.
func (c *Config) HubBackends(getenv func(string) string) []hub.Backend {
	out := make([]hub.Backend, 0, len(c.Backends))
	for _, b := range c.Backends {
		backend := hub.Backend{
			ID:             b.ID,
			Kind:           hub.BackendKind(b.Kind),
			StartMode:      hub.StartMode(b.StartMode),
			Command:        b.Command,
			Args:           b.Args,
			WorkDir:        b.WorkDir,
			Env:            b.Env,
			URL:            b.URL,
			Transport:      transport.Kind(b.Transport),
			ToolsInclude:   b.Tools.Include,
			ToolsExclude:   b.Tools.Exclude,
			Aliases:        b.Tools.Aliases,
			MaxConcurrency: b.Concurrency,
			Timeouts: hub.Timeouts{
				Spawn:       firstMs(b.Timeouts.SpawnMs, c.Timeouts.SpawnMs),
				Install:     firstMs(b.Timeouts.InstallMs, c.Timeouts.InstallMs),
				ToolCall:    firstMs(b.Timeouts.ToolCallMs, c.Timeouts.ToolCallMs),
				Healthcheck: firstMs(b.Timeouts.HealthcheckMs, c.Timeouts.HealthcheckMs),
			},
			Restart: hub.RestartPolicy{
				AutoRestart: b.Restart.Auto,
				Delay:       ms(b.Restart.DelayMs),
				MaxRestarts: b.Restart.MaxRestarts,
			},
			HealthCheck: hub.HealthCheck{
				Enabled:                b.Health.Enabled,
				Interval:               ms(b.Health.IntervalMs),
				MaxConsecutiveFailures: b.Health.MaxFailures,
			},
		}
		if b.StartMode == "" {
			backend.StartMode = hub.StartEager
		}
		if b.Auth.BearerTokenEnv != "" {
			backend.BearerToken = getenv(b.Auth.BearerTokenEnv)
		}
		if b.Auth.BasicUser != "" {
			backend.BasicAuthUser = b.Auth.BasicUser
			if b.Auth.BasicPasswordEnv != "" {
				backend.BasicAuthPass = getenv(b.Auth.BasicPasswordEnv)
			}
		}
		out = append(out, backend)
	}
	return out
}

func firstMs(values ...int) time.Duration {
	for _, v := range values {
		if v > 0 {
			return ms(v)
		}
	}
	return 0
}
