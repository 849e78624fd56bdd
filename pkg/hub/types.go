// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

// Package hub defines the shared domain types of the portico aggregation
// hub: backend definitions, the lifecycle state machine, supervisor events,
// and the tool naming policy. Subpackages implement the moving parts.
package hub

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/porticolabs/portico/pkg/transport"
)

// BackendKind classifies how a backend is reached.
type BackendKind string

const (
	// KindLocal is a long-lived child process with a stdio pipe.
	KindLocal BackendKind = "local"
	// KindPackage is spawned through a package runner and may install on
	// first run.
	KindPackage BackendKind = "package"
	// KindRemote is an HTTP, SSE or WebSocket endpoint.
	KindRemote BackendKind = "remote"
)

// StartMode controls when a backend is brought up.
type StartMode string

const (
	// StartEager starts the backend when the hub boots.
	StartEager StartMode = "eager"
	// StartLazy starts the backend on its first tool call.
	StartLazy StartMode = "lazy"
)

var backendIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateBackendID checks that an id is usable verbatim in public tool names.
func ValidateBackendID(id string) error {
	if !backendIDPattern.MatchString(id) {
		return fmt.Errorf("invalid backend id %q: must match [A-Za-z0-9_-]+", id)
	}
	return nil
}

// Timeouts carries the per-backend phase deadlines. Zero values fall back to
// the global defaults.
type Timeouts struct {
	// Spawn bounds process start plus the initialize round-trip.
	Spawn time.Duration
	// Install replaces Spawn for a package backend's first run once an
	// installation phase is detected on stderr.
	Install time.Duration
	// ToolCall bounds one tools/call round-trip.
	ToolCall time.Duration
	// Healthcheck bounds one ping round-trip.
	Healthcheck time.Duration
}

// Default timeout values.
const (
	DefaultSpawnTimeout       = 30 * time.Second
	DefaultInstallTimeout     = 120 * time.Second
	DefaultToolCallTimeout    = 60 * time.Second
	DefaultHealthcheckTimeout = 5 * time.Second
)

// SpawnOrDefault returns the spawn deadline to use.
func (t Timeouts) SpawnOrDefault() time.Duration {
	if t.Spawn > 0 {
		return t.Spawn
	}
	return DefaultSpawnTimeout
}

// InstallOrDefault returns the install deadline to use.
func (t Timeouts) InstallOrDefault() time.Duration {
	if t.Install > 0 {
		return t.Install
	}
	return DefaultInstallTimeout
}

// ToolCallOrDefault returns the per-call deadline to use.
func (t Timeouts) ToolCallOrDefault() time.Duration {
	if t.ToolCall > 0 {
		return t.ToolCall
	}
	return DefaultToolCallTimeout
}

// HealthcheckOrDefault returns the ping deadline to use.
func (t Timeouts) HealthcheckOrDefault() time.Duration {
	if t.Healthcheck > 0 {
		return t.Healthcheck
	}
	return DefaultHealthcheckTimeout
}

// RestartPolicy governs crash recovery.
type RestartPolicy struct {
	// AutoRestart enables restart after an unrequested exit.
	AutoRestart bool
	// Delay is the initial restart delay; it doubles on repeated failure.
	Delay time.Duration
	// MaxRestarts caps consecutive failed restarts.
	MaxRestarts int
}

// HealthCheck configures the optional periodic ping probe.
type HealthCheck struct {
	Enabled bool
	// Interval between pings.
	Interval time.Duration
	// MaxConsecutiveFailures before the backend is declared crashed.
	MaxConsecutiveFailures int
}

// Backend is one configured backend definition, already validated by the
// config loader.
type Backend struct {
	ID        string
	Kind      BackendKind
	StartMode StartMode

	// Launch parameters for local and package kinds.
	Command string
	Args    []string
	WorkDir string
	Env     map[string]string

	// Endpoint parameters for the remote kind.
	URL           string
	Transport     transport.Kind
	BearerToken   string
	BasicAuthUser string
	BasicAuthPass string

	// Tool surface shaping.
	ToolsInclude []string
	ToolsExclude []string
	// Aliases maps an original tool name to the public name to expose.
	Aliases map[string]string

	// MaxConcurrency gates concurrent in-flight calls to this backend.
	// Zero means unlimited.
	MaxConcurrency int

	Timeouts    Timeouts
	Restart     RestartPolicy
	HealthCheck HealthCheck
}

// ToolDescriptor is one tool as reported by a backend's tools/list. The input
// schema is carried opaquely; the hub never interprets it.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// NamingStrategy selects how public tool names are derived.
type NamingStrategy string

const (
	// NamingNamespace always qualifies names with the backend id.
	NamingNamespace NamingStrategy = "namespace"
	// NamingAlias keeps the bare name when free, qualifying on collision.
	NamingAlias NamingStrategy = "alias"
	// NamingError rejects a batch containing a collision.
	NamingError NamingStrategy = "error"
)

// NamingConfig governs public name derivation for the whole hub.
type NamingConfig struct {
	Strategy NamingStrategy
	// Separator replaces characters that are not legal in MCP tool names.
	Separator string
	// FormatTemplate builds a qualified name; {backend} and {tool} are
	// substituted. Defaults to "{backend}_{tool}".
	FormatTemplate string
}

// DefaultNamingConfig is used when the configuration does not set one.
func DefaultNamingConfig() NamingConfig {
	return NamingConfig{
		Strategy:       NamingNamespace,
		Separator:      "_",
		FormatTemplate: "{backend}_{tool}",
	}
}
