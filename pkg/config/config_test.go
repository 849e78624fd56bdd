// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticolabs/portico/pkg/hub"
)

type stubEnv map[string]string

func (s stubEnv) Getenv(key string) string { return s[key] }

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
name: test-hub
http:
  host: 127.0.0.1
  port: 4483
naming:
  strategy: namespace
backends:
  - id: fs
    kind: local
    command: /usr/local/bin/fs-mcp
    args: ["--root", "/tmp"]
`

func TestYAMLLoader_Load(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		env     stubEnv
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name: "valid minimal configuration",
			yaml: minimalConfig,
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Equal(t, "test-hub", cfg.Name)
				require.Len(t, cfg.Backends, 1)
				assert.Equal(t, "fs", cfg.Backends[0].ID)
				assert.Equal(t, "local", cfg.Backends[0].Kind)
				// Defaults fill unset fields.
				assert.Equal(t, "/mcp", cfg.HTTP.Endpoint)
				assert.Equal(t, "eager", cfg.Backends[0].StartMode)
				assert.Equal(t, "{backend}_{tool}", cfg.Naming.Format)
			},
		},
		{
			name: "env expansion in values",
			yaml: `
name: test-hub
backends:
  - id: remote
    kind: remote
    url: ${MCP_URL}
    transport: sse
`,
			env: stubEnv{"MCP_URL": "https://mcp.example.com/sse"},
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Equal(t, "https://mcp.example.com/sse", cfg.Backends[0].URL)
			},
		},
		{
			name: "package kind defaults to npx",
			yaml: `
name: test-hub
backends:
  - id: gh
    kind: package
    args: ["@example/github-mcp"]
    start_mode: lazy
`,
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Equal(t, "npx", cfg.Backends[0].Command)
				assert.Equal(t, "lazy", cfg.Backends[0].StartMode)
			},
		},
		{
			name:    "broken yaml fails",
			yaml:    "backends: [\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, tt.yaml)
			env := tt.env
			if env == nil {
				env = stubEnv{}
			}

			cfg, err := NewYAMLLoader(path, env).Load()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := NewYAMLLoader(filepath.Join(t.TempDir(), "nope.yaml"), stubEnv{}).Load()
	assert.Error(t, err)
}

func TestValidator(t *testing.T) {
	t.Parallel()

	load := func(t *testing.T, yaml string) *Config {
		t.Helper()
		cfg, err := NewYAMLLoader(writeConfig(t, yaml), stubEnv{}).Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{"valid config passes", minimalConfig, ""},
		{
			name: "bad backend id",
			yaml: `
backends:
  - id: "bad id"
    kind: local
    command: /bin/x
`,
			errMsg: "invalid backend id",
		},
		{
			name: "duplicate ids",
			yaml: `
backends:
  - id: dup
    kind: local
    command: /bin/x
  - id: dup
    kind: local
    command: /bin/y
`,
			errMsg: "duplicate backend id",
		},
		{
			name: "unknown kind",
			yaml: `
backends:
  - id: x
    kind: container
    command: /bin/x
`,
			errMsg: "unknown kind",
		},
		{
			name: "local without command",
			yaml: `
backends:
  - id: x
    kind: local
`,
			errMsg: "needs a command",
		},
		{
			name: "remote without url",
			yaml: `
backends:
  - id: x
    kind: remote
`,
			errMsg: "needs a url",
		},
		{
			name: "no backends",
			yaml: `
name: empty
`,
			errMsg: "at least one backend",
		},
		{
			name: "unknown naming strategy",
			yaml: `
naming:
  strategy: squash
backends:
  - id: x
    kind: local
    command: /bin/x
`,
			errMsg: "unknown naming strategy",
		},
	}

	validator := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := load(t, tt.yaml)
			err := validator.Validate(cfg)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestHubBackendsConversion(t *testing.T) {
	t.Parallel()

	yaml := `
name: test-hub
timeouts:
  tool_call_ms: 45000
backends:
  - id: gh
    kind: remote
    url: https://mcp.example.com
    transport: websocket
    start_mode: lazy
    concurrency: 4
    auth:
      bearer_token_env: GH_TOKEN
    tools:
      include: ["issues_*"]
      aliases: {issues_create: gh_new_issue}
    timeouts:
      tool_call_ms: 10000
    restart:
      auto: true
      delay_ms: 500
      max_restarts: 5
    health:
      enabled: true
      interval_ms: 15000
      max_failures: 2
`
	cfg, err := NewYAMLLoader(writeConfig(t, yaml), stubEnv{}).Load()
	require.NoError(t, err)

	backends := cfg.HubBackends(stubEnv{"GH_TOKEN": "tok-123"}.Getenv)
	require.Len(t, backends, 1)
	b := backends[0]

	assert.Equal(t, hub.KindRemote, b.Kind)
	assert.Equal(t, hub.StartLazy, b.StartMode)
	assert.Equal(t, "tok-123", b.BearerToken)
	assert.Equal(t, 4, b.MaxConcurrency)
	assert.Equal(t, 10*time.Second, b.Timeouts.ToolCall, "backend override wins over global")
	assert.Equal(t, 500*time.Millisecond, b.Restart.Delay)
	assert.Equal(t, 5, b.Restart.MaxRestarts)
	assert.True(t, b.HealthCheck.Enabled)
	assert.Equal(t, map[string]string{"issues_create": "gh_new_issue"}, b.Aliases)
}

func TestGlobalTimeoutFallback(t *testing.T) {
	t.Parallel()

	yaml := `
timeouts:
  tool_call_ms: 45000
backends:
  - id: fs
    kind: local
    command: /bin/fs
`
	cfg, err := NewYAMLLoader(writeConfig(t, yaml), stubEnv{}).Load()
	require.NoError(t, err)

	backends := cfg.HubBackends(stubEnv{}.Getenv)
	require.Len(t, backends, 1)
	assert.Equal(t, 45*time.Second, backends[0].Timeouts.ToolCall)
}
