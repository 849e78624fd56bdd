// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

// Package registry maintains the mapping between the public tool names the
// hub exposes and the (backend, original name) pairs that serve them,
// applying the configured collision policy.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/porticolabs/portico/pkg/hub"
)

// ErrToolNameCollision is returned when the error strategy rejects a batch.
var ErrToolNameCollision = errors.New("tool name collision")

// RegisteredTool is one public tool entry.
type RegisteredTool struct {
	PublicName   string
	BackendID    string
	OriginalName string
	Descriptor   hub.ToolDescriptor
}

// Registry maps public tool names to backends. All methods are safe for
// concurrent use; mutation per backend is expected to come from that
// backend's supervisor only.
type Registry struct {
	naming hub.NamingConfig

	mu       sync.RWMutex
	byPublic map[string]RegisteredTool
	// byBackend maps backendID -> originalName -> publicName.
	byBackend map[string]map[string]string
}

// New creates an empty registry with the given naming policy.
func New(naming hub.NamingConfig) *Registry {
	if naming.Strategy == "" {
		naming = hub.DefaultNamingConfig()
	}
	return &Registry{
		naming:    naming,
		byPublic:  map[string]RegisteredTool{},
		byBackend: map[string]map[string]string{},
	}
}

// RegisterBackendTools atomically replaces all tools of one backend with the
// given descriptors. Aliases override derivation per original name. Under the
// error strategy a collision with another backend fails the whole batch and
// leaves the registry unchanged.
func (r *Registry) RegisterBackendTools(backendID string, descriptors []hub.ToolDescriptor, aliases map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Phase one: derive the complete public-name set for the batch without
	// touching the registry, so a failure leaves prior state intact.
	planned := make(map[string]RegisteredTool, len(descriptors))
	for _, desc := range descriptors {
		publicName, err := r.derivePublicLocked(backendID, desc.Name, aliases, planned)
		if err != nil {
			return err
		}
		if prior, dup := planned[publicName]; dup {
			return fmt.Errorf("%w: %q derived for both %q and %q of backend %q",
				ErrToolNameCollision, publicName, prior.OriginalName, desc.Name, backendID)
		}
		planned[publicName] = RegisteredTool{
			PublicName:   publicName,
			BackendID:    backendID,
			OriginalName: desc.Name,
			Descriptor:   desc,
		}
	}

	// Phase two: swap. Prior entries of this backend vanish entirely.
	r.clearBackendLocked(backendID)
	names := make(map[string]string, len(planned))
	for publicName, tool := range planned {
		r.byPublic[publicName] = tool
		names[tool.OriginalName] = publicName
	}
	r.byBackend[backendID] = names
	return nil
}

// derivePublicLocked applies alias overrides and the naming strategy for one
// descriptor. The planned set is consulted so batch-internal collisions under
// the alias strategy qualify correctly.
func (r *Registry) derivePublicLocked(backendID, originalName string, aliases map[string]string, planned map[string]RegisteredTool) (string, error) {
	if alias, ok := aliases[originalName]; ok && alias != "" {
		return alias, nil
	}

	switch r.naming.Strategy {
	case hub.NamingNamespace:
		return Derive(backendID, originalName, r.naming), nil

	case hub.NamingAlias:
		if r.bareNameFreeLocked(backendID, originalName, planned) {
			return sanitize(originalName, r.separator()), nil
		}
		return Derive(backendID, originalName, r.naming), nil

	case hub.NamingError:
		bare := sanitize(originalName, r.separator())
		if _, dup := planned[bare]; dup {
			return "", fmt.Errorf("%w: tool %q appears twice in backend %q",
				ErrToolNameCollision, bare, backendID)
		}
		if tool, exists := r.byPublic[bare]; exists && tool.BackendID != backendID {
			return "", fmt.Errorf("%w: tool %q already exposed by backend %q",
				ErrToolNameCollision, bare, tool.BackendID)
		}
		return bare, nil

	default:
		return Derive(backendID, originalName, r.naming), nil
	}
}

func (r *Registry) separator() string {
	if r.naming.Separator == "" {
		return "_"
	}
	return r.naming.Separator
}

// bareNameFreeLocked reports whether name is unclaimed by any other backend
// and by the batch planned so far. The registering backend's own prior
// entries do not count: they are about to be replaced.
func (r *Registry) bareNameFreeLocked(backendID, name string, planned map[string]RegisteredTool) bool {
	if _, taken := planned[name]; taken {
		return false
	}
	tool, exists := r.byPublic[name]
	return !exists || tool.BackendID == backendID
}

// ResolveTool maps a public name back to its backend and original name.
func (r *Registry) ResolveTool(publicName string) (backendID, originalName string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, exists := r.byPublic[publicName]
	if !exists {
		return "", "", false
	}
	return tool.BackendID, tool.OriginalName, true
}

// Get returns the full registered entry for a public name.
func (r *Registry) Get(publicName string) (RegisteredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, exists := r.byPublic[publicName]
	return tool, exists
}

// ListPublicTools returns every registered tool sorted by public name.
func (r *Registry) ListPublicTools() []RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]RegisteredTool, 0, len(r.byPublic))
	for _, tool := range r.byPublic {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].PublicName < tools[j].PublicName })
	return tools
}

// ClearBackend removes every entry of one backend. Idempotent.
func (r *Registry) ClearBackend(backendID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearBackendLocked(backendID)
}

func (r *Registry) clearBackendLocked(backendID string) {
	for _, publicName := range r.byBackend[backendID] {
		delete(r.byPublic, publicName)
	}
	delete(r.byBackend, backendID)
}

// DetectCollisions returns, for diagnostics, the original tool names exposed
// by more than one backend along with the backends exposing them.
func (r *Registry) DetectCollisions() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byOriginal := map[string][]string{}
	for backendID, names := range r.byBackend {
		for originalName := range names {
			byOriginal[originalName] = append(byOriginal[originalName], backendID)
		}
	}

	collisions := map[string][]string{}
	for originalName, backends := range byOriginal {
		if len(backends) > 1 {
			sort.Strings(backends)
			collisions[originalName] = backends
		}
	}
	return collisions
}
