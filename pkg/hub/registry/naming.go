// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"strings"

	"github.com/porticolabs/portico/pkg/hub"
)

// legalNameChar reports whether c may appear in an MCP tool name.
func legalNameChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-':
		return true
	}
	return false
}

// sanitize replaces characters that are not legal in MCP tool names with the
// separator. The mapping is lossy when the original name already contains the
// separator or multiple distinct illegal characters.
func sanitize(name, separator string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, c := range name {
		if legalNameChar(c) {
			b.WriteRune(c)
		} else {
			b.WriteString(separator)
		}
	}
	return b.String()
}

// Derive computes the qualified public name for a tool. It is a pure
// function of its inputs: the format template is filled with the backend id
// and original name, then sanitized.
func Derive(backendID, originalName string, cfg hub.NamingConfig) string {
	template := cfg.FormatTemplate
	if template == "" {
		template = "{backend}_{tool}"
	}
	separator := cfg.Separator
	if separator == "" {
		separator = "_"
	}
	name := strings.ReplaceAll(template, "{backend}", backendID)
	name = strings.ReplaceAll(name, "{tool}", originalName)
	return sanitize(name, separator)
}
