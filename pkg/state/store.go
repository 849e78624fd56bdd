// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

// Package state persists backend lifecycle records so operators can inspect
// hub state across restarts. Persistence is optional: a nil Store disables it
// and the hub behaves identically.
package state

import (
	"context"
	"time"
)

// Record is the persisted view of one backend supervisor.
type Record struct {
	BackendID         string
	Kind              string
	State             string
	LastStartedAt     *time.Time
	LastStoppedAt     *time.Time
	FailureCount      int
	LastFailureReason string
	ToolNames         []string
}

// Store persists backend records. Implementations must be safe for
// concurrent use; writes happen on every supervisor state transition.
type Store interface {
	// Save upserts the record for record.BackendID.
	Save(ctx context.Context, record Record) error
	// Load returns the stored record for a backend, if any.
	Load(ctx context.Context, backendID string) (Record, bool, error)
	// List returns every stored record ordered by backend id.
	List(ctx context.Context) ([]Record, error)
	// Close releases the underlying handle.
	Close() error
}
