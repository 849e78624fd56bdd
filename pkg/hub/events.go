// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package hub

import "time"

// EventType classifies supervisor events.
type EventType string

// Supervisor event types.
const (
	EventStarting        EventType = "starting"
	EventStarted         EventType = "started"
	EventStopping        EventType = "stopping"
	EventStopped         EventType = "stopped"
	EventCrashed         EventType = "crashed"
	EventToolsDiscovered EventType = "tools-discovered"
	EventError           EventType = "error"
	EventAutoRestart     EventType = "auto-restart"
)

// Event is one entry in a supervisor's event stream. The channel delivering
// events is the sole ordering authority for observers.
type Event struct {
	Type      EventType
	BackendID string
	State     BackendState
	// Err is set for crashed and error events.
	Err error
	// Tools is set for tools-discovered events.
	Tools []ToolDescriptor
	Time  time.Time
}
