// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType represents the type of child lifecycle event.
type EventType string

const (
	// EventChildStarted indicates a child completed its handshake.
	EventChildStarted EventType = "child_started"
	// EventChildStopped indicates a child was stopped on purpose.
	EventChildStopped EventType = "child_stopped"
	// EventChildExited indicates a child exited without being asked to.
	EventChildExited EventType = "child_exited"
	// EventRestartScheduled indicates an automatic restart was scheduled.
	EventRestartScheduled EventType = "restart_scheduled"
	// EventRestartSucceeded indicates a restart completed.
	EventRestartSucceeded EventType = "restart_succeeded"
	// EventRestartFailed indicates a restart attempt failed.
	EventRestartFailed EventType = "restart_failed"
	// EventCapabilitiesChanged indicates a new capability snapshot was published.
	EventCapabilitiesChanged EventType = "capabilities_changed"
)

// Event represents a lifecycle event of the proxied child server.
type Event struct {
	// Type is the event type.
	Type EventType `json:"type"`

	// Generation is the child generation the event refers to.
	Generation uint64 `json:"generation"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Message is an optional human-readable message.
	Message string `json:"message,omitempty"`

	// Details contains additional event-specific information.
	Details map[string]any `json:"details,omitempty"`
}

// EventEmitter logs lifecycle events and fans them out to subscribers.
type EventEmitter struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers []func(Event)
}

// NewEventEmitter creates a new event emitter.
func NewEventEmitter(logger *slog.Logger) *EventEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventEmitter{logger: logger}
}

// Subscribe registers fn to receive every event. fn is called synchronously
// and must not block.
func (e *EventEmitter) Subscribe(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

// Emit logs an event and delivers it to subscribers.
func (e *EventEmitter) Emit(event Event) {
	if e == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	attrs := []any{
		"event", string(event.Type),
		"generation", event.Generation,
	}
	if event.Message != "" {
		attrs = append(attrs, "message", event.Message)
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	if event.Type == EventChildExited || event.Type == EventRestartFailed {
		level = slog.LevelWarn
	}
	e.logger.Log(context.Background(), level, "child server event", attrs...)

	e.mu.RLock()
	subs := e.subscribers
	e.mu.RUnlock()
	for _, fn := range subs {
		fn(event)
	}
}

// EmitStarted emits a child started event.
func (e *EventEmitter) EmitStarted(generation uint64, pid int, toolCount int) {
	e.Emit(Event{
		Type:       EventChildStarted,
		Generation: generation,
		Message:    "child server connected",
		Details: map[string]any{
			"pid":        pid,
			"tool_count": toolCount,
		},
	})
}

// EmitStopped emits a child stopped event.
func (e *EventEmitter) EmitStopped(generation uint64) {
	e.Emit(Event{
		Type:       EventChildStopped,
		Generation: generation,
		Message:    "child server stopped",
	})
}

// EmitExited emits an unexpected exit event.
func (e *EventEmitter) EmitExited(generation uint64, err error) {
	details := map[string]any{}
	if err != nil {
		details["error"] = err.Error()
	}
	e.Emit(Event{
		Type:       EventChildExited,
		Generation: generation,
		Message:    "child server exited unexpectedly",
		Details:    details,
	})
}

// EmitRestartScheduled emits an automatic restart scheduled event.
func (e *EventEmitter) EmitRestartScheduled(attempt int, delay time.Duration) {
	e.Emit(Event{
		Type:    EventRestartScheduled,
		Message: "automatic restart scheduled",
		Details: map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		},
	})
}

// EmitRestartSucceeded emits a restart succeeded event.
func (e *EventEmitter) EmitRestartSucceeded(generation uint64, trigger string, duration time.Duration) {
	e.Emit(Event{
		Type:       EventRestartSucceeded,
		Generation: generation,
		Message:    "child server restarted",
		Details: map[string]any{
			"trigger":     trigger,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// EmitRestartFailed emits a restart failed event.
func (e *EventEmitter) EmitRestartFailed(trigger string, attempt int, err error) {
	e.Emit(Event{
		Type:    EventRestartFailed,
		Message: "child server restart failed",
		Details: map[string]any{
			"trigger": trigger,
			"attempt": attempt,
			"error":   err.Error(),
		},
	})
}

// EmitCapabilitiesChanged emits a capabilities changed event.
func (e *EventEmitter) EmitCapabilitiesChanged(generation uint64, toolCount int) {
	e.Emit(Event{
		Type:       EventCapabilitiesChanged,
		Generation: generation,
		Message:    "capability snapshot replaced",
		Details: map[string]any{
			"tool_count": toolCount,
		},
	})
}
