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

// Package metrics exposes child lifecycle and relay counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	proxymcp "github.com/tombee/mcpreload/internal/mcp"
)

// Notification directions.
const (
	DirectionToUpstream = "to_upstream"
	DirectionToChild    = "to_child"
)

var (
	// childUp is 1 while a child generation is published
	childUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpreload_child_up",
			Help: "Whether a child server is connected (1) or not (0)",
		},
	)

	// childGeneration tracks the most recently started generation
	childGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpreload_child_generation",
			Help: "Generation number of the most recently started child server",
		},
	)

	// childTools tracks the size of the published tool list
	childTools = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpreload_child_tools",
			Help: "Number of tools in the current capability snapshot",
		},
	)

	// childExits counts unexpected exits
	childExits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcpreload_child_exits_total",
			Help: "Total unexpected child server exits",
		},
	)

	// restarts counts completed restart attempts
	restarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpreload_restarts_total",
			Help: "Total restart attempts by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	// restartDuration tracks how long successful restarts take
	restartDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpreload_restart_duration_seconds",
			Help:    "Duration of successful restarts by trigger",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"trigger"},
	)

	// restartsScheduled counts automatic restarts put on a timer
	restartsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcpreload_restarts_scheduled_total",
			Help: "Total automatic restarts scheduled after a crash",
		},
	)

	// notifications counts relayed notifications
	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpreload_notifications_total",
			Help: "Total relayed notifications by direction and method",
		},
		[]string{"direction", "method"},
	)

	// notificationsDropped counts notifications that were not relayed
	notificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpreload_notifications_dropped_total",
			Help: "Total notifications dropped by reason",
		},
		[]string{"reason"},
	)
)

// Observe updates the lifecycle metrics from an event. Register it with
// EventEmitter.Subscribe.
func Observe(event proxymcp.Event) {
	switch event.Type {
	case proxymcp.EventChildStarted:
		childUp.Set(1)
		childGeneration.Set(float64(event.Generation))
	case proxymcp.EventChildStopped:
		childUp.Set(0)
	case proxymcp.EventChildExited:
		childUp.Set(0)
		childExits.Inc()
	case proxymcp.EventRestartScheduled:
		restartsScheduled.Inc()
	case proxymcp.EventRestartSucceeded:
		trigger := detailString(event, "trigger")
		restarts.WithLabelValues(trigger, "success").Inc()
		if ms, ok := detailNumber(event, "duration_ms"); ok {
			restartDuration.WithLabelValues(trigger).Observe(ms / 1000)
		}
	case proxymcp.EventRestartFailed:
		restarts.WithLabelValues(detailString(event, "trigger"), "failure").Inc()
	case proxymcp.EventCapabilitiesChanged:
		if n, ok := detailNumber(event, "tool_count"); ok {
			childTools.Set(n)
		}
	}
}

// RecordNotification increments the relayed notification counter.
func RecordNotification(direction, method string) {
	notifications.WithLabelValues(direction, method).Inc()
}

// RecordDroppedNotification increments the dropped notification counter.
func RecordDroppedNotification(reason string) {
	notificationsDropped.WithLabelValues(reason).Inc()
}

func detailString(event proxymcp.Event, key string) string {
	if s, ok := event.Details[key].(string); ok {
		return s
	}
	return "unknown"
}

func detailNumber(event proxymcp.Event, key string) (float64, bool) {
	switch v := event.Details[key].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
