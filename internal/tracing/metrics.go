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

package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Request outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeUnavailable = "unavailable"
	OutcomeLocal       = "local"
	OutcomeCancelled   = "cancelled"
)

// RequestMetrics records upstream request counts and latency.
type RequestMetrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// NewRequestMetrics creates request instruments using the given meter provider.
func NewRequestMetrics(meterProvider metric.MeterProvider) (*RequestMetrics, error) {
	meter := meterProvider.Meter("mcpreload")

	m := &RequestMetrics{}

	var err error
	m.requestsTotal, err = meter.Int64Counter(
		"mcpreload_requests_total",
		metric.WithDescription("Total number of upstream requests by method and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.requestDuration, err = meter.Float64Histogram(
		"mcpreload_request_duration_seconds",
		metric.WithDescription("Upstream request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRequest records one upstream request. Safe on a nil receiver.
func (m *RequestMetrics) RecordRequest(ctx context.Context, method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	)
	m.requestsTotal.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, duration.Seconds(), attrs)
}
