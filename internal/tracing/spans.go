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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer scope used by the proxy.
const InstrumentationName = "github.com/tombee/mcpreload"

// Span wraps an OpenTelemetry span with proxy-specific helpers. A nil Span
// is valid and does nothing.
type Span struct {
	span trace.Span
}

func tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartRequest creates a span for a request received from the upstream
// client.
func StartRequest(ctx context.Context, method string) (context.Context, *Span) {
	ctx, span := tracer().Start(ctx, method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", method),
			attribute.String("span.type", "mcp.request"),
		),
	)
	return ctx, &Span{span: span}
}

// StartForward creates a span for a request forwarded to a child.
func StartForward(ctx context.Context, method string, generation uint64) (context.Context, *Span) {
	ctx, span := tracer().Start(ctx, fmt.Sprintf("forward: %s", method),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.method", method),
			attribute.Int64("child.generation", int64(generation)),
			attribute.String("span.type", "mcp.forward"),
		),
	)
	return ctx, &Span{span: span}
}

// StartRestart creates a span for a child restart.
func StartRestart(ctx context.Context, trigger string, force bool) (context.Context, *Span) {
	ctx, span := tracer().Start(ctx, "restart",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("restart.trigger", trigger),
			attribute.Bool("restart.force", force),
			attribute.String("span.type", "mcp.restart"),
		),
	)
	return ctx, &Span{span: span}
}

// SetAttributes adds key-value attributes to the span.
func (s *Span) SetAttributes(attrs map[string]any) {
	if s == nil || s.span == nil {
		return
	}

	otelAttrs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			otelAttrs = append(otelAttrs, attribute.String(k, val))
		case int:
			otelAttrs = append(otelAttrs, attribute.Int(k, val))
		case int64:
			otelAttrs = append(otelAttrs, attribute.Int64(k, val))
		case float64:
			otelAttrs = append(otelAttrs, attribute.Float64(k, val))
		case bool:
			otelAttrs = append(otelAttrs, attribute.Bool(k, val))
		default:
			otelAttrs = append(otelAttrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	s.span.SetAttributes(otelAttrs...)
}

// RecordError records err and marks the span as failed.
func (s *Span) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// SetError marks the span as failed without an error value, for JSON-RPC
// error responses.
func (s *Span) SetError(code int, message string) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", code))
	s.span.SetStatus(codes.Error, message)
}

// End completes the span.
func (s *Span) End() {
	if s == nil || s.span == nil {
		return
	}
	s.span.End()
}
