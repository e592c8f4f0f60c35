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

/*
Package tracing provides OpenTelemetry tracing and request metrics for the
proxy.

# Spans

Three span kinds are created, all through the global tracer provider:

  - StartRequest for every request received from the upstream client
  - StartForward for a request forwarded to the child
  - StartRestart for every restart attempt

When no exporter is configured the global provider stays the no-op one and
the helpers cost next to nothing.

# Exporters

Spans can be written to a file as JSON lines (ExporterFile) or sent to an
OTLP receiver over gRPC (ExporterOTLP) or HTTP (ExporterOTLPHTTP). Stdout is
never an option: it carries the protocol.

# Metrics

RequestMetrics records request counts and latency through an OpenTelemetry
meter exported to Prometheus, next to the lifecycle metrics of the metrics
package.

	provider, err := tracing.NewProvider(ctx, tracing.Config{
	    ServiceName:    "mcpreload",
	    ServiceVersion: version,
	    Exporter: tracing.ExporterConfig{Type: tracing.ExporterFile, Path: "traces.jsonl"},
	})
	defer provider.Shutdown(ctx)
*/
package tracing
