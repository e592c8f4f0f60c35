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
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Exporter types.
const (
	ExporterNone     = ""
	ExporterFile     = "file"
	ExporterOTLP     = "otlp"
	ExporterOTLPHTTP = "otlp-http"
)

// Config holds observability configuration.
type Config struct {
	// ServiceName identifies this service in traces.
	ServiceName string

	// ServiceVersion is the application version.
	ServiceVersion string

	// Sampling configures trace sampling.
	Sampling SamplingConfig

	// Exporter configures where spans are sent. Tracing is off when the
	// type is empty.
	Exporter ExporterConfig

	// BatchTimeout is how often to flush spans (default: 5s).
	BatchTimeout time.Duration

	// Registerer receives the request metrics (default: the Prometheus
	// default registerer).
	Registerer prometheus.Registerer
}

// SamplingConfig controls which traces are recorded.
type SamplingConfig struct {
	// Rate is the fraction of traces to sample (0.0 - 1.0).
	// Zero means sample all traces.
	Rate float64
}

// ExporterConfig defines a span export destination.
type ExporterConfig struct {
	// Type is the exporter type: "file", "otlp" or "otlp-http".
	Type string

	// Path is the output file for the file exporter.
	Path string

	// Endpoint is the OTLP receiver address.
	Endpoint string

	// URLPath overrides the OTLP HTTP traces path.
	URLPath string

	// Insecure disables TLS for OTLP exporters.
	Insecure bool

	// CACertPath is a custom CA certificate for OTLP exporters.
	CACertPath string

	// Headers are additional headers sent with each export.
	Headers map[string]string
}

// Enabled reports whether spans are exported.
func (c Config) Enabled() bool {
	return c.Exporter.Type != ExporterNone
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Sampling.Rate < 0 || c.Sampling.Rate > 1 {
		return fmt.Errorf("sampling rate must be between 0 and 1, got %v", c.Sampling.Rate)
	}

	switch c.Exporter.Type {
	case ExporterNone:
	case ExporterFile:
		if c.Exporter.Path == "" {
			return fmt.Errorf("file exporter requires a path")
		}
	case ExporterOTLP, ExporterOTLPHTTP:
		if c.Exporter.Endpoint == "" {
			return fmt.Errorf("%s exporter requires an endpoint", c.Exporter.Type)
		}
	default:
		return fmt.Errorf("unknown trace exporter %q (expected file, otlp or otlp-http)", c.Exporter.Type)
	}

	return nil
}
