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
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/mcpreload/internal/tracing/export"
)

// Provider owns the OpenTelemetry tracer and meter providers of the proxy.
type Provider struct {
	tp       *sdktrace.TracerProvider
	mp       *metric.MeterProvider
	requests *RequestMetrics
}

// NewProvider creates the tracer and meter providers. When an exporter is
// configured the tracer provider becomes the global one, which is what the
// span helpers in this package use. Request metrics are always registered
// with the Prometheus registerer.
func NewProvider(ctx context.Context, cfg Config, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Note: We don't set SchemaURL to avoid conflicts when merging with default resource
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	allOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(NewSampler(cfg.Sampling)),
	}

	if cfg.Enabled() {
		exporter, err := newExporter(ctx, cfg.Exporter)
		if err != nil {
			return nil, err
		}
		batchTimeout := cfg.BatchTimeout
		if batchTimeout == 0 {
			batchTimeout = 5 * time.Second
		}
		allOpts = append(allOpts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)))
	}
	allOpts = append(allOpts, opts...)

	tp := sdktrace.NewTracerProvider(allOpts...)
	if cfg.Enabled() || len(opts) > 0 {
		otel.SetTracerProvider(tp)
	}

	var promOpts []otelprom.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, otelprom.WithRegisterer(cfg.Registerer))
	}
	promExporter, err := otelprom.New(promOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(promExporter),
	)

	requests, err := NewRequestMetrics(mp)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create request metrics: %w", err)
	}

	return &Provider{tp: tp, mp: mp, requests: requests}, nil
}

func newExporter(ctx context.Context, cfg ExporterConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Type {
	case ExporterFile:
		return export.NewFileExporter(cfg.Path)
	case ExporterOTLP, ExporterOTLPHTTP:
		otlpCfg := export.OTLPConfig{
			Endpoint: cfg.Endpoint,
			URLPath:  cfg.URLPath,
			Insecure: cfg.Insecure,
			Headers:  cfg.Headers,
		}
		if !cfg.Insecure && cfg.CACertPath != "" {
			tlsCfg, err := export.ClientTLSConfig(cfg.CACertPath)
			if err != nil {
				return nil, err
			}
			otlpCfg.TLSConfig = tlsCfg
		}
		if cfg.Type == ExporterOTLP {
			return export.NewOTLPExporter(ctx, otlpCfg)
		}
		return export.NewOTLPHTTPExporter(ctx, otlpCfg)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Type)
	}
}

// Tracer returns a tracer for the given instrumentation scope.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Requests returns the request metrics.
func (p *Provider) Requests() *RequestMetrics {
	if p == nil {
		return nil
	}
	return p.requests
}

// Shutdown flushes any pending spans and releases resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return errors.Join(p.tp.Shutdown(ctx), p.mp.Shutdown(ctx))
}

// ForceFlush exports all pending spans synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return errors.Join(p.tp.ForceFlush(ctx), p.mp.ForceFlush(ctx))
}
