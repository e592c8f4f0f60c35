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

// Package export provides span exporters for the proxy's traces.
package export

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
)

// WriterConfig holds configuration for a writer exporter.
type WriterConfig struct {
	// Writer is the output destination (required).
	Writer io.Writer

	// PrettyPrint enables human-readable formatted output.
	PrettyPrint bool
}

// NewWriterExporter creates an exporter that writes spans as JSON.
// Never point it at stdout while proxying: stdout carries the protocol.
func NewWriterExporter(cfg WriterConfig) (trace.SpanExporter, error) {
	if cfg.Writer == nil {
		return nil, fmt.Errorf("writer is required")
	}

	opts := []stdouttrace.Option{stdouttrace.WithWriter(cfg.Writer)}
	if cfg.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}

	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create span writer exporter: %w", err)
	}

	return exporter, nil
}

// NewFileExporter creates an exporter that appends one JSON span per line
// to path. The file is closed when the exporter shuts down.
func NewFileExporter(path string) (trace.SpanExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	exporter, err := NewWriterExporter(WriterConfig{Writer: f})
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &fileExporter{SpanExporter: exporter, file: f}, nil
}

type fileExporter struct {
	trace.SpanExporter
	file *os.File
}

func (e *fileExporter) Shutdown(ctx context.Context) error {
	err := e.SpanExporter.Shutdown(ctx)
	if closeErr := e.file.Close(); err == nil {
		err = closeErr
	}
	return err
}
