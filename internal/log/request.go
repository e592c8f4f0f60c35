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

package log

import (
	"context"
	"log/slog"
	"time"
)

// Request describes one completed MCP request for logging.
type Request struct {
	// Method is the JSON-RPC method.
	Method string

	// ID is the upstream request id.
	ID string

	// Outcome is how the request ended (ok, error, local, unavailable,
	// cancelled).
	Outcome string

	// ErrorCode and ErrorMessage are set for JSON-RPC error responses.
	ErrorCode    int
	ErrorMessage string

	// Duration is how long the request took.
	Duration time.Duration
}

// LogRequest logs a completed request. Successful requests are logged at
// debug level, failures at warn.
func LogRequest(logger *slog.Logger, req *Request) {
	attrs := []slog.Attr{
		slog.String(MethodKey, req.Method),
		slog.String("outcome", req.Outcome),
		slog.Int64(DurationKey, req.Duration.Milliseconds()),
	}
	if req.ID != "" {
		attrs = append(attrs, slog.String("request_id", req.ID))
	}

	level := slog.LevelDebug
	message := "request completed"
	if req.ErrorMessage != "" {
		attrs = append(attrs,
			slog.Int("error_code", req.ErrorCode),
			slog.String("error", req.ErrorMessage))
		level = slog.LevelWarn
		message = "request failed"
	}

	logger.LogAttrs(context.Background(), level, message, attrs...)
}
