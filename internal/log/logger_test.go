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
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
	assert.Equal(t, os.Stderr, cfg.Output)
	assert.False(t, cfg.AddSource)
	assert.Empty(t, cfg.File)
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		env       map[string]string
		level     string
		format    Format
		addSource bool
	}{
		{
			name:   "defaults",
			level:  "info",
			format: FormatText,
		},
		{
			name:   "LOG_LEVEL",
			env:    map[string]string{"LOG_LEVEL": "WARN"},
			level:  "warn",
			format: FormatText,
		},
		{
			name:   "MCPRELOAD_LOG_LEVEL wins over LOG_LEVEL",
			env:    map[string]string{"LOG_LEVEL": "warn", "MCPRELOAD_LOG_LEVEL": "error"},
			level:  "error",
			format: FormatText,
		},
		{
			name:      "MCPRELOAD_DEBUG wins over levels",
			env:       map[string]string{"MCPRELOAD_DEBUG": "1", "MCPRELOAD_LOG_LEVEL": "error"},
			level:     "debug",
			format:    FormatText,
			addSource: true,
		},
		{
			name:   "json format",
			env:    map[string]string{"MCPRELOAD_LOG_FORMAT": "JSON"},
			level:  "info",
			format: FormatJSON,
		},
		{
			name:      "source",
			env:       map[string]string{"MCPRELOAD_LOG_SOURCE": "1"},
			level:     "info",
			format:    FormatText,
			addSource: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"MCPRELOAD_DEBUG", "MCPRELOAD_LOG_LEVEL", "LOG_LEVEL", "MCPRELOAD_LOG_FORMAT", "MCPRELOAD_LOG_SOURCE"} {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg := FromEnv()
			assert.Equal(t, tt.level, cfg.Level)
			assert.Equal(t, tt.format, cfg.Format)
			assert.Equal(t, tt.addSource, cfg.AddSource)
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	defer closer.Close()

	logger.Info("child server started", "pid", 42)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "child server started", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
	assert.EqualValues(t, 42, entry["pid"])
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := New(&Config{Level: "info", Format: FormatText, Output: &buf})
	defer closer.Close()

	logger.Info("restart completed", "trigger", "manual")

	out := buf.String()
	assert.Contains(t, out, "restart completed")
	assert.Contains(t, out, "trigger=manual")
}

func TestNew_NilConfig(t *testing.T) {
	logger, closer := New(nil)
	require.NotNil(t, logger)
	assert.NoError(t, closer.Close())
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpreload.log")
	logger, closer := New(&Config{Level: "info", Format: FormatJSON, File: path})

	logger.Info("written to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace":   LevelTrace,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}

	assert.True(t, ValidLevel("Debug"))
	assert.False(t, ValidLevel("verbose"))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(&Config{Level: "warn", Format: FormatText, Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown")
	Trace(logger, "also hidden")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestTrace(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(&Config{Level: "trace", Format: FormatText, Output: &buf})

	Trace(logger, "protocol message", slog.String("direction", "to_child"))
	assert.Contains(t, buf.String(), "protocol message")
	assert.Contains(t, buf.String(), "direction=to_child")
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger = WithComponent(logger, "supervisor")
	logger = WithSession(logger, "abc123")
	logger = WithGeneration(logger, 3)
	logger.Info("hello", Error(errors.New("boom")))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "supervisor", entry[ComponentKey])
	assert.Equal(t, "abc123", entry[SessionKey])
	assert.EqualValues(t, 3, entry[GenerationKey])
	assert.Equal(t, "boom", entry["error"])
}

func TestLogRequest(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

	LogRequest(logger, &Request{
		Method:   "tools/call",
		ID:       "int64:7",
		Outcome:  "ok",
		Duration: 25 * time.Millisecond,
	})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "request completed", entry["msg"])
	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "tools/call", entry[MethodKey])
	assert.Equal(t, "int64:7", entry["request_id"])
	assert.EqualValues(t, 25, entry[DurationKey])
}

func TestLogRequest_Failure(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(&Config{Level: "info", Format: FormatText, Output: &buf})

	LogRequest(logger, &Request{
		Method:       "tools/call",
		Outcome:      "unavailable",
		ErrorCode:    -32000,
		ErrorMessage: "child server is unavailable",
	})

	out := buf.String()
	assert.True(t, strings.Contains(out, "level=WARN"), out)
	assert.Contains(t, out, "request failed")
	assert.Contains(t, out, "error_code=-32000")
}
