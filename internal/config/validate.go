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

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	internallog "github.com/tombee/mcpreload/internal/log"
	proxymcp "github.com/tombee/mcpreload/internal/mcp"
)

// Validate checks that the configuration is usable. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Command) == "" {
		errs = append(errs, "command is required")
	} else if strings.ContainsAny(c.Command, "\x00\n") {
		errs = append(errs, fmt.Sprintf("command %q contains invalid characters", c.Command))
	}

	for key := range c.Env {
		if err := validateEnvKey(key); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if c.Dir != "" {
		if info, err := os.Stat(c.Dir); err != nil {
			errs = append(errs, fmt.Sprintf("cwd %q: %v", c.Dir, err))
		} else if !info.IsDir() {
			errs = append(errs, fmt.Sprintf("cwd %q is not a directory", c.Dir))
		}
	}

	if c.Restart.MaxRestarts < 0 || c.Restart.MaxRestarts > MaxRestartsLimit {
		errs = append(errs, fmt.Sprintf("restart.max_restarts must be between 0 and %d, got %d", MaxRestartsLimit, c.Restart.MaxRestarts))
	}
	if c.Restart.DelayMS < 0 {
		errs = append(errs, fmt.Sprintf("restart.delay_ms must not be negative, got %d", c.Restart.DelayMS))
	}
	if c.Restart.TimeoutMS < 0 {
		errs = append(errs, fmt.Sprintf("restart.timeout_ms must not be negative, got %d", c.Restart.TimeoutMS))
	}
	if c.Restart.StopTimeoutMS <= 0 {
		errs = append(errs, fmt.Sprintf("restart.stop_timeout_ms must be positive, got %d", c.Restart.StopTimeoutMS))
	}

	if c.Watch.DebounceMS < 0 {
		errs = append(errs, fmt.Sprintf("watch.debounce_ms must not be negative, got %d", c.Watch.DebounceMS))
	}
	for _, p := range append(append([]string{}, c.Watch.Include...), c.Watch.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Sprintf("invalid watch pattern %q", p))
		}
	}

	if !internallog.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if err := c.Tracing("").Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("observability: %v", err))
	}

	if len(errs) > 0 {
		return proxymcp.ConfigError("invalid configuration").
			WithDetail(strings.Join(errs, "; "))
	}
	return nil
}

// CheckCommand verifies that the child command can be found.
func (c *Config) CheckCommand() error {
	if _, err := exec.LookPath(c.Command); err != nil {
		return proxymcp.ConfigError(fmt.Sprintf("command %q not found", c.Command)).
			WithCause(err).
			WithSuggestions("Check that the command is installed and on PATH")
	}
	return nil
}

func validateEnvKey(key string) error {
	if key == "" {
		return fmt.Errorf("env key must not be empty")
	}
	for i, r := range key {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return fmt.Errorf("env key %q is not a valid variable name", key)
		}
	}
	return nil
}
