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

// Package config holds the proxy configuration. Values come from defaults,
// then an optional YAML file, then MCPRELOAD_* environment variables, then
// command-line flags. The result is immutable once the proxy starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	proxymcp "github.com/tombee/mcpreload/internal/mcp"
	"github.com/tombee/mcpreload/internal/mcp/restart"
	"github.com/tombee/mcpreload/internal/tracing"
)

// MaxRestartsLimit is the highest accepted max_restarts value.
const MaxRestartsLimit = 10

// Config is the complete proxy configuration.
type Config struct {
	// Command is the child server executable.
	Command string `yaml:"command"`

	// Args are the child's command-line arguments.
	Args []string `yaml:"args,omitempty"`

	// Env is added to the child's environment. It wins over EnvFile.
	Env map[string]string `yaml:"env,omitempty"`

	// EnvFile is a dotenv file loaded into the child's environment.
	EnvFile string `yaml:"env_file,omitempty"`

	// Dir is the child's working directory.
	Dir string `yaml:"cwd,omitempty"`

	Restart       RestartConfig       `yaml:"restart"`
	Watch         WatchConfig         `yaml:"watch"`
	Log           LogConfig           `yaml:"log"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Observability ObservabilityConfig `yaml:"observability"`

	// ProtocolLog is a file every protocol message is appended to.
	ProtocolLog string `yaml:"protocol_log,omitempty"`
}

// RestartConfig controls automatic restarts.
type RestartConfig struct {
	// Auto restarts the child after an unexpected exit.
	Auto bool `yaml:"auto"`

	// MaxRestarts bounds automatic attempts within the window (0-10).
	MaxRestarts int `yaml:"max_restarts"`

	// DelayMS is the base backoff delay.
	DelayMS int `yaml:"delay_ms"`

	// TimeoutMS bounds each restart attempt.
	TimeoutMS int `yaml:"timeout_ms"`

	// StopTimeoutMS is how long a stopping child gets to exit before it is
	// killed.
	StopTimeoutMS int `yaml:"stop_timeout_ms"`
}

// WatchConfig controls watch mode.
type WatchConfig struct {
	// Paths are watched for changes. Watch mode is off when empty.
	Paths []string `yaml:"paths,omitempty"`

	// Include limits restarts to matching files.
	Include []string `yaml:"include,omitempty"`

	// Exclude adds to the default excludes.
	Exclude []string `yaml:"exclude,omitempty"`

	// DebounceMS is how long the tree must be quiet before restarting.
	DebounceMS int `yaml:"debounce_ms"`
}

// LogConfig controls proxy logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
	Quiet  bool   `yaml:"quiet,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address, e.g. 127.0.0.1:9464. Off when empty.
	Addr string `yaml:"addr,omitempty"`
}

// ObservabilityConfig controls trace export.
type ObservabilityConfig struct {
	// Exporter is file, otlp or otlp-http. Off when empty.
	Exporter string `yaml:"exporter,omitempty"`

	// Path is the file exporter's output.
	Path string `yaml:"path,omitempty"`

	// Endpoint is the OTLP receiver.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS for OTLP.
	Insecure bool `yaml:"insecure,omitempty"`

	// CACert is a CA bundle for OTLP.
	CACert string `yaml:"ca_cert,omitempty"`

	// Headers are sent with every OTLP export.
	Headers map[string]string `yaml:"headers,omitempty"`

	// SampleRate is the fraction of traces kept (0 keeps all).
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	policy := restart.DefaultPolicy()
	return &Config{
		Restart: RestartConfig{
			Auto:          policy.AutoRestart,
			MaxRestarts:   policy.MaxRestarts,
			DelayMS:       int(policy.Delay.Milliseconds()),
			TimeoutMS:     int(policy.Timeout.Milliseconds()),
			StopTimeoutMS: 5000,
		},
		Watch: WatchConfig{
			DebounceMS: 300,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (if path is
// not empty) and the environment. Callers apply flag overrides and then call
// Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, proxymcp.ConfigError(fmt.Sprintf("failed to load config from %s", path)).
				WithCause(err)
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, proxymcp.ConfigError("invalid environment configuration").WithCause(err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML file onto c. Fields missing from the file
// keep their current values.
func (c *Config) loadFromFile(path string) error {
	path, err := expandHome(path)
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv applies MCPRELOAD_* environment variables.
func (c *Config) loadFromEnv() error {
	if val := os.Getenv("MCPRELOAD_AUTO_RESTART"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("MCPRELOAD_AUTO_RESTART: %w", err)
		}
		c.Restart.Auto = b
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"MCPRELOAD_MAX_RESTARTS", &c.Restart.MaxRestarts},
		{"MCPRELOAD_RESTART_DELAY_MS", &c.Restart.DelayMS},
		{"MCPRELOAD_RESTART_TIMEOUT_MS", &c.Restart.TimeoutMS},
		{"MCPRELOAD_STOP_TIMEOUT_MS", &c.Restart.StopTimeoutMS},
	}
	for _, v := range intVars {
		val := os.Getenv(v.name)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
		*v.dst = n
	}

	if val := os.Getenv("MCPRELOAD_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
	}
	if val := os.Getenv("MCPRELOAD_PROTOCOL_LOG"); val != "" {
		c.ProtocolLog = val
	}
	if val := os.Getenv("MCPRELOAD_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("MCPRELOAD_DEBUG"); val == "true" || val == "1" {
		c.Log.Level = "debug"
	}
	if val := os.Getenv("MCPRELOAD_LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
	if val := os.Getenv("MCPRELOAD_LOG_FILE"); val != "" {
		c.Log.File = val
	}

	return nil
}

// RestartPolicy converts the restart settings.
func (c *Config) RestartPolicy() restart.Policy {
	policy := restart.DefaultPolicy()
	policy.AutoRestart = c.Restart.Auto
	policy.MaxRestarts = c.Restart.MaxRestarts
	policy.Delay = ms(c.Restart.DelayMS)
	policy.Timeout = ms(c.Restart.TimeoutMS)
	return policy
}

// StopTimeout is how long a stopping child gets before it is killed.
func (c *Config) StopTimeout() time.Duration {
	return ms(c.Restart.StopTimeoutMS)
}

// WatchDebounce is the watch mode debounce interval.
func (c *Config) WatchDebounce() time.Duration {
	return ms(c.Watch.DebounceMS)
}

// WatchEnabled reports whether watch mode is on.
func (c *Config) WatchEnabled() bool {
	return len(c.Watch.Paths) > 0
}

// LogLevel is the effective log level; quiet forces error.
func (c *Config) LogLevel() string {
	if c.Log.Quiet {
		return "error"
	}
	return c.Log.Level
}

// Tracing converts the observability settings.
func (c *Config) Tracing(version string) tracing.Config {
	return tracing.Config{
		ServiceName:    "mcpreload",
		ServiceVersion: version,
		Sampling:       tracing.SamplingConfig{Rate: c.Observability.SampleRate},
		Exporter: tracing.ExporterConfig{
			Type:       c.Observability.Exporter,
			Path:       c.Observability.Path,
			Endpoint:   c.Observability.Endpoint,
			Insecure:   c.Observability.Insecure,
			CACertPath: c.Observability.CACert,
			Headers:    c.Observability.Headers,
		},
	}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
