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

package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tombee/mcpreload/internal/commands/shared"
	"github.com/tombee/mcpreload/internal/config"
	internallog "github.com/tombee/mcpreload/internal/log"
	proxymcp "github.com/tombee/mcpreload/internal/mcp"
	"github.com/tombee/mcpreload/internal/mcp/child"
	mcpproxy "github.com/tombee/mcpreload/internal/mcp/proxy"
	"github.com/tombee/mcpreload/internal/mcp/restart"
)

// shutdownTimeout bounds graceful shutdown after a signal or disconnect.
const shutdownTimeout = 5 * time.Second

type options struct {
	env            []string
	envFile        string
	cwd            string
	autoRestart    bool
	maxRestarts    int
	restartDelay   time.Duration
	restartTimeout time.Duration
	stopTimeout    time.Duration

	watch         []string
	watchInclude  []string
	watchExclude  []string
	watchDebounce time.Duration

	metricsAddr   string
	traceFile     string
	traceExporter string
	traceEndpoint string
	traceInsecure bool
	protocolLog   string

	logLevel  string
	logFormat string
	logFile   string
	quiet     bool

	// launcher replaces process spawning in tests
	launcher child.Launcher
}

// NewCommand creates the proxy command
func NewCommand() *cobra.Command {
	return newCommand(&options{})
}

func newCommand(opts *options) *cobra.Command {
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:   "proxy [flags] -- command [args...]",
		Short: "Run an MCP server behind the hot-reload proxy",
		Long: `Run an MCP server as a child process and proxy an MCP client to it over
stdio. The client sees one long-lived server; the child behind it can be
restarted at any time.

The proxy adds a restart_server tool to the child's tools. Calling it
restarts the child, re-reads its capabilities and tells the client that the
tool, prompt and resource lists changed. Pass {"force": true} to kill a hung
child instead of waiting for it to exit.

A child that crashes is restarted automatically with exponential backoff,
up to --max-restarts times within five minutes. With --watch the child is
also restarted when files under the given paths change. Sending SIGHUP to
the proxy restarts the child too.

Configuration example for Claude Code:
  {
    "mcpServers": {
      "my-server": {
        "command": "mcpreload",
        "args": ["proxy", "--watch", "./src", "--", "node", "dist/index.js"]
      }
    }
  }

Settings are read from the config file, then MCPRELOAD_* environment
variables, then flags. Later sources win.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&opts.env, "env", "e", nil, "Set a child environment variable (KEY=VALUE, repeatable)")
	f.StringVar(&opts.envFile, "env-file", "", "Load child environment variables from a dotenv file")
	f.StringVar(&opts.cwd, "cwd", "", "Working directory for the child")

	f.BoolVar(&opts.autoRestart, "auto-restart", defaults.Restart.Auto, "Restart the child after it crashes")
	f.IntVar(&opts.maxRestarts, "max-restarts", defaults.Restart.MaxRestarts, fmt.Sprintf("Automatic restart attempts allowed within five minutes (0-%d)", config.MaxRestartsLimit))
	f.DurationVar(&opts.restartDelay, "restart-delay", defaults.RestartPolicy().Delay, "Base delay before an automatic restart")
	f.DurationVar(&opts.restartTimeout, "restart-timeout", defaults.RestartPolicy().Timeout, "Time limit for a single restart")
	f.DurationVar(&opts.stopTimeout, "stop-timeout", defaults.StopTimeout(), "Time a stopping child gets before it is killed")

	f.StringArrayVar(&opts.watch, "watch", nil, "Restart the child when files under this path change (repeatable)")
	f.StringArrayVar(&opts.watchInclude, "watch-include", nil, "Only restart for files matching this glob (repeatable)")
	f.StringArrayVar(&opts.watchExclude, "watch-exclude", nil, "Ignore files matching this glob (repeatable)")
	f.DurationVar(&opts.watchDebounce, "watch-debounce", defaults.WatchDebounce(), "Quiet period before a watch restart")

	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	f.StringVar(&opts.traceFile, "trace-file", "", "Write OpenTelemetry spans to this file")
	f.StringVar(&opts.traceExporter, "trace-exporter", "", "Trace exporter (file, otlp, otlp-http)")
	f.StringVar(&opts.traceEndpoint, "trace-endpoint", "", "OTLP endpoint for the otlp and otlp-http exporters")
	f.BoolVar(&opts.traceInsecure, "trace-insecure", false, "Disable TLS for OTLP export")
	f.StringVar(&opts.protocolLog, "protocol-log", "", "Append every protocol message to this file as JSON lines")

	f.StringVar(&opts.logLevel, "log-level", defaults.Log.Level, "Logging verbosity (trace, debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", defaults.Log.Format, "Log format (text, json)")
	f.StringVar(&opts.logFile, "log-file", "", "Write logs to a rotating file instead of stderr")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Only log errors")

	return cmd
}

// buildConfig loads the config file and environment and applies the flags
// the user set. args, when present, replace the configured command.
func buildConfig(cmd *cobra.Command, opts *options, args []string) (*config.Config, error) {
	cfg, err := config.Load(shared.GetConfigPath())
	if err != nil {
		return nil, err
	}

	if len(args) > 0 {
		cfg.Command = args[0]
		cfg.Args = args[1:]
	}

	f := cmd.Flags()
	if f.Changed("env") {
		env, err := config.ParseEnvPairs(opts.env)
		if err != nil {
			return nil, proxymcp.ConfigError("invalid --env").WithCause(err)
		}
		if cfg.Env == nil {
			cfg.Env = make(map[string]string, len(env))
		}
		maps.Copy(cfg.Env, env)
	}
	if f.Changed("env-file") {
		cfg.EnvFile = opts.envFile
	}
	if f.Changed("cwd") {
		cfg.Dir = opts.cwd
	}

	if f.Changed("auto-restart") {
		cfg.Restart.Auto = opts.autoRestart
	}
	if f.Changed("max-restarts") {
		cfg.Restart.MaxRestarts = opts.maxRestarts
	}
	if f.Changed("restart-delay") {
		cfg.Restart.DelayMS = int(opts.restartDelay.Milliseconds())
	}
	if f.Changed("restart-timeout") {
		cfg.Restart.TimeoutMS = int(opts.restartTimeout.Milliseconds())
	}
	if f.Changed("stop-timeout") {
		cfg.Restart.StopTimeoutMS = int(opts.stopTimeout.Milliseconds())
	}

	if f.Changed("watch") {
		cfg.Watch.Paths = opts.watch
	}
	if f.Changed("watch-include") {
		cfg.Watch.Include = opts.watchInclude
	}
	if f.Changed("watch-exclude") {
		cfg.Watch.Exclude = append(cfg.Watch.Exclude, opts.watchExclude...)
	}
	if f.Changed("watch-debounce") {
		cfg.Watch.DebounceMS = int(opts.watchDebounce.Milliseconds())
	}

	if f.Changed("metrics-addr") {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if f.Changed("trace-file") {
		cfg.Observability.Exporter = "file"
		cfg.Observability.Path = opts.traceFile
	}
	if f.Changed("trace-exporter") {
		cfg.Observability.Exporter = opts.traceExporter
	}
	if f.Changed("trace-endpoint") {
		cfg.Observability.Endpoint = opts.traceEndpoint
	}
	if f.Changed("trace-insecure") {
		cfg.Observability.Insecure = opts.traceInsecure
	}
	if f.Changed("protocol-log") {
		cfg.ProtocolLog = opts.protocolLog
	}

	if f.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if f.Changed("log-format") {
		cfg.Log.Format = opts.logFormat
	}
	if f.Changed("log-file") {
		cfg.Log.File = opts.logFile
	}
	if f.Changed("quiet") {
		cfg.Log.Quiet = opts.quiet
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runProxy(cmd *cobra.Command, opts *options, args []string) error {
	cfg, err := buildConfig(cmd, opts, args)
	if err != nil {
		return err
	}
	if opts.launcher == nil {
		if err := cfg.CheckCommand(); err != nil {
			return err
		}
	}

	env, err := cfg.ChildEnv()
	if err != nil {
		return proxymcp.ConfigError("failed to build child environment").WithCause(err)
	}

	logCfg := internallog.FromEnv()
	logCfg.Level = cfg.LogLevel()
	logCfg.Format = internallog.Format(cfg.Log.Format)
	logCfg.File = cfg.Log.File
	logCfg.Output = cmd.ErrOrStderr()
	logger, logCloser := internallog.New(logCfg)
	defer logCloser.Close()
	slog.SetDefault(logger)

	stdin := cmd.InOrStdin()
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		logger.Warn("stdin is a terminal; mcpreload expects an MCP client to talk to it over stdio")
	}

	session := uuid.NewString()
	versionStr, _, _ := shared.GetVersion()

	logger.Info("starting proxy",
		internallog.SessionKey, session,
		"command", cfg.Command,
		"args", cfg.Args,
		"env", config.RedactEnv(env),
		"cwd", cfg.Dir,
		"watch", cfg.Watch.Paths)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	p, err := mcpproxy.New(ctx, mcpproxy.Config{
		Command:       cfg.Command,
		Args:          cfg.Args,
		Env:           env,
		Dir:           cfg.Dir,
		Launcher:      opts.launcher,
		Policy:        cfg.RestartPolicy(),
		StopGrace:     cfg.StopTimeout(),
		WatchPaths:    cfg.Watch.Paths,
		WatchInclude:  cfg.Watch.Include,
		WatchExclude:  cfg.Watch.Exclude,
		WatchDebounce: cfg.WatchDebounce(),
		MetricsAddr:   cfg.Metrics.Addr,
		Tracing:       cfg.Tracing(versionStr),
		ProtocolLog:   cfg.ProtocolLog,
		Session:       session,
		ServerInfo:    mcp.Implementation{Name: "mcpreload", Version: versionStr},
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	shutdown := func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := p.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", internallog.Error(err))
		}
	}
	defer shutdown()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				if sig == syscall.SIGHUP {
					go restartOnSignal(ctx, p, logger)
					continue
				}
				logger.Info("received shutdown signal", "signal", sig.String())
				shutdown()
				cancel()
				return
			}
		}
	}()

	if err := p.Run(ctx, stdin, writeCloser(cmd.OutOrStdout())); err != nil {
		if proxymcp.HasCode(err, proxymcp.ErrorCodeChildSpawnFailure) ||
			proxymcp.HasCode(err, proxymcp.ErrorCodeCapabilityFatal) {
			return err
		}
		return fmt.Errorf("proxy error: %w", err)
	}
	return nil
}

func restartOnSignal(ctx context.Context, p *mcpproxy.Proxy, logger *slog.Logger) {
	result, err := p.Restart(ctx, restart.Request{Reason: "SIGHUP", Trigger: restart.TriggerManual})
	if err != nil {
		logger.Warn("restart on SIGHUP failed", internallog.Error(err))
		return
	}
	logger.Info("restarted child on SIGHUP",
		internallog.GenerationKey, result.Generation,
		"tool_count", len(result.Tools))
}

// writeCloser adapts the command's output, which is stdout unless a test
// replaced it.
func writeCloser(w io.Writer) io.WriteCloser {
	if wc, ok := w.(io.WriteCloser); ok {
		return wc
	}
	return nopWriteCloser{w}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
