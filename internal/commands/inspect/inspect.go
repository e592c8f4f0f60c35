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

package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/tombee/mcpreload/internal/commands/shared"
	"github.com/tombee/mcpreload/internal/config"
	internallog "github.com/tombee/mcpreload/internal/log"
	proxymcp "github.com/tombee/mcpreload/internal/mcp"
	"github.com/tombee/mcpreload/internal/mcp/child"
	"github.com/tombee/mcpreload/internal/mcp/mirror"
	"github.com/tombee/mcpreload/internal/mcp/supervisor"
)

type options struct {
	env      []string
	envFile  string
	cwd      string
	timeout  time.Duration
	logLevel string

	// launcher replaces process spawning in tests
	launcher child.Launcher
}

// Result is what inspect reports about a server.
type Result struct {
	ServerInfo      mcp.Implementation     `json:"serverInfo"`
	ProtocolVersion string                 `json:"protocolVersion"`
	Instructions    string                 `json:"instructions,omitempty"`
	Capabilities    mcp.ServerCapabilities `json:"capabilities"`
	Snapshot        *mirror.Snapshot       `json:"snapshot"`
}

// descriptor holds the fields of tool, resource and prompt descriptors that
// the text output shows.
type descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	URI         string `json:"uri"`
	URITemplate string `json:"uriTemplate"`
}

// NewCommand creates the inspect command
func NewCommand() *cobra.Command {
	return newCommand(&options{})
}

func newCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [flags] -- command [args...]",
		Short: "Start an MCP server once and print its capabilities",
		Long: `Start an MCP server, perform the MCP handshake, list its tools, resources,
resource templates and prompts, then stop it.

This is what the proxy sees when it starts or restarts the server, so it is a
quick way to check a server before putting it behind the proxy. Use --json
for machine-readable output.

When no command is given, the command from the config file is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&opts.env, "env", "e", nil, "Set a server environment variable (KEY=VALUE, repeatable)")
	f.StringVar(&opts.envFile, "env-file", "", "Load server environment variables from a dotenv file")
	f.StringVar(&opts.cwd, "cwd", "", "Working directory for the server")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Time limit for starting the server and listing its capabilities")
	f.StringVar(&opts.logLevel, "log-level", "warn", "Logging verbosity (trace, debug, info, warn, error)")

	return cmd
}

func runInspect(cmd *cobra.Command, opts *options, args []string) error {
	cfg, err := config.Load(shared.GetConfigPath())
	if err != nil {
		return err
	}
	if len(args) > 0 {
		cfg.Command = args[0]
		cfg.Args = args[1:]
	}

	f := cmd.Flags()
	if f.Changed("env") {
		env, err := config.ParseEnvPairs(opts.env)
		if err != nil {
			return proxymcp.ConfigError("invalid --env").WithCause(err)
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
	if f.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	} else {
		cfg.Log.Level = "warn"
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	env, err := cfg.ChildEnv()
	if err != nil {
		return proxymcp.ConfigError("failed to build server environment").WithCause(err)
	}

	logCfg := internallog.FromEnv()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = internallog.Format(cfg.Log.Format)
	logCfg.Output = cmd.ErrOrStderr()
	logger, logCloser := internallog.New(logCfg)
	defer logCloser.Close()

	launcher := opts.launcher
	if launcher == nil {
		if err := cfg.CheckCommand(); err != nil {
			return err
		}
		launcher, err = child.NewProcessLauncher(child.ProcessConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     env,
			Dir:     cfg.Dir,
			Logger:  logger,
		})
		if err != nil {
			return proxymcp.ConfigError("invalid server command").WithCause(err)
		}
	}

	versionStr, _, _ := shared.GetVersion()
	sup, err := supervisor.New(supervisor.Config{
		Launcher: launcher,
		Command:  cfg.Command,
		Handshake: func() child.Handshake {
			return child.Handshake{
				ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
				ClientInfo:      mcp.Implementation{Name: "mcpreload-inspect", Version: versionStr},
			}
		},
		StopGrace: cfg.StopTimeout(),
		Masker:    proxymcp.NewSecretMasker(env),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	gen, err := sup.Start(ctx)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.StopTimeout())
		defer stopCancel()
		if err := sup.Stop(stopCtx); err != nil {
			logger.Warn("failed to stop server", internallog.Error(err))
		}
	}()

	result := Result{
		ServerInfo:      gen.Init.ServerInfo,
		ProtocolVersion: gen.Init.ProtocolVersion,
		Instructions:    gen.Init.Instructions,
		Capabilities:    gen.Init.Capabilities,
		Snapshot:        gen.Snapshot,
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal capabilities: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	printText(out, result)
	return nil
}

func printText(w io.Writer, r Result) {
	fmt.Fprintf(w, "Server: %s %s (protocol %s)\n", r.ServerInfo.Name, r.ServerInfo.Version, r.ProtocolVersion)
	if r.Instructions != "" {
		fmt.Fprintf(w, "Instructions: %s\n", r.Instructions)
	}

	snap := r.Snapshot
	printSection(w, "Tools", snap.Tools, snap.IsDegraded(mirror.CategoryTools), func(d descriptor) string {
		return d.Name
	})
	printSection(w, "Resources", snap.Resources, snap.IsDegraded(mirror.CategoryResources), func(d descriptor) string {
		if d.Name != "" && d.Name != d.URI {
			return d.URI + " (" + d.Name + ")"
		}
		return d.URI
	})
	printSection(w, "Resource templates", snap.ResourceTemplates, snap.IsDegraded(mirror.CategoryResourceTemplates), func(d descriptor) string {
		return d.URITemplate
	})
	printSection(w, "Prompts", snap.Prompts, snap.IsDegraded(mirror.CategoryPrompts), func(d descriptor) string {
		return d.Name
	})
}

func printSection(w io.Writer, title string, items []json.RawMessage, degraded bool, label func(descriptor) string) {
	fmt.Fprintln(w)
	if degraded {
		fmt.Fprintf(w, "%s: not supported\n", title)
		return
	}
	fmt.Fprintf(w, "%s (%d):\n", title, len(items))
	for _, raw := range items {
		var d descriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			fmt.Fprintf(w, "  - (unreadable descriptor: %v)\n", err)
			continue
		}
		if d.Description != "" {
			fmt.Fprintf(w, "  - %s: %s\n", label(d), d.Description)
		} else {
			fmt.Fprintf(w, "  - %s\n", label(d))
		}
	}
}
