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

// Package cli provides the root command of the mcpreload CLI.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/mcpreload/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for mcpreload
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcpreload",
		Short: "mcpreload - hot-reload proxy for MCP servers",
		Long: `mcpreload sits between an AI client and an MCP server it launches as a
child process. The child can be restarted, by the client through the
restart_server tool, after a crash or when its source changes, while the
client keeps a single unbroken MCP session.

Run 'mcpreload proxy -- <command> [args...]' and point your AI client at
mcpreload instead of the server.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	json, config := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/mcpreload/config.yaml)")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
