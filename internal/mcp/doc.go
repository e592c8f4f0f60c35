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

/*
Package mcp holds the shared pieces of the mcpreload proxy engine.

mcpreload sits between an MCP client (Claude Desktop, an IDE, an agent) and the
MCP server a developer is working on. The client talks to mcpreload over stdio;
mcpreload spawns the real server as a child process and forwards traffic to it.
The child can be restarted at any time without the client noticing anything
beyond a list_changed notification.

# Overview

The engine is split into subpackages:

  - child: spawning the server process and the MCP connection to it
  - mirror: the cached capability snapshot (tools, resources, prompts)
  - supervisor: owns the current child generation and detects crashes
  - restart: the restart state machine and auto-restart policy
  - bridge: routes upstream requests and notifications
  - proxy: wires everything together with a single Shutdown entry point
  - watcher: optional file watching that triggers restarts

This package contains the error taxonomy, lifecycle events, the child stderr
ring buffer and the protocol recorder used by all of them.

# Restarting

The upstream client sees one extra tool, restart_server:

	{"name": "restart_server", "arguments": {"force": true}}

Calling it replaces the child process, refreshes the capability snapshot and
sends tools, prompts and resources list_changed notifications so the client
re-queries. Crashes are handled the same way when auto-restart is enabled.
*/
package mcp
