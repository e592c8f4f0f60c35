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

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	proxymcp "github.com/tombee/mcpreload/internal/mcp"
	"github.com/tombee/mcpreload/internal/mcp/child"
	"github.com/tombee/mcpreload/internal/mcp/mirror"
	"github.com/tombee/mcpreload/internal/mcp/restart"
)

// RestartToolName is the name of the synthetic restart tool.
const RestartToolName = "restart_server"

// RestartTool returns the descriptor of the synthetic restart tool.
func RestartTool() mcp.Tool {
	return mcp.NewTool(RestartToolName,
		mcp.WithDescription("Restart the MCP server behind this proxy so code changes take effect. "+
			"The client session is kept and the tool, prompt and resource lists are refreshed."),
		mcp.WithBoolean("force",
			mcp.Description("Kill the server immediately instead of waiting for it to exit"),
		),
	)
}

// proxyCapabilities are always declared upstream, on top of whatever the
// child declares, so the client keeps listening for list changes across
// restarts.
var proxyCapabilities = map[string]map[string]any{
	"tools":       {"listChanged": true},
	"prompts":     {"listChanged": true},
	"resources":   {"subscribe": true, "listChanged": true},
	"completions": {},
	"sampling":    {},
}

func (b *Bridge) handleInitialize(req transport.JSONRPCRequest) *transport.JSONRPCResponse {
	var params mcp.InitializeParams
	if err := decodeParams(req.Params, &params); err != nil {
		return transport.NewJSONRPCErrorResponse(req.ID, mcp.INVALID_PARAMS,
			fmt.Sprintf("invalid initialize params: %v", err), nil)
	}

	b.hsMu.Lock()
	b.handshake = &child.Handshake{
		ProtocolVersion: params.ProtocolVersion,
		ClientInfo:      params.ClientInfo,
		Capabilities:    params.Capabilities,
	}
	b.hsMu.Unlock()

	b.logger.Info("upstream client initializing",
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"protocol", params.ProtocolVersion,
	)

	var init *mcp.InitializeResult
	if gen := b.children.Current(); gen != nil && gen.Init != nil {
		init = gen.Init
		b.warnHandshakeMismatch(gen.ID, init, params)
	}

	result := map[string]any{
		"protocolVersion": negotiateVersion(params.ProtocolVersion, init),
		"capabilities":    declaredCapabilities(init),
		"serverInfo":      b.serverInfo,
	}
	if init != nil {
		result["serverInfo"] = init.ServerInfo
		if init.Instructions != "" {
			result["instructions"] = init.Instructions
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return transport.NewJSONRPCErrorResponse(req.ID, mcp.INTERNAL_ERROR,
			fmt.Sprintf("encode initialize result: %v", err), nil)
	}
	return transport.NewJSONRPCResultResponse(req.ID, data)
}

// negotiateVersion answers with the version the connected child agreed to.
// Without a child the requested version is accepted if known.
func negotiateVersion(requested string, init *mcp.InitializeResult) string {
	if init != nil && init.ProtocolVersion != "" {
		return init.ProtocolVersion
	}
	if slices.Contains(mcp.ValidProtocolVersions, requested) {
		return requested
	}
	return mcp.LATEST_PROTOCOL_VERSION
}

// warnHandshakeMismatch logs when the running child was initialized with
// other parameters than the client just sent. The child is given the
// client's parameters from its next restart on.
func (b *Bridge) warnHandshakeMismatch(generation uint64, init *mcp.InitializeResult, params mcp.InitializeParams) {
	if init.ProtocolVersion != params.ProtocolVersion {
		b.logger.Warn("child negotiated a different protocol version than the client requested",
			"generation", generation,
			"child_protocol", init.ProtocolVersion,
			"client_protocol", params.ProtocolVersion,
		)
	}

	caps := params.Capabilities
	if b.proxyHandshake.Load() && (caps.Roots != nil || caps.Sampling != nil || caps.Elicitation != nil) {
		b.logger.Warn("child was initialized before the client connected and does not know the client's capabilities, restart the server to pass them on",
			"generation", generation,
			"roots", caps.Roots != nil,
			"sampling", caps.Sampling != nil,
			"elicitation", caps.Elicitation != nil,
		)
	}
}

// declaredCapabilities unions the child's capabilities with the ones the
// proxy always declares. Child flags are kept; proxy flags win on conflict.
func declaredCapabilities(init *mcp.InitializeResult) map[string]any {
	caps := map[string]any{}
	if init != nil {
		if data, err := json.Marshal(init.Capabilities); err == nil {
			_ = json.Unmarshal(data, &caps)
		}
	}

	for name, flags := range proxyCapabilities {
		entry, _ := caps[name].(map[string]any)
		if entry == nil {
			entry = map[string]any{}
		}
		for k, v := range flags {
			entry[k] = v
		}
		caps[name] = entry
	}
	return caps
}

func (b *Bridge) handleToolsList(req transport.JSONRPCRequest) *transport.JSONRPCResponse {
	snap := mirror.Empty()
	if gen := b.children.Current(); gen != nil && gen.Snapshot != nil {
		snap = gen.Snapshot
	}

	tools, err := mirror.MergeTools(snap, []mcp.Tool{RestartTool()}, b.logger)
	if err != nil {
		return transport.NewJSONRPCErrorResponse(req.ID, mcp.INTERNAL_ERROR, err.Error(), nil)
	}

	data, err := json.Marshal(map[string]any{"tools": tools})
	if err != nil {
		return transport.NewJSONRPCErrorResponse(req.ID, mcp.INTERNAL_ERROR, err.Error(), nil)
	}
	return transport.NewJSONRPCResultResponse(req.ID, data)
}

// handleRestartTool always answers with a tool result. Restart failures are
// reported with isError set, not as protocol errors.
func (b *Bridge) handleRestartTool(ctx context.Context, req transport.JSONRPCRequest, params mcp.CallToolParams) *transport.JSONRPCResponse {
	force := boolArgument(params.Arguments, "force")

	b.logger.Info("restart requested by client", "force", force)
	result, err := b.restarter.Restart(ctx, restart.Request{
		Force:   force,
		Reason:  "restart_server tool",
		Trigger: restart.TriggerManual,
	})

	var toolResult *mcp.CallToolResult
	if err != nil {
		toolResult = mcp.NewToolResultError("Restart failed: " + userMessage(err))
	} else {
		toolResult = mcp.NewToolResultText(restartSummary(result))
	}

	data, err := json.Marshal(toolResult)
	if err != nil {
		return transport.NewJSONRPCErrorResponse(req.ID, mcp.INTERNAL_ERROR, err.Error(), nil)
	}
	return transport.NewJSONRPCResultResponse(req.ID, data)
}

func boolArgument(args any, name string) bool {
	m, ok := args.(map[string]any)
	if !ok {
		return false
	}
	switch v := m[name].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

func restartSummary(r *restart.Result) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Server restarted successfully (generation %d", r.Generation)
	if r.Forced {
		sb.WriteString(", forced")
	}
	fmt.Fprintf(&sb, ", took %s).", r.Duration.Round(time.Millisecond))

	if len(r.Tools) == 0 {
		sb.WriteString(" The server provides no tools.")
	} else {
		fmt.Fprintf(&sb, " %d tools available: %s.", len(r.Tools), strings.Join(r.Tools, ", "))
	}
	return sb.String()
}

func userMessage(err error) string {
	var pe *proxymcp.ProxyError
	if errors.As(err, &pe) {
		return pe.UserMessage()
	}
	return err.Error()
}
