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

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	proxymcp "github.com/tombee/mcpreload/internal/mcp"
	"github.com/tombee/mcpreload/internal/mcp/child"
	"github.com/tombee/mcpreload/internal/mcp/restart"
	"github.com/tombee/mcpreload/internal/tracing"
)

// methodNotFoundResults replace METHOD_NOT_FOUND from the child for optional
// features, so a client does not treat a missing feature as a failure.
var methodNotFoundResults = map[string]json.RawMessage{
	string(mcp.MethodResourcesList):          json.RawMessage(`{"resources":[]}`),
	string(mcp.MethodResourcesTemplatesList): json.RawMessage(`{"resourceTemplates":[]}`),
	string(mcp.MethodPromptsList):            json.RawMessage(`{"prompts":[]}`),
	"completion/complete":                    json.RawMessage(`{"completion":{"values":[]}}`),
	"resources/subscribe":                    json.RawMessage(`{}`),
	"resources/unsubscribe":                  json.RawMessage(`{}`),
	string(mcp.MethodSetLogLevel):            json.RawMessage(`{}`),
}

// statusReporter is implemented by restarters that can explain why no child
// is connected.
type statusReporter interface {
	Status() restart.Status
}

// forward sends req to the current child and relays its answer. The request
// stays bound to the generation it was sent to.
func (b *Bridge) forward(ctx context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, string) {
	gen := b.children.Current()
	if gen == nil || gen.Endpoint.Status() != child.StatusConnected {
		return unavailable(req.ID, proxymcp.ChildUnavailable(b.unavailableReason())), tracing.OutcomeUnavailable
	}
	ep := gen.Endpoint

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := &pendingRequest{peerID: ep.NewRequestID(), endpoint: ep, cancel: cancel}
	key := req.ID.String()
	b.track(b.pending, key, p)
	defer b.untrack(b.pending, key, p)

	fwdCtx, span := tracing.StartForward(reqCtx, req.Method, gen.ID)
	resp, err := ep.Forward(fwdCtx, p.peerID, req.Method, req.Params)
	span.RecordError(err)
	span.End()

	if err != nil {
		switch {
		case p.cancelled.Load():
			b.logger.Debug("request cancelled by client", "method", req.Method, "generation", gen.ID)
			return nil, tracing.OutcomeCancelled
		case proxymcp.HasCode(err, proxymcp.ErrorCodeChildUnavailable):
			b.logger.Warn("request failed, child went away", "method", req.Method, "generation", gen.ID)
			return unavailable(req.ID, err), tracing.OutcomeUnavailable
		default:
			return transport.NewJSONRPCErrorResponse(req.ID, mcp.INTERNAL_ERROR,
				fmt.Sprintf("forward %s: %v", req.Method, err), nil), tracing.OutcomeError
		}
	}

	if resp.Error != nil {
		if resp.Error.Code == mcp.METHOD_NOT_FOUND {
			if result, ok := methodNotFoundResults[req.Method]; ok {
				b.logger.Debug("child does not support method, answering with empty result",
					"method", req.Method, "generation", gen.ID)
				return transport.NewJSONRPCResultResponse(req.ID, result), tracing.OutcomeOK
			}
		}
		return &transport.JSONRPCResponse{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      req.ID,
			Error:   resp.Error,
		}, tracing.OutcomeError
	}

	return &transport.JSONRPCResponse{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      req.ID,
		Result:  resp.Result,
	}, tracing.OutcomeOK
}

func (b *Bridge) unavailableReason() string {
	sr, ok := b.restarter.(statusReporter)
	if !ok {
		return "no child server is running"
	}

	st := sr.Status()
	switch {
	case st.State == restart.StateInProgress:
		return "restart in progress"
	case st.Pending:
		return "automatic restart pending"
	case st.State == restart.StateFailed && st.LastError != nil:
		return fmt.Sprintf("last restart failed: %v", st.LastError)
	case st.State == restart.StateFailed:
		return "restart attempts exhausted"
	default:
		return "no child server is running"
	}
}

// unavailable builds the -32000 response for requests that cannot reach a
// child.
func unavailable(id mcp.RequestId, err error) *transport.JSONRPCResponse {
	data := map[string]any{"code": string(proxymcp.ErrorCodeChildUnavailable)}

	var pe *proxymcp.ProxyError
	if errors.As(err, &pe) {
		if pe.Detail != "" {
			data["detail"] = pe.Detail
		}
		if len(pe.Suggestions) > 0 {
			data["suggestions"] = pe.Suggestions
		}
	}

	return transport.NewJSONRPCErrorResponse(id, proxymcp.JSONRPCChildUnavailable, err.Error(), data)
}

// cancelForwarded maps an upstream cancellation onto the child request it
// refers to. The forwarding goroutine sees the cancelled flag and sends no
// response.
func (b *Bridge) cancelForwarded(ctx context.Context, n mcp.JSONRPCNotification) {
	raw, ok := n.Params.AdditionalFields["requestId"]
	if !ok || raw == nil {
		return
	}

	p := b.lookup(b.pending, mcp.NewRequestId(raw).String())
	if p == nil {
		b.logger.Debug("cancellation for unknown request", "request_id", raw)
		return
	}

	p.cancelled.Store(true)
	fields := map[string]any{"requestId": p.peerID.Value()}
	if reason, ok := n.Params.AdditionalFields["reason"]; ok {
		fields["reason"] = reason
	}
	if err := p.endpoint.Notify(ctx, newNotification(methodCancelled, fields)); err != nil {
		b.logger.Debug("failed to forward cancellation", "error", err)
	}
	p.cancel()
}

func (b *Bridge) track(m map[string]*pendingRequest, key string, p *pendingRequest) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	m[key] = p
}

func (b *Bridge) untrack(m map[string]*pendingRequest, key string, p *pendingRequest) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	if m[key] == p {
		delete(m, key)
	}
}

func (b *Bridge) lookup(m map[string]*pendingRequest, key string) *pendingRequest {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return m[key]
}

// InFlight returns the number of requests currently forwarded to a child.
func (b *Bridge) InFlight() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}
