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

// Package bridge connects the upstream MCP client to the current child.
//
// Upstream requests are answered locally (initialize, ping, tools/list and
// the restart tool) or forwarded to the child generation that is current
// when they arrive. A forwarded request is never re-sent to a newer
// generation: if its child dies, the request fails with a ChildUnavailable
// error. Notifications and child-originated requests are relayed in both
// directions.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	internallog "github.com/tombee/mcpreload/internal/log"
	proxymcp "github.com/tombee/mcpreload/internal/mcp"
	"github.com/tombee/mcpreload/internal/mcp/child"
	"github.com/tombee/mcpreload/internal/mcp/restart"
	"github.com/tombee/mcpreload/internal/mcp/supervisor"
	"github.com/tombee/mcpreload/internal/tracing"
)

// defaultRefreshTimeout bounds a tool list refresh after the child reports a
// change.
const defaultRefreshTimeout = 10 * time.Second

// Children gives the bridge the current child generation.
type Children interface {
	Current() *supervisor.Generation
	Refresh(ctx context.Context) (*supervisor.Generation, error)
}

// Restarter restarts the child for the restart tool.
type Restarter interface {
	Restart(ctx context.Context, req restart.Request) (*restart.Result, error)
}

// Config configures a Bridge.
type Config struct {
	// Children provides the current generation (required)
	Children Children

	// Restarter handles the restart tool (required)
	Restarter Restarter

	// ServerInfo identifies the proxy when no child is connected, and is
	// sent as the client identity before the upstream client initialized
	ServerInfo mcp.Implementation

	// RefreshTimeout bounds tool list refreshes (defaults to 10s)
	RefreshTimeout time.Duration

	// Recorder logs upstream traffic (optional)
	Recorder *proxymcp.Recorder

	// Requests records request metrics (optional)
	Requests *tracing.RequestMetrics

	// Logger is used for structured logging (optional)
	Logger *slog.Logger
}

// Bridge routes MCP traffic between the upstream client and the child.
type Bridge struct {
	children       Children
	restarter      Restarter
	serverInfo     mcp.Implementation
	refreshTimeout time.Duration
	recorder       *proxymcp.Recorder
	requests       *tracing.RequestMetrics
	logger         *slog.Logger

	// ctx outlives individual requests and is cancelled when Serve returns.
	ctx    context.Context
	cancel context.CancelFunc

	upstream    atomic.Pointer[transport.Stdio]
	initialized atomic.Bool

	hsMu      sync.RWMutex
	handshake *child.Handshake
	// proxyHandshake is set while the last child handshake used the proxy's
	// own identity.
	proxyHandshake atomic.Bool

	pendingMu sync.Mutex
	// pending maps upstream request ids to requests forwarded to a child.
	pending map[string]*pendingRequest
	// relayed maps child request ids to requests relayed upstream.
	relayed map[string]*pendingRequest

	nextUpstreamID atomic.Int64

	// outbox holds child notifications waiting to be relayed upstream, in
	// arrival order.
	outMu   sync.Mutex
	outbox  []mcp.JSONRPCNotification
	outWake chan struct{}
}

// pendingRequest is a request in flight across the proxy. peerID is the id
// the request carries on the far side.
type pendingRequest struct {
	peerID    mcp.RequestId
	endpoint  *child.Endpoint
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// New creates a Bridge. Call Serve to start reading from the upstream client.
func New(cfg Config) (*Bridge, error) {
	if cfg.Children == nil {
		return nil, fmt.Errorf("children is required")
	}
	if cfg.Restarter == nil {
		return nil, fmt.Errorf("restarter is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	refreshTimeout := cfg.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = defaultRefreshTimeout
	}

	serverInfo := cfg.ServerInfo
	if serverInfo.Name == "" {
		serverInfo.Name = "mcpreload"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		children:       cfg.Children,
		restarter:      cfg.Restarter,
		serverInfo:     serverInfo,
		refreshTimeout: refreshTimeout,
		recorder:       cfg.Recorder,
		requests:       cfg.Requests,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		pending:        make(map[string]*pendingRequest),
		relayed:        make(map[string]*pendingRequest),
		outWake:        make(chan struct{}, 1),
	}, nil
}

// Serve reads MCP messages from in and writes responses to out until in is
// exhausted or ctx is cancelled. It returns nil when the client disconnects
// cleanly. A Bridge serves one client; a second call fails.
func (b *Bridge) Serve(ctx context.Context, in io.Reader, out io.WriteCloser) error {
	eof := proxymcp.NewEOFReader(in)
	reader := b.recorder.WrapReader(eof, proxymcp.DirectionFromUpstream, 0)
	writer := b.recorder.WrapWriter(proxymcp.NewSyncWriter(out), proxymcp.DirectionToUpstream, 0)

	tr := transport.NewIO(reader, writer, nil)
	tr.SetRequestHandler(b.HandleRequest)
	tr.SetNotificationHandler(b.HandleUpstreamNotification)

	if !b.upstream.CompareAndSwap(nil, tr) {
		return fmt.Errorf("bridge is already serving")
	}
	go b.relayOutbox()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer b.cancel()

	if err := tr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start upstream transport: %w", err)
	}
	b.logger.Debug("serving upstream client")

	var err error
	select {
	case <-eof.Done():
		if readErr := eof.Err(); !errors.Is(readErr, io.EOF) {
			err = fmt.Errorf("upstream read failed: %w", readErr)
		}
		b.logger.Info("upstream client disconnected")
	case <-ctx.Done():
	}

	cancel()
	b.cancel()
	if closeErr := tr.Close(); closeErr != nil {
		b.logger.Debug("failed to close upstream transport", "error", closeErr)
	}
	return err
}

// HandleRequest answers one upstream request. JSON-RPC errors are returned
// as error responses; the returned error is always nil. A nil response means
// the client cancelled the request and no response is sent.
func (b *Bridge) HandleRequest(ctx context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	start := time.Now()
	ctx, span := tracing.StartRequest(ctx, req.Method)
	defer span.End()

	resp, outcome := b.route(ctx, req)
	entry := &internallog.Request{
		Method:   req.Method,
		ID:       req.ID.String(),
		Outcome:  outcome,
		Duration: time.Since(start),
	}
	if resp != nil && resp.Error != nil {
		span.SetError(resp.Error.Code, resp.Error.Message)
		entry.ErrorCode = resp.Error.Code
		entry.ErrorMessage = resp.Error.Message
	}
	b.requests.RecordRequest(ctx, req.Method, outcome, entry.Duration)
	internallog.LogRequest(b.logger, entry)

	return resp, nil
}

func (b *Bridge) route(ctx context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, string) {
	switch req.Method {
	case string(mcp.MethodInitialize):
		return b.handleInitialize(req), tracing.OutcomeLocal
	case string(mcp.MethodPing):
		return transport.NewJSONRPCResultResponse(req.ID, json.RawMessage(`{}`)), tracing.OutcomeLocal
	case string(mcp.MethodToolsList):
		return b.handleToolsList(req), tracing.OutcomeLocal
	case string(mcp.MethodToolsCall):
		var params mcp.CallToolParams
		if err := decodeParams(req.Params, &params); err == nil && params.Name == RestartToolName {
			return b.handleRestartTool(ctx, req, params), tracing.OutcomeLocal
		}
	}
	return b.forward(ctx, req)
}

// Handshake returns the initialize parameters for the next child handshake:
// whatever the upstream client sent, or the proxy's own identity before the
// client initialized.
func (b *Bridge) Handshake() child.Handshake {
	b.hsMu.RLock()
	defer b.hsMu.RUnlock()
	if b.handshake != nil {
		b.proxyHandshake.Store(false)
		return *b.handshake
	}
	b.proxyHandshake.Store(true)
	return child.Handshake{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		ClientInfo:      b.serverInfo,
	}
}

// Initialized reports whether the upstream client completed its handshake.
func (b *Bridge) Initialized() bool {
	return b.initialized.Load()
}

func decodeParams(params any, v any) error {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
