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

package child

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	proxymcp "github.com/tombee/mcpreload/internal/mcp"
)

// Status is the connection state of an Endpoint.
type Status int32

const (
	// StatusDisconnected means no usable connection.
	StatusDisconnected Status = iota
	// StatusConnecting means the handshake is in progress.
	StatusConnecting
	// StatusConnected means the handshake completed and requests may flow.
	StatusConnected
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handshake carries the values sent in the child's initialize request. The
// proxy mirrors what the upstream client sent it.
type Handshake struct {
	ProtocolVersion string
	ClientInfo      mcp.Implementation
	Capabilities    mcp.ClientCapabilities
}

// NotificationHandler receives notifications sent by the child.
type NotificationHandler func(ep *Endpoint, notification mcp.JSONRPCNotification)

// RequestHandler answers requests sent by the child (sampling, roots,
// elicitation). Returning nil, nil sends no response.
type RequestHandler func(ctx context.Context, ep *Endpoint, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error)

// EndpointConfig configures an Endpoint.
type EndpointConfig struct {
	// Generation numbers endpoints in the order they were created (required)
	Generation uint64

	// Conn is the running child (required)
	Conn Conn

	// OnNotification receives child notifications (optional)
	OnNotification NotificationHandler

	// OnRequest answers child requests (optional)
	OnRequest RequestHandler

	// StopGrace is how long Close waits for a voluntary exit
	StopGrace time.Duration

	// Recorder logs protocol traffic (optional)
	Recorder *proxymcp.Recorder

	// Logger is used for structured logging (optional)
	Logger *slog.Logger
}

// Endpoint is the MCP connection to one child process. It is never reused:
// a restart creates a new Endpoint with a new generation.
type Endpoint struct {
	generation uint64
	conn       Conn
	transport  *transport.Stdio
	client     *client.Client
	stopGrace  time.Duration
	logger     *slog.Logger

	onNotification NotificationHandler
	onRequest      RequestHandler

	status atomic.Int32
	nextID atomic.Int64

	initMu sync.RWMutex
	init   *mcp.InitializeResult

	// ctx lives as long as the child. Forwarded requests are bound to it so
	// they fail instead of hanging when the child dies.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// NewEndpoint wraps a running child. The endpoint starts Disconnected; call
// Connect to perform the handshake.
func NewEndpoint(cfg EndpointConfig) (*Endpoint, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("conn is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reader := cfg.Recorder.WrapReader(cfg.Conn.Reader(), proxymcp.DirectionFromChild, cfg.Generation)
	writer := cfg.Recorder.WrapWriter(proxymcp.NewSyncWriter(cfg.Conn.Writer()), proxymcp.DirectionToChild, cfg.Generation)

	// stderr is consumed by the supervisor, not the transport.
	tr := transport.NewIO(reader, writer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		generation:     cfg.Generation,
		conn:           cfg.Conn,
		transport:      tr,
		client:         client.NewClient(tr),
		stopGrace:      cfg.StopGrace,
		logger:         logger.With("generation", cfg.Generation, "pid", cfg.Conn.PID()),
		onNotification: cfg.OnNotification,
		onRequest:      cfg.OnRequest,
		ctx:            ctx,
		cancel:         cancel,
	}

	go func() {
		select {
		case <-cfg.Conn.Done():
			e.setStatus(StatusDisconnected)
			cancel()
		case <-ctx.Done():
		}
	}()

	return e, nil
}

// Connect starts the transport and performs the initialize handshake. On
// failure the endpoint is closed.
func (e *Endpoint) Connect(ctx context.Context, hs Handshake) (*mcp.InitializeResult, error) {
	if e.ctx.Err() != nil {
		return nil, fmt.Errorf("child exited before handshake: %w", e.exitCause())
	}
	e.setStatus(StatusConnecting)

	// The transport keeps this context for incoming child requests, so it
	// must outlive the handshake.
	if err := e.client.Start(e.ctx); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("failed to start transport: %w", err)
	}

	e.client.OnNotification(func(n mcp.JSONRPCNotification) {
		if e.onNotification != nil {
			e.onNotification(e, n)
		}
	})
	e.transport.SetRequestHandler(e.handleChildRequest)

	protocolVersion := hs.ProtocolVersion
	if protocolVersion == "" {
		protocolVersion = mcp.LATEST_PROTOCOL_VERSION
	}

	initCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	result, err := e.client.Initialize(initCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: protocolVersion,
			ClientInfo:      hs.ClientInfo,
			Capabilities:    hs.Capabilities,
		},
	})
	if err != nil {
		if e.ctx.Err() != nil {
			err = fmt.Errorf("child exited during handshake: %w", e.exitCause())
		}
		_ = e.Close()
		return nil, fmt.Errorf("initialize request failed: %w", err)
	}

	e.initMu.Lock()
	e.init = result
	e.initMu.Unlock()

	if !e.casStatus(StatusConnecting, StatusConnected) {
		_ = e.Close()
		return nil, fmt.Errorf("child exited during handshake: %w", e.exitCause())
	}

	e.logger.Debug("child handshake complete",
		"server", result.ServerInfo.Name,
		"version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion,
	)

	return result, nil
}

// Generation returns the endpoint's generation number.
func (e *Endpoint) Generation() uint64 {
	return e.generation
}

// PID returns the child's process id.
func (e *Endpoint) PID() int {
	return e.conn.PID()
}

// Status returns the current connection status.
func (e *Endpoint) Status() Status {
	return Status(e.status.Load())
}

// InitializeResult returns the child's handshake result, or nil before the
// handshake completed.
func (e *Endpoint) InitializeResult() *mcp.InitializeResult {
	e.initMu.RLock()
	defer e.initMu.RUnlock()
	return e.init
}

// Done is closed when the child exits or the endpoint is closed.
func (e *Endpoint) Done() <-chan struct{} {
	return e.ctx.Done()
}

// ExitErr returns the child's exit error once it has exited.
func (e *Endpoint) ExitErr() error {
	return e.conn.Err()
}

// NewRequestID allocates a request id for a forwarded request. Proxy ids are
// strings so they never collide with the integer ids the mcp-go client uses
// for its own requests on the same transport.
func (e *Endpoint) NewRequestID() mcp.RequestId {
	return mcp.NewRequestId(fmt.Sprintf("mcpreload-%d", e.nextID.Add(1)))
}

// Forward sends a request to the child and waits for its response. JSON-RPC
// error responses are returned as a response, not an error, so the caller can
// pass them through unchanged. An error is returned when the request could not
// be completed; it is a ChildUnavailable ProxyError when the child went away.
func (e *Endpoint) Forward(ctx context.Context, id mcp.RequestId, method string, params any) (*transport.JSONRPCResponse, error) {
	if e.Status() != StatusConnected {
		return nil, proxymcp.ChildUnavailable(fmt.Sprintf("child is %s", e.Status()))
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	resp, err := e.transport.SendRequest(reqCtx, transport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		if e.ctx.Err() != nil && ctx.Err() == nil {
			return nil, proxymcp.ChildUnavailable("child exited while the request was in flight").WithCause(err)
		}
		return nil, err
	}
	return resp, nil
}

// Call sends a request and decodes the outcome: JSON-RPC errors become Go
// errors that match the mcp-go sentinels (mcp.ErrMethodNotFound and so on).
func (e *Endpoint) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	resp, err := e.Forward(ctx, e.NewRequestID(), method, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error.AsError()
	}
	return resp.Result, nil
}

// Notify sends a notification to the child.
func (e *Endpoint) Notify(ctx context.Context, notification mcp.JSONRPCNotification) error {
	if e.Status() != StatusConnected {
		return proxymcp.ChildUnavailable(fmt.Sprintf("child is %s", e.Status()))
	}
	return e.transport.SendNotification(ctx, notification)
}

// Close disconnects and stops the child. Only the first call does any work;
// later calls return the first result.
func (e *Endpoint) Close() error {
	return e.close(e.stopGrace)
}

// Kill stops the child without waiting for a voluntary exit.
func (e *Endpoint) Kill() error {
	return e.close(0)
}

func (e *Endpoint) close(grace time.Duration) error {
	e.closeOnce.Do(func() {
		e.setStatus(StatusDisconnected)
		e.cancel()

		var errs []error
		if err := e.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
		if err := e.conn.Terminate(grace); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			e.closeErr = fmt.Errorf("close child generation %d: %v", e.generation, errs)
		}
	})
	return e.closeErr
}

func (e *Endpoint) handleChildRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	if request.Method == string(mcp.MethodPing) {
		return transport.NewJSONRPCResultResponse(request.ID, json.RawMessage(`{}`)), nil
	}
	if e.onRequest == nil {
		return transport.NewJSONRPCErrorResponse(request.ID, mcp.METHOD_NOT_FOUND,
			fmt.Sprintf("method %s is not supported by the proxy", request.Method), nil), nil
	}
	return e.onRequest(ctx, e, request)
}

func (e *Endpoint) setStatus(s Status) {
	e.status.Store(int32(s))
}

func (e *Endpoint) casStatus(from, to Status) bool {
	return e.status.CompareAndSwap(int32(from), int32(to))
}

func (e *Endpoint) exitCause() error {
	if err := e.conn.Err(); err != nil {
		return err
	}
	return fmt.Errorf("process exited")
}
