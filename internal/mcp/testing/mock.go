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

// Package testing provides an in-process fake MCP child server for tests.
//
// The fake speaks the real wire protocol over io.Pipe using the same mcp-go
// stdio transport the proxy uses, so tests exercise framing, id correlation
// and notification ordering without spawning processes.
package testing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	proxymcp "github.com/tombee/mcpreload/internal/mcp"
)

// ToolHandler implements a fake tool. ctx is cancelled when the fake child
// exits.
type ToolHandler func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)

// MethodHandler implements an arbitrary fake method. Returning a non-nil
// error detail sends a JSON-RPC error.
type MethodHandler func(ctx context.Context, params json.RawMessage) (any, *mcp.JSONRPCErrorDetails)

// ServerConfig scripts the behaviour of a fake child.
type ServerConfig struct {
	// Name is reported in serverInfo (defaults to "mock-server")
	Name string

	// Tools are listed by tools/list and dispatched by tools/call
	Tools []mcp.Tool

	// ToolHandlers implement the tools by name. A tool without a handler
	// echoes its arguments as text.
	ToolHandlers map[string]ToolHandler

	// NoTools makes tools/list fail with METHOD_NOT_FOUND and omits the
	// tools capability.
	NoTools bool

	// Capabilities are advertised in the initialize result. Tools are added
	// unless NoTools is set.
	Capabilities mcp.ServerCapabilities

	// Methods implements additional methods (prompts/list, resources/read...)
	// and overrides the built-in ones, except initialize
	Methods map[string]MethodHandler

	// Instructions are returned in the initialize result
	Instructions string

	// ProtocolVersion is answered to initialize instead of the requested
	// version
	ProtocolVersion string

	// HangInitialize makes the child never answer initialize
	HangInitialize bool

	// FailInitialize makes initialize return an internal error
	FailInitialize bool

	// ToolsListError makes tools/list fail with this error detail
	ToolsListError *mcp.JSONRPCErrorDetails
}

// Conn is a running fake child. It implements child.Conn.
type Conn struct {
	config ServerConfig
	pid    int

	toChildR   *io.PipeReader
	toChildW   *io.PipeWriter
	fromChildR *io.PipeReader
	fromChildW *io.PipeWriter
	stderrR    *io.PipeReader
	stderrW    *io.PipeWriter

	server *transport.Stdio

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	calls         []string
	notifications []mcp.JSONRPCNotification
	initialize    json.RawMessage
	exitErr       error
	done          chan struct{}
	exitOnce      sync.Once
	terminated    bool
}

// NewConn starts a fake child with the given configuration.
func NewConn(pid int, cfg ServerConfig) *Conn {
	if cfg.Name == "" {
		cfg.Name = "mock-server"
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		config: cfg,
		pid:    pid,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.toChildR, c.toChildW = io.Pipe()
	c.fromChildR, c.fromChildW = io.Pipe()
	c.stderrR, c.stderrW = io.Pipe()

	c.server = transport.NewIO(c.toChildR, proxymcp.NewSyncWriter(c.fromChildW), nil)
	c.server.SetRequestHandler(c.handle)
	c.server.SetNotificationHandler(func(n mcp.JSONRPCNotification) {
		c.mu.Lock()
		c.notifications = append(c.notifications, n)
		c.mu.Unlock()
	})
	_ = c.server.Start(ctx)

	return c
}

// Reader implements child.Conn.
func (c *Conn) Reader() io.Reader { return c.fromChildR }

// Writer implements child.Conn.
func (c *Conn) Writer() io.WriteCloser { return c.toChildW }

// Stderr implements child.Conn.
func (c *Conn) Stderr() io.Reader { return c.stderrR }

// PID implements child.Conn.
func (c *Conn) PID() int { return c.pid }

// Done implements child.Conn.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err implements child.Conn.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// Terminate implements child.Conn.
func (c *Conn) Terminate(grace time.Duration) error {
	c.mu.Lock()
	c.terminated = true
	c.mu.Unlock()
	c.exit(nil)
	return nil
}

// Crash simulates the child exiting on its own with err.
func (c *Conn) Crash(err error) {
	if err == nil {
		err = fmt.Errorf("exit status 1")
	}
	c.exit(err)
}

// Terminated reports whether the proxy stopped this child on purpose.
func (c *Conn) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// Exited reports whether the child has exited.
func (c *Conn) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) exit(err error) {
	c.exitOnce.Do(func() {
		c.mu.Lock()
		c.exitErr = err
		c.mu.Unlock()

		c.cancel()
		_ = c.server.Close()
		_ = c.toChildR.CloseWithError(io.EOF)
		_ = c.fromChildW.CloseWithError(io.EOF)
		_ = c.stderrW.Close()
		close(c.done)
	})
}

// WriteStderr writes a line to the child's stderr. It blocks until the
// proxy reads it.
func (c *Conn) WriteStderr(line string) error {
	_, err := io.WriteString(c.stderrW, line+"\n")
	return err
}

// Notify sends a notification from the child to the proxy.
func (c *Conn) Notify(method string, params map[string]any) error {
	n := mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: method,
			Params: mcp.NotificationParams{AdditionalFields: params},
		},
	}
	return c.server.SendNotification(c.ctx, n)
}

// Request sends a request from the child to the proxy and waits for the
// response.
func (c *Conn) Request(ctx context.Context, id int64, method string, params any) (*transport.JSONRPCResponse, error) {
	return c.server.SendRequest(ctx, transport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(id),
		Method:  method,
		Params:  params,
	})
}

// Calls returns the methods received, in arrival order.
func (c *Conn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// CallCount returns how many times method was received.
func (c *Conn) CallCount(method string) int {
	n := 0
	for _, m := range c.Calls() {
		if m == method {
			n++
		}
	}
	return n
}

// Notifications returns the notifications received, in arrival order.
func (c *Conn) Notifications() []mcp.JSONRPCNotification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mcp.JSONRPCNotification(nil), c.notifications...)
}

// InitializeParams returns the raw params of the initialize request.
func (c *Conn) InitializeParams() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialize
}

func (c *Conn) handle(ctx context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	params, _ := json.Marshal(req.Params)

	c.mu.Lock()
	c.calls = append(c.calls, req.Method)
	if req.Method == string(mcp.MethodInitialize) {
		c.initialize = params
	}
	c.mu.Unlock()

	result, rpcErr := c.dispatch(ctx, req.Method, params)
	if rpcErr == nil && result == nil {
		// hang
		return nil, nil
	}
	if rpcErr != nil {
		return transport.NewJSONRPCErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data), nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return transport.NewJSONRPCResultResponse(req.ID, data), nil
}

func (c *Conn) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *mcp.JSONRPCErrorDetails) {
	if method == string(mcp.MethodInitialize) {
		return c.handleInitialize(ctx, params)
	}

	// Scripted methods override the built-in ones.
	if h, ok := c.config.Methods[method]; ok {
		return h(ctx, params)
	}

	switch method {
	case string(mcp.MethodPing):
		return map[string]any{}, nil
	case string(mcp.MethodToolsList):
		if c.config.ToolsListError != nil {
			return nil, c.config.ToolsListError
		}
		if c.config.NoTools {
			return nil, methodNotFound(method)
		}
		tools := c.config.Tools
		if tools == nil {
			tools = []mcp.Tool{}
		}
		return map[string]any{"tools": tools}, nil
	case string(mcp.MethodToolsCall):
		return c.handleToolCall(ctx, params)
	}
	return nil, methodNotFound(method)
}

func (c *Conn) handleInitialize(ctx context.Context, params json.RawMessage) (any, *mcp.JSONRPCErrorDetails) {
	if c.config.HangInitialize {
		<-ctx.Done()
		return nil, nil
	}
	if c.config.FailInitialize {
		return nil, &mcp.JSONRPCErrorDetails{Code: mcp.INTERNAL_ERROR, Message: "initialize failed"}
	}

	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(params, &p)
	version := p.ProtocolVersion
	if c.config.ProtocolVersion != "" {
		version = c.config.ProtocolVersion
	}
	if version == "" {
		version = mcp.LATEST_PROTOCOL_VERSION
	}

	caps := c.config.Capabilities
	if !c.config.NoTools && caps.Tools == nil {
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{}
	}

	return mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    caps,
		ServerInfo:      mcp.Implementation{Name: c.config.Name, Version: "1.0.0"},
		Instructions:    c.config.Instructions,
	}, nil
}

func (c *Conn) handleToolCall(ctx context.Context, params json.RawMessage) (any, *mcp.JSONRPCErrorDetails) {
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &mcp.JSONRPCErrorDetails{Code: mcp.INVALID_PARAMS, Message: err.Error()}
	}

	known := false
	for _, t := range c.config.Tools {
		if t.Name == p.Name {
			known = true
			break
		}
	}
	if !known {
		return nil, &mcp.JSONRPCErrorDetails{Code: mcp.INVALID_PARAMS, Message: fmt.Sprintf("unknown tool %s", p.Name)}
	}

	if h, ok := c.config.ToolHandlers[p.Name]; ok {
		// Handlers see a context that ends when the child exits.
		hctx, cancel := context.WithCancel(c.ctx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()

		result, err := h(hctx, p.Arguments)
		if err != nil {
			return nil, &mcp.JSONRPCErrorDetails{Code: mcp.INTERNAL_ERROR, Message: err.Error()}
		}
		if result == nil {
			return nil, nil
		}
		return result, nil
	}

	data, _ := json.Marshal(p.Arguments)
	return mcp.NewToolResultText(string(data)), nil
}

func methodNotFound(method string) *mcp.JSONRPCErrorDetails {
	return &mcp.JSONRPCErrorDetails{Code: mcp.METHOD_NOT_FOUND, Message: fmt.Sprintf("Method %s not found", method)}
}
