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

package proxy_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proxymcp "github.com/tombee/mcpreload/internal/mcp"
	"github.com/tombee/mcpreload/internal/mcp/child"
	"github.com/tombee/mcpreload/internal/mcp/proxy"
	"github.com/tombee/mcpreload/internal/mcp/restart"
	mcptesting "github.com/tombee/mcpreload/internal/mcp/testing"
	"github.com/tombee/mcpreload/internal/tracing"
)

const waitFor = 5 * time.Second

type session struct {
	t      *testing.T
	tr     *transport.Stdio
	toProx *io.PipeWriter
	ran    chan error
	nextID int64
}

func (s *session) call(method string, params any) *transport.JSONRPCResponse {
	s.t.Helper()
	s.nextID++
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	resp, err := s.tr.SendRequest(ctx, transport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(s.nextID),
		Method:  method,
		Params:  params,
	})
	require.NoError(s.t, err)
	return resp
}

func (s *session) initialize() {
	s.t.Helper()
	resp := s.call("initialize", map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"clientInfo":      map[string]any{"name": "proxy-test", "version": "1"},
		"capabilities":    map[string]any{},
	})
	require.Nil(s.t, resp.Error)
	require.NoError(s.t, s.tr.SendNotification(context.Background(), mcp.JSONRPCNotification{
		JSONRPC:      mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{Method: "notifications/initialized"},
	}))
}

// disconnect closes the client side and waits for Run to return.
func (s *session) disconnect() error {
	s.t.Helper()
	_ = s.toProx.Close()
	select {
	case err := <-s.ran:
		return err
	case <-time.After(waitFor):
		s.t.Fatal("Run did not return after the client disconnected")
		return nil
	}
}

func baseConfig(launcher child.Launcher) proxy.Config {
	return proxy.Config{
		Command:    "mock-server",
		Launcher:   launcher,
		Policy:     restart.Policy{Timeout: waitFor},
		StopGrace:  100 * time.Millisecond,
		Tracing:    tracing.Config{Registerer: prometheus.NewRegistry()},
		Session:    "test-session",
		ServerInfo: mcp.Implementation{Name: "mcpreload", Version: "test"},
	}
}

func toolServer(names ...string) mcptesting.ServerConfig {
	cfg := mcptesting.ServerConfig{}
	for _, n := range names {
		cfg.Tools = append(cfg.Tools, mcp.NewTool(n))
	}
	return cfg
}

// start runs p against a pipe-connected client.
func start(t *testing.T, p *proxy.Proxy) *session {
	t.Helper()

	toProxyR, toProxyW := io.Pipe()
	toClientR, toClientW := io.Pipe()

	s := &session{t: t, toProx: toProxyW, ran: make(chan error, 1)}
	go func() {
		s.ran <- p.Run(context.Background(), toProxyR, toClientW)
	}()

	s.tr = transport.NewIO(toClientR, proxymcp.NewSyncWriter(toProxyW), nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.tr.Start(ctx))

	t.Cleanup(func() {
		cancel()
		_ = toProxyW.Close()
		_ = s.tr.Close()
		_ = p.Shutdown(context.Background())
	})
	return s
}

func toolNames(t *testing.T, resp *transport.JSONRPCResponse) []string {
	t.Helper()
	require.Nil(t, resp.Error)
	var r struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &r))
	var names []string
	for _, tool := range r.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestNew_RequiresCommand(t *testing.T) {
	cfg := baseConfig(nil)
	cfg.Command = ""

	_, err := proxy.New(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, proxymcp.HasCode(err, proxymcp.ErrorCodeConfig))
}

func TestNew_InvalidWatchPattern(t *testing.T) {
	cfg := baseConfig(mcptesting.NewMockLauncher(toolServer("alpha")))
	cfg.WatchPaths = []string{t.TempDir()}
	cfg.WatchInclude = []string{"[broken"}

	_, err := proxy.New(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, proxymcp.HasCode(err, proxymcp.ErrorCodeConfig))
}

func TestProxy_ServesAndRestarts(t *testing.T) {
	launcher := mcptesting.NewMockLauncherFunc(func(launch int) mcptesting.ServerConfig {
		if launch == 1 {
			return toolServer("alpha")
		}
		return toolServer("alpha", "beta")
	})
	p, err := proxy.New(context.Background(), baseConfig(launcher))
	require.NoError(t, err)

	s := start(t, p)
	s.initialize()

	assert.ElementsMatch(t, []string{"alpha", "restart_server"}, toolNames(t, s.call("tools/list", nil)))

	resp := s.call("tools/call", map[string]any{"name": "restart_server", "arguments": map[string]any{}})
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "restarted successfully")

	assert.ElementsMatch(t, []string{"alpha", "beta", "restart_server"}, toolNames(t, s.call("tools/list", nil)))

	st := p.Status()
	assert.Equal(t, child.StatusConnected, st.Child)
	assert.Equal(t, uint64(2), st.Generation)
	assert.Equal(t, []string{"alpha", "beta"}, st.Tools)
	assert.Equal(t, restart.StateIdle, st.Restart.State)
	assert.Equal(t, 2, launcher.Launches())

	require.NoError(t, s.disconnect())
	require.NoError(t, p.Shutdown(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()), "shutdown is idempotent")
	assert.True(t, launcher.Last().Terminated())
	assert.Equal(t, child.StatusDisconnected, p.Status().Child)
}

func TestProxy_RestartFromOwner(t *testing.T) {
	launcher := mcptesting.NewMockLauncher(toolServer("alpha"))
	p, err := proxy.New(context.Background(), baseConfig(launcher))
	require.NoError(t, err)

	s := start(t, p)
	s.initialize()

	res, err := p.Restart(context.Background(), restart.Request{Force: true, Reason: "test"})
	require.NoError(t, err)
	assert.True(t, res.Forced)
	assert.Equal(t, uint64(2), res.Generation)
	assert.Equal(t, []string{"alpha"}, res.Tools)
}

func TestProxy_InitialStartFailure(t *testing.T) {
	launcher := mcptesting.NewMockLauncher(toolServer("alpha"))
	launcher.FailAll(errors.New("exec: not found"))

	p, err := proxy.New(context.Background(), baseConfig(launcher))
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	toProxyR, _ := io.Pipe()
	_, toClientW := io.Pipe()
	err = p.Run(context.Background(), toProxyR, toClientW)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start child server")
	assert.True(t, proxymcp.HasCode(err, proxymcp.ErrorCodeChildSpawnFailure))
}

func TestProxy_RunTwiceFails(t *testing.T) {
	p, err := proxy.New(context.Background(), baseConfig(mcptesting.NewMockLauncher(toolServer("alpha"))))
	require.NoError(t, err)

	s := start(t, p)
	s.initialize()

	err = p.Run(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestProxy_ShutdownStopsServing(t *testing.T) {
	p, err := proxy.New(context.Background(), baseConfig(mcptesting.NewMockLauncher(toolServer("alpha"))))
	require.NoError(t, err)

	s := start(t, p)
	s.initialize()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	select {
	case <-s.ran:
	case <-time.After(waitFor):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestProxy_ProtocolLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protocol.jsonl")
	cfg := baseConfig(mcptesting.NewMockLauncher(toolServer("alpha")))
	cfg.ProtocolLog = path

	p, err := proxy.New(context.Background(), cfg)
	require.NoError(t, err)

	s := start(t, p)
	s.initialize()
	s.call("tools/call", map[string]any{"name": "alpha", "arguments": map[string]any{}})
	require.NoError(t, s.disconnect())
	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	log := string(data)
	assert.Contains(t, log, `"session":"test-session"`)
	assert.Contains(t, log, "tools/call")
	assert.Contains(t, log, string(proxymcp.DirectionToChild))
	assert.Contains(t, log, string(proxymcp.DirectionFromUpstream))
}

func TestProxy_MetricsEndpoint(t *testing.T) {
	cfg := baseConfig(mcptesting.NewMockLauncher(toolServer("alpha")))
	cfg.MetricsAddr = "127.0.0.1:0"

	p, err := proxy.New(context.Background(), cfg)
	require.NoError(t, err)

	s := start(t, p)
	s.initialize()

	addr := p.MetricsAddr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mcpreload_child_up")

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Empty(t, p.MetricsAddr())
}

func TestProxy_WatchModeRestarts(t *testing.T) {
	dir := t.TempDir()
	launcher := mcptesting.NewMockLauncher(toolServer("alpha"))
	cfg := baseConfig(launcher)
	cfg.WatchPaths = []string{dir}
	cfg.WatchDebounce = 50 * time.Millisecond

	p, err := proxy.New(context.Background(), cfg)
	require.NoError(t, err)

	s := start(t, p)
	s.initialize()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.py"), []byte("print('hi')"), 0o644))

	assert.Eventually(t, func() bool { return launcher.Launches() == 2 }, waitFor, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return p.Status().Generation == 2 }, waitFor, 20*time.Millisecond)
}

func TestProxy_EventsReachSubscribers(t *testing.T) {
	p, err := proxy.New(context.Background(), baseConfig(mcptesting.NewMockLauncher(toolServer("alpha"))))
	require.NoError(t, err)

	started := make(chan proxymcp.Event, 4)
	p.Events().Subscribe(func(e proxymcp.Event) {
		if e.Type == proxymcp.EventChildStarted {
			started <- e
		}
	})

	s := start(t, p)
	s.initialize()

	select {
	case e := <-started:
		assert.Equal(t, uint64(1), e.Generation)
	case <-time.After(waitFor):
		t.Fatal("no child_started event")
	}
}
