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

// Package proxy assembles the hot-reload proxy: the child supervisor, the
// restart controller, the protocol bridge and the optional watch mode,
// metrics endpoint, tracing and protocol log. One Proxy is created per
// process; whoever owns signal handling calls Shutdown.
package proxy

import (
	"context"
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
	"github.com/tombee/mcpreload/internal/mcp/bridge"
	"github.com/tombee/mcpreload/internal/mcp/child"
	"github.com/tombee/mcpreload/internal/mcp/restart"
	"github.com/tombee/mcpreload/internal/mcp/supervisor"
	"github.com/tombee/mcpreload/internal/mcp/watcher"
	"github.com/tombee/mcpreload/internal/metrics"
	"github.com/tombee/mcpreload/internal/tracing"
)

// stderrLines is how many child stderr lines are kept for error reports.
const stderrLines = 200

// Config configures a Proxy.
type Config struct {
	// Command, Args, Env and Dir describe the child server. Command is
	// required unless Launcher is set.
	Command string
	Args    []string
	Env     []string
	Dir     string

	// Launcher overrides how children are started (optional)
	Launcher child.Launcher

	// Policy is the restart policy
	Policy restart.Policy

	// StopGrace is how long a stopping child gets before it is killed
	StopGrace time.Duration

	// WatchPaths enables watch mode for the given paths
	WatchPaths    []string
	WatchInclude  []string
	WatchExclude  []string
	WatchDebounce time.Duration

	// MetricsAddr serves Prometheus metrics when set
	MetricsAddr string

	// Tracing configures span export and request metrics
	Tracing tracing.Config

	// ProtocolLog appends every protocol message to this file when set
	ProtocolLog string

	// Session identifies this proxy run in logs and the protocol log
	Session string

	// ServerInfo identifies the proxy to the upstream client
	ServerInfo mcp.Implementation

	// Logger is used for structured logging (optional)
	Logger *slog.Logger
}

// Status is a point-in-time view of the proxy.
type Status struct {
	Child      child.Status
	Generation uint64
	Tools      []string
	Restart    restart.Status
	InFlight   int
}

// Proxy owns every component of one proxy session.
type Proxy struct {
	events   *proxymcp.EventEmitter
	recorder *proxymcp.Recorder
	tracer   *tracing.Provider
	sup      *supervisor.Supervisor
	ctrl     *restart.Controller
	bridge   *bridge.Bridge
	watcher  *watcher.Watcher

	metricsAddr string
	logger      *slog.Logger

	running atomic.Bool

	mu          sync.Mutex
	metricsSrv  *metrics.Server
	cancelServe context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// New wires the proxy together. No child is started until Run.
func New(ctx context.Context, cfg Config) (*Proxy, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Session != "" {
		logger = internallog.WithSession(logger, cfg.Session)
	}

	launcher := cfg.Launcher
	if launcher == nil {
		pl, err := child.NewProcessLauncher(child.ProcessConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Dir:     cfg.Dir,
			Logger:  internallog.WithComponent(logger, "launcher"),
		})
		if err != nil {
			return nil, proxymcp.ConfigError("invalid child command").WithCause(err)
		}
		launcher = pl
	}

	p := &Proxy{
		metricsAddr: cfg.MetricsAddr,
		logger:      internallog.WithComponent(logger, "proxy"),
	}

	p.events = proxymcp.NewEventEmitter(internallog.WithComponent(logger, "events"))
	p.events.Subscribe(metrics.Observe)

	masker := proxymcp.NewSecretMasker(cfg.Env)

	if cfg.ProtocolLog != "" {
		rec, err := proxymcp.OpenRecorder(cfg.ProtocolLog, cfg.Session)
		if err != nil {
			return nil, proxymcp.ConfigError("failed to open protocol log").WithCause(err)
		}
		rec.SetMasker(masker)
		p.recorder = rec
	}

	tracer, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		_ = p.recorder.Close()
		return nil, proxymcp.ConfigError("failed to set up tracing").WithCause(err)
	}
	p.tracer = tracer

	// The supervisor is created before the bridge it reports to, so its
	// callbacks go through p.
	p.sup, err = supervisor.New(supervisor.Config{
		Launcher:  launcher,
		Command:   cfg.Command,
		Handshake: func() child.Handshake { return p.bridge.Handshake() },
		OnNotification: func(ep *child.Endpoint, n mcp.JSONRPCNotification) {
			p.bridge.HandleChildNotification(ep, n)
		},
		OnRequest: func(ctx context.Context, ep *child.Endpoint, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
			return p.bridge.HandleChildRequest(ctx, ep, req)
		},
		StopGrace: cfg.StopGrace,
		Stderr:    proxymcp.NewRingBuffer(stderrLines),
		Events:    p.events,
		Recorder:  p.recorder,
		Masker:    masker,
		Logger:    internallog.WithComponent(logger, "supervisor"),
	})
	if err != nil {
		p.release(ctx)
		return nil, err
	}

	p.ctrl, err = restart.New(restart.Config{
		Supervisor: p.sup,
		Policy:     cfg.Policy,
		Events:     p.events,
		Logger:     internallog.WithComponent(logger, "restart"),
	})
	if err != nil {
		p.release(ctx)
		return nil, err
	}

	p.bridge, err = bridge.New(bridge.Config{
		Children:   p.sup,
		Restarter:  p.ctrl,
		ServerInfo: cfg.ServerInfo,
		Recorder:   p.recorder,
		Requests:   tracer.Requests(),
		Logger:     internallog.WithComponent(logger, "bridge"),
	})
	if err != nil {
		p.release(ctx)
		return nil, err
	}
	p.ctrl.SetNotifier(p.bridge)

	if len(cfg.WatchPaths) > 0 {
		p.watcher, err = watcher.New(watcher.Config{
			Paths:     cfg.WatchPaths,
			Include:   cfg.WatchInclude,
			Exclude:   watchExcludes(cfg.WatchExclude),
			Debounce:  cfg.WatchDebounce,
			Restarter: p.ctrl,
			Logger:    logger,
		})
		if err != nil {
			p.release(ctx)
			return nil, proxymcp.ConfigError("invalid watch configuration").WithCause(err)
		}
	}

	return p, nil
}

// watchExcludes adds the user's excludes to the defaults.
func watchExcludes(extra []string) []string {
	return append(watcher.DefaultExclude(), extra...)
}

// Run starts the child and serves the upstream client on in and out until
// the client disconnects, ctx is cancelled or Shutdown is called. A child
// that cannot be started fails Run before anything is served. Run may be
// called once.
func (p *Proxy) Run(ctx context.Context, in io.Reader, out io.WriteCloser) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("proxy is already running")
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.cancelServe = cancel
	p.mu.Unlock()

	if p.metricsAddr != "" {
		srv, err := metrics.Listen(p.metricsAddr, p.logger)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.metricsSrv = srv
		p.mu.Unlock()
	}

	gen, err := p.ctrl.Initial(serveCtx)
	if err != nil {
		return fmt.Errorf("failed to start child server: %w", err)
	}
	p.logger.Info("proxy ready",
		internallog.GenerationKey, gen.ID,
		internallog.PIDKey, gen.Endpoint.PID(),
		"tool_count", len(gen.Snapshot.Tools))

	if p.watcher != nil {
		if err := p.watcher.Start(); err != nil {
			p.logger.Warn("watch mode disabled", internallog.Error(err))
		}
	}

	return p.bridge.Serve(serveCtx, in, out)
}

// Restart restarts the child as if the restart tool had been called.
func (p *Proxy) Restart(ctx context.Context, req restart.Request) (*restart.Result, error) {
	return p.ctrl.Restart(ctx, req)
}

// Status returns a snapshot of the proxy state.
func (p *Proxy) Status() Status {
	st := Status{
		Child:    p.sup.Status(),
		Restart:  p.ctrl.Status(),
		InFlight: p.bridge.InFlight(),
	}
	if gen := p.sup.Current(); gen != nil {
		st.Generation = gen.ID
		st.Tools = gen.Snapshot.ToolNames()
	}
	return st
}

// Events returns the lifecycle event emitter.
func (p *Proxy) Events() *proxymcp.EventEmitter {
	return p.events
}

// MetricsAddr returns the address the metrics endpoint listens on, or ""
// when it is not running.
func (p *Proxy) MetricsAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.metricsSrv == nil {
		return ""
	}
	return p.metricsSrv.Addr()
}

// Shutdown stops serving, stops the child and releases every resource.
// Failures are logged and returned joined; shutdown always runs to the end.
// Calls after the first return the first result.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.logger.Info("shutting down")

		p.mu.Lock()
		if p.cancelServe != nil {
			p.cancelServe()
		}
		p.mu.Unlock()

		var errs []error
		if p.watcher != nil {
			if err := p.watcher.Close(); err != nil {
				p.logger.Warn("failed to stop watcher", internallog.Error(err))
				errs = append(errs, err)
			}
		}

		p.ctrl.Close()
		if err := p.sup.Stop(ctx); err != nil {
			p.logger.Warn("failed to stop child server", internallog.Error(err))
			errs = append(errs, err)
		}

		errs = append(errs, p.release(ctx))
		p.shutdownErr = errors.Join(errs...)
	})
	return p.shutdownErr
}

// release closes the metrics server, tracing and the protocol log.
func (p *Proxy) release(ctx context.Context) error {
	var errs []error

	p.mu.Lock()
	srv := p.metricsSrv
	p.metricsSrv = nil
	p.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			p.logger.Warn("failed to stop metrics server", internallog.Error(err))
			errs = append(errs, err)
		}
	}

	if err := p.tracer.Shutdown(ctx); err != nil {
		p.logger.Warn("failed to flush traces", internallog.Error(err))
		errs = append(errs, err)
	}

	if err := p.recorder.Close(); err != nil {
		p.logger.Warn("failed to close protocol log", internallog.Error(err))
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
