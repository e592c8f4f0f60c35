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

// Package supervisor owns the lifecycle of the proxied child server.
//
// The supervisor publishes the current child as a Generation: the endpoint
// together with the capability snapshot captured right after its handshake.
// Both are swapped in a single atomic store, so readers always see an
// endpoint with its matching snapshot. A generation is only published once
// the handshake and the capability capture both succeeded.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	proxymcp "github.com/tombee/mcpreload/internal/mcp"
	"github.com/tombee/mcpreload/internal/mcp/child"
	"github.com/tombee/mcpreload/internal/mcp/mirror"
)

const (
	// stderrTailLines is how many stderr lines are attached to start failures.
	stderrTailLines = 20

	// stderrDrainWait bounds how long a failed start waits for the stderr
	// relay to catch up before reporting the tail.
	stderrDrainWait = 250 * time.Millisecond
)

// Generation is one connected child and its capability snapshot.
type Generation struct {
	ID        uint64
	Endpoint  *child.Endpoint
	Snapshot  *mirror.Snapshot
	Init      *mcp.InitializeResult
	StartedAt time.Time
}

// ExitEvent describes an unexpected child exit.
type ExitEvent struct {
	Generation uint64
	Err        error
	At         time.Time
	Uptime     time.Duration
}

// HandshakeFunc returns the values to send in the child's initialize request.
type HandshakeFunc func() child.Handshake

// Config configures a Supervisor.
type Config struct {
	// Launcher starts child processes (required)
	Launcher child.Launcher

	// Command names the child in error messages
	Command string

	// Handshake supplies initialize parameters (optional)
	Handshake HandshakeFunc

	// OnNotification receives child notifications (optional)
	OnNotification child.NotificationHandler

	// OnRequest answers child requests (optional)
	OnRequest child.RequestHandler

	// StopGrace is how long a graceful stop waits for the child to exit
	// after its stdin is closed (defaults to 5s)
	StopGrace time.Duration

	// Stderr collects child stderr lines (optional)
	Stderr *proxymcp.RingBuffer

	// Events receives lifecycle events (optional)
	Events *proxymcp.EventEmitter

	// Recorder logs protocol traffic (optional)
	Recorder *proxymcp.Recorder

	// Masker redacts secrets from stderr lines (optional)
	Masker *proxymcp.SecretMasker

	// Logger is used for structured logging (optional)
	Logger *slog.Logger
}

// Supervisor starts, stops and watches the child server.
type Supervisor struct {
	launcher       child.Launcher
	command        string
	handshake      HandshakeFunc
	onNotification child.NotificationHandler
	onRequest      child.RequestHandler
	stopGrace      time.Duration
	stderr         *proxymcp.RingBuffer
	events         *proxymcp.EventEmitter
	recorder       *proxymcp.Recorder
	masker         *proxymcp.SecretMasker
	logger         *slog.Logger

	// mu serializes Start, Stop and Refresh.
	mu sync.Mutex

	current    atomic.Pointer[Generation]
	nextID     atomic.Uint64
	connecting atomic.Bool

	exitMu sync.RWMutex
	onExit func(ExitEvent)
}

// New creates a Supervisor. No child is started until Start is called.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handshake := cfg.Handshake
	if handshake == nil {
		handshake = func() child.Handshake {
			return child.Handshake{ClientInfo: mcp.Implementation{Name: "mcpreload", Version: "dev"}}
		}
	}

	stopGrace := cfg.StopGrace
	if stopGrace == 0 {
		stopGrace = 5 * time.Second
	}

	stderr := cfg.Stderr
	if stderr == nil {
		stderr = proxymcp.NewRingBuffer(100)
	}

	return &Supervisor{
		launcher:       cfg.Launcher,
		command:        cfg.Command,
		handshake:      handshake,
		onNotification: cfg.OnNotification,
		onRequest:      cfg.OnRequest,
		stopGrace:      stopGrace,
		stderr:         stderr,
		events:         cfg.Events,
		recorder:       cfg.Recorder,
		masker:         cfg.Masker,
		logger:         logger,
	}, nil
}

// SetExitHandler registers the function called when the current child exits
// without being stopped. It is called from its own goroutine.
func (s *Supervisor) SetExitHandler(fn func(ExitEvent)) {
	s.exitMu.Lock()
	defer s.exitMu.Unlock()
	s.onExit = fn
}

// Current returns the published generation, or nil when no child is
// connected.
func (s *Supervisor) Current() *Generation {
	return s.current.Load()
}

// Status returns the connection status of the child.
func (s *Supervisor) Status() child.Status {
	if gen := s.current.Load(); gen != nil {
		return gen.Endpoint.Status()
	}
	if s.connecting.Load() {
		return child.StatusConnecting
	}
	return child.StatusDisconnected
}

// StderrTail returns the last stderr lines of the given generation.
func (s *Supervisor) StderrTail(generation uint64, n int) string {
	return s.stderr.TailFor(generation, n)
}

// Start replaces any running child with a new one. It launches the process,
// performs the handshake and captures the capability snapshot; the new
// generation is published only if all three succeed. ctx bounds the whole
// attempt.
func (s *Supervisor) Start(ctx context.Context) (*Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardownLocked(s.stopGrace)

	s.connecting.Store(true)
	defer s.connecting.Store(false)

	id := s.nextID.Add(1)
	logger := s.logger.With("generation", id)
	logger.Debug("starting child server", "command", s.command)

	conn, err := s.launcher.Launch(ctx)
	if err != nil {
		return nil, proxymcp.ChildSpawnFailure(s.command, err)
	}

	var relayDone chan struct{}
	if stderr := conn.Stderr(); stderr != nil {
		relayDone = make(chan struct{})
		go s.relayStderr(id, conn.PID(), stderr, relayDone)
	}

	ep, err := child.NewEndpoint(child.EndpointConfig{
		Generation:     id,
		Conn:           conn,
		OnNotification: s.onNotification,
		OnRequest:      s.onRequest,
		StopGrace:      s.stopGrace,
		Recorder:       s.recorder,
		Logger:         s.logger,
	})
	if err != nil {
		_ = conn.Terminate(0)
		return nil, proxymcp.ChildSpawnFailure(s.command, err)
	}

	init, err := ep.Connect(ctx, s.handshake())
	if err != nil {
		return nil, s.spawnFailure(id, relayDone, err)
	}

	snap, err := mirror.Capture(ctx, ep, init.Capabilities, logger)
	if err != nil {
		if closeErr := ep.Close(); closeErr != nil {
			logger.Warn("failed to stop child after capability query failure", "error", closeErr)
		}
		return nil, err
	}

	gen := &Generation{
		ID:        id,
		Endpoint:  ep,
		Snapshot:  snap,
		Init:      init,
		StartedAt: time.Now(),
	}
	s.current.Store(gen)
	go s.watch(ep)

	s.events.EmitStarted(id, ep.PID(), len(snap.Tools))
	s.events.EmitCapabilitiesChanged(id, len(snap.Tools))

	return gen, nil
}

// Stop gracefully stops the child and clears the published generation, so
// the capability snapshot is gone even if closing fails. Close failures are
// logged, not returned. Stopping a stopped supervisor does nothing. If ctx
// ends first, Stop returns ctx.Err() and the teardown finishes in the
// background.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.stop(ctx, s.stopGrace)
}

// Kill is Stop without the grace period.
func (s *Supervisor) Kill(ctx context.Context) error {
	return s.stop(ctx, 0)
}

func (s *Supervisor) stop(ctx context.Context, grace time.Duration) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.teardownLocked(grace)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardownLocked unpublishes and closes the current generation. Callers
// hold s.mu.
func (s *Supervisor) teardownLocked(grace time.Duration) {
	gen := s.current.Swap(nil)
	if gen == nil {
		return
	}

	var err error
	if grace == 0 {
		err = gen.Endpoint.Kill()
	} else {
		err = gen.Endpoint.Close()
	}
	if err != nil {
		s.logger.Warn("error while stopping child server",
			"generation", gen.ID,
			"error", err,
		)
	}
	s.events.EmitStopped(gen.ID)
}

// Refresh captures a new snapshot for the current child and republishes it
// with the same endpoint. The old snapshot is kept if the capture fails.
func (s *Supervisor) Refresh(ctx context.Context) (*Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen := s.current.Load()
	if gen == nil {
		return nil, proxymcp.ChildUnavailable("no child to refresh")
	}

	snap, err := mirror.Capture(ctx, gen.Endpoint, gen.Init.Capabilities, s.logger.With("generation", gen.ID))
	if err != nil {
		return nil, err
	}

	next := *gen
	next.Snapshot = snap
	if !s.current.CompareAndSwap(gen, &next) {
		return nil, proxymcp.ChildUnavailable("child exited during refresh")
	}

	s.events.EmitCapabilitiesChanged(gen.ID, len(snap.Tools))
	return &next, nil
}

// watch waits for the endpoint to go away. If it is still the published one
// the exit was not requested, so the generation is cleared and reported.
func (s *Supervisor) watch(ep *child.Endpoint) {
	<-ep.Done()

	for {
		gen := s.current.Load()
		if gen == nil || gen.Endpoint != ep {
			return
		}
		if s.current.CompareAndSwap(gen, nil) {
			s.handleExit(gen)
			return
		}
	}
}

func (s *Supervisor) handleExit(gen *Generation) {
	// reap the process and release the transport
	_ = gen.Endpoint.Close()

	exitErr := gen.Endpoint.ExitErr()
	s.events.EmitExited(gen.ID, exitErr)
	if tail := s.stderr.TailFor(gen.ID, 5); tail != "" {
		s.logger.Warn("last child stderr output", "generation", gen.ID, "stderr", tail)
	}

	s.exitMu.RLock()
	onExit := s.onExit
	s.exitMu.RUnlock()

	if onExit != nil {
		now := time.Now()
		onExit(ExitEvent{
			Generation: gen.ID,
			Err:        exitErr,
			At:         now,
			Uptime:     now.Sub(gen.StartedAt),
		})
	}
}

// relayStderr is the only reader of a child's stderr.
func (s *Supervisor) relayStderr(generation uint64, pid int, r io.Reader, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := s.masker.Mask(scanner.Text())
		s.stderr.Add(proxymcp.StderrLine{
			Timestamp:  time.Now(),
			Generation: generation,
			Text:       line,
		})
		s.logger.Info("child stderr",
			"generation", generation,
			"pid", pid,
			"line", line,
		)
	}
}

func (s *Supervisor) spawnFailure(generation uint64, relayDone <-chan struct{}, cause error) error {
	if relayDone != nil {
		select {
		case <-relayDone:
		case <-time.After(stderrDrainWait):
		}
	}

	err := proxymcp.ChildSpawnFailure(s.command, cause)
	if tail := s.stderr.TailFor(generation, stderrTailLines); tail != "" {
		err = err.WithDetail("child stderr:\n" + tail)
	}
	return err
}
