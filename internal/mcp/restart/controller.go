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

// Package restart implements the restart state machine of the proxy.
//
// A Controller is the only component that starts children once the proxy is
// running. Restarts come from three places: the restart_server tool, the
// file watcher and the crash path of the supervisor. They are serialized by
// the controller's state, so two restarts never interleave.
package restart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	proxymcp "github.com/tombee/mcpreload/internal/mcp"
	"github.com/tombee/mcpreload/internal/mcp/supervisor"
	"github.com/tombee/mcpreload/internal/tracing"
)

const (
	// maxBackoff caps the delay between automatic restarts.
	maxBackoff = 30 * time.Second

	// historySize is how many attempt timestamps are remembered.
	historySize = 10
)

// State is the restart state.
type State int32

const (
	StateIdle State = iota
	StateInProgress
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInProgress:
		return "in_progress"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Trigger identifies what asked for a restart.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerCrash  Trigger = "crash"
	TriggerWatch  Trigger = "watch"
)

// Policy controls automatic restarts and attempt bounds.
type Policy struct {
	// AutoRestart enables restarting after an unexpected exit
	AutoRestart bool

	// MaxRestarts is the number of automatic attempts allowed within Window
	MaxRestarts int

	// Delay is the base delay before an automatic restart
	Delay time.Duration

	// Timeout bounds each attempt, including the handshake and the
	// capability capture (0 means no bound)
	Timeout time.Duration

	// Window is how far back automatic attempts are counted
	Window time.Duration
}

// DefaultPolicy returns the default restart policy.
func DefaultPolicy() Policy {
	return Policy{
		AutoRestart: true,
		MaxRestarts: 3,
		Delay:       time.Second,
		Timeout:     30 * time.Second,
		Window:      5 * time.Minute,
	}
}

// Request describes a restart.
type Request struct {
	// Force kills the current child without waiting for it to exit
	Force bool

	// Reason is logged with the restart
	Reason string

	// Trigger is what asked for the restart (defaults to manual)
	Trigger Trigger
}

// Result describes a completed restart.
type Result struct {
	Generation uint64
	Tools      []string
	Trigger    Trigger
	Forced     bool
	Duration   time.Duration
}

// Status is a point-in-time view of the controller.
type Status struct {
	State          State
	RecentAttempts int
	LastError      error
	LastRestart    time.Time
	Pending        bool
}

// Notifier tells the upstream client that capabilities may have changed.
type Notifier interface {
	NotifyListChanged(ctx context.Context) error
}

// Supervisor is the part of the child supervisor the controller drives.
type Supervisor interface {
	Start(ctx context.Context) (*supervisor.Generation, error)
	Kill(ctx context.Context) error
	SetExitHandler(fn func(supervisor.ExitEvent))
}

// Config configures a Controller.
type Config struct {
	// Supervisor owns the child (required)
	Supervisor Supervisor

	// Policy controls automatic restarts
	Policy Policy

	// Notifier is told after every successful restart (optional, see
	// SetNotifier)
	Notifier Notifier

	// Events receives restart events (optional)
	Events *proxymcp.EventEmitter

	// Logger is used for structured logging (optional)
	Logger *slog.Logger
}

// Controller serializes restarts and applies the auto-restart policy.
type Controller struct {
	sup    Supervisor
	policy Policy
	events *proxymcp.EventEmitter
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	notifier    Notifier
	history     []time.Time
	timer       *time.Timer
	lastErr     error
	lastRestart time.Time
	closed      bool

	// heldExit is an exit reported while an attempt was running. It is
	// applied once the attempt finishes if it belongs to the generation the
	// attempt published.
	heldExit *supervisor.ExitEvent
}

// New creates a Controller and registers it for the supervisor's exit
// reports.
func New(cfg Config) (*Controller, error) {
	if cfg.Supervisor == nil {
		return nil, fmt.Errorf("supervisor is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policy := cfg.Policy
	if policy.Window == 0 {
		policy.Window = DefaultPolicy().Window
	}

	c := &Controller{
		sup:      cfg.Supervisor,
		policy:   policy,
		notifier: cfg.Notifier,
		events:   cfg.Events,
		logger:   logger,
	}
	cfg.Supervisor.SetExitHandler(c.HandleExit)

	return c, nil
}

// SetNotifier sets the list-changed notifier.
func (c *Controller) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

// State returns the current restart state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:          c.state,
		RecentAttempts: c.recentAttemptsLocked(time.Now()),
		LastError:      c.lastErr,
		LastRestart:    c.lastRestart,
		Pending:        c.timer != nil,
	}
}

// Initial starts the first child. Failures are returned to the caller and
// no list-changed notification is sent: there is no earlier session to
// notify.
func (c *Controller) Initial(ctx context.Context) (*supervisor.Generation, error) {
	c.mu.Lock()
	if c.state == StateInProgress {
		c.mu.Unlock()
		return nil, proxymcp.RestartConflict()
	}
	c.state = StateInProgress
	c.heldExit = nil
	c.mu.Unlock()

	gen, err := c.start(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.heldExit = nil
		c.state = StateFailed
		c.lastErr = err
		return nil, err
	}
	c.state = StateIdle
	c.lastErr = nil
	c.applyHeldExitLocked(gen.ID)
	return gen, nil
}

// Restart replaces the child. It returns RestartConflict while another
// restart is running, without affecting that restart. Manual and watch
// restarts cancel any pending automatic restart.
func (c *Controller) Restart(ctx context.Context, req Request) (*Result, error) {
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, proxymcp.ChildUnavailable("proxy is shutting down")
	}
	if c.state == StateInProgress {
		c.mu.Unlock()
		return nil, proxymcp.RestartConflict()
	}
	c.state = StateInProgress
	c.heldExit = nil
	if req.Trigger != TriggerCrash {
		c.stopTimerLocked()
	}
	c.mu.Unlock()

	logger := c.logger.With("trigger", req.Trigger, "force", req.Force)
	logger.Info("restarting child server", "reason", req.Reason)

	ctx, span := tracing.StartRestart(ctx, string(req.Trigger), req.Force)
	defer span.End()

	started := time.Now()
	if req.Force {
		if err := c.sup.Kill(ctx); err != nil {
			logger.Warn("failed to kill child before restart", "error", err)
		}
	}

	gen, err := c.start(ctx)
	duration := time.Since(started)

	c.mu.Lock()
	c.recordAttemptLocked(started, req.Trigger)
	if err != nil {
		c.heldExit = nil
		c.lastErr = err
		attempt := c.recentAttemptsLocked(time.Now())
		if req.Trigger == TriggerCrash && c.autoRetryAllowedLocked(attempt) {
			c.state = StateIdle
			c.scheduleLocked(attempt)
		} else {
			c.state = StateFailed
		}
		c.mu.Unlock()

		span.RecordError(err)
		c.events.EmitRestartFailed(string(req.Trigger), attempt, err)
		return nil, err
	}

	c.state = StateIdle
	c.lastErr = nil
	c.lastRestart = time.Now()
	if req.Trigger != TriggerCrash {
		c.history = nil
	}
	c.applyHeldExitLocked(gen.ID)
	notifier := c.notifier
	c.mu.Unlock()

	span.SetAttributes(map[string]any{
		"child.generation": int64(gen.ID),
		"child.tools":      len(gen.Snapshot.Tools),
	})
	c.events.EmitRestartSucceeded(gen.ID, string(req.Trigger), duration)

	if notifier != nil {
		if err := notifier.NotifyListChanged(ctx); err != nil {
			logger.Warn("failed to send list_changed notifications", "error", err)
		}
	}

	return &Result{
		Generation: gen.ID,
		Tools:      gen.Snapshot.ToolNames(),
		Trigger:    req.Trigger,
		Forced:     req.Force,
		Duration:   duration,
	}, nil
}

// HandleExit applies the auto-restart policy to an unexpected child exit.
func (c *Controller) HandleExit(ev supervisor.ExitEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.state == StateInProgress {
		held := ev
		c.heldExit = &held
		return
	}
	c.handleExitLocked(ev)
}

// applyHeldExitLocked handles an exit held back during the attempt that
// published generation. Exits of earlier generations are dropped: the
// attempt already replaced them.
func (c *Controller) applyHeldExitLocked(generation uint64) {
	ev := c.heldExit
	c.heldExit = nil
	if ev == nil || c.closed || ev.Generation != generation {
		return
	}
	c.handleExitLocked(*ev)
}

func (c *Controller) handleExitLocked(ev supervisor.ExitEvent) {
	c.logger.Warn("child server exited unexpectedly",
		"generation", ev.Generation,
		"uptime", ev.Uptime,
		"error", ev.Err,
	)

	if !c.policy.AutoRestart {
		c.state = StateFailed
		c.lastErr = proxymcp.ChildUnavailable("child exited and auto-restart is disabled").WithCause(ev.Err)
		c.logger.Error("auto-restart disabled, child server stays down until restart_server is called")
		return
	}

	attempts := c.recentAttemptsLocked(time.Now())
	if !c.autoRetryAllowedLocked(attempts) {
		c.state = StateFailed
		c.lastErr = proxymcp.ChildUnavailable(
			fmt.Sprintf("child exited after %d automatic restart attempts", attempts),
		).WithCause(ev.Err)
		c.logger.Error("auto-restart limit reached, child server stays down until restart_server is called",
			"attempts", attempts,
			"max_restarts", c.policy.MaxRestarts,
		)
		return
	}

	c.scheduleLocked(attempts)
}

// Close cancels any pending automatic restart. Exits reported afterwards are
// ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopTimerLocked()
}

// start runs one bounded attempt. A deadline hit maps to RestartTimeout.
func (c *Controller) start(ctx context.Context) (*supervisor.Generation, error) {
	attemptCtx := ctx
	if c.policy.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.policy.Timeout)
		defer cancel()
	}

	gen, err := c.sup.Start(attemptCtx)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, proxymcp.RestartTimeout(c.policy.Timeout.Milliseconds(), err)
		}
		return nil, err
	}
	return gen, nil
}

func (c *Controller) scheduleLocked(attempts int) {
	delay := Backoff(c.policy.Delay, attempts)
	c.stopTimerLocked()
	c.timer = time.AfterFunc(delay, c.autoRestart)
	c.events.EmitRestartScheduled(attempts+1, delay)
}

func (c *Controller) autoRestart() {
	c.mu.Lock()
	c.timer = nil
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	_, err := c.Restart(context.Background(), Request{
		Trigger: TriggerCrash,
		Reason:  "child exited unexpectedly",
	})
	if proxymcp.HasCode(err, proxymcp.ErrorCodeRestartConflict) {
		c.logger.Debug("automatic restart skipped, another restart is running")
	}
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) autoRetryAllowedLocked(attempts int) bool {
	return c.policy.AutoRestart && attempts < c.policy.MaxRestarts
}

func (c *Controller) recordAttemptLocked(at time.Time, trigger Trigger) {
	if trigger != TriggerCrash {
		return
	}
	c.history = append(c.history, at)
	if len(c.history) > historySize {
		c.history = c.history[len(c.history)-historySize:]
	}
}

// recentAttemptsLocked counts automatic attempts inside the rolling window.
func (c *Controller) recentAttemptsLocked(now time.Time) int {
	n := 0
	for _, t := range c.history {
		if now.Sub(t) <= c.policy.Window {
			n++
		}
	}
	return n
}

// Backoff returns the delay before automatic attempt number attempts+1:
// base doubled per earlier attempt, capped at 30s and never below base.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts <= 0 || base <= 0 {
		return base
	}
	if attempts >= 16 {
		return max(maxBackoff, base)
	}

	d := base << uint(attempts)
	if d > maxBackoff {
		d = maxBackoff
	}
	if d < base {
		d = base
	}
	return d
}
