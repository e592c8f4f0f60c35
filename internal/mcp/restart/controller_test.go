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

package restart_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proxymcp "github.com/tombee/mcpreload/internal/mcp"
	"github.com/tombee/mcpreload/internal/mcp/child"
	"github.com/tombee/mcpreload/internal/mcp/mirror"
	"github.com/tombee/mcpreload/internal/mcp/restart"
	"github.com/tombee/mcpreload/internal/mcp/supervisor"
	mcptesting "github.com/tombee/mcpreload/internal/mcp/testing"
)

type countingNotifier struct {
	calls atomic.Int32
}

func (n *countingNotifier) NotifyListChanged(ctx context.Context) error {
	n.calls.Add(1)
	return nil
}

// flakySupervisor reports an exit for selected generations before Start
// returns, like a child that dies right after its handshake.
type flakySupervisor struct {
	mu     sync.Mutex
	onExit func(supervisor.ExitEvent)
	starts atomic.Int32
	exitOn func(start int32) bool
}

func (s *flakySupervisor) Start(ctx context.Context) (*supervisor.Generation, error) {
	n := s.starts.Add(1)
	gen := &supervisor.Generation{ID: uint64(n), Snapshot: mirror.Empty(), StartedAt: time.Now()}
	if s.exitOn(n) {
		s.mu.Lock()
		onExit := s.onExit
		s.mu.Unlock()
		onExit(supervisor.ExitEvent{Generation: gen.ID, Err: errors.New("exit status 1"), At: time.Now()})
	}
	return gen, nil
}

func (s *flakySupervisor) Kill(ctx context.Context) error { return nil }

func (s *flakySupervisor) SetExitHandler(fn func(supervisor.ExitEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = fn
}

func setup(t *testing.T, launcher child.Launcher, policy restart.Policy) (*restart.Controller, *supervisor.Supervisor, *countingNotifier) {
	t.Helper()

	sup, err := supervisor.New(supervisor.Config{
		Launcher:  launcher,
		Command:   "mock-server",
		StopGrace: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	notifier := &countingNotifier{}
	ctrl, err := restart.New(restart.Config{
		Supervisor: sup,
		Policy:     policy,
		Notifier:   notifier,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctrl.Close()
		_ = sup.Kill(context.Background())
	})
	return ctrl, sup, notifier
}

func manualPolicy() restart.Policy {
	return restart.Policy{Timeout: 5 * time.Second}
}

func toolServer(names ...string) mcptesting.ServerConfig {
	cfg := mcptesting.ServerConfig{}
	for _, n := range names {
		cfg.Tools = append(cfg.Tools, mcp.NewTool(n))
	}
	return cfg
}

func TestNew_RequiresSupervisor(t *testing.T) {
	_, err := restart.New(restart.Config{})
	assert.Error(t, err)
}

func TestController_InitialDoesNotNotify(t *testing.T) {
	launcher := mcptesting.NewMockLauncher(toolServer("alpha"))
	ctrl, sup, notifier := setup(t, launcher, manualPolicy())

	gen, err := ctrl.Initial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen.ID)
	assert.Same(t, gen, sup.Current())
	assert.Equal(t, restart.StateIdle, ctrl.State())
	assert.Zero(t, notifier.calls.Load())
}

func TestController_InitialFailure(t *testing.T) {
	launcher := mcptesting.NewMockLauncher(toolServer())
	launcher.FailNext(errors.New("exec: not found"))
	ctrl, _, _ := setup(t, launcher, manualPolicy())

	_, err := ctrl.Initial(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, proxymcp.ErrChildSpawnFailure)
	assert.Equal(t, restart.StateFailed, ctrl.State())
}

func TestController_RestartReplacesChildAndNotifiesOnce(t *testing.T) {
	launcher := mcptesting.NewMockLauncherFunc(func(n int) mcptesting.ServerConfig {
		if n == 1 {
			return toolServer("alpha")
		}
		return toolServer("alpha", "beta")
	})
	ctrl, sup, notifier := setup(t, launcher, manualPolicy())

	_, err := ctrl.Initial(context.Background())
	require.NoError(t, err)

	res, err := ctrl.Restart(context.Background(), restart.Request{Reason: "code changed"})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), res.Generation)
	assert.Equal(t, []string{"alpha", "beta"}, res.Tools)
	assert.Equal(t, restart.TriggerManual, res.Trigger)
	assert.False(t, res.Forced)
	assert.Equal(t, int32(1), notifier.calls.Load())
	assert.Equal(t, restart.StateIdle, ctrl.State())
	assert.Equal(t, uint64(2), sup.Current().ID)
	assert.True(t, launcher.Conn(0).Terminated())
}

func TestController_ForceRestart(t *testing.T) {
	launcher := mcptesting.NewMockLauncher(toolServer())
	ctrl, _, notifier := setup(t, launcher, manualPolicy())

	_, err := ctrl.Initial(context.Background())
	require.NoError(t, err)

	res, err := ctrl.Restart(context.Background(), restart.Request{Force: true})
	require.NoError(t, err)
	assert.True(t, res.Forced)
	assert.Empty(t, res.Tools)
	assert.Equal(t, 2, launcher.Launches())
	assert.True(t, launcher.Conn(0).Terminated())
	assert.Equal(t, int32(1), notifier.calls.Load())
}

func TestController_ConcurrentRestartConflicts(t *testing.T) {
	mock := mcptesting.NewMockLauncher(toolServer("alpha"))
	gate := make(chan struct{})
	var launches atomic.Int32
	launcher := child.LauncherFunc(func(ctx context.Context) (child.Conn, error) {
		if launches.Add(1) == 2 {
			<-gate
		}
		return mock.Launch(ctx)
	})

	ctrl, sup, notifier := setup(t, launcher, manualPolicy())
	_, err := ctrl.Initial(context.Background())
	require.NoError(t, err)

	type outcome struct {
		res *restart.Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := ctrl.Restart(context.Background(), restart.Request{})
		first <- outcome{res, err}
	}()

	require.Eventually(t, func() bool { return launches.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, restart.StateInProgress, ctrl.State())

	_, err = ctrl.Restart(context.Background(), restart.Request{Force: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, proxymcp.ErrRestartConflict)

	close(gate)

	select {
	case out := <-first:
		require.NoError(t, out.err, "the running restart is not affected by the rejected one")
		assert.Equal(t, uint64(2), out.res.Generation)
	case <-time.After(5 * time.Second):
		t.Fatal("first restart did not finish")
	}

	assert.Equal(t, int32(2), launches.Load())
	assert.Equal(t, uint64(2), sup.Current().ID)
	assert.Equal(t, int32(1), notifier.calls.Load())
}

func TestController_RestartTimeout(t *testing.T) {
	launcher := mcptesting.NewMockLauncherFunc(func(n int) mcptesting.ServerConfig {
		if n == 1 {
			return toolServer()
		}
		return mcptesting.ServerConfig{HangInitialize: true}
	})
	ctrl, sup, notifier := setup(t, launcher, restart.Policy{Timeout: 100 * time.Millisecond})

	_, err := ctrl.Initial(context.Background())
	require.NoError(t, err)

	_, err = ctrl.Restart(context.Background(), restart.Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, proxymcp.ErrRestartTimeout)
	assert.Equal(t, restart.StateFailed, ctrl.State())
	assert.Nil(t, sup.Current(), "a timed out restart leaves the supervisor disconnected")
	assert.Equal(t, child.StatusDisconnected, sup.Status())
	assert.Zero(t, notifier.calls.Load())
}

func TestController_CrashSchedulesAutoRestart(t *testing.T) {
	launcher := mcptesting.NewMockLauncher(toolServer("alpha"))
	ctrl, sup, notifier := setup(t, launcher, restart.Policy{
		AutoRestart: true,
		MaxRestarts: 2,
		Delay:       20 * time.Millisecond,
		Timeout:     5 * time.Second,
	})

	_, err := ctrl.Initial(context.Background())
	require.NoError(t, err)

	launcher.Last().Crash(errors.New("exit status 1"))

	require.Eventually(t, func() bool {
		gen := sup.Current()
		return gen != nil && gen.ID == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return notifier.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, restart.StateIdle, ctrl.State())
	assert.Equal(t, 1, ctrl.Status().RecentAttempts)
}

func TestController_MaxRestartsOneThenUnavailable(t *testing.T) {
	launcher := mcptesting.NewMockLauncherFunc(func(n int) mcptesting.ServerConfig {
		if n == 1 {
			return toolServer("alpha")
		}
		return mcptesting.ServerConfig{FailInitialize: true}
	})
	ctrl, sup, notifier := setup(t, launcher, restart.Policy{
		AutoRestart: true,
		MaxRestarts: 1,
		Delay:       20 * time.Millisecond,
		Timeout:     5 * time.Second,
	})

	_, err := ctrl.Initial(context.Background())
	require.NoError(t, err)

	launcher.Last().Crash(errors.New("exit status 1"))

	require.Eventually(t, func() bool {
		return ctrl.State() == restart.StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	// no further attempts once the limit is reached
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, launcher.Launches())
	assert.Nil(t, sup.Current())
	assert.Zero(t, notifier.calls.Load())
	assert.False(t, ctrl.Status().Pending)
	assert.Error(t, ctrl.Status().LastError)
}

func TestController_ManualRestartRecoversFromFailed(t *testing.T) {
	var fail atomic.Bool
	launcher := mcptesting.NewMockLauncherFunc(func(n int) mcptesting.ServerConfig {
		if fail.Load() {
			return mcptesting.ServerConfig{FailInitialize: true}
		}
		return toolServer("alpha")
	})
	ctrl, sup, _ := setup(t, launcher, restart.Policy{Timeout: 5 * time.Second})

	_, err := ctrl.Initial(context.Background())
	require.NoError(t, err)

	fail.Store(true)
	_, err = ctrl.Restart(context.Background(), restart.Request{})
	require.Error(t, err)
	assert.Equal(t, restart.StateFailed, ctrl.State())
	assert.Nil(t, sup.Current())

	fail.Store(false)
	res, err := ctrl.Restart(context.Background(), restart.Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, res.Tools)
	assert.Equal(t, restart.StateIdle, ctrl.State())
	assert.NoError(t, ctrl.Status().LastError)
}

func TestController_AutoRestartDisabled(t *testing.T) {
	launcher := mcptesting.NewMockLauncher(toolServer())
	ctrl, sup, _ := setup(t, launcher, restart.Policy{AutoRestart: false, MaxRestarts: 3})

	_, err := ctrl.Initial(context.Background())
	require.NoError(t, err)

	launcher.Last().Crash(nil)

	require.Eventually(t, func() bool {
		return ctrl.State() == restart.StateFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, sup.Current())
	assert.Equal(t, 1, launcher.Launches())
}

func TestController_ManualRestartCancelsPendingAutoRestart(t *testing.T) {
	launcher := mcptesting.NewMockLauncher(toolServer())
	ctrl, _, _ := setup(t, launcher, restart.Policy{
		AutoRestart: true,
		MaxRestarts: 3,
		Delay:       time.Hour,
		Timeout:     5 * time.Second,
	})

	_, err := ctrl.Initial(context.Background())
	require.NoError(t, err)

	launcher.Last().Crash(nil)
	require.Eventually(t, func() bool { return ctrl.Status().Pending }, 2*time.Second, 5*time.Millisecond)

	_, err = ctrl.Restart(context.Background(), restart.Request{})
	require.NoError(t, err)
	assert.False(t, ctrl.Status().Pending)
	assert.Equal(t, 2, launcher.Launches())
}

func TestController_CloseIgnoresLaterExits(t *testing.T) {
	launcher := mcptesting.NewMockLauncher(toolServer())
	ctrl, _, _ := setup(t, launcher, restart.Policy{
		AutoRestart: true,
		MaxRestarts: 3,
		Delay:       10 * time.Millisecond,
	})

	_, err := ctrl.Initial(context.Background())
	require.NoError(t, err)

	ctrl.Close()
	launcher.Last().Crash(nil)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, launcher.Launches())

	_, err = ctrl.Restart(context.Background(), restart.Request{})
	assert.ErrorIs(t, err, proxymcp.ErrChildUnavailable)
}

func TestController_ExitDuringInitialIsApplied(t *testing.T) {
	sup := &flakySupervisor{exitOn: func(n int32) bool { return n == 1 }}
	ctrl, err := restart.New(restart.Config{
		Supervisor: sup,
		Policy: restart.Policy{
			AutoRestart: true,
			MaxRestarts: 3,
			Delay:       10 * time.Millisecond,
			Timeout:     5 * time.Second,
		},
	})
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)

	_, err = ctrl.Initial(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sup.starts.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ctrl.State() == restart.StateIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ctrl.Status().RecentAttempts)
}

func TestController_ExitDuringRestartIsApplied(t *testing.T) {
	sup := &flakySupervisor{exitOn: func(n int32) bool { return n == 2 }}
	ctrl, err := restart.New(restart.Config{
		Supervisor: sup,
		Policy: restart.Policy{
			AutoRestart: true,
			MaxRestarts: 3,
			Delay:       10 * time.Millisecond,
			Timeout:     5 * time.Second,
		},
	})
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)

	_, err = ctrl.Initial(context.Background())
	require.NoError(t, err)

	res, err := ctrl.Restart(context.Background(), restart.Request{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Generation)

	// the published child died, so an automatic restart follows
	require.Eventually(t, func() bool { return sup.starts.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestController_ExitDuringRestartWithoutAutoRestartFails(t *testing.T) {
	sup := &flakySupervisor{exitOn: func(n int32) bool { return n == 2 }}
	ctrl, err := restart.New(restart.Config{
		Supervisor: sup,
		Policy:     restart.Policy{Timeout: 5 * time.Second},
	})
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)

	_, err = ctrl.Initial(context.Background())
	require.NoError(t, err)
	_, err = ctrl.Restart(context.Background(), restart.Request{})
	require.NoError(t, err)

	assert.Equal(t, restart.StateFailed, ctrl.State())
	assert.ErrorIs(t, ctrl.Status().LastError, proxymcp.ErrChildUnavailable)
	assert.Equal(t, int32(2), sup.starts.Load())
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		base     time.Duration
		attempts int
		want     time.Duration
	}{
		{time.Second, 0, time.Second},
		{time.Second, 1, 2 * time.Second},
		{time.Second, 3, 8 * time.Second},
		{time.Second, 5, 30 * time.Second},
		{time.Second, 40, 30 * time.Second},
		{time.Minute, 2, time.Minute},
		{0, 4, 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, restart.Backoff(tt.base, tt.attempts), "base=%s attempts=%d", tt.base, tt.attempts)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", restart.StateIdle.String())
	assert.Equal(t, "in_progress", restart.StateInProgress.String())
	assert.Equal(t, "failed", restart.StateFailed.String())
}
