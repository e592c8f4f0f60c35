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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// killWait bounds how long Terminate waits after SIGTERM before SIGKILL.
const killWait = 2 * time.Second

// ProcessConfig describes how to spawn the child server.
type ProcessConfig struct {
	// Command is the executable to run (required)
	Command string

	// Args are the command-line arguments
	Args []string

	// Env are KEY=VALUE pairs added to the proxy's own environment
	Env []string

	// Dir is the working directory (defaults to the proxy's)
	Dir string

	// Logger is used for structured logging (optional)
	Logger *slog.Logger
}

// ProcessLauncher spawns the child as an OS process.
type ProcessLauncher struct {
	config ProcessConfig
	logger *slog.Logger
}

// NewProcessLauncher creates a launcher for the given command.
func NewProcessLauncher(cfg ProcessConfig) (*ProcessLauncher, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessLauncher{config: cfg, logger: logger}, nil
}

// Launch starts a new child process. The process is not tied to ctx: ctx
// only aborts the launch itself.
func (l *ProcessLauncher) Launch(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(l.config.Command, l.config.Args...)
	cmd.Dir = l.config.Dir
	cmd.Env = append(os.Environ(), l.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	// Plain os.Pipe instead of StdoutPipe: cmd.Wait would close the read
	// ends while the transport may still be draining them.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	// The child holds its own copies of the write ends.
	closeAll(stdoutW, stderrW)

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
		logger: l.logger.With("pid", cmd.Process.Pid),
	}
	go p.wait()

	p.logger.Debug("child process started",
		"command", l.config.Command,
		"args", l.config.Args,
		"dir", l.config.Dir,
	)

	return p, nil
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File
	logger *slog.Logger

	done     chan struct{}
	exitErr  error
	stopOnce sync.Once
}

func (p *process) wait() {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.done)

	if err != nil {
		p.logger.Debug("child process exited", "error", err)
	} else {
		p.logger.Debug("child process exited", "code", 0)
	}
}

func (p *process) Reader() io.Reader      { return p.stdout }
func (p *process) Writer() io.WriteCloser { return p.stdin }
func (p *process) Stderr() io.Reader      { return p.stderr }
func (p *process) PID() int               { return p.cmd.Process.Pid }
func (p *process) Done() <-chan struct{}  { return p.done }

func (p *process) Err() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

func (p *process) Terminate(grace time.Duration) error {
	var termErr error

	p.stopOnce.Do(func() {
		// Well behaved stdio servers exit when their input closes.
		_ = p.stdin.Close()

		if grace > 0 && p.waitFor(grace) {
			return
		}

		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Debug("failed to send SIGTERM", "error", err)
		}
		if grace > 0 && p.waitFor(killWait) {
			return
		}

		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			termErr = fmt.Errorf("failed to kill child process: %w", err)
		}
	})

	<-p.done
	closeAll(p.stdout, p.stderr)
	return termErr
}

func (p *process) waitFor(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

func closeAll(closers ...io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
