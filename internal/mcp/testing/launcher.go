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

package testing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/mcpreload/internal/mcp/child"
)

// MockLauncher implements child.Launcher with fake in-process children.
type MockLauncher struct {
	mu        sync.Mutex
	configFn  func(launch int) ServerConfig
	failures  []error
	conns     []*Conn
	launched  chan *Conn
	nextPID   int
	launchErr error
}

// NewMockLauncher creates a launcher whose children all use cfg.
func NewMockLauncher(cfg ServerConfig) *MockLauncher {
	return NewMockLauncherFunc(func(int) ServerConfig { return cfg })
}

// NewMockLauncherFunc creates a launcher that asks fn for the configuration
// of each child. launch counts from 1.
func NewMockLauncherFunc(fn func(launch int) ServerConfig) *MockLauncher {
	return &MockLauncher{
		configFn: fn,
		launched: make(chan *Conn, 64),
		nextPID:  10000,
	}
}

// Launch implements child.Launcher.
func (l *MockLauncher) Launch(ctx context.Context) (child.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if len(l.failures) > 0 {
		err := l.failures[0]
		l.failures = l.failures[1:]
		l.mu.Unlock()
		return nil, err
	}
	if l.launchErr != nil {
		err := l.launchErr
		l.mu.Unlock()
		return nil, err
	}
	l.nextPID++
	n := len(l.conns) + 1
	pid := l.nextPID
	l.mu.Unlock()

	conn := NewConn(pid, l.configFn(n))

	l.mu.Lock()
	l.conns = append(l.conns, conn)
	l.mu.Unlock()

	select {
	case l.launched <- conn:
	default:
	}
	return conn, nil
}

// FailNext makes the next launch fail with err.
func (l *MockLauncher) FailNext(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, err)
}

// FailAll makes every launch fail with err until cleared with nil.
func (l *MockLauncher) FailAll(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launchErr = err
}

// Launches returns the number of children started successfully.
func (l *MockLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// Conn returns the i-th child started (0-based).
func (l *MockLauncher) Conn(i int) *Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.conns) {
		return nil
	}
	return l.conns[i]
}

// Last returns the most recently started child.
func (l *MockLauncher) Last() *Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.conns) == 0 {
		return nil
	}
	return l.conns[len(l.conns)-1]
}

// WaitLaunch waits for the next child to start.
func (l *MockLauncher) WaitLaunch(timeout time.Duration) (*Conn, error) {
	select {
	case conn := <-l.launched:
		return conn, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no launch within %s", timeout)
	}
}
