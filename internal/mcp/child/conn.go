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

// Package child spawns the proxied MCP server and manages the protocol
// connection to it.
package child

import (
	"context"
	"io"
	"time"
)

// Conn is a running child server as seen by the proxy: two protocol
// streams, an optional diagnostic stream and an exit signal.
type Conn interface {
	// Reader is the child's protocol output (its stdout).
	Reader() io.Reader

	// Writer is the child's protocol input (its stdin).
	Writer() io.WriteCloser

	// Stderr is the child's diagnostic output. It returns nil when the
	// launcher does not provide one. It must have exactly one reader.
	Stderr() io.Reader

	// PID identifies the child in logs. Zero when there is no OS process.
	PID() int

	// Done is closed once the child has exited.
	Done() <-chan struct{}

	// Err returns the exit error. Only meaningful after Done is closed.
	Err() error

	// Terminate stops the child: it closes stdin, waits up to grace for a
	// voluntary exit, then escalates. It blocks until the child has exited
	// and is safe to call more than once.
	Terminate(grace time.Duration) error
}

// Launcher starts child servers.
type Launcher interface {
	Launch(ctx context.Context) (Conn, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context) (Conn, error)

// Launch calls f(ctx).
func (f LauncherFunc) Launch(ctx context.Context) (Conn, error) {
	return f(ctx)
}
