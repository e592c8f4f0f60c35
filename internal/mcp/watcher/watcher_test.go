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

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proxymcp "github.com/tombee/mcpreload/internal/mcp"
	"github.com/tombee/mcpreload/internal/mcp/restart"
)

type fakeRestarter struct {
	mu       sync.Mutex
	requests []restart.Request
	errs     []error
	calls    chan restart.Request
}

func newFakeRestarter(errs ...error) *fakeRestarter {
	return &fakeRestarter{errs: errs, calls: make(chan restart.Request, 16)}
}

func (f *fakeRestarter) Restart(_ context.Context, req restart.Request) (*restart.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.mu.Unlock()

	f.calls <- req
	if err != nil {
		return nil, err
	}
	return &restart.Result{}, nil
}

func (f *fakeRestarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func startWatcher(t *testing.T, cfg Config) *Watcher {
	t.Helper()
	w, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func waitRestart(t *testing.T, f *fakeRestarter) restart.Request {
	t.Helper()
	select {
	case req := <-f.calls:
		return req
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for restart")
		return restart.Request{}
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Restarter: newFakeRestarter()})
	assert.Error(t, err)

	_, err = New(Config{Paths: []string{t.TempDir()}})
	assert.Error(t, err)

	_, err = New(Config{Paths: []string{t.TempDir()}, Restarter: newFakeRestarter(), Include: []string{"[invalid"}})
	assert.Error(t, err)
}

func TestStart_MissingPath(t *testing.T) {
	w, err := New(Config{
		Paths:     []string{filepath.Join(t.TempDir(), "missing")},
		Restarter: newFakeRestarter(),
	})
	require.NoError(t, err)
	defer w.Close()

	assert.Error(t, w.Start())
}

func TestWatcher_RestartsOnChange(t *testing.T) {
	dir := t.TempDir()
	f := newFakeRestarter()
	startWatcher(t, Config{Paths: []string{dir}, Restarter: f, Debounce: 50 * time.Millisecond})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.py"), []byte("print()"), 0o644))

	req := waitRestart(t, f)
	assert.Equal(t, restart.TriggerWatch, req.Trigger)
	assert.Contains(t, req.Reason, "server.py")
	assert.False(t, req.Force)
}

func TestWatcher_DebouncesBurst(t *testing.T) {
	dir := t.TempDir()
	f := newFakeRestarter()
	startWatcher(t, Config{Paths: []string{dir}, Restarter: f, Debounce: 200 * time.Millisecond})

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte{byte(i)}, 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	waitRestart(t, f)
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, f.count())
}

func TestWatcher_IgnoresExcludedFiles(t *testing.T) {
	dir := t.TempDir()
	f := newFakeRestarter()
	startWatcher(t, Config{Paths: []string{dir}, Restarter: f, Debounce: 50 * time.Millisecond})

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".main.go.swp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "debug.log"), []byte("x"), 0o644))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, f.count())
}

func TestWatcher_IncludeLimitsRestarts(t *testing.T) {
	dir := t.TempDir()
	f := newFakeRestarter()
	startWatcher(t, Config{
		Paths:     []string{dir},
		Include:   []string{"*.py"},
		Restarter: f,
		Debounce:  50 * time.Millisecond,
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, f.count())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "tools.py"), []byte("x"), 0o644))
	req := waitRestart(t, f)
	assert.Contains(t, req.Reason, "tools.py")
}

func TestWatcher_WatchesNewDirectories(t *testing.T) {
	dir := t.TempDir()
	f := newFakeRestarter()
	startWatcher(t, Config{Paths: []string{dir}, Restarter: f, Debounce: 50 * time.Millisecond})

	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// Give the watcher time to add the new directory.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "handler.ts"), []byte("x"), 0o644))

	req := waitRestart(t, f)
	assert.Contains(t, req.Reason, "handler.ts")
}

func TestWatcher_RetriesAfterConflict(t *testing.T) {
	dir := t.TempDir()
	f := newFakeRestarter(proxymcp.RestartConflict())
	startWatcher(t, Config{Paths: []string{dir}, Restarter: f, Debounce: 50 * time.Millisecond, MinInterval: time.Millisecond})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("x"), 0o644))

	waitRestart(t, f)
	waitRestart(t, f)
	assert.Equal(t, 2, f.count())
}

func TestWatcher_RateLimitsRestarts(t *testing.T) {
	dir := t.TempDir()
	f := newFakeRestarter()
	startWatcher(t, Config{
		Paths:       []string{dir},
		Restarter:   f,
		Debounce:    20 * time.Millisecond,
		MinInterval: 500 * time.Millisecond,
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("1"), 0o644))
	first := waitRestart(t, f)
	start := time.Now()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("2"), 0o644))
	waitRestart(t, f)

	assert.Contains(t, first.Reason, "a.go")
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestWatcher_CloseCancelsPendingRestart(t *testing.T) {
	dir := t.TempDir()
	f := newFakeRestarter()
	w, err := New(Config{Paths: []string{dir}, Restarter: f, Debounce: 200 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.rs"), []byte("x"), 0o644))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, w.Close())

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 0, f.count())
}

func TestFilter(t *testing.T) {
	f, err := NewFilter([]string{"**/*.py", "*.toml"}, DefaultExclude())
	require.NoError(t, err)

	tests := []struct {
		path string
		want bool
	}{
		{"/src/app/server.py", true},
		{"/src/pyproject.toml", true},
		{"/src/README.md", false},
		{"/src/app/.server.py.swp", false},
		{"/src/.git/objects/ab.py", false},
		{"/src/node_modules/pkg/index.py", false},
		{"/src/app/server.py~", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Allow(tt.path))
		})
	}
}

func TestFilter_EmptyIncludeAcceptsAll(t *testing.T) {
	f, err := NewFilter(nil, []string{"*.tmp"})
	require.NoError(t, err)

	assert.True(t, f.Allow("/a/b/main.go"))
	assert.False(t, f.Allow("/a/b/build.tmp"))
}
