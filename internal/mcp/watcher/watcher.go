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

// Package watcher restarts the child server when its source files change.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	proxymcp "github.com/tombee/mcpreload/internal/mcp"
	"github.com/tombee/mcpreload/internal/mcp/restart"
)

const (
	defaultDebounce    = 300 * time.Millisecond
	defaultMinInterval = time.Second
)

// Restarter is asked to restart the child after a change.
type Restarter interface {
	Restart(ctx context.Context, req restart.Request) (*restart.Result, error)
}

// Config configures a Watcher.
type Config struct {
	// Paths are files or directories to watch; directories are watched
	// recursively (required)
	Paths []string

	// Include limits restarts to matching files (optional)
	Include []string

	// Exclude ignores matching files (defaults to DefaultExclude)
	Exclude []string

	// Debounce is how long the tree must be quiet before restarting
	// (defaults to 300ms)
	Debounce time.Duration

	// MinInterval is the minimum time between two restarts (defaults to 1s)
	MinInterval time.Duration

	// Restarter performs the restart (required)
	Restarter Restarter

	// Logger is used for structured logging (optional)
	Logger *slog.Logger
}

// Watcher monitors source files and triggers a debounced restart.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	restarter Restarter
	filter    *Filter
	limiter   *rate.Limiter
	debounce  time.Duration
	paths     []string
	logger    *slog.Logger

	// mu protects timer and lastChange
	mu         sync.Mutex
	timer      *time.Timer
	lastChange string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watcher. Call Start to begin watching.
func New(cfg Config) (*Watcher, error) {
	if len(cfg.Paths) == 0 {
		return nil, fmt.Errorf("at least one path is required")
	}
	if cfg.Restarter == nil {
		return nil, fmt.Errorf("restarter is required")
	}

	exclude := cfg.Exclude
	if exclude == nil {
		exclude = DefaultExclude()
	}
	filter, err := NewFilter(cfg.Include, exclude)
	if err != nil {
		return nil, err
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	paths := make([]string, 0, len(cfg.Paths))
	for _, p := range cfg.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", p, err)
		}
		paths = append(paths, abs)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		fsWatcher: fsWatcher,
		restarter: cfg.Restarter,
		filter:    filter,
		limiter:   rate.NewLimiter(rate.Every(minInterval), 1),
		debounce:  debounce,
		paths:     paths,
		logger:    logger.With("component", "watcher"),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start adds the watches and begins processing events.
func (w *Watcher) Start() error {
	for _, p := range w.paths {
		if err := w.add(p); err != nil {
			return err
		}
	}

	w.wg.Add(1)
	go w.processEvents()

	w.logger.Info("watching for source changes", "paths", w.paths, "debounce", w.debounce)
	return nil
}

// add watches path, descending into directories.
func (w *Watcher) add(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to watch path %s: %w", path, err)
	}
	if !info.IsDir() {
		if err := w.fsWatcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch path %s: %w", path, err)
		}
		return nil
	}

	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories can disappear while walking.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != path && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsWatcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", p, err)
		}
		w.logger.Debug("watching directory", "path", p)
		return nil
	})
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if skipDir(filepath.Base(event.Name)) {
				return
			}
			if err := w.add(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}

	if !w.filter.Allow(event.Name) {
		w.logger.Debug("ignoring change", "path", event.Name)
		return
	}

	w.logger.Debug("source file changed", "path", event.Name, "op", event.Op.String())
	w.mu.Lock()
	w.lastChange = event.Name
	w.mu.Unlock()
	w.schedule(w.debounce)
}

// schedule (re)arms the restart timer.
func (w *Watcher) schedule(delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ctx.Err() != nil {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(delay, w.triggerRestart)
}

func (w *Watcher) triggerRestart() {
	if w.ctx.Err() != nil {
		return
	}

	r := w.limiter.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		w.logger.Debug("restart rate limited", "retry_in", delay)
		w.schedule(delay)
		return
	}

	w.mu.Lock()
	changed := w.lastChange
	w.timer = nil
	w.mu.Unlock()

	w.logger.Info("restarting child server after source change", "file", changed)
	_, err := w.restarter.Restart(w.ctx, restart.Request{
		Reason:  fmt.Sprintf("file changed: %s", changed),
		Trigger: restart.TriggerWatch,
	})
	switch {
	case err == nil:
	case proxymcp.HasCode(err, proxymcp.ErrorCodeRestartConflict):
		// The running restart may have missed this change.
		w.schedule(w.debounce)
	case w.ctx.Err() != nil:
	default:
		w.logger.Error("restart after source change failed", "error", err)
	}
}

// Close stops watching and cancels any pending restart.
func (w *Watcher) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	w.wg.Wait()
	return w.fsWatcher.Close()
}
