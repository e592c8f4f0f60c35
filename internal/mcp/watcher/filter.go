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
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// skippedDirs are never descended into when adding watches.
var skippedDirs = []string{".git", ".hg", ".svn", "node_modules", ".venv", "venv", "__pycache__", ".mypy_cache", ".pytest_cache"}

// DefaultExclude returns editor swap files and other noise that should not
// restart the server.
func DefaultExclude() []string {
	return []string{
		"*.swp", "*.swo", "*.swx", ".*.sw?",
		"*~", "#*#", ".#*",
		".DS_Store", "Thumbs.db",
		"*.tmp", "*.temp", "*.log",
		"**/.git/**", "**/node_modules/**", "**/__pycache__/**",
		"*.pyc",
	}
}

// Filter decides which changed files trigger a restart. Patterns use
// doublestar syntax and are matched against the full path and the base name.
type Filter struct {
	include []string
	exclude []string
}

// NewFilter validates the patterns. An empty include list accepts every file
// that is not excluded.
func NewFilter(include, exclude []string) (*Filter, error) {
	for _, p := range include {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid include pattern %q", p)
		}
	}
	for _, p := range exclude {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
	}
	return &Filter{include: include, exclude: exclude}, nil
}

// Allow reports whether a change to path should trigger a restart.
func (f *Filter) Allow(path string) bool {
	if slices.ContainsFunc(f.exclude, func(p string) bool { return matches(p, path) }) {
		return false
	}
	if len(f.include) == 0 {
		return true
	}
	return slices.ContainsFunc(f.include, func(p string) bool { return matches(p, path) })
}

func matches(pattern, path string) bool {
	slashed := strings.TrimPrefix(filepath.ToSlash(path), "/")
	if ok, _ := doublestar.Match(pattern, slashed); ok {
		return true
	}
	ok, _ := doublestar.Match(pattern, filepath.Base(path))
	return ok
}

func skipDir(name string) bool {
	return slices.Contains(skippedDirs, name)
}
