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

package mcp

import (
	"strings"
	"sync"
	"time"
)

// StderrLine is a single line written by a child server to its stderr.
type StderrLine struct {
	Timestamp  time.Time `json:"timestamp"`
	Generation uint64    `json:"generation"`
	Text       string    `json:"text"`
}

// RingBuffer is a fixed-size circular buffer of child stderr lines.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []StderrLine
	head    int
	tail    int
	size    int
	count   int
}

// NewRingBuffer creates a new ring buffer with the specified capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 100
	}
	return &RingBuffer{
		entries: make([]StderrLine, capacity),
		size:    capacity,
	}
}

// Add adds a line to the buffer, evicting the oldest when full.
func (rb *RingBuffer) Add(entry StderrLine) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.tail] = entry
	rb.tail = (rb.tail + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % rb.size
	}
}

// GetAll returns all entries in the buffer, oldest first.
func (rb *RingBuffer) GetAll() []StderrLine {
	return rb.GetLast(rb.size)
}

// GetLast returns the last n entries, oldest first.
func (rb *RingBuffer) GetLast(n int) []StderrLine {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n > rb.count {
		n = rb.count
	}

	result := make([]StderrLine, n)
	start := rb.count - n
	for i := 0; i < n; i++ {
		result[i] = rb.entries[(rb.head+start+i)%rb.size]
	}
	return result
}

// TailFor returns the last n lines written by the given generation, joined
// with newlines. It is empty when the generation wrote nothing.
func (rb *RingBuffer) TailFor(generation uint64, n int) string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var lines []string
	for i := rb.count - 1; i >= 0 && len(lines) < n; i-- {
		entry := rb.entries[(rb.head+i)%rb.size]
		if entry.Generation == generation {
			lines = append(lines, entry.Text)
		}
	}

	// collected newest first
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

// Count returns the number of entries in the buffer.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear removes all entries from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head = 0
	rb.tail = 0
	rb.count = 0
}
