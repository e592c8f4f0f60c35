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
	"io"
	"sync"
)

// SyncWriter serializes writes to an underlying writer. The mcp-go stdio
// transport writes from several goroutines without locking, so every stream
// handed to it is wrapped.
type SyncWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewSyncWriter wraps w.
func NewSyncWriter(w io.Writer) *SyncWriter {
	return &SyncWriter{w: w}
}

// Write writes p in full while holding the lock.
func (s *SyncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.w.Write(p)
}

// Close marks the writer closed and closes the underlying writer when it is
// an io.Closer. Safe to call more than once.
func (s *SyncWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// EOFReader wraps a reader and closes Done once the reader returns any
// error, usually io.EOF. The stdio transport does not report a closed input
// stream, so this is how the proxy learns the upstream client went away.
type EOFReader struct {
	r    io.Reader
	done chan struct{}
	once sync.Once
	err  error
}

// NewEOFReader wraps r.
func NewEOFReader(r io.Reader) *EOFReader {
	return &EOFReader{r: r, done: make(chan struct{})}
}

// Read implements io.Reader.
func (e *EOFReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil {
		e.once.Do(func() {
			e.err = err
			close(e.done)
		})
	}
	return n, err
}

// Done is closed after the first read error.
func (e *EOFReader) Done() <-chan struct{} {
	return e.done
}

// Err returns the error that closed Done. Only valid after Done is closed.
func (e *EOFReader) Err() error {
	<-e.done
	return e.err
}
