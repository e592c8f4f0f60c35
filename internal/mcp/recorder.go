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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Direction identifies which hop of the proxy a message crossed.
type Direction string

const (
	// DirectionFromUpstream is a message read from the upstream client.
	DirectionFromUpstream Direction = "upstream_to_proxy"
	// DirectionToUpstream is a message written to the upstream client.
	DirectionToUpstream Direction = "proxy_to_upstream"
	// DirectionToChild is a message written to the child server.
	DirectionToChild Direction = "proxy_to_child"
	// DirectionFromChild is a message read from the child server.
	DirectionFromChild Direction = "child_to_proxy"
)

// RecordedMessage is one line of the protocol log.
type RecordedMessage struct {
	Time       time.Time       `json:"time"`
	Session    string          `json:"session"`
	Direction  Direction       `json:"direction"`
	Generation uint64          `json:"generation,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Raw        string          `json:"raw,omitempty"`
}

// Recorder appends every JSON-RPC message crossing the proxy to a JSON lines
// log. A nil *Recorder records nothing.
type Recorder struct {
	mu      sync.Mutex
	writer  io.Writer
	closer  io.Closer
	session string
	masker  *SecretMasker
}

// NewRecorder creates a recorder writing to w.
func NewRecorder(w io.Writer, session string) *Recorder {
	if w == nil {
		w = io.Discard
	}
	return &Recorder{writer: w, session: session}
}

// OpenRecorder creates a recorder appending to the file at path.
func OpenRecorder(path, session string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open protocol log: %w", err)
	}
	r := NewRecorder(f, session)
	r.closer = f
	return r, nil
}

// SetMasker makes the recorder redact secret values. Call it before the
// recorder is used.
func (r *Recorder) SetMasker(m *SecretMasker) {
	if r == nil {
		return
	}
	r.masker = m
}

// Record writes one framed message. Lines that are not valid JSON are kept
// verbatim in the raw field.
func (r *Recorder) Record(dir Direction, generation uint64, line []byte) {
	if r == nil {
		return
	}

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	line = r.masker.MaskBytes(line)

	entry := RecordedMessage{
		Time:       time.Now().UTC(),
		Session:    r.session,
		Direction:  dir,
		Generation: generation,
	}
	if json.Valid(line) {
		entry.Message = append(json.RawMessage(nil), line...)
	} else {
		entry.Raw = string(line)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = r.writer.Write(data)
}

// Close closes the underlying file, if the recorder owns one.
func (r *Recorder) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closer.Close()
}

// WrapReader returns a reader that records every complete line read through
// it. A nil recorder returns src unchanged.
func (r *Recorder) WrapReader(src io.Reader, dir Direction, generation uint64) io.Reader {
	if r == nil {
		return src
	}
	return &recordingReader{src: src, rec: r, dir: dir, generation: generation}
}

// WrapWriter returns a writer that records every line written through it. A
// nil recorder returns dst unchanged.
func (r *Recorder) WrapWriter(dst io.WriteCloser, dir Direction, generation uint64) io.WriteCloser {
	if r == nil {
		return dst
	}
	return &recordingWriter{dst: dst, rec: r, dir: dir, generation: generation}
}

type recordingReader struct {
	src        io.Reader
	rec        *Recorder
	dir        Direction
	generation uint64
	partial    []byte
}

func (rr *recordingReader) Read(p []byte) (int, error) {
	n, err := rr.src.Read(p)
	if n > 0 {
		rr.partial = append(rr.partial, p[:n]...)
		for {
			idx := bytes.IndexByte(rr.partial, '\n')
			if idx < 0 {
				break
			}
			rr.rec.Record(rr.dir, rr.generation, rr.partial[:idx])
			rr.partial = rr.partial[idx+1:]
		}
	}
	return n, err
}

type recordingWriter struct {
	dst        io.WriteCloser
	rec        *Recorder
	dir        Direction
	generation uint64
}

func (rw *recordingWriter) Write(p []byte) (int, error) {
	n, err := rw.dst.Write(p)
	if n > 0 {
		for _, line := range bytes.Split(p[:n], []byte{'\n'}) {
			rw.rec.Record(rw.dir, rw.generation, line)
		}
	}
	return n, err
}

func (rw *recordingWriter) Close() error {
	return rw.dst.Close()
}
