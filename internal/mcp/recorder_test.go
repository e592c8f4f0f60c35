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
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func readRecords(t *testing.T, data []byte) []RecordedMessage {
	t.Helper()
	var out []RecordedMessage
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var m RecordedMessage
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		out = append(out, m)
	}
	return out
}

func TestRecorder_WrapReader(t *testing.T) {
	var log bytes.Buffer
	rec := NewRecorder(&log, "s1")

	src := strings.NewReader("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\nnot json\n{\"partial\":")
	data, err := io.ReadAll(rec.WrapReader(src, DirectionFromUpstream, 0))
	require.NoError(t, err)
	assert.Contains(t, string(data), "not json")

	records := readRecords(t, log.Bytes())
	require.Len(t, records, 2, "incomplete trailing line is not recorded")
	assert.Equal(t, "s1", records[0].Session)
	assert.Equal(t, DirectionFromUpstream, records[0].Direction)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, string(records[0].Message))
	assert.Equal(t, "not json", records[1].Raw)
}

func TestRecorder_WrapWriter(t *testing.T) {
	var log, dst bytes.Buffer
	rec := NewRecorder(&log, "s1")

	w := rec.WrapWriter(nopCloser{&dst}, DirectionToChild, 7)
	_, err := w.Write([]byte("{\"id\":2}\n"))
	require.NoError(t, err)

	assert.Equal(t, "{\"id\":2}\n", dst.String())
	records := readRecords(t, log.Bytes())
	require.Len(t, records, 1)
	assert.Equal(t, DirectionToChild, records[0].Direction)
	assert.Equal(t, uint64(7), records[0].Generation)
}

func TestRecorder_Nil(t *testing.T) {
	var rec *Recorder
	src := strings.NewReader("x")
	dst := nopCloser{io.Discard}

	assert.Same(t, src, rec.WrapReader(src, DirectionFromChild, 1))
	assert.Equal(t, io.WriteCloser(dst), rec.WrapWriter(dst, DirectionToUpstream, 1))
	assert.NotPanics(t, func() { rec.Record(DirectionFromChild, 1, []byte("{}")) })
	assert.NoError(t, rec.Close())
}

func TestOpenRecorder_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protocol.jsonl")

	for i := 0; i < 2; i++ {
		rec, err := OpenRecorder(path, "s")
		require.NoError(t, err)
		rec.Record(DirectionFromChild, 1, []byte(`{"id":1}`))
		require.NoError(t, rec.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, readRecords(t, data), 2)
}

func TestSyncWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewSyncWriter(&buf)

	_, err := w.Write([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("b"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, "a", buf.String())
}

func TestEOFReader(t *testing.T) {
	r := NewEOFReader(strings.NewReader("hello"))

	select {
	case <-r.Done():
		t.Fatal("done before any read")
	default:
	}

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	<-r.Done()
	assert.ErrorIs(t, r.Err(), io.EOF)
}
