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

package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proxymcp "github.com/tombee/mcpreload/internal/mcp"
)

type fakeQuerier struct {
	results map[string][]string
	errs    map[string]error
	calls   []string
}

func (f *fakeQuerier) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	cursor := ""
	if p, ok := params.(map[string]any); ok {
		cursor, _ = p["cursor"].(string)
	}
	f.calls = append(f.calls, method+"|"+cursor)

	if err, ok := f.errs[method]; ok {
		return nil, err
	}

	key := method
	if cursor != "" {
		key = method + "|" + cursor
	}
	pages, ok := f.results[key]
	if !ok {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(pages[0]), nil
}

func TestCapture_ToolsOnly(t *testing.T) {
	q := &fakeQuerier{
		results: map[string][]string{
			"tools/list": {`{"tools":[{"name":"echo","inputSchema":{"type":"object"},"x-extra":1}]}`},
		},
	}

	snap, err := Capture(context.Background(), q, mcp.ServerCapabilities{}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"echo"}, snap.ToolNames())
	assert.True(t, snap.HasTool("echo"))
	assert.JSONEq(t, `{"name":"echo","inputSchema":{"type":"object"},"x-extra":1}`, string(snap.Tools[0]))
	assert.Empty(t, snap.Degraded)
	// resources and prompts are not advertised, so they are not queried
	assert.Equal(t, []string{"tools/list|"}, q.calls)
}

func TestCapture_Pagination(t *testing.T) {
	q := &fakeQuerier{
		results: map[string][]string{
			"tools/list":               {`{"tools":[{"name":"a"}],"nextCursor":"p2"}`},
			"tools/list|p2":            {`{"tools":[{"name":"b"}],"nextCursor":"p3"}`},
			"tools/list|p3":            {`{"tools":[{"name":"c"}]}`},
			"prompts/list":             {`{"prompts":[{"name":"greet"}]}`},
			"resources/list":           {`{"resources":[{"uri":"file:///a","name":"a"}]}`},
			"resources/templates/list": {`{"resourceTemplates":[]}`},
		},
	}

	caps := mcp.ServerCapabilities{}
	caps.Prompts = &struct {
		ListChanged bool `json:"listChanged,omitempty"`
	}{}
	caps.Resources = &struct {
		Subscribe   bool `json:"subscribe,omitempty"`
		ListChanged bool `json:"listChanged,omitempty"`
	}{}

	snap, err := Capture(context.Background(), q, caps, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, snap.ToolNames())
	assert.Equal(t, 1, snap.Count(CategoryPrompts))
	assert.Equal(t, 1, snap.Count(CategoryResources))
	assert.Equal(t, 0, snap.Count(CategoryResourceTemplates))
}

func TestCapture_MethodNotFoundDegrades(t *testing.T) {
	q := &fakeQuerier{
		errs: map[string]error{
			"tools/list":   fmt.Errorf("%w: tools not supported", mcp.ErrMethodNotFound),
			"prompts/list": mcp.ErrMethodNotFound,
		},
	}

	caps := mcp.ServerCapabilities{}
	caps.Prompts = &struct {
		ListChanged bool `json:"listChanged,omitempty"`
	}{}

	snap, err := Capture(context.Background(), q, caps, nil)
	require.NoError(t, err)

	assert.NotNil(t, snap.Tools)
	assert.Empty(t, snap.Tools)
	assert.True(t, snap.IsDegraded(CategoryTools))
	assert.True(t, snap.IsDegraded(CategoryPrompts))
	assert.False(t, snap.IsDegraded(CategoryResources))
}

func TestCapture_OtherErrorIsFatal(t *testing.T) {
	q := &fakeQuerier{
		errs: map[string]error{
			"tools/list": errors.New("boom"),
		},
	}

	snap, err := Capture(context.Background(), q, mcp.ServerCapabilities{}, nil)
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.True(t, proxymcp.HasCode(err, proxymcp.ErrorCodeCapabilityFatal))
	assert.ErrorIs(t, err, proxymcp.ErrCapabilityFatal)
}

func TestCapture_RepeatedCursorStops(t *testing.T) {
	q := &fakeQuerier{
		results: map[string][]string{
			"tools/list":      {`{"tools":[{"name":"a"}],"nextCursor":"same"}`},
			"tools/list|same": {`{"tools":[{"name":"b"}],"nextCursor":"same"}`},
		},
	}

	snap, err := Capture(context.Background(), q, mcp.ServerCapabilities{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, snap.ToolNames())
}

func TestMergeTools(t *testing.T) {
	q := &fakeQuerier{
		results: map[string][]string{
			"tools/list": {`{"tools":[{"name":"echo"},{"name":"restart_server"}]}`},
		},
	}
	snap, err := Capture(context.Background(), q, mcp.ServerCapabilities{}, nil)
	require.NoError(t, err)

	restart := mcp.NewTool("restart_server", mcp.WithDescription("restart"))
	merged, err := MergeTools(snap, []mcp.Tool{restart}, nil)
	require.NoError(t, err)
	require.Len(t, merged, 2)

	names, err := descriptorNames(merged)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "restart_server"}, names)
}

func TestMergeTools_NilSnapshot(t *testing.T) {
	restart := mcp.NewTool("restart_server")
	merged, err := MergeTools(nil, []mcp.Tool{restart}, nil)
	require.NoError(t, err)
	require.Len(t, merged, 1)
}
