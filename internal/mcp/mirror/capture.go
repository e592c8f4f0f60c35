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
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	proxymcp "github.com/tombee/mcpreload/internal/mcp"
)

// maxPages stops a child that keeps returning the same cursor from looping
// forever.
const maxPages = 1000

// Querier issues a request to the child and returns its raw result. JSON-RPC
// error responses must be returned as errors matching the mcp-go sentinels.
type Querier interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

type listQuery struct {
	category Category
	method   mcp.MCPMethod
	field    string
}

var (
	toolsQuery     = listQuery{CategoryTools, mcp.MethodToolsList, "tools"}
	resourcesQuery = listQuery{CategoryResources, mcp.MethodResourcesList, "resources"}
	templatesQuery = listQuery{CategoryResourceTemplates, mcp.MethodResourcesTemplatesList, "resourceTemplates"}
	promptsQuery   = listQuery{CategoryPrompts, mcp.MethodPromptsList, "prompts"}
)

// Capture queries the child for its tools, and for resources, resource
// templates and prompts when the child advertises them. A category whose
// listing method is not found is recorded as degraded and left empty. Any
// other failure aborts the capture with a CapabilityQueryFatal error.
func Capture(ctx context.Context, q Querier, caps mcp.ServerCapabilities, logger *slog.Logger) (*Snapshot, error) {
	if logger == nil {
		logger = slog.Default()
	}

	snap := &Snapshot{FetchedAt: time.Now()}

	queries := []struct {
		query  listQuery
		target *[]json.RawMessage
		enable bool
	}{
		{toolsQuery, &snap.Tools, true},
		{resourcesQuery, &snap.Resources, caps.Resources != nil},
		{templatesQuery, &snap.ResourceTemplates, caps.Resources != nil},
		{promptsQuery, &snap.Prompts, caps.Prompts != nil},
	}

	for _, item := range queries {
		if !item.enable {
			continue
		}

		items, err := listAll(ctx, q, item.query)
		if err != nil {
			if errors.Is(err, mcp.ErrMethodNotFound) {
				degraded := proxymcp.CapabilityDegraded(string(item.query.method), err)
				logger.Info("child does not support capability listing, treating as empty",
					"method", item.query.method,
					"error", degraded,
				)
				snap.Degraded = append(snap.Degraded, item.query.category)
				*item.target = []json.RawMessage{}
				continue
			}
			return nil, proxymcp.CapabilityFatal(string(item.query.method), err)
		}
		*item.target = items
	}

	if snap.Tools == nil {
		snap.Tools = []json.RawMessage{}
	}
	names, err := descriptorNames(snap.Tools)
	if err != nil {
		return nil, proxymcp.CapabilityFatal(string(mcp.MethodToolsList), err)
	}
	snap.toolNames = names

	return snap, nil
}

// listAll follows nextCursor until the child stops returning one.
func listAll(ctx context.Context, q Querier, query listQuery) ([]json.RawMessage, error) {
	items := []json.RawMessage{}
	cursor := ""

	for page := 0; page < maxPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}

		raw, err := q.Call(ctx, string(query.method), params)
		if err != nil {
			return nil, err
		}

		var result map[string]json.RawMessage
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", query.method, err)
		}

		if field, ok := result[query.field]; ok && string(field) != "null" {
			var pageItems []json.RawMessage
			if err := json.Unmarshal(field, &pageItems); err != nil {
				return nil, fmt.Errorf("decode %s.%s: %w", query.method, query.field, err)
			}
			items = append(items, pageItems...)
		}

		next := ""
		if rawCursor, ok := result["nextCursor"]; ok {
			_ = json.Unmarshal(rawCursor, &next)
		}
		if next == "" || next == cursor {
			return items, nil
		}
		cursor = next
	}

	return nil, fmt.Errorf("%s: too many pages", query.method)
}

func descriptorNames(items []json.RawMessage) ([]string, error) {
	names := make([]string, 0, len(items))
	for _, item := range items {
		var d struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(item, &d); err != nil {
			return nil, fmt.Errorf("decode descriptor: %w", err)
		}
		names = append(names, d.Name)
	}
	return names, nil
}

// MergeTools returns the child's tools followed by the synthetic tools. A
// child tool that has the same name as a synthetic tool is dropped, since
// calls with that name never reach the child.
func MergeTools(snap *Snapshot, synthetic []mcp.Tool, logger *slog.Logger) ([]json.RawMessage, error) {
	reserved := make(map[string]bool, len(synthetic))
	for _, t := range synthetic {
		reserved[t.Name] = true
	}

	var merged []json.RawMessage
	if snap != nil {
		merged = make([]json.RawMessage, 0, len(snap.Tools)+len(synthetic))
		for i, tool := range snap.Tools {
			if i < len(snap.toolNames) && reserved[snap.toolNames[i]] {
				if logger != nil {
					logger.Warn("child tool shadowed by proxy tool", "tool", snap.toolNames[i])
				}
				continue
			}
			merged = append(merged, tool)
		}
	}

	for _, t := range synthetic {
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode tool %s: %w", t.Name, err)
		}
		merged = append(merged, data)
	}

	return merged, nil
}
