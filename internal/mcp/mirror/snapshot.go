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

// Package mirror caches the capabilities a child server advertises.
//
// A Snapshot is captured after every successful handshake and never modified
// afterwards. Descriptors are kept as raw JSON so fields the proxy does not
// know about reach the upstream client unchanged.
package mirror

import (
	"encoding/json"
	"slices"
	"time"
)

// Category is a list-able capability category.
type Category string

const (
	CategoryTools             Category = "tools"
	CategoryResources         Category = "resources"
	CategoryResourceTemplates Category = "resource_templates"
	CategoryPrompts           Category = "prompts"
)

// Snapshot is an immutable view of a child's capabilities.
type Snapshot struct {
	Tools             []json.RawMessage `json:"tools"`
	Resources         []json.RawMessage `json:"resources,omitempty"`
	ResourceTemplates []json.RawMessage `json:"resourceTemplates,omitempty"`
	Prompts           []json.RawMessage `json:"prompts,omitempty"`

	// Degraded lists categories the child does not implement. They are
	// reported as empty.
	Degraded []Category `json:"degraded,omitempty"`

	FetchedAt time.Time `json:"fetchedAt"`

	toolNames []string
}

// Empty returns a snapshot with no capabilities.
func Empty() *Snapshot {
	return &Snapshot{Tools: []json.RawMessage{}, FetchedAt: time.Now()}
}

// ToolNames returns the names of the child's tools in listing order.
func (s *Snapshot) ToolNames() []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.toolNames)
}

// HasTool reports whether the child advertises a tool with the given name.
func (s *Snapshot) HasTool(name string) bool {
	return s != nil && slices.Contains(s.toolNames, name)
}

// IsDegraded reports whether the category was unsupported by the child.
func (s *Snapshot) IsDegraded(c Category) bool {
	return s != nil && slices.Contains(s.Degraded, c)
}

// Count returns the number of descriptors cached for a category.
func (s *Snapshot) Count(c Category) int {
	if s == nil {
		return 0
	}
	switch c {
	case CategoryTools:
		return len(s.Tools)
	case CategoryResources:
		return len(s.Resources)
	case CategoryResourceTemplates:
		return len(s.ResourceTemplates)
	case CategoryPrompts:
		return len(s.Prompts)
	}
	return 0
}
