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
	"cmp"
	"slices"
	"strings"
)

// Redacted replaces secret values in logs and the protocol log.
const Redacted = "[REDACTED]"

// minSecretLen keeps short values like "1" or "dev" from being masked
// everywhere they appear.
const minSecretLen = 4

// secretKeyParts mark environment variables that likely hold secrets.
var secretKeyParts = []string{"TOKEN", "SECRET", "PASSWORD", "PASSWD", "KEY", "CREDENTIAL", "AUTH"}

// IsSecretKey reports whether an environment variable name looks like it
// holds a secret.
func IsSecretKey(key string) bool {
	upper := strings.ToUpper(key)
	return slices.ContainsFunc(secretKeyParts, func(part string) bool {
		return strings.Contains(upper, part)
	})
}

// SecretMasker replaces known secret values with Redacted. A nil
// *SecretMasker masks nothing.
type SecretMasker struct {
	// secrets are kept longest first so a secret containing another is
	// masked whole.
	secrets []string
}

// NewSecretMasker collects the values of secret-looking variables from
// KEY=VALUE pairs. It returns nil when there is nothing to mask.
func NewSecretMasker(env []string) *SecretMasker {
	m := &SecretMasker{}
	for _, pair := range env {
		key, value, ok := strings.Cut(pair, "=")
		if ok && IsSecretKey(key) {
			m.Add(value)
		}
	}
	if len(m.secrets) == 0 {
		return nil
	}
	return m
}

// Add registers a value to mask. Values shorter than four bytes are ignored.
func (m *SecretMasker) Add(value string) {
	if len(value) < minSecretLen || slices.Contains(m.secrets, value) {
		return
	}
	m.secrets = append(m.secrets, value)
	slices.SortFunc(m.secrets, func(a, b string) int {
		return cmp.Compare(len(b), len(a))
	})
}

// Mask replaces every known secret in s.
func (m *SecretMasker) Mask(s string) string {
	if m == nil {
		return s
	}
	for _, secret := range m.secrets {
		s = strings.ReplaceAll(s, secret, Redacted)
	}
	return s
}

// MaskBytes is Mask for byte slices. b is returned unchanged when it holds
// no secret.
func (m *SecretMasker) MaskBytes(b []byte) []byte {
	if m == nil {
		return b
	}
	for _, secret := range m.secrets {
		if bytes.Contains(b, []byte(secret)) {
			b = bytes.ReplaceAll(b, []byte(secret), []byte(Redacted))
		}
	}
	return b
}
