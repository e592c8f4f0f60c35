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

package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/joho/godotenv"

	proxymcp "github.com/tombee/mcpreload/internal/mcp"
)

// ParseEnvPairs parses KEY=VALUE pairs as given on the command line.
func ParseEnvPairs(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid env %q: expected KEY=VALUE", pair)
		}
		if err := validateEnvKey(key); err != nil {
			return nil, err
		}
		env[key] = value
	}
	return env, nil
}

// LoadEnvFile reads a dotenv file.
func LoadEnvFile(path string) (map[string]string, error) {
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return env, nil
}

// ChildEnv returns the extra child environment as sorted KEY=VALUE pairs.
// Values from Env win over the env file.
func (c *Config) ChildEnv() ([]string, error) {
	merged := make(map[string]string)
	if c.EnvFile != "" {
		fileEnv, err := LoadEnvFile(c.EnvFile)
		if err != nil {
			return nil, err
		}
		maps.Copy(merged, fileEnv)
	}
	maps.Copy(merged, c.Env)

	pairs := make([]string, 0, len(merged))
	for _, key := range slices.Sorted(maps.Keys(merged)) {
		pairs = append(pairs, key+"="+merged[key])
	}
	return pairs, nil
}

// RedactEnv returns KEY=VALUE pairs safe to log: values of variables that
// look like secrets are replaced.
func RedactEnv(pairs []string) []string {
	out := make([]string, len(pairs))
	for i, pair := range pairs {
		key, _, ok := strings.Cut(pair, "=")
		if ok && proxymcp.IsSecretKey(key) {
			out[i] = key + "=" + proxymcp.Redacted
			continue
		}
		out[i] = pair
	}
	return out
}
