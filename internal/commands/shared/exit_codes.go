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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	proxymcp "github.com/tombee/mcpreload/internal/mcp"
)

// Exit codes for mcpreload commands
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitConfigError = 2
	ExitChildFailed = 3
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates an error for invalid configuration
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfigError, Message: msg, Cause: cause}
}

// NewChildError creates an error for a child server that could not be run
func NewChildError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitChildFailed, Message: msg, Cause: cause}
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	switch {
	case proxymcp.HasCode(err, proxymcp.ErrorCodeConfig):
		return ExitConfigError
	case proxymcp.HasCode(err, proxymcp.ErrorCodeChildSpawnFailure),
		proxymcp.HasCode(err, proxymcp.ErrorCodeCapabilityFatal),
		proxymcp.HasCode(err, proxymcp.ErrorCodeRestartTimeout):
		return ExitChildFailed
	default:
		return ExitFailure
	}
}

// PrintError writes err and any suggestions carried by a ProxyError in its
// chain.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, "Error:", err.Error())

	var pe *proxymcp.ProxyError
	if !errors.As(err, &pe) {
		return
	}
	for _, s := range pe.Suggestions {
		fmt.Fprintf(w, "\nSuggestion: %s\n", s)
	}
}

// HandleExitError prints err and exits with the matching code
func HandleExitError(err error) {
	if err == nil {
		return
	}
	PrintError(os.Stderr, err)
	os.Exit(ExitCode(err))
}
