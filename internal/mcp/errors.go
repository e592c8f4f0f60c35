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
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a category of proxy error.
type ErrorCode string

const (
	// ErrorCodeChildUnavailable indicates there is no connected child server.
	ErrorCodeChildUnavailable ErrorCode = "CHILD_UNAVAILABLE"
	// ErrorCodeChildSpawnFailure indicates the child could not be started or
	// failed the MCP handshake.
	ErrorCodeChildSpawnFailure ErrorCode = "CHILD_SPAWN_FAILURE"
	// ErrorCodeCapabilityDegraded indicates the child does not implement a
	// capability listing method. It is recovered locally as an empty list.
	ErrorCodeCapabilityDegraded ErrorCode = "CAPABILITY_QUERY_DEGRADED"
	// ErrorCodeCapabilityFatal indicates a capability listing failed for a
	// reason other than the method being unsupported.
	ErrorCodeCapabilityFatal ErrorCode = "CAPABILITY_QUERY_FATAL"
	// ErrorCodeRestartConflict indicates a restart is already in progress.
	ErrorCodeRestartConflict ErrorCode = "RESTART_CONFLICT"
	// ErrorCodeRestartTimeout indicates a restart exceeded its deadline.
	ErrorCodeRestartTimeout ErrorCode = "RESTART_TIMEOUT"
	// ErrorCodeConfig indicates a configuration error.
	ErrorCodeConfig ErrorCode = "CONFIG_INVALID"
	// ErrorCodeInternal indicates an internal error.
	ErrorCodeInternal ErrorCode = "INTERNAL"
)

// JSONRPCChildUnavailable is the JSON-RPC error code returned upstream when a
// request cannot be forwarded because no child is connected. It sits in the
// implementation-defined server error range.
const JSONRPCChildUnavailable = -32000

// ProxyError is an error type that includes suggestions for resolution.
type ProxyError struct {
	// Code is the error category.
	Code ErrorCode
	// Message is the primary error message.
	Message string
	// Detail provides additional context.
	Detail string
	// Suggestions are actionable steps to resolve the error.
	Suggestions []string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	var sb strings.Builder

	sb.WriteString(e.Message)
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ProxyError with the same code.
func (e *ProxyError) Is(target error) bool {
	t, ok := target.(*ProxyError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

// UserMessage returns a multi-line message with suggestions, suitable for
// tool results and CLI output.
func (e *ProxyError) UserMessage() string {
	var sb strings.Builder

	sb.WriteString(e.Error())

	if len(e.Suggestions) > 0 {
		sb.WriteString("\n\nSuggestions:\n")
		for _, s := range e.Suggestions {
			sb.WriteString("  - ")
			sb.WriteString(s)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// NewProxyError creates a new ProxyError.
func NewProxyError(code ErrorCode, message string) *ProxyError {
	return &ProxyError{
		Code:    code,
		Message: message,
	}
}

// WithDetail adds detail to the error.
func (e *ProxyError) WithDetail(detail string) *ProxyError {
	e.Detail = detail
	return e
}

// WithSuggestions adds suggestions to the error.
func (e *ProxyError) WithSuggestions(suggestions ...string) *ProxyError {
	e.Suggestions = suggestions
	return e
}

// WithCause adds an underlying cause to the error.
func (e *ProxyError) WithCause(cause error) *ProxyError {
	e.Cause = cause
	return e
}

// Sentinel values for errors.Is comparisons. They carry only a code.
var (
	ErrChildUnavailable   = &ProxyError{Code: ErrorCodeChildUnavailable}
	ErrChildSpawnFailure  = &ProxyError{Code: ErrorCodeChildSpawnFailure}
	ErrCapabilityDegraded = &ProxyError{Code: ErrorCodeCapabilityDegraded}
	ErrCapabilityFatal    = &ProxyError{Code: ErrorCodeCapabilityFatal}
	ErrRestartConflict    = &ProxyError{Code: ErrorCodeRestartConflict}
	ErrRestartTimeout     = &ProxyError{Code: ErrorCodeRestartTimeout}
)

// HasCode reports whether any error in err's chain is a ProxyError with the
// given code.
func HasCode(err error, code ErrorCode) bool {
	var pe *ProxyError
	for err != nil {
		if errors.As(err, &pe) {
			if pe.Code == code {
				return true
			}
			err = pe.Cause
			continue
		}
		return false
	}
	return false
}

// ChildUnavailable creates an error for requests that arrive while no child
// is connected.
func ChildUnavailable(reason string) *ProxyError {
	err := NewProxyError(ErrorCodeChildUnavailable, "child server unavailable")
	if reason != "" {
		err.Detail = reason
	}
	return err.WithSuggestions(
		"Call the restart_server tool to start the server again",
		"Check the mcpreload log for the child's stderr output",
	)
}

// ChildSpawnFailure creates an error for a child that could not be started or
// did not complete the MCP handshake.
func ChildSpawnFailure(command string, cause error) *ProxyError {
	suggestions := []string{
		"Verify the command is installed and in your PATH",
		fmt.Sprintf("Run the command directly to check it starts: %s", command),
	}

	switch command {
	case "npx", "node":
		suggestions = append(suggestions, "Install Node.js: https://nodejs.org/")
	case "python", "python3", "uv", "uvx":
		suggestions = append(suggestions, "Install Python: https://python.org/")
	}

	return NewProxyError(ErrorCodeChildSpawnFailure, fmt.Sprintf("failed to start child server %q", command)).
		WithCause(cause).
		WithSuggestions(suggestions...)
}

// CapabilityFatal creates an error for a capability listing that failed for a
// reason other than the method being unsupported.
func CapabilityFatal(method string, cause error) *ProxyError {
	return NewProxyError(ErrorCodeCapabilityFatal, fmt.Sprintf("capability query %s failed", method)).
		WithCause(cause)
}

// CapabilityDegraded creates an error recording that the child does not
// implement a capability listing method.
func CapabilityDegraded(method string, cause error) *ProxyError {
	return NewProxyError(ErrorCodeCapabilityDegraded, fmt.Sprintf("child does not support %s", method)).
		WithCause(cause)
}

// RestartConflict creates an error for a restart requested while another one
// is running.
func RestartConflict() *ProxyError {
	return NewProxyError(ErrorCodeRestartConflict, "restart already in progress").
		WithSuggestions("Wait for the current restart to finish, then retry")
}

// RestartTimeout creates an error for a restart that exceeded its deadline.
func RestartTimeout(timeoutMs int64, cause error) *ProxyError {
	return NewProxyError(ErrorCodeRestartTimeout, "restart timed out").
		WithDetail(fmt.Sprintf("no handshake within %dms", timeoutMs)).
		WithCause(cause).
		WithSuggestions("Increase --restart-timeout if the server is slow to start")
}

// ConfigError creates a configuration error.
func ConfigError(message string) *ProxyError {
	return NewProxyError(ErrorCodeConfig, message)
}
