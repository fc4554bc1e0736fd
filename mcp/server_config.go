// Package mcp maintains a pool of connections to Model Context Protocol
// servers and routes tool and prompt lookups by name.
package mcp

import (
	"fmt"
	"time"
)

// Transport types for MCP server connections.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// DefaultTimeout bounds the transport handshake and each tool invocation.
const DefaultTimeout = 30 * time.Second

// ServerConfig describes one MCP server connection. The Name field is
// populated from the map key in the configuration, not from a config field.
type ServerConfig struct {
	Name    string            `json:"-" yaml:"-"`
	Type    string            `json:"type" yaml:"type"`
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	BaseURL string            `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// EffectiveTimeout returns the configured timeout or the default.
func (c *ServerConfig) EffectiveTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Validate checks that the config names a usable transport.
func (c *ServerConfig) Validate() error {
	switch c.Type {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("mcp server %q: stdio transport requires a command", c.Name)
		}
	case TransportSSE:
		if c.URL == "" {
			return fmt.Errorf("mcp server %q: sse transport requires a url", c.Name)
		}
	case TransportHTTP:
		if c.BaseURL == "" {
			return fmt.Errorf("mcp server %q: http transport requires a baseUrl", c.Name)
		}
	default:
		return fmt.Errorf("mcp server %q: unknown transport type %q", c.Name, c.Type)
	}
	return nil
}

// InitMode controls how connection failures during initialization are
// treated.
type InitMode string

const (
	// InitStrict requires every configured server to connect.
	InitStrict InitMode = "strict"

	// InitLenient requires at least one successful connection when any
	// servers are configured; failures are recorded and skipped.
	InitLenient InitMode = "lenient"
)
