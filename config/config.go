// Package config loads and validates the agent configuration from YAML or
// JSON, expanding ${ENV_VAR} references before decoding.
package config

import (
	"fmt"

	"github.com/dexto-ai/dexto/llm"
	"github.com/dexto-ai/dexto/mcp"
	"github.com/dexto-ai/dexto/session"
	"github.com/dexto-ai/dexto/storage"
)

// Config is the full agent configuration.
type Config struct {
	LLM         llm.Config                  `json:"llm" yaml:"llm"`
	MCPServers  map[string]mcp.ServerConfig `json:"mcpServers,omitempty" yaml:"mcpServers,omitempty"`
	MCPInitMode mcp.InitMode                `json:"mcpInitMode,omitempty" yaml:"mcpInitMode,omitempty"`
	Storage     storage.ManagerConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`
	Sessions    session.ManagerConfig       `json:"sessions,omitempty" yaml:"sessions,omitempty"`
}

// ApplyDefaults fills unset fields in place: an in-built router with the
// standard iteration budget, a memory storage backend, lenient MCP
// initialization, and the standard session pool limits.
func (c *Config) ApplyDefaults() {
	c.LLM.ApplyDefaults()
	if c.Storage.Default == nil {
		c.Storage.Default = &storage.BackendConfig{Type: storage.TypeMemory}
	}
	if c.MCPInitMode == "" {
		c.MCPInitMode = mcp.InitLenient
	}
	for name, server := range c.MCPServers {
		server.Name = name
		c.MCPServers[name] = server
	}
}

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	switch c.MCPInitMode {
	case mcp.InitStrict, mcp.InitLenient:
	default:
		return fmt.Errorf("config: unknown mcp init mode %q", c.MCPInitMode)
	}
	for name, server := range c.MCPServers {
		server.Name = name
		if err := server.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}
