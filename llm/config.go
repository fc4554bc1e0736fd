package llm

import (
	"fmt"
)

// Routers select the wire format used to present a conversation to the
// model provider.
const (
	RouterVercel  = "vercel"
	RouterInBuilt = "in-built"
)

// DefaultMaxIterations bounds the tool-calling loop of a single turn.
const DefaultMaxIterations = 50

// Config selects and parameterizes the language model for a session.
type Config struct {
	Provider      string `json:"provider" yaml:"provider"`
	Model         string `json:"model" yaml:"model"`
	APIKey        string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	BaseURL       string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	Router        string `json:"router,omitempty" yaml:"router,omitempty"`
	SystemPrompt  string `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"`
	MaxTokens     int    `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.Router == "" {
		c.Router = RouterInBuilt
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = LookupMaxTokens(c.Provider, c.Model)
	}
}

// Validate checks the fields that have no sensible default.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("llm config: provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("llm config: model is required")
	}
	switch c.Router {
	case "", RouterVercel, RouterInBuilt:
	default:
		return fmt.Errorf("llm config: unknown router %q", c.Router)
	}
	return nil
}
