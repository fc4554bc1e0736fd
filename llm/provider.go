package llm

import (
	"context"
	"encoding/json"
)

// ToolDefinition describes one callable tool presented to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one completion request against a provider.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	MaxTokens    int
}

// Response is the provider's reply. A response with ToolCalls continues the
// turn; one without ends it.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	TokenCount int
	Model      string
}

// Provider generates one model completion. Implementations wrap a concrete
// vendor SDK.
type Provider interface {
	// Name returns the provider family, e.g. "openai".
	Name() string

	// Model returns the configured model name.
	Model() string

	// Generate runs one completion.
	Generate(ctx context.Context, req Request) (*Response, error)
}

// StreamingProvider is implemented by providers that can deliver the
// response incrementally. The service prefers it when available.
type StreamingProvider interface {
	Provider

	// GenerateStream runs one completion, invoking onChunk for each text
	// fragment as it arrives, and returns the assembled response.
	GenerateStream(ctx context.Context, req Request, onChunk func(text string)) (*Response, error)
}
