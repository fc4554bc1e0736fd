package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Provider: "openai", Model: "gpt-4o"}
	cfg.ApplyDefaults()
	assert.Equal(t, RouterInBuilt, cfg.Router)
	assert.Equal(t, DefaultMaxIterations, cfg.MaxIterations)
	assert.Equal(t, 128000, cfg.MaxTokens)
}

func TestConfigValidate(t *testing.T) {
	require.Error(t, (&Config{Model: "gpt-4o"}).Validate())
	require.Error(t, (&Config{Provider: "openai"}).Validate())
	require.Error(t, (&Config{Provider: "openai", Model: "gpt-4o", Router: "grpc"}).Validate())
	require.NoError(t, (&Config{Provider: "openai", Model: "gpt-4o", Router: RouterVercel}).Validate())
}

func TestLookupMaxTokens(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"gpt-4o", 128000},
		{"gpt-4o-mini", 128000},
		{"gpt-4", 8192},
		{"gpt-4.1-mini", 1047576}, // longest prefix wins over gpt-4
		{"claude-sonnet-4", 200000},
		{"some-unknown-model", defaultContextWindow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LookupMaxTokens("any", tt.model), tt.model)
	}
}

func TestTokenizerEstimates(t *testing.T) {
	tok := NewTokenizer("openai")
	assert.Equal(t, "openai", tok.Provider())
	assert.Equal(t, 0, tok.CountTokens(""))
	assert.Equal(t, 1, tok.CountTokens("hi"))
	assert.Equal(t, 3, tok.CountTokens("hello golang"))

	msgs := []Message{
		NewUserMessage("hello golang", nil),
		NewAssistantMessage("hi", nil),
	}
	// Framing overhead counts even for short messages.
	assert.Greater(t, tok.CountMessages(msgs), tok.CountTokens("hello golang")+tok.CountTokens("hi"))
}

func TestFormatterRouting(t *testing.T) {
	msgs := []Message{
		NewUserMessage("question", nil),
		NewAssistantMessage("", []ToolCall{{ID: "c1", Name: "search"}}),
		NewToolResultMessage("c1", "search", "answer"),
	}

	inBuilt := NewFormatter(RouterInBuilt)
	assert.Equal(t, RouterInBuilt, inBuilt.Router())
	assert.Equal(t, msgs, inBuilt.Format("sys", msgs))

	vercel := NewFormatter(RouterVercel)
	assert.Equal(t, RouterVercel, vercel.Router())
	out := vercel.Format("sys", msgs)
	require.Len(t, out, 4)
	assert.Equal(t, RoleSystem, out[0].Role)
	assert.Equal(t, "sys", out[0].Content)
	// Tool results are folded into user-role messages.
	assert.Equal(t, RoleUser, out[3].Role)
	assert.Contains(t, out[3].Content, "answer")

	// Unknown routers fall back to in-built.
	assert.Equal(t, RouterInBuilt, NewFormatter("mystery").Router())
}
