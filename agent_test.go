package dexto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexto-ai/dexto/bus"
	"github.com/dexto-ai/dexto/config"
	"github.com/dexto-ai/dexto/llm"
	"github.com/dexto-ai/dexto/session"
)

// echoProvider answers with an echo of the last message.
type echoProvider struct {
	model string
}

func (p *echoProvider) Name() string  { return "stub" }
func (p *echoProvider) Model() string { return p.model }

func (p *echoProvider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	last := req.Messages[len(req.Messages)-1]
	return &llm.Response{Content: "echo: " + last.Content, Model: p.model}, nil
}

// toolOnceProvider requests a single tool call before answering.
type toolOnceProvider struct {
	model string
	calls int
}

func (p *toolOnceProvider) Name() string  { return "stub" }
func (p *toolOnceProvider) Model() string { return p.model }

func (p *toolOnceProvider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.calls++
	if p.calls == 1 {
		return &llm.Response{ToolCalls: []llm.ToolCall{{Name: "lookup"}}, Model: p.model}, nil
	}
	return &llm.Response{Content: "done", Model: p.model}, nil
}

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	cfg := &config.Config{LLM: llm.Config{Provider: "stub", Model: "stub-1"}}
	agent, err := NewAgent(context.Background(), cfg,
		WithStorageRoot(t.TempDir()),
		WithProviderFactory(func(cfg llm.Config) (llm.Provider, error) {
			return &echoProvider{model: cfg.Model}, nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { agent.Close(context.Background()) })
	return agent
}

func TestAgentRunDefaultSession(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t)

	text, err := agent.Run(ctx, "hello", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", text)

	ids, err := agent.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{session.DefaultSessionID}, ids)

	meta, err := agent.GetSessionMetadata(ctx, session.DefaultSessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.MessageCount)
}

func TestAgentRunCountsToolTurnMessages(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{LLM: llm.Config{Provider: "stub", Model: "stub-1"}}
	agent, err := NewAgent(ctx, cfg,
		WithStorageRoot(t.TempDir()),
		WithProviderFactory(func(cfg llm.Config) (llm.Provider, error) {
			return &toolOnceProvider{model: cfg.Model}, nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { agent.Close(context.Background()) })

	text, err := agent.Run(ctx, "look this up", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "done", text)

	// The counter matches the stored history: user message, tool request,
	// tool result, and the reply.
	meta, err := agent.GetSessionMetadata(ctx, session.DefaultSessionID)
	require.NoError(t, err)
	assert.Equal(t, 4, meta.MessageCount)
}

func TestAgentSessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t)

	_, err := agent.Run(ctx, "for alpha", nil, "alpha")
	require.NoError(t, err)
	_, err = agent.Run(ctx, "for beta", nil, "beta")
	require.NoError(t, err)

	require.NoError(t, agent.Reset(ctx, "alpha"))

	// Beta's history is untouched by alpha's reset.
	meta, err := agent.GetSessionMetadata(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, 2, meta.MessageCount)
}

func TestAgentEventsCarrySessionID(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t)

	var events []bus.Event
	sub := agent.Subscribe(bus.LLMResponse, func(e bus.Event) { events = append(events, e) })

	_, err := agent.Run(ctx, "hello", nil, "watched")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "watched", events[0].SessionID)

	agent.Unsubscribe(sub)
	_, err = agent.Run(ctx, "again", nil, "watched")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAgentSwitchLLM(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t)

	_, err := agent.Run(ctx, "hello", nil, "s1")
	require.NoError(t, err)

	var switched []bus.Event
	agent.Subscribe(bus.AgentLLMSwitched, func(e bus.Event) { switched = append(switched, e) })

	require.NoError(t, agent.SwitchLLM(ctx, llm.Config{Provider: "stub", Model: "stub-2"}, ""))
	require.Len(t, switched, 1)

	// The switched session keeps its history and answers with the new model.
	text, err := agent.Run(ctx, "still here?", nil, "s1")
	require.NoError(t, err)
	assert.Equal(t, "echo: still here?", text)
}

func TestAgentEndSession(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t)

	_, err := agent.Run(ctx, "hello", nil, "gone")
	require.NoError(t, err)
	require.NoError(t, agent.EndSession(ctx, "gone"))

	_, err = agent.GetSessionMetadata(ctx, "gone")
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	// A new session under the same id starts clean.
	_, err = agent.Run(ctx, "fresh", nil, "gone")
	require.NoError(t, err)
	meta, err := agent.GetSessionMetadata(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, 2, meta.MessageCount)
}

func TestAgentRejectsInvalidConfig(t *testing.T) {
	cfg := &config.Config{LLM: llm.Config{Provider: "stub"}} // missing model
	_, err := NewAgent(context.Background(), cfg, WithStorageRoot(t.TempDir()))
	require.Error(t, err)
}
