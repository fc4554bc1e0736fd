package llm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexto-ai/dexto/bus"
	"github.com/dexto-ai/dexto/mcp"
)

// memConversation is an in-memory Conversation for tests.
type memConversation struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *memConversation) Append(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *memConversation) Messages(ctx context.Context) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out, nil
}

// scriptedProvider returns its responses in order; nil entries produce an
// error.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*Response
	requests  []Request
}

func (p *scriptedProvider) Name() string  { return "stub" }
func (p *scriptedProvider) Model() string { return "stub-1" }

func (p *scriptedProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	next := p.responses[0]
	p.responses = p.responses[1:]
	if next == nil {
		return nil, errors.New("provider failure")
	}
	return next, nil
}

// echoRunner records tool calls and echoes a canned result.
type echoRunner struct {
	mu    sync.Mutex
	calls []string
}

func (r *echoRunner) GetAllTools(ctx context.Context) (map[string]mcp.ToolInfo, error) {
	return map[string]mcp.ToolInfo{"search": {Name: "search", Description: "find things"}}, nil
}

func (r *echoRunner) ExecuteTool(ctx context.Context, name string, args any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	return "result of " + name, nil
}

func collectEvents(events *bus.Bus, names ...bus.Name) *[]bus.Event {
	var got []bus.Event
	for _, name := range names {
		events.On(name, func(e bus.Event) { got = append(got, e) })
	}
	return &got
}

func newTestService(provider Provider, tools ToolRunner, events *bus.Bus) *Service {
	cfg := Config{Provider: "stub", Model: "stub-1", SystemPrompt: "be brief"}
	return NewService(cfg, provider, tools, events, NewFormatter(RouterInBuilt))
}

func TestCompleteTaskDirectResponse(t *testing.T) {
	ctx := context.Background()
	events := bus.New()
	got := collectEvents(events, bus.LLMThinking, bus.LLMResponse)

	provider := &scriptedProvider{responses: []*Response{
		{Content: "hello there", TokenCount: 12, Model: "stub-1"},
	}}
	conv := &memConversation{}
	svc := newTestService(provider, nil, events)

	text, err := svc.CompleteTask(ctx, conv, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)

	// History: user then assistant.
	msgs, err := conv.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, RoleAssistant, msgs[1].Role)

	// Thinking precedes the response event.
	require.Len(t, *got, 2)
	assert.Equal(t, bus.LLMThinking, (*got)[0].Name)
	assert.Equal(t, bus.LLMResponse, (*got)[1].Name)
	payload := (*got)[1].Payload.(bus.ResponsePayload)
	assert.Equal(t, 12, payload.TokenCount)
}

func TestCompleteTaskToolLoop(t *testing.T) {
	ctx := context.Background()
	events := bus.New()
	got := collectEvents(events, bus.LLMToolCall, bus.LLMToolResult)

	provider := &scriptedProvider{responses: []*Response{
		{ToolCalls: []ToolCall{{ID: "call-1", Name: "search", Arguments: map[string]any{"q": "go"}}}},
		{Content: "found it"},
	}}
	runner := &echoRunner{}
	conv := &memConversation{}
	svc := newTestService(provider, runner, events)

	text, err := svc.CompleteTask(ctx, conv, "find go", nil)
	require.NoError(t, err)
	assert.Equal(t, "found it", text)
	assert.Equal(t, []string{"search"}, runner.calls)

	// Tool call and result events share the call id.
	require.Len(t, *got, 2)
	callPayload := (*got)[0].Payload.(bus.ToolCallPayload)
	resultPayload := (*got)[1].Payload.(bus.ToolResultPayload)
	assert.Equal(t, "call-1", callPayload.CallID)
	assert.Equal(t, "call-1", resultPayload.CallID)
	assert.True(t, resultPayload.Success)

	// History: user, assistant w/ tool call, tool result, final assistant.
	msgs, err := conv.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, RoleTool, msgs[2].Role)
	assert.Equal(t, "call-1", msgs[2].ToolCallID)
	assert.Equal(t, "result of search", msgs[2].Content)

	// Tool definitions rode along on the provider request.
	require.NotEmpty(t, provider.requests)
	require.Len(t, provider.requests[0].Tools, 1)
	assert.Equal(t, "search", provider.requests[0].Tools[0].Name)
}

func TestCompleteTaskAssignsMissingCallIDs(t *testing.T) {
	ctx := context.Background()
	events := bus.New()

	provider := &scriptedProvider{responses: []*Response{
		{ToolCalls: []ToolCall{{Name: "search"}}},
		{Content: "done"},
	}}
	conv := &memConversation{}
	svc := newTestService(provider, &echoRunner{}, events)

	_, err := svc.CompleteTask(ctx, conv, "go", nil)
	require.NoError(t, err)

	msgs, err := conv.Messages(ctx)
	require.NoError(t, err)
	assistant := msgs[1]
	require.Len(t, assistant.ToolCalls, 1)
	assert.NotEmpty(t, assistant.ToolCalls[0].ID)
	assert.Equal(t, assistant.ToolCalls[0].ID, msgs[2].ToolCallID)
}

func TestCompleteTaskMaxIterations(t *testing.T) {
	ctx := context.Background()
	events := bus.New()
	got := collectEvents(events, bus.LLMError)

	// The provider asks for a tool on every call, forever.
	endless := make([]*Response, 5)
	for i := range endless {
		endless[i] = &Response{ToolCalls: []ToolCall{{ID: "c", Name: "search"}}}
	}
	provider := &scriptedProvider{responses: endless}
	conv := &memConversation{}

	cfg := Config{Provider: "stub", Model: "stub-1", MaxIterations: 3}
	svc := NewService(cfg, provider, &echoRunner{}, events, NewFormatter(RouterInBuilt))

	_, err := svc.CompleteTask(ctx, conv, "loop", nil)
	require.ErrorIs(t, err, ErrMaxIterations)

	require.Len(t, *got, 1)
	payload := (*got)[0].Payload.(bus.ErrorPayload)
	assert.False(t, payload.Recoverable)
}

func TestCompleteTaskCancellation(t *testing.T) {
	events := bus.New()
	got := collectEvents(events, bus.LLMError)

	provider := &scriptedProvider{responses: []*Response{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "search"}}},
		{Content: "never reached"},
	}}
	conv := &memConversation{}

	ctx, cancel := context.WithCancel(context.Background())
	runner := &cancelRunner{cancel: cancel}
	svc := newTestService(provider, runner, events)

	_, err := svc.CompleteTask(ctx, conv, "go", nil)
	require.ErrorIs(t, err, context.Canceled)

	require.NotEmpty(t, *got)
	payload := (*got)[0].Payload.(bus.ErrorPayload)
	assert.False(t, payload.Recoverable)
	assert.Equal(t, "cancelled", payload.Context)
}

// cancelRunner cancels the turn from inside a tool call.
type cancelRunner struct {
	cancel context.CancelFunc
}

func (r *cancelRunner) GetAllTools(ctx context.Context) (map[string]mcp.ToolInfo, error) {
	return nil, nil
}

func (r *cancelRunner) ExecuteTool(ctx context.Context, name string, args any) (string, error) {
	r.cancel()
	return "", ctx.Err()
}

func TestCompleteTaskProviderError(t *testing.T) {
	ctx := context.Background()
	events := bus.New()
	got := collectEvents(events, bus.LLMError)

	provider := &scriptedProvider{responses: []*Response{nil}}
	conv := &memConversation{}
	svc := newTestService(provider, nil, events)

	_, err := svc.CompleteTask(ctx, conv, "hi", nil)
	require.ErrorContains(t, err, "provider failure")

	require.Len(t, *got, 1)
	assert.True(t, (*got)[0].Payload.(bus.ErrorPayload).Recoverable)
}

// streamingProvider emits two chunks then the assembled response.
type streamingProvider struct {
	scriptedProvider
}

func (p *streamingProvider) GenerateStream(ctx context.Context, req Request, onChunk func(string)) (*Response, error) {
	onChunk("hel")
	onChunk("lo")
	return &Response{Content: "hello"}, nil
}

func TestCompleteTaskStreamsChunks(t *testing.T) {
	ctx := context.Background()
	events := bus.New()
	got := collectEvents(events, bus.LLMChunk)

	conv := &memConversation{}
	svc := newTestService(&streamingProvider{}, nil, events)

	text, err := svc.CompleteTask(ctx, conv, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	require.Len(t, *got, 3)
	assert.Equal(t, "hel", (*got)[0].Payload.(bus.ChunkPayload).Text)
	assert.Equal(t, "lo", (*got)[1].Payload.(bus.ChunkPayload).Text)
	assert.True(t, (*got)[2].Payload.(bus.ChunkPayload).IsComplete)
}
