package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dexto-ai/dexto/bus"
	"github.com/dexto-ai/dexto/mcp"
	"github.com/dexto-ai/dexto/slogger"
)

// ErrMaxIterations is returned when a turn's tool-calling loop exceeds its
// iteration budget without producing a final response.
var ErrMaxIterations = errors.New("llm: max tool iterations exceeded")

// Conversation is the message store a turn reads from and appends to.
// Implementations may trim what Messages returns to fit a token budget, but
// Append must persist every message.
type Conversation interface {
	Append(ctx context.Context, msg Message) error
	Messages(ctx context.Context) ([]Message, error)
}

// ToolRunner executes tools by name. Execution failures come back as
// readable string results, not errors, so the loop can feed them to the
// model and continue.
type ToolRunner interface {
	GetAllTools(ctx context.Context) (map[string]mcp.ToolInfo, error)
	ExecuteTool(ctx context.Context, name string, args any) (string, error)
}

// Service runs the tool-calling loop for one session. Progress events are
// emitted on the session's bus with no session id; the session's forwarder
// stamps the id when re-emitting globally.
type Service struct {
	provider      Provider
	tools         ToolRunner
	events        *bus.Bus
	formatter     Formatter
	systemPrompt  string
	maxIterations int
	maxTokens     int
	logger        slogger.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the service logger.
func WithServiceLogger(logger slogger.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService builds the completion service for one session.
func NewService(cfg Config, provider Provider, tools ToolRunner, events *bus.Bus, formatter Formatter, opts ...ServiceOption) *Service {
	cfg.ApplyDefaults()
	s := &Service{
		provider:      provider,
		tools:         tools,
		events:        events,
		formatter:     formatter,
		systemPrompt:  cfg.SystemPrompt,
		maxIterations: cfg.MaxIterations,
		maxTokens:     cfg.MaxTokens,
		logger:        slogger.DefaultLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Provider returns the provider the service is bound to.
func (s *Service) Provider() Provider { return s.provider }

// CompleteTask runs one conversational turn: the user message is appended,
// then the model is called in a loop, executing requested tools and feeding
// results back, until it answers without tool calls or the iteration budget
// runs out. Context cancellation aborts the turn between steps.
func (s *Service) CompleteTask(ctx context.Context, conv Conversation, text string, image *ImageAttachment) (string, error) {
	if err := conv.Append(ctx, NewUserMessage(text, image)); err != nil {
		return "", fmt.Errorf("llm: append user message: %w", err)
	}

	s.events.Emit(bus.Event{Name: bus.LLMThinking, Payload: bus.ThinkingPayload{}})

	for i := 0; i < s.maxIterations; i++ {
		if err := s.checkCancelled(ctx); err != nil {
			return "", err
		}

		resp, err := s.generate(ctx, conv)
		if err != nil {
			if ctx.Err() != nil {
				return "", s.cancelled(ctx)
			}
			s.emitError(err.Error(), "generate", true)
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			if err := conv.Append(ctx, NewAssistantMessage(resp.Content, nil)); err != nil {
				return "", fmt.Errorf("llm: append assistant message: %w", err)
			}
			s.events.Emit(bus.Event{Name: bus.LLMResponse, Payload: bus.ResponsePayload{
				Text:       resp.Content,
				TokenCount: resp.TokenCount,
				Model:      resp.Model,
			}})
			return resp.Content, nil
		}

		calls := make([]ToolCall, len(resp.ToolCalls))
		for j, call := range resp.ToolCalls {
			if call.ID == "" {
				call.ID = uuid.NewString()
			}
			calls[j] = call
		}
		if err := conv.Append(ctx, NewAssistantMessage(resp.Content, calls)); err != nil {
			return "", fmt.Errorf("llm: append assistant message: %w", err)
		}

		for _, call := range calls {
			if err := s.checkCancelled(ctx); err != nil {
				return "", err
			}
			s.events.Emit(bus.Event{Name: bus.LLMToolCall, Payload: bus.ToolCallPayload{
				ToolName: call.Name,
				Args:     call.Arguments,
				CallID:   call.ID,
			}})

			result, err := s.tools.ExecuteTool(ctx, call.Name, call.Arguments)
			if err != nil {
				if ctx.Err() != nil {
					return "", s.cancelled(ctx)
				}
				result = fmt.Sprintf("Error executing tool %s: %s", call.Name, err)
			}
			s.events.Emit(bus.Event{Name: bus.LLMToolResult, Payload: bus.ToolResultPayload{
				ToolName: call.Name,
				Result:   result,
				CallID:   call.ID,
				Success:  err == nil,
			}})

			if err := conv.Append(ctx, NewToolResultMessage(call.ID, call.Name, result)); err != nil {
				return "", fmt.Errorf("llm: append tool result: %w", err)
			}
		}
	}

	err := fmt.Errorf("%w (%d)", ErrMaxIterations, s.maxIterations)
	s.emitError(err.Error(), "iteration-budget", false)
	return "", err
}

func (s *Service) generate(ctx context.Context, conv Conversation) (*Response, error) {
	msgs, err := conv.Messages(ctx)
	if err != nil {
		return nil, fmt.Errorf("llm: load conversation: %w", err)
	}

	req := Request{
		SystemPrompt: s.systemPrompt,
		Messages:     s.formatter.Format(s.systemPrompt, msgs),
		Tools:        s.toolDefinitions(ctx),
		MaxTokens:    s.maxTokens,
	}

	if streamer, ok := s.provider.(StreamingProvider); ok {
		resp, err := streamer.GenerateStream(ctx, req, func(text string) {
			s.events.Emit(bus.Event{Name: bus.LLMChunk, Payload: bus.ChunkPayload{Text: text}})
		})
		if err == nil {
			s.events.Emit(bus.Event{Name: bus.LLMChunk, Payload: bus.ChunkPayload{IsComplete: true}})
		}
		return resp, err
	}
	return s.provider.Generate(ctx, req)
}

// toolDefinitions fetches the current tool set. A lookup failure degrades to
// a tool-less request rather than failing the turn.
func (s *Service) toolDefinitions(ctx context.Context) []ToolDefinition {
	if s.tools == nil {
		return nil
	}
	tools, err := s.tools.GetAllTools(ctx)
	if err != nil {
		s.logger.Warn("llm: tool listing failed, continuing without tools", "error", err)
		return nil
	}
	defs := make([]ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		defs = append(defs, ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return defs
}

func (s *Service) checkCancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return s.cancelled(ctx)
	}
	return nil
}

func (s *Service) cancelled(ctx context.Context) error {
	err := ctx.Err()
	s.emitError(err.Error(), "cancelled", false)
	return err
}

func (s *Service) emitError(message, context string, recoverable bool) {
	s.events.Emit(bus.Event{Name: bus.LLMError, Payload: bus.ErrorPayload{
		Message:     message,
		Context:     context,
		Recoverable: recoverable,
	}})
}
