package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dexto-ai/dexto/bus"
	"github.com/dexto-ai/dexto/llm"
	"github.com/dexto-ai/dexto/slogger"
	"github.com/dexto-ai/dexto/storage"
)

// ErrSessionDisposed is returned when operating on a disposed session.
var ErrSessionDisposed = errors.New("session disposed")

// forwardedEvents are the local event names a session re-emits on the
// global bus with its session id stamped on.
var forwardedEvents = []bus.Name{
	bus.LLMThinking,
	bus.LLMChunk,
	bus.LLMToolCall,
	bus.LLMToolResult,
	bus.LLMResponse,
	bus.LLMError,
	bus.LLMSwitched,
	bus.ConversationReset,
}

// ProviderFactory builds the provider for an LLM config. Swappable so tests
// can inject stub providers.
type ProviderFactory func(cfg llm.Config) (llm.Provider, error)

// ChatSession is one conversation: its history, its model service, and a
// local event bus whose events are forwarded to the global bus.
type ChatSession struct {
	ID string

	store       *storage.Manager
	globalBus   *bus.Bus
	localBus    *bus.Bus
	tools       llm.ToolRunner
	newProvider ProviderFactory
	logger      slogger.Logger

	mu            sync.Mutex
	llmCfg        llm.Config
	tokenizer     llm.Tokenizer
	formatter     llm.Formatter
	messages      *MessageManager
	service       *llm.Service
	forwardSubs   []*bus.Subscription
	forwardCancel context.CancelFunc
	runCancel     context.CancelFunc
	disposed      bool
}

// NewChatSession builds a session. Call Init before use.
func NewChatSession(id string, cfg llm.Config, store *storage.Manager, globalBus *bus.Bus, tools llm.ToolRunner, factory ProviderFactory, logger slogger.Logger) *ChatSession {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	cfg.ApplyDefaults()
	return &ChatSession{
		ID:          id,
		store:       store,
		globalBus:   globalBus,
		localBus:    bus.New(bus.WithLogger(logger)),
		tools:       tools,
		newProvider: factory,
		logger:      logger,
		llmCfg:      cfg,
	}
}

// Init opens the session's history, wires event forwarding, and builds the
// model service. Failure here is fatal for the session.
func (s *ChatSession) Init(ctx context.Context) error {
	history, err := NewHistory(ctx, s.store, s.ID, s.logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrSessionDisposed
	}

	s.tokenizer = llm.NewTokenizer(s.llmCfg.Provider)
	s.formatter = llm.NewFormatter(s.llmCfg.Router)
	s.messages = NewMessageManager(history, s.tokenizer, s.llmCfg.MaxTokens, s.logger)

	if err := s.rebuildServiceLocked(); err != nil {
		return err
	}

	forwardCtx, cancel := context.WithCancel(context.Background())
	s.forwardCancel = cancel
	for _, name := range forwardedEvents {
		sub := s.localBus.On(name, s.forward, bus.WithContext(forwardCtx))
		s.forwardSubs = append(s.forwardSubs, sub)
	}
	return nil
}

// forward re-emits a local event on the global bus with the session id set.
func (s *ChatSession) forward(event bus.Event) {
	event.SessionID = s.ID
	s.globalBus.Emit(event)
}

func (s *ChatSession) rebuildServiceLocked() error {
	provider, err := s.newProvider(s.llmCfg)
	if err != nil {
		return fmt.Errorf("session %q: build provider: %w", s.ID, err)
	}
	s.service = llm.NewService(s.llmCfg, provider, s.tools, s.localBus, s.formatter,
		llm.WithServiceLogger(s.logger))
	return nil
}

// Run executes one conversational turn and returns the final response text.
// Cancelling ctx (or disposing the session) aborts the turn.
func (s *ChatSession) Run(ctx context.Context, text string, image *llm.ImageAttachment) (string, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return "", ErrSessionDisposed
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	service, messages := s.service, s.messages
	s.mu.Unlock()
	defer cancel()

	return service.CompleteTask(runCtx, messages, text, image)
}

// Reset clears the conversation history and announces the reset locally
// (forwarded with the session id) and globally.
func (s *ChatSession) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	messages := s.messages
	s.mu.Unlock()

	if err := messages.history.Clear(ctx); err != nil {
		return fmt.Errorf("session %q: clear history: %w", s.ID, err)
	}
	s.localBus.Emit(bus.Event{Name: bus.ConversationReset, Payload: bus.ResetPayload{}})
	s.globalBus.Emit(bus.Event{
		Name:      bus.AgentConversationReset,
		SessionID: s.ID,
		Payload:   bus.ResetPayload{},
	})
	return nil
}

// SwitchLLM repoints the session at a new model configuration while keeping
// its history. The tokenizer is rebuilt only when the provider changes and
// the formatter only when the router changes; the token budget is always
// recomputed.
func (s *ChatSession) SwitchLLM(cfg llm.Config) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}

	if cfg.Provider != s.llmCfg.Provider {
		s.tokenizer = llm.NewTokenizer(cfg.Provider)
	}
	if cfg.Router != s.llmCfg.Router {
		s.formatter = llm.NewFormatter(cfg.Router)
	}
	s.llmCfg = cfg
	s.messages.SetBudget(s.tokenizer, cfg.MaxTokens)

	if err := s.rebuildServiceLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.localBus.Emit(bus.Event{Name: bus.LLMSwitched, Payload: bus.SwitchedPayload{
		NewConfig:       cfg,
		Router:          cfg.Router,
		HistoryRetained: true,
	}})
	return nil
}

// Config returns the session's current model configuration.
func (s *ChatSession) Config() llm.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.llmCfg
}

// MessageCount returns the number of messages in the session's stored
// history.
func (s *ChatSession) MessageCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return 0, ErrSessionDisposed
	}
	messages := s.messages
	s.mu.Unlock()

	return messages.history.Count(ctx)
}

// Dispose detaches the session's forwarders and cancels any in-flight run.
// Idempotent; the session is unusable afterwards.
func (s *ChatSession) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	// Cancel subscriptions directly so the local bus never outlives the
	// session; the scope cancel only reaps the watcher goroutines.
	for _, sub := range s.forwardSubs {
		sub.Cancel()
	}
	if s.forwardCancel != nil {
		s.forwardCancel()
	}
	if s.runCancel != nil {
		s.runCancel()
	}
}

// Disposed reports whether Dispose has been called.
func (s *ChatSession) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}
