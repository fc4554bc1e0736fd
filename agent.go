// Package dexto assembles the conversational agent: storage, MCP tool
// servers, the global event bus, and the session pool behind one façade.
package dexto

import (
	"context"
	"fmt"

	"github.com/dexto-ai/dexto/bus"
	"github.com/dexto-ai/dexto/config"
	"github.com/dexto-ai/dexto/llm"
	openaiprovider "github.com/dexto-ai/dexto/llm/providers/openai"
	"github.com/dexto-ai/dexto/mcp"
	"github.com/dexto-ai/dexto/session"
	"github.com/dexto-ai/dexto/slogger"
	"github.com/dexto-ai/dexto/storage"
)

// Agent is the top-level runtime. All conversation logic lives in the
// session package; the agent wires the pieces together and routes calls.
type Agent struct {
	cfg      *config.Config
	logger   slogger.Logger
	events   *bus.Bus
	store    *storage.Manager
	tools    *mcp.Manager
	sessions *session.Manager
}

// Option configures agent construction.
type Option func(*agentOptions)

type agentOptions struct {
	logger          slogger.Logger
	storageRoot     string
	providerFactory session.ProviderFactory
}

// WithLogger sets the agent's logger.
func WithLogger(logger slogger.Logger) Option {
	return func(o *agentOptions) { o.logger = logger }
}

// WithStorageRoot pins the storage root directory, bypassing project
// detection.
func WithStorageRoot(path string) Option {
	return func(o *agentOptions) { o.storageRoot = path }
}

// WithProviderFactory overrides how model providers are built. Used by
// tests to inject stubs.
func WithProviderFactory(factory session.ProviderFactory) Option {
	return func(o *agentOptions) { o.providerFactory = factory }
}

// buildProvider is the default provider factory.
func buildProvider(cfg llm.Config) (llm.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return openaiprovider.New(cfg), nil
	default:
		return nil, fmt.Errorf("dexto: unsupported llm provider %q", cfg.Provider)
	}
}

// NewAgent builds and starts the agent: storage is resolved and opened, MCP
// servers are connected per the configured init mode, and the session
// manager begins its expiry sweep.
func NewAgent(ctx context.Context, cfg *config.Config, opts ...Option) (*Agent, error) {
	options := agentOptions{
		logger:          slogger.DefaultLogger,
		providerFactory: buildProvider,
	}
	for _, opt := range opts {
		opt(&options)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	storageCtx, err := storage.ResolveContext(storage.ContextOptions{CustomRoot: options.storageRoot})
	if err != nil {
		return nil, err
	}
	store, err := storage.NewManager(storageCtx, cfg.Storage, options.logger)
	if err != nil {
		return nil, err
	}

	events := bus.New(bus.WithLogger(options.logger))

	tools := mcp.NewManager(
		mcp.WithManagerLogger(options.logger),
		mcp.WithEventBus(events),
	)
	if err := tools.InitializeFromConfig(ctx, cfg.MCPServers, cfg.MCPInitMode); err != nil {
		store.Close()
		return nil, err
	}

	sessions := session.NewManager(store, events, tools, cfg.LLM,
		options.providerFactory, cfg.Sessions, options.logger)
	if err := sessions.Init(ctx); err != nil {
		tools.DisconnectAll()
		store.Close()
		return nil, err
	}

	return &Agent{
		cfg:      cfg,
		logger:   options.logger,
		events:   events,
		store:    store,
		tools:    tools,
		sessions: sessions,
	}, nil
}

// Run executes one conversational turn on the named session, creating it if
// needed. An empty sessionID targets the default session.
func (a *Agent) Run(ctx context.Context, text string, image *llm.ImageAttachment, sessionID string) (string, error) {
	if sessionID == "" {
		sessionID = session.DefaultSessionID
	}
	sess, err := a.sessions.CreateSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	before, countErr := sess.MessageCount(ctx)
	response, err := sess.Run(ctx, text, image)
	if err != nil {
		return "", err
	}
	// The counter tracks stored history length, including any tool traffic
	// appended during the turn.
	if countErr == nil {
		var after int
		after, countErr = sess.MessageCount(ctx)
		if countErr == nil && after > before {
			countErr = a.sessions.AddToMessageCount(ctx, sess.ID, after-before)
		}
	}
	if countErr != nil {
		a.logger.Warn("dexto: message count update failed", "session_id", sess.ID, "error", countErr)
	}
	return response, nil
}

// Reset clears the named session's conversation. An empty sessionID targets
// the default session.
func (a *Agent) Reset(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		sessionID = session.DefaultSessionID
	}
	sess, err := a.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return sess.Reset(ctx)
}

// SwitchLLM changes the model configuration. An empty sessionID switches
// every active session and the default for future ones; otherwise only the
// named session switches.
func (a *Agent) SwitchLLM(ctx context.Context, cfg llm.Config, sessionID string) error {
	if sessionID == "" {
		return a.sessions.SwitchLLMForAllSessions(ctx, cfg)
	}
	return a.sessions.SwitchLLMForSpecificSession(ctx, sessionID, cfg)
}

// ListSessions returns the ids of all live sessions.
func (a *Agent) ListSessions(ctx context.Context) ([]string, error) {
	return a.sessions.ListSessions(ctx)
}

// GetSessionMetadata returns the persisted record for one session.
func (a *Agent) GetSessionMetadata(ctx context.Context, sessionID string) (*session.SessionMetadata, error) {
	return a.sessions.GetSessionMetadata(ctx, sessionID)
}

// EndSession removes a session and its history. Idempotent.
func (a *Agent) EndSession(ctx context.Context, sessionID string) error {
	return a.sessions.EndSession(ctx, sessionID)
}

// Subscribe registers a handler on the global event bus.
func (a *Agent) Subscribe(name bus.Name, handler bus.Handler) *bus.Subscription {
	return a.events.On(name, handler)
}

// Unsubscribe detaches a subscription returned by Subscribe.
func (a *Agent) Unsubscribe(sub *bus.Subscription) {
	sub.Cancel()
}

// Tools exposes the MCP manager for direct tool and prompt access.
func (a *Agent) Tools() *mcp.Manager { return a.tools }

// Close shuts the agent down: sessions are disposed (their state persists),
// MCP connections closed, and storage released.
func (a *Agent) Close(ctx context.Context) error {
	a.sessions.Cleanup(ctx)
	a.tools.DisconnectAll()
	return a.store.Close()
}
