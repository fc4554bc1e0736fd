package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dexto-ai/dexto/bus"
	"github.com/dexto-ai/dexto/slogger"
)

// toolClient is the subset of Client the manager uses. Tests substitute
// their own implementations through the client factory.
type toolClient interface {
	Name() string
	Connect(ctx context.Context) error
	State() ConnectionState
	LastError() error
	ListTools(ctx context.Context) ([]ToolInfo, error)
	ListPrompts(ctx context.Context) ([]PromptInfo, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (string, error)
	CallTool(ctx context.Context, name string, args any) (string, error)
	Close() error
}

// Manager maintains the pool of MCP server connections and routes tool and
// prompt invocations to the server that owns them.
type Manager struct {
	logger slogger.Logger
	events *bus.Bus

	// newClient builds the client for one server. Overridable for tests.
	newClient func(cfg ServerConfig) toolClient

	mu           sync.RWMutex
	clients      map[string]toolClient
	failed       map[string]error
	toolIndex    map[string]string // tool name -> server name
	promptIndex  map[string]string // prompt name -> server name
	indexBuilt   bool
	promptsBuilt bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger slogger.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithEventBus attaches a bus on which connection and tool-set events are
// emitted.
func WithEventBus(events *bus.Bus) ManagerOption {
	return func(m *Manager) { m.events = events }
}

// NewManager returns a manager with no connections. Call
// InitializeFromConfig to connect servers.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:      slogger.DefaultLogger,
		clients:     make(map[string]toolClient),
		failed:      make(map[string]error),
		toolIndex:   make(map[string]string),
		promptIndex: make(map[string]string),
	}
	m.newClient = func(cfg ServerConfig) toolClient {
		return NewClient(cfg, m.logger)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InitializeFromConfig connects every configured server. Under InitStrict a
// single failure is fatal: servers that did connect during the attempt are
// closed and dropped so no tools from a partial initialization stay
// registered, and an InitError naming all failures is returned. Under
// InitLenient failures are recorded and skipped, but if servers were
// configured and none connected, ErrNoServersConnected is returned. Server
// names are iterated in sorted order so attempts are deterministic.
func (m *Manager) InitializeFromConfig(ctx context.Context, servers map[string]ServerConfig, mode InitMode) error {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := make(map[string]error)
	var connected []string

	for _, name := range names {
		cfg := servers[name]
		cfg.Name = name

		err := cfg.Validate()
		if err == nil {
			client := m.newClient(cfg)
			if err = client.Connect(ctx); err == nil {
				m.mu.Lock()
				m.clients[name] = client
				m.indexBuilt = false
				m.promptsBuilt = false
				m.mu.Unlock()
				connected = append(connected, name)
			}
		}

		m.emitConnected(name, err)
		if err != nil {
			m.logger.Warn("mcp: server connection failed", "server", name, "error", err)
			failed[name] = err
		}
	}

	m.mu.Lock()
	m.failed = failed
	m.mu.Unlock()

	switch mode {
	case InitStrict:
		if len(failed) > 0 {
			m.dropClients(connected)
			return &InitError{Mode: mode, Failed: failed}
		}
	case InitLenient:
		if len(servers) > 0 && len(connected) == 0 {
			return fmt.Errorf("%w: %d configured, all failed", ErrNoServersConnected, len(servers))
		}
	default:
		return fmt.Errorf("mcp: unknown init mode %q", mode)
	}
	return nil
}

// dropClients closes and forgets the named clients and invalidates the
// routing indexes. Unwinds a partially-successful strict initialization.
func (m *Manager) dropClients(names []string) {
	m.mu.Lock()
	clients := make([]toolClient, 0, len(names))
	for _, name := range names {
		if client, ok := m.clients[name]; ok {
			clients = append(clients, client)
			delete(m.clients, name)
		}
	}
	m.toolIndex = make(map[string]string)
	m.promptIndex = make(map[string]string)
	m.indexBuilt = false
	m.promptsBuilt = false
	m.mu.Unlock()

	for _, client := range clients {
		if err := client.Close(); err != nil {
			m.logger.Warn("mcp: close failed", "server", client.Name(), "error", err)
		}
	}
}

func (m *Manager) emitConnected(name string, err error) {
	if m.events == nil {
		return
	}
	payload := bus.ServerConnectedPayload{Name: name, Success: err == nil}
	if err != nil {
		payload.Error = err.Error()
	}
	m.events.Emit(bus.Event{Name: bus.MCPServerConnected, Payload: payload})
}

// GetAllTools returns the merged tool set across connected servers and
// rebuilds the routing index. When two servers expose the same tool name the
// last writer wins and a warning is logged.
func (m *Manager) GetAllTools(ctx context.Context) (map[string]ToolInfo, error) {
	m.mu.RLock()
	clients := make(map[string]toolClient, len(m.clients))
	for name, client := range m.clients {
		clients[name] = client
	}
	m.mu.RUnlock()

	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	sort.Strings(names)

	merged := make(map[string]ToolInfo)
	index := make(map[string]string)
	for _, serverName := range names {
		tools, err := clients[serverName].ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("mcp: list tools on %q: %w", serverName, err)
		}
		for _, tool := range tools {
			if prev, ok := index[tool.Name]; ok && prev != serverName {
				m.logger.Warn("mcp: tool name collision, last writer wins",
					"tool", tool.Name, "kept", serverName, "shadowed", prev)
			}
			merged[tool.Name] = tool
			index[tool.Name] = serverName
		}
	}

	m.mu.Lock()
	m.toolIndex = index
	m.indexBuilt = true
	m.mu.Unlock()

	m.emitToolsUpdated(merged)
	return merged, nil
}

func (m *Manager) emitToolsUpdated(tools map[string]ToolInfo) {
	if m.events == nil {
		return
	}
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	m.events.Emit(bus.Event{
		Name:    bus.AvailableToolsUpdated,
		Payload: bus.ToolsUpdatedPayload{Tools: names, Source: "mcp"},
	})
}

// ExecuteTool routes the call to the server that owns the tool. Every
// failure, including routing failures, is returned as a readable string
// result with a nil error so a conversation loop can report it to the model
// and continue.
func (m *Manager) ExecuteTool(ctx context.Context, name string, args any) (string, error) {
	client, err := m.clientForTool(ctx, name)
	if err != nil {
		return fmt.Sprintf("Error: %s", err), nil
	}
	result, err := client.CallTool(ctx, name, args)
	if err != nil {
		return fmt.Sprintf("Error executing tool %s: %s", name, err), nil
	}
	return result, nil
}

func (m *Manager) clientForTool(ctx context.Context, name string) (toolClient, error) {
	m.mu.RLock()
	built := m.indexBuilt
	serverName, ok := m.toolIndex[name]
	m.mu.RUnlock()

	if !built {
		if _, err := m.GetAllTools(ctx); err != nil {
			return nil, err
		}
		m.mu.RLock()
		serverName, ok = m.toolIndex[name]
		m.mu.RUnlock()
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}

	m.mu.RLock()
	client, live := m.clients[serverName]
	m.mu.RUnlock()
	if !live {
		return nil, fmt.Errorf("%w: server %q for tool %q", ErrNotConnected, serverName, name)
	}
	return client, nil
}

// GetAllPrompts returns the merged prompt set across connected servers and
// rebuilds the prompt routing index. Servers without prompt support are
// skipped.
func (m *Manager) GetAllPrompts(ctx context.Context) (map[string]PromptInfo, error) {
	m.mu.RLock()
	clients := make(map[string]toolClient, len(m.clients))
	for name, client := range m.clients {
		clients[name] = client
	}
	m.mu.RUnlock()

	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	sort.Strings(names)

	merged := make(map[string]PromptInfo)
	index := make(map[string]string)
	for _, serverName := range names {
		prompts, err := clients[serverName].ListPrompts(ctx)
		if err != nil {
			m.logger.Debug("mcp: server does not expose prompts", "server", serverName, "error", err)
			continue
		}
		for _, prompt := range prompts {
			if prev, ok := index[prompt.Name]; ok && prev != serverName {
				m.logger.Warn("mcp: prompt name collision, last writer wins",
					"prompt", prompt.Name, "kept", serverName, "shadowed", prev)
			}
			merged[prompt.Name] = prompt
			index[prompt.Name] = serverName
		}
	}

	m.mu.Lock()
	m.promptIndex = index
	m.promptsBuilt = true
	m.mu.Unlock()
	return merged, nil
}

// GetPrompt resolves the prompt by name and fetches its content from the
// owning server.
func (m *Manager) GetPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	m.mu.RLock()
	built := m.promptsBuilt
	serverName, ok := m.promptIndex[name]
	m.mu.RUnlock()

	if !built {
		if _, err := m.GetAllPrompts(ctx); err != nil {
			return "", err
		}
		m.mu.RLock()
		serverName, ok = m.promptIndex[name]
		m.mu.RUnlock()
	}
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrPromptNotFound, name)
	}

	m.mu.RLock()
	client, live := m.clients[serverName]
	m.mu.RUnlock()
	if !live {
		return "", fmt.Errorf("%w: server %q for prompt %q", ErrNotConnected, serverName, name)
	}
	return client.GetPrompt(ctx, name, args)
}

// GetFailedConnections returns the per-server errors recorded by the most
// recent initialization.
func (m *Manager) GetFailedConnections() map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]error, len(m.failed))
	for name, err := range m.failed {
		out[name] = err
	}
	return out
}

// ConnectedServers returns the names of live servers in sorted order.
func (m *Manager) ConnectedServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DisconnectAll closes every connection best-effort and clears the routing
// indexes. Close errors are logged, not returned.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]toolClient)
	m.toolIndex = make(map[string]string)
	m.promptIndex = make(map[string]string)
	m.indexBuilt = false
	m.promptsBuilt = false
	m.mu.Unlock()

	for name, client := range clients {
		if err := client.Close(); err != nil {
			m.logger.Warn("mcp: close failed", "server", name, "error", err)
		}
	}
}
