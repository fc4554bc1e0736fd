package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	sdkclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	sdkmcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/dexto-ai/dexto/slogger"
)

// ConnectionState tracks the lifecycle of a server connection.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateLive       ConnectionState = "live"
	StateFailed     ConnectionState = "failed"
	StateClosed     ConnectionState = "closed"
)

// ToolInfo is the metadata of one tool exposed by a server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// PromptInfo is the metadata of one prompt exposed by a server.
type PromptInfo struct {
	Name        string
	Description string
}

// Client owns one transport connection to an MCP server. Tool and prompt
// listings are cached after the first successful fetch and invalidated when
// the connection leaves the live state.
type Client struct {
	cfg    ServerConfig
	logger slogger.Logger

	mu            sync.RWMutex
	state         ConnectionState
	inner         sdkclient.MCPClient
	cachedTools   []ToolInfo
	cachedPrompts []PromptInfo
	lastError     error
}

// NewClient creates an idle client for the given server config. Call
// Connect to establish the transport and run the MCP handshake.
func NewClient(cfg ServerConfig, logger slogger.Logger) *Client {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Client{cfg: cfg, state: StateIdle, logger: logger}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.cfg.Name }

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the error recorded on the most recent failure.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// headerTransport injects the configured headers into every request.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for key, value := range t.headers {
		req.Header.Set(key, value)
	}
	return t.base.RoundTrip(req)
}

func (c *Client) httpClient() *http.Client {
	if len(c.cfg.Headers) == 0 {
		return http.DefaultClient
	}
	return &http.Client{
		Transport: &headerTransport{headers: c.cfg.Headers, base: http.DefaultTransport},
	}
}

// Connect establishes the transport and performs the MCP initialize
// handshake, bounded by the server's timeout. On failure the client enters
// the failed state with the error recorded.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	inner, err := c.dial(ctx)
	if err != nil {
		c.fail(err)
		return err
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.EffectiveTimeout())
	defer cancel()

	initReq := sdkmcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = sdkmcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = sdkmcp.Implementation{Name: "dexto", Version: "0.1.0"}
	if _, err := inner.Initialize(handshakeCtx, initReq); err != nil {
		inner.Close()
		err = fmt.Errorf("mcp: initialize server %q: %w", c.cfg.Name, err)
		c.fail(err)
		return err
	}

	c.mu.Lock()
	c.inner = inner
	c.state = StateLive
	c.lastError = nil
	c.mu.Unlock()
	return nil
}

func (c *Client) dial(ctx context.Context) (sdkclient.MCPClient, error) {
	switch c.cfg.Type {
	case TransportStdio:
		env := make([]string, 0, len(c.cfg.Env))
		for key, value := range c.cfg.Env {
			env = append(env, key+"="+value)
		}
		cli, err := sdkclient.NewStdioMCPClient(c.cfg.Command, env, c.cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("mcp: start stdio server %q: %w", c.cfg.Name, err)
		}
		return cli, nil

	case TransportSSE:
		cli, err := sdkclient.NewSSEMCPClient(c.cfg.URL, transport.WithHTTPClient(c.httpClient()))
		if err != nil {
			return nil, fmt.Errorf("mcp: create sse client %q: %w", c.cfg.Name, err)
		}
		if err := cli.Start(ctx); err != nil {
			return nil, fmt.Errorf("mcp: start sse client %q: %w", c.cfg.Name, err)
		}
		return cli, nil

	case TransportHTTP:
		cli, err := sdkclient.NewStreamableHttpClient(c.cfg.BaseURL,
			transport.WithHTTPBasicClient(c.httpClient()))
		if err != nil {
			return nil, fmt.Errorf("mcp: create http client %q: %w", c.cfg.Name, err)
		}
		if err := cli.Start(ctx); err != nil {
			return nil, fmt.Errorf("mcp: start http client %q: %w", c.cfg.Name, err)
		}
		return cli, nil

	default:
		return nil, fmt.Errorf("mcp: unknown transport %q for server %q", c.cfg.Type, c.cfg.Name)
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateFailed
	c.lastError = err
	c.cachedTools = nil
	c.cachedPrompts = nil
}

func (c *Client) live() (sdkclient.MCPClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateLive || c.inner == nil {
		return nil, fmt.Errorf("%w: server %q is %s", ErrNotConnected, c.cfg.Name, c.state)
	}
	return c.inner, nil
}

// ListTools returns the tools exposed by the server, cached after the first
// successful fetch.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	c.mu.RLock()
	cached := c.cachedTools
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	inner, err := c.live()
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.EffectiveTimeout())
	defer cancel()

	result, err := inner.ListTools(callCtx, sdkmcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools on %q: %w", c.cfg.Name, err)
	}
	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, tool := range result.Tools {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			schema = json.RawMessage("{}")
		}
		tools = append(tools, ToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	c.mu.Lock()
	if c.state == StateLive {
		c.cachedTools = tools
	}
	c.mu.Unlock()
	return tools, nil
}

// ListPrompts returns the prompts exposed by the server, cached after the
// first successful fetch. Servers without prompt support return an error,
// which the manager tolerates.
func (c *Client) ListPrompts(ctx context.Context) ([]PromptInfo, error) {
	c.mu.RLock()
	cached := c.cachedPrompts
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	inner, err := c.live()
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.EffectiveTimeout())
	defer cancel()

	result, err := inner.ListPrompts(callCtx, sdkmcp.ListPromptsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp: list prompts on %q: %w", c.cfg.Name, err)
	}
	prompts := make([]PromptInfo, 0, len(result.Prompts))
	for _, prompt := range result.Prompts {
		prompts = append(prompts, PromptInfo{Name: prompt.Name, Description: prompt.Description})
	}

	c.mu.Lock()
	if c.state == StateLive {
		c.cachedPrompts = prompts
	}
	c.mu.Unlock()
	return prompts, nil
}

// GetPrompt fetches a prompt from the server and returns the concatenated
// text of its messages.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	inner, err := c.live()
	if err != nil {
		return "", err
	}

	req := sdkmcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.EffectiveTimeout())
	defer cancel()

	result, err := inner.GetPrompt(callCtx, req)
	if err != nil {
		return "", fmt.Errorf("mcp: get prompt %q on %q: %w", name, c.cfg.Name, err)
	}

	var parts []string
	for _, msg := range result.Messages {
		if text, ok := msg.Content.(sdkmcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// CallTool invokes a tool and returns the concatenated text content. args
// may be a map or a JSON string; an unparseable string is wrapped as
// {"input": s}. A server-reported tool error is returned as a non-nil error
// wrapping the server's message.
func (c *Client) CallTool(ctx context.Context, name string, args any) (string, error) {
	inner, err := c.live()
	if err != nil {
		return "", err
	}

	req := sdkmcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = normalizeArgs(args)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.EffectiveTimeout())
	defer cancel()

	result, err := inner.CallTool(callCtx, req)
	if err != nil {
		return "", fmt.Errorf("mcp: call tool %q on %q: %w", name, c.cfg.Name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(sdkmcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return "", fmt.Errorf("mcp: tool %q returned error: %s", name, text)
	}
	return text, nil
}

// normalizeArgs converts the accepted argument forms into the structured
// object the protocol expects.
func normalizeArgs(args any) map[string]any {
	switch v := args.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			return parsed
		}
		return map[string]any{"input": v}
	default:
		// Round-trip through JSON for struct arguments.
		data, err := json.Marshal(v)
		if err != nil {
			return map[string]any{}
		}
		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			return map[string]any{}
		}
		return parsed
	}
}

// Close terminates the connection and invalidates the caches. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	inner := c.inner
	c.inner = nil
	c.state = StateClosed
	c.cachedTools = nil
	c.cachedPrompts = nil
	c.mu.Unlock()

	if inner == nil {
		return nil
	}
	return inner.Close()
}
