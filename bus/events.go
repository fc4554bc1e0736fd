package bus

// Name identifies an event type on the bus.
type Name string

// Events emitted by the LLM service during a conversation turn.
const (
	LLMThinking   Name = "llmservice:thinking"
	LLMChunk      Name = "llmservice:chunk"
	LLMToolCall   Name = "llmservice:toolCall"
	LLMToolResult Name = "llmservice:toolResult"
	LLMResponse   Name = "llmservice:response"
	LLMError      Name = "llmservice:error"
	LLMSwitched   Name = "llmservice:switched"
)

// Events emitted by the message manager and the agent as a whole.
const (
	ConversationReset      Name = "messageManager:conversationReset"
	AgentConversationReset Name = "saiki:conversationReset"
	MCPServerConnected     Name = "saiki:mcpServerConnected"
	AvailableToolsUpdated  Name = "saiki:availableToolsUpdated"
	AgentLLMSwitched       Name = "saiki:llmSwitched"
)

// Event is a single occurrence on the bus. SessionID is empty on a session's
// local bus and filled in when the event is forwarded to the global bus.
type Event struct {
	Name      Name
	SessionID string
	Payload   any
}

// ThinkingPayload accompanies LLMThinking.
type ThinkingPayload struct{}

// ChunkPayload carries one streaming delta of an in-progress response.
type ChunkPayload struct {
	Text       string `json:"text"`
	IsComplete bool   `json:"isComplete"`
}

// ToolCallPayload announces a tool invocation. CallID correlates the call
// with its eventual ToolResultPayload.
type ToolCallPayload struct {
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args"`
	CallID   string         `json:"callId"`
}

// ToolResultPayload carries the outcome of a tool invocation.
type ToolResultPayload struct {
	ToolName string `json:"toolName"`
	Result   any    `json:"result"`
	CallID   string `json:"callId"`
	Success  bool   `json:"success"`
}

// ResponsePayload carries the final text of a completed turn.
type ResponsePayload struct {
	Text       string `json:"text"`
	TokenCount int    `json:"tokenCount,omitempty"`
	Model      string `json:"model,omitempty"`
}

// ErrorPayload reports an LLM service failure. Recoverable=false means the
// turn was aborted (timeout, cancellation, fatal provider error).
type ErrorPayload struct {
	Message     string `json:"message"`
	Context     string `json:"context,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// SwitchedPayload announces an LLM configuration change on one session.
// NewConfig holds the llm configuration; it is typed as any to keep the bus
// free of llm imports.
type SwitchedPayload struct {
	NewConfig       any    `json:"newConfig"`
	Router          string `json:"router"`
	HistoryRetained bool   `json:"historyRetained"`
}

// ResetPayload accompanies the conversation-reset events.
type ResetPayload struct{}

// ServerConnectedPayload reports one MCP server connection attempt.
type ServerConnectedPayload struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ToolsUpdatedPayload announces a change in the available tool set.
type ToolsUpdatedPayload struct {
	Tools  []string `json:"tools"`
	Source string   `json:"source"`
}

// AgentSwitchedPayload is the fan-out variant of SwitchedPayload, carrying
// the ids of the sessions that actually switched.
type AgentSwitchedPayload struct {
	NewConfig       any      `json:"newConfig"`
	Router          string   `json:"router"`
	HistoryRetained bool     `json:"historyRetained"`
	SessionIDs      []string `json:"sessionIds,omitempty"`
}
