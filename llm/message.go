// Package llm defines the provider-neutral conversation model and the
// tool-calling completion service that drives a single conversational turn.
package llm

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ImageAttachment carries base64 image data alongside a user message.
type ImageAttachment struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// Message is one entry in a conversation. Tool results use RoleTool with
// ToolCallID correlating back to the assistant's request.
type Message struct {
	Role       Role             `json:"role"`
	Content    string           `json:"content,omitempty"`
	Image      *ImageAttachment `json:"image,omitempty"`
	ToolCalls  []ToolCall       `json:"toolCalls,omitempty"`
	ToolCallID string           `json:"toolCallId,omitempty"`
	ToolName   string           `json:"toolName,omitempty"`
	Timestamp  int64            `json:"timestamp,omitempty"` // unix milliseconds
}

// NewUserMessage builds a user message, optionally with an image attachment.
func NewUserMessage(text string, image *ImageAttachment) Message {
	return Message{
		Role:      RoleUser,
		Content:   text,
		Image:     image,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewAssistantMessage builds an assistant message carrying text and any tool
// calls the model requested.
func NewAssistantMessage(text string, calls []ToolCall) Message {
	return Message{
		Role:      RoleAssistant,
		Content:   text,
		ToolCalls: calls,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewToolResultMessage builds the tool-role message that answers one call.
func NewToolResultMessage(callID, toolName, result string) Message {
	return Message{
		Role:       RoleTool,
		Content:    result,
		ToolCallID: callID,
		ToolName:   toolName,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// DecodeMessage parses a stored message record.
func DecodeMessage(raw json.RawMessage) (Message, error) {
	var msg Message
	err := json.Unmarshal(raw, &msg)
	return msg, err
}
