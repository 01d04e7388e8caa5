// Package agent runs bounded, turn-based conversations with the reasoning
// service, dispatching tool-call requests to a sandboxed executor.
package agent

import (
	"context"
	"strings"
)

// Stop reasons signaled by the reasoning service.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one block of a message. The reasoning service speaks in
// typed blocks: text, tool_use (a tool-call request) and tool_result.
type ContentBlock struct {
	Type string `json:"type"`

	// Text payload, for text blocks.
	Text string `json:"text,omitempty"`

	// Tool-use fields.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// Tool-result fields.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one conversation message.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextMessage builds a plain-text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// ToolDefinition describes one tool offered to the reasoning service.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolCall is a structured tool-call request extracted from a response.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// Usage reports token consumption for one turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is one turn sent to the reasoning service.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// Response is the reasoning service's reply to one turn.
type Response struct {
	Content    []ContentBlock
	StopReason string
	Usage      Usage
}

// Text concatenates the text blocks of the response.
func (r *Response) Text() string {
	var parts []string
	for _, b := range r.Content {
		if b.Type == BlockText && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolCalls extracts the tool-use blocks of the response, in request order.
func (r *Response) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			calls = append(calls, ToolCall{ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return calls
}

// Client abstracts the reasoning-service backend. Implementations must not
// retry internally; transport failures propagate to the caller raw.
type Client interface {
	SendMessage(ctx context.Context, req *Request) (*Response, error)
}
