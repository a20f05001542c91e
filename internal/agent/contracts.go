// Package agent runs multi-turn, tool-calling conversations for
// authenticated accounts. Each turn streams model output, dispatches bound
// portfolio tools, and commits exactly one durable checkpoint per completed
// turn through the internal/checkpoint store.
package agent

import (
	"context"
	"encoding/json"
)

// Message roles carried in the transcript.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content part kinds.
const (
	PartText       = "text"
	PartToolCall   = "tool_call"
	PartToolResult = "tool_result"
)

// ContentPart is one piece of a transcript message. Exactly the fields for
// its Type are set: text parts carry Text, tool_call parts carry
// ToolCallID/ToolName/ArgsJSON, tool_result parts carry
// ToolCallID/ToolName/JSON/IsError.
type ContentPart struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ArgsJSON   string          `json:"args_json,omitempty"`
	JSON       json.RawMessage `json:"json,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

type Message struct {
	Role  string        `json:"role"`
	Parts []ContentPart `json:"parts"`
}

func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []ContentPart{{Type: PartText, Text: text}}}
}

// ToolDef describes a tool as presented to the model. Handler is already
// bound to the authenticated account; the raw args it receives never include
// account identity.
type ToolDef struct {
	Name        string
	Description string
	// SchemaJSON is the JSON Schema for the tool's arguments.
	SchemaJSON string
	// ParallelSafe tools may run concurrently with each other.
	ParallelSafe bool
	Handler      func(ctx context.Context, args map[string]any) (any, error)
}

// ToolCall is one call requested by the model within an assistant message.
type ToolCall struct {
	ID       string
	Name     string
	ArgsJSON string
}

// Tool result statuses.
const (
	ToolStatusSuccess = "success"
	ToolStatusError   = "error"
	ToolStatusAborted = "aborted"
	ToolStatusTimeout = "timeout"
)

type ToolResult struct {
	CallID string
	Name   string
	Status string
	// Value is the handler's marshaled result on success.
	Value json.RawMessage
	// Message describes the failure for non-success statuses.
	Message string
}

// Stream event types emitted by a provider while generating.
const (
	StreamText          = "text_delta"
	StreamToolCallStart = "tool_call_start"
	StreamToolCallDelta = "tool_call_delta"
	StreamToolCallEnd   = "tool_call_end"
	StreamUsage         = "usage"
)

type StreamEvent struct {
	Type string
	// Text carries the delta for text_delta events.
	Text string
	// Call carries the accumulated call so far for tool_call_* events.
	Call ToolCall
}

type Usage struct {
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
}

// TurnRequest is one model generation: the transcript so far plus the tools
// the model may call.
type TurnRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDef
	MaxTokens    int64
}

// TurnResult is what the model produced. FinishReason is "tool_calls" when
// ToolCalls is non-empty, otherwise "stop", "length", or "error".
type TurnResult struct {
	FinishReason string
	Text         string
	ToolCalls    []ToolCall
	Usage        Usage
}

// Provider streams one model generation. Implementations must invoke onEvent
// from a single goroutine and return the final accumulated result.
type Provider interface {
	StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error)
}
