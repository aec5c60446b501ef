// Package provider defines the streaming chat-completion boundary the
// Prompt Engine drives. It generalizes the donor's agent.LLMProvider
// interface to this domain's event shape (block-oriented deltas instead
// of a flat text/tool-call split), since the Engine materializes
// PromptEvents and Blocks directly from provider events rather than
// reassembling a CompletionChunk stream itself.
package provider

import (
	"context"
	"encoding/json"
)

// Provider drives one streaming chat-completion call against an
// external model backend. Implementations must be safe for concurrent
// use: the Coordinator may run Prompt Engines for different
// conversations concurrently, each calling Stream independently.
type Provider interface {
	// Stream sends req and returns a channel of StreamEvents. The
	// channel is closed after a terminal event (Type == EventMessageStop
	// or EventError) or when ctx is done. Creation-time errors (bad
	// request shape, schema conversion failure) are returned directly;
	// transport and server-side errors are delivered as an EventError.
	Stream(ctx context.Context, req *Request) (<-chan *StreamEvent, error)

	// Name identifies the provider for logging and metrics labels.
	Name() string

	// DefaultModel returns the model used when Request.Model is empty.
	DefaultModel() string
}

// Message is one entry in the conversation sent to the provider.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall is a provider-assigned tool invocation request, echoed back
// into continuation requests as part of the assistant's prior turn.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the synthesized response to a prior ToolCall, sent back
// on the next continuation request.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolDefinition describes one callable tool made available to the
// model for this request.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request carries everything needed for one provider call, including
// continuation calls that append a synthesized tool-result Message.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// EventType discriminates StreamEvent's payload, mirroring the
// Anthropic SSE event taxonomy that is this repo's one concrete
// provider (§6's "provider protocol consumed").
type EventType string

const (
	EventMessageStart    EventType = "message_start"
	EventBlockStart      EventType = "block_start"
	EventBlockDelta      EventType = "block_delta"
	EventBlockStop       EventType = "block_stop"
	EventMessageDelta    EventType = "message_delta"
	EventMessageStop     EventType = "message_stop"
	EventError           EventType = "error"
)

// BlockKind identifies the kind of content a block_start event opens.
type BlockKind string

const (
	BlockKindText     BlockKind = "text"
	BlockKindThinking BlockKind = "thinking"
	BlockKindToolUse  BlockKind = "tool_use"
)

// StreamEvent is one item of the provider's event stream, already
// normalized to this domain's vocabulary. The Engine appends each one
// as a PromptEvent (its JSON-marshaled form is the PromptEvent payload)
// and drives block materialization directly off these fields.
type StreamEvent struct {
	Type EventType

	// BlockIndex identifies which content block this event concerns,
	// for BlockStart/BlockDelta/BlockStop events.
	BlockIndex int
	BlockKind  BlockKind

	// Text/Thinking carry incremental content for BlockDelta events.
	Text     string
	Thinking string

	// ToolCallID/ToolName are populated on a tool_use BlockStart.
	ToolCallID string
	ToolName   string
	// ToolInputDelta carries a fragment of the tool call's JSON input,
	// accumulated by the Engine across BlockDelta events until BlockStop.
	ToolInputDelta string

	InputTokens  int
	OutputTokens int

	Err error
}
