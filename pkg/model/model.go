// Package model defines the durable entities shared across the orchestrator:
// conversations, messages, prompts, blocks, prompt events, and tool calls.
package model

import (
	"encoding/json"
	"time"
)

// Role indicates the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus tracks a Message through its lifecycle.
type MessageStatus string

const (
	MessageQueued     MessageStatus = "queued"
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageError      MessageStatus = "error"
)

// PromptStatus tracks a Prompt through its lifecycle.
type PromptStatus string

const (
	PromptCreated             PromptStatus = "created"
	PromptStreaming           PromptStatus = "streaming"
	PromptWaitingForTools     PromptStatus = "waiting_for_tools"
	PromptReadyForContinuation PromptStatus = "ready_for_continuation"
	PromptCompleted           PromptStatus = "completed"
	PromptError               PromptStatus = "error"
)

// ActivePromptStatuses are the statuses under which a Prompt holds the
// conversation's single-active-prompt slot.
var ActivePromptStatuses = map[PromptStatus]bool{
	PromptStreaming:            true,
	PromptWaitingForTools:      true,
	PromptReadyForContinuation: true,
}

// IsActive reports whether a Prompt's status counts toward the
// single-active-prompt-per-conversation invariant.
func (s PromptStatus) IsActive() bool {
	return ActivePromptStatuses[s]
}

// BlockType identifies the kind of content a Block carries.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockAttachment BlockType = "attachment"
)

// ToolCallState tracks a ToolCall through its lifecycle. Transitions are
// monotonic: pending -> executing -> (complete | error | canceled).
type ToolCallState string

const (
	ToolCallPending   ToolCallState = "pending"
	ToolCallExecuting ToolCallState = "executing"
	ToolCallComplete  ToolCallState = "complete"
	ToolCallErrorS    ToolCallState = "error"
	ToolCallCanceled  ToolCallState = "canceled"
)

// IsTerminal reports whether the state is a resolved end state.
func (s ToolCallState) IsTerminal() bool {
	switch s {
	case ToolCallComplete, ToolCallErrorS, ToolCallCanceled:
		return true
	default:
		return false
	}
}

// User is the owner of Conversations.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is one long-lived thread between a User and the assistant.
// ActivePromptID is non-empty exactly while a Prompt with an active status
// exists for this conversation; it is the serialization point enforcing the
// single-active-prompt invariant, not merely informational.
type Conversation struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Title          string    `json:"title,omitempty"`
	ActivePromptID string    `json:"active_prompt_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message is one turn's worth of content, either queued user input or an
// assistant response driven by a Prompt.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Role           Role          `json:"role"`
	Status         MessageStatus `json:"status"`
	QueueOrder     int64         `json:"queue_order,omitempty"`
	// Steering marks a user message enqueued while a prompt is already
	// active; the Engine folds it into the next continuation turn instead
	// of waiting for the whole prompt to finish.
	Steering  bool      `json:"steering,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Prompt is one provider invocation plus its tool-driven continuations,
// bound to a single assistant Message.
type Prompt struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id"`
	Status         PromptStatus    `json:"status"`
	Model          string          `json:"model"`
	SystemMessage  string          `json:"system_message,omitempty"`
	Request        json.RawMessage `json:"request,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Block is a contiguous piece of Message content of one type. Order is
// stable and unique within a Message.
type Block struct {
	ID          string    `json:"id"`
	MessageID   string    `json:"message_id"`
	PromptID    string    `json:"prompt_id,omitempty"`
	Type        BlockType `json:"type"`
	Order       int       `json:"order"`
	Content     string    `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	IsFinalized bool      `json:"is_finalized"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PromptEvent is one raw provider event, appended in the order observed.
// (PromptID, IndexNum) is unique and IndexNum is 0-based contiguous,
// permitting deterministic replay.
type PromptEvent struct {
	ID       string          `json:"id"`
	PromptID string          `json:"prompt_id"`
	IndexNum int             `json:"index_num"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

// ToolCall is one provider-requested tool invocation within a Prompt.
type ToolCall struct {
	ID            string          `json:"id"`
	PromptID      string          `json:"prompt_id"`
	BlockID       string          `json:"block_id"`
	APIToolCallID string          `json:"api_tool_call_id"`
	ToolName      string          `json:"tool_name"`
	State         ToolCallState   `json:"state"`
	Request       json.RawMessage `json:"request,omitempty"`
	Output        string          `json:"output"`
	Error         string          `json:"error,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// ConversationSnapshot is the full materialized state of a Conversation as
// returned by getConversation / the non-live half of streamConversation.
type ConversationSnapshot struct {
	Conversation *Conversation `json:"conversation"`
	Messages     []*Message    `json:"messages"`
	Blocks       map[string][]*Block    `json:"blocks"`     // keyed by MessageID
	ToolCalls    map[string][]*ToolCall `json:"tool_calls"` // keyed by PromptID
}
