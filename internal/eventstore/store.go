// Package eventstore persists conversations, messages, prompts, blocks,
// prompt events, and tool calls, and reassembles them into
// ConversationSnapshots for clients attaching mid-stream.
//
// Grounded on internal/sessions/store.go's Store interface shape
// (CRUD + lookup methods grouped by entity), generalized from a single
// Session/Message pair to the full entity set in pkg/model.
package eventstore

import (
	"context"
	"errors"

	"github.com/haasonsaas/loom/pkg/model"
)

var (
	ErrNotFound      = errors.New("eventstore: not found")
	ErrAlreadyExists = errors.New("eventstore: already exists")
)

// ListOptions bounds a listing query.
type ListOptions struct {
	Limit  int
	Offset int
}

// Store is the persistence interface the Coordinator and Prompt Engine
// depend on. One implementation (MemoryStore) backs tests and local
// runs; SQLStore backs Postgres/CockroachDB and pure-Go SQLite.
type Store interface {
	CreateConversation(ctx context.Context, c *model.Conversation) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// SetActivePrompt atomically sets or clears (promptID="") a
	// conversation's ActivePromptID, enforcing the single-active-prompt
	// invariant at the storage layer: it fails with ErrAlreadyExists if
	// the conversation already has a different non-empty ActivePromptID
	// and promptID is non-empty.
	SetActivePrompt(ctx context.Context, conversationID string, promptID string) error
	ListConversations(ctx context.Context, userID string, opts ListOptions) ([]*model.Conversation, error)

	CreateMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	UpdateMessage(ctx context.Context, m *model.Message) error
	ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]*model.Message, error)
	// NextQueuedMessage returns the oldest message with status=queued for
	// conversationID ordered by QueueOrder, or ErrNotFound if none.
	NextQueuedMessage(ctx context.Context, conversationID string) (*model.Message, error)

	CreatePrompt(ctx context.Context, p *model.Prompt) error
	GetPrompt(ctx context.Context, id string) (*model.Prompt, error)
	UpdatePrompt(ctx context.Context, p *model.Prompt) error

	CreateBlock(ctx context.Context, b *model.Block) error
	GetBlock(ctx context.Context, id string) (*model.Block, error)
	UpdateBlock(ctx context.Context, b *model.Block) error
	ListBlocksByMessage(ctx context.Context, messageID string) ([]*model.Block, error)

	AppendPromptEvent(ctx context.Context, e *model.PromptEvent) error
	ListPromptEvents(ctx context.Context, promptID string, afterIndex int) ([]*model.PromptEvent, error)

	CreateToolCall(ctx context.Context, tc *model.ToolCall) error
	GetToolCall(ctx context.Context, id string) (*model.ToolCall, error)
	UpdateToolCall(ctx context.Context, tc *model.ToolCall) error
	ListToolCallsByPrompt(ctx context.Context, promptID string) ([]*model.ToolCall, error)

	// Snapshot assembles a ConversationSnapshot from current state,
	// grounded on pkg/model.ConversationSnapshot's keyed-by-MessageID /
	// keyed-by-PromptID map shape.
	Snapshot(ctx context.Context, conversationID string) (*model.ConversationSnapshot, error)
}
