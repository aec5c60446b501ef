// Package coordinator owns the queue of user messages, the
// single-active-prompt invariant, and wires the Prompt Engine to the
// Subscriber Bus for each conversation it drives.
//
// Grounded on internal/agent/tool_registry.go's Runtime.lockSession
// (refcounted per-key mutex map, generalized here from one lock per
// shell session to one per conversation) for processQueue's exclusion,
// and internal/agent/steering.go's SteeringQueue for the queued-while-
// active "steering message" enrichment folded into the Prompt Engine's
// continuation turns.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/loom/internal/apperrors"
	"github.com/haasonsaas/loom/internal/bus"
	"github.com/haasonsaas/loom/internal/engine"
	"github.com/haasonsaas/loom/internal/eventstore"
	"github.com/haasonsaas/loom/internal/obslog"
	"github.com/haasonsaas/loom/internal/provider"
	"github.com/haasonsaas/loom/pkg/model"
)

// Coordinator serializes message processing per conversation and drives
// the Prompt Engine for each assistant turn.
type Coordinator struct {
	store  eventstore.Store
	bus    *bus.Bus
	engine *engine.Engine
	logger *obslog.Logger

	defaultModel  string
	defaultSystem string

	convLocksMu sync.Mutex
	convLocks   map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

// New builds a Coordinator wired to its collaborators.
func New(store eventstore.Store, b *bus.Bus, eng *engine.Engine, logger *obslog.Logger, defaultModel, defaultSystem string) *Coordinator {
	return &Coordinator{
		store:         store,
		bus:           b,
		engine:        eng,
		logger:        logger,
		defaultModel:  defaultModel,
		defaultSystem: defaultSystem,
		convLocks:     make(map[string]*convLock),
	}
}

// lockConversation serializes processQueue re-checks and queue mutation
// for one conversation at a time, mirroring the donor's refcounted
// lockSession so unrelated conversations never contend with each other.
func (c *Coordinator) lockConversation(conversationID string) func() {
	c.convLocksMu.Lock()
	lock := c.convLocks[conversationID]
	if lock == nil {
		lock = &convLock{}
		c.convLocks[conversationID] = lock
	}
	lock.refs++
	c.convLocksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		c.convLocksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(c.convLocks, conversationID)
		}
		c.convLocksMu.Unlock()
	}
}

// QueueMessage inserts a user Message{status=queued} with its text
// content materialized as an unfinalized Block, and triggers
// processQueue if no prompt is currently active for the conversation.
// If a prompt is already active, the message is marked Steering so the
// Engine can fold it into the next tool-result continuation turn
// instead of waiting for the whole prompt to finish. If that prompt
// never reaches a tool-continuation turn (a plain text-only reply), the
// message is never folded; nextProcessableMessage picks it up once the
// active prompt clears instead of leaving it stuck at status=queued.
func (c *Coordinator) QueueMessage(ctx context.Context, conversationID, content string) (*model.Message, error) {
	unlock := c.lockConversation(conversationID)
	defer unlock()

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	msgs, err := c.store.ListMessages(ctx, conversationID, eventstore.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	var maxOrder int64
	for _, m := range msgs {
		if m.QueueOrder > maxOrder {
			maxOrder = m.QueueOrder
		}
	}

	msg := &model.Message{
		ConversationID: conversationID,
		Role:           model.RoleUser,
		Status:         model.MessageQueued,
		QueueOrder:     maxOrder + 1,
		Steering:       conv.ActivePromptID != "",
	}
	if err := c.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	block := &model.Block{
		MessageID: msg.ID,
		Type:      model.BlockText,
		Order:     0,
		Content:   content,
	}
	if err := c.store.CreateBlock(ctx, block); err != nil {
		return nil, fmt.Errorf("create block: %w", err)
	}

	c.bus.Publish(ctx, bus.Event{ConversationID: conversationID, Type: bus.EventMessageCreated, Payload: msg})

	if conv.ActivePromptID == "" {
		go c.processQueue(context.WithoutCancel(ctx), conversationID)
	}

	return msg, nil
}

// EditQueuedMessage updates the text content of a still-queued message.
// It fails with apperrors.ErrMessageNotQueued once the message has left
// the queued state.
func (c *Coordinator) EditQueuedMessage(ctx context.Context, messageID, content string) error {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if msg.Status != model.MessageQueued {
		return apperrors.ErrMessageNotQueued
	}

	blocks, err := c.store.ListBlocksByMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("list blocks: %w", err)
	}
	if len(blocks) == 0 {
		return fmt.Errorf("queued message %s has no content block", messageID)
	}
	blocks[0].Content = content
	return c.store.UpdateBlock(ctx, blocks[0])
}

// DeleteQueuedMessage removes a still-queued message by marking it
// completed with no content dispatched to the model; only messages in
// status=queued may be deleted.
func (c *Coordinator) DeleteQueuedMessage(ctx context.Context, messageID string) error {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if msg.Status != model.MessageQueued {
		return apperrors.ErrMessageNotQueued
	}
	msg.Status = model.MessageCompleted
	return c.store.UpdateMessage(ctx, msg)
}

// GetActivePrompt returns the conversation's active Prompt, or
// eventstore.ErrNotFound if none is active.
func (c *Coordinator) GetActivePrompt(ctx context.Context, conversationID string) (*model.Prompt, error) {
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.ActivePromptID == "" {
		return nil, eventstore.ErrNotFound
	}
	return c.store.GetPrompt(ctx, conv.ActivePromptID)
}

// GetConversation returns a full snapshot of conversationID.
func (c *Coordinator) GetConversation(ctx context.Context, conversationID string) (*model.ConversationSnapshot, error) {
	return c.store.Snapshot(ctx, conversationID)
}

// StreamConversation returns a snapshot of the current state plus a
// live event channel. If a prompt is active at attach time, it first
// replays a synthetic prompt-started followed by block-start/block-delta
// for each non-finalized block of the active prompt's assistant message,
// so the caller can render complete state from the returned events
// alone, per this system's join-after-start contract. Subscribe happens
// before the snapshot is read so no real-time event is lost in the gap.
func (c *Coordinator) StreamConversation(ctx context.Context, conversationID string) (*model.ConversationSnapshot, <-chan bus.Event, func(), error) {
	ch, unsubscribe := c.bus.Subscribe(conversationID)

	snapshot, err := c.store.Snapshot(ctx, conversationID)
	if err != nil {
		unsubscribe()
		return nil, nil, nil, err
	}

	if snapshot.Conversation.ActivePromptID != "" {
		c.replayActivePrompt(ctx, conversationID, snapshot)
	}

	return snapshot, ch, unsubscribe, nil
}

func (c *Coordinator) replayActivePrompt(ctx context.Context, conversationID string, snapshot *model.ConversationSnapshot) {
	promptID := snapshot.Conversation.ActivePromptID
	c.bus.Publish(ctx, bus.Event{ConversationID: conversationID, PromptID: promptID, Type: bus.EventPromptStarted})

	var blocks []*model.Block
	for _, bs := range snapshot.Blocks {
		for _, b := range bs {
			if b.PromptID == promptID && !b.IsFinalized {
				blocks = append(blocks, b)
			}
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Order < blocks[j].Order })

	for _, b := range blocks {
		c.bus.Publish(ctx, bus.Event{ConversationID: conversationID, PromptID: promptID, Type: bus.EventBlockStart, Payload: b})
		if b.Content != "" {
			c.bus.Publish(ctx, bus.Event{
				ConversationID: conversationID,
				PromptID:       promptID,
				Type:           bus.EventBlockDelta,
				Payload:        map[string]string{"block_id": b.ID, "content": b.Content},
			})
		}
	}
}

// processQueue re-checks for an active prompt under the conversation's
// exclusion lock, and if none exists, picks the oldest queued message
// (steering or not; see nextProcessableMessage) and drives it through the Prompt Engine to completion
// or failure, then recurses for the next queued message.
func (c *Coordinator) processQueue(ctx context.Context, conversationID string) {
	unlock := c.lockConversation(conversationID)

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		unlock()
		c.logger.Error(ctx, "processQueue: get conversation failed", "error", err)
		return
	}
	if conv.ActivePromptID != "" {
		unlock()
		return
	}

	next, err := c.nextProcessableMessage(ctx, conversationID)
	if err != nil {
		unlock()
		if err != eventstore.ErrNotFound {
			c.logger.Error(ctx, "processQueue: lookup next message failed", "error", err)
		}
		return
	}

	assistant, prompt, history, err := c.beginTurn(ctx, conv, next)
	unlock()
	if err != nil {
		c.logger.Error(ctx, "processQueue: begin turn failed", "error", err)
		return
	}

	runErr := c.engine.Run(ctx, engine.Input{
		ConversationID:     conversationID,
		PromptID:           prompt.ID,
		AssistantMessageID: assistant.ID,
		Model:              prompt.Model,
		System:             c.defaultSystem,
		Messages:           history,
	})

	c.finishTurn(ctx, conversationID, next.ID, runErr)

	c.processQueue(ctx, conversationID)
}

// nextProcessableMessage returns the oldest queued message for
// conversationID. processQueue only calls this once it has confirmed no
// prompt is currently active (see its conv.ActivePromptID check above
// its call site), so any Steering message still sitting in the queue at
// that point was marked Steering against a prompt that has since
// finished without folding it (see engine.Engine's steering fold,
// invoked only from the tool-continuation branch of Run) — it is picked
// up here like any other queued message instead of being stranded.
func (c *Coordinator) nextProcessableMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	msgs, err := c.store.ListMessages(ctx, conversationID, eventstore.ListOptions{})
	if err != nil {
		return nil, err
	}
	var candidate *model.Message
	for _, m := range msgs {
		if m.Status != model.MessageQueued {
			continue
		}
		if candidate == nil || m.QueueOrder < candidate.QueueOrder {
			candidate = m
		}
	}
	if candidate == nil {
		return nil, eventstore.ErrNotFound
	}
	return candidate, nil
}

// beginTurn performs the atomic queued->processing transition described
// for processQueue: finalizes the user message's content Block, creates
// the assistant Message and its driving Prompt, and claims the
// conversation's active-prompt slot before returning the provider
// history the Engine should use as its initial request.
func (c *Coordinator) beginTurn(ctx context.Context, conv *model.Conversation, userMsg *model.Message) (*model.Message, *model.Prompt, []provider.Message, error) {
	userMsg.Status = model.MessageProcessing
	if err := c.store.UpdateMessage(ctx, userMsg); err != nil {
		return nil, nil, nil, fmt.Errorf("mark user message processing: %w", err)
	}

	blocks, err := c.store.ListBlocksByMessage(ctx, userMsg.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list user message blocks: %w", err)
	}
	if len(blocks) > 0 {
		blocks[0].IsFinalized = true
		if err := c.store.UpdateBlock(ctx, blocks[0]); err != nil {
			return nil, nil, nil, fmt.Errorf("finalize user block: %w", err)
		}
	}

	userMsg.Status = model.MessageCompleted
	if err := c.store.UpdateMessage(ctx, userMsg); err != nil {
		return nil, nil, nil, fmt.Errorf("mark user message completed: %w", err)
	}
	c.bus.Publish(ctx, bus.Event{ConversationID: conv.ID, Type: bus.EventMessageUpdated, Payload: userMsg})

	history, err := c.buildHistory(ctx, conv.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build history: %w", err)
	}

	assistant := &model.Message{ConversationID: conv.ID, Role: model.RoleAssistant, Status: model.MessageProcessing}
	if err := c.store.CreateMessage(ctx, assistant); err != nil {
		return nil, nil, nil, fmt.Errorf("create assistant message: %w", err)
	}

	prompt := &model.Prompt{
		ConversationID: conv.ID,
		MessageID:      assistant.ID,
		Status:         model.PromptStreaming,
		Model:          c.defaultModel,
		SystemMessage:  c.defaultSystem,
	}
	if err := c.store.CreatePrompt(ctx, prompt); err != nil {
		return nil, nil, nil, fmt.Errorf("create prompt: %w", err)
	}

	if err := c.store.SetActivePrompt(ctx, conv.ID, prompt.ID); err != nil {
		return nil, nil, nil, fmt.Errorf("set active prompt: %w", err)
	}

	return assistant, prompt, history, nil
}

// buildHistory reconstructs the provider-facing message history from
// every completed Message in the conversation: each Message's finalized
// text/thinking Blocks collapse into that turn's content, and tool_use
// Blocks become ToolCalls echoed on an assistant turn. Tool results from
// earlier turns are not replayed; only the final textual outcome of a
// past turn matters to the model on a new turn, matching how a
// completed turn's driving Prompt has already fully resolved its own
// tool loop before the turn ends.
func (c *Coordinator) buildHistory(ctx context.Context, conversationID string) ([]provider.Message, error) {
	msgs, err := c.store.ListMessages(ctx, conversationID, eventstore.ListOptions{})
	if err != nil {
		return nil, err
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })

	var history []provider.Message
	for _, m := range msgs {
		if m.Status != model.MessageCompleted {
			continue
		}
		blocks, err := c.store.ListBlocksByMessage(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}

		var text strings.Builder
		var toolCalls []provider.ToolCall
		for _, b := range blocks {
			switch b.Type {
			case model.BlockText, model.BlockThinking:
				text.WriteString(b.Content)
			case model.BlockToolUse:
				name, _ := b.Metadata["tool_name"].(string)
				id, _ := b.Metadata["tool_use_id"].(string)
				toolCalls = append(toolCalls, provider.ToolCall{ID: id, Name: name})
			}
		}
		if text.Len() == 0 && len(toolCalls) == 0 {
			continue
		}
		history = append(history, provider.Message{
			Role:      string(m.Role),
			Content:   text.String(),
			ToolCalls: toolCalls,
		})
	}
	return history, nil
}

// finishTurn releases the active-prompt slot and, on failure, rolls the
// triggering user message back to queued so it can be retried rather
// than being consumed by the failure, per the Prompt Engine's documented
// failure semantics.
func (c *Coordinator) finishTurn(ctx context.Context, conversationID, userMessageID string, runErr error) {
	unlock := c.lockConversation(conversationID)
	defer unlock()

	if err := c.store.SetActivePrompt(ctx, conversationID, ""); err != nil {
		c.logger.Error(ctx, "finishTurn: release active prompt failed", "error", err)
	}

	if runErr == nil {
		return
	}

	userMsg, err := c.store.GetMessage(ctx, userMessageID)
	if err != nil {
		c.logger.Error(ctx, "finishTurn: get user message failed", "error", err)
		return
	}
	userMsg.Status = model.MessageQueued
	if err := c.store.UpdateMessage(ctx, userMsg); err != nil {
		c.logger.Error(ctx, "finishTurn: requeue user message failed", "error", err)
	}
}
