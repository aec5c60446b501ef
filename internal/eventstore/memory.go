package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/pkg/model"
)

// MemoryStore is an in-memory Store for tests and local runs, grounded
// on internal/sessions/memory.go's clone-on-read/write discipline (every
// getter/setter copies, so callers can never mutate stored state through
// a returned pointer).
type MemoryStore struct {
	mu sync.RWMutex

	conversations map[string]*model.Conversation
	messages      map[string]*model.Message
	prompts       map[string]*model.Prompt
	blocks        map[string]*model.Block
	promptEvents  map[string][]*model.PromptEvent // keyed by PromptID, append-ordered
	toolCalls     map[string]*model.ToolCall
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string]*model.Message),
		prompts:       make(map[string]*model.Prompt),
		blocks:        make(map[string]*model.Block),
		promptEvents:  make(map[string][]*model.PromptEvent),
		toolCalls:     make(map[string]*model.ToolCall),
	}
}

func (m *MemoryStore) CreateConversation(ctx context.Context, c *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	clone := *c
	m.conversations[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (m *MemoryStore) SetActivePrompt(ctx context.Context, conversationID string, promptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if promptID != "" && c.ActivePromptID != "" && c.ActivePromptID != promptID {
		return ErrAlreadyExists
	}
	c.ActivePromptID = promptID
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListConversations(ctx context.Context, userID string, opts ListOptions) ([]*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Conversation
	for _, c := range m.conversations {
		if userID != "" && c.UserID != userID {
			continue
		}
		clone := *c
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

func (m *MemoryStore) CreateMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	clone := *msg
	m.messages[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *msg
	return &clone, nil
}

func (m *MemoryStore) UpdateMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.messages[msg.ID]
	if !ok {
		return ErrNotFound
	}
	clone := *msg
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.messages[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Message
	for _, msg := range m.messages {
		if msg.ConversationID != conversationID {
			continue
		}
		clone := *msg
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

func (m *MemoryStore) NextQueuedMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *model.Message
	for _, msg := range m.messages {
		if msg.ConversationID != conversationID || msg.Status != model.MessageQueued {
			continue
		}
		if best == nil || msg.QueueOrder < best.QueueOrder {
			best = msg
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	clone := *best
	return &clone, nil
}

func (m *MemoryStore) CreatePrompt(ctx context.Context, p *model.Prompt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	clone := *p
	m.prompts[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) GetPrompt(ctx context.Context, id string) (*model.Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prompts[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (m *MemoryStore) UpdatePrompt(ctx context.Context, p *model.Prompt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.prompts[p.ID]
	if !ok {
		return ErrNotFound
	}
	clone := *p
	clone.CreatedAt = existing.CreatedAt
	m.prompts[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) CreateBlock(ctx context.Context, b *model.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	clone := *b
	m.blocks[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) GetBlock(ctx context.Context, id string) (*model.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *b
	return &clone, nil
}

func (m *MemoryStore) UpdateBlock(ctx context.Context, b *model.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.blocks[b.ID]
	if !ok {
		return ErrNotFound
	}
	clone := *b
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.blocks[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) ListBlocksByMessage(ctx context.Context, messageID string) ([]*model.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Block
	for _, b := range m.blocks {
		if b.MessageID != messageID {
			continue
		}
		clone := *b
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *MemoryStore) AppendPromptEvent(ctx context.Context, e *model.PromptEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	existing := m.promptEvents[e.PromptID]
	e.IndexNum = len(existing)
	clone := *e
	m.promptEvents[e.PromptID] = append(existing, &clone)
	return nil
}

func (m *MemoryStore) ListPromptEvents(ctx context.Context, promptID string, afterIndex int) ([]*model.PromptEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.promptEvents[promptID]
	var out []*model.PromptEvent
	for _, e := range events {
		if e.IndexNum <= afterIndex {
			continue
		}
		clone := *e
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MemoryStore) CreateToolCall(ctx context.Context, tc *model.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tc.ID == "" {
		tc.ID = uuid.NewString()
	}
	clone := *tc
	m.toolCalls[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) GetToolCall(ctx context.Context, id string) (*model.ToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tc, ok := m.toolCalls[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *tc
	return &clone, nil
}

func (m *MemoryStore) UpdateToolCall(ctx context.Context, tc *model.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.toolCalls[tc.ID]; !ok {
		return ErrNotFound
	}
	clone := *tc
	m.toolCalls[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) ListToolCallsByPrompt(ctx context.Context, promptID string) ([]*model.ToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ToolCall
	for _, tc := range m.toolCalls {
		if tc.PromptID != promptID {
			continue
		}
		clone := *tc
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt == nil || out[j].StartedAt == nil {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(*out[j].StartedAt)
	})
	return out, nil
}

func (m *MemoryStore) Snapshot(ctx context.Context, conversationID string) (*model.ConversationSnapshot, error) {
	conv, err := m.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	messages, err := m.ListMessages(ctx, conversationID, ListOptions{})
	if err != nil {
		return nil, err
	}

	blocks := make(map[string][]*model.Block, len(messages))
	for _, msg := range messages {
		bs, err := m.ListBlocksByMessage(ctx, msg.ID)
		if err != nil {
			return nil, err
		}
		blocks[msg.ID] = bs
	}

	m.mu.RLock()
	promptIDs := make(map[string]bool)
	for _, bs := range blocks {
		for _, b := range bs {
			if b.PromptID != "" {
				promptIDs[b.PromptID] = true
			}
		}
	}
	m.mu.RUnlock()

	toolCalls := make(map[string][]*model.ToolCall, len(promptIDs))
	for pid := range promptIDs {
		tcs, err := m.ListToolCallsByPrompt(ctx, pid)
		if err != nil {
			return nil, err
		}
		toolCalls[pid] = tcs
	}

	return &model.ConversationSnapshot{
		Conversation: conv,
		Messages:     messages,
		Blocks:       blocks,
		ToolCalls:    toolCalls,
	}, nil
}

func paginate[T any](items []T, opts ListOptions) []T {
	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > len(items) {
		return []T{}
	}
	end := len(items)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return items[start:end]
}
