package eventstore

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/loom/pkg/model"
)

func TestMemoryStoreConversationRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c := &model.Conversation{UserID: "u1", Title: "hello"}
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if c.ID == "" {
		t.Fatal("expected CreateConversation to assign an ID")
	}

	got, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "hello" {
		t.Errorf("Title = %q, want hello", got.Title)
	}

	got.Title = "mutated locally"
	reread, _ := s.GetConversation(ctx, c.ID)
	if reread.Title != "hello" {
		t.Error("expected GetConversation to return a copy, not a shared pointer")
	}
}

func TestMemoryStoreGetConversationNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetConversation(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetActivePromptEnforcesSingleActiveInvariant(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c := &model.Conversation{UserID: "u1"}
	_ = s.CreateConversation(ctx, c)

	if err := s.SetActivePrompt(ctx, c.ID, "prompt-1"); err != nil {
		t.Fatalf("SetActivePrompt: %v", err)
	}
	if err := s.SetActivePrompt(ctx, c.ID, "prompt-2"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists for a second concurrent prompt, got %v", err)
	}
	if err := s.SetActivePrompt(ctx, c.ID, ""); err != nil {
		t.Fatalf("clearing active prompt: %v", err)
	}
	if err := s.SetActivePrompt(ctx, c.ID, "prompt-3"); err != nil {
		t.Errorf("expected setting a new active prompt after clearing to succeed, got %v", err)
	}
}

func TestNextQueuedMessageReturnsOldestByQueueOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c := &model.Conversation{UserID: "u1"}
	_ = s.CreateConversation(ctx, c)

	m2 := &model.Message{ConversationID: c.ID, Role: model.RoleUser, Status: model.MessageQueued, QueueOrder: 2}
	m1 := &model.Message{ConversationID: c.ID, Role: model.RoleUser, Status: model.MessageQueued, QueueOrder: 1}
	_ = s.CreateMessage(ctx, m2)
	_ = s.CreateMessage(ctx, m1)

	next, err := s.NextQueuedMessage(ctx, c.ID)
	if err != nil {
		t.Fatalf("NextQueuedMessage: %v", err)
	}
	if next.ID != m1.ID {
		t.Errorf("expected the message with QueueOrder=1 first, got QueueOrder=%d", next.QueueOrder)
	}
}

func TestNextQueuedMessageNotFoundWhenNoneQueued(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := &model.Conversation{UserID: "u1"}
	_ = s.CreateConversation(ctx, c)

	if _, err := s.NextQueuedMessage(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendPromptEventAssignsContiguousIndex(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := &model.PromptEvent{PromptID: "p1", Type: "block_delta"}
		if err := s.AppendPromptEvent(ctx, e); err != nil {
			t.Fatalf("AppendPromptEvent: %v", err)
		}
		if e.IndexNum != i {
			t.Errorf("IndexNum = %d, want %d", e.IndexNum, i)
		}
	}

	events, err := s.ListPromptEvents(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("ListPromptEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].IndexNum != 1 {
		t.Errorf("first returned event IndexNum = %d, want 1", events[0].IndexNum)
	}
}

func TestBlocksByMessageOrderedByOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	b2 := &model.Block{MessageID: "m1", Type: model.BlockText, Order: 2}
	b1 := &model.Block{MessageID: "m1", Type: model.BlockText, Order: 1}
	_ = s.CreateBlock(ctx, b2)
	_ = s.CreateBlock(ctx, b1)

	blocks, err := s.ListBlocksByMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("ListBlocksByMessage: %v", err)
	}
	if len(blocks) != 2 || blocks[0].Order != 1 || blocks[1].Order != 2 {
		t.Fatalf("expected blocks ordered [1,2], got %+v", blocks)
	}
}

func TestSnapshotAssemblesFullConversation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c := &model.Conversation{UserID: "u1"}
	_ = s.CreateConversation(ctx, c)

	msg := &model.Message{ConversationID: c.ID, Role: model.RoleAssistant, Status: model.MessageCompleted}
	_ = s.CreateMessage(ctx, msg)

	block := &model.Block{MessageID: msg.ID, PromptID: "p1", Type: model.BlockToolUse, Order: 0}
	_ = s.CreateBlock(ctx, block)

	tc := &model.ToolCall{PromptID: "p1", BlockID: block.ID, ToolName: "bash", State: model.ToolCallComplete}
	_ = s.CreateToolCall(ctx, tc)

	snap, err := s.Snapshot(ctx, c.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1", len(snap.Messages))
	}
	if len(snap.Blocks[msg.ID]) != 1 {
		t.Fatalf("len(Blocks[msg.ID]) = %d, want 1", len(snap.Blocks[msg.ID]))
	}
	if len(snap.ToolCalls["p1"]) != 1 {
		t.Fatalf("len(ToolCalls[p1]) = %d, want 1", len(snap.ToolCalls["p1"]))
	}
}
