package eventstore

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/loom/pkg/model"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), DialectSQLite, "file::memory:?cache=shared", DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStoreConversationRoundTrip(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	c := &model.Conversation{UserID: "u1", Title: "hello"}
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	got, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "hello" {
		t.Errorf("Title = %q, want hello", got.Title)
	}
}

func TestSQLStoreGetConversationNotFound(t *testing.T) {
	s := newTestSQLStore(t)
	if _, err := s.GetConversation(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLStoreSetActivePromptEnforcesInvariant(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	c := &model.Conversation{UserID: "u1"}
	_ = s.CreateConversation(ctx, c)

	if err := s.SetActivePrompt(ctx, c.ID, "prompt-1"); err != nil {
		t.Fatalf("SetActivePrompt: %v", err)
	}
	if err := s.SetActivePrompt(ctx, c.ID, "prompt-2"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestSQLStoreMessageAndToolCallFlow(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	c := &model.Conversation{UserID: "u1"}
	_ = s.CreateConversation(ctx, c)

	msg := &model.Message{ConversationID: c.ID, Role: model.RoleAssistant, Status: model.MessageProcessing}
	if err := s.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	block := &model.Block{MessageID: msg.ID, PromptID: "p1", Type: model.BlockToolUse, Order: 0}
	if err := s.CreateBlock(ctx, block); err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}

	tc := &model.ToolCall{PromptID: "p1", BlockID: block.ID, ToolName: "bash", State: model.ToolCallPending}
	if err := s.CreateToolCall(ctx, tc); err != nil {
		t.Fatalf("CreateToolCall: %v", err)
	}

	tc.State = model.ToolCallComplete
	tc.Output = "done"
	if err := s.UpdateToolCall(ctx, tc); err != nil {
		t.Fatalf("UpdateToolCall: %v", err)
	}

	got, err := s.GetToolCall(ctx, tc.ID)
	if err != nil {
		t.Fatalf("GetToolCall: %v", err)
	}
	if got.State != model.ToolCallComplete || got.Output != "done" {
		t.Errorf("got = %+v, want State=complete Output=done", got)
	}

	snap, err := s.Snapshot(ctx, c.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.ToolCalls["p1"]) != 1 {
		t.Fatalf("len(ToolCalls[p1]) = %d, want 1", len(snap.ToolCalls["p1"]))
	}
}

func TestSQLStoreAppendPromptEventAssignsContiguousIndex(t *testing.T) {
	s := newTestSQLStore(t)
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
}
