package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/bus"
	"github.com/haasonsaas/loom/internal/eventstore"
	"github.com/haasonsaas/loom/internal/obslog"
	"github.com/haasonsaas/loom/internal/provider"
	"github.com/haasonsaas/loom/internal/toolregistry"
	"github.com/haasonsaas/loom/pkg/model"
)

// scriptedProvider replays a fixed sequence of event batches, one batch
// per Stream call, so a test can drive the Engine through a text-only
// completion or a tool-use-then-continuation exchange deterministically.
type scriptedProvider struct {
	batches [][]*provider.StreamEvent
	calls   int
}

func (p *scriptedProvider) Stream(ctx context.Context, req *provider.Request) (<-chan *provider.StreamEvent, error) {
	if p.calls >= len(p.batches) {
		p.calls++
		ch := make(chan *provider.StreamEvent)
		close(ch)
		return ch, nil
	}
	batch := p.batches[p.calls]
	p.calls++

	ch := make(chan *provider.StreamEvent, len(batch))
	for _, e := range batch {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) DefaultModel() string { return "test-model" }

type echoTool struct{}

func (echoTool) Name() string              { return "echo" }
func (echoTool) Description() string       { return "echoes its input" }
func (echoTool) Schema() json.RawMessage   { return nil }
func (echoTool) Execute(ctx context.Context, input json.RawMessage, onChunk func(string)) (string, error) {
	return "echoed: " + string(input), nil
}

func newTestEngine(t *testing.T, p provider.Provider) (*Engine, eventstore.Store, *bus.Bus) {
	t.Helper()
	store := eventstore.NewMemoryStore()
	b := bus.New()
	registry := toolregistry.NewRegistry()
	registry.Register(echoTool{})
	executor := toolregistry.NewExecutor(registry)
	logger := obslog.New(obslog.Config{Level: "error", Format: "text"})
	return New(store, b, p, registry, executor, logger), store, b
}

func seedPrompt(t *testing.T, store eventstore.Store) (conversationID, promptID, assistantMsgID string) {
	t.Helper()
	ctx := context.Background()

	conv := &model.Conversation{UserID: "u1"}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	assistant := &model.Message{ConversationID: conv.ID, Role: model.RoleAssistant, Status: model.MessageProcessing}
	if err := store.CreateMessage(ctx, assistant); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	prompt := &model.Prompt{ConversationID: conv.ID, MessageID: assistant.ID, Status: model.PromptStreaming, Model: "test-model"}
	if err := store.CreatePrompt(ctx, prompt); err != nil {
		t.Fatalf("CreatePrompt: %v", err)
	}
	if err := store.SetActivePrompt(ctx, conv.ID, prompt.ID); err != nil {
		t.Fatalf("SetActivePrompt: %v", err)
	}

	return conv.ID, prompt.ID, assistant.ID
}

func TestRunCompletesOnTextOnlyResponse(t *testing.T) {
	p := &scriptedProvider{
		batches: [][]*provider.StreamEvent{
			{
				{Type: provider.EventMessageStart},
				{Type: provider.EventBlockStart, BlockIndex: 0, BlockKind: provider.BlockKindText},
				{Type: provider.EventBlockDelta, BlockIndex: 0, Text: "hello "},
				{Type: provider.EventBlockDelta, BlockIndex: 0, Text: "world"},
				{Type: provider.EventBlockStop, BlockIndex: 0},
				{Type: provider.EventMessageStop},
			},
		},
	}

	e, store, _ := newTestEngine(t, p)
	convID, promptID, assistantID := seedPrompt(t, store)

	err := e.Run(context.Background(), Input{
		ConversationID:     convID,
		PromptID:           promptID,
		AssistantMessageID: assistantID,
		Model:              "test-model",
		Messages:           []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	prompt, err := store.GetPrompt(context.Background(), promptID)
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if prompt.Status != model.PromptCompleted {
		t.Errorf("Prompt.Status = %v, want completed", prompt.Status)
	}

	msg, err := store.GetMessage(context.Background(), assistantID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.Status != model.MessageCompleted {
		t.Errorf("Message.Status = %v, want completed", msg.Status)
	}

	blocks, err := store.ListBlocksByMessage(context.Background(), assistantID)
	if err != nil {
		t.Fatalf("ListBlocksByMessage: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Content != "hello world" {
		t.Fatalf("blocks = %+v, want one block with content %q", blocks, "hello world")
	}
	if !blocks[0].IsFinalized {
		t.Error("expected block to be finalized")
	}
}

func TestRunDispatchesToolCallAndContinues(t *testing.T) {
	p := &scriptedProvider{
		batches: [][]*provider.StreamEvent{
			{
				{Type: provider.EventBlockStart, BlockIndex: 0, BlockKind: provider.BlockKindToolUse, ToolCallID: "call_1", ToolName: "echo"},
				{Type: provider.EventBlockDelta, BlockIndex: 0, ToolInputDelta: `{"x":1}`},
				{Type: provider.EventBlockStop, BlockIndex: 0},
				{Type: provider.EventMessageStop},
			},
			{
				{Type: provider.EventBlockStart, BlockIndex: 0, BlockKind: provider.BlockKindText},
				{Type: provider.EventBlockDelta, BlockIndex: 0, Text: "done"},
				{Type: provider.EventBlockStop, BlockIndex: 0},
				{Type: provider.EventMessageStop},
			},
		},
	}

	e, store, _ := newTestEngine(t, p)
	convID, promptID, assistantID := seedPrompt(t, store)

	err := e.Run(context.Background(), Input{
		ConversationID:     convID,
		PromptID:           promptID,
		AssistantMessageID: assistantID,
		Model:              "test-model",
		Messages:           []provider.Message{{Role: "user", Content: "use the tool"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if p.calls != 2 {
		t.Fatalf("provider.Stream called %d times, want 2", p.calls)
	}

	toolCalls, err := store.ListToolCallsByPrompt(context.Background(), promptID)
	if err != nil {
		t.Fatalf("ListToolCallsByPrompt: %v", err)
	}
	if len(toolCalls) != 1 {
		t.Fatalf("len(toolCalls) = %d, want 1", len(toolCalls))
	}
	if toolCalls[0].State != model.ToolCallComplete {
		t.Errorf("ToolCall.State = %v, want complete", toolCalls[0].State)
	}
	if toolCalls[0].Output == "" {
		t.Error("expected a non-empty tool output")
	}

	prompt, err := store.GetPrompt(context.Background(), promptID)
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if prompt.Status != model.PromptCompleted {
		t.Errorf("Prompt.Status = %v, want completed", prompt.Status)
	}
}

func TestRunSynthesizesErrorToolCallOnParseFailure(t *testing.T) {
	p := &scriptedProvider{
		batches: [][]*provider.StreamEvent{
			{
				{Type: provider.EventBlockStart, BlockIndex: 0, BlockKind: provider.BlockKindToolUse, ToolCallID: "call_1", ToolName: "echo"},
				{Type: provider.EventBlockDelta, BlockIndex: 0, ToolInputDelta: `{not-json`},
				{Type: provider.EventBlockStop, BlockIndex: 0},
				{Type: provider.EventMessageStop},
			},
			{
				{Type: provider.EventBlockStart, BlockIndex: 0, BlockKind: provider.BlockKindText},
				{Type: provider.EventBlockDelta, BlockIndex: 0, Text: "ok"},
				{Type: provider.EventBlockStop, BlockIndex: 0},
				{Type: provider.EventMessageStop},
			},
		},
	}

	e, store, _ := newTestEngine(t, p)
	convID, promptID, assistantID := seedPrompt(t, store)

	err := e.Run(context.Background(), Input{
		ConversationID:     convID,
		PromptID:           promptID,
		AssistantMessageID: assistantID,
		Model:              "test-model",
		Messages:           []provider.Message{{Role: "user", Content: "use the tool"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	toolCalls, err := store.ListToolCallsByPrompt(context.Background(), promptID)
	if err != nil {
		t.Fatalf("ListToolCallsByPrompt: %v", err)
	}
	if len(toolCalls) != 1 {
		t.Fatalf("len(toolCalls) = %d, want 1", len(toolCalls))
	}
	if toolCalls[0].State != model.ToolCallErrorS {
		t.Errorf("ToolCall.State = %v, want error", toolCalls[0].State)
	}

	prompt, err := store.GetPrompt(context.Background(), promptID)
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if prompt.Status != model.PromptCompleted {
		t.Errorf("Prompt.Status = %v, want completed (parse failure must never abort the prompt)", prompt.Status)
	}
}

func TestRunFailsPromptOnStreamError(t *testing.T) {
	boom := &scriptedProvider{
		batches: [][]*provider.StreamEvent{
			{
				{Type: provider.EventError, Err: errTransport},
			},
		},
	}

	e, store, _ := newTestEngine(t, boom)
	convID, promptID, assistantID := seedPrompt(t, store)

	err := e.Run(context.Background(), Input{
		ConversationID:     convID,
		PromptID:           promptID,
		AssistantMessageID: assistantID,
		Model:              "test-model",
		Messages:           []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected Run to return an error")
	}

	prompt, err := store.GetPrompt(context.Background(), promptID)
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if prompt.Status != model.PromptError {
		t.Errorf("Prompt.Status = %v, want error", prompt.Status)
	}

	msg, err := store.GetMessage(context.Background(), assistantID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.Status != model.MessageError {
		t.Errorf("Message.Status = %v, want error", msg.Status)
	}
}

func TestRunBroadcastsLifecycleEvents(t *testing.T) {
	p := &scriptedProvider{
		batches: [][]*provider.StreamEvent{
			{
				{Type: provider.EventBlockStart, BlockIndex: 0, BlockKind: provider.BlockKindText},
				{Type: provider.EventBlockDelta, BlockIndex: 0, Text: "hi"},
				{Type: provider.EventBlockStop, BlockIndex: 0},
				{Type: provider.EventMessageStop},
			},
		},
	}

	e, store, b := newTestEngine(t, p)
	convID, promptID, assistantID := seedPrompt(t, store)

	ch, unsubscribe := b.Subscribe(convID)
	defer unsubscribe()

	done := make(chan error, 1)
	go func() {
		done <- e.Run(context.Background(), Input{
			ConversationID:     convID,
			PromptID:           promptID,
			AssistantMessageID: assistantID,
			Model:              "test-model",
			Messages:           []provider.Message{{Role: "user", Content: "hi"}},
		})
	}()

	var types []bus.EventType
	timeout := time.After(2 * time.Second)
collect:
	for {
		select {
		case e := <-ch:
			types = append(types, e.Type)
			if e.Type == bus.EventPromptCompleted {
				break collect
			}
		case <-timeout:
			t.Fatal("timed out waiting for prompt-completed event")
		}
	}

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if types[0] != bus.EventPromptStarted {
		t.Errorf("first event = %v, want prompt-started", types[0])
	}
}

var errTransport = &transportError{"simulated transport failure"}

type transportError struct{ msg string }

func (e *transportError) Error() string { return e.msg }
