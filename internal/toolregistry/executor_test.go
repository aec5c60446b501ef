package toolregistry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/haasonsaas/loom/internal/apperrors"
)

type scriptedTool struct {
	name   string
	schema json.RawMessage
	output string
	err    error
	chunks []string
}

func (s *scriptedTool) Name() string           { return s.name }
func (s *scriptedTool) Description() string    { return "scripted" }
func (s *scriptedTool) Schema() json.RawMessage { return s.schema }
func (s *scriptedTool) Execute(ctx context.Context, input json.RawMessage, onChunk func(string)) (string, error) {
	for _, c := range s.chunks {
		onChunk(c)
	}
	return s.output, s.err
}

func TestExecutorRunsRegisteredTool(t *testing.T) {
	r := NewRegistry()
	r.Register(&scriptedTool{name: "echo", output: "hi", chunks: []string{"h", "i"}})
	x := NewExecutor(r)

	var streamed string
	out, err := x.Execute(context.Background(), "echo", json.RawMessage(`{}`), func(c string) { streamed += c })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hi" {
		t.Errorf("out = %q, want hi", out)
	}
	if streamed != "hi" {
		t.Errorf("streamed chunks = %q, want hi", streamed)
	}
}

func TestExecutorRejectsUnknownTool(t *testing.T) {
	x := NewExecutor(NewRegistry())

	_, err := x.Execute(context.Background(), "ghost", json.RawMessage(`{}`), func(string) {})
	if err == nil {
		t.Fatal("expected an error for an unregistered tool")
	}
	var te *apperrors.ToolError
	if !errors.As(err, &te) {
		t.Fatalf("expected *apperrors.ToolError, got %T", err)
	}
	if !errors.Is(te, apperrors.ErrUnsupportedTool) {
		t.Errorf("expected ErrUnsupportedTool, got %v", te)
	}
}

func TestExecutorRejectsInputFailingSchema(t *testing.T) {
	r := NewRegistry()
	r.Register(&scriptedTool{
		name:   "bash",
		schema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
	})
	x := NewExecutor(r)

	_, err := x.Execute(context.Background(), "bash", json.RawMessage(`{}`), func(string) {})
	if err == nil {
		t.Fatal("expected a schema validation error")
	}
	var te *apperrors.ToolError
	if !errors.As(err, &te) {
		t.Fatalf("expected *apperrors.ToolError, got %T", err)
	}
	if !errors.Is(te, apperrors.ErrInvalidToolInput) {
		t.Errorf("expected ErrInvalidToolInput, got %v", te)
	}
}

func TestExecutorWrapsToolExecutionError(t *testing.T) {
	r := NewRegistry()
	cause := errors.New("session died")
	r.Register(&scriptedTool{name: "bash", err: cause})
	x := NewExecutor(r)

	_, err := x.Execute(context.Background(), "bash", json.RawMessage(`{}`), func(string) {})
	if err == nil {
		t.Fatal("expected an error")
	}
	var te *apperrors.ToolError
	if !errors.As(err, &te) {
		t.Fatalf("expected *apperrors.ToolError, got %T", err)
	}
	if !errors.Is(te, cause) {
		t.Errorf("expected wrapped cause to be %v, got %v", cause, te)
	}
}
