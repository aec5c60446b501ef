package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/loom/internal/apperrors"
)

// schemaCache avoids recompiling a tool's JSON schema on every call,
// grounded on pkg/pluginsdk/validation.go's compileSchema/schemaCache.
var schemaCache sync.Map

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := name + ":" + string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// Executor looks up a tool call's Tool, validates its input against the
// tool's schema, and runs it. A single Executor is shared across
// conversations and does no serialization of its own: the Prompt Engine
// calls Execute from one goroutine per tool_use block, so several
// ToolCalls of one turn may run at once, and serialization within one
// conversation's shell session is the Pool/Queue's job.
type Executor struct {
	registry *Registry
}

// NewExecutor builds an Executor dispatching through registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Execute validates name/input and, if valid, runs the named tool,
// streaming its output through onChunk. The returned error is always an
// *apperrors.ToolError, classified so the caller can decide whether the
// owning ToolCall transitions to state=error or to a terminal
// completed-with-error-output result (tool lookup and schema-validation
// failures are never retryable; transport failures from the tool itself
// carry the tool's own classification).
func (x *Executor) Execute(ctx context.Context, toolName string, input json.RawMessage, onChunk func(chunk string)) (string, error) {
	if err := validateToolCallShape(toolName, input); err != nil {
		return "", apperrors.NewToolError(toolName, fmt.Errorf("%w: %v", apperrors.ErrInvalidToolInput, err))
	}

	tool, ok := x.registry.Get(toolName)
	if !ok {
		return "", apperrors.NewToolError(toolName, apperrors.ErrUnsupportedTool)
	}

	if schema := tool.Schema(); len(schema) > 0 {
		if err := validateInput(toolName, schema, input); err != nil {
			return "", apperrors.NewToolError(toolName, fmt.Errorf("%w: %v", apperrors.ErrInvalidToolInput, err))
		}
	}

	output, err := tool.Execute(ctx, input, onChunk)
	if err != nil {
		return "", apperrors.NewToolError(toolName, err)
	}
	return output, nil
}

func validateInput(toolName string, schema json.RawMessage, input json.RawMessage) error {
	compiled, err := compileSchema(toolName, schema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("input does not match schema: %w", err)
	}
	return nil
}
