// Package toolregistry holds the finite map of tool name -> tool
// definition the Prompt Engine dispatches ToolCalls against, and the
// Executor that validates input, runs a tool, and streams its output.
//
// Grounded on internal/agent/tool_registry.go (ToolRegistry's
// thread-safe name->Tool map and size/name guards) and
// internal/agent/tool_exec.go / executor.go (concurrency-limited,
// timeout-bound execution), adapted to this domain's single
// streaming-producer-per-ToolCall model (§4.3) instead of the donor's
// batch ExecuteConcurrently/ExecuteAll shape.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haasonsaas/loom/internal/provider"
)

// MaxToolNameLength bounds a tool call's name field, mirroring the
// donor's ToolRegistry guard against resource-exhaustion inputs.
const MaxToolNameLength = 256

// MaxInputSize bounds a tool call's raw input JSON (10MB), same limit
// and reasoning as the donor's MaxToolParamsSize.
const MaxInputSize = 10 << 20

// Tool is one callable capability exposed to the model. Execute must
// stream its output through onChunk as it becomes available and return
// the complete output on success; it returns a non-nil error only for
// transport-level failures (the Executor maps these to a ToolCall
// state=error), never for an unsuccessful-but-completed operation (see
// BashTool, where a non-zero exit status is success with error-shaped
// output, per §4.3's bash contract).
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage, onChunk func(chunk string)) (output string, err error)
}

// Registry is the thread-safe name -> Tool map.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools in no particular order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

// AsProviderTools converts every registered tool into the provider
// package's wire shape, for inclusion in a completion Request.
func (r *Registry) AsProviderTools() []provider.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]provider.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, provider.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}

func validateToolCallShape(name string, input json.RawMessage) error {
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength)
	}
	if len(input) > MaxInputSize {
		return fmt.Errorf("tool input exceeds maximum size of %d bytes", MaxInputSize)
	}
	return nil
}
