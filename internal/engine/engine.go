// Package engine implements the Prompt Engine: given a newly created
// Prompt, it drives one or more provider calls to terminal completion,
// materializing Blocks and dispatching tool calls, broadcasting every
// step through the Subscriber Bus.
//
// Grounded on internal/agent/loop.go's AgenticLoop (the
// Init→Stream→ExecuteTools→Continue/Complete state machine, streamPhase's
// accumulate-then-return-tool-calls shape, executeToolsPhase's
// emit-before-and-after-dispatch event pattern), adapted from the donor's
// in-loop parallel tool execution plus ResponseChunk channel to this
// domain's fire-and-forget dispatch against an eventstore.Store and a
// bus.Bus, per the stream event handler and core loop this system's
// design specifies.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/apperrors"
	"github.com/haasonsaas/loom/internal/bus"
	"github.com/haasonsaas/loom/internal/eventstore"
	"github.com/haasonsaas/loom/internal/obslog"
	"github.com/haasonsaas/loom/internal/provider"
	"github.com/haasonsaas/loom/internal/toolregistry"
	"github.com/haasonsaas/loom/pkg/model"
)

// MaxIterations bounds the number of provider-call/tool-continuation
// round trips a single Prompt may take, guarding against a model that
// never stops requesting tools.
const MaxIterations = 64

// Engine drives Prompts to completion. One Engine is shared across all
// conversations; per-conversation serialization is the Coordinator's
// job via the single-active-prompt invariant, not this type's.
type Engine struct {
	store    eventstore.Store
	bus      *bus.Bus
	provider provider.Provider
	registry *toolregistry.Registry
	executor *toolregistry.Executor
	logger   *obslog.Logger
	metrics  *obslog.Metrics
}

// New builds an Engine wired to its collaborators. Metrics are
// optional; a nil *obslog.Metrics (the zero value callers get by not
// calling WithMetrics) disables instrumentation without requiring a
// no-op collector set.
func New(store eventstore.Store, b *bus.Bus, p provider.Provider, registry *toolregistry.Registry, executor *toolregistry.Executor, logger *obslog.Logger) *Engine {
	return &Engine{store: store, bus: b, provider: p, registry: registry, executor: executor, logger: logger}
}

// WithMetrics attaches a Metrics collector set, returning the same
// Engine for chaining at construction time.
func (e *Engine) WithMetrics(metrics *obslog.Metrics) *Engine {
	e.metrics = metrics
	return e
}

// Input is everything the Engine needs to drive one Prompt: the
// Conversation and assistant Message it belongs to, and the initial
// request built from conversation history.
type Input struct {
	ConversationID     string
	PromptID           string
	AssistantMessageID string
	Model              string
	System             string
	Messages           []provider.Message
}

// Run drives in.PromptID to a terminal state (completed or error), sets
// the assistant Message's status to match, and returns nil on success.
// The caller (the Coordinator) is responsible for releasing the
// conversation's active-prompt slot once Run returns, per the
// failure-handling split described for processQueue.
func (e *Engine) Run(ctx context.Context, in Input) error {
	ctx = obslog.WithConversationID(ctx, in.ConversationID)
	ctx = obslog.WithPromptID(ctx, in.PromptID)

	start := time.Now()
	if e.metrics != nil {
		e.metrics.PromptsStarted.WithLabelValues(in.Model).Inc()
	}

	e.bus.Publish(ctx, bus.Event{
		ConversationID: in.ConversationID,
		PromptID:       in.PromptID,
		Type:           bus.EventPromptStarted,
	})

	req := &provider.Request{
		Model:    in.Model,
		System:   in.System,
		Messages: append([]provider.Message(nil), in.Messages...),
		Tools:    e.registry.AsProviderTools(),
	}

	st := &runState{
		nextOrder: 0,
		iteration: 0,
	}

	for st.iteration = 0; st.iteration < MaxIterations; st.iteration++ {
		streamStart := time.Now()
		stream, err := e.provider.Stream(ctx, req)
		e.observeLLMRequest(in.Model, streamStart, err)
		if err != nil {
			return e.finish(ctx, in, start, st.iteration, e.fail(ctx, in, &apperrors.PromptError{Phase: apperrors.PhaseStream, Iteration: st.iteration, Cause: err}))
		}

		hasTools, toolResults, err := e.consumeStream(ctx, in, st, stream)
		if err != nil {
			return e.finish(ctx, in, start, st.iteration, e.fail(ctx, in, &apperrors.PromptError{Phase: apperrors.PhaseStream, Iteration: st.iteration, Cause: err}))
		}

		if !hasTools {
			return e.finish(ctx, in, start, st.iteration, e.complete(ctx, in))
		}

		turn := synthesizeToolResultTurn(toolResults)
		if folded, err := e.foldSteeringMessages(ctx, in); err != nil {
			e.logger.Warn(ctx, "failed to fold steering messages", "error", err)
		} else if folded != "" {
			turn.Content = folded
		}
		req.Messages = append(req.Messages, turn)
		e.setPromptStatus(ctx, in.PromptID, model.PromptStreaming)
	}

	return e.finish(ctx, in, start, st.iteration, e.fail(ctx, in, &apperrors.PromptError{
		Phase:     apperrors.PhaseExecuteTools,
		Iteration: st.iteration,
		Message:   fmt.Sprintf("exceeded maximum of %d tool-continuation iterations", MaxIterations),
		Permanent: true,
	}))
}

// finish records PromptDuration/PromptIterations once Run has reached a
// terminal outcome, then returns runErr unchanged so callers can keep
// using finish inline at each return site.
func (e *Engine) finish(ctx context.Context, in Input, start time.Time, iteration int, runErr error) error {
	if e.metrics == nil {
		return runErr
	}
	status := "completed"
	if runErr != nil {
		status = "error"
	}
	e.metrics.PromptDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	e.metrics.PromptIterations.WithLabelValues(status).Observe(float64(iteration + 1))
	return runErr
}

// setPromptStatus persists a Prompt status transition. A store error is
// logged, not returned: a missed intermediate transition never blocks
// the Prompt from reaching its terminal state, it only leaves
// GetActivePrompt observers seeing a stale status in the meantime.
func (e *Engine) setPromptStatus(ctx context.Context, promptID string, status model.PromptStatus) {
	prompt, err := e.store.GetPrompt(ctx, promptID)
	if err != nil {
		e.logger.Warn(ctx, "failed to load prompt for status transition", "error", err, "status", status)
		return
	}
	prompt.Status = status
	if err := e.store.UpdatePrompt(ctx, prompt); err != nil {
		e.logger.Warn(ctx, "failed to persist prompt status transition", "error", err, "status", status)
	}
}

func (e *Engine) observeLLMRequest(model string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	e.metrics.LLMRequestDuration.WithLabelValues("anthropic", model).Observe(time.Since(start).Seconds())
	e.metrics.LLMRequestCounter.WithLabelValues("anthropic", model, status).Inc()
}

// runState carries the values that must survive across provider-call
// iterations within a single Run: the Block ordering counter (Blocks
// within the assistant Message are ordered monotonically across every
// iteration, not reset per provider call) and the current iteration
// index for error context.
type runState struct {
	nextOrder int
	iteration int
}

// blockAcc tracks one in-flight Block across block_start..block_end,
// keyed by the provider's per-stream BlockIndex.
type blockAcc struct {
	blockID    string
	kind       provider.BlockKind
	toolCallID string
	toolName   string
	jsonBuf    []byte
}

// consumeStream drains one provider stream to its end, materializing
// Blocks and PromptEvents and dispatching tool calls fire-and-forget.
// It returns whether any tool_use block was observed and, once all
// dispatched tool calls reach a terminal state, their results in the
// order their tool_use blocks appeared in the stream. The Prompt
// transitions to waiting_for_tools as soon as the first tool_use block
// is seen, and to ready_for_continuation once every dispatched tool call
// has reached a terminal state; Run moves it back to streaming before
// the next provider call.
func (e *Engine) consumeStream(ctx context.Context, in Input, st *runState, stream <-chan *provider.StreamEvent) (bool, []model.ToolCall, error) {
	blocks := make(map[int]*blockAcc)
	var toolCallOrder []string
	var wg sync.WaitGroup
	hasTools := false

	for ev := range stream {
		if ev.Err != nil {
			wg.Wait()
			return hasTools, nil, ev.Err
		}

		if err := e.appendPromptEvent(ctx, in.PromptID, ev); err != nil {
			e.logger.Warn(ctx, "failed to append prompt event", "error", err)
		}

		switch ev.Type {
		case provider.EventBlockStart:
			acc := &blockAcc{kind: ev.BlockKind}
			blockType := model.BlockText
			metadata := map[string]any{}
			switch ev.BlockKind {
			case provider.BlockKindThinking:
				blockType = model.BlockThinking
			case provider.BlockKindToolUse:
				blockType = model.BlockToolUse
				acc.toolCallID = ev.ToolCallID
				acc.toolName = ev.ToolName
				metadata["tool_name"] = ev.ToolName
				metadata["tool_use_id"] = ev.ToolCallID
				if !hasTools {
					e.setPromptStatus(ctx, in.PromptID, model.PromptWaitingForTools)
				}
				hasTools = true
			}

			block := &model.Block{
				MessageID: in.AssistantMessageID,
				PromptID:  in.PromptID,
				Type:      blockType,
				Order:     st.nextOrder,
				Metadata:  metadata,
			}
			st.nextOrder++
			if err := e.store.CreateBlock(ctx, block); err != nil {
				wg.Wait()
				return hasTools, nil, fmt.Errorf("create block: %w", err)
			}
			acc.blockID = block.ID
			blocks[ev.BlockIndex] = acc

			e.bus.Publish(ctx, bus.Event{
				ConversationID: in.ConversationID,
				PromptID:       in.PromptID,
				Type:           bus.EventBlockStart,
				Payload:        block,
			})

		case provider.EventBlockDelta:
			acc, ok := blocks[ev.BlockIndex]
			if !ok {
				continue
			}
			switch acc.kind {
			case provider.BlockKindToolUse:
				acc.jsonBuf = append(acc.jsonBuf, []byte(ev.ToolInputDelta)...)
			default:
				delta := ev.Text
				if acc.kind == provider.BlockKindThinking {
					delta = ev.Thinking
				}
				if delta == "" {
					continue
				}
				block, err := e.store.GetBlock(ctx, acc.blockID)
				if err != nil {
					wg.Wait()
					return hasTools, nil, fmt.Errorf("get block: %w", err)
				}
				block.Content += delta
				if err := e.store.UpdateBlock(ctx, block); err != nil {
					wg.Wait()
					return hasTools, nil, fmt.Errorf("update block: %w", err)
				}
				e.bus.Publish(ctx, bus.Event{
					ConversationID: in.ConversationID,
					PromptID:       in.PromptID,
					Type:           bus.EventBlockDelta,
					Payload:        map[string]string{"block_id": acc.blockID, "content": delta},
				})
			}

		case provider.EventBlockStop:
			acc, ok := blocks[ev.BlockIndex]
			if !ok {
				continue
			}
			if acc.kind == provider.BlockKindToolUse {
				toolCall := e.finalizeToolUseBlock(ctx, in, acc)
				toolCallOrder = append(toolCallOrder, toolCall.ID)
				wg.Add(1)
				go e.dispatchToolCall(ctx, in, toolCall, &wg)
			}

			block, err := e.store.GetBlock(ctx, acc.blockID)
			if err != nil {
				wg.Wait()
				return hasTools, nil, fmt.Errorf("get block: %w", err)
			}
			block.IsFinalized = true
			if err := e.store.UpdateBlock(ctx, block); err != nil {
				wg.Wait()
				return hasTools, nil, fmt.Errorf("update block: %w", err)
			}
			e.bus.Publish(ctx, bus.Event{
				ConversationID: in.ConversationID,
				PromptID:       in.PromptID,
				Type:           bus.EventBlockEnd,
				Payload:        block,
			})
			delete(blocks, ev.BlockIndex)
		}
	}

	wg.Wait()

	if !hasTools {
		return false, nil, nil
	}

	results, err := e.awaitTerminalToolCalls(ctx, toolCallOrder)
	if err != nil {
		return true, nil, err
	}
	e.setPromptStatus(ctx, in.PromptID, model.PromptReadyForContinuation)
	return true, results, nil
}

// finalizeToolUseBlock parses acc's accumulated JSON input and creates
// the ToolCall row. A parse failure never aborts the prompt: the
// ToolCall is created already in a terminal error state carrying the
// parse error, per this system's resolved synthesized-error policy.
func (e *Engine) finalizeToolUseBlock(ctx context.Context, in Input, acc *blockAcc) *model.ToolCall {
	tc := &model.ToolCall{
		PromptID:      in.PromptID,
		BlockID:       acc.blockID,
		APIToolCallID: acc.toolCallID,
		ToolName:      acc.toolName,
		State:         model.ToolCallPending,
	}

	var decoded json.RawMessage
	if len(acc.jsonBuf) == 0 {
		acc.jsonBuf = []byte("{}")
	}
	if err := json.Unmarshal(acc.jsonBuf, &decoded); err != nil {
		now := time.Now()
		tc.State = model.ToolCallErrorS
		tc.Error = fmt.Sprintf("failed to parse tool input: %v", err)
		tc.StartedAt = &now
		tc.CompletedAt = &now
	} else {
		tc.Request = decoded
	}

	if err := e.store.CreateToolCall(ctx, tc); err != nil {
		e.logger.Error(ctx, "failed to persist tool call", "error", err, "tool_name", tc.ToolName)
	}

	e.bus.Publish(ctx, bus.Event{
		ConversationID: in.ConversationID,
		PromptID:       in.PromptID,
		Type:           bus.EventToolCallStarted,
		Payload:        tc,
	})
	return tc
}

// dispatchToolCall runs tc's tool (unless it was already finalized as a
// synthesized parse error) and updates it to a terminal state. It is
// launched fire-and-forget from consumeStream; the Engine only waits
// for completion via awaitTerminalToolCalls, never blocking block
// materialization on any one tool's execution.
func (e *Engine) dispatchToolCall(ctx context.Context, in Input, tc *model.ToolCall, wg *sync.WaitGroup) {
	defer wg.Done()

	if tc.State.IsTerminal() {
		e.publishToolCallTerminal(ctx, in, tc)
		return
	}

	started := time.Now()
	tc.State = model.ToolCallExecuting
	tc.StartedAt = &started
	if err := e.store.UpdateToolCall(ctx, tc); err != nil {
		e.logger.Warn(ctx, "failed to mark tool call executing", "error", err)
	}

	onChunk := func(chunk string) {
		e.bus.Publish(ctx, bus.Event{
			ConversationID: in.ConversationID,
			PromptID:       in.PromptID,
			Type:           bus.EventToolCallProgress,
			Payload:        map[string]string{"tool_call_id": tc.ID, "chunk": chunk},
		})
	}

	output, err := e.executor.Execute(ctx, tc.ToolName, tc.Request, onChunk)
	completed := time.Now()
	tc.CompletedAt = &completed
	if err != nil {
		tc.State = model.ToolCallErrorS
		tc.Error = err.Error()
	} else {
		tc.State = model.ToolCallComplete
		tc.Output = output
	}
	if e.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		e.metrics.ToolExecutionCounter.WithLabelValues(tc.ToolName, status).Inc()
		e.metrics.ToolExecutionDuration.WithLabelValues(tc.ToolName).Observe(completed.Sub(started).Seconds())
	}
	if uerr := e.store.UpdateToolCall(ctx, tc); uerr != nil {
		e.logger.Error(ctx, "failed to persist tool call result", "error", uerr)
	}

	e.publishToolCallTerminal(ctx, in, tc)
}

func (e *Engine) publishToolCallTerminal(ctx context.Context, in Input, tc *model.ToolCall) {
	eventType := bus.EventToolCallComplete
	if tc.State == model.ToolCallErrorS || tc.State == model.ToolCallCanceled {
		eventType = bus.EventToolCallFailed
	}
	e.bus.Publish(ctx, bus.Event{
		ConversationID: in.ConversationID,
		PromptID:       in.PromptID,
		Type:           eventType,
		Payload:        tc,
	})
}

// awaitTerminalToolCalls polls the store until every id in order has
// reached a terminal state, then returns their ToolCalls in that order.
// Polling (rather than blocking purely on the in-process WaitGroup) lets
// this also serve a future Engine restarted against tool calls another
// process instance dispatched, without changing its contract.
func (e *Engine) awaitTerminalToolCalls(ctx context.Context, order []string) ([]model.ToolCall, error) {
	const pollInterval = 20 * time.Millisecond
	results := make([]model.ToolCall, len(order))

	for i, id := range order {
		for {
			tc, err := e.store.GetToolCall(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("get tool call %s: %w", id, err)
			}
			if tc.State.IsTerminal() {
				results[i] = *tc
				break
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pollInterval):
			}
		}
	}
	return results, nil
}

// foldSteeringMessages folds any user messages queued while this Prompt
// was already active into the upcoming continuation turn's text
// content, then marks them completed so the Coordinator's queue never
// picks them up separately. Content was already materialized as an
// unfinalized Block at queue time (the Coordinator's QueueMessage),
// so folding here only has to read it, not parse anything new.
func (e *Engine) foldSteeringMessages(ctx context.Context, in Input) (string, error) {
	msgs, err := e.store.ListMessages(ctx, in.ConversationID, eventstore.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}

	var pending []*model.Message
	for _, m := range msgs {
		if m.Steering && m.Status == model.MessageQueued {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return "", nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].QueueOrder < pending[j].QueueOrder })

	var sb strings.Builder
	for _, m := range pending {
		blocks, err := e.store.ListBlocksByMessage(ctx, m.ID)
		if err != nil {
			return "", fmt.Errorf("list blocks for steering message %s: %w", m.ID, err)
		}
		if len(blocks) > 0 {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(blocks[0].Content)
			blocks[0].IsFinalized = true
			if err := e.store.UpdateBlock(ctx, blocks[0]); err != nil {
				return "", fmt.Errorf("finalize steering block: %w", err)
			}
		}
		m.Status = model.MessageCompleted
		if err := e.store.UpdateMessage(ctx, m); err != nil {
			return "", fmt.Errorf("complete steering message: %w", err)
		}
		e.bus.Publish(ctx, bus.Event{ConversationID: in.ConversationID, PromptID: in.PromptID, Type: bus.EventMessageUpdated, Payload: m})
	}
	return sb.String(), nil
}

// synthesizeToolResultTurn builds the continuation request's appended
// "user" turn: one tool_result per ToolCall, in the order their
// tool_use blocks appeared in the stream.
func synthesizeToolResultTurn(results []model.ToolCall) provider.Message {
	turn := provider.Message{Role: "user"}
	for _, tc := range results {
		content := tc.Output
		isError := tc.State == model.ToolCallErrorS || tc.State == model.ToolCallCanceled
		if isError && content == "" {
			content = tc.Error
		}
		turn.ToolResults = append(turn.ToolResults, provider.ToolResult{
			ToolCallID: tc.APIToolCallID,
			Content:    content,
			IsError:    isError,
		})
	}
	return turn
}

func (e *Engine) appendPromptEvent(ctx context.Context, promptID string, ev *provider.StreamEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return e.store.AppendPromptEvent(ctx, &model.PromptEvent{
		PromptID: promptID,
		Type:     string(ev.Type),
		Payload:  payload,
	})
}

func (e *Engine) complete(ctx context.Context, in Input) error {
	now := time.Now()
	prompt, err := e.store.GetPrompt(ctx, in.PromptID)
	if err != nil {
		return fmt.Errorf("get prompt: %w", err)
	}
	prompt.Status = model.PromptCompleted
	prompt.CompletedAt = &now
	if err := e.store.UpdatePrompt(ctx, prompt); err != nil {
		return fmt.Errorf("update prompt: %w", err)
	}

	msg, err := e.store.GetMessage(ctx, in.AssistantMessageID)
	if err != nil {
		return fmt.Errorf("get assistant message: %w", err)
	}
	msg.Status = model.MessageCompleted
	if err := e.store.UpdateMessage(ctx, msg); err != nil {
		return fmt.Errorf("update assistant message: %w", err)
	}

	e.bus.Publish(ctx, bus.Event{
		ConversationID: in.ConversationID,
		PromptID:       in.PromptID,
		Type:           bus.EventPromptCompleted,
		Payload:        prompt,
	})
	e.bus.Publish(ctx, bus.Event{
		ConversationID: in.ConversationID,
		PromptID:       in.PromptID,
		Type:           bus.EventMessageUpdated,
		Payload:        msg,
	})
	return nil
}

// fail transitions the Prompt and assistant Message to error and
// broadcasts prompt-failed. Resetting the originating user Message back
// to queued (so it can be retried rather than consumed by the failure)
// and releasing the conversation's active-prompt slot are the
// Coordinator's responsibility once Run returns a non-nil error, since
// only the Coordinator tracks which queued Message started this Prompt.
func (e *Engine) fail(ctx context.Context, in Input, cause error) error {
	e.logger.Error(ctx, "prompt failed", "error", cause)

	if prompt, err := e.store.GetPrompt(ctx, in.PromptID); err == nil {
		prompt.Status = model.PromptError
		prompt.Error = cause.Error()
		_ = e.store.UpdatePrompt(ctx, prompt)
	}

	if msg, err := e.store.GetMessage(ctx, in.AssistantMessageID); err == nil {
		msg.Status = model.MessageError
		_ = e.store.UpdateMessage(ctx, msg)
	}

	e.bus.Publish(ctx, bus.Event{
		ConversationID: in.ConversationID,
		PromptID:       in.PromptID,
		Type:           bus.EventPromptFailed,
		Payload:        map[string]string{"error": cause.Error()},
	})

	return cause
}
