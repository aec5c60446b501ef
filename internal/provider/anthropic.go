package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/loom/internal/apperrors"
	"github.com/haasonsaas/loom/internal/retry"
)

// maxEmptyStreamEvents bounds consecutive events that produce no
// observable output before the stream is treated as malformed and
// aborted, protecting against a flooding or stuck upstream connection.
const maxEmptyStreamEvents = 300

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// AnthropicProvider implements Provider against Anthropic's Messages
// streaming API, grounded on the donor's AnthropicProvider (its
// processStream event handling in particular); the beta/computer-use
// code path and vision attachment conversion are not carried over, as
// no SPEC_FULL.md component exercises them.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewAnthropicProvider builds a provider from config, applying the same
// defaults the donor's constructor does.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: config.DefaultModel,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
	}, nil
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

// Stream sends req and translates Anthropic's SSE stream into
// StreamEvents. Message and tool conversion failures are returned
// directly. Transient transport failures (classified via
// apperrors.Classify) are retried with exponential backoff, each delay
// scaled by a random factor in [0.5, 1.5), before the request is
// considered to have produced a stream at all;
// once the stream is flowing, a mid-stream error is surfaced as a
// single EventError rather than retried, since Anthropic gives no way
// to resume a partially-consumed stream.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan *StreamEvent, error) {
	if _, err := convertMessages(req.Messages); err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}
	if _, err := convertTools(req.Tools); err != nil {
		return nil, fmt.Errorf("anthropic: convert tools: %w", err)
	}

	events := make(chan *StreamEvent)

	go func() {
		defer close(events)

		model := p.model(req.Model)
		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]

		backoff := retry.Config{
			MaxAttempts:  p.maxRetries + 1,
			InitialDelay: p.retryDelay,
			MaxDelay:     10 * time.Second,
			Factor:       2.0,
			Jitter:       true,
		}

		_, result := retry.DoWithValue(ctx, backoff, func() (struct{}, error) {
			s, err := p.createStream(ctx, req, model)
			if err != nil {
				if !apperrors.Classify(err).IsRetryable() {
					return struct{}{}, retry.Permanent(err)
				}
				return struct{}{}, err
			}
			stream = s
			return struct{}{}, nil
		})

		if result.Err != nil {
			events <- &StreamEvent{Type: EventError, Err: fmt.Errorf("anthropic: stream request failed: %w", result.Err)}
			return
		}

		p.processStream(stream, events)
	}()

	return events, nil
}

func (p *AnthropicProvider) createStream(ctx context.Context, req *Request, model string) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// processStream consumes the SSE stream and emits normalized
// StreamEvents, accumulating tool-input JSON fragments across delta
// events the way the donor's processStream does.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- *StreamEvent) {
	emptyCount := 0
	var inputTokens, outputTokens int
	// blockIndex tracks the current content block position ourselves:
	// Anthropic streams blocks strictly sequentially (one block's start/
	// delta*/stop before the next begins), the same assumption the
	// donor's single-currentToolCall-variable handling makes.
	blockIndex := -1

	for stream.Next() {
		event := stream.Current()
		handled := true

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
			events <- &StreamEvent{Type: EventMessageStart}

		case "content_block_start":
			blockIndex++
			cbs := event.AsContentBlockStart()
			switch cbs.ContentBlock.Type {
			case "thinking":
				events <- &StreamEvent{Type: EventBlockStart, BlockIndex: blockIndex, BlockKind: BlockKindThinking}
			case "tool_use":
				tu := cbs.ContentBlock.AsToolUse()
				events <- &StreamEvent{
					Type:       EventBlockStart,
					BlockIndex: blockIndex,
					BlockKind:  BlockKindToolUse,
					ToolCallID: tu.ID,
					ToolName:   tu.Name,
				}
			case "text":
				events <- &StreamEvent{Type: EventBlockStart, BlockIndex: blockIndex, BlockKind: BlockKindText}
			default:
				handled = false
			}

		case "content_block_delta":
			cbd := event.AsContentBlockDelta()
			switch cbd.Delta.Type {
			case "text_delta":
				if cbd.Delta.Text != "" {
					events <- &StreamEvent{Type: EventBlockDelta, BlockIndex: blockIndex, Text: cbd.Delta.Text}
				} else {
					handled = false
				}
			case "thinking_delta":
				if cbd.Delta.Thinking != "" {
					events <- &StreamEvent{Type: EventBlockDelta, BlockIndex: blockIndex, Thinking: cbd.Delta.Thinking}
				} else {
					handled = false
				}
			case "input_json_delta":
				if cbd.Delta.PartialJSON != "" {
					events <- &StreamEvent{Type: EventBlockDelta, BlockIndex: blockIndex, ToolInputDelta: cbd.Delta.PartialJSON}
				} else {
					handled = false
				}
			default:
				handled = false
			}

		case "content_block_stop":
			events <- &StreamEvent{Type: EventBlockStop, BlockIndex: blockIndex}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}

		case "message_stop":
			events <- &StreamEvent{Type: EventMessageStop, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			events <- &StreamEvent{Type: EventError, Err: errors.New("anthropic: server-side stream error")}
			return

		default:
			handled = false
		}

		if handled {
			emptyCount = 0
			continue
		}
		emptyCount++
		if emptyCount >= maxEmptyStreamEvents {
			events <- &StreamEvent{Type: EventError, Err: fmt.Errorf("anthropic: stream appears malformed after %d empty events", emptyCount)}
			return
		}
	}

	if err := stream.Err(); err != nil {
		events <- &StreamEvent{Type: EventError, Err: fmt.Errorf("anthropic: %w", err)}
	}
}

func convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]interface{}
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func (p *AnthropicProvider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}
